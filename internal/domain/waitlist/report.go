package waitlist

import (
	"context"
	"sort"
	"time"
)

// ReportKind names a report.
type ReportKind string

const (
	ReportQueue       ReportKind = "queue"
	ReportPerformance ReportKind = "performance"
)

// GroupStats summarizes one active queue group.
type GroupStats struct {
	Key             GroupKey             `json:"group"`
	Size            int                  `json:"size"`
	ByStatus        map[Status]int       `json:"by_status"`
	ByTier          map[PriorityTier]int `json:"by_tier"`
	MeanScore       float64              `json:"mean_score"`
	OldestEntryDate *time.Time           `json:"oldest_entry_date,omitempty"`
	MeanDaysWaiting float64              `json:"mean_days_waiting"`
}

type QueueReport struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Total       int           `json:"total"`
	Groups      []*GroupStats `json:"groups"`
}

type PerformanceReport struct {
	From                 time.Time `json:"from"`
	To                   time.Time `json:"to"`
	Created              int       `json:"created"`
	Regulated            int       `json:"regulated"`
	Scheduled            int       `json:"scheduled"`
	Completed            int       `json:"completed"`
	Cancelled            int       `json:"cancelled"`
	Reorders             int       `json:"reorders"`
	MeanDaysToRegulation float64   `json:"mean_days_to_regulation"`
	MeanDaysToCompletion float64   `json:"mean_days_to_completion"`
}

// BuildQueueReport summarizes active entries per group. Groups are sorted by
// type, then specialty and unit ids.
func BuildQueueReport(entries []*Entry, now time.Time) *QueueReport {
	keys, groups := partition(entries)
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	r := &QueueReport{GeneratedAt: now, Groups: make([]*GroupStats, 0, len(keys))}
	for _, k := range keys {
		members := groups[k]
		gs := &GroupStats{
			Key:      k,
			Size:     len(members),
			ByStatus: map[Status]int{},
			ByTier:   map[PriorityTier]int{},
		}
		var scoreSum, daysSum int
		for _, e := range members {
			gs.ByStatus[e.Status]++
			gs.ByTier[e.PriorityTier]++
			scoreSum += e.ClinicalScore
			daysSum += DaysWaiting(e, now)
			if gs.OldestEntryDate == nil || e.QueueEntryDate.Before(*gs.OldestEntryDate) {
				d := e.QueueEntryDate
				gs.OldestEntryDate = &d
			}
		}
		gs.MeanScore = float64(scoreSum) / float64(len(members))
		gs.MeanDaysWaiting = float64(daysSum) / float64(len(members))
		r.Total += len(members)
		r.Groups = append(r.Groups, gs)
	}
	return r
}

// BuildPerformanceReport combines movement counts for [from, to) with the
// turnaround of entries that arrived in the same period.
func BuildPerformanceReport(from, to time.Time, arrived []*Entry, tally *MovementTally) *PerformanceReport {
	r := &PerformanceReport{From: from, To: to}
	if tally != nil {
		r.Created = tally.ByKind[KindCreate]
		r.Reorders = tally.ByKind[KindReorder]
		r.Regulated = tally.ByNewStatus[StatusRegulated]
		r.Scheduled = tally.ByNewStatus[StatusScheduled]
		r.Completed = tally.ByNewStatus[StatusCompleted]
		r.Cancelled = tally.ByNewStatus[StatusCancelled]
	}

	var regDays, compDays float64
	var regN, compN int
	for _, e := range arrived {
		if e.RegulationDate != nil {
			regDays += e.RegulationDate.Sub(e.QueueEntryDate).Hours() / 24
			regN++
		}
		if e.Status == StatusCompleted && e.CompletionDate != nil {
			compDays += e.CompletionDate.Sub(e.QueueEntryDate).Hours() / 24
			compN++
		}
	}
	if regN > 0 {
		r.MeanDaysToRegulation = regDays / float64(regN)
	}
	if compN > 0 {
		r.MeanDaysToCompletion = compDays / float64(compN)
	}
	return r
}

func (s *Service) QueueReport(ctx context.Context, f Filter) (*QueueReport, error) {
	f.Status = nil
	active, err := s.entries.ListActive(ctx, f)
	if err != nil {
		return nil, s.fail("queue_report", err)
	}
	return BuildQueueReport(active, s.now()), nil
}

func (s *Service) PerformanceReport(ctx context.Context, from, to time.Time, f Filter) (*PerformanceReport, error) {
	if !from.Before(to) {
		return nil, s.fail("performance_report", fieldError("from", "must be before to"))
	}
	scope := Filter{Type: f.Type, SpecialtyID: f.SpecialtyID, UnitID: f.UnitID}
	arrived, err := s.entries.ListEnteredBetween(ctx, from, to, scope)
	if err != nil {
		return nil, s.fail("performance_report", err)
	}
	tally, err := s.movements.Tally(ctx, from, to, scope)
	if err != nil {
		return nil, s.fail("performance_report", err)
	}
	return BuildPerformanceReport(from, to, arrived, tally), nil
}
