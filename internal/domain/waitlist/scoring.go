package waitlist

import (
	"math"
	"time"
)

var basePoints = map[PriorityTier]float64{
	TierEmergency: 100,
	TierUrgent:    75,
	TierPriority:  50,
	TierElective:  25,
}

const (
	waitBonusPerDay = 0.5
	maxWaitBonus    = 20
)

// Score returns the clinical score for a tier after daysWaiting days:
// base points plus half a point per day, the bonus capped at 20.
func Score(tier PriorityTier, daysWaiting int) int {
	if daysWaiting < 0 {
		daysWaiting = 0
	}
	bonus := math.Min(float64(daysWaiting)*waitBonusPerDay, maxWaitBonus)
	return int(math.Floor(basePoints[tier] + bonus))
}

// DaysWaiting is the number of whole days between the entry's arrival and
// now, or its completion date once the entry is terminal.
func DaysWaiting(e *Entry, now time.Time) int {
	end := now
	if e.Status.Terminal() && e.CompletionDate != nil {
		end = *e.CompletionDate
	}
	d := end.Sub(e.QueueEntryDate)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

func rescore(e *Entry, now time.Time) {
	e.ClinicalScore = Score(e.PriorityTier, DaysWaiting(e, now))
}
