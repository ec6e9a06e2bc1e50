package waitlist

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// avgServiceDays is the mean number of days a slot of each type takes to
// serve one patient.
var avgServiceDays = map[QueueType]float64{
	QueueConsultation: 1.0,
	QueueExam:         2.0,
	QueueSurgery:      5.0,
}

// EstimatedWait is the expected wait in days for the given 1-based position.
func EstimatedWait(t QueueType, position int) float64 {
	if position < 1 {
		return 0
	}
	return float64(position-1) * avgServiceDays[t]
}

// ranksBefore is the score order: higher score first, then earlier arrival,
// then id so the order is total.
func ranksBefore(a, b *Entry) bool {
	if a.ClinicalScore != b.ClinicalScore {
		return a.ClinicalScore > b.ClinicalScore
	}
	if !a.QueueEntryDate.Equal(b.QueueEntryDate) {
		return a.QueueEntryDate.Before(b.QueueEntryDate)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func sortByRank(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return ranksBefore(entries[i], entries[j]) })
}

// sortByPosition orders by the stored position. Entries without a position
// go last in rank order.
func sortByPosition(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].QueuePosition, entries[j].QueuePosition
		switch {
		case pi > 0 && pj > 0 && pi != pj:
			return pi < pj
		case pi > 0 && pj <= 0:
			return true
		case pi <= 0 && pj > 0:
			return false
		}
		return ranksBefore(entries[i], entries[j])
	})
}

// assignPositions numbers entries 1..N in slice order and returns those whose
// position or estimated wait changed.
func assignPositions(entries []*Entry, t QueueType) []*Entry {
	var changed []*Entry
	for i, e := range entries {
		pos := i + 1
		wait := EstimatedWait(t, pos)
		if e.QueuePosition != pos || e.EstimatedWait != wait {
			e.QueuePosition = pos
			e.EstimatedWait = wait
			changed = append(changed, e)
		}
	}
	return changed
}

// moveTo removes entries[from] and reinserts it at index to, keeping the
// relative order of the others.
func moveTo(entries []*Entry, from, to int) []*Entry {
	moved := entries[from]
	rest := make([]*Entry, 0, len(entries))
	rest = append(rest, entries[:from]...)
	rest = append(rest, entries[from+1:]...)

	out := make([]*Entry, 0, len(entries))
	out = append(out, rest[:to]...)
	out = append(out, moved)
	out = append(out, rest[to:]...)
	return out
}

// partition groups active entries by key, keeping first-seen key order.
func partition(entries []*Entry) ([]GroupKey, map[GroupKey][]*Entry) {
	groups := make(map[GroupKey][]*Entry)
	var keys []GroupKey
	for _, e := range entries {
		k := e.Key()
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], e)
	}
	return keys, groups
}

// Recompute reorders a group by score and arrival and returns its size.
func (s *Service) Recompute(ctx context.Context, key GroupKey) (int, error) {
	var n int
	err := s.locker.WithGroupLock(ctx, key, func(ctx context.Context) error {
		var err error
		n, err = s.recomputeLocked(ctx, key)
		return err
	})
	if err != nil {
		return 0, s.fail("recompute", err)
	}
	return n, nil
}

// recomputeLocked must run under the group lock.
func (s *Service) recomputeLocked(ctx context.Context, key GroupKey) (int, error) {
	start := time.Now()
	entries, err := s.entries.ListActiveByGroup(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	sortByRank(entries)
	changed := assignPositions(entries, key.Type)
	if len(changed) > 0 {
		if err := s.entries.UpdatePositions(ctx, changed); err != nil {
			return 0, err
		}
	}

	s.metrics.RecordRecompute(string(key.Type), len(entries), time.Since(start))
	s.logger.Debug().Str("group", key.String()).Int("size", len(entries)).
		Int("changed", len(changed)).Msg("queue group recomputed")
	return len(entries), nil
}

// RecomputeAll recomputes every active group matching the type, specialty
// and unit of f, each under its own lock, and returns the number of entries
// whose positions were reassigned.
func (s *Service) RecomputeAll(ctx context.Context, f Filter) (int, error) {
	scope := Filter{Type: f.Type, SpecialtyID: f.SpecialtyID, UnitID: f.UnitID}
	active, err := s.entries.ListActive(ctx, scope)
	if err != nil {
		return 0, s.fail("recompute_all", err)
	}
	keys, _ := partition(active)

	total := 0
	for _, key := range keys {
		n, err := s.Recompute(ctx, key)
		if err != nil {
			return total, err
		}
		total += n
	}
	s.logger.Info().Int("groups", len(keys)).Int("entries", total).Msg("waitlist recompute finished")
	return total, nil
}

// Reorder places an active entry at newPosition within its group, keeping
// the relative order of the others. It starts from the group's current
// positions, so earlier manual moves are kept until the next recompute.
func (s *Service) Reorder(ctx context.Context, id uuid.UUID, newPosition int, reason string, actor Actor) error {
	return s.reorder(ctx, "reorder", id, newPosition, reason, actor)
}

// MoveToFront is Reorder to position 1.
func (s *Service) MoveToFront(ctx context.Context, id uuid.UUID, reason string, actor Actor) error {
	return s.reorder(ctx, "move_to_front", id, 1, reason, actor)
}

func (s *Service) reorder(ctx context.Context, op string, id uuid.UUID, newPosition int, reason string, actor Actor) error {
	return s.mutate(ctx, op, id, func(ctx context.Context, e *Entry) error {
		if !e.Status.Active() {
			return validationError(
				fmt.Sprintf("entry in status %s is not queued", e.Status),
				map[string]string{"status": "only pending, regulated or scheduled entries can be reordered"},
			)
		}

		group, err := s.entries.ListActiveByGroup(ctx, e.Key())
		if err != nil {
			return err
		}
		sortByPosition(group)

		idx := -1
		for i, g := range group {
			if g.ID == e.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return notFoundError("queued entry", e.ID)
		}
		if newPosition < 1 || newPosition > len(group) {
			return fieldError("position", fmt.Sprintf("must be between 1 and %d", len(group)))
		}

		group = moveTo(group, idx, newPosition-1)
		if changed := assignPositions(group, e.QueueType); len(changed) > 0 {
			if err := s.entries.UpdatePositions(ctx, changed); err != nil {
				return err
			}
		}

		desc := fmt.Sprintf("moved from position %d to %d", idx+1, newPosition)
		if err := s.record(ctx, e, Movement{Kind: KindReorder, Description: desc, Reason: reason}, actor); err != nil {
			return err
		}
		s.metrics.RecordReorder(op)
		return nil
	})
}

// SuggestNext returns the best ranked pending entry in scope, or nil when
// there is none. The status of f is ignored.
func (s *Service) SuggestNext(ctx context.Context, f Filter) (*Entry, error) {
	f.Status = nil
	e, err := s.entries.NextPending(ctx, f)
	if err != nil {
		return nil, s.fail("suggest_next", err)
	}
	return e, nil
}
