package waitlist

import (
	"testing"
	"time"
)

func TestScore(t *testing.T) {
	tests := []struct {
		tier PriorityTier
		days int
		want int
	}{
		{TierUrgent, 10, 80},
		{TierEmergency, 1000, 120},
		{TierEmergency, 0, 100},
		{TierPriority, 1, 50},
		{TierPriority, 3, 51},
		{TierElective, 40, 45},
		{TierElective, 41, 45},
		{TierElective, -5, 25},
	}
	for _, tt := range tests {
		if got := Score(tt.tier, tt.days); got != tt.want {
			t.Errorf("Score(%s, %d) = %d, want %d", tt.tier, tt.days, got, tt.want)
		}
	}
}

func TestDaysWaiting(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

	e := &Entry{Status: StatusPending, QueueEntryDate: now.Add(-10*24*time.Hour - time.Hour)}
	if got := DaysWaiting(e, now); got != 10 {
		t.Errorf("expected 10 days, got %d", got)
	}

	e.QueueEntryDate = now.Add(-23 * time.Hour)
	if got := DaysWaiting(e, now); got != 0 {
		t.Errorf("expected partial day to round down to 0, got %d", got)
	}

	e.QueueEntryDate = now.Add(time.Hour)
	if got := DaysWaiting(e, now); got != 0 {
		t.Errorf("expected future entry date to clamp to 0, got %d", got)
	}
}

func TestDaysWaiting_TerminalUsesCompletionDate(t *testing.T) {
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	completed := now.Add(-5 * 24 * time.Hour)
	e := &Entry{
		Status:         StatusCompleted,
		QueueEntryDate: now.Add(-30 * 24 * time.Hour),
		CompletionDate: &completed,
	}
	if got := DaysWaiting(e, now); got != 25 {
		t.Errorf("expected 25 days, got %d", got)
	}
}

func TestPriorityTier_Valid(t *testing.T) {
	for _, tier := range []PriorityTier{TierEmergency, TierUrgent, TierPriority, TierElective} {
		if !tier.Valid() {
			t.Errorf("expected %s to be valid", tier)
		}
	}
	if PriorityTier("critical").Valid() {
		t.Error("expected unknown tier to be invalid")
	}
}
