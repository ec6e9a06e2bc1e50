package waitlist

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueType is the kind of slot an entry is waiting for.
type QueueType string

const (
	QueueConsultation QueueType = "consultation"
	QueueExam         QueueType = "exam"
	QueueSurgery      QueueType = "surgery"
)

var validQueueTypes = map[QueueType]bool{
	QueueConsultation: true, QueueExam: true, QueueSurgery: true,
}

func (t QueueType) Valid() bool { return validQueueTypes[t] }

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRegulated Status = "regulated"
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var activeStatuses = map[Status]bool{
	StatusPending: true, StatusRegulated: true, StatusScheduled: true,
}

var validStatuses = map[Status]bool{
	StatusPending: true, StatusRegulated: true, StatusScheduled: true,
	StatusCompleted: true, StatusCancelled: true,
}

func (s Status) Valid() bool { return validStatuses[s] }

// Active reports whether entries in this status take part in group ordering.
func (s Status) Active() bool { return activeStatuses[s] }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// PriorityTier is the clinical urgency assigned at request or regulation.
type PriorityTier string

const (
	TierEmergency PriorityTier = "emergency"
	TierUrgent    PriorityTier = "urgent"
	TierPriority  PriorityTier = "priority"
	TierElective  PriorityTier = "elective"
)

func (t PriorityTier) Valid() bool {
	_, ok := basePoints[t]
	return ok
}

// Queue defines a waiting list. Its type partitions entries together with
// specialty and unit.
type Queue struct {
	ID          uuid.UUID `json:"id"`
	Description string    `json:"description"`
	Color       string    `json:"color"`
	Type        QueueType `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Entry is a patient waiting for a slot.
type Entry struct {
	ID                       uuid.UUID    `json:"id"`
	QueueID                  uuid.UUID    `json:"queue_id"`
	QueueType                QueueType    `json:"queue_type"`
	PatientID                uuid.UUID    `json:"patient_id"`
	ProcedureID              uuid.UUID    `json:"procedure_id"`
	SpecialtyID              uuid.UUID    `json:"specialty_id"`
	UnitID                   uuid.UUID    `json:"unit_id"`
	RequestingProfessionalID uuid.UUID    `json:"requesting_professional_id"`
	ReviewingUserID          *string      `json:"reviewing_user_id,omitempty"`
	Status                   Status       `json:"status"`
	PriorityTier             PriorityTier `json:"priority_tier"`
	ClinicalScore            int          `json:"clinical_score"`
	RequestDate              time.Time    `json:"request_date"`
	DeadlineDate             *time.Time   `json:"deadline_date,omitempty"`
	RegulationDate           *time.Time   `json:"regulation_date,omitempty"`
	ScheduleDate             *time.Time   `json:"schedule_date,omitempty"`
	ExpectedDate             *time.Time   `json:"expected_date,omitempty"`
	CompletionDate           *time.Time   `json:"completion_date,omitempty"`
	QueueEntryDate           time.Time    `json:"queue_entry_date"`
	ClinicalReason           string       `json:"clinical_reason"`
	RegulationNotes          *string      `json:"regulation_notes,omitempty"`
	Attachments              []string     `json:"attachments"`
	QueuePosition            int          `json:"queue_position"`
	EstimatedWait            float64      `json:"estimated_wait"`
	IdempotencyKey           *string      `json:"-"`
	History                  History      `json:"history"`
	CreatedAt                time.Time    `json:"created_at"`
	UpdatedAt                time.Time    `json:"updated_at"`
}

// Key returns the ordering group the entry belongs to.
func (e *Entry) Key() GroupKey {
	return GroupKey{Type: e.QueueType, SpecialtyID: e.SpecialtyID, UnitID: e.UnitID}
}

// GroupKey partitions entries for position and estimated-wait computation.
type GroupKey struct {
	Type        QueueType `json:"type"`
	SpecialtyID uuid.UUID `json:"specialty_id"`
	UnitID      uuid.UUID `json:"unit_id"`
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Type, k.SpecialtyID, k.UnitID)
}

// Filter narrows list, recompute and report operations. Nil fields match
// everything.
type Filter struct {
	Type        *QueueType
	SpecialtyID *uuid.UUID
	UnitID      *uuid.UUID
	Status      *Status
	Priority    *PriorityTier
}

// Match reports whether e satisfies every set field of f.
func (f Filter) Match(e *Entry) bool {
	if f.Type != nil && e.QueueType != *f.Type {
		return false
	}
	if f.SpecialtyID != nil && e.SpecialtyID != *f.SpecialtyID {
		return false
	}
	if f.UnitID != nil && e.UnitID != *f.UnitID {
		return false
	}
	if f.Status != nil && e.Status != *f.Status {
		return false
	}
	if f.Priority != nil && e.PriorityTier != *f.Priority {
		return false
	}
	return true
}

// Actor identifies who performed a change.
type Actor struct {
	ID   string
	Name string
}
