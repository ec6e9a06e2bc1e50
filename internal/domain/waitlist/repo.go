package waitlist

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/refdata"
)

// EntryRepository stores entries. Reads return QueueType joined from the
// owning queue. History is not hydrated by the repository.
type EntryRepository interface {
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Entry, error)
	Update(ctx context.Context, e *Entry) error
	// UpdatePositions persists QueuePosition and EstimatedWait only.
	UpdatePositions(ctx context.Context, entries []*Entry) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
	// ListActive returns every pending, regulated or scheduled entry
	// matching f.
	ListActive(ctx context.Context, f Filter) ([]*Entry, error)
	ListActiveByGroup(ctx context.Context, key GroupKey) ([]*Entry, error)
	// NextPending returns the best ranked pending entry, or nil.
	NextPending(ctx context.Context, f Filter) (*Entry, error)
	// ListEnteredBetween returns entries whose queue_entry_date is in
	// [from, to).
	ListEnteredBetween(ctx context.Context, from, to time.Time, f Filter) ([]*Entry, error)
}

// MovementRepository stores the audit log. It never updates or deletes.
type MovementRepository interface {
	Append(ctx context.Context, entryID uuid.UUID, m Movement) error
	ListByEntry(ctx context.Context, entryID uuid.UUID) ([]Movement, error)
	Tally(ctx context.Context, from, to time.Time, f Filter) (*MovementTally, error)
}

// MovementTally counts movements in a period.
type MovementTally struct {
	ByKind      map[MovementKind]int
	ByNewStatus map[Status]int
}

type QueueRepository interface {
	Create(ctx context.Context, q *Queue) error
	GetByID(ctx context.Context, id uuid.UUID) (*Queue, error)
	List(ctx context.Context) ([]*Queue, error)
}

// GroupLocker serializes writers of the same queue group. fn runs with a
// context that repositories use to join the lock's transaction, if any.
type GroupLocker interface {
	WithGroupLock(ctx context.Context, key GroupKey, fn func(ctx context.Context) error) error
}

// LabelResolver supplies display labels for an entry's references.
type LabelResolver interface {
	Resolve(ctx context.Context, refs refdata.Refs) (refdata.Labels, error)
}
