package waitlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/db"
	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/metrics"
	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/refdata"
)

const maxIdempotencyKeyLen = 128

type Service struct {
	entries   EntryRepository
	queues    QueueRepository
	movements MovementRepository
	locker    GroupLocker
	labels    LabelResolver
	metrics   *metrics.WaitlistMetrics
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithLabelResolver(r LabelResolver) Option { return func(s *Service) { s.labels = r } }

func WithMetrics(m *metrics.WaitlistMetrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(entries EntryRepository, queues QueueRepository, movements MovementRepository, locker GroupLocker, opts ...Option) *Service {
	s := &Service{
		entries:   entries,
		queues:    queues,
		movements: movements,
		locker:    locker,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Queues --

func (s *Service) CreateQueue(ctx context.Context, q *Queue) error {
	fields := map[string]string{}
	if strings.TrimSpace(q.Description) == "" {
		fields["description"] = "is required"
	}
	if !q.Type.Valid() {
		fields["type"] = "must be one of consultation, exam, surgery"
	}
	if len(fields) > 0 {
		return s.fail("create_queue", validationError("invalid queue", fields))
	}
	if err := s.queues.Create(ctx, q); err != nil {
		return s.fail("create_queue", err)
	}
	return nil
}

func (s *Service) GetQueue(ctx context.Context, id uuid.UUID) (*Queue, error) {
	q, err := s.queues.GetByID(ctx, id)
	if err != nil {
		return nil, s.fail("get_queue", err)
	}
	return q, nil
}

func (s *Service) ListQueues(ctx context.Context) ([]*Queue, error) {
	qs, err := s.queues.List(ctx)
	if err != nil {
		return nil, s.fail("list_queues", err)
	}
	return qs, nil
}

// -- Entries --

type CreateInput struct {
	QueueID                  uuid.UUID    `json:"queue_id"`
	PatientID                uuid.UUID    `json:"patient_id"`
	ProcedureID              uuid.UUID    `json:"procedure_id"`
	SpecialtyID              uuid.UUID    `json:"specialty_id"`
	UnitID                   uuid.UUID    `json:"unit_id"`
	RequestingProfessionalID uuid.UUID    `json:"requesting_professional_id"`
	PriorityTier             PriorityTier `json:"priority_tier"`
	RequestDate              *time.Time   `json:"request_date"`
	DeadlineDate             *time.Time   `json:"deadline_date"`
	ExpectedDate             *time.Time   `json:"expected_date"`
	QueueEntryDate           *time.Time   `json:"queue_entry_date"`
	ClinicalReason           string       `json:"clinical_reason"`
	Attachments              []string     `json:"attachments"`
	IdempotencyKey           string       `json:"idempotency_key"`
}

func (in CreateInput) validate() error {
	fields := map[string]string{}
	required := map[string]uuid.UUID{
		"queue_id":                   in.QueueID,
		"patient_id":                 in.PatientID,
		"procedure_id":               in.ProcedureID,
		"specialty_id":               in.SpecialtyID,
		"unit_id":                    in.UnitID,
		"requesting_professional_id": in.RequestingProfessionalID,
	}
	for name, id := range required {
		if id == uuid.Nil {
			fields[name] = "is required"
		}
	}
	if strings.TrimSpace(in.ClinicalReason) == "" {
		fields["clinical_reason"] = "is required"
	}
	if in.RequestDate == nil || in.RequestDate.IsZero() {
		fields["request_date"] = "is required"
	}
	if in.PriorityTier != "" && !in.PriorityTier.Valid() {
		fields["priority_tier"] = "must be one of emergency, urgent, priority, elective"
	}
	if len(in.IdempotencyKey) > maxIdempotencyKeyLen {
		fields["idempotency_key"] = fmt.Sprintf("must be at most %d characters", maxIdempotencyKeyLen)
	}
	if len(fields) > 0 {
		return validationError("invalid waitlist entry", fields)
	}
	return nil
}

// Create admits a new pending entry and recomputes its group. A repeated
// idempotency key returns the entry created by the first call.
func (s *Service) Create(ctx context.Context, in CreateInput, actor Actor) (*Entry, error) {
	if err := in.validate(); err != nil {
		return nil, s.fail("create", err)
	}

	if in.IdempotencyKey != "" {
		existing, err := s.byIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, s.fail("create", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	q, err := s.queues.GetByID(ctx, in.QueueID)
	if err != nil {
		if IsKind(err, KindNotFound) {
			err = fieldError("queue_id", "does not reference an existing queue")
		}
		return nil, s.fail("create", err)
	}

	now := s.now()
	e := &Entry{
		QueueID:                  q.ID,
		QueueType:                q.Type,
		PatientID:                in.PatientID,
		ProcedureID:              in.ProcedureID,
		SpecialtyID:              in.SpecialtyID,
		UnitID:                   in.UnitID,
		RequestingProfessionalID: in.RequestingProfessionalID,
		Status:                   StatusPending,
		PriorityTier:             in.PriorityTier,
		RequestDate:              *in.RequestDate,
		DeadlineDate:             in.DeadlineDate,
		ExpectedDate:             in.ExpectedDate,
		QueueEntryDate:           now,
		ClinicalReason:           strings.TrimSpace(in.ClinicalReason),
		Attachments:              append([]string{}, in.Attachments...),
	}
	if e.PriorityTier == "" {
		e.PriorityTier = TierElective
	}
	if in.QueueEntryDate != nil && !in.QueueEntryDate.IsZero() {
		e.QueueEntryDate = *in.QueueEntryDate
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		e.IdempotencyKey = &key
	}
	rescore(e, now)

	err = s.locker.WithGroupLock(ctx, e.Key(), func(ctx context.Context) error {
		if err := s.entries.Create(ctx, e); err != nil {
			return err
		}
		desc := fmt.Sprintf("entry created in queue %q as %s (score %d)", q.Description, e.PriorityTier, e.ClinicalScore)
		if err := s.record(ctx, e, Movement{Kind: KindCreate, Description: desc, NewStatus: statusPtr(StatusPending)}, actor); err != nil {
			return err
		}
		_, err := s.recomputeLocked(ctx, e.Key())
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			existing, gerr := s.byIdempotencyKey(ctx, in.IdempotencyKey)
			if gerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, s.fail("create", err)
	}

	s.logger.Info().Str("entry_id", e.ID.String()).Str("group", e.Key().String()).
		Str("tier", string(e.PriorityTier)).Msg("waitlist entry created")
	return s.Get(ctx, e.ID)
}

func (s *Service) byIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	e, err := s.entries.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.load(ctx, e.ID)
}

// Get returns an entry with its full history.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, s.fail("get", err)
	}
	return e, nil
}

// List returns entries without their history.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	items, total, err := s.entries.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, s.fail("list", err)
	}
	return items, total, nil
}

type RegulateInput struct {
	PriorityTier PriorityTier `json:"priority_tier"`
	Notes        *string      `json:"notes"`
	ReviewerID   string       `json:"reviewer_id"`
}

// Regulate confirms the entry's tier. Allowed from pending and regulated;
// regulation_date is overwritten on every call.
func (s *Service) Regulate(ctx context.Context, id uuid.UUID, in RegulateInput, actor Actor) error {
	if !in.PriorityTier.Valid() {
		return s.fail("regulate", fieldError("priority_tier", "must be one of emergency, urgent, priority, elective"))
	}
	reviewer := in.ReviewerID
	if reviewer == "" {
		reviewer = actor.ID
	}
	if reviewer == "" {
		return s.fail("regulate", fieldError("reviewer_id", "is required"))
	}

	return s.mutate(ctx, "regulate", id, func(ctx context.Context, e *Entry) error {
		if err := checkTransition(e.Status, StatusRegulated); err != nil {
			return err
		}
		now := s.now()
		prior := e.Status
		e.Status = StatusRegulated
		e.RegulationDate = &now
		e.PriorityTier = in.PriorityTier
		e.ReviewingUserID = &reviewer
		if in.Notes != nil {
			e.RegulationNotes = in.Notes
		}
		rescore(e, now)

		if err := s.entries.Update(ctx, e); err != nil {
			return err
		}
		m := Movement{
			Kind:        KindRegulate,
			Description: fmt.Sprintf("regulated as %s (score %d)", e.PriorityTier, e.ClinicalScore),
			PriorStatus: statusPtr(prior),
			NewStatus:   statusPtr(StatusRegulated),
		}
		if in.Notes != nil {
			m.Reason = *in.Notes
		}
		if err := s.record(ctx, e, m, actor); err != nil {
			return err
		}
		s.metrics.RecordTransition(string(prior), string(StatusRegulated))
		_, err := s.recomputeLocked(ctx, e.Key())
		return err
	})
}

type ReclassifyInput struct {
	PriorityTier PriorityTier `json:"priority_tier"`
	Reason       string       `json:"reason"`
	ReviewerID   string       `json:"reviewer_id"`
}

// Reclassify changes the tier of a pending or regulated entry without a
// status change.
func (s *Service) Reclassify(ctx context.Context, id uuid.UUID, in ReclassifyInput, actor Actor) error {
	if !in.PriorityTier.Valid() {
		return s.fail("reclassify", fieldError("priority_tier", "must be one of emergency, urgent, priority, elective"))
	}
	if strings.TrimSpace(in.Reason) == "" {
		return s.fail("reclassify", fieldError("reason", "is required"))
	}
	reviewer := in.ReviewerID
	if reviewer == "" {
		reviewer = actor.ID
	}

	return s.mutate(ctx, "reclassify", id, func(ctx context.Context, e *Entry) error {
		if err := checkReclassify(e.Status); err != nil {
			return err
		}
		priorTier, priorScore := e.PriorityTier, e.ClinicalScore
		e.PriorityTier = in.PriorityTier
		if reviewer != "" {
			e.ReviewingUserID = &reviewer
		}
		rescore(e, s.now())

		if err := s.entries.Update(ctx, e); err != nil {
			return err
		}
		desc := fmt.Sprintf("reclassified from %s to %s (score %d -> %d)", priorTier, e.PriorityTier, priorScore, e.ClinicalScore)
		if err := s.record(ctx, e, Movement{Kind: KindReclassify, Description: desc, Reason: in.Reason}, actor); err != nil {
			return err
		}
		_, err := s.recomputeLocked(ctx, e.Key())
		return err
	})
}

// Cancel moves a non-terminal entry to cancelled. The record is kept and
// drops out of its group's ordering.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string, actor Actor) error {
	if strings.TrimSpace(reason) == "" {
		return s.fail("cancel", fieldError("reason", "is required"))
	}
	return s.mutate(ctx, "cancel", id, func(ctx context.Context, e *Entry) error {
		if err := checkTransition(e.Status, StatusCancelled); err != nil {
			return err
		}
		prior := e.Status
		e.Status = StatusCancelled
		e.QueuePosition = 0
		e.EstimatedWait = 0

		if err := s.entries.Update(ctx, e); err != nil {
			return err
		}
		m := Movement{
			Kind:        KindCancel,
			Description: "entry cancelled",
			PriorStatus: statusPtr(prior),
			NewStatus:   statusPtr(StatusCancelled),
			Reason:      reason,
		}
		if err := s.record(ctx, e, m, actor); err != nil {
			return err
		}
		s.metrics.RecordTransition(string(prior), string(StatusCancelled))
		_, err := s.recomputeLocked(ctx, e.Key())
		return err
	})
}

// UpdatePatch is a partial update. Nil fields are left unchanged.
type UpdatePatch struct {
	RegulationNotes *string    `json:"regulation_notes"`
	DeadlineDate    *time.Time `json:"deadline_date"`
	ScheduleDate    *time.Time `json:"schedule_date"`
	ExpectedDate    *time.Time `json:"expected_date"`
	CompletionDate  *time.Time `json:"completion_date"`
	Attachments     *[]string  `json:"attachments"`
	ClinicalReason  *string    `json:"clinical_reason"`
	Status          *Status    `json:"status"`
	Reason          string     `json:"reason"`
}

func (p UpdatePatch) fieldNames() []string {
	var names []string
	add := func(set bool, name string) {
		if set {
			names = append(names, name)
		}
	}
	add(p.RegulationNotes != nil, "regulation_notes")
	add(p.DeadlineDate != nil, "deadline_date")
	add(p.ScheduleDate != nil, "schedule_date")
	add(p.ExpectedDate != nil, "expected_date")
	add(p.CompletionDate != nil, "completion_date")
	add(p.Attachments != nil, "attachments")
	add(p.ClinicalReason != nil, "clinical_reason")
	add(p.Status != nil, "status")
	return names
}

// Update applies a patch. A status change must be a legal transition and
// recomputes the group when the entry leaves the active set. Regulation is
// not a patch: it rescores and records the reviewer, so it goes through
// Regulate.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p UpdatePatch, actor Actor) (*Entry, error) {
	names := p.fieldNames()
	if len(names) == 0 {
		return nil, s.fail("update", validationError("no fields to update", nil))
	}
	if p.Status != nil && *p.Status == StatusRegulated {
		return nil, s.fail("update", fieldError("status", "cannot be set to regulated, use /regulate"))
	}
	if p.ClinicalReason != nil && strings.TrimSpace(*p.ClinicalReason) == "" {
		return nil, s.fail("update", fieldError("clinical_reason", "must not be empty"))
	}

	err := s.mutate(ctx, "update", id, func(ctx context.Context, e *Entry) error {
		prior := e.Status
		if p.Status != nil && *p.Status != prior {
			if err := checkTransition(prior, *p.Status); err != nil {
				return err
			}
		}

		if p.RegulationNotes != nil {
			e.RegulationNotes = p.RegulationNotes
		}
		if p.DeadlineDate != nil {
			e.DeadlineDate = p.DeadlineDate
		}
		if p.ScheduleDate != nil {
			e.ScheduleDate = p.ScheduleDate
		}
		if p.ExpectedDate != nil {
			e.ExpectedDate = p.ExpectedDate
		}
		if p.CompletionDate != nil {
			e.CompletionDate = p.CompletionDate
		}
		if p.Attachments != nil {
			e.Attachments = append([]string{}, (*p.Attachments)...)
		}
		if p.ClinicalReason != nil {
			e.ClinicalReason = strings.TrimSpace(*p.ClinicalReason)
		}

		statusChanged := p.Status != nil && *p.Status != prior
		if statusChanged {
			now := s.now()
			e.Status = *p.Status
			switch e.Status {
			case StatusScheduled:
				if e.ScheduleDate == nil {
					e.ScheduleDate = &now
				}
			case StatusCompleted:
				if e.CompletionDate == nil {
					e.CompletionDate = &now
				}
			}
			if !e.Status.Active() {
				e.QueuePosition = 0
				e.EstimatedWait = 0
			}
		}

		if err := s.entries.Update(ctx, e); err != nil {
			return err
		}

		m := Movement{Kind: KindUpdate, Reason: p.Reason}
		if statusChanged {
			m.Description = fmt.Sprintf("status changed from %s to %s", prior, e.Status)
			m.PriorStatus = statusPtr(prior)
			m.NewStatus = statusPtr(e.Status)
		} else {
			m.Description = "updated " + strings.Join(names, ", ")
		}
		if err := s.record(ctx, e, m, actor); err != nil {
			return err
		}

		if statusChanged {
			s.metrics.RecordTransition(string(prior), string(e.Status))
			if prior.Active() != e.Status.Active() {
				if _, err := s.recomputeLocked(ctx, e.Key()); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// AppendMovement adds a manual annotation to the entry's history.
func (s *Service) AppendMovement(ctx context.Context, id uuid.UUID, description, reason string, actor Actor) error {
	if strings.TrimSpace(description) == "" {
		return s.fail("append_movement", fieldError("description", "is required"))
	}
	return s.mutate(ctx, "append_movement", id, func(ctx context.Context, e *Entry) error {
		return s.record(ctx, e, Movement{Kind: KindAnnotation, Description: description, Reason: reason}, actor)
	})
}

// History returns the entry's movements, most recent first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]Movement, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, s.fail("history", err)
	}
	return e.History.MostRecentFirst(), nil
}

// VerifyResult reports the outcome of a hash-chain check.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Movements int    `json:"movements"`
	BrokenAt  int    `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Service) VerifyHistory(ctx context.Context, id uuid.UUID) (*VerifyResult, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, s.fail("verify_history", err)
	}
	res := &VerifyResult{Valid: true, Movements: e.History.Len()}
	var chainErr *ChainError
	if err := e.History.Verify(); errors.As(err, &chainErr) {
		res.Valid = false
		res.BrokenAt = chainErr.Seq
		res.Reason = chainErr.Reason
		s.logger.Warn().Str("entry_id", id.String()).Int("seq", chainErr.Seq).Msg("waitlist history chain broken")
	}
	return res, nil
}

// EntryView is an entry with its display labels.
type EntryView struct {
	*Entry
	Labels refdata.Labels `json:"labels"`
}

// View resolves labels for e. Lookup failures are logged and leave the
// labels empty.
func (s *Service) View(ctx context.Context, e *Entry) *EntryView {
	v := &EntryView{Entry: e}
	if s.labels == nil {
		return v
	}
	labels, err := s.labels.Resolve(ctx, refdata.Refs{
		PatientID:      e.PatientID,
		ProcedureID:    e.ProcedureID,
		SpecialtyID:    e.SpecialtyID,
		UnitID:         e.UnitID,
		ProfessionalID: e.RequestingProfessionalID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("label lookup failed")
	}
	v.Labels = labels
	return v
}

func (s *Service) Views(ctx context.Context, entries []*Entry) []*EntryView {
	out := make([]*EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.View(ctx, e))
	}
	return out
}

// -- helpers --

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := s.entries.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ms, err := s.movements.ListByEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.History = NewHistory(ms)
	return e, nil
}

// mutate runs fn on a freshly loaded entry while holding its group lock.
func (s *Service) mutate(ctx context.Context, op string, id uuid.UUID, fn func(ctx context.Context, e *Entry) error) error {
	e, err := s.entries.GetByID(ctx, id)
	if err != nil {
		return s.fail(op, err)
	}
	err = s.locker.WithGroupLock(ctx, e.Key(), func(ctx context.Context) error {
		locked, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, locked)
	})
	if err != nil {
		return s.fail(op, err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, e *Entry, m Movement, actor Actor) error {
	m.Timestamp = s.now()
	m.ActorID = actor.ID
	m.ActorName = actor.Name
	stored := e.History.Append(m)
	if err := s.movements.Append(ctx, e.ID, stored); err != nil {
		return err
	}
	s.metrics.RecordMovement()
	return nil
}

// fail classifies err, counts it and logs persistence failures.
func (s *Service) fail(op string, err error) error {
	var werr *Error
	if !errors.As(err, &werr) {
		if db.IsRetryable(err) {
			err = conflictError(err)
		} else {
			err = persistenceError(op+" failed", err)
		}
	}
	kind := KindOf(err)
	s.metrics.RecordOperationError(op, string(kind))
	if kind == KindPersistence {
		s.logger.Error().Err(err).Str("operation", op).Msg("waitlist operation failed")
	}
	return err
}
