package waitlist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func storeErr(op string, err error) error {
	if db.IsRetryable(err) {
		return conflictError(err)
	}
	return persistenceError(op, err)
}

// filterSQL renders f as AND-ed conditions over the e (entry) and q (queue)
// aliases, numbering placeholders after args.
func filterSQL(f Filter, args []interface{}) (string, []interface{}) {
	var conds []string
	add := func(expr string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.Type != nil {
		add("q.type = $%d", string(*f.Type))
	}
	if f.SpecialtyID != nil {
		add("e.specialty_id = $%d", *f.SpecialtyID)
	}
	if f.UnitID != nil {
		add("e.unit_id = $%d", *f.UnitID)
	}
	if f.Status != nil {
		add("e.status = $%d", string(*f.Status))
	}
	if f.Priority != nil {
		add("e.priority_tier = $%d", string(*f.Priority))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " AND " + strings.Join(conds, " AND "), args
}

const activeStatusSQL = `e.status IN ('pending', 'regulated', 'scheduled')`

// =========== Entry Repository ===========

type entryRepoPG struct{ pool *pgxpool.Pool }

func NewEntryRepoPG(pool *pgxpool.Pool) EntryRepository { return &entryRepoPG{pool: pool} }

const entryCols = `e.id, e.queue_id, q.type, e.patient_id, e.procedure_id, e.specialty_id, e.unit_id,
	e.requesting_professional_id, e.reviewing_user_id, e.status, e.priority_tier, e.clinical_score,
	e.request_date, e.deadline_date, e.regulation_date, e.schedule_date, e.expected_date,
	e.completion_date, e.queue_entry_date, e.clinical_reason, e.regulation_notes, e.attachments,
	e.queue_position, e.estimated_wait, e.idempotency_key, e.created_at, e.updated_at`

const entryFrom = ` FROM waitlist_entry e JOIN waitlist_queue q ON q.id = e.queue_id`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.QueueID, &e.QueueType, &e.PatientID, &e.ProcedureID, &e.SpecialtyID, &e.UnitID,
		&e.RequestingProfessionalID, &e.ReviewingUserID, &e.Status, &e.PriorityTier, &e.ClinicalScore,
		&e.RequestDate, &e.DeadlineDate, &e.RegulationDate, &e.ScheduleDate, &e.ExpectedDate,
		&e.CompletionDate, &e.QueueEntryDate, &e.ClinicalReason, &e.RegulationNotes, &e.Attachments,
		&e.QueuePosition, &e.EstimatedWait, &e.IdempotencyKey, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if e.Attachments == nil {
		e.Attachments = []string{}
	}
	return &e, nil
}

func (r *entryRepoPG) queryEntries(ctx context.Context, op, sql string, args ...interface{}) ([]*Entry, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return items, nil
}

func (r *entryRepoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Attachments == nil {
		e.Attachments = []string{}
	}
	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO waitlist_entry (id, queue_id, patient_id, procedure_id, specialty_id, unit_id,
			requesting_professional_id, reviewing_user_id, status, priority_tier, clinical_score,
			request_date, deadline_date, regulation_date, schedule_date, expected_date, completion_date,
			queue_entry_date, clinical_reason, regulation_notes, attachments, queue_position,
			estimated_wait, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		RETURNING created_at, updated_at`,
		e.ID, e.QueueID, e.PatientID, e.ProcedureID, e.SpecialtyID, e.UnitID,
		e.RequestingProfessionalID, e.ReviewingUserID, string(e.Status), string(e.PriorityTier), e.ClinicalScore,
		e.RequestDate, e.DeadlineDate, e.RegulationDate, e.ScheduleDate, e.ExpectedDate, e.CompletionDate,
		e.QueueEntryDate, e.ClinicalReason, e.RegulationNotes, e.Attachments, e.QueuePosition,
		e.EstimatedWait, e.IdempotencyKey,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "waitlist_entry_idempotency_key_key") {
			return &Error{Kind: KindConflict, Message: "idempotency key already used", Err: ErrDuplicateIdempotencyKey}
		}
		return storeErr("create waitlist entry", err)
	}
	return nil
}

func (r *entryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+entryCols+entryFrom+` WHERE e.id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, notFoundError("waitlist entry", id)
		}
		return nil, storeErr("get waitlist entry", err)
	}
	return e, nil
}

func (r *entryRepoPG) GetByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	e, err := scanEntry(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+entryCols+entryFrom+` WHERE e.idempotency_key = $1`, key))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, &Error{Kind: KindNotFound, Message: "no entry for idempotency key"}
		}
		return nil, storeErr("get waitlist entry by idempotency key", err)
	}
	return e, nil
}

func (r *entryRepoPG) Update(ctx context.Context, e *Entry) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE waitlist_entry SET reviewing_user_id=$2, status=$3, priority_tier=$4, clinical_score=$5,
			deadline_date=$6, regulation_date=$7, schedule_date=$8, expected_date=$9, completion_date=$10,
			clinical_reason=$11, regulation_notes=$12, attachments=$13, queue_position=$14,
			estimated_wait=$15, updated_at=NOW()
		WHERE id = $1`,
		e.ID, e.ReviewingUserID, string(e.Status), string(e.PriorityTier), e.ClinicalScore,
		e.DeadlineDate, e.RegulationDate, e.ScheduleDate, e.ExpectedDate, e.CompletionDate,
		e.ClinicalReason, e.RegulationNotes, e.Attachments, e.QueuePosition, e.EstimatedWait)
	if err != nil {
		return storeErr("update waitlist entry", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundError("waitlist entry", e.ID)
	}
	return nil
}

func (r *entryRepoPG) UpdatePositions(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`UPDATE waitlist_entry SET queue_position=$2, estimated_wait=$3, updated_at=NOW() WHERE id = $1`,
			e.ID, e.QueuePosition, e.EstimatedWait)
	}
	br := conn(ctx, r.pool).SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return storeErr("update queue positions", err)
		}
	}
	return nil
}

func (r *entryRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	where, args := filterSQL(f, nil)
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*)`+entryFrom+` WHERE TRUE`+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr("count waitlist entries", err)
	}
	args = append(args, limit, offset)
	items, err := r.queryEntries(ctx, "list waitlist entries",
		`SELECT `+entryCols+entryFrom+` WHERE TRUE`+where+
			fmt.Sprintf(` ORDER BY q.type, e.specialty_id, e.unit_id, (e.queue_position = 0), e.queue_position, e.queue_entry_date LIMIT $%d OFFSET $%d`,
				len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *entryRepoPG) ListActive(ctx context.Context, f Filter) ([]*Entry, error) {
	where, args := filterSQL(f, nil)
	return r.queryEntries(ctx, "list active waitlist entries",
		`SELECT `+entryCols+entryFrom+` WHERE `+activeStatusSQL+where+` ORDER BY e.queue_entry_date, e.id`, args...)
}

func (r *entryRepoPG) ListActiveByGroup(ctx context.Context, key GroupKey) ([]*Entry, error) {
	return r.queryEntries(ctx, "list queue group",
		`SELECT `+entryCols+entryFrom+`
		WHERE q.type = $1 AND e.specialty_id = $2 AND e.unit_id = $3 AND `+activeStatusSQL+`
		ORDER BY e.queue_entry_date, e.id`,
		string(key.Type), key.SpecialtyID, key.UnitID)
}

func (r *entryRepoPG) NextPending(ctx context.Context, f Filter) (*Entry, error) {
	where, args := filterSQL(f, nil)
	e, err := scanEntry(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+entryCols+entryFrom+` WHERE e.status = 'pending'`+where+
			` ORDER BY e.clinical_score DESC, e.queue_entry_date ASC, e.id ASC LIMIT 1`, args...))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, storeErr("suggest next entry", err)
	}
	return e, nil
}

func (r *entryRepoPG) ListEnteredBetween(ctx context.Context, from, to time.Time, f Filter) ([]*Entry, error) {
	where, args := filterSQL(f, []interface{}{from, to})
	return r.queryEntries(ctx, "list entries by arrival",
		`SELECT `+entryCols+entryFrom+` WHERE e.queue_entry_date >= $1 AND e.queue_entry_date < $2`+where+
			` ORDER BY e.queue_entry_date`, args...)
}

// =========== Movement Repository ===========

type movementRepoPG struct{ pool *pgxpool.Pool }

func NewMovementRepoPG(pool *pgxpool.Pool) MovementRepository { return &movementRepoPG{pool: pool} }

func nullableStatus(s *Status) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func (r *movementRepoPG) Append(ctx context.Context, entryID uuid.UUID, m Movement) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO waitlist_movement (entry_id, seq, kind, occurred_at, description, actor_id,
			actor_name, prior_status, new_status, reason, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entryID, m.Seq, string(m.Kind), m.Timestamp, m.Description, m.ActorID,
		m.ActorName, nullableStatus(m.PriorStatus), nullableStatus(m.NewStatus), m.Reason, m.Hash)
	if err != nil {
		if db.IsUniqueViolation(err, "waitlist_movement_pkey") {
			return conflictError(err)
		}
		return storeErr("append movement", err)
	}
	return nil
}

func (r *movementRepoPG) ListByEntry(ctx context.Context, entryID uuid.UUID) ([]Movement, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT seq, kind, occurred_at, description, actor_id, actor_name, prior_status, new_status, reason, hash
		FROM waitlist_movement WHERE entry_id = $1 ORDER BY seq`, entryID)
	if err != nil {
		return nil, storeErr("list movements", err)
	}
	defer rows.Close()

	var out []Movement
	for rows.Next() {
		var m Movement
		var prior, next *string
		if err := rows.Scan(&m.Seq, &m.Kind, &m.Timestamp, &m.Description, &m.ActorID, &m.ActorName,
			&prior, &next, &m.Reason, &m.Hash); err != nil {
			return nil, storeErr("scan movement", err)
		}
		if prior != nil {
			m.PriorStatus = statusPtr(Status(*prior))
		}
		if next != nil {
			m.NewStatus = statusPtr(Status(*next))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list movements", err)
	}
	return out, nil
}

func (r *movementRepoPG) Tally(ctx context.Context, from, to time.Time, f Filter) (*MovementTally, error) {
	where, args := filterSQL(f, []interface{}{from, to})
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT m.kind, COALESCE(m.new_status, ''), COUNT(*)
		FROM waitlist_movement m
		JOIN waitlist_entry e ON e.id = m.entry_id
		JOIN waitlist_queue q ON q.id = e.queue_id
		WHERE m.occurred_at >= $1 AND m.occurred_at < $2`+where+`
		GROUP BY m.kind, COALESCE(m.new_status, '')`, args...)
	if err != nil {
		return nil, storeErr("tally movements", err)
	}
	defer rows.Close()

	t := &MovementTally{ByKind: map[MovementKind]int{}, ByNewStatus: map[Status]int{}}
	for rows.Next() {
		var kind, status string
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, storeErr("scan movement tally", err)
		}
		t.ByKind[MovementKind(kind)] += n
		if status != "" {
			t.ByNewStatus[Status(status)] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("tally movements", err)
	}
	return t, nil
}

// =========== Queue Repository ===========

type queueRepoPG struct{ pool *pgxpool.Pool }

func NewQueueRepoPG(pool *pgxpool.Pool) QueueRepository { return &queueRepoPG{pool: pool} }

const queueCols = `id, description, color, type, created_at, updated_at`

func scanQueue(row pgx.Row) (*Queue, error) {
	var q Queue
	if err := row.Scan(&q.ID, &q.Description, &q.Color, &q.Type, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *queueRepoPG) Create(ctx context.Context, q *Queue) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO waitlist_queue (id, description, color, type)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		q.ID, q.Description, q.Color, string(q.Type)).Scan(&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return storeErr("create queue", err)
	}
	return nil
}

func (r *queueRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Queue, error) {
	q, err := scanQueue(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+queueCols+` FROM waitlist_queue WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, notFoundError("queue", id)
		}
		return nil, storeErr("get queue", err)
	}
	return q, nil
}

func (r *queueRepoPG) List(ctx context.Context) ([]*Queue, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+queueCols+` FROM waitlist_queue ORDER BY type, description`)
	if err != nil {
		return nil, storeErr("list queues", err)
	}
	defer rows.Close()

	var items []*Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, storeErr("scan queue", err)
		}
		items = append(items, q)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list queues", err)
	}
	return items, nil
}

// =========== Group Locker ===========

// PGGroupLocker holds a transaction-scoped Postgres advisory lock per group.
// Repositories called from fn run inside that transaction.
type PGGroupLocker struct{ pool *pgxpool.Pool }

func NewPGGroupLocker(pool *pgxpool.Pool) *PGGroupLocker { return &PGGroupLocker{pool: pool} }

func (l *PGGroupLocker) WithGroupLock(ctx context.Context, key GroupKey, fn func(ctx context.Context) error) error {
	return db.InAdvisoryTx(ctx, l.pool, db.LockKey(key.String()), fn)
}
