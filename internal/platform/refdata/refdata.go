// Package refdata resolves display labels for the opaque patient, procedure,
// specialty, unit and professional references a waitlist entry carries. The
// records themselves are owned by other systems and are only read here.
package refdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Kind names a reference-data record type.
type Kind string

const (
	KindPatient      Kind = "patient"
	KindProcedure    Kind = "procedure"
	KindSpecialty    Kind = "specialty"
	KindUnit         Kind = "unit"
	KindProfessional Kind = "professional"
)

// ErrNotFound is returned by a Lookup when no record exists for the id.
var ErrNotFound = errors.New("refdata: record not found")

// Refs is the set of references to resolve for one entry.
type Refs struct {
	PatientID      uuid.UUID
	ProcedureID    uuid.UUID
	SpecialtyID    uuid.UUID
	UnitID         uuid.UUID
	ProfessionalID uuid.UUID
}

// Labels holds the human-readable names for a Refs. Unknown references are
// left empty.
type Labels struct {
	Patient                string `json:"patient_name"`
	Procedure              string `json:"procedure_description"`
	Specialty              string `json:"specialty_name"`
	Unit                   string `json:"unit_name"`
	RequestingProfessional string `json:"requesting_professional_name"`
}

// Lookup fetches a single label.
type Lookup interface {
	Label(ctx context.Context, kind Kind, id uuid.UUID) (string, error)
}

// labelQueries maps each kind to exactly one table and column.
var labelQueries = map[Kind]string{
	KindPatient:      `SELECT name FROM ref_patient WHERE id = $1`,
	KindProcedure:    `SELECT description FROM ref_procedure WHERE id = $1`,
	KindSpecialty:    `SELECT name FROM ref_specialty WHERE id = $1`,
	KindUnit:         `SELECT name FROM ref_unit WHERE id = $1`,
	KindProfessional: `SELECT name FROM ref_professional WHERE id = $1`,
}

// PGLookup reads labels from the ref_* tables.
type PGLookup struct {
	pool *pgxpool.Pool
}

func NewPGLookup(pool *pgxpool.Pool) *PGLookup {
	return &PGLookup{pool: pool}
}

func (l *PGLookup) Label(ctx context.Context, kind Kind, id uuid.UUID) (string, error) {
	q, ok := labelQueries[kind]
	if !ok {
		return "", fmt.Errorf("refdata: unknown kind %q", kind)
	}
	var label string
	if err := l.pool.QueryRow(ctx, q, id).Scan(&label); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("refdata: lookup %s %s: %w", kind, id, err)
	}
	return label, nil
}
