package refdata

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// CachedResolver resolves Refs through a Lookup and keeps labels in memory
// for ttl. Missing records are cached as empty labels so repeated reads of
// the same dangling reference do not hit the database.
type CachedResolver struct {
	lookup Lookup
	cache  *cache.Cache
}

func NewCachedResolver(lookup Lookup, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedResolver{
		lookup: lookup,
		cache:  cache.New(ttl, ttl*2),
	}
}

// Resolve returns the labels for refs. A lookup failure other than
// ErrNotFound aborts and returns the error; labels resolved so far are
// returned alongside it.
func (r *CachedResolver) Resolve(ctx context.Context, refs Refs) (Labels, error) {
	var out Labels
	targets := []struct {
		kind Kind
		id   uuid.UUID
		dst  *string
	}{
		{KindPatient, refs.PatientID, &out.Patient},
		{KindProcedure, refs.ProcedureID, &out.Procedure},
		{KindSpecialty, refs.SpecialtyID, &out.Specialty},
		{KindUnit, refs.UnitID, &out.Unit},
		{KindProfessional, refs.ProfessionalID, &out.RequestingProfessional},
	}
	for _, t := range targets {
		if t.id == uuid.Nil {
			continue
		}
		label, err := r.label(ctx, t.kind, t.id)
		if err != nil {
			return out, err
		}
		*t.dst = label
	}
	return out, nil
}

func (r *CachedResolver) label(ctx context.Context, kind Kind, id uuid.UUID) (string, error) {
	key := string(kind) + ":" + id.String()
	if cached, found := r.cache.Get(key); found {
		return cached.(string), nil
	}
	label, err := r.lookup.Label(ctx, kind, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	r.cache.Set(key, label, cache.DefaultExpiration)
	return label, nil
}

// Invalidate drops a cached label, e.g. after the owning system renames a unit.
func (r *CachedResolver) Invalidate(kind Kind, id uuid.UUID) {
	r.cache.Delete(string(kind) + ":" + id.String())
}

// Len reports the number of cached labels.
func (r *CachedResolver) Len() int {
	return r.cache.ItemCount()
}
