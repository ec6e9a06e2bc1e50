package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestLockKey_Stable(t *testing.T) {
	a := LockKey("surgery|cardiology|north")
	b := LockKey("surgery|cardiology|north")
	if a != b {
		t.Errorf("expected equal keys, got %d and %d", a, b)
	}
	if LockKey("exam|cardiology|north") == a {
		t.Error("expected different groups to map to different keys")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"lock timeout wrapped", fmt.Errorf("update: %w", &pgconn.PgError{Code: "55P03"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", ConstraintName: "waitlist_entry_idempotency_key_key"}
	if !IsUniqueViolation(err, "waitlist_entry_idempotency_key_key") {
		t.Error("expected named constraint match")
	}
	if !IsUniqueViolation(err, "") {
		t.Error("expected empty constraint to match any")
	}
	if IsUniqueViolation(err, "other") {
		t.Error("expected other constraint not to match")
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("get: %w", pgx.ErrNoRows)) {
		t.Error("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(errors.New("x")) {
		t.Error("expected plain error not to match")
	}
}
