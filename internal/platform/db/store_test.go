package db

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carelink/carelink/internal/platform/store"
)

func TestConditions_RenderPreparedSQL(t *testing.T) {
	worker := uuid.New()
	where := []store.Cond{
		store.Eq("worker_id", worker),
		store.In("status", "SCHEDULED", "CONFIRMED"),
		store.IsNull(store.ColDeletedAt),
		store.Lt("scheduled_at", "2026-03-02T10:00:00Z"),
	}

	query, args, err := goqu.Dialect("postgres").From("visits").Prepared(true).
		Where(conditions(where)...).ToSQL()
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}

	for _, frag := range []string{
		`FROM "visits"`,
		`"worker_id" = $1`,
		`"status" IN ($2, $3)`,
		`"deleted_at" IS NULL`,
		`"scheduled_at" < $4`,
	} {
		if !strings.Contains(query, frag) {
			t.Errorf("expected %q in %s", frag, query)
		}
	}
	if len(args) != 4 {
		t.Errorf("expected 4 args, got %d: %v", len(args), args)
	}
}

func TestCondition_EmptyInMatchesNothing(t *testing.T) {
	query, _, err := goqu.Dialect("postgres").From("visits").Prepared(true).
		Where(conditions([]store.Cond{store.In[string]("status")})...).ToSQL()
	if err != nil {
		t.Fatalf("ToSQL: %v", err)
	}
	if !strings.Contains(query, "FALSE") {
		t.Errorf("expected empty IN to render FALSE, got %s", query)
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "users_email_live"}, store.ErrUniqueViolation},
		{"serialization failure", &pgconn.PgError{Code: pgSerializationFailure}, store.ErrVersionConflict},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolation}), store.ErrUniqueViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translate(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("translate(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	other := &pgconn.PgError{Code: "42P01"}
	if got := translate(other); got != error(other) {
		t.Errorf("expected unrelated errors to pass through, got %v", got)
	}
	if translate(nil) != nil {
		t.Error("expected nil to stay nil")
	}
}

func TestSortedKeys(t *testing.T) {
	got := sortedKeys(store.Patch{"version": 2, "status": "CANCELLED", "deleted_at": nil})
	if strings.Join(got, ",") != "deleted_at,status,version" {
		t.Errorf("unexpected key order: %v", got)
	}
}
