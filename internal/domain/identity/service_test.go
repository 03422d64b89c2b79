package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/clock"
	"github.com/carelink/carelink/internal/platform/hipaa"
	"github.com/carelink/carelink/internal/platform/store"
	"github.com/carelink/carelink/internal/platform/store/memstore"
	"github.com/carelink/carelink/pkg/pagination"
)

var admin = auth.Actor{ID: uuid.New(), Role: auth.RoleAdmin}

func newTestService() (*Service, *memstore.Store) {
	db := memstore.New(memstore.UniqueKey{Table: Table.Name, Columns: []string{"email"}})
	clk := clock.NewFixed(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	return NewService(db, hipaa.Nop, clk), db
}

func mustCreate(t *testing.T, svc *Service, email, role string) User {
	t.Helper()
	u, err := svc.Create(context.Background(), CreateInput{
		Email: email, FirstName: "Ada", LastName: "Lovelace", Role: role,
	}, admin)
	if err != nil {
		t.Fatalf("create %s: %v", email, err)
	}
	return u
}

func TestService_CreateNormalizes(t *testing.T) {
	svc, _ := newTestService()

	u, err := svc.Create(context.Background(), CreateInput{
		Email: "  Ada@Example.COM ", FirstName: " Ada ", LastName: "Lovelace", Role: "worker",
	}, admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Email != "ada@example.com" {
		t.Errorf("expected lowercased email, got %q", u.Email)
	}
	if u.FirstName != "Ada" || u.Role != auth.RoleWorker || !u.IsActive {
		t.Errorf("unexpected user: %+v", u)
	}
	if u.Version != 1 || u.CreatedBy != admin.ID {
		t.Errorf("unexpected envelope: %+v", u.Envelope)
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc, _ := newTestService()

	tests := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"missing email", CreateInput{FirstName: "a", LastName: "b", Role: "CLIENT"}, "email"},
		{"bad email", CreateInput{Email: "nope", FirstName: "a", LastName: "b", Role: "CLIENT"}, "email"},
		{"missing name", CreateInput{Email: "a@b.io", LastName: "b", Role: "CLIENT"}, "first_name"},
		{"bad role", CreateInput{Email: "a@b.io", FirstName: "a", LastName: "b", Role: "nurse"}, "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.in, admin)
			var ae *apperr.Error
			if !errors.As(err, &ae) || ae.Kind != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if ae.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, ae.Field)
			}
		})
	}
}

func TestService_DuplicateEmailIsConflict(t *testing.T) {
	svc, _ := newTestService()
	mustCreate(t, svc, "dup@example.com", "CLIENT")

	_, err := svc.Create(context.Background(), CreateInput{
		Email: "DUP@example.com", FirstName: "b", LastName: "c", Role: "WORKER",
	}, admin)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestService_ListFilters(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	mustCreate(t, svc, "c1@example.com", "CLIENT")
	mustCreate(t, svc, "c2@example.com", "CLIENT")
	w := mustCreate(t, svc, "w1@example.com", "WORKER")
	if _, err := svc.Deactivate(ctx, w.ID, 1, admin); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	clients, total, err := svc.List(ctx, ListFilter{Role: auth.RoleClient}, pagination.New(1, 0), admin)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(clients) != 1 {
		t.Errorf("expected 1 of 2 clients, got %d of %d", len(clients), total)
	}

	active := true
	_, total, _ = svc.List(ctx, ListFilter{Active: &active}, pagination.New(0, 0), admin)
	if total != 2 {
		t.Errorf("expected 2 active users, got %d", total)
	}
}

func TestService_UpdatePartial(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	u := mustCreate(t, svc, "p@example.com", "WORKER")

	updated, err := svc.Update(ctx, u.ID, UpdateInput{LastName: store.Some("Byron")}, 1, admin)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.LastName != "Byron" || updated.FirstName != "Ada" || updated.Version != 2 {
		t.Errorf("unexpected user after update: %+v", updated)
	}

	_, err = svc.Update(ctx, u.ID, UpdateInput{FirstName: store.Some("x")}, 1, admin)
	if !apperr.Is(err, apperr.KindOptimisticLockConflict) {
		t.Errorf("expected optimistic lock conflict for stale version, got %v", err)
	}

	_, err = svc.Update(ctx, u.ID, UpdateInput{FirstName: store.Some("  ")}, 0, admin)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for blank name, got %v", err)
	}

	_, err = svc.Update(ctx, u.ID, UpdateInput{}, 0, admin)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for empty update, got %v", err)
	}
}

func TestService_Delete(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	u := mustCreate(t, svc, "gone@example.com", "CLIENT")

	if err := svc.Delete(ctx, u.ID, 1, admin, "left the agency"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, u.ID, admin); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	// The email is free again once the holder is deleted.
	mustCreate(t, svc, "gone@example.com", "CLIENT")

	self := auth.Actor{ID: u.ID, Role: auth.RoleAdmin}
	if err := svc.Delete(ctx, u.ID, 0, self, ""); !apperr.Is(err, apperr.KindBusinessRule) {
		t.Errorf("expected business rule violation for self delete, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	svc, db := newTestService()
	ctx := context.Background()
	client := mustCreate(t, svc, "client@example.com", "CLIENT")
	worker := mustCreate(t, svc, "worker@example.com", "WORKER")
	idle := mustCreate(t, svc, "idle@example.com", "WORKER")
	if _, err := svc.Deactivate(ctx, idle.ID, 0, admin); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	tests := []struct {
		name string
		id   uuid.UUID
		role auth.Role
		kind apperr.Kind
	}{
		{"matching role", worker.ID, auth.RoleWorker, ""},
		{"wrong role", client.ID, auth.RoleWorker, apperr.KindBusinessRule},
		{"inactive", idle.ID, auth.RoleWorker, apperr.KindBusinessRule},
		{"missing", uuid.New(), auth.RoleClient, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Run(ctx, db, func(ctx context.Context, tx store.Tx) error {
				_, err := Lookup(ctx, tx, svc.Repository(), tt.id, tt.role)
				return err
			})
			if got := apperr.KindOf(err); got != tt.kind {
				t.Errorf("expected kind %q, got %q (%v)", tt.kind, got, err)
			}
		})
	}
}
