package careplan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/domain/identity"
	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/clock"
	"github.com/carelink/carelink/internal/platform/hipaa"
	"github.com/carelink/carelink/internal/platform/store"
	"github.com/carelink/carelink/internal/platform/store/memstore"
	"github.com/carelink/carelink/pkg/pagination"
)

var supervisor = auth.Actor{ID: uuid.New(), Role: auth.RoleSupervisor}

type captureRecorder struct {
	mu      sync.Mutex
	entries []hipaa.Entry
}

func (c *captureRecorder) Record(_ context.Context, e hipaa.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureRecorder) count(action hipaa.Action) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Action == action && e.EntityType == EntityCarePlan {
			n++
		}
	}
	return n
}

type fixture struct {
	svc    *Service
	users  *identity.Service
	rec    *captureRecorder
	client identity.User
	worker identity.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memstore.New()
	clk := clock.NewFixed(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	rec := &captureRecorder{}
	users := identity.NewService(db, rec, clk)
	f := &fixture{svc: NewService(db, users.Repository(), rec, clk), users: users, rec: rec}

	var err error
	f.client, err = users.Create(context.Background(), identity.CreateInput{
		Email: "client@example.com", FirstName: "Cleo", LastName: "Client", Role: "CLIENT",
	}, supervisor)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	f.worker, err = users.Create(context.Background(), identity.CreateInput{
		Email: "worker@example.com", FirstName: "Wes", LastName: "Worker", Role: "WORKER",
	}, supervisor)
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	return f
}

func (f *fixture) plan(t *testing.T) CarePlan {
	t.Helper()
	cp, err := f.svc.Create(context.Background(), CreateInput{
		ClientID: f.client.ID, Title: "Daily living support", Goals: []string{"mobility"},
	}, supervisor)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return cp
}

func TestService_Create(t *testing.T) {
	f := newFixture(t)
	cp := f.plan(t)

	if cp.Status != StatusDraft {
		t.Errorf("expected default status DRAFT, got %s", cp.Status)
	}
	if cp.Version != 1 || len(cp.Goals) != 1 {
		t.Errorf("unexpected plan: %+v", cp)
	}
	if f.rec.count(hipaa.ActionCreate) != 1 {
		t.Errorf("expected one create entry, got %d", f.rec.count(hipaa.ActionCreate))
	}
}

func TestService_CreateRejects(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	before := start.Add(-time.Hour)

	tests := []struct {
		name string
		in   CreateInput
		kind apperr.Kind
	}{
		{"no client", CreateInput{Title: "t"}, apperr.KindValidation},
		{"no title", CreateInput{ClientID: f.client.ID}, apperr.KindValidation},
		{"bad status", CreateInput{ClientID: f.client.ID, Title: "t", Status: "paused"}, apperr.KindValidation},
		{"end before start", CreateInput{ClientID: f.client.ID, Title: "t", StartDate: &start, EndDate: &before}, apperr.KindValidation},
		{"worker as client", CreateInput{ClientID: f.worker.ID, Title: "t"}, apperr.KindBusinessRule},
		{"unknown client", CreateInput{ClientID: uuid.New(), Title: "t"}, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.in, supervisor)
			if got := apperr.KindOf(err); got != tt.kind {
				t.Errorf("expected %s, got %s (%v)", tt.kind, got, err)
			}
		})
	}
	if n, _ := f.svc.Repository().Count(context.Background(), nil); n != 0 {
		t.Errorf("expected no plans left behind, got %d", n)
	}
}

func TestService_GetOwnership(t *testing.T) {
	f := newFixture(t)
	cp := f.plan(t)
	ctx := context.Background()

	if _, err := f.svc.Get(ctx, cp.ID, f.client.Actor()); err != nil {
		t.Errorf("owner read: %v", err)
	}
	if _, err := f.svc.Get(ctx, cp.ID, f.worker.Actor()); err != nil {
		t.Errorf("worker read: %v", err)
	}
	stranger := auth.Actor{ID: uuid.New(), Role: auth.RoleClient}
	if _, err := f.svc.Get(ctx, cp.ID, stranger); !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("expected authorization denied for another client, got %v", err)
	}
	if _, _, err := f.svc.ListByClient(ctx, f.client.ID, "", pagination.New(0, 0), stranger); !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("expected authorization denied listing another client's plans, got %v", err)
	}
}

func TestService_ListByClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.plan(t)
	active := f.plan(t)
	if _, err := f.svc.Update(ctx, active.ID, UpdateInput{Status: store.Some("active")}, 1, supervisor); err != nil {
		t.Fatalf("activate: %v", err)
	}

	plans, total, err := f.svc.ListByClient(ctx, f.client.ID, "ACTIVE", pagination.New(0, 0), supervisor)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(plans) != 1 || plans[0].ID != active.ID {
		t.Errorf("expected only the active plan, got %d of %d", len(plans), total)
	}
	if _, _, err := f.svc.ListByClient(ctx, f.client.ID, "paused", pagination.New(0, 0), supervisor); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for bad status filter, got %v", err)
	}
}

func TestService_Update(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.plan(t)
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	updated, err := f.svc.Update(ctx, cp.ID, UpdateInput{
		Goals:     store.Some([]string{"mobility", "nutrition"}),
		StartDate: store.Some(&start),
	}, 1, supervisor)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || len(updated.Goals) != 2 || updated.Title != cp.Title {
		t.Errorf("unexpected plan: %+v", updated)
	}
	if f.rec.count(hipaa.ActionUpdate) != 1 {
		t.Errorf("expected one update entry, got %d", f.rec.count(hipaa.ActionUpdate))
	}

	early := start.Add(-24 * time.Hour)
	_, err = f.svc.Update(ctx, cp.ID, UpdateInput{EndDate: store.Some(&early)}, 0, supervisor)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for end before stored start, got %v", err)
	}

	_, err = f.svc.Update(ctx, cp.ID, UpdateInput{Title: store.Some("stale")}, 1, supervisor)
	if !apperr.Is(err, apperr.KindOptimisticLockConflict) {
		t.Errorf("expected optimistic lock conflict, got %v", err)
	}
}

func TestService_DeleteAndOwnershipCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.plan(t)
	db := f.svc.db

	err := store.Run(ctx, db, func(ctx context.Context, tx store.Tx) error {
		return CheckOwnership(ctx, tx, f.svc.Repository(), cp.ID, f.worker.ID)
	})
	if !apperr.Is(err, apperr.KindBusinessRule) {
		t.Errorf("expected business rule violation for foreign plan, got %v", err)
	}

	if err := f.svc.Delete(ctx, cp.ID, 1, supervisor, "replaced"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = store.Run(ctx, db, func(ctx context.Context, tx store.Tx) error {
		return CheckOwnership(ctx, tx, f.svc.Repository(), cp.ID, f.client.ID)
	})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found for deleted plan, got %v", err)
	}
}
