package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/clock"
	"github.com/carelink/carelink/internal/platform/hipaa"
	"github.com/carelink/carelink/internal/platform/store"
	"github.com/carelink/carelink/internal/platform/store/memstore"
)

type note struct {
	store.Envelope
	Title  string
	Secret string
	Body   *string
}

var noteTable = store.Table[note]{
	Name:   "notes",
	Entity: "Note",
	Encode: func(n note) store.Record {
		r := store.Record{"title": n.Title, "secret": n.Secret, "body": store.Normalize(n.Body)}
		n.Envelope.EncodeInto(r)
		return r
	},
	Decode: func(r store.Record) (note, error) {
		return note{
			Envelope: store.DecodeEnvelope(r),
			Title:    r.String("title"),
			Secret:   r.String("secret"),
			Body:     r.StringPtr("body"),
		}, nil
	},
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []hipaa.Entry
}

func (c *captureRecorder) Record(_ context.Context, e hipaa.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureRecorder) all() []hipaa.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hipaa.Entry(nil), c.entries...)
}

func newNoteRepo(t *testing.T) (*store.Repository[note], *captureRecorder, *clock.Fixed) {
	t.Helper()
	rec := &captureRecorder{}
	clk := clock.NewFixed(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	db := memstore.New(memstore.UniqueKey{Table: "notes", Columns: []string{"title"}})
	return store.NewRepository(db, noteTable, rec, clk), rec, clk
}

func TestRepository_CreateSetsEnvelopeAndAudits(t *testing.T) {
	repo, rec, clk := newNoteRepo(t)
	actor := uuid.New()

	created, err := repo.Create(context.Background(), note{Title: "intake"}, actor)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == uuid.Nil {
		t.Error("expected id to be assigned")
	}
	if created.Version != 1 {
		t.Errorf("expected version 1, got %d", created.Version)
	}
	if !created.CreatedAt.Equal(clk.Now()) || created.CreatedBy != actor || created.UpdatedBy != actor {
		t.Errorf("unexpected envelope: %+v", created.Envelope)
	}

	entries := rec.all()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Action != hipaa.ActionCreate || entries[0].EntityID != created.ID.String() {
		t.Errorf("unexpected audit entry: %+v", entries[0])
	}
}

func TestRepository_CreateRequiresActor(t *testing.T) {
	repo, rec, _ := newNoteRepo(t)

	_, err := repo.Create(context.Background(), note{Title: "x"}, uuid.Nil)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(rec.all()) != 0 {
		t.Error("expected no audit entry for rejected create")
	}
}

func TestRepository_UniqueViolationIsConflict(t *testing.T) {
	repo, _, _ := newNoteRepo(t)
	actor := uuid.New()
	if _, err := repo.Create(context.Background(), note{Title: "dup"}, actor); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := repo.Create(context.Background(), note{Title: "dup"}, actor)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected ConflictViolation, got %v", err)
	}
}

func TestRepository_VersionMonotonicity(t *testing.T) {
	repo, _, _ := newNoteRepo(t)
	ctx := context.Background()
	actor := uuid.New()

	n, _ := repo.Create(ctx, note{Title: "v"}, actor)
	for want := 2; want <= 5; want++ {
		updated, err := repo.Update(ctx, n.ID, store.Patch{"title": "v"}, want-1, actor)
		if err != nil {
			t.Fatalf("update to version %d: %v", want, err)
		}
		if updated.Version != want {
			t.Fatalf("expected version %d, got %d", want, updated.Version)
		}
	}

	_, err := repo.Update(ctx, n.ID, store.Patch{"title": "stale"}, 3, actor)
	if !apperr.Is(err, apperr.KindOptimisticLockConflict) {
		t.Fatalf("expected OptimisticLockConflict for superseded version, got %v", err)
	}
	current, _ := repo.FindByID(ctx, n.ID, actor)
	if current.Title != "v" || current.Version != 5 {
		t.Errorf("stale update must not overwrite, got %+v", current)
	}
}

func TestRepository_UpdateMissingIsNotFound(t *testing.T) {
	repo, _, _ := newNoteRepo(t)

	_, err := repo.Update(context.Background(), uuid.New(), store.Patch{"title": "x"}, 0, uuid.New())
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRepository_PatchPresenceAndNull(t *testing.T) {
	repo, _, _ := newNoteRepo(t)
	ctx := context.Background()
	actor := uuid.New()
	body := "first"

	n, _ := repo.Create(ctx, note{Title: "p", Body: &body}, actor)

	type notePatch struct {
		Title store.Optional[string]
		Body  store.Optional[*string]
	}
	apply := func(np notePatch) note {
		p := store.Patch{}
		np.Title.SetIn(p, "title")
		np.Body.SetIn(p, "body")
		out, err := repo.Update(ctx, n.ID, p, 0, actor)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		return out
	}

	got := apply(notePatch{Title: store.Some("renamed")})
	if got.Title != "renamed" || got.Body == nil || *got.Body != "first" {
		t.Errorf("absent field must be left alone, got %+v", got)
	}

	got = apply(notePatch{Body: store.Some[*string](nil)})
	if got.Body != nil {
		t.Errorf("present nil must clear the field, got %v", *got.Body)
	}
	if got.Title != "renamed" {
		t.Errorf("expected title kept, got %q", got.Title)
	}
}

func TestRepository_SoftDeleteInvisibility(t *testing.T) {
	repo, rec, _ := newNoteRepo(t)
	ctx := context.Background()
	actor := uuid.New()

	n, _ := repo.Create(ctx, note{Title: "gone"}, actor)
	keep, _ := repo.Create(ctx, note{Title: "kept"}, actor)

	if err := repo.SoftDelete(ctx, n.ID, 1, actor, "duplicate"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	if _, err := repo.FindByID(ctx, n.ID, actor); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected NotFound for deleted row, got %v", err)
	}
	found, err := repo.FindByID(ctx, n.ID, actor, store.IncludeDeleted())
	if err != nil {
		t.Fatalf("include-deleted lookup: %v", err)
	}
	if found.DeletedAt == nil || found.Version != 2 {
		t.Errorf("expected deleted row at version 2, got %+v", found.Envelope)
	}

	all, _ := repo.FindMany(ctx, store.Query{}, actor)
	if len(all) != 1 || all[0].ID != keep.ID {
		t.Errorf("expected only the live row, got %d rows", len(all))
	}
	if count, _ := repo.Count(ctx, nil); count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}

	if _, err := repo.Update(ctx, n.ID, store.Patch{"title": "zombie"}, 0, actor); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected NotFound updating a deleted row, got %v", err)
	}

	var deletes int
	for _, e := range rec.all() {
		if e.Action == hipaa.ActionDelete {
			deletes++
			if e.Reason != "duplicate" {
				t.Errorf("expected reason on delete entry, got %q", e.Reason)
			}
		}
	}
	if deletes != 1 {
		t.Errorf("expected 1 delete entry, got %d", deletes)
	}
}

func TestRepository_SoftDeleteStaleVersion(t *testing.T) {
	repo, _, _ := newNoteRepo(t)
	ctx := context.Background()
	actor := uuid.New()

	n, _ := repo.Create(ctx, note{Title: "s"}, actor)
	_, _ = repo.Update(ctx, n.ID, store.Patch{"title": "s2"}, 1, actor)

	err := repo.SoftDelete(ctx, n.ID, 1, actor, "")
	if !apperr.Is(err, apperr.KindOptimisticLockConflict) {
		t.Fatalf("expected OptimisticLockConflict, got %v", err)
	}
}

func TestRepository_EmptyBulkReadIsNotAudited(t *testing.T) {
	repo, rec, _ := newNoteRepo(t)

	found, err := repo.FindMany(context.Background(), store.Query{Where: []store.Cond{store.Eq("title", "nothing")}}, uuid.New())
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no rows, got %d", len(found))
	}
	if len(rec.all()) != 0 {
		t.Errorf("expected no audit entry for empty read, got %d", len(rec.all()))
	}
}

func TestRepository_TxVariantsDoNotAudit(t *testing.T) {
	rec := &captureRecorder{}
	db := memstore.New()
	repo := store.NewRepository(db, noteTable, rec, clock.NewFixed(time.Now()))
	actor := uuid.New()

	err := store.Run(context.Background(), db, func(ctx context.Context, tx store.Tx) error {
		n, err := repo.CreateTx(ctx, tx, note{Title: "a"}, actor)
		if err != nil {
			return err
		}
		_, err = repo.UpdateTx(ctx, tx, n.ID, store.Patch{"title": "b"}, 1, actor)
		return err
	})
	if err != nil {
		t.Fatalf("composed tx: %v", err)
	}
	if len(rec.all()) != 0 {
		t.Errorf("expected Tx variants not to audit, got %d entries", len(rec.all()))
	}
}

func TestRepository_ConcurrentUpdatesOneWins(t *testing.T) {
	repo, _, _ := newNoteRepo(t)
	ctx := context.Background()
	actor := uuid.New()
	n, _ := repo.Create(ctx, note{Title: "race"}, actor)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := repo.Update(ctx, n.ID, store.Patch{"secret": uuid.NewString()}, 1, actor)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !apperr.Is(err, apperr.KindOptimisticLockConflict):
			t.Errorf("unexpected error kind: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one writer to win, got %d", wins)
	}
	final, _ := repo.FindByID(ctx, n.ID, actor)
	if final.Version != 2 {
		t.Errorf("expected version 2, got %d", final.Version)
	}
}

func TestRepository_FindAuthorizedDeniedIsNotAudited(t *testing.T) {
	repo, rec, _ := newNoteRepo(t)
	ctx := context.Background()
	owner := uuid.New()
	n, _ := repo.Create(ctx, note{Title: "private"}, owner)
	ownerOnly := func(actor uuid.UUID) func(note) error {
		return func(got note) error {
			if got.CreatedBy != actor {
				return apperr.Forbidden("note %s belongs to someone else", got.ID)
			}
			return nil
		}
	}

	stranger := uuid.New()
	got, err := repo.FindAuthorized(ctx, n.ID, stranger, ownerOnly(stranger))
	if !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected AuthorizationDenied, got %v", err)
	}
	if got.ID != uuid.Nil {
		t.Errorf("denied read must not return the row, got %s", got.ID)
	}
	for _, e := range rec.all() {
		if e.Action == hipaa.ActionRead {
			t.Fatalf("denied read was audited: %+v", e)
		}
	}

	if _, err := repo.FindAuthorized(ctx, n.ID, owner, ownerOnly(owner)); err != nil {
		t.Fatalf("FindAuthorized: %v", err)
	}
	var reads int
	for _, e := range rec.all() {
		if e.Action == hipaa.ActionRead {
			reads++
		}
	}
	if reads != 1 {
		t.Errorf("expected one read entry, got %d", reads)
	}
}
