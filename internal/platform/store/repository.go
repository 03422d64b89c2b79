package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/clock"
	"github.com/carelink/carelink/internal/platform/hipaa"
)

// Table binds a repository to one entity type.
type Table[T any] struct {
	// Name is the backing table.
	Name string
	// Entity is the entity type label used in errors and audit entries.
	Entity string
	Encode func(T) Record
	Decode func(Record) (T, error)
}

// Repository is the versioned CRUD engine for one table. Methods without a
// Tx suffix open their own transaction and record exactly one audit entry
// after commit. Tx variants run inside the caller's transaction and never
// audit; the composing caller records one summary entry instead.
type Repository[T any] struct {
	db    DB
	table Table[T]
	audit hipaa.Recorder
	clock clock.Clock
}

// NewRepository creates a repository over table.
func NewRepository[T any](db DB, table Table[T], audit hipaa.Recorder, clk clock.Clock) *Repository[T] {
	if audit == nil {
		audit = hipaa.Nop
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Repository[T]{db: db, table: table, audit: audit, clock: clk}
}

// Table returns the table descriptor.
func (r *Repository[T]) Table() Table[T] { return r.table }

// ReadOption adjusts a by-id read.
type ReadOption func(*readOptions)

type readOptions struct {
	includeDeleted bool
}

// IncludeDeleted makes by-id reads return soft-deleted rows.
func IncludeDeleted() ReadOption {
	return func(o *readOptions) { o.includeDeleted = true }
}

func requireActor(actorID uuid.UUID) error {
	if actorID == uuid.Nil {
		return apperr.Validation("actor_id", "an actor id is required")
	}
	return nil
}

// Create inserts v with a fresh envelope.
func (r *Repository[T]) Create(ctx context.Context, v T, actorID uuid.UUID) (T, error) {
	var created T
	err := Run(ctx, r.db, func(ctx context.Context, tx Tx) error {
		var err error
		if created, err = r.CreateTx(ctx, tx, v, actorID); err != nil {
			return err
		}
		after := r.table.Encode(created)
		tx.OnCommit(func(ctx context.Context) {
			r.audit.Record(ctx, hipaa.Entry{
				EntityType: r.table.Entity,
				EntityID:   after.String(ColID),
				Action:     hipaa.ActionCreate,
				NewValues:  after.Snapshot(),
				ActorID:    actorID,
			})
		})
		return nil
	})
	return created, err
}

// CreateTx inserts v inside tx. A zero id is replaced with a new one.
func (r *Repository[T]) CreateTx(ctx context.Context, tx Tx, v T, actorID uuid.UUID) (T, error) {
	var zero T
	if err := requireActor(actorID); err != nil {
		return zero, err
	}
	rec := r.table.Encode(v)
	now := r.clock.Now()
	env := Envelope{
		ID:        rec.UUID(ColID),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: actorID,
		UpdatedBy: actorID,
	}
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	env.EncodeInto(rec)

	if err := tx.Insert(ctx, r.table.Name, rec); err != nil {
		if errors.Is(err, ErrUniqueViolation) {
			return zero, &apperr.Error{
				Kind:    apperr.KindConflict,
				Message: fmt.Sprintf("%s conflicts with an existing record", r.table.Entity),
				Err:     err,
			}
		}
		return zero, apperr.Store("insert "+r.table.Entity, err)
	}
	return r.decode(rec)
}

// FindByID returns the live row with id and records a read.
func (r *Repository[T]) FindByID(ctx context.Context, id, actorID uuid.UUID, opts ...ReadOption) (T, error) {
	return r.FindAuthorized(ctx, id, actorID, nil, opts...)
}

// FindAuthorized is FindByID with allow run on the loaded row first. A read
// that allow rejects returns its error and records nothing.
func (r *Repository[T]) FindAuthorized(ctx context.Context, id, actorID uuid.UUID, allow func(T) error, opts ...ReadOption) (T, error) {
	var found T
	err := Run(ctx, r.db, func(ctx context.Context, tx Tx) error {
		var err error
		if found, err = r.GetTx(ctx, tx, id, opts...); err != nil {
			return err
		}
		if allow != nil {
			if err := allow(found); err != nil {
				return err
			}
		}
		tx.OnCommit(func(ctx context.Context) {
			r.audit.Record(ctx, hipaa.Entry{
				EntityType: r.table.Entity,
				EntityID:   id.String(),
				Action:     hipaa.ActionRead,
				ActorID:    actorID,
			})
		})
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return found, nil
}

// GetTx loads the row with id inside tx.
func (r *Repository[T]) GetTx(ctx context.Context, tx Tx, id uuid.UUID, opts ...ReadOption) (T, error) {
	var zero T
	rec, err := r.getRecord(ctx, tx, id, opts...)
	if err != nil {
		return zero, err
	}
	return r.decode(rec)
}

func (r *Repository[T]) getRecord(ctx context.Context, tx Tx, id uuid.UUID, opts ...ReadOption) (Record, error) {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	rec, err := tx.Get(ctx, r.table.Name, id)
	if errors.Is(err, ErrNoRows) {
		return nil, apperr.NotFound(r.table.Entity, id.String())
	}
	if err != nil {
		return nil, apperr.Store("load "+r.table.Entity, err)
	}
	if rec.Deleted() && !o.includeDeleted {
		return nil, apperr.NotFound(r.table.Entity, id.String())
	}
	return rec, nil
}

// FindMany returns live rows matching q. A non-empty result records one read.
func (r *Repository[T]) FindMany(ctx context.Context, q Query, actorID uuid.UUID) ([]T, error) {
	var found []T
	err := Run(ctx, r.db, func(ctx context.Context, tx Tx) error {
		var err error
		if found, err = r.FindTx(ctx, tx, q); err != nil {
			return err
		}
		if len(found) == 0 {
			return nil
		}
		n := len(found)
		tx.OnCommit(func(ctx context.Context) {
			r.audit.Record(ctx, hipaa.Entry{
				EntityType: r.table.Entity,
				Action:     hipaa.ActionRead,
				ActorID:    actorID,
				Metadata:   map[string]any{"count": n, "filter": describe(q.Where)},
			})
		})
		return nil
	})
	return found, err
}

// FindTx returns live rows matching q inside tx.
func (r *Repository[T]) FindTx(ctx context.Context, tx Tx, q Query) ([]T, error) {
	q.Where = liveOnly(q.Where)
	recs, err := tx.Find(ctx, r.table.Name, q)
	if err != nil {
		return nil, apperr.Store("query "+r.table.Entity, err)
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := r.decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Count returns the number of live rows matching where.
func (r *Repository[T]) Count(ctx context.Context, where []Cond) (int, error) {
	var n int
	err := Run(ctx, r.db, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = r.CountTx(ctx, tx, where)
		return err
	})
	return n, err
}

// CountTx counts live rows matching where inside tx.
func (r *Repository[T]) CountTx(ctx context.Context, tx Tx, where []Cond) (int, error) {
	n, err := tx.Count(ctx, r.table.Name, liveOnly(where))
	if err != nil {
		return 0, apperr.Store("count "+r.table.Entity, err)
	}
	return n, nil
}

// Update applies patch to the live row with id. expectedVersion 0 means
// "whatever is current"; any other value must match the stored version.
func (r *Repository[T]) Update(ctx context.Context, id uuid.UUID, patch Patch, expectedVersion int, actorID uuid.UUID) (T, error) {
	var updated T
	err := Run(ctx, r.db, func(ctx context.Context, tx Tx) error {
		before, err := r.getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if updated, err = r.UpdateTx(ctx, tx, id, patch, expectedVersion, actorID); err != nil {
			return err
		}
		after := r.table.Encode(updated)
		tx.OnCommit(func(ctx context.Context) {
			r.audit.Record(ctx, hipaa.Entry{
				EntityType: r.table.Entity,
				EntityID:   id.String(),
				Action:     hipaa.ActionUpdate,
				OldValues:  before.Snapshot(),
				NewValues:  after.Snapshot(),
				ActorID:    actorID,
			})
		})
		return nil
	})
	return updated, err
}

// UpdateTx applies patch inside tx with the version check.
func (r *Repository[T]) UpdateTx(ctx context.Context, tx Tx, id uuid.UUID, patch Patch, expectedVersion int, actorID uuid.UUID) (T, error) {
	var zero T
	if err := requireActor(actorID); err != nil {
		return zero, err
	}
	cur, err := r.getRecord(ctx, tx, id)
	if err != nil {
		return zero, err
	}
	curVersion := cur.Int(ColVersion)
	if expectedVersion != 0 && expectedVersion != curVersion {
		return zero, apperr.OptimisticLock(r.table.Entity, id.String(), expectedVersion).
			WithState(fmt.Sprintf("version %d", expectedVersion), fmt.Sprintf("version %d", curVersion))
	}

	write := make(Patch, len(patch)+3)
	for k, v := range patch {
		switch k {
		case ColID, ColVersion, ColCreatedAt, ColCreatedBy:
			continue
		}
		write[k] = v
	}
	write[ColVersion] = curVersion + 1
	write[ColUpdatedAt] = r.clock.Now()
	write[ColUpdatedBy] = actorID

	n, err := tx.Update(ctx, r.table.Name, id, curVersion, write)
	if err != nil {
		if errors.Is(err, ErrUniqueViolation) {
			return zero, &apperr.Error{
				Kind:    apperr.KindConflict,
				Message: fmt.Sprintf("%s conflicts with an existing record", r.table.Entity),
				Err:     err,
			}
		}
		return zero, apperr.Store("update "+r.table.Entity, err)
	}
	if n == 0 {
		return zero, apperr.OptimisticLock(r.table.Entity, id.String(), curVersion)
	}
	return r.decode(write.Apply(cur))
}

// SoftDelete marks the live row with id deleted. reason is carried in the
// audit entry.
func (r *Repository[T]) SoftDelete(ctx context.Context, id uuid.UUID, expectedVersion int, actorID uuid.UUID, reason string) error {
	return Run(ctx, r.db, func(ctx context.Context, tx Tx) error {
		before, err := r.getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		deleted, err := r.SoftDeleteTx(ctx, tx, id, expectedVersion, actorID, nil)
		if err != nil {
			return err
		}
		after := r.table.Encode(deleted)
		tx.OnCommit(func(ctx context.Context) {
			r.audit.Record(ctx, hipaa.Entry{
				EntityType: r.table.Entity,
				EntityID:   id.String(),
				Action:     hipaa.ActionDelete,
				OldValues:  before.Snapshot(),
				NewValues:  after.Snapshot(),
				ActorID:    actorID,
				Reason:     reason,
			})
		})
		return nil
	})
}

// SoftDeleteTx sets deleted_at inside tx under the same version check as
// UpdateTx. extra is written in the same versioned write.
func (r *Repository[T]) SoftDeleteTx(ctx context.Context, tx Tx, id uuid.UUID, expectedVersion int, actorID uuid.UUID, extra Patch) (T, error) {
	patch := make(Patch, len(extra)+1)
	for k, v := range extra {
		patch[k] = v
	}
	patch[ColDeletedAt] = r.clock.Now()
	return r.UpdateTx(ctx, tx, id, patch, expectedVersion, actorID)
}

// LockTx takes a row lock on id until tx ends.
func (r *Repository[T]) LockTx(ctx context.Context, tx Tx, id uuid.UUID) error {
	if err := tx.LockRow(ctx, r.table.Name, id); err != nil {
		return apperr.Store("lock "+r.table.Entity, err)
	}
	return nil
}

// Snapshot renders v as an audit payload.
func (r *Repository[T]) Snapshot(v T) map[string]any {
	return r.table.Encode(v).Snapshot()
}

func (r *Repository[T]) decode(rec Record) (T, error) {
	v, err := r.table.Decode(rec)
	if err != nil {
		var zero T
		return zero, apperr.Store("decode "+r.table.Entity, err)
	}
	return v, nil
}

func liveOnly(where []Cond) []Cond {
	out := make([]Cond, 0, len(where)+1)
	out = append(out, where...)
	return append(out, IsNull(ColDeletedAt))
}

func describe(where []Cond) map[string]any {
	if len(where) == 0 {
		return nil
	}
	out := make(map[string]any, len(where))
	for _, c := range where {
		out[c.Column] = fmt.Sprintf("%s %v", c.Op, c.Value)
	}
	return out
}
