package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/apperr"
)

var (
	// ErrNoRows is returned by Tx.Get when no row has the id.
	ErrNoRows = errors.New("store: no rows")
	// ErrUniqueViolation is returned when a write breaks a unique key.
	ErrUniqueViolation = errors.New("store: unique violation")
	// ErrVersionConflict is returned at commit when a row this transaction
	// updated was committed by someone else first.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Tx is the unit-of-work handle. Every method runs inside the transaction it
// was handed out for; none of them filter soft-deleted rows.
type Tx interface {
	Get(ctx context.Context, table string, id uuid.UUID) (Record, error)
	Find(ctx context.Context, table string, q Query) ([]Record, error)
	Count(ctx context.Context, table string, where []Cond) (int, error)
	Insert(ctx context.Context, table string, rec Record) error
	// Update writes patch to the row with id only if its version still equals
	// version, returning the number of rows affected.
	Update(ctx context.Context, table string, id uuid.UUID, version int, patch Patch) (int64, error)
	// LockRow takes an exclusive lock on the row until the transaction ends.
	LockRow(ctx context.Context, table string, id uuid.UUID) error
	// OnCommit registers fn to run after a successful commit.
	OnCommit(fn func(ctx context.Context))
}

// DB opens transactions.
type DB interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Run executes fn in a transaction and translates backend sentinels into
// application error kinds.
func Run(ctx context.Context, db DB, fn func(ctx context.Context, tx Tx) error) error {
	return Translate(db.RunInTx(ctx, fn))
}

// Translate maps backend errors onto apperr kinds. Errors that already carry
// a kind pass through.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, ErrVersionConflict):
		return &apperr.Error{Kind: apperr.KindOptimisticLockConflict, Message: "record was modified concurrently", Err: err}
	case errors.Is(err, ErrUniqueViolation):
		return &apperr.Error{Kind: apperr.KindConflict, Message: "a record with the same unique key already exists", Err: err}
	case errors.Is(err, ErrNoRows):
		return &apperr.Error{Kind: apperr.KindNotFound, Message: "record not found", Err: err}
	default:
		return apperr.Store("transaction failed", err)
	}
}
