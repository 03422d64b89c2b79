package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/carelink/internal/platform/store"
)

// Postgres error codes mapped onto store sentinels.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

// Store implements store.DB on a pgx pool. Transactions run at read
// committed; the conditioned version write is what detects lost updates.
type Store struct {
	pool    *pgxpool.Pool
	dialect goqu.DialectWrapper
}

// NewStore creates a Store over pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, dialect: goqu.Dialect("postgres")}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer pgtx.Rollback(ctx)

	tx := &Tx{tx: pgtx, dialect: s.dialect}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return translate(fmt.Errorf("commit: %w", err))
	}
	for _, hook := range tx.hooks {
		hook(ctx)
	}
	return nil
}

// Tx is a store.Tx bound to one pgx transaction.
type Tx struct {
	tx      pgx.Tx
	dialect goqu.DialectWrapper
	mu      sync.Mutex
	hooks   []func(ctx context.Context)
}

func (t *Tx) Get(ctx context.Context, table string, id uuid.UUID) (store.Record, error) {
	recs, err := t.Find(ctx, table, store.Query{Where: []store.Cond{store.Eq(store.ColID, id)}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNoRows
	}
	return recs[0], nil
}

func (t *Tx) Find(ctx context.Context, table string, q store.Query) ([]store.Record, error) {
	ds := t.dialect.From(table).Prepared(true).Where(conditions(q.Where)...)
	for _, o := range q.Order {
		if o.Desc {
			ds = ds.OrderAppend(goqu.I(o.Column).Desc())
		} else {
			ds = ds.OrderAppend(goqu.I(o.Column).Asc())
		}
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	if q.Offset > 0 {
		ds = ds.Offset(uint(q.Offset))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select on %s: %w", table, err)
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(fmt.Errorf("select from %s: %w", table, err))
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, translate(fmt.Errorf("scan %s: %w", table, err))
	}
	out := make([]store.Record, len(maps))
	for i, m := range maps {
		out[i] = store.Record(m)
	}
	return out, nil
}

func (t *Tx) Count(ctx context.Context, table string, where []store.Cond) (int, error) {
	query, args, err := t.dialect.From(table).Prepared(true).
		Select(goqu.COUNT("*")).Where(conditions(where)...).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count on %s: %w", table, err)
	}
	var n int
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, translate(fmt.Errorf("count %s: %w", table, err))
	}
	return n, nil
}

// Insert and Update assemble their SQL directly: goqu expands slice values
// into value lists, which would break text[] columns.
func (t *Tx) Insert(ctx context.Context, table string, rec store.Record) error {
	cols := sortedKeys(rec)
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = pgx.Identifier{c}.Sanitize()
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(names, ", "), strings.Join(marks, ", "))

	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return translate(fmt.Errorf("insert into %s: %w", table, err))
	}
	return nil
}

func (t *Tx) Update(ctx context.Context, table string, id uuid.UUID, version int, patch store.Patch) (int64, error) {
	cols := sortedKeys(patch)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1)
		args = append(args, patch[c])
	}
	args = append(args, id, version)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND version = $%d",
		pgx.Identifier{table}.Sanitize(), strings.Join(sets, ", "), len(cols)+1, len(cols)+2)

	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, translate(fmt.Errorf("update %s: %w", table, err))
	}
	return tag.RowsAffected(), nil
}

func (t *Tx) LockRow(ctx context.Context, table string, id uuid.UUID) error {
	query, args, err := t.dialect.From(table).Prepared(true).
		Select(goqu.L("1")).Where(goqu.C(store.ColID).Eq(id)).
		ForUpdate(exp.Wait).ToSQL()
	if err != nil {
		return fmt.Errorf("build lock on %s: %w", table, err)
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return translate(fmt.Errorf("lock %s: %w", table, err))
	}
	rows.Close()
	return translate(rows.Err())
}

func (t *Tx) OnCommit(fn func(ctx context.Context)) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

func conditions(where []store.Cond) []exp.Expression {
	out := make([]exp.Expression, 0, len(where))
	for _, c := range where {
		out = append(out, condition(c))
	}
	return out
}

func condition(c store.Cond) exp.Expression {
	col := goqu.C(c.Column)
	switch c.Op {
	case store.OpNeq:
		return col.Neq(c.Value)
	case store.OpIn:
		items, _ := c.Value.([]any)
		if len(items) == 0 {
			return goqu.L("FALSE")
		}
		return col.In(items...)
	case store.OpLt:
		return col.Lt(c.Value)
	case store.OpLte:
		return col.Lte(c.Value)
	case store.OpGt:
		return col.Gt(c.Value)
	case store.OpGte:
		return col.Gte(c.Value)
	case store.OpIsNull:
		return col.IsNull()
	case store.OpNotNull:
		return col.IsNotNull()
	default:
		return col.Eq(c.Value)
	}
}

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrUniqueViolation, pgErr.ConstraintName)
		case pgSerializationFailure:
			return fmt.Errorf("%w: %s", store.ErrVersionConflict, pgErr.Message)
		}
	}
	return err
}
