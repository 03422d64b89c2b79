// Package memstore is an in-process implementation of store.DB with read
// committed isolation. Transactions read the latest committed state overlaid
// with their own writes, buffer writes until commit, and validate them at
// commit: the first transaction to commit a new version of a row wins and
// later committers fail with store.ErrVersionConflict.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/store"
)

// UniqueKey declares that the given columns are unique among live rows of
// a table.
type UniqueKey struct {
	Table   string
	Columns []string
}

// Store holds committed rows per table.
type Store struct {
	mu      sync.Mutex
	tables  map[string]*table
	uniques map[string][][]string

	lockMu sync.Mutex
	locks  map[string]*rowLock
}

// rowLock is a one-slot semaphore shared by the transactions that hold or
// wait on a row. refs counts them; the entry is dropped at zero.
type rowLock struct {
	ch   chan struct{}
	refs int
}

type table struct {
	rows  map[uuid.UUID]store.Record
	order []uuid.UUID
}

// New creates an empty Store enforcing keys.
func New(keys ...UniqueKey) *Store {
	s := &Store{
		tables:  make(map[string]*table),
		uniques: make(map[string][][]string),
		locks:   make(map[string]*rowLock),
	}
	for _, k := range keys {
		s.uniques[k.Table] = append(s.uniques[k.Table], k.Columns)
	}
	return s
}

func (s *Store) table(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[uuid.UUID]store.Record)}
		s.tables[name] = t
	}
	return t
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// RunInTx runs fn in a transaction. fn's error rolls back; a commit-time
// validation failure is returned after fn succeeded.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx := &Tx{
		s:      s,
		writes: make(map[string]map[uuid.UUID]*pending),
		held:   make(map[string]*rowLock),
	}
	defer tx.releaseLocks()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.commit(tx); err != nil {
		return err
	}
	tx.releaseLocks()
	for _, hook := range tx.hooks {
		hook(ctx)
	}
	return nil
}

func (s *Store) commit(tx *Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, rows := range tx.writes {
		t := s.table(name)
		for id, p := range rows {
			cur, exists := t.rows[id]
			switch {
			case p.insert && exists:
				return fmt.Errorf("%w: %s %s already exists", store.ErrUniqueViolation, name, id)
			case !p.insert && !exists:
				return fmt.Errorf("%w: %s %s vanished", store.ErrVersionConflict, name, id)
			case !p.insert && cur.Int(store.ColVersion) != p.baseVersion:
				return fmt.Errorf("%w: %s %s", store.ErrVersionConflict, name, id)
			}
		}
		if err := s.checkUnique(name, t, rows); err != nil {
			return err
		}
	}

	for _, w := range tx.seq {
		t := s.table(w.table)
		p := tx.writes[w.table][w.id]
		if p.insert {
			if _, seen := t.rows[w.id]; !seen {
				t.order = append(t.order, w.id)
			}
		}
		t.rows[w.id] = p.rec.Clone()
	}
	return nil
}

func (s *Store) checkUnique(name string, t *table, writes map[uuid.UUID]*pending) error {
	keys := s.uniques[name]
	if len(keys) == 0 {
		return nil
	}
	merged := make(map[uuid.UUID]store.Record, len(t.rows)+len(writes))
	for id, rec := range t.rows {
		merged[id] = rec
	}
	for id, p := range writes {
		merged[id] = p.rec
	}
	for _, cols := range keys {
		seen := make(map[string]uuid.UUID)
		for id, rec := range merged {
			if rec.Deleted() {
				continue
			}
			k := uniqueValue(rec, cols)
			if other, dup := seen[k]; dup && other != id {
				return fmt.Errorf("%w: %s %v", store.ErrUniqueViolation, name, cols)
			}
			seen[k] = id
		}
	}
	return nil
}

func uniqueValue(rec store.Record, cols []string) string {
	k := ""
	for _, c := range cols {
		k += fmt.Sprintf("%v\x00", rec[c])
	}
	return k
}

func (s *Store) committed(name string, id uuid.UUID) (store.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, false
	}
	rec, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (s *Store) snapshot(name string) ([]uuid.UUID, map[uuid.UUID]store.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, nil
	}
	order := append([]uuid.UUID(nil), t.order...)
	rows := make(map[uuid.UUID]store.Record, len(t.rows))
	for id, rec := range t.rows {
		rows[id] = rec.Clone()
	}
	return order, rows
}

func (s *Store) acquireLock(key string) *rowLock {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &rowLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (s *Store) releaseLock(key string, l *rowLock) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

type pending struct {
	rec         store.Record
	insert      bool
	baseVersion int
}

type writeRef struct {
	table string
	id    uuid.UUID
}

// Tx is a memstore transaction.
type Tx struct {
	s      *Store
	mu     sync.Mutex
	writes map[string]map[uuid.UUID]*pending
	seq    []writeRef
	held   map[string]*rowLock
	hooks  []func(ctx context.Context)
}

func (tx *Tx) Get(_ context.Context, table string, id uuid.UUID) (store.Record, error) {
	tx.mu.Lock()
	p, ok := tx.writes[table][id]
	tx.mu.Unlock()
	if ok {
		return p.rec.Clone(), nil
	}
	rec, ok := tx.s.committed(table, id)
	if !ok {
		return nil, store.ErrNoRows
	}
	return rec, nil
}

func (tx *Tx) Find(_ context.Context, table string, q store.Query) ([]store.Record, error) {
	rows := tx.view(table, q.Where)
	if len(q.Order) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, o := range q.Order {
				cmp, ok := store.Compare(rows[i][o.Column], rows[j][o.Column])
				if !ok || cmp == 0 {
					continue
				}
				if o.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}
	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			return []store.Record{}, nil
		}
		rows = rows[q.Offset:]
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (tx *Tx) Count(_ context.Context, table string, where []store.Cond) (int, error) {
	return len(tx.view(table, where)), nil
}

// view merges committed rows with this transaction's writes, in insertion
// order, keeping the rows that match where.
func (tx *Tx) view(table string, where []store.Cond) []store.Record {
	order, rows := tx.s.snapshot(table)

	tx.mu.Lock()
	overlay := tx.writes[table]
	for _, w := range tx.seq {
		if w.table != table {
			continue
		}
		if _, committed := rows[w.id]; !committed {
			order = append(order, w.id)
		}
	}
	for id, p := range overlay {
		rows[id] = p.rec.Clone()
	}
	tx.mu.Unlock()

	out := make([]store.Record, 0)
	seen := make(map[uuid.UUID]bool, len(order))
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		rec, ok := rows[id]
		if ok && store.Match(rec, where) {
			out = append(out, rec)
		}
	}
	return out
}

func (tx *Tx) Insert(_ context.Context, table string, rec store.Record) error {
	id := rec.UUID(store.ColID)
	if id == uuid.Nil {
		return fmt.Errorf("memstore: insert into %s without id", table)
	}
	if _, exists := tx.s.committed(table, id); exists {
		return fmt.Errorf("%w: %s %s already exists", store.ErrUniqueViolation, table, id)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if _, exists := tx.writes[table][id]; exists {
		return fmt.Errorf("%w: %s %s already exists", store.ErrUniqueViolation, table, id)
	}
	tx.put(table, id, &pending{rec: rec.Clone(), insert: true})
	return nil
}

func (tx *Tx) Update(_ context.Context, table string, id uuid.UUID, version int, patch store.Patch) (int64, error) {
	tx.mu.Lock()
	p, own := tx.writes[table][id]
	tx.mu.Unlock()

	if own {
		if p.rec.Int(store.ColVersion) != version {
			return 0, nil
		}
		tx.mu.Lock()
		p.rec = patch.Apply(p.rec)
		tx.mu.Unlock()
		return 1, nil
	}

	cur, ok := tx.s.committed(table, id)
	if !ok || cur.Int(store.ColVersion) != version {
		return 0, nil
	}
	tx.mu.Lock()
	tx.put(table, id, &pending{rec: patch.Apply(cur), baseVersion: version})
	tx.mu.Unlock()
	return 1, nil
}

func (tx *Tx) put(table string, id uuid.UUID, p *pending) {
	if tx.writes[table] == nil {
		tx.writes[table] = make(map[uuid.UUID]*pending)
	}
	tx.writes[table][id] = p
	tx.seq = append(tx.seq, writeRef{table: table, id: id})
}

func (tx *Tx) LockRow(ctx context.Context, table string, id uuid.UUID) error {
	key := table + "/" + id.String()
	tx.mu.Lock()
	_, held := tx.held[key]
	tx.mu.Unlock()
	if held {
		return nil
	}
	l := tx.s.acquireLock(key)
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		tx.s.releaseLock(key, l)
		return ctx.Err()
	}
	tx.mu.Lock()
	tx.held[key] = l
	tx.mu.Unlock()
	return nil
}

func (tx *Tx) releaseLocks() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for key, l := range tx.held {
		<-l.ch
		tx.s.releaseLock(key, l)
		delete(tx.held, key)
	}
}

func (tx *Tx) OnCommit(fn func(ctx context.Context)) {
	tx.mu.Lock()
	tx.hooks = append(tx.hooks, fn)
	tx.mu.Unlock()
}
