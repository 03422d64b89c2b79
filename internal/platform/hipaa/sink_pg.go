package hipaa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const auditTable = "audit_logs"

var auditCols = []any{
	"id", "entity_type", "entity_id", "action", "old_values", "new_values",
	"data_accessed", "actor_id", "actor_role", "reason", "request_id",
	"ip_address", "user_agent", "metadata", "created_at",
}

// PGSink stores entries in the append-only audit_logs table. It has no
// update or delete path.
type PGSink struct {
	pool    *pgxpool.Pool
	dialect goqu.DialectWrapper
}

// NewPGSink creates a PGSink backed by pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool, dialect: goqu.Dialect("postgres")}
}

func (s *PGSink) Append(ctx context.Context, e Entry) error {
	oldValues, err := jsonOrNull(e.OldValues)
	if err != nil {
		return fmt.Errorf("encode old values: %w", err)
	}
	newValues, err := jsonOrNull(e.NewValues)
	if err != nil {
		return fmt.Errorf("encode new values: %w", err)
	}
	metadata, err := jsonOrNull(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (
			id, entity_type, entity_id, action, old_values, new_values,
			data_accessed, actor_id, actor_role, reason, request_id,
			ip_address, user_agent, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.EntityType, e.EntityID, string(e.Action), oldValues, newValues,
		string(e.DataAccessed), e.ActorID, e.ActorRole, e.Reason, e.RequestID,
		e.IPAddress, e.UserAgent, metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PGSink) Search(ctx context.Context, f Filter) ([]Entry, int, error) {
	f.applyDefaults()
	where := filterExpressions(f)

	countSQL, countArgs, err := s.dialect.From(auditTable).Prepared(true).
		Select(goqu.COUNT("*")).Where(where...).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build audit count: %w", err)
	}
	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	pageSQL, pageArgs, err := s.dialect.From(auditTable).Prepared(true).
		Select(auditCols...).Where(where...).
		Order(goqu.I("created_at").Desc(), goqu.I("id").Asc()).
		Limit(uint(f.Limit)).Offset(uint(f.Offset)).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build audit search: %w", err)
	}
	rows, err := s.pool.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("search audit entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, 0, fmt.Errorf("scan audit entries: %w", err)
	}
	return entries, total, nil
}

func (s *PGSink) Statistics(ctx context.Context, r DateRange) (*Statistics, error) {
	where := rangeExpressions(r)
	stats := newStatistics()

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"action", stats.ByAction},
		{"entity_type", stats.ByEntityType},
		{"data_accessed", stats.ByClassification},
	}
	for _, g := range groups {
		if err := s.groupCount(ctx, g.column, where, g.into); err != nil {
			return nil, err
		}
	}
	for _, n := range stats.ByAction {
		stats.Total += n
	}

	topSQL, topArgs, err := s.dialect.From(auditTable).Prepared(true).
		Select(goqu.C("actor_id"), goqu.COUNT("*").As("n")).
		Where(where...).
		GroupBy("actor_id").
		Order(goqu.I("n").Desc(), goqu.I("actor_id").Asc()).
		Limit(topActorLimit).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build top actors: %w", err)
	}
	rows, err := s.pool.Query(ctx, topSQL, topArgs...)
	if err != nil {
		return nil, fmt.Errorf("query top actors: %w", err)
	}
	top, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ActorCount, error) {
		var ac ActorCount
		err := row.Scan(&ac.ActorID, &ac.Count)
		return ac, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan top actors: %w", err)
	}
	stats.TopActors = top
	return stats, nil
}

func (s *PGSink) groupCount(ctx context.Context, column string, where []exp.Expression, into map[string]int) error {
	query, args, err := s.dialect.From(auditTable).Prepared(true).
		Select(goqu.C(column), goqu.COUNT("*")).
		Where(where...).
		GroupBy(column).ToSQL()
	if err != nil {
		return fmt.Errorf("build %s counts: %w", column, err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query %s counts: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s counts: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

func filterExpressions(f Filter) []exp.Expression {
	where := rangeExpressions(DateRange{From: f.From, To: f.To})
	if f.EntityType != "" {
		where = append(where, goqu.C("entity_type").Eq(f.EntityType))
	}
	if f.EntityID != "" {
		where = append(where, goqu.C("entity_id").Eq(f.EntityID))
	}
	if f.Action != "" {
		where = append(where, goqu.C("action").Eq(string(f.Action)))
	}
	if f.ActorID != uuid.Nil {
		where = append(where, goqu.C("actor_id").Eq(f.ActorID))
	}
	if f.DataAccessed != "" {
		where = append(where, goqu.C("data_accessed").Eq(string(f.DataAccessed)))
	}
	return where
}

func rangeExpressions(r DateRange) []exp.Expression {
	var where []exp.Expression
	if r.From != nil {
		where = append(where, goqu.C("created_at").Gte(*r.From))
	}
	if r.To != nil {
		where = append(where, goqu.C("created_at").Lte(*r.To))
	}
	return where
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var e Entry
	var action, class string
	err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &action, &e.OldValues, &e.NewValues,
		&class, &e.ActorID, &e.ActorRole, &e.Reason, &e.RequestID,
		&e.IPAddress, &e.UserAgent, &e.Metadata, &e.CreatedAt)
	e.Action = Action(action)
	e.DataAccessed = Classification(class)
	return e, err
}

func jsonOrNull(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
