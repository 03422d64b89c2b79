package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/clock"
	"github.com/carelink/carelink/internal/platform/metrics"
)

// appendTimeout bounds a single audit write. Writes run detached from the
// request context so a client disconnect after commit still gets audited.
const appendTimeout = 5 * time.Second

// Sink persists and queries audit entries. Implementations are append-only.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	Search(ctx context.Context, f Filter) ([]Entry, int, error)
	Statistics(ctx context.Context, r DateRange) (*Statistics, error)
}

// Trail is the Recorder used by every service. Persistence failures are
// logged and counted, never returned.
type Trail struct {
	sink    Sink
	logger  zerolog.Logger
	clock   clock.Clock
	metrics *metrics.Collectors
}

// NewTrail creates a Trail writing to sink.
func NewTrail(sink Sink, logger zerolog.Logger, clk clock.Clock, m *metrics.Collectors) *Trail {
	if clk == nil {
		clk = clock.System{}
	}
	return &Trail{
		sink:    sink,
		logger:  logger.With().Str("component", "audit").Logger(),
		clock:   clk,
		metrics: m,
	}
}

// Record sanitizes, classifies and persists e.
func (t *Trail) Record(ctx context.Context, e Entry) {
	if e.EntityType == EntityAuditLog && e.Action == ActionRead {
		return
	}
	e = t.prepare(ctx, e)

	defer func() {
		if r := recover(); r != nil {
			t.fail(e, fmt.Errorf("panic: %v", r))
		}
	}()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()

	if err := t.sink.Append(wctx, e); err != nil {
		t.fail(e, err)
		return
	}
	t.metrics.ObserveAudit(string(e.Action), string(e.DataAccessed))
}

func (t *Trail) prepare(ctx context.Context, e Entry) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.clock.Now()
	}
	if e.DataAccessed == "" {
		e.DataAccessed = Classify(e.EntityType)
	}
	meta := RequestMetaFromContext(ctx)
	if e.ActorRole == "" {
		e.ActorRole = meta.ActorRole
	}
	if e.RequestID == "" {
		e.RequestID = meta.RequestID
	}
	if e.IPAddress == "" {
		e.IPAddress = meta.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = meta.UserAgent
	}
	e.OldValues = Sanitize(e.OldValues)
	e.NewValues = Sanitize(e.NewValues)
	e.Metadata = Sanitize(e.Metadata)
	return e
}

func (t *Trail) fail(e Entry, err error) {
	t.metrics.AuditFailed()
	t.logger.Error().
		Err(err).
		Str("audit_id", e.ID.String()).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Str("action", string(e.Action)).
		Str("actor_id", e.ActorID.String()).
		Msg("audit entry could not be persisted")
}

// Search returns entries matching f. The search itself is recorded as a
// read of the audit log, which Record drops.
func (t *Trail) Search(ctx context.Context, actorID uuid.UUID, f Filter) (*SearchResult, error) {
	f.applyDefaults()
	entries, total, err := t.sink.Search(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("search audit log: %w", err)
	}
	t.Record(ctx, Entry{EntityType: EntityAuditLog, Action: ActionRead, ActorID: actorID})
	if entries == nil {
		entries = []Entry{}
	}
	return &SearchResult{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Statistics aggregates entries created within r.
func (t *Trail) Statistics(ctx context.Context, r DateRange) (*Statistics, error) {
	stats, err := t.sink.Statistics(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("audit statistics: %w", err)
	}
	return stats, nil
}
