package hipaa

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action is the kind of access an audit entry records.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionRead   Action = "READ"
)

// Classification is the sensitivity of the data touched.
type Classification string

const (
	ClassPublic   Classification = "PUBLIC"
	ClassInternal Classification = "INTERNAL"
	ClassPII      Classification = "PII"
	ClassPHI      Classification = "PHI"
)

// EntityAuditLog is the entity type of the audit log itself. Reads of it are
// never recorded.
const EntityAuditLog = "AuditLog"

var entityClassification = map[string]Classification{
	"Visit":          ClassPHI,
	"CarePlan":       ClassPHI,
	"Profile":        ClassPHI,
	"User":           ClassPII,
	"Authentication": ClassPII,
	"Budget":         ClassPII,
	"BudgetExpense":  ClassPII,
}

// Classify infers the data classification of an entity type.
func Classify(entityType string) Classification {
	if c, ok := entityClassification[entityType]; ok {
		return c
	}
	return ClassInternal
}

// Entry is one immutable audit log row.
type Entry struct {
	ID           uuid.UUID      `json:"id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id,omitempty"`
	Action       Action         `json:"action"`
	OldValues    map[string]any `json:"old_values,omitempty"`
	NewValues    map[string]any `json:"new_values,omitempty"`
	DataAccessed Classification `json:"data_accessed"`
	ActorID      uuid.UUID      `json:"actor_id"`
	ActorRole    string         `json:"actor_role,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Recorder accepts audit entries. Record never fails from the caller's point
// of view.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e Entry)

func (f RecorderFunc) Record(ctx context.Context, e Entry) { f(ctx, e) }

// Nop discards every entry.
var Nop Recorder = RecorderFunc(func(context.Context, Entry) {})

// RequestMeta is the request context stamped onto entries.
type RequestMeta struct {
	ActorRole string
	RequestID string
	IPAddress string
	UserAgent string
}

type metaKey struct{}

// WithRequestMeta stores m in ctx.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// RequestMetaFromContext returns the request metadata stored in ctx.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	m, _ := ctx.Value(metaKey{}).(RequestMeta)
	return m
}
