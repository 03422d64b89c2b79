// Package store is the versioned record layer shared by every persisted
// entity: a column-keyed record model, filter and patch types, the
// unit-of-work interfaces a backend implements, and a generic repository that
// enforces optimistic locking, soft-delete filtering and audit emission.
package store

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Envelope columns carried by every table.
const (
	ColID        = "id"
	ColVersion   = "version"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColCreatedBy = "created_by"
	ColUpdatedBy = "updated_by"
	ColDeletedAt = "deleted_at"
)

// Record is one row keyed by column name. Values are plain Go values: strings,
// integers, bools, time.Time, uuid.UUID, []string, json.RawMessage or nil.
// Rows read back from postgres may carry the driver's native representations
// ([16]byte, int32, []any, decoded JSON); the accessors accept both.
type Record map[string]any

// Envelope is the concurrency and attribution header embedded in every entity.
type Envelope struct {
	ID        uuid.UUID  `json:"id"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	CreatedBy uuid.UUID  `json:"created_by"`
	UpdatedBy uuid.UUID  `json:"updated_by"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// EncodeInto writes the envelope columns into r.
func (e Envelope) EncodeInto(r Record) {
	r[ColID] = e.ID
	r[ColVersion] = e.Version
	r[ColCreatedAt] = e.CreatedAt
	r[ColUpdatedAt] = e.UpdatedAt
	r[ColCreatedBy] = e.CreatedBy
	r[ColUpdatedBy] = e.UpdatedBy
	r[ColDeletedAt] = Normalize(e.DeletedAt)
}

// DecodeEnvelope reads the envelope columns from r.
func DecodeEnvelope(r Record) Envelope {
	return Envelope{
		ID:        r.UUID(ColID),
		Version:   r.Int(ColVersion),
		CreatedAt: r.Time(ColCreatedAt),
		UpdatedAt: r.Time(ColUpdatedAt),
		CreatedBy: r.UUID(ColCreatedBy),
		UpdatedBy: r.UUID(ColUpdatedBy),
		DeletedAt: r.TimePtr(ColDeletedAt),
	}
}

// Deleted reports whether the record has been soft-deleted.
func (r Record) Deleted() bool {
	return r[ColDeletedAt] != nil
}

func (r Record) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (r Record) StringPtr(col string) *string {
	if r[col] == nil {
		return nil
	}
	s := r.String(col)
	return &s
}

func (r Record) UUID(col string) uuid.UUID {
	switch v := r[col].(type) {
	case uuid.UUID:
		return v
	case [16]byte:
		return uuid.UUID(v)
	case string:
		id, _ := uuid.Parse(v)
		return id
	default:
		return uuid.Nil
	}
}

func (r Record) UUIDPtr(col string) *uuid.UUID {
	if r[col] == nil {
		return nil
	}
	id := r.UUID(col)
	return &id
}

func (r Record) Int(col string) int {
	n, _ := toInt(r[col])
	return n
}

func (r Record) IntPtr(col string) *int {
	n, ok := toInt(r[col])
	if !ok {
		return nil
	}
	return &n
}

func (r Record) Bool(col string) bool {
	b, _ := r[col].(bool)
	return b
}

func (r Record) Time(col string) time.Time {
	t, _ := r[col].(time.Time)
	return t
}

func (r Record) TimePtr(col string) *time.Time {
	t, ok := r[col].(time.Time)
	if !ok {
		return nil
	}
	return &t
}

func (r Record) Strings(col string) []string {
	switch v := r[col].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// JSON returns a JSON column as raw bytes, re-encoding values the driver has
// already decoded.
func (r Record) JSON(col string) json.RawMessage {
	switch v := r[col].(type) {
	case nil:
		return nil
	case json.RawMessage:
		return append(json.RawMessage(nil), v...)
	case []byte:
		return append(json.RawMessage(nil), v...)
	case string:
		return json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return b
	}
}

// Clone copies r deeply enough that slices and nested maps are not shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Snapshot converts r into a plain map for audit payloads.
func (r Record) Snapshot() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		switch tv := v.(type) {
		case [16]byte:
			out[k] = uuid.UUID(tv).String()
		case json.RawMessage:
			var decoded any
			if err := json.Unmarshal(tv, &decoded); err == nil {
				out[k] = decoded
			}
		default:
			out[k] = cloneValue(v)
		}
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case []string:
		return append([]string(nil), tv...)
	case json.RawMessage:
		return append(json.RawMessage(nil), tv...)
	case []byte:
		return append([]byte(nil), tv...)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Normalize dereferences pointers so a record never holds a typed nil.
func Normalize(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		return v
	}
	if rv.IsNil() {
		return nil
	}
	return rv.Elem().Interface()
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(math.Round(n)), true
	default:
		return 0, false
	}
}
