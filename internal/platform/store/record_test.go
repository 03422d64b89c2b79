package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRecord_AccessorsAcceptDriverTypes(t *testing.T) {
	id := uuid.New()
	r := Record{
		"id":       [16]byte(id),
		"version":  int32(3),
		"duration": int64(90),
		"tags":     []any{"bathing", "meals"},
		"vitals":   map[string]any{"pulse": float64(72)},
		"note":     nil,
	}

	if r.UUID("id") != id {
		t.Errorf("expected uuid from [16]byte")
	}
	if r.Int("version") != 3 || r.Int("duration") != 90 {
		t.Errorf("unexpected ints: %d %d", r.Int("version"), r.Int("duration"))
	}
	if got := r.Strings("tags"); len(got) != 2 || got[1] != "meals" {
		t.Errorf("unexpected strings: %v", got)
	}
	if string(r.JSON("vitals")) != `{"pulse":72}` {
		t.Errorf("unexpected json: %s", r.JSON("vitals"))
	}
	if r.StringPtr("note") != nil || r.IntPtr("missing") != nil || r.TimePtr("missing") != nil {
		t.Error("expected nil pointers for null columns")
	}
}

func TestRecord_CloneDoesNotShareSlices(t *testing.T) {
	r := Record{"tags": []string{"a"}, "blob": json.RawMessage(`{}`)}
	c := r.Clone()
	c["tags"].([]string)[0] = "changed"
	if r.Strings("tags")[0] != "a" {
		t.Error("clone shares slice with original")
	}
}

func TestNormalize(t *testing.T) {
	var nilTime *time.Time
	if Normalize(nilTime) != nil {
		t.Error("typed nil pointer must normalize to nil")
	}
	now := time.Now()
	if got, ok := Normalize(&now).(time.Time); !ok || !got.Equal(now) {
		t.Errorf("expected dereferenced time, got %v", got)
	}
	if Normalize(5) != 5 {
		t.Error("non-pointers pass through")
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	deleted := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := Envelope{ID: uuid.New(), Version: 4, CreatedBy: uuid.New(), DeletedAt: &deleted}
	r := Record{}
	env.EncodeInto(r)

	if !r.Deleted() {
		t.Error("expected record to be deleted")
	}
	got := DecodeEnvelope(r)
	if got.ID != env.ID || got.Version != 4 || got.CreatedBy != env.CreatedBy || !got.DeletedAt.Equal(deleted) {
		t.Errorf("unexpected envelope: %+v", got)
	}
}

func TestMatch(t *testing.T) {
	worker := uuid.New()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	r := Record{"worker_id": worker, "status": "SCHEDULED", "scheduled_at": at, "deleted_at": nil}

	tests := []struct {
		name  string
		conds []Cond
		want  bool
	}{
		{"eq uuid", []Cond{Eq("worker_id", worker)}, true},
		{"eq uuid as driver bytes", []Cond{Eq("worker_id", [16]byte(worker))}, true},
		{"in status", []Cond{In("status", "SCHEDULED", "CONFIRMED")}, true},
		{"not in status", []Cond{In("status", "COMPLETED")}, false},
		{"empty in", []Cond{In[string]("status")}, false},
		{"lt time", []Cond{Lt("scheduled_at", at.Add(time.Minute))}, true},
		{"gt time boundary", []Cond{Gt("scheduled_at", at)}, false},
		{"is null", []Cond{IsNull("deleted_at")}, true},
		{"neq id", []Cond{Neq("worker_id", uuid.New())}, true},
		{"and", []Cond{Eq("status", "SCHEDULED"), Eq("worker_id", uuid.New())}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(r, tt.conds); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOptional_UnmarshalJSON(t *testing.T) {
	var body struct {
		Notes    Optional[*string] `json:"notes"`
		Location Optional[string]  `json:"location"`
	}
	if err := json.Unmarshal([]byte(`{"notes": null}`), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !body.Notes.Present || body.Notes.Value != nil {
		t.Errorf("explicit null must be present with nil value, got %+v", body.Notes)
	}
	if body.Location.Present {
		t.Error("absent key must not be present")
	}
}
