package careplan

import (
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/store"
)

// EntityCarePlan is the audit entity type for care plans.
const EntityCarePlan = "CarePlan"

const (
	StatusDraft     = "DRAFT"
	StatusActive    = "ACTIVE"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
)

var validStatuses = map[string]bool{
	StatusDraft: true, StatusActive: true, StatusCompleted: true, StatusCancelled: true,
}

// CarePlan groups a client's visits under shared goals.
type CarePlan struct {
	store.Envelope
	ClientID    uuid.UUID  `json:"client_id"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Status      string     `json:"status"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Goals       []string   `json:"goals"`
}

// Table maps CarePlan onto the care_plans table.
var Table = store.Table[CarePlan]{
	Name:   "care_plans",
	Entity: EntityCarePlan,
	Encode: func(cp CarePlan) store.Record {
		goals := cp.Goals
		if goals == nil {
			goals = []string{}
		}
		r := store.Record{
			"client_id":   cp.ClientID,
			"title":       cp.Title,
			"description": store.Normalize(cp.Description),
			"status":      cp.Status,
			"start_date":  store.Normalize(cp.StartDate),
			"end_date":    store.Normalize(cp.EndDate),
			"goals":       goals,
		}
		cp.Envelope.EncodeInto(r)
		return r
	},
	Decode: func(r store.Record) (CarePlan, error) {
		return CarePlan{
			Envelope:    store.DecodeEnvelope(r),
			ClientID:    r.UUID("client_id"),
			Title:       r.String("title"),
			Description: r.StringPtr("description"),
			Status:      r.String("status"),
			StartDate:   r.TimePtr("start_date"),
			EndDate:     r.TimePtr("end_date"),
			Goals:       r.Strings("goals"),
		}, nil
	},
}

type CreateInput struct {
	ClientID    uuid.UUID  `json:"client_id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Status      string     `json:"status"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
	Goals       []string   `json:"goals"`
}

// UpdateInput is a partial update. Absent fields are left unchanged; an
// explicit null clears a nullable field.
type UpdateInput struct {
	Title       store.Optional[string]     `json:"title"`
	Description store.Optional[*string]    `json:"description"`
	Status      store.Optional[string]     `json:"status"`
	StartDate   store.Optional[*time.Time] `json:"start_date"`
	EndDate     store.Optional[*time.Time] `json:"end_date"`
	Goals       store.Optional[[]string]   `json:"goals"`
}
