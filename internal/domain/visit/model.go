package visit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/hipaa"
	"github.com/carelink/carelink/internal/platform/store"
)

// Audit entity types written by the engine.
const (
	EntityVisit    = "Visit"
	EntityFollowUp = "FollowUpTask"
	EntityIncident = "Incident"
)

// Status is a visit lifecycle state.
type Status string

const (
	StatusScheduled   Status = "SCHEDULED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
	StatusNoShow      Status = "NO_SHOW"
	StatusRescheduled Status = "RESCHEDULED"
)

// Terminal reports whether no further lifecycle transition leaves s.
// COMPLETED still accepts a review.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled:
		return true
	}
	return false
}

// bookedStatuses hold a slot in the worker's schedule.
var bookedStatuses = []Status{StatusScheduled, StatusConfirmed, StatusInProgress}

func statusValues(ss ...Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// Visit is one scheduled appointment between a worker and a client.
type Visit struct {
	store.Envelope
	ClientID              uuid.UUID       `json:"client_id"`
	WorkerID              uuid.UUID       `json:"worker_id"`
	CarePlanID            *uuid.UUID      `json:"care_plan_id,omitempty"`
	Status                Status          `json:"status"`
	VisitType             *string         `json:"visit_type,omitempty"`
	Location              *string         `json:"location,omitempty"`
	ScheduledAt           time.Time       `json:"scheduled_at"`
	ScheduledEndAt        time.Time       `json:"scheduled_end_at"`
	ActualStartAt         *time.Time      `json:"actual_start_at,omitempty"`
	ActualEndAt           *time.Time      `json:"actual_end_at,omitempty"`
	Duration              int             `json:"duration"`
	ActualDuration        *int            `json:"actual_duration,omitempty"`
	CancellationReason    *string         `json:"cancellation_reason,omitempty"`
	RescheduledFrom       *uuid.UUID      `json:"rescheduled_from,omitempty"`
	RescheduledTo         *uuid.UUID      `json:"rescheduled_to,omitempty"`
	Activities            []string        `json:"activities"`
	PlannedActivities     []string        `json:"planned_activities"`
	Notes                 *string         `json:"notes,omitempty"`
	PrivateNotes          *string         `json:"private_notes,omitempty"`
	WorkerNotes           *string         `json:"worker_notes,omitempty"`
	Vitals                json.RawMessage `json:"vitals,omitempty"`
	Medications           json.RawMessage `json:"medications,omitempty"`
	DocumentationComplete bool            `json:"documentation_complete"`
	FollowUpRequired      bool            `json:"follow_up_required"`
	FollowUpReason        *string         `json:"follow_up_reason,omitempty"`
	IncidentOccurred      bool            `json:"incident_occurred"`
	IncidentDescription   *string         `json:"incident_description,omitempty"`
	ClientSatisfaction    *int            `json:"client_satisfaction,omitempty"`
	ReviewedAt            *time.Time      `json:"reviewed_at,omitempty"`
	ReviewedBy            *uuid.UUID      `json:"reviewed_by,omitempty"`
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func jsonValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// newTable maps Visit onto the visits table. private_notes is stored sealed
// by cipher; callers seal it before writing and Decode opens it.
func newTable(cipher hipaa.FieldCipher) store.Table[Visit] {
	return store.Table[Visit]{
		Name:   "visits",
		Entity: EntityVisit,
		Encode: func(v Visit) store.Record {
			r := store.Record{
				"client_id":              v.ClientID,
				"worker_id":              v.WorkerID,
				"care_plan_id":           store.Normalize(v.CarePlanID),
				"status":                 string(v.Status),
				"visit_type":             store.Normalize(v.VisitType),
				"location":               store.Normalize(v.Location),
				"scheduled_at":           v.ScheduledAt,
				"scheduled_end_at":       v.ScheduledEndAt,
				"actual_start_at":        store.Normalize(v.ActualStartAt),
				"actual_end_at":          store.Normalize(v.ActualEndAt),
				"duration":               v.Duration,
				"actual_duration":        store.Normalize(v.ActualDuration),
				"cancellation_reason":    store.Normalize(v.CancellationReason),
				"rescheduled_from":       store.Normalize(v.RescheduledFrom),
				"rescheduled_to":         store.Normalize(v.RescheduledTo),
				"activities":             nonNil(v.Activities),
				"planned_activities":     nonNil(v.PlannedActivities),
				"notes":                  store.Normalize(v.Notes),
				"private_notes":          store.Normalize(v.PrivateNotes),
				"worker_notes":           store.Normalize(v.WorkerNotes),
				"vitals":                 jsonValue(v.Vitals),
				"medications":            jsonValue(v.Medications),
				"documentation_complete": v.DocumentationComplete,
				"follow_up_required":     v.FollowUpRequired,
				"follow_up_reason":       store.Normalize(v.FollowUpReason),
				"incident_occurred":      v.IncidentOccurred,
				"incident_description":   store.Normalize(v.IncidentDescription),
				"client_satisfaction":    store.Normalize(v.ClientSatisfaction),
				"reviewed_at":            store.Normalize(v.ReviewedAt),
				"reviewed_by":            store.Normalize(v.ReviewedBy),
			}
			v.Envelope.EncodeInto(r)
			return r
		},
		Decode: func(r store.Record) (Visit, error) {
			v := Visit{
				Envelope:              store.DecodeEnvelope(r),
				ClientID:              r.UUID("client_id"),
				WorkerID:              r.UUID("worker_id"),
				CarePlanID:            r.UUIDPtr("care_plan_id"),
				Status:                Status(r.String("status")),
				VisitType:             r.StringPtr("visit_type"),
				Location:              r.StringPtr("location"),
				ScheduledAt:           r.Time("scheduled_at"),
				ScheduledEndAt:        r.Time("scheduled_end_at"),
				ActualStartAt:         r.TimePtr("actual_start_at"),
				ActualEndAt:           r.TimePtr("actual_end_at"),
				Duration:              r.Int("duration"),
				ActualDuration:        r.IntPtr("actual_duration"),
				CancellationReason:    r.StringPtr("cancellation_reason"),
				RescheduledFrom:       r.UUIDPtr("rescheduled_from"),
				RescheduledTo:         r.UUIDPtr("rescheduled_to"),
				Activities:            nonNil(r.Strings("activities")),
				PlannedActivities:     nonNil(r.Strings("planned_activities")),
				Notes:                 r.StringPtr("notes"),
				WorkerNotes:           r.StringPtr("worker_notes"),
				Vitals:                r.JSON("vitals"),
				Medications:           r.JSON("medications"),
				DocumentationComplete: r.Bool("documentation_complete"),
				FollowUpRequired:      r.Bool("follow_up_required"),
				FollowUpReason:        r.StringPtr("follow_up_reason"),
				IncidentOccurred:      r.Bool("incident_occurred"),
				IncidentDescription:   r.StringPtr("incident_description"),
				ClientSatisfaction:    r.IntPtr("client_satisfaction"),
				ReviewedAt:            r.TimePtr("reviewed_at"),
				ReviewedBy:            r.UUIDPtr("reviewed_by"),
			}
			if sealed := r.StringPtr("private_notes"); sealed != nil {
				plain, err := cipher.Open(*sealed)
				if err != nil {
					return Visit{}, err
				}
				v.PrivateNotes = &plain
			}
			return v, nil
		},
	}
}
