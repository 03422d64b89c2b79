// Package events publishes visit lifecycle events after their transaction
// commits. Publishing is best effort: failures are logged and counted.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	VisitCreated     = "visit.created"
	VisitUpdated     = "visit.updated"
	VisitConfirmed   = "visit.confirmed"
	VisitCheckedIn   = "visit.checked_in"
	VisitCheckedOut  = "visit.checked_out"
	VisitRescheduled = "visit.rescheduled"
	VisitCancelled   = "visit.cancelled"
	VisitNoShow      = "visit.no_show"
	VisitReviewed    = "visit.reviewed"
)

// Event describes one committed lifecycle transition.
type Event struct {
	ID             uuid.UUID      `json:"id"`
	Type           string         `json:"type"`
	VisitID        uuid.UUID      `json:"visit_id"`
	ClientID       uuid.UUID      `json:"client_id"`
	WorkerID       uuid.UUID      `json:"worker_id"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	Status         string         `json:"status"`
	Version        int            `json:"version"`
	ActorID        uuid.UUID      `json:"actor_id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Data           map[string]any `json:"data,omitempty"`
}

// Publisher delivers events. Publish never fails from the caller's point of
// view.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event)

func (f PublisherFunc) Publish(ctx context.Context, e Event) { f(ctx, e) }

// Nop drops every event.
var Nop Publisher = PublisherFunc(func(context.Context, Event) {})
