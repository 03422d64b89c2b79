package visit

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
)

func TestCanTransition(t *testing.T) {
	client := auth.Actor{ID: uuid.New(), Role: auth.RoleClient}
	worker := auth.Actor{ID: uuid.New(), Role: auth.RoleWorker}
	stranger := auth.Actor{ID: uuid.New(), Role: auth.RoleWorker}
	admin := auth.Actor{ID: uuid.New(), Role: auth.RoleAdmin}
	v := Visit{ClientID: client.ID, WorkerID: worker.ID, Status: StatusScheduled}

	tests := []struct {
		name  string
		actor auth.Actor
		t     Transition
		want  bool
	}{
		{"admin checks in", admin, TransitionCheckIn, true},
		{"supervisor cancels", auth.Actor{ID: uuid.New(), Role: auth.RoleSupervisor}, TransitionCancel, true},
		{"client cancels", client, TransitionCancel, true},
		{"client reschedules", client, TransitionReschedule, true},
		{"client checks in", client, TransitionCheckIn, false},
		{"client edits", client, TransitionUpdate, false},
		{"worker checks in", worker, TransitionCheckIn, true},
		{"worker checks out", worker, TransitionCheckOut, true},
		{"worker reschedules", worker, TransitionReschedule, true},
		{"worker cancels", worker, TransitionCancel, false},
		{"worker reviews", worker, TransitionReview, false},
		{"stranger views", stranger, TransitionView, false},
		{"client role on someone else's visit", auth.Actor{ID: uuid.New(), Role: auth.RoleClient}, TransitionCancel, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.actor, v, tt.t); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthorize_CarriesContext(t *testing.T) {
	v := Visit{ClientID: uuid.New(), WorkerID: uuid.New()}
	err := Authorize(auth.Actor{ID: uuid.New(), Role: auth.RoleWorker}, v, TransitionCancel)

	ae, ok := err.(*apperr.Error)
	if !ok || ae.Kind != apperr.KindAuthorization {
		t.Fatalf("expected AuthorizationDenied, got %v", err)
	}
	if ae.Expected != "client owner or ADMIN or SUPERVISOR" || ae.Actual != "WORKER" {
		t.Errorf("unexpected state context: %q / %q", ae.Expected, ae.Actual)
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		from Status
		t    Transition
		want bool
	}{
		{StatusScheduled, TransitionCheckIn, true},
		{StatusConfirmed, TransitionCheckIn, true},
		{StatusInProgress, TransitionCheckIn, false},
		{StatusInProgress, TransitionCheckOut, true},
		{StatusConfirmed, TransitionCheckOut, false},
		{StatusInProgress, TransitionReschedule, true},
		{StatusCompleted, TransitionReschedule, false},
		{StatusCancelled, TransitionReschedule, false},
		{StatusInProgress, TransitionCancel, true},
		{StatusNoShow, TransitionCancel, false},
		{StatusConfirmed, TransitionConfirm, false},
		{StatusCompleted, TransitionReview, true},
		{StatusNoShow, TransitionUpdate, false},
	}
	for _, tt := range tests {
		if got := Allowed(tt.from, tt.t); got != tt.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.from, tt.t, got, tt.want)
		}
	}
}

func TestCheckState_CarriesContext(t *testing.T) {
	err := checkState(Visit{Status: StatusCompleted}, TransitionCheckIn)

	ae, ok := err.(*apperr.Error)
	if !ok || ae.Kind != apperr.KindBusinessRule {
		t.Fatalf("expected BusinessRuleViolation, got %v", err)
	}
	if ae.Field != "status" || ae.Expected != "SCHEDULED|CONFIRMED" || ae.Actual != "COMPLETED" {
		t.Errorf("unexpected context: %+v", ae)
	}
	if !strings.Contains(ae.Message, "already COMPLETED") {
		t.Errorf("expected a terminal-state message, got %q", ae.Message)
	}

	err = checkState(Visit{Status: StatusInProgress}, TransitionConfirm)
	if ae, ok := err.(*apperr.Error); !ok || !strings.HasPrefix(ae.Message, "cannot confirm") {
		t.Errorf("expected a plain state message, got %v", err)
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusScheduled, StatusConfirmed, StatusInProgress} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

func TestWindow(t *testing.T) {
	start := at(10, 0)
	end := at(10, 40)

	_, got, minutes, err := window(start, &end, ptr(90), 60)
	if err != nil || !got.Equal(end) || minutes != 40 {
		t.Errorf("explicit end must win: %s %d %v", got, minutes, err)
	}
	_, got, minutes, _ = window(start, nil, nil, 60)
	if !got.Equal(at(11, 0)) || minutes != 60 {
		t.Errorf("expected fallback duration, got %s %d", got, minutes)
	}
	short := start.Add(20 * time.Second)
	if _, _, _, err := window(start, &short, nil, 60); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected sub-minute visit rejected, got %v", err)
	}
}

func TestAppendNotes(t *testing.T) {
	if appendNotes(ptr("a"), ptr("  ")) != nil {
		t.Error("blank note must not change anything")
	}
	if got := appendNotes(nil, ptr(" b ")); *got != "b" {
		t.Errorf("got %q", *got)
	}
	if got := appendNotes(ptr("a"), ptr("b")); *got != "a\nb" {
		t.Errorf("got %q", *got)
	}
}
