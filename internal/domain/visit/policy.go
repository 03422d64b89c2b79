package visit

import (
	"strings"

	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
)

// Transition names a lifecycle operation on an existing visit.
type Transition string

const (
	TransitionView       Transition = "VIEW"
	TransitionUpdate     Transition = "UPDATE"
	TransitionConfirm    Transition = "CONFIRM"
	TransitionCheckIn    Transition = "CHECK_IN"
	TransitionCheckOut   Transition = "CHECK_OUT"
	TransitionReschedule Transition = "RESCHEDULE"
	TransitionCancel     Transition = "CANCEL"
	TransitionNoShow     Transition = "NO_SHOW"
	TransitionReview     Transition = "REVIEW"
)

// TransitionCreate labels visit creation in metrics and events. It is not
// evaluated by CanTransition because there is no visit yet.
const TransitionCreate Transition = "CREATE"

var (
	clientTransitions = map[Transition]bool{
		TransitionView:       true,
		TransitionConfirm:    true,
		TransitionReschedule: true,
		TransitionCancel:     true,
		TransitionReview:     true,
	}
	workerTransitions = map[Transition]bool{
		TransitionView:       true,
		TransitionUpdate:     true,
		TransitionConfirm:    true,
		TransitionCheckIn:    true,
		TransitionCheckOut:   true,
		TransitionReschedule: true,
		TransitionNoShow:     true,
	}
)

// CanTransition evaluates, in order: privileged roles may do anything, the
// client owner and the assigned worker may do what their table allows,
// everyone else is denied.
func CanTransition(actor auth.Actor, v Visit, t Transition) bool {
	switch {
	case actor.IsPrivileged():
		return true
	case actor.ID == v.ClientID && clientTransitions[t]:
		return true
	case actor.ID == v.WorkerID && workerTransitions[t]:
		return true
	}
	return false
}

// Authorize returns AUTHORIZATION_DENIED when CanTransition is false.
func Authorize(actor auth.Actor, v Visit, t Transition) error {
	if CanTransition(actor, v, t) {
		return nil
	}
	var allowed []string
	if clientTransitions[t] {
		allowed = append(allowed, "client owner")
	}
	if workerTransitions[t] {
		allowed = append(allowed, "assigned worker")
	}
	allowed = append(allowed, "ADMIN", "SUPERVISOR")
	return apperr.Forbidden("actor %s may not %s visit %s", actor.ID, strings.ToLower(string(t)), v.ID).
		WithState(strings.Join(allowed, " or "), string(actor.Role))
}

// rule is the legal source states of a transition and its target.
type rule struct {
	from []Status
	to   Status
}

var rules = map[Transition]rule{
	TransitionUpdate:     {from: []Status{StatusScheduled, StatusConfirmed, StatusInProgress}},
	TransitionConfirm:    {from: []Status{StatusScheduled}, to: StatusConfirmed},
	TransitionCheckIn:    {from: []Status{StatusScheduled, StatusConfirmed}, to: StatusInProgress},
	TransitionCheckOut:   {from: []Status{StatusInProgress}, to: StatusCompleted},
	TransitionReschedule: {from: []Status{StatusScheduled, StatusConfirmed, StatusInProgress}, to: StatusRescheduled},
	TransitionCancel:     {from: []Status{StatusScheduled, StatusConfirmed, StatusInProgress}, to: StatusCancelled},
	TransitionNoShow:     {from: []Status{StatusScheduled, StatusConfirmed}, to: StatusNoShow},
	TransitionReview:     {from: []Status{StatusCompleted}, to: StatusCompleted},
}

// Allowed reports whether t may start from s.
func Allowed(s Status, t Transition) bool {
	for _, from := range rules[t].from {
		if from == s {
			return true
		}
	}
	return false
}

// checkState returns BUSINESS_RULE_VIOLATION when t may not start from the
// visit's current status.
func checkState(v Visit, t Transition) error {
	if Allowed(v.Status, t) {
		return nil
	}
	err := apperr.BusinessRule("cannot %s a visit that is %s", strings.ToLower(string(t)), v.Status)
	if v.Status.Terminal() {
		err = apperr.BusinessRule("visit %s is already %s and cannot %s", v.ID, v.Status, strings.ToLower(string(t)))
	}
	return err.WithField("status").
		WithState(strings.Join(statusValues(rules[t].from...), "|"), string(v.Status))
}
