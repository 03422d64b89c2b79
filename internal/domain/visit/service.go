// Package visit is the visit lifecycle engine: scheduling with worker
// double-booking protection, the check-in/check-out state machine,
// rescheduling chains, cancellation, access evaluation and statistics.
//
// Every transition runs in one transaction that re-reads the visit, writes
// it under its version, and records one summary audit entry and one
// lifecycle event once the transaction has committed.
package visit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/careplan"
	"github.com/carelink/carelink/internal/domain/identity"
	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/clock"
	"github.com/carelink/carelink/internal/platform/events"
	"github.com/carelink/carelink/internal/platform/hipaa"
	"github.com/carelink/carelink/internal/platform/metrics"
	"github.com/carelink/carelink/internal/platform/store"
	"github.com/carelink/carelink/pkg/pagination"
)

// DefaultDuration applies when a visit is created without an end or a
// duration.
const DefaultDuration = 60 * time.Minute

// Deps are the collaborators of the engine. DB, Users and CarePlans are
// required.
type Deps struct {
	DB              store.DB
	Users           *store.Repository[identity.User]
	CarePlans       *store.Repository[careplan.CarePlan]
	Audit           hipaa.Recorder
	Events          events.Publisher
	Metrics         *metrics.Collectors
	Cipher          hipaa.FieldCipher
	Clock           clock.Clock
	Logger          zerolog.Logger
	DefaultDuration time.Duration
}

type Service struct {
	db             store.DB
	visits         *store.Repository[Visit]
	users          *store.Repository[identity.User]
	plans          *store.Repository[careplan.CarePlan]
	audit          hipaa.Recorder
	events         events.Publisher
	metrics        *metrics.Collectors
	clock          clock.Clock
	cipher         hipaa.FieldCipher
	logger         zerolog.Logger
	defaultMinutes int
}

func NewService(d Deps) *Service {
	if d.Audit == nil {
		d.Audit = hipaa.Nop
	}
	if d.Events == nil {
		d.Events = events.Nop
	}
	if d.Cipher == nil {
		d.Cipher = hipaa.PlainCipher{}
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.DefaultDuration <= 0 {
		d.DefaultDuration = DefaultDuration
	}
	return &Service{
		db:             d.DB,
		visits:         store.NewRepository(d.DB, newTable(d.Cipher), d.Audit, d.Clock),
		users:          d.Users,
		plans:          d.CarePlans,
		audit:          d.Audit,
		events:         d.Events,
		metrics:        d.Metrics,
		clock:          d.Clock,
		cipher:         d.Cipher,
		logger:         d.Logger.With().Str("component", "visit").Logger(),
		defaultMinutes: int(d.DefaultDuration / time.Minute),
	}
}

// CreateInput schedules a visit. An explicit ScheduledEndAt wins over
// Duration; with neither, the default duration applies.
type CreateInput struct {
	ClientID          uuid.UUID  `json:"client_id"`
	WorkerID          uuid.UUID  `json:"worker_id"`
	CarePlanID        *uuid.UUID `json:"care_plan_id"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	ScheduledEndAt    *time.Time `json:"scheduled_end_at"`
	Duration          *int       `json:"duration"`
	VisitType         *string    `json:"visit_type"`
	Location          *string    `json:"location"`
	Notes             *string    `json:"notes"`
	PrivateNotes      *string    `json:"private_notes"`
	PlannedActivities []string   `json:"planned_activities"`
}

// UpdateInput edits the descriptive fields of a visit that is still open.
// Times change only through Reschedule.
type UpdateInput struct {
	VisitType         store.Optional[*string]  `json:"visit_type"`
	Location          store.Optional[*string]  `json:"location"`
	Notes             store.Optional[*string]  `json:"notes"`
	PrivateNotes      store.Optional[*string]  `json:"private_notes"`
	PlannedActivities store.Optional[[]string] `json:"planned_activities"`
}

type CheckInInput struct {
	Location *string `json:"location"`
	Notes    *string `json:"notes"`
}

type CheckOutInput struct {
	Notes               *string         `json:"notes"`
	Activities          []string        `json:"activities"`
	Vitals              json.RawMessage `json:"vitals"`
	Medications         json.RawMessage `json:"medications"`
	ClientSatisfaction  *int            `json:"client_satisfaction"`
	FollowUpRequired    bool            `json:"follow_up_required"`
	FollowUpReason      string          `json:"follow_up_reason"`
	IncidentOccurred    bool            `json:"incident_occurred"`
	IncidentDescription string          `json:"incident_description"`
}

// RescheduleInput moves a visit. Without ScheduledEndAt or Duration the
// original duration is kept.
type RescheduleInput struct {
	ScheduledAt    time.Time  `json:"scheduled_at"`
	ScheduledEndAt *time.Time `json:"scheduled_end_at"`
	Duration       *int       `json:"duration"`
	Reason         string     `json:"reason"`
}

// RescheduleResult holds the retired original and its replacement.
type RescheduleResult struct {
	Original Visit `json:"original"`
	Visit    Visit `json:"visit"`
}

type ReviewInput struct {
	ClientSatisfaction int `json:"client_satisfaction"`
}

// ListFilter narrows a visit listing. From and To bound scheduled_at.
type ListFilter struct {
	ClientID uuid.UUID
	WorkerID uuid.UUID
	Status   Status
	From     *time.Time
	To       *time.Time
}

func (f ListFilter) conditions() []store.Cond {
	var where []store.Cond
	if f.ClientID != uuid.Nil {
		where = append(where, store.Eq("client_id", f.ClientID))
	}
	if f.WorkerID != uuid.Nil {
		where = append(where, store.Eq("worker_id", f.WorkerID))
	}
	if f.Status != "" {
		where = append(where, store.Eq("status", string(f.Status)))
	}
	if f.From != nil {
		where = append(where, store.Gte("scheduled_at", *f.From))
	}
	if f.To != nil {
		where = append(where, store.Lte("scheduled_at", *f.To))
	}
	return where
}

func checkActor(actor auth.Actor) error {
	if actor.ID == uuid.Nil {
		return apperr.Validation("actor_id", "an actor id is required")
	}
	return nil
}

// scope restricts non-privileged actors to their own visits.
func scope(f ListFilter, actor auth.Actor) (ListFilter, error) {
	switch actor.Role {
	case auth.RoleAdmin, auth.RoleSupervisor:
		return f, nil
	case auth.RoleClient:
		if f.ClientID != uuid.Nil && f.ClientID != actor.ID {
			return f, apperr.Forbidden("clients may only see their own visits")
		}
		f.ClientID = actor.ID
	case auth.RoleWorker:
		if f.WorkerID != uuid.Nil && f.WorkerID != actor.ID {
			return f, apperr.Forbidden("workers may only see their own visits")
		}
		f.WorkerID = actor.ID
	default:
		return f, apperr.Forbidden("role %q may not read visits", actor.Role)
	}
	return f, nil
}

// window resolves the half-open slot [start, end) and its length in minutes.
func window(start time.Time, end *time.Time, duration *int, fallback int) (time.Time, time.Time, int, error) {
	if start.IsZero() {
		return start, start, 0, apperr.Validation("scheduled_at", "scheduled_at is required")
	}
	if end != nil {
		if !end.After(start) {
			return start, start, 0, apperr.Validation("scheduled_end_at", "scheduled_end_at must be after scheduled_at")
		}
		minutes := int(math.Round(end.Sub(start).Minutes()))
		if minutes < 1 {
			return start, start, 0, apperr.Validation("scheduled_end_at", "a visit must last at least one minute")
		}
		return start, *end, minutes, nil
	}
	minutes := fallback
	if duration != nil {
		minutes = *duration
	}
	if minutes <= 0 {
		return start, start, 0, apperr.Validation("duration", "duration must be positive")
	}
	return start, start.Add(time.Duration(minutes) * time.Minute), minutes, nil
}

// appendNotes joins incoming onto existing with a newline. A blank incoming
// note leaves existing unchanged and returns nil.
func appendNotes(existing, incoming *string) *string {
	if incoming == nil || strings.TrimSpace(*incoming) == "" {
		return nil
	}
	note := strings.TrimSpace(*incoming)
	if existing != nil && *existing != "" {
		note = *existing + "\n" + note
	}
	return &note
}

func (s *Service) seal(p *string) (*string, error) {
	if p == nil {
		return nil, nil
	}
	sealed, err := s.cipher.Seal(*p)
	if err != nil {
		return nil, apperr.Store("seal private notes", err)
	}
	return &sealed, nil
}

// snapshot renders v for the audit log. Private notes never leave the
// visits table in clear text.
func (s *Service) snapshot(v Visit) map[string]any {
	snap := s.visits.Snapshot(v)
	if v.PrivateNotes != nil {
		snap["private_notes"] = hipaa.RedactedMarker
	}
	return snap
}

// checkConflict fails when the worker already holds a booked visit whose
// slot overlaps [start, end). exclude is left out of the scan.
func (s *Service) checkConflict(ctx context.Context, tx store.Tx, workerID uuid.UUID, start, end time.Time, exclude uuid.UUID) error {
	where := []store.Cond{
		store.Eq("worker_id", workerID),
		store.In("status", statusValues(bookedStatuses...)...),
		store.Lt("scheduled_at", end),
		store.Gt("scheduled_end_at", start),
	}
	if exclude != uuid.Nil {
		where = append(where, store.Neq(store.ColID, exclude))
	}
	clash, err := s.visits.FindTx(ctx, tx, store.Query{Where: where, Order: []store.Order{{Column: "scheduled_at"}}, Limit: 1})
	if err != nil {
		return err
	}
	if len(clash) > 0 {
		c := clash[0]
		return apperr.Conflict("worker %s already has visit %s from %s to %s",
			workerID, c.ID, c.ScheduledAt.Format(time.RFC3339), c.ScheduledEndAt.Format(time.RFC3339)).
			WithField("scheduled_at")
	}
	return nil
}

// change describes one committed transition for the audit trail and the
// event stream.
type change struct {
	transition Transition
	action     hipaa.Action
	before     *Visit
	after      Visit
	actor      auth.Actor
	reason     string
	payload    map[string]any
	related    []hipaa.Entry
}

var eventTypes = map[Transition]string{
	TransitionCreate:     events.VisitCreated,
	TransitionUpdate:     events.VisitUpdated,
	TransitionConfirm:    events.VisitConfirmed,
	TransitionCheckIn:    events.VisitCheckedIn,
	TransitionCheckOut:   events.VisitCheckedOut,
	TransitionReschedule: events.VisitRescheduled,
	TransitionCancel:     events.VisitCancelled,
	TransitionNoShow:     events.VisitNoShow,
	TransitionReview:     events.VisitReviewed,
}

// afterCommit registers the summary audit entry, any related entries and
// the lifecycle event to run once tx commits.
func (s *Service) afterCommit(tx store.Tx, c change) {
	meta := map[string]any{
		"transition": string(c.transition),
		"status":     string(c.after.Status),
	}
	entry := hipaa.Entry{
		EntityType: EntityVisit,
		EntityID:   c.after.ID.String(),
		Action:     c.action,
		NewValues:  s.snapshot(c.after),
		ActorID:    c.actor.ID,
		Reason:     c.reason,
		Metadata:   meta,
	}
	ev := events.Event{
		ID:         uuid.New(),
		Type:       eventTypes[c.transition],
		VisitID:    c.after.ID,
		ClientID:   c.after.ClientID,
		WorkerID:   c.after.WorkerID,
		Status:     string(c.after.Status),
		Version:    c.after.Version,
		ActorID:    c.actor.ID,
		OccurredAt: c.after.UpdatedAt,
		Data:       c.payload,
	}
	if c.before != nil {
		entry.OldValues = s.snapshot(*c.before)
		meta["previous_status"] = string(c.before.Status)
		ev.PreviousStatus = string(c.before.Status)
	}
	for k, v := range c.payload {
		meta[k] = v
	}

	tx.OnCommit(func(ctx context.Context) {
		s.audit.Record(ctx, entry)
		for _, e := range c.related {
			s.audit.Record(ctx, e)
		}
		s.events.Publish(ctx, ev)
	})
}

func (s *Service) observe(t Transition, err error) {
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(apperr.KindOf(err)))
	}
	s.metrics.ObserveTransition(string(t), outcome)
	if apperr.Is(err, apperr.KindStore) {
		s.logger.Error().Err(err).Str("transition", string(t)).Msg("visit transition failed")
	}
}

// Create schedules a visit. Inside one transaction it takes the worker's
// row lock, checks both parties, scans the worker's booked slots for an
// overlap and checks the care plan belongs to the client.
func (s *Service) Create(ctx context.Context, in CreateInput, actor auth.Actor) (Visit, error) {
	v, err := s.create(ctx, in, actor)
	s.observe(TransitionCreate, err)
	return v, err
}

func (s *Service) create(ctx context.Context, in CreateInput, actor auth.Actor) (Visit, error) {
	if err := checkActor(actor); err != nil {
		return Visit{}, err
	}
	if in.ClientID == uuid.Nil {
		return Visit{}, apperr.Validation("client_id", "client_id is required")
	}
	if in.WorkerID == uuid.Nil {
		return Visit{}, apperr.Validation("worker_id", "worker_id is required")
	}
	start, end, minutes, err := window(in.ScheduledAt, in.ScheduledEndAt, in.Duration, s.defaultMinutes)
	if err != nil {
		return Visit{}, err
	}
	private, err := s.seal(in.PrivateNotes)
	if err != nil {
		return Visit{}, err
	}

	var created Visit
	err = store.Run(ctx, s.db, func(ctx context.Context, tx store.Tx) error {
		if err := s.users.LockTx(ctx, tx, in.WorkerID); err != nil {
			return err
		}
		if _, err := identity.Lookup(ctx, tx, s.users, in.ClientID, auth.RoleClient); err != nil {
			return err
		}
		if _, err := identity.Lookup(ctx, tx, s.users, in.WorkerID, auth.RoleWorker); err != nil {
			return err
		}
		if err := s.checkConflict(ctx, tx, in.WorkerID, start, end, uuid.Nil); err != nil {
			return err
		}
		if in.CarePlanID != nil {
			if err := careplan.CheckOwnership(ctx, tx, s.plans, *in.CarePlanID, in.ClientID); err != nil {
				return err
			}
		}

		var err error
		created, err = s.visits.CreateTx(ctx, tx, Visit{
			ClientID:          in.ClientID,
			WorkerID:          in.WorkerID,
			CarePlanID:        in.CarePlanID,
			Status:            StatusScheduled,
			VisitType:         in.VisitType,
			Location:          in.Location,
			ScheduledAt:       start,
			ScheduledEndAt:    end,
			Duration:          minutes,
			Notes:             in.Notes,
			PrivateNotes:      private,
			PlannedActivities: in.PlannedActivities,
		}, actor.ID)
		if err != nil {
			return err
		}
		s.afterCommit(tx, change{
			transition: TransitionCreate,
			action:     hipaa.ActionCreate,
			after:      created,
			actor:      actor,
		})
		return nil
	})
	if err != nil {
		return Visit{}, err
	}
	return created, nil
}

// outcome is what a transition step writes and reports.
type outcome struct {
	patch   store.Patch
	payload map[string]any
	reason  string
	related []hipaa.Entry
}

type step func(ctx context.Context, tx store.Tx, cur Visit) (outcome, error)

// apply runs one transition on visit id: re-read, version check, access and
// state checks, the step itself, then one versioned write.
func (s *Service) apply(ctx context.Context, id uuid.UUID, expectedVersion int, actor auth.Actor, t Transition, fn step) (Visit, error) {
	if err := checkActor(actor); err != nil {
		s.observe(t, err)
		return Visit{}, err
	}
	var after Visit
	err := store.Run(ctx, s.db, func(ctx context.Context, tx store.Tx) error {
		cur, err := s.visits.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if expectedVersion != 0 && expectedVersion != cur.Version {
			return apperr.OptimisticLock(EntityVisit, id.String(), expectedVersion).
				WithState(fmt.Sprintf("version %d", expectedVersion), fmt.Sprintf("version %d", cur.Version))
		}
		switch t {
		case TransitionCheckIn, TransitionCheckOut:
			if actor.ID != cur.WorkerID {
				return apperr.BusinessRule("only the assigned worker can %s", strings.ToLower(string(t))).
					WithField("worker_id").
					WithState(cur.WorkerID.String(), actor.ID.String())
			}
		default:
			if err := Authorize(actor, cur, t); err != nil {
				return err
			}
		}
		if err := checkState(cur, t); err != nil {
			return err
		}

		out, err := fn(ctx, tx, cur)
		if err != nil {
			return err
		}
		if out.patch == nil {
			out.patch = store.Patch{}
		}
		if to := rules[t].to; to != "" && to != cur.Status {
			out.patch.Set("status", string(to))
		}

		action := hipaa.ActionUpdate
		if t == TransitionCancel {
			action = hipaa.ActionDelete
			after, err = s.visits.SoftDeleteTx(ctx, tx, id, cur.Version, actor.ID, out.patch)
		} else {
			after, err = s.visits.UpdateTx(ctx, tx, id, out.patch, cur.Version, actor.ID)
		}
		if err != nil {
			return err
		}
		s.afterCommit(tx, change{
			transition: t,
			action:     action,
			before:     &cur,
			after:      after,
			actor:      actor,
			reason:     out.reason,
			payload:    out.payload,
			related:    out.related,
		})
		return nil
	})
	s.observe(t, err)
	if err != nil {
		return Visit{}, err
	}
	return after, nil
}

// Update edits descriptive fields of a visit that has not finished.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput, expectedVersion int, actor auth.Actor) (Visit, error) {
	patch := store.Patch{}
	in.VisitType.SetIn(patch, "visit_type")
	in.Location.SetIn(patch, "location")
	in.Notes.SetIn(patch, "notes")
	if in.PlannedActivities.Present {
		patch.Set("planned_activities", nonNil(in.PlannedActivities.Value))
	}
	if in.PrivateNotes.Present {
		private, err := s.seal(in.PrivateNotes.Value)
		if err != nil {
			return Visit{}, err
		}
		patch.Set("private_notes", private)
	}
	if len(patch) == 0 {
		return Visit{}, apperr.Validation("", "no fields to update")
	}
	return s.apply(ctx, id, expectedVersion, actor, TransitionUpdate, func(context.Context, store.Tx, Visit) (outcome, error) {
		fields := make([]string, 0, len(patch))
		for k := range patch {
			fields = append(fields, k)
		}
		return outcome{patch: patch, payload: map[string]any{"fields": fields}}, nil
	})
}

// Confirm moves a SCHEDULED visit to CONFIRMED.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, expectedVersion int, actor auth.Actor) (Visit, error) {
	return s.apply(ctx, id, expectedVersion, actor, TransitionConfirm, func(context.Context, store.Tx, Visit) (outcome, error) {
		return outcome{}, nil
	})
}

// CheckIn starts the visit. Only the assigned worker may check in.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID, in CheckInInput, expectedVersion int, actor auth.Actor) (Visit, error) {
	return s.apply(ctx, id, expectedVersion, actor, TransitionCheckIn, func(_ context.Context, _ store.Tx, cur Visit) (outcome, error) {
		now := s.clock.Now()
		patch := store.Patch{}
		patch.Set("actual_start_at", now)
		if in.Location != nil && strings.TrimSpace(*in.Location) != "" {
			patch.Set("location", strings.TrimSpace(*in.Location))
		}
		if notes := appendNotes(cur.WorkerNotes, in.Notes); notes != nil {
			patch.Set("worker_notes", *notes)
		}
		return outcome{patch: patch, payload: map[string]any{"actual_start_at": now}}, nil
	})
}

func validateCheckOut(in CheckOutInput) error {
	if in.FollowUpRequired && strings.TrimSpace(in.FollowUpReason) == "" {
		return apperr.Validation("follow_up_reason", "follow_up_reason is required when follow_up_required is set")
	}
	if in.IncidentOccurred && strings.TrimSpace(in.IncidentDescription) == "" {
		return apperr.Validation("incident_description", "incident_description is required when incident_occurred is set")
	}
	if in.ClientSatisfaction != nil && (*in.ClientSatisfaction < 1 || *in.ClientSatisfaction > 5) {
		return apperr.Validation("client_satisfaction", "client_satisfaction must be between 1 and 5")
	}
	for field, raw := range map[string]json.RawMessage{"vitals": in.Vitals, "medications": in.Medications} {
		if len(raw) > 0 && !json.Valid(raw) {
			return apperr.Validation(field, "%s must be valid JSON", field)
		}
	}
	return nil
}

// CheckOut completes the visit. Companion fields are validated before the
// transaction opens; follow-up and incident records are audited on their
// own after commit.
func (s *Service) CheckOut(ctx context.Context, id uuid.UUID, in CheckOutInput, expectedVersion int, actor auth.Actor) (Visit, error) {
	if err := validateCheckOut(in); err != nil {
		s.observe(TransitionCheckOut, err)
		return Visit{}, err
	}
	return s.apply(ctx, id, expectedVersion, actor, TransitionCheckOut, func(_ context.Context, _ store.Tx, cur Visit) (outcome, error) {
		now := s.clock.Now()
		minutes := 0
		if cur.ActualStartAt != nil {
			minutes = int(math.Round(now.Sub(*cur.ActualStartAt).Minutes()))
		}

		patch := store.Patch{}
		patch.Set("actual_end_at", now)
		patch.Set("actual_duration", minutes)
		patch.Set("documentation_complete", true)
		if notes := appendNotes(cur.WorkerNotes, in.Notes); notes != nil {
			patch.Set("worker_notes", *notes)
		}
		if in.Activities != nil {
			patch.Set("activities", in.Activities)
		}
		if len(in.Vitals) > 0 {
			patch.Set("vitals", in.Vitals)
		}
		if len(in.Medications) > 0 {
			patch.Set("medications", in.Medications)
		}
		if in.ClientSatisfaction != nil {
			patch.Set("client_satisfaction", *in.ClientSatisfaction)
		}

		var related []hipaa.Entry
		if in.FollowUpRequired {
			reason := strings.TrimSpace(in.FollowUpReason)
			patch.Set("follow_up_required", true)
			patch.Set("follow_up_reason", reason)
			related = append(related, hipaa.Entry{
				EntityType:   EntityFollowUp,
				EntityID:     cur.ID.String(),
				Action:       hipaa.ActionCreate,
				DataAccessed: hipaa.ClassPHI,
				ActorID:      actor.ID,
				NewValues: map[string]any{
					"visit_id":  cur.ID.String(),
					"client_id": cur.ClientID.String(),
					"worker_id": cur.WorkerID.String(),
					"reason":    reason,
				},
			})
		}
		if in.IncidentOccurred {
			description := strings.TrimSpace(in.IncidentDescription)
			patch.Set("incident_occurred", true)
			patch.Set("incident_description", description)
			related = append(related, hipaa.Entry{
				EntityType:   EntityIncident,
				EntityID:     cur.ID.String(),
				Action:       hipaa.ActionCreate,
				DataAccessed: hipaa.ClassPHI,
				ActorID:      actor.ID,
				NewValues: map[string]any{
					"visit_id":    cur.ID.String(),
					"client_id":   cur.ClientID.String(),
					"worker_id":   cur.WorkerID.String(),
					"description": description,
					"occurred_at": now,
				},
			})
		}

		return outcome{
			patch: patch,
			payload: map[string]any{
				"actual_duration":    minutes,
				"follow_up_required": in.FollowUpRequired,
				"incident_occurred":  in.IncidentOccurred,
			},
			related: related,
		}, nil
	})
}

// Reschedule retires the visit as RESCHEDULED and creates its replacement
// in the new slot, linked both ways, in one transaction.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, in RescheduleInput, expectedVersion int, actor auth.Actor) (RescheduleResult, error) {
	res, err := s.reschedule(ctx, id, in, expectedVersion, actor)
	s.observe(TransitionReschedule, err)
	return res, err
}

func (s *Service) reschedule(ctx context.Context, id uuid.UUID, in RescheduleInput, expectedVersion int, actor auth.Actor) (RescheduleResult, error) {
	if err := checkActor(actor); err != nil {
		return RescheduleResult{}, err
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return RescheduleResult{}, apperr.Validation("reason", "a reason is required to reschedule")
	}

	var res RescheduleResult
	err := store.Run(ctx, s.db, func(ctx context.Context, tx store.Tx) error {
		cur, err := s.visits.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if expectedVersion != 0 && expectedVersion != cur.Version {
			return apperr.OptimisticLock(EntityVisit, id.String(), expectedVersion).
				WithState(fmt.Sprintf("version %d", expectedVersion), fmt.Sprintf("version %d", cur.Version))
		}
		if err := Authorize(actor, cur, TransitionReschedule); err != nil {
			return err
		}
		if err := checkState(cur, TransitionReschedule); err != nil {
			return err
		}
		start, end, minutes, err := window(in.ScheduledAt, in.ScheduledEndAt, in.Duration, cur.Duration)
		if err != nil {
			return err
		}
		if err := s.users.LockTx(ctx, tx, cur.WorkerID); err != nil {
			return err
		}
		if err := s.checkConflict(ctx, tx, cur.WorkerID, start, end, cur.ID); err != nil {
			return err
		}

		next, err := s.visits.CreateTx(ctx, tx, Visit{
			ClientID:          cur.ClientID,
			WorkerID:          cur.WorkerID,
			CarePlanID:        cur.CarePlanID,
			Status:            StatusScheduled,
			VisitType:         cur.VisitType,
			Location:          cur.Location,
			ScheduledAt:       start,
			ScheduledEndAt:    end,
			Duration:          minutes,
			Activities:        cur.Activities,
			PlannedActivities: cur.PlannedActivities,
			Notes:             cur.Notes,
			RescheduledFrom:   &cur.ID,
		}, actor.ID)
		if err != nil {
			return err
		}

		patch := store.Patch{}
		patch.Set("status", string(StatusRescheduled))
		patch.Set("rescheduled_to", next.ID)
		patch.Set("cancellation_reason", "Rescheduled: "+reason)
		original, err := s.visits.UpdateTx(ctx, tx, cur.ID, patch, cur.Version, actor.ID)
		if err != nil {
			return err
		}

		s.afterCommit(tx, change{
			transition: TransitionReschedule,
			action:     hipaa.ActionUpdate,
			before:     &cur,
			after:      original,
			actor:      actor,
			reason:     reason,
			payload: map[string]any{
				"new_visit_id":     next.ID.String(),
				"scheduled_at":     start,
				"scheduled_end_at": end,
			},
		})
		res = RescheduleResult{Original: original, Visit: next}
		return nil
	})
	if err != nil {
		return RescheduleResult{}, err
	}
	return res, nil
}

// Cancel sets CANCELLED and soft-deletes the visit in the same versioned
// write.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string, expectedVersion int, actor auth.Actor) (Visit, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		err := apperr.Validation("reason", "a reason is required to cancel")
		s.observe(TransitionCancel, err)
		return Visit{}, err
	}
	return s.apply(ctx, id, expectedVersion, actor, TransitionCancel, func(context.Context, store.Tx, Visit) (outcome, error) {
		patch := store.Patch{}
		patch.Set("cancellation_reason", reason)
		return outcome{patch: patch, reason: reason}, nil
	})
}

// MarkNoShow records that the client was absent. It is only possible once
// the scheduled start has passed.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, reason string, expectedVersion int, actor auth.Actor) (Visit, error) {
	return s.apply(ctx, id, expectedVersion, actor, TransitionNoShow, func(_ context.Context, _ store.Tx, cur Visit) (outcome, error) {
		now := s.clock.Now()
		if now.Before(cur.ScheduledAt) {
			return outcome{}, apperr.BusinessRule("visit %s has not started yet", cur.ID).
				WithField("scheduled_at").
				WithState("after "+cur.ScheduledAt.Format(time.RFC3339), now.Format(time.RFC3339))
		}
		patch := store.Patch{}
		reason = strings.TrimSpace(reason)
		if reason != "" {
			patch.Set("cancellation_reason", reason)
		}
		return outcome{patch: patch, reason: reason}, nil
	})
}

// Review records the client's satisfaction with a completed visit. A visit
// is reviewed once.
func (s *Service) Review(ctx context.Context, id uuid.UUID, in ReviewInput, expectedVersion int, actor auth.Actor) (Visit, error) {
	if in.ClientSatisfaction < 1 || in.ClientSatisfaction > 5 {
		err := apperr.Validation("client_satisfaction", "client_satisfaction must be between 1 and 5")
		s.observe(TransitionReview, err)
		return Visit{}, err
	}
	return s.apply(ctx, id, expectedVersion, actor, TransitionReview, func(_ context.Context, _ store.Tx, cur Visit) (outcome, error) {
		if cur.ReviewedAt != nil {
			return outcome{}, apperr.BusinessRule("visit %s has already been reviewed", cur.ID).
				WithField("reviewed_at")
		}
		patch := store.Patch{}
		patch.Set("client_satisfaction", in.ClientSatisfaction)
		patch.Set("reviewed_at", s.clock.Now())
		patch.Set("reviewed_by", actor.ID)
		return outcome{patch: patch, payload: map[string]any{"client_satisfaction": in.ClientSatisfaction}}, nil
	})
}

// Get returns a live visit the actor may view.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor auth.Actor) (Visit, error) {
	if err := checkActor(actor); err != nil {
		return Visit{}, err
	}
	return s.visits.FindAuthorized(ctx, id, actor.ID, func(v Visit) error {
		return Authorize(actor, v, TransitionView)
	})
}

// List returns live visits ordered by scheduled start. Clients and workers
// only see their own.
func (s *Service) List(ctx context.Context, f ListFilter, pg pagination.Params, actor auth.Actor) ([]Visit, int, error) {
	if err := checkActor(actor); err != nil {
		return nil, 0, err
	}
	f, err := scope(f, actor)
	if err != nil {
		return nil, 0, err
	}
	where := f.conditions()
	total, err := s.visits.Count(ctx, where)
	if err != nil {
		return nil, 0, err
	}
	visits, err := s.visits.FindMany(ctx, store.Query{
		Where:  where,
		Order:  []store.Order{{Column: "scheduled_at"}},
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}, actor.ID)
	if err != nil {
		return nil, 0, err
	}
	return visits, total, nil
}
