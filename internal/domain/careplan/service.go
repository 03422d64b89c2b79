package careplan

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/domain/identity"
	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/clock"
	"github.com/carelink/carelink/internal/platform/hipaa"
	"github.com/carelink/carelink/internal/platform/store"
	"github.com/carelink/carelink/pkg/pagination"
)

type Service struct {
	db    store.DB
	plans *store.Repository[CarePlan]
	users *store.Repository[identity.User]
	audit hipaa.Recorder
}

func NewService(db store.DB, users *store.Repository[identity.User], audit hipaa.Recorder, clk clock.Clock) *Service {
	if audit == nil {
		audit = hipaa.Nop
	}
	return &Service{
		db:    db,
		plans: store.NewRepository(db, Table, audit, clk),
		users: users,
		audit: audit,
	}
}

// Repository exposes the care plan repository for use inside other
// services' transactions.
func (s *Service) Repository() *store.Repository[CarePlan] {
	return s.plans
}

func checkDates(start, end *time.Time) error {
	if start != nil && end != nil && !end.After(*start) {
		return apperr.Validation("end_date", "end_date must be after start_date")
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in CreateInput, actor auth.Actor) (CarePlan, error) {
	if in.ClientID == uuid.Nil {
		return CarePlan{}, apperr.Validation("client_id", "client_id is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return CarePlan{}, apperr.Validation("title", "title is required")
	}
	status := strings.ToUpper(in.Status)
	if status == "" {
		status = StatusDraft
	}
	if !validStatuses[status] {
		return CarePlan{}, apperr.Validation("status", "invalid status: %s", in.Status)
	}
	if err := checkDates(in.StartDate, in.EndDate); err != nil {
		return CarePlan{}, err
	}

	var created CarePlan
	err := store.Run(ctx, s.db, func(ctx context.Context, tx store.Tx) error {
		if _, err := identity.Lookup(ctx, tx, s.users, in.ClientID, auth.RoleClient); err != nil {
			return err
		}
		var err error
		created, err = s.plans.CreateTx(ctx, tx, CarePlan{
			ClientID:    in.ClientID,
			Title:       title,
			Description: in.Description,
			Status:      status,
			StartDate:   in.StartDate,
			EndDate:     in.EndDate,
			Goals:       in.Goals,
		}, actor.ID)
		if err != nil {
			return err
		}
		snapshot := s.plans.Snapshot(created)
		tx.OnCommit(func(ctx context.Context) {
			s.audit.Record(ctx, hipaa.Entry{
				EntityType: EntityCarePlan,
				EntityID:   created.ID.String(),
				Action:     hipaa.ActionCreate,
				NewValues:  snapshot,
				ActorID:    actor.ID,
			})
		})
		return nil
	})
	return created, err
}

// canView reports whether actor may see plans of clientID. Clients only see
// their own.
func canView(actor auth.Actor, clientID uuid.UUID) bool {
	return actor.Role != auth.RoleClient || actor.ID == clientID
}

func (s *Service) Get(ctx context.Context, id uuid.UUID, actor auth.Actor) (CarePlan, error) {
	return s.plans.FindAuthorized(ctx, id, actor.ID, func(cp CarePlan) error {
		if !canView(actor, cp.ClientID) {
			return apperr.Forbidden("care plan %s belongs to another client", id)
		}
		return nil
	})
}

func (s *Service) ListByClient(ctx context.Context, clientID uuid.UUID, status string, pg pagination.Params, actor auth.Actor) ([]CarePlan, int, error) {
	if !canView(actor, clientID) {
		return nil, 0, apperr.Forbidden("clients may only list their own care plans")
	}
	where := []store.Cond{store.Eq("client_id", clientID)}
	if status != "" {
		status = strings.ToUpper(status)
		if !validStatuses[status] {
			return nil, 0, apperr.Validation("status", "invalid status: %s", status)
		}
		where = append(where, store.Eq("status", status))
	}
	total, err := s.plans.Count(ctx, where)
	if err != nil {
		return nil, 0, err
	}
	plans, err := s.plans.FindMany(ctx, store.Query{
		Where:  where,
		Order:  []store.Order{{Column: store.ColCreatedAt, Desc: true}},
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}, actor.ID)
	if err != nil {
		return nil, 0, err
	}
	return plans, total, nil
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput, expectedVersion int, actor auth.Actor) (CarePlan, error) {
	patch := store.Patch{}
	if in.Title.Present {
		title := strings.TrimSpace(in.Title.Value)
		if title == "" {
			return CarePlan{}, apperr.Validation("title", "title cannot be empty")
		}
		patch.Set("title", title)
	}
	if in.Status.Present {
		status := strings.ToUpper(in.Status.Value)
		if !validStatuses[status] {
			return CarePlan{}, apperr.Validation("status", "invalid status: %s", in.Status.Value)
		}
		patch.Set("status", status)
	}
	in.Description.SetIn(patch, "description")
	in.StartDate.SetIn(patch, "start_date")
	in.EndDate.SetIn(patch, "end_date")
	if in.Goals.Present {
		goals := in.Goals.Value
		if goals == nil {
			goals = []string{}
		}
		patch.Set("goals", goals)
	}
	if len(patch) == 0 {
		return CarePlan{}, apperr.Validation("", "no fields to update")
	}

	var updated CarePlan
	err := store.Run(ctx, s.db, func(ctx context.Context, tx store.Tx) error {
		before, err := s.plans.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkDates(in.StartDate.Get(before.StartDate), in.EndDate.Get(before.EndDate)); err != nil {
			return err
		}
		if updated, err = s.plans.UpdateTx(ctx, tx, id, patch, expectedVersion, actor.ID); err != nil {
			return err
		}
		old, cur := s.plans.Snapshot(before), s.plans.Snapshot(updated)
		tx.OnCommit(func(ctx context.Context) {
			s.audit.Record(ctx, hipaa.Entry{
				EntityType: EntityCarePlan,
				EntityID:   id.String(),
				Action:     hipaa.ActionUpdate,
				OldValues:  old,
				NewValues:  cur,
				ActorID:    actor.ID,
			})
		})
		return nil
	})
	return updated, err
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID, expectedVersion int, actor auth.Actor, reason string) error {
	return s.plans.SoftDelete(ctx, id, expectedVersion, actor.ID, reason)
}

// CheckOwnership loads a live plan inside tx and checks it belongs to
// clientID.
func CheckOwnership(ctx context.Context, tx store.Tx, repo *store.Repository[CarePlan], id, clientID uuid.UUID) error {
	cp, err := repo.GetTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if cp.ClientID != clientID {
		return apperr.BusinessRule("care plan %s does not belong to client %s", id, clientID).
			WithField("care_plan_id")
	}
	return nil
}
