package identity

import (
	"context"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/clock"
	"github.com/carelink/carelink/internal/platform/hipaa"
	"github.com/carelink/carelink/internal/platform/store"
	"github.com/carelink/carelink/pkg/pagination"
)

type Service struct {
	users *store.Repository[User]
}

func NewService(db store.DB, audit hipaa.Recorder, clk clock.Clock) *Service {
	return &Service{users: store.NewRepository(db, Table, audit, clk)}
}

// Repository exposes the user repository so other services can read users
// inside their own transactions.
func (s *Service) Repository() *store.Repository[User] {
	return s.users
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", apperr.Validation("email", "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validation("email", "invalid email address %q", email)
	}
	return email, nil
}

func parseRole(s string) (auth.Role, error) {
	role, ok := auth.ParseRole(s)
	if !ok {
		return "", apperr.Validation("role", "unknown role %q", s)
	}
	return role, nil
}

func (s *Service) Create(ctx context.Context, in CreateInput, actor auth.Actor) (User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return User{}, err
	}
	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	if first == "" || last == "" {
		return User{}, apperr.Validation("first_name", "first_name and last_name are required")
	}
	role, err := parseRole(in.Role)
	if err != nil {
		return User{}, err
	}
	u, err := s.users.Create(ctx, User{
		Email:     email,
		FirstName: first,
		LastName:  last,
		Role:      role,
		IsActive:  true,
	}, actor.ID)
	if apperr.Is(err, apperr.KindConflict) {
		return User{}, apperr.Conflict("a user with email %s already exists", email).WithField("email")
	}
	return u, err
}

func (s *Service) Get(ctx context.Context, id uuid.UUID, actor auth.Actor) (User, error) {
	return s.users.FindByID(ctx, id, actor.ID)
}

func (s *Service) List(ctx context.Context, f ListFilter, pg pagination.Params, actor auth.Actor) ([]User, int, error) {
	var where []store.Cond
	if f.Role != "" {
		where = append(where, store.Eq("role", string(f.Role)))
	}
	if f.Active != nil {
		where = append(where, store.Eq("is_active", *f.Active))
	}
	total, err := s.users.Count(ctx, where)
	if err != nil {
		return nil, 0, err
	}
	users, err := s.users.FindMany(ctx, store.Query{
		Where:  where,
		Order:  []store.Order{{Column: "last_name"}, {Column: "first_name"}},
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}, actor.ID)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput, expectedVersion int, actor auth.Actor) (User, error) {
	patch := store.Patch{}
	if in.Email.Present {
		email, err := normalizeEmail(in.Email.Value)
		if err != nil {
			return User{}, err
		}
		patch.Set("email", email)
	}
	for _, f := range []struct {
		col string
		v   store.Optional[string]
	}{{"first_name", in.FirstName}, {"last_name", in.LastName}} {
		if !f.v.Present {
			continue
		}
		v := strings.TrimSpace(f.v.Value)
		if v == "" {
			return User{}, apperr.Validation(f.col, "%s cannot be empty", f.col)
		}
		patch.Set(f.col, v)
	}
	if in.Role.Present {
		role, err := parseRole(in.Role.Value)
		if err != nil {
			return User{}, err
		}
		patch.Set("role", string(role))
	}
	in.IsActive.SetIn(patch, "is_active")
	if len(patch) == 0 {
		return User{}, apperr.Validation("", "no fields to update")
	}

	u, err := s.users.Update(ctx, id, patch, expectedVersion, actor.ID)
	if apperr.Is(err, apperr.KindConflict) {
		return User{}, apperr.Conflict("a user with email %s already exists", in.Email.Value).WithField("email")
	}
	return u, err
}

// Deactivate blocks the user from being scheduled without deleting them.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID, expectedVersion int, actor auth.Actor) (User, error) {
	return s.users.Update(ctx, id, store.Patch{"is_active": false}, expectedVersion, actor.ID)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID, expectedVersion int, actor auth.Actor, reason string) error {
	if id == actor.ID {
		return apperr.BusinessRule("users cannot delete their own account")
	}
	return s.users.SoftDelete(ctx, id, expectedVersion, actor.ID, reason)
}

// Lookup loads a live user inside tx and checks it is an active account
// with the wanted role.
func Lookup(ctx context.Context, tx store.Tx, repo *store.Repository[User], id uuid.UUID, role auth.Role) (User, error) {
	u, err := repo.GetTx(ctx, tx, id)
	if err != nil {
		return User{}, err
	}
	if u.Role != role {
		return User{}, apperr.BusinessRule("user %s is not a %s", id, strings.ToLower(string(role))).
			WithState(string(role), string(u.Role))
	}
	if !u.IsActive {
		return User{}, apperr.BusinessRule("user %s is inactive", id)
	}
	return u, nil
}
