package identity

import (
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/store"
)

// EntityUser is the audit entity type for accounts.
const EntityUser = "User"

// User is an account. Clients receive care, workers deliver it, admins and
// supervisors manage both.
type User struct {
	store.Envelope
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      auth.Role `json:"role"`
	IsActive  bool      `json:"is_active"`
}

// FullName joins first and last name.
func (u User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Actor returns the identity the user acts under.
func (u User) Actor() auth.Actor {
	return auth.Actor{ID: u.ID, Role: u.Role}
}

// Table maps User onto the users table.
var Table = store.Table[User]{
	Name:   "users",
	Entity: EntityUser,
	Encode: func(u User) store.Record {
		r := store.Record{
			"email":      u.Email,
			"first_name": u.FirstName,
			"last_name":  u.LastName,
			"role":       string(u.Role),
			"is_active":  u.IsActive,
		}
		u.Envelope.EncodeInto(r)
		return r
	},
	Decode: func(r store.Record) (User, error) {
		return User{
			Envelope:  store.DecodeEnvelope(r),
			Email:     r.String("email"),
			FirstName: r.String("first_name"),
			LastName:  r.String("last_name"),
			Role:      auth.Role(r.String("role")),
			IsActive:  r.Bool("is_active"),
		}, nil
	},
}

// CreateInput is the body of a create request.
type CreateInput struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

// UpdateInput is a partial update. Absent fields are left unchanged.
type UpdateInput struct {
	Email     store.Optional[string] `json:"email"`
	FirstName store.Optional[string] `json:"first_name"`
	LastName  store.Optional[string] `json:"last_name"`
	Role      store.Optional[string] `json:"role"`
	IsActive  store.Optional[bool]   `json:"is_active"`
}

// ListFilter narrows a user listing.
type ListFilter struct {
	Role   auth.Role
	Active *bool
}
