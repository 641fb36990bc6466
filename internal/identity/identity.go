// Package identity manages user accounts and plan tier lookups.
//
// The rest of the backend trusts identity as already authenticated: handlers
// receive a user ID from the auth layer and ask this package for the
// account and its current tier. Tier reads sit on the hot path of every
// admission, so they go through an optional Redis cache.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/comicforge/comicforge/internal/plan"
)

var (
	ErrUserNotFound = errors.New("identity: user not found")
	ErrEmailTaken   = errors.New("identity: email already registered")
	ErrSuspended    = errors.New("identity: account suspended")
)

// Status represents an account's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// User represents an account.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Tier      plan.Tier `json:"tier"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists user accounts.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
}
