// internal/membership/service.go
package membership

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the membership service.
type Service interface {
	Register(ctx context.Context, p RegisterParams) (*User, error)
	Authenticate(ctx context.Context, username, password string) (*User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context, skip, limit int) ([]*User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, p UpdateParams) (*User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
	// EnsureAdmin creates an admin account with the given credentials
	// unless the username is already taken.
	EnsureAdmin(ctx context.Context, username, email, password string) error
}
