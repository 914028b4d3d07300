// internal/membership/domain.go
package membership

import (
	"net/mail"
	"time"

	"github.com/google/uuid"

	"librarium/internal/fault"
	"librarium/internal/policy"
)

// Role is a user's access level.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User represents an account in the system.
type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	FullName     string    `json:"full_name,omitempty" db:"full_name"`
	Role         Role      `json:"role" db:"role"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Salt         string    `json:"-" db:"salt"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// SubjectOf converts a user into the principal the access policy decides
// on. A nil user stays nil (anonymous request).
func SubjectOf(u *User) *policy.Subject {
	if u == nil {
		return nil
	}
	return &policy.Subject{ID: u.ID, Role: policy.Role(u.Role), Active: u.IsActive}
}

// RegisterParams are the fields accepted at registration.
type RegisterParams struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
}

func (p RegisterParams) Validate() error {
	if len(p.Username) < 3 || len(p.Username) > 50 {
		return fault.Invalidf("username must be 3-50 characters")
	}
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return fault.Invalidf("invalid email address")
	}
	if len(p.Password) < 6 {
		return fault.Invalidf("password must be at least 6 characters")
	}
	return nil
}

// UpdateParams are the admin-editable fields of a user; nil leaves a
// field unchanged.
type UpdateParams struct {
	Email    *string `json:"email"`
	FullName *string `json:"full_name"`
	Password *string `json:"password"`
	IsActive *bool   `json:"is_active"`
}

func (p UpdateParams) Validate() error {
	if p.Email != nil {
		if _, err := mail.ParseAddress(*p.Email); err != nil {
			return fault.Invalidf("invalid email address")
		}
	}
	if p.Password != nil && len(*p.Password) < 6 {
		return fault.Invalidf("password must be at least 6 characters")
	}
	return nil
}
