// internal/membership/implementation.go
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"librarium/internal/fault"
)

const userColumns = "id, username, email, full_name, role, is_active, password_hash, salt, created_at"

// service is the Postgres-backed implementation of Service.
type service struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// NewService creates a membership service backed by Postgres.
func NewService(db *sqlx.DB, log *logrus.Logger) Service {
	return &service{db: db, log: log}
}

func (s *service) Register(ctx context.Context, p RegisterParams) (*User, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	hash, salt, err := HashPassword(p.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		ID:           uuid.New(),
		Username:     p.Username,
		Email:        p.Email,
		FullName:     p.FullName,
		Role:         RoleUser,
		IsActive:     true,
		PasswordHash: hash,
		Salt:         salt,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.insert(ctx, u); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"user_id": u.ID, "username": u.Username}).Info("user registered")
	return u, nil
}

func (s *service) insert(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, full_name, role, is_active, password_hash, salt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Username, u.Email, u.FullName, u.Role, u.IsActive, u.PasswordHash, u.Salt, u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if pqErr.Constraint == "users_email_key" {
				return fault.Conflictf("email already exists")
			}
			return fault.Conflictf("username already exists")
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u := &User{}
	err := s.db.GetContext(ctx, u, "SELECT "+userColumns+" FROM users WHERE username = $1", username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Unauthenticatedf("incorrect username or password")
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	ok, err := VerifyPassword(password, u.Salt, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, fault.Unauthenticatedf("incorrect username or password")
	}
	if !u.IsActive {
		return nil, fault.Forbiddenf("user is deactivated")
	}

	return u, nil
}

func (s *service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u := &User{}
	err := s.db.GetContext(ctx, u, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("user %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *service) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	err := s.db.GetContext(ctx, u, "SELECT "+userColumns+" FROM users WHERE username = $1", username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("user %q", username)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *service) ListUsers(ctx context.Context, skip, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}

	var users []*User
	err := s.db.SelectContext(ctx, &users,
		"SELECT "+userColumns+" FROM users ORDER BY created_at, id OFFSET $1 LIMIT $2", skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// UpdateUser applies the changed fields under a row lock so concurrent
// edits serialize instead of overwriting each other.
func (s *service) UpdateUser(ctx context.Context, id uuid.UUID, p UpdateParams) (*User, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	u := &User{}
	err = tx.GetContext(ctx, u, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("user %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.FullName != nil {
		u.FullName = *p.FullName
	}
	if p.IsActive != nil {
		u.IsActive = *p.IsActive
	}
	if p.Password != nil {
		hash, salt, err := HashPassword(*p.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		u.PasswordHash, u.Salt = hash, salt
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET email = $1, full_name = $2, is_active = $3, password_hash = $4, salt = $5
		WHERE id = $6
	`, u.Email, u.FullName, u.IsActive, u.PasswordHash, u.Salt, u.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fault.Conflictf("email already exists")
		}
		return nil, fmt.Errorf("update user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return u, nil
}

func (s *service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.GetContext(ctx, &exists, "SELECT TRUE FROM users WHERE id = $1 FOR UPDATE", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFoundf("user %s", id)
		}
		return fmt.Errorf("query user: %w", err)
	}

	var open int
	err = tx.GetContext(ctx, &open,
		"SELECT COUNT(*) FROM borrowings WHERE user_id = $1 AND status = 'borrowed'", id)
	if err != nil {
		return fmt.Errorf("count open borrowings: %w", err)
	}
	if open > 0 {
		return fault.Conflictf("user has %d open borrowings", open)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	return tx.Commit()
}

func (s *service) EnsureAdmin(ctx context.Context, username, email, password string) error {
	_, err := s.GetUserByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return err
	}

	hash, salt, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		Role:         RoleAdmin,
		IsActive:     true,
		PasswordHash: hash,
		Salt:         salt,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.insert(ctx, u); err != nil {
		return err
	}

	s.log.WithField("username", username).Info("admin account bootstrapped")
	return nil
}
