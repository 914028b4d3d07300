// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"librarium/internal/fault"
)

var dialect = goqu.Dialect("postgres")

const bookColumns = "id, title, author, isbn, published_year, quantity, available, created_at"

// service is the Postgres-backed implementation of Service.
type service struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// NewService creates a catalog service backed by Postgres.
func NewService(db *sqlx.DB, log *logrus.Logger) Service {
	return &service{db: db, log: log}
}

func (s *service) AddBook(ctx context.Context, p CreateParams) (*Book, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	b := &Book{
		ID:            uuid.New(),
		Title:         p.Title,
		Author:        p.Author,
		ISBN:          p.ISBN,
		PublishedYear: p.PublishedYear,
		Quantity:      p.Quantity,
		Available:     p.Quantity,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO books (id, title, author, isbn, published_year, quantity, available, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.Title, b.Author, b.ISBN, b.PublishedYear, b.Quantity, b.Available, b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fault.Conflictf("book with this ISBN already exists")
		}
		return nil, fmt.Errorf("insert book: %w", err)
	}

	s.log.WithFields(logrus.Fields{"book_id": b.ID, "title": b.Title}).Info("book added")
	return b, nil
}

func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	b := &Book{}
	err := s.db.GetContext(ctx, b, "SELECT "+bookColumns+" FROM books WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("book %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query book: %w", err)
	}
	return b, nil
}

func (s *service) ListBooks(ctx context.Context, p ListParams) ([]*Book, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Skip < 0 {
		p.Skip = 0
	}

	ds := dialect.From("books").
		Select("id", "title", "author", "isbn", "published_year", "quantity", "available", "created_at").
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		Offset(uint(p.Skip)).
		Limit(uint(p.Limit))
	if p.Search != "" {
		pattern := "%" + p.Search + "%"
		ds = ds.Where(goqu.Or(
			goqu.C("title").ILike(pattern),
			goqu.C("author").ILike(pattern),
		))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	var books []*Book
	if err := s.db.SelectContext(ctx, &books, query, args...); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// UpdateBook adjusts book fields inside the same per-book exclusion scope
// the coordinator uses, so a quantity edit cannot race a borrow or return.
func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, p UpdateParams) (*Book, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	b := &Book{}
	err = tx.GetContext(ctx, b, "SELECT "+bookColumns+" FROM books WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("book %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query book: %w", err)
	}

	if p.Title != nil {
		b.Title = *p.Title
	}
	if p.Author != nil {
		b.Author = *p.Author
	}
	if p.ISBN != nil {
		b.ISBN = *p.ISBN
	}
	if p.PublishedYear != nil {
		b.PublishedYear = *p.PublishedYear
	}
	if p.Quantity != nil {
		outstanding := b.Quantity - b.Available
		if *p.Quantity < outstanding {
			return nil, fault.Conflictf("quantity %d is below %d outstanding loans", *p.Quantity, outstanding)
		}
		b.Quantity = *p.Quantity
		b.Available = *p.Quantity - outstanding
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE books
		SET title = $1, author = $2, isbn = $3, published_year = $4, quantity = $5, available = $6
		WHERE id = $7
	`, b.Title, b.Author, b.ISBN, b.PublishedYear, b.Quantity, b.Available, b.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fault.Conflictf("book with this ISBN already exists")
		}
		return nil, fmt.Errorf("update book: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return b, nil
}

// RemoveBook deletes a book unless open borrowings still reference it.
// Closed borrowing history is removed with the book via the cascade.
func (s *service) RemoveBook(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.GetContext(ctx, &exists, "SELECT TRUE FROM books WHERE id = $1 FOR UPDATE", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFoundf("book %s", id)
		}
		return fmt.Errorf("query book: %w", err)
	}

	var open int
	err = tx.GetContext(ctx, &open,
		"SELECT COUNT(*) FROM borrowings WHERE book_id = $1 AND status = 'borrowed'", id)
	if err != nil {
		return fmt.Errorf("count open borrowings: %w", err)
	}
	if open > 0 {
		return fault.Conflictf("book has %d outstanding loans", open)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM books WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.log.WithField("book_id", id).Info("book removed")
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
