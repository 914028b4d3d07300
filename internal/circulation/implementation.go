// internal/circulation/implementation.go
package circulation

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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"librarium/internal/fault"
)

var dialect = goqu.Dialect("postgres")

// service is the Postgres-backed implementation of Service. Every write
// runs inside one transaction that locks the book row with FOR UPDATE,
// so the availability check and the ledger mutation are a serializable
// unit per book; concurrent borrows of the last copy resolve as
// first-committer-wins.
type service struct {
	db       *sqlx.DB
	log      *logrus.Logger
	lockWait time.Duration
	tracer   trace.Tracer

	borrowAttempts  metric.Int64Counter
	borrowConflicts metric.Int64Counter
}

// NewService creates a circulation service backed by Postgres. lockWait
// bounds how long a transaction waits for a contended book row; waiting
// past it fails with a retryable conflict instead of queueing.
func NewService(db *sqlx.DB, log *logrus.Logger, lockWait time.Duration) Service {
	meter := otel.Meter("librarium/circulation")
	attempts, err := meter.Int64Counter("circulation.borrow.attempts",
		metric.WithDescription("Borrow operations processed"))
	if err != nil {
		log.WithError(err).Warn("borrow attempts counter unavailable")
	}
	conflicts, err := meter.Int64Counter("circulation.borrow.conflicts",
		metric.WithDescription("Borrow operations rejected for lack of availability"))
	if err != nil {
		log.WithError(err).Warn("borrow conflicts counter unavailable")
	}

	return &service{
		db:              db,
		log:             log,
		lockWait:        lockWait,
		tracer:          otel.Tracer("librarium/circulation"),
		borrowAttempts:  attempts,
		borrowConflicts: conflicts,
	}
}

type borrowingRow struct {
	ID         uuid.UUID    `db:"id"`
	UserID     uuid.UUID    `db:"user_id"`
	BookID     uuid.UUID    `db:"book_id"`
	BorrowDate time.Time    `db:"borrow_date"`
	ReturnDate sql.NullTime `db:"return_date"`
	Status     Status       `db:"status"`
	CreatedAt  time.Time    `db:"created_at"`
}

func (r borrowingRow) toDomain() *Borrowing {
	b := &Borrowing{
		ID:         r.ID,
		UserID:     r.UserID,
		BookID:     r.BookID,
		BorrowDate: NewDate(r.BorrowDate),
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
	}
	if r.ReturnDate.Valid {
		d := NewDate(r.ReturnDate.Time)
		b.ReturnDate = &d
	}
	return b
}

const borrowingColumns = "id, user_id, book_id, borrow_date, return_date, status, created_at"

// begin opens a transaction with the configured lock wait bound applied.
func (s *service) begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if s.lockWait > 0 {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait.Milliseconds())); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("set lock timeout: %w", err)
		}
	}
	return tx, nil
}

// isLockTimeout reports whether err is Postgres lock_not_available.
func isLockTimeout(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "55P03"
}

func (s *service) Borrow(ctx context.Context, userID, bookID uuid.UUID, borrowDate Date) (*Borrowing, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("book.id", bookID.String()),
			attribute.String("user.id", userID.String()),
		),
	)
	defer span.End()

	if s.borrowAttempts != nil {
		s.borrowAttempts.Add(ctx, 1)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var counts struct {
		Quantity  int `db:"quantity"`
		Available int `db:"available"`
	}
	err = tx.GetContext(ctx, &counts,
		"SELECT quantity, available FROM books WHERE id = $1 FOR UPDATE", bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("book %s", bookID)
	}
	if isLockTimeout(err) {
		return nil, fault.Conflictf("book %s is busy; retry", bookID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock book: %w", err)
	}

	if counts.Available <= 0 {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		if s.borrowConflicts != nil {
			s.borrowConflicts.Add(ctx, 1)
		}
		return nil, fault.Conflictf("no copies of book %s available", bookID)
	}

	b := &Borrowing{
		ID:         uuid.New(),
		UserID:     userID,
		BookID:     bookID,
		BorrowDate: borrowDate,
		Status:     StatusBorrowed,
		CreatedAt:  time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE books SET available = available - 1 WHERE id = $1", bookID); err != nil {
		return nil, fmt.Errorf("decrement availability: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO borrowings (id, user_id, book_id, borrow_date, return_date, status, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5, $6)
	`, b.ID, b.UserID, b.BookID, b.BorrowDate.Time, b.Status, b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert borrowing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"borrowing_id": b.ID,
		"book_id":      bookID,
		"user_id":      userID,
		"available":    counts.Available - 1,
	}).Info("book borrowed")
	return b, nil
}

func (s *service) Return(ctx context.Context, borrowingID uuid.UUID, returnDate Date) (*Borrowing, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(attribute.String("borrowing.id", borrowingID.String())),
	)
	defer span.End()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var row borrowingRow
	err = tx.GetContext(ctx, &row,
		"SELECT "+borrowingColumns+" FROM borrowings WHERE id = $1 FOR UPDATE", borrowingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("borrowing %s", borrowingID)
	}
	if isLockTimeout(err) {
		return nil, fault.Conflictf("borrowing %s is busy; retry", borrowingID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock borrowing: %w", err)
	}

	if row.Status == StatusReturned {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return nil, fault.Conflictf("borrowing %s is already returned", borrowingID)
	}

	if err := s.releaseCopy(ctx, tx, row.BookID); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE borrowings SET status = $1, return_date = $2 WHERE id = $3",
		StatusReturned, returnDate.Time, borrowingID)
	if err != nil {
		return nil, fmt.Errorf("update borrowing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	row.Status = StatusReturned
	row.ReturnDate = sql.NullTime{Time: returnDate.Time, Valid: true}

	s.log.WithFields(logrus.Fields{
		"borrowing_id": borrowingID,
		"book_id":      row.BookID,
	}).Info("book returned")
	return row.toDomain(), nil
}

// releaseCopy increments availability for a book whose open borrowing is
// being closed or removed. The caller must already hold the borrowing
// row lock; this takes the book row lock, preserving the borrow/return
// lock order (borrowing before book).
func (s *service) releaseCopy(ctx context.Context, tx *sqlx.Tx, bookID uuid.UUID) error {
	var counts struct {
		Quantity  int `db:"quantity"`
		Available int `db:"available"`
	}
	err := tx.GetContext(ctx, &counts,
		"SELECT quantity, available FROM books WHERE id = $1 FOR UPDATE", bookID)
	if errors.Is(err, sql.ErrNoRows) {
		// The book row is gone while an open borrowing referenced it.
		// Nothing to increment; the ledger update still proceeds.
		s.log.WithField("book_id", bookID).Error("open borrowing references missing book")
		return nil
	}
	if isLockTimeout(err) {
		return fault.Conflictf("book %s is busy; retry", bookID)
	}
	if err != nil {
		return fmt.Errorf("lock book: %w", err)
	}

	newAvailable := counts.Available + 1
	if newAvailable > counts.Quantity {
		// Invariant breach from a corrupted prior state. Clamp and log;
		// never surface to the caller.
		s.log.WithFields(logrus.Fields{
			"book_id":   bookID,
			"available": counts.Available,
			"quantity":  counts.Quantity,
		}).Error("availability would exceed quantity; clamping")
		newAvailable = counts.Quantity
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE books SET available = $1 WHERE id = $2", newAvailable, bookID); err != nil {
		return fmt.Errorf("increment availability: %w", err)
	}
	return nil
}

func (s *service) GetBorrowing(ctx context.Context, id uuid.UUID) (*Borrowing, error) {
	var row borrowingRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+borrowingColumns+" FROM borrowings WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("borrowing %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query borrowing: %w", err)
	}
	return row.toDomain(), nil
}

func (s *service) ListBorrowings(ctx context.Context, p ListParams) ([]*Borrowing, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Skip < 0 {
		p.Skip = 0
	}

	ds := dialect.From("borrowings").
		Select("id", "user_id", "book_id", "borrow_date", "return_date", "status", "created_at").
		Order(goqu.C("created_at").Desc(), goqu.C("id").Asc()).
		Offset(uint(p.Skip)).
		Limit(uint(p.Limit))
	if p.UserID != nil {
		ds = ds.Where(goqu.C("user_id").Eq(p.UserID.String()))
	}
	if p.Status != nil {
		ds = ds.Where(goqu.C("status").Eq(string(*p.Status)))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	var rows []borrowingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list borrowings: %w", err)
	}

	borrowings := make([]*Borrowing, 0, len(rows))
	for _, row := range rows {
		borrowings = append(borrowings, row.toDomain())
	}
	return borrowings, nil
}

// DeleteBorrowing removes a ledger record. Deleting an open borrowing
// releases its copy first, so the availability invariant survives the
// removal.
func (s *service) DeleteBorrowing(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "circulation.delete_borrowing",
		trace.WithAttributes(attribute.String("borrowing.id", id.String())),
	)
	defer span.End()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var row borrowingRow
	err = tx.GetContext(ctx, &row,
		"SELECT "+borrowingColumns+" FROM borrowings WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.NotFoundf("borrowing %s", id)
	}
	if isLockTimeout(err) {
		return fault.Conflictf("borrowing %s is busy; retry", id)
	}
	if err != nil {
		return fmt.Errorf("lock borrowing: %w", err)
	}

	if row.Status == StatusBorrowed {
		if err := s.releaseCopy(ctx, tx, row.BookID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM borrowings WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete borrowing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.log.WithField("borrowing_id", id).Info("borrowing record deleted")
	return nil
}
