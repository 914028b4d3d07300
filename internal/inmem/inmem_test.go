// internal/inmem/inmem_test.go
package inmem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarium/internal/catalog"
	"librarium/internal/circulation"
	"librarium/internal/fault"
	"librarium/internal/membership"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewStore(log, time.Second)
}

func addBook(t *testing.T, s *Store, quantity int) *catalog.Book {
	t.Helper()
	b, err := s.AddBook(context.Background(), catalog.CreateParams{
		Title:    "The Left Hand of Darkness",
		Author:   "Ursula K. Le Guin",
		Quantity: quantity,
	})
	require.NoError(t, err)
	return b
}

func today() circulation.Date {
	return circulation.NewDate(time.Now().UTC())
}

// checkInvariant asserts that for every book 0 <= available <= quantity
// and that quantity - available matches the number of open borrowings.
func checkInvariant(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	books, err := s.ListBooks(ctx, catalog.ListParams{Limit: 1000})
	require.NoError(t, err)
	borrowings, err := s.ListBorrowings(ctx, circulation.ListParams{Limit: 1000})
	require.NoError(t, err)

	open := make(map[uuid.UUID]int)
	for _, b := range borrowings {
		if b.Status == circulation.StatusBorrowed {
			open[b.BookID]++
		}
	}
	for _, b := range books {
		assert.GreaterOrEqual(t, b.Available, 0, "book %s", b.ID)
		assert.LessOrEqual(t, b.Available, b.Quantity, "book %s", b.ID)
		assert.Equal(t, b.Quantity-b.Available, open[b.ID], "book %s open loans", b.ID)
	}
}

func TestBorrowDecrementsAvailability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 2)

	b, err := s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusBorrowed, b.Status)
	assert.Nil(t, b.ReturnDate)

	got, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Available)
	checkInvariant(t, s)
}

func TestBorrowUnknownBook(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Borrow(context.Background(), uuid.New(), uuid.New(), today())
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestBorrowExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 1)

	_, err := s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)

	_, err = s.Borrow(ctx, uuid.New(), book.ID, today())
	assert.True(t, errors.Is(err, fault.ErrConflict))
	checkInvariant(t, s)
}

// Ten readers race for the single copy; exactly one wins and the rest
// see a conflict.
func TestConcurrentBorrowLastCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 1)

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Borrow(ctx, uuid.New(), book.ID, today())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, fault.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)

	got, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Available)
	checkInvariant(t, s)
}

// A borrow that cannot take the book's lock within the configured wait
// fails with a retryable conflict instead of queueing behind the holder.
func TestBorrowLockWaitBounded(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	s := NewStore(log, 20*time.Millisecond)
	book := addBook(t, s, 1)

	release, err := s.books.acquire(context.Background(), book.ID, time.Second)
	require.NoError(t, err)
	defer release()

	_, err = s.Borrow(context.Background(), uuid.New(), book.ID, today())
	assert.ErrorIs(t, err, fault.ErrConflict)

	got, err := s.GetBook(context.Background(), book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Available)
}

// Listings snapshot record values under the store lock; interleaved with
// writers this must stay quiet under the race detector.
func TestConcurrentListAndBorrow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 25)

	u, err := s.Register(ctx, membership.RegisterParams{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "secret123",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.Borrow(ctx, u.ID, book.ID, today())
			if err != nil && !errors.Is(err, fault.ErrConflict) {
				t.Errorf("borrow: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := s.ListBooks(ctx, catalog.ListParams{}); err != nil {
				t.Errorf("list books: %v", err)
			}
			if _, err := s.ListBorrowings(ctx, circulation.ListParams{}); err != nil {
				t.Errorf("list borrowings: %v", err)
			}
			if _, err := s.ListUsers(ctx, 0, 10); err != nil {
				t.Errorf("list users: %v", err)
			}
		}()
	}
	wg.Wait()
	checkInvariant(t, s)
}

func TestReturnIncrementsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 1)

	b, err := s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)

	returned, err := s.Return(ctx, b.ID, today())
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReturned, returned.Status)
	require.NotNil(t, returned.ReturnDate)

	got, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Available)

	// A second return of the same borrowing must not mint a copy.
	_, err = s.Return(ctx, b.ID, today())
	assert.True(t, errors.Is(err, fault.ErrConflict))

	got, err = s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Available)
	checkInvariant(t, s)
}

// Two goroutines race to return the same borrowing; one succeeds, one
// conflicts, and availability rises exactly once.
func TestConcurrentDoubleReturn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 1)

	b, err := s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Return(ctx, b.ID, today())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, fault.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)

	got, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Available)
	checkInvariant(t, s)
}

func TestReturnUnknownBorrowing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Return(context.Background(), uuid.New(), today())
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestUpdateQuantityPreservesOutstanding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 5)

	_, err := s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)
	_, err = s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)

	qty := 3
	updated, err := s.UpdateBook(ctx, book.ID, catalog.UpdateParams{Quantity: &qty})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Quantity)
	assert.Equal(t, 1, updated.Available)
	checkInvariant(t, s)
}

func TestUpdateQuantityBelowOutstanding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 3)

	_, err := s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)
	_, err = s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)

	qty := 1
	_, err = s.UpdateBook(ctx, book.ID, catalog.UpdateParams{Quantity: &qty})
	assert.True(t, errors.Is(err, fault.ErrConflict))

	got, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)
	checkInvariant(t, s)
}

func TestDeleteBorrowingReleasesCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 1)

	b, err := s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)

	require.NoError(t, s.DeleteBorrowing(ctx, b.ID))

	got, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Available)
	checkInvariant(t, s)
}

func TestDeleteReturnedBorrowingLeavesAvailability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 1)

	b, err := s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)
	_, err = s.Return(ctx, b.ID, today())
	require.NoError(t, err)

	require.NoError(t, s.DeleteBorrowing(ctx, b.ID))

	got, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Available)
	checkInvariant(t, s)
}

func TestRemoveBookWithOpenLoans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 1)

	_, err := s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)

	err = s.RemoveBook(ctx, book.ID)
	assert.True(t, errors.Is(err, fault.ErrConflict))
}

func TestRemoveBookDropsClosedHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 1)

	b, err := s.Borrow(ctx, uuid.New(), book.ID, today())
	require.NoError(t, err)
	_, err = s.Return(ctx, b.ID, today())
	require.NoError(t, err)

	require.NoError(t, s.RemoveBook(ctx, book.ID))

	_, err = s.GetBorrowing(ctx, b.ID)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestAddBookDuplicateISBN(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddBook(ctx, catalog.CreateParams{Title: "Dune", Author: "Frank Herbert", ISBN: "9780441013593", Quantity: 1})
	require.NoError(t, err)

	_, err = s.AddBook(ctx, catalog.CreateParams{Title: "Dune Reissue", Author: "Frank Herbert", ISBN: "9780441013593", Quantity: 1})
	assert.True(t, errors.Is(err, fault.ErrConflict))
}

func TestListBooksSearchAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"Dune", "Dune Messiah", "Children of Dune", "Neuromancer"} {
		_, err := s.AddBook(ctx, catalog.CreateParams{Title: title, Author: "Somebody", Quantity: 1})
		require.NoError(t, err)
	}

	books, err := s.ListBooks(ctx, catalog.ListParams{Search: "dune"})
	require.NoError(t, err)
	assert.Len(t, books, 3)

	books, err = s.ListBooks(ctx, catalog.ListParams{Search: "dune", Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "Dune Messiah", books[0].Title)
}

func TestListBorrowingsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 3)

	alice, bob := uuid.New(), uuid.New()
	b1, err := s.Borrow(ctx, alice, book.ID, today())
	require.NoError(t, err)
	_, err = s.Borrow(ctx, bob, book.ID, today())
	require.NoError(t, err)
	_, err = s.Return(ctx, b1.ID, today())
	require.NoError(t, err)

	mine, err := s.ListBorrowings(ctx, circulation.ListParams{UserID: &alice})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, alice, mine[0].UserID)

	st := circulation.StatusBorrowed
	open, err := s.ListBorrowings(ctx, circulation.ListParams{Status: &st})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, bob, open[0].UserID)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Register(ctx, membership.RegisterParams{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "secret123",
	})
	require.NoError(t, err)
	assert.Equal(t, membership.RoleUser, u.Role)
	assert.True(t, u.IsActive)

	got, err := s.Authenticate(ctx, "alice", "secret123")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	assert.True(t, errors.Is(err, fault.ErrUnauthenticated))
}

func TestRegisterDuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Register(ctx, membership.RegisterParams{Username: "alice", Email: "alice@example.com", Password: "secret123"})
	require.NoError(t, err)

	_, err = s.Register(ctx, membership.RegisterParams{Username: "alice", Email: "other@example.com", Password: "secret123"})
	assert.True(t, errors.Is(err, fault.ErrConflict))

	_, err = s.Register(ctx, membership.RegisterParams{Username: "alice2", Email: "alice@example.com", Password: "secret123"})
	assert.True(t, errors.Is(err, fault.ErrConflict))
}

func TestDeactivatedUserCannotAuthenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Register(ctx, membership.RegisterParams{Username: "alice", Email: "alice@example.com", Password: "secret123"})
	require.NoError(t, err)

	inactive := false
	_, err = s.UpdateUser(ctx, u.ID, membership.UpdateParams{IsActive: &inactive})
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, "alice", "secret123")
	assert.True(t, errors.Is(err, fault.ErrForbidden))
}

func TestDeleteUserWithOpenLoans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	book := addBook(t, s, 1)

	u, err := s.Register(ctx, membership.RegisterParams{Username: "alice", Email: "alice@example.com", Password: "secret123"})
	require.NoError(t, err)

	b, err := s.Borrow(ctx, u.ID, book.ID, today())
	require.NoError(t, err)

	err = s.DeleteUser(ctx, u.ID)
	assert.True(t, errors.Is(err, fault.ErrConflict))

	_, err = s.Return(ctx, b.ID, today())
	require.NoError(t, err)
	require.NoError(t, s.DeleteUser(ctx, u.ID))
}

func TestEnsureAdminIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureAdmin(ctx, "admin", "admin@example.com", "secret123"))
	require.NoError(t, s.EnsureAdmin(ctx, "admin", "admin@example.com", "secret123"))

	users, err := s.ListUsers(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, membership.RoleAdmin, users[0].Role)
}
