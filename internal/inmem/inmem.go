// internal/inmem/inmem.go

// Package inmem implements the catalog, circulation and membership
// services against process memory. It backs local development and the
// test suite; the concurrency contract matches the Postgres
// implementation, with per-book channel locks standing in for row
// locks.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"librarium/internal/catalog"
	"librarium/internal/circulation"
	"librarium/internal/fault"
	"librarium/internal/membership"
)

// Store holds all state behind one mutex and serializes availability
// mutations per book through bounded-wait locks. It satisfies
// catalog.Service, circulation.Service and membership.Service.
type Store struct {
	log      *logrus.Logger
	lockWait time.Duration
	books    *keyedLocks

	mu         sync.RWMutex
	bookRecs   map[uuid.UUID]*bookRec
	borrowRecs map[uuid.UUID]*borrowRec
	userRecs   map[uuid.UUID]*userRec
	seq        int
}

type bookRec struct {
	book catalog.Book
	seq  int
}

type borrowRec struct {
	borrowing circulation.Borrowing
	seq       int
}

type userRec struct {
	user membership.User
	seq  int
}

// NewStore creates an empty in-memory store. lockWait bounds how long a
// borrow or return waits for a contended book.
func NewStore(log *logrus.Logger, lockWait time.Duration) *Store {
	return &Store{
		log:        log,
		lockWait:   lockWait,
		books:      newKeyedLocks(),
		bookRecs:   make(map[uuid.UUID]*bookRec),
		borrowRecs: make(map[uuid.UUID]*borrowRec),
		userRecs:   make(map[uuid.UUID]*userRec),
	}
}

func (s *Store) nextSeq() int {
	s.seq++
	return s.seq
}

// --- catalog.Service ---

func (s *Store) AddBook(ctx context.Context, p catalog.CreateParams) (*catalog.Book, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ISBN != "" {
		for _, rec := range s.bookRecs {
			if rec.book.ISBN == p.ISBN {
				return nil, fault.Conflictf("book with this ISBN already exists")
			}
		}
	}

	b := catalog.Book{
		ID:            uuid.New(),
		Title:         p.Title,
		Author:        p.Author,
		ISBN:          p.ISBN,
		PublishedYear: p.PublishedYear,
		Quantity:      p.Quantity,
		Available:     p.Quantity,
		CreatedAt:     time.Now().UTC(),
	}
	s.bookRecs[b.ID] = &bookRec{book: b, seq: s.nextSeq()}

	s.log.WithFields(logrus.Fields{"book_id": b.ID, "title": b.Title}).Info("book added")
	return cloneBook(b), nil
}

func (s *Store) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.bookRecs[id]
	if !ok {
		return nil, fault.NotFoundf("book %s", id)
	}
	return cloneBook(rec.book), nil
}

func (s *Store) ListBooks(ctx context.Context, p catalog.ListParams) ([]*catalog.Book, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Skip < 0 {
		p.Skip = 0
	}

	// Copy record values while the lock is held; writers mutate the
	// pointed-to records in place.
	s.mu.RLock()
	recs := make([]bookRec, 0, len(s.bookRecs))
	for _, rec := range s.bookRecs {
		recs = append(recs, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	needle := strings.ToLower(p.Search)
	books := make([]*catalog.Book, 0, len(recs))
	for _, rec := range recs {
		if needle != "" &&
			!strings.Contains(strings.ToLower(rec.book.Title), needle) &&
			!strings.Contains(strings.ToLower(rec.book.Author), needle) {
			continue
		}
		books = append(books, cloneBook(rec.book))
	}
	return page(books, p.Skip, p.Limit), nil
}

func (s *Store) UpdateBook(ctx context.Context, id uuid.UUID, p catalog.UpdateParams) (*catalog.Book, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	release, err := s.books.acquire(ctx, id, s.lockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bookRecs[id]
	if !ok {
		return nil, fault.NotFoundf("book %s", id)
	}
	b := rec.book

	if p.Title != nil {
		b.Title = *p.Title
	}
	if p.Author != nil {
		b.Author = *p.Author
	}
	if p.ISBN != nil {
		if *p.ISBN != "" {
			for otherID, other := range s.bookRecs {
				if otherID != id && other.book.ISBN == *p.ISBN {
					return nil, fault.Conflictf("book with this ISBN already exists")
				}
			}
		}
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

	rec.book = b
	return cloneBook(b), nil
}

func (s *Store) RemoveBook(ctx context.Context, id uuid.UUID) error {
	release, err := s.books.acquire(ctx, id, s.lockWait)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bookRecs[id]; !ok {
		return fault.NotFoundf("book %s", id)
	}

	open := 0
	for _, rec := range s.borrowRecs {
		if rec.borrowing.BookID == id && rec.borrowing.Status == circulation.StatusBorrowed {
			open++
		}
	}
	if open > 0 {
		return fault.Conflictf("book has %d outstanding loans", open)
	}

	// Closed borrowing history goes with the book, as the foreign key
	// cascade does in Postgres.
	for bid, rec := range s.borrowRecs {
		if rec.borrowing.BookID == id {
			delete(s.borrowRecs, bid)
		}
	}
	delete(s.bookRecs, id)

	s.log.WithField("book_id", id).Info("book removed")
	return nil
}

// --- circulation.Service ---

func (s *Store) Borrow(ctx context.Context, userID, bookID uuid.UUID, borrowDate circulation.Date) (*circulation.Borrowing, error) {
	release, err := s.books.acquire(ctx, bookID, s.lockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bookRecs[bookID]
	if !ok {
		return nil, fault.NotFoundf("book %s", bookID)
	}
	if rec.book.Available <= 0 {
		return nil, fault.Conflictf("no copies of book %s available", bookID)
	}
	rec.book.Available--

	b := circulation.Borrowing{
		ID:         uuid.New(),
		UserID:     userID,
		BookID:     bookID,
		BorrowDate: borrowDate,
		Status:     circulation.StatusBorrowed,
		CreatedAt:  time.Now().UTC(),
	}
	s.borrowRecs[b.ID] = &borrowRec{borrowing: b, seq: s.nextSeq()}

	s.log.WithFields(logrus.Fields{
		"borrowing_id": b.ID,
		"book_id":      bookID,
		"user_id":      userID,
		"available":    rec.book.Available,
	}).Info("book borrowed")
	return cloneBorrowing(b), nil
}

func (s *Store) Return(ctx context.Context, borrowingID uuid.UUID, returnDate circulation.Date) (*circulation.Borrowing, error) {
	s.mu.RLock()
	rec, ok := s.borrowRecs[borrowingID]
	var bookID uuid.UUID
	if ok {
		bookID = rec.borrowing.BookID
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fault.NotFoundf("borrowing %s", borrowingID)
	}

	release, err := s.books.acquire(ctx, bookID, s.lockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok = s.borrowRecs[borrowingID]
	if !ok {
		return nil, fault.NotFoundf("borrowing %s", borrowingID)
	}
	if rec.borrowing.Status == circulation.StatusReturned {
		return nil, fault.Conflictf("borrowing %s is already returned", borrowingID)
	}

	s.releaseCopyLocked(rec.borrowing.BookID)

	rec.borrowing.Status = circulation.StatusReturned
	rec.borrowing.ReturnDate = &returnDate

	s.log.WithFields(logrus.Fields{
		"borrowing_id": borrowingID,
		"book_id":      rec.borrowing.BookID,
	}).Info("book returned")
	return cloneBorrowing(rec.borrowing), nil
}

// releaseCopyLocked increments availability for a book whose open
// borrowing is closing. Caller holds both the book lock and s.mu.
func (s *Store) releaseCopyLocked(bookID uuid.UUID) {
	rec, ok := s.bookRecs[bookID]
	if !ok {
		s.log.WithField("book_id", bookID).Error("open borrowing references missing book")
		return
	}
	if rec.book.Available >= rec.book.Quantity {
		s.log.WithFields(logrus.Fields{
			"book_id":   bookID,
			"available": rec.book.Available,
			"quantity":  rec.book.Quantity,
		}).Error("availability would exceed quantity; clamping")
		return
	}
	rec.book.Available++
}

func (s *Store) GetBorrowing(ctx context.Context, id uuid.UUID) (*circulation.Borrowing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.borrowRecs[id]
	if !ok {
		return nil, fault.NotFoundf("borrowing %s", id)
	}
	return cloneBorrowing(rec.borrowing), nil
}

func (s *Store) ListBorrowings(ctx context.Context, p circulation.ListParams) ([]*circulation.Borrowing, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Skip < 0 {
		p.Skip = 0
	}

	s.mu.RLock()
	recs := make([]borrowRec, 0, len(s.borrowRecs))
	for _, rec := range s.borrowRecs {
		recs = append(recs, *rec)
	}
	s.mu.RUnlock()

	// Newest first, matching the ledger listing order in Postgres.
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })

	borrowings := make([]*circulation.Borrowing, 0, len(recs))
	for _, rec := range recs {
		if p.UserID != nil && rec.borrowing.UserID != *p.UserID {
			continue
		}
		if p.Status != nil && rec.borrowing.Status != *p.Status {
			continue
		}
		borrowings = append(borrowings, cloneBorrowing(rec.borrowing))
	}
	return page(borrowings, p.Skip, p.Limit), nil
}

func (s *Store) DeleteBorrowing(ctx context.Context, id uuid.UUID) error {
	s.mu.RLock()
	rec, ok := s.borrowRecs[id]
	var bookID uuid.UUID
	if ok {
		bookID = rec.borrowing.BookID
	}
	s.mu.RUnlock()
	if !ok {
		return fault.NotFoundf("borrowing %s", id)
	}

	release, err := s.books.acquire(ctx, bookID, s.lockWait)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok = s.borrowRecs[id]
	if !ok {
		return fault.NotFoundf("borrowing %s", id)
	}
	if rec.borrowing.Status == circulation.StatusBorrowed {
		s.releaseCopyLocked(rec.borrowing.BookID)
	}
	delete(s.borrowRecs, id)

	s.log.WithField("borrowing_id", id).Info("borrowing record deleted")
	return nil
}

// --- membership.Service ---

func (s *Store) Register(ctx context.Context, p membership.RegisterParams) (*membership.User, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	hash, salt, err := membership.HashPassword(p.Password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUserUniqueLocked(uuid.Nil, p.Username, p.Email); err != nil {
		return nil, err
	}

	u := membership.User{
		ID:           uuid.New(),
		Username:     p.Username,
		Email:        p.Email,
		FullName:     p.FullName,
		Role:         membership.RoleUser,
		IsActive:     true,
		PasswordHash: hash,
		Salt:         salt,
		CreatedAt:    time.Now().UTC(),
	}
	s.userRecs[u.ID] = &userRec{user: u, seq: s.nextSeq()}

	s.log.WithFields(logrus.Fields{"user_id": u.ID, "username": u.Username}).Info("user registered")
	return cloneUser(u), nil
}

func (s *Store) checkUserUniqueLocked(selfID uuid.UUID, username, email string) error {
	for id, rec := range s.userRecs {
		if id == selfID {
			continue
		}
		if username != "" && rec.user.Username == username {
			return fault.Conflictf("username already exists")
		}
		if email != "" && rec.user.Email == email {
			return fault.Conflictf("email already exists")
		}
	}
	return nil
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (*membership.User, error) {
	s.mu.RLock()
	var found *membership.User
	for _, rec := range s.userRecs {
		if rec.user.Username == username {
			found = cloneUser(rec.user)
			break
		}
	}
	s.mu.RUnlock()

	if found == nil {
		return nil, fault.Unauthenticatedf("incorrect username or password")
	}
	ok, err := membership.VerifyPassword(password, found.Salt, found.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Unauthenticatedf("incorrect username or password")
	}
	if !found.IsActive {
		return nil, fault.Forbiddenf("user is deactivated")
	}
	return found, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.userRecs[id]
	if !ok {
		return nil, fault.NotFoundf("user %s", id)
	}
	return cloneUser(rec.user), nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.userRecs {
		if rec.user.Username == username {
			return cloneUser(rec.user), nil
		}
	}
	return nil, fault.NotFoundf("user %q", username)
}

func (s *Store) ListUsers(ctx context.Context, skip, limit int) ([]*membership.User, error) {
	if limit <= 0 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}

	s.mu.RLock()
	recs := make([]userRec, 0, len(s.userRecs))
	for _, rec := range s.userRecs {
		recs = append(recs, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	users := make([]*membership.User, 0, len(recs))
	for _, rec := range recs {
		users = append(users, cloneUser(rec.user))
	}
	return page(users, skip, limit), nil
}

func (s *Store) UpdateUser(ctx context.Context, id uuid.UUID, p membership.UpdateParams) (*membership.User, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.userRecs[id]
	if !ok {
		return nil, fault.NotFoundf("user %s", id)
	}
	u := rec.user

	if p.Email != nil {
		if err := s.checkUserUniqueLocked(id, "", *p.Email); err != nil {
			return nil, err
		}
		u.Email = *p.Email
	}
	if p.FullName != nil {
		u.FullName = *p.FullName
	}
	if p.IsActive != nil {
		u.IsActive = *p.IsActive
	}
	if p.Password != nil {
		hash, salt, err := membership.HashPassword(*p.Password)
		if err != nil {
			return nil, err
		}
		u.PasswordHash, u.Salt = hash, salt
	}

	rec.user = u
	return cloneUser(u), nil
}

func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.userRecs[id]; !ok {
		return fault.NotFoundf("user %s", id)
	}

	open := 0
	for _, rec := range s.borrowRecs {
		if rec.borrowing.UserID == id && rec.borrowing.Status == circulation.StatusBorrowed {
			open++
		}
	}
	if open > 0 {
		return fault.Conflictf("user has %d open borrowings", open)
	}

	for bid, rec := range s.borrowRecs {
		if rec.borrowing.UserID == id {
			delete(s.borrowRecs, bid)
		}
	}
	delete(s.userRecs, id)
	return nil
}

func (s *Store) EnsureAdmin(ctx context.Context, username, email, password string) error {
	hash, salt, err := membership.HashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.userRecs {
		if rec.user.Username == username {
			return nil
		}
	}

	u := membership.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		Role:         membership.RoleAdmin,
		IsActive:     true,
		PasswordHash: hash,
		Salt:         salt,
		CreatedAt:    time.Now().UTC(),
	}
	s.userRecs[u.ID] = &userRec{user: u, seq: s.nextSeq()}

	s.log.WithField("username", username).Info("admin account bootstrapped")
	return nil
}

// --- helpers ---

func cloneBook(b catalog.Book) *catalog.Book {
	return &b
}

func cloneBorrowing(b circulation.Borrowing) *circulation.Borrowing {
	if b.ReturnDate != nil {
		d := *b.ReturnDate
		b.ReturnDate = &d
	}
	return &b
}

func cloneUser(u membership.User) *membership.User {
	return &u
}

func page[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
