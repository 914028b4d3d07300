// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"
)

// Service is the borrowing ledger together with the coordinator that
// keeps it consistent with catalog availability. Borrow, Return and
// DeleteBorrowing are the only writers of both the ledger and the
// availability counter, and each executes as an atomic unit under a
// per-book exclusion scope.
type Service interface {
	Borrow(ctx context.Context, userID, bookID uuid.UUID, borrowDate Date) (*Borrowing, error)
	Return(ctx context.Context, borrowingID uuid.UUID, returnDate Date) (*Borrowing, error)
	GetBorrowing(ctx context.Context, id uuid.UUID) (*Borrowing, error)
	ListBorrowings(ctx context.Context, p ListParams) ([]*Borrowing, error)
	DeleteBorrowing(ctx context.Context, id uuid.UUID) error
}
