// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, p CreateParams) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context, p ListParams) ([]*Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, p UpdateParams) (*Book, error)
	RemoveBook(ctx context.Context, id uuid.UUID) error
}
