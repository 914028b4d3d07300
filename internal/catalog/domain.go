// internal/catalog/domain.go
package catalog

import (
	"time"

	"github.com/google/uuid"

	"librarium/internal/fault"
)

// Book represents a title in the catalog together with its copy counts.
// The invariant 0 <= Available <= Quantity holds at all times, and
// Quantity - Available equals the number of open borrowings on the book.
type Book struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Title         string    `json:"title" db:"title"`
	Author        string    `json:"author" db:"author"`
	ISBN          string    `json:"isbn,omitempty" db:"isbn"`
	PublishedYear int       `json:"published_year,omitempty" db:"published_year"`
	Quantity      int       `json:"quantity" db:"quantity"`
	Available     int       `json:"available" db:"available"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// CreateParams are the fields accepted when adding a book.
type CreateParams struct {
	Title         string `json:"title"`
	Author        string `json:"author"`
	ISBN          string `json:"isbn"`
	PublishedYear int    `json:"published_year"`
	Quantity      int    `json:"quantity"`
}

func (p CreateParams) Validate() error {
	if p.Title == "" || len(p.Title) > 200 {
		return fault.Invalidf("title must be 1-200 characters")
	}
	if p.Author == "" || len(p.Author) > 100 {
		return fault.Invalidf("author must be 1-100 characters")
	}
	if len(p.ISBN) > 20 {
		return fault.Invalidf("isbn must be at most 20 characters")
	}
	if p.PublishedYear != 0 && (p.PublishedYear < 1000 || p.PublishedYear > 2100) {
		return fault.Invalidf("published_year must be between 1000 and 2100")
	}
	if p.Quantity < 1 {
		return fault.Invalidf("quantity must be at least 1")
	}
	return nil
}

// UpdateParams are the admin-editable fields of a book; nil leaves a
// field unchanged.
type UpdateParams struct {
	Title         *string `json:"title"`
	Author        *string `json:"author"`
	ISBN          *string `json:"isbn"`
	PublishedYear *int    `json:"published_year"`
	Quantity      *int    `json:"quantity"`
}

func (p UpdateParams) Validate() error {
	if p.Title != nil && (*p.Title == "" || len(*p.Title) > 200) {
		return fault.Invalidf("title must be 1-200 characters")
	}
	if p.Author != nil && (*p.Author == "" || len(*p.Author) > 100) {
		return fault.Invalidf("author must be 1-100 characters")
	}
	if p.ISBN != nil && len(*p.ISBN) > 20 {
		return fault.Invalidf("isbn must be at most 20 characters")
	}
	if p.PublishedYear != nil && *p.PublishedYear != 0 && (*p.PublishedYear < 1000 || *p.PublishedYear > 2100) {
		return fault.Invalidf("published_year must be between 1000 and 2100")
	}
	if p.Quantity != nil && *p.Quantity < 0 {
		return fault.Invalidf("quantity must not be negative")
	}
	return nil
}

// ListParams select and page the catalog listing.
type ListParams struct {
	// Search filters by substring match on title or author.
	Search string
	Skip   int
	Limit  int
}
