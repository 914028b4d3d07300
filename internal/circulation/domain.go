// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"

	"librarium/internal/fault"
)

// Status is the lifecycle state of a borrowing. The only legal transition
// is borrowed -> returned, exactly once.
type Status string

const (
	StatusBorrowed Status = "borrowed"
	StatusReturned Status = "returned"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	return s == StatusBorrowed || s == StatusReturned
}

const dateLayout = "2006-01-02"

// Date is a calendar date serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar date in UTC.
func NewDate(t time.Time) Date {
	return Date{time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(dateLayout) + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fault.Invalidf("date must be a %q string", dateLayout)
	}
	t, err := time.Parse(dateLayout, s[1:len(s)-1])
	if err != nil {
		return fault.Invalidf("invalid date %s", s)
	}
	d.Time = t
	return nil
}

// Borrowing is a single loan record linking one user to one book.
type Borrowing struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	BookID     uuid.UUID `json:"book_id"`
	BorrowDate Date      `json:"borrow_date"`
	ReturnDate *Date     `json:"return_date"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListParams filter and page the ledger listing. A nil UserID means all
// users (admin visibility).
type ListParams struct {
	UserID *uuid.UUID
	Status *Status
	Skip   int
	Limit  int
}
