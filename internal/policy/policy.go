// internal/policy/policy.go
package policy

import (
	"github.com/google/uuid"

	"librarium/internal/fault"
)

// Role is the access level of a subject.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Subject is the authenticated principal a decision is made for. A nil
// *Subject means the request carries no session.
type Subject struct {
	ID     uuid.UUID
	Role   Role
	Active bool
}

// Action names an operation the policy decides on.
type Action string

const (
	CatalogRead     Action = "catalog:read"
	CatalogWrite    Action = "catalog:write"
	BorrowingCreate Action = "borrowing:create"
	BorrowingRead   Action = "borrowing:read"
	BorrowingReturn Action = "borrowing:return"
	BorrowingList   Action = "borrowing:list"
	BorrowingDelete Action = "borrowing:delete"
	UserSelfRead    Action = "user:self"
	UserAdmin       Action = "user:admin"
)

// Resource carries the owner of the entity an action targets, when the
// decision depends on ownership. Zero otherwise.
type Resource struct {
	OwnerID uuid.UUID
}

// Policy is a pure decision function over (subject, action, resource).
// It is the single server-side enforcement point; any admin/user
// branching in clients is cosmetic.
type Policy struct {
	// AdminMayBorrow permits admin accounts to create borrowings for
	// themselves. The reference client hides the borrow button from
	// admins, but that is a UI choice, not a rule.
	AdminMayBorrow bool
}

// Authorize returns nil to allow, or an unauthenticated/forbidden fault
// explaining the denial.
func (p Policy) Authorize(sub *Subject, action Action, res Resource) error {
	if action == CatalogRead {
		return nil
	}
	if sub == nil {
		return fault.Unauthenticatedf("authentication required")
	}
	if !sub.Active {
		return fault.Forbiddenf("user is deactivated")
	}

	switch action {
	case CatalogWrite, UserAdmin, BorrowingDelete:
		if sub.Role != RoleAdmin {
			return fault.Forbiddenf("admin role required")
		}
		return nil
	case BorrowingCreate:
		if sub.Role == RoleAdmin && !p.AdminMayBorrow {
			return fault.Forbiddenf("admin accounts may not borrow")
		}
		return nil
	case BorrowingRead, BorrowingReturn:
		if sub.Role == RoleAdmin || sub.ID == res.OwnerID {
			return nil
		}
		return fault.Forbiddenf("access forbidden")
	case BorrowingList, UserSelfRead:
		return nil
	}
	return fault.Forbiddenf("action %q is not permitted", action)
}
