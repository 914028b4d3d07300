// internal/circulation/handler.go
package circulation

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"librarium/internal/fault"
	"librarium/internal/httpx"
	"librarium/internal/membership"
	"librarium/internal/policy"
)

// Handler exposes the borrowing ledger over HTTP. Every route requires
// an authenticated user; ownership and role checks go through the
// access policy.
type Handler struct {
	svc Service
	pol policy.Policy
	log *logrus.Logger
}

func NewHandler(svc Service, pol policy.Policy, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, pol: pol, log: log}
}

// Register mounts the borrowing routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/my", h.listMine)
	r.Get("/{borrowingID}", h.get)
	r.Put("/{borrowingID}", h.update)
	r.Delete("/{borrowingID}", h.remove)
}

type createRequest struct {
	BookID     uuid.UUID `json:"book_id"`
	BorrowDate Date      `json:"borrow_date"`
}

type updateRequest struct {
	Status     Status `json:"status"`
	ReturnDate *Date  `json:"return_date"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	u := membership.UserFromContext(r.Context())
	if err := h.pol.Authorize(membership.SubjectOf(u), policy.BorrowingCreate, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	var req createRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	if req.BookID == uuid.Nil {
		httpx.Error(w, h.log, fault.Invalidf("book_id is required"))
		return
	}
	if req.BorrowDate.IsZero() {
		httpx.Error(w, h.log, fault.Invalidf("borrow_date is required"))
		return
	}

	b, err := h.svc.Borrow(r.Context(), u.ID, req.BookID, req.BorrowDate)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Respond(w, http.StatusCreated, b)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	u := membership.UserFromContext(r.Context())
	if err := h.pol.Authorize(membership.SubjectOf(u), policy.BorrowingList, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	q := r.URL.Query()
	skip, _ := strconv.Atoi(q.Get("skip"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	p := ListParams{Skip: skip, Limit: limit}

	// Regular members only see their own records; admins see everyone's
	// and may narrow by status.
	if u.Role != membership.RoleAdmin {
		id := u.ID
		p.UserID = &id
	}
	if raw := q.Get("status"); raw != "" {
		st := Status(raw)
		if !st.Valid() {
			httpx.Error(w, h.log, fault.Invalidf("unknown status %q", raw))
			return
		}
		p.Status = &st
	}

	h.respondList(w, r, p)
}

func (h *Handler) listMine(w http.ResponseWriter, r *http.Request) {
	u := membership.UserFromContext(r.Context())
	if err := h.pol.Authorize(membership.SubjectOf(u), policy.BorrowingList, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	q := r.URL.Query()
	skip, _ := strconv.Atoi(q.Get("skip"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	id := u.ID
	h.respondList(w, r, ListParams{UserID: &id, Skip: skip, Limit: limit})
}

func (h *Handler) respondList(w http.ResponseWriter, r *http.Request, p ListParams) {
	borrowings, err := h.svc.ListBorrowings(r.Context(), p)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	if borrowings == nil {
		borrowings = []*Borrowing{}
	}
	httpx.Respond(w, http.StatusOK, borrowings)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := parseBorrowingID(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	b, err := h.svc.GetBorrowing(r.Context(), id)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	u := membership.UserFromContext(r.Context())
	if err := h.pol.Authorize(membership.SubjectOf(u), policy.BorrowingRead, policy.Resource{OwnerID: b.UserID}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Respond(w, http.StatusOK, b)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := parseBorrowingID(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	var req updateRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	if req.Status != StatusReturned {
		httpx.Error(w, h.log, fault.Invalidf("status must be %q", StatusReturned))
		return
	}

	b, err := h.svc.GetBorrowing(r.Context(), id)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	u := membership.UserFromContext(r.Context())
	if err := h.pol.Authorize(membership.SubjectOf(u), policy.BorrowingReturn, policy.Resource{OwnerID: b.UserID}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	returnDate := NewDate(time.Now().UTC())
	if req.ReturnDate != nil {
		returnDate = *req.ReturnDate
	}

	b, err = h.svc.Return(r.Context(), id, returnDate)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Respond(w, http.StatusOK, b)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	u := membership.UserFromContext(r.Context())
	if err := h.pol.Authorize(membership.SubjectOf(u), policy.BorrowingDelete, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	id, err := parseBorrowingID(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	if err := h.svc.DeleteBorrowing(r.Context(), id); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseBorrowingID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "borrowingID"))
	if err != nil {
		return uuid.Nil, fault.Invalidf("invalid borrowing id")
	}
	return id, nil
}
