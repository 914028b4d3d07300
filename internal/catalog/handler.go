// internal/catalog/handler.go
package catalog

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"librarium/internal/fault"
	"librarium/internal/httpx"
	"librarium/internal/membership"
	"librarium/internal/policy"
)

// Handler exposes the catalog over HTTP. Reads are public; writes go
// through the access policy.
type Handler struct {
	svc Service
	pol policy.Policy
	log *logrus.Logger
}

func NewHandler(svc Service, pol policy.Policy, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, pol: pol, log: log}
}

// Register mounts the catalog routes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{bookID}", h.get)
	r.Put("/{bookID}", h.update)
	r.Delete("/{bookID}", h.remove)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, _ := strconv.Atoi(q.Get("skip"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	books, err := h.svc.ListBooks(r.Context(), ListParams{
		Search: q.Get("search"),
		Skip:   skip,
		Limit:  limit,
	})
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	if books == nil {
		books = []*Book{}
	}
	httpx.Respond(w, http.StatusOK, books)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := parseBookID(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	b, err := h.svc.GetBook(r.Context(), id)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Respond(w, http.StatusOK, b)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	u := membership.UserFromContext(r.Context())
	if err := h.pol.Authorize(membership.SubjectOf(u), policy.CatalogWrite, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	var p CreateParams
	if err := httpx.Decode(r, &p); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	b, err := h.svc.AddBook(r.Context(), p)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Respond(w, http.StatusCreated, b)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	u := membership.UserFromContext(r.Context())
	if err := h.pol.Authorize(membership.SubjectOf(u), policy.CatalogWrite, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	id, err := parseBookID(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	var p UpdateParams
	if err := httpx.Decode(r, &p); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	b, err := h.svc.UpdateBook(r.Context(), id, p)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Respond(w, http.StatusOK, b)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	u := membership.UserFromContext(r.Context())
	if err := h.pol.Authorize(membership.SubjectOf(u), policy.CatalogWrite, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	id, err := parseBookID(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	if err := h.svc.RemoveBook(r.Context(), id); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseBookID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		return uuid.Nil, fault.Invalidf("invalid book id")
	}
	return id, nil
}
