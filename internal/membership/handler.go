// internal/membership/handler.go
package membership

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"librarium/internal/fault"
	"librarium/internal/httpx"
	"librarium/internal/policy"
)

// Handler exposes registration, login and user administration over HTTP.
type Handler struct {
	svc     Service
	tokens  *TokenIssuer
	pol     policy.Policy
	log     *logrus.Logger
	limiter *rate.Limiter
}

func NewHandler(svc Service, tokens *TokenIssuer, pol policy.Policy, log *logrus.Logger) *Handler {
	return &Handler{
		svc:     svc,
		tokens:  tokens,
		pol:     pol,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Second), 20),
	}
}

// AuthRoutes mounts /register and /login.
func (h *Handler) AuthRoutes(r chi.Router) {
	r.Post("/register", h.register)
	r.Post("/login", h.login)
}

// UserRoutes mounts the user administration endpoints.
func (h *Handler) UserRoutes(r chi.Router) {
	r.Get("/me", h.me)
	r.Get("/", h.list)
	r.Get("/{userID}", h.get)
	r.Put("/{userID}", h.update)
	r.Delete("/{userID}", h.remove)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		httpx.Error(w, h.log, fault.RateLimitedf("too many registration attempts"))
		return
	}

	var p RegisterParams
	if err := httpx.Decode(r, &p); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	u, err := h.svc.Register(r.Context(), p)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	httpx.Respond(w, http.StatusCreated, u)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		httpx.Error(w, h.log, fault.RateLimitedf("too many login attempts"))
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	u, err := h.svc.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	token, err := h.tokens.Issue(u.Username)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	httpx.Respond(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	u := UserFromContext(r.Context())
	if err := h.pol.Authorize(SubjectOf(u), policy.UserSelfRead, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Respond(w, http.StatusOK, u)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	u := UserFromContext(r.Context())
	if err := h.pol.Authorize(SubjectOf(u), policy.UserAdmin, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	users, err := h.svc.ListUsers(r.Context(), skip, limit)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	if users == nil {
		users = []*User{}
	}
	httpx.Respond(w, http.StatusOK, users)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	u := UserFromContext(r.Context())
	if err := h.pol.Authorize(SubjectOf(u), policy.UserAdmin, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	id, err := parseUserID(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	target, err := h.svc.GetUser(r.Context(), id)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Respond(w, http.StatusOK, target)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	u := UserFromContext(r.Context())
	if err := h.pol.Authorize(SubjectOf(u), policy.UserAdmin, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	id, err := parseUserID(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	var p UpdateParams
	if err := httpx.Decode(r, &p); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	updated, err := h.svc.UpdateUser(r.Context(), id, p)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Respond(w, http.StatusOK, updated)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	u := UserFromContext(r.Context())
	if err := h.pol.Authorize(SubjectOf(u), policy.UserAdmin, policy.Resource{}); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	id, err := parseUserID(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	if err := h.svc.DeleteUser(r.Context(), id); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseUserID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		return uuid.Nil, fault.Invalidf("invalid user id")
	}
	return id, nil
}
