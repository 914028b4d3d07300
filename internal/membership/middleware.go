// internal/membership/middleware.go
package membership

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"librarium/internal/fault"
	"librarium/internal/httpx"
)

type ctxKey struct{}

// ContextWithUser attaches the authenticated user to the context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFromContext returns the authenticated user, or nil for anonymous
// requests.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(ctxKey{}).(*User)
	return u
}

// Authenticator resolves bearer tokens into users.
type Authenticator struct {
	svc    Service
	tokens *TokenIssuer
	log    *logrus.Logger
}

func NewAuthenticator(svc Service, tokens *TokenIssuer, log *logrus.Logger) *Authenticator {
	return &Authenticator{svc: svc, tokens: tokens, log: log}
}

// Middleware parses the Authorization header when present and injects the
// resolved user into the request context. Requests without a header pass
// through anonymously; whether that suffices is decided per-action by the
// access policy. A header that is present but unusable is rejected
// outright so clients discard stale tokens.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			httpx.Error(w, a.log, fault.Unauthenticatedf("malformed authorization header"))
			return
		}

		username, err := a.tokens.Verify(raw)
		if err != nil {
			httpx.Error(w, a.log, err)
			return
		}

		u, err := a.svc.GetUserByUsername(r.Context(), username)
		if err != nil {
			httpx.Error(w, a.log, fault.Unauthenticatedf("unknown token subject"))
			return
		}
		if !u.IsActive {
			httpx.Error(w, a.log, fault.Forbiddenf("user is deactivated"))
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), u)))
	})
}
