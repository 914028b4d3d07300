// cmd/api/main.go
package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"librarium/internal/catalog"
	"librarium/internal/circulation"
	"librarium/internal/config"
	"librarium/internal/httpx"
	"librarium/internal/inmem"
	"librarium/internal/membership"
	"librarium/internal/policy"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := setupTracing(ctx, cfg.OTLPEndpoint)
		if err != nil {
			log.WithError(err).Fatal("failed to set up tracing")
		}
		defer shutdown(ctx)
	}

	var (
		catalogSvc     catalog.Service
		circulationSvc circulation.Service
		membershipSvc  membership.Service
	)
	if cfg.DatabaseURL != "" {
		db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		defer db.Close()

		catalogSvc = catalog.NewService(db, log)
		circulationSvc = circulation.NewService(db, log, cfg.LockWait)
		membershipSvc = membership.NewService(db, log)
		log.Info("using postgres backend")
	} else {
		store := inmem.NewStore(log, cfg.LockWait)
		catalogSvc = store
		circulationSvc = store
		membershipSvc = store
		log.Warn("DATABASE_URL is not set; using in-memory backend")
	}

	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		if err := membershipSvc.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			log.WithError(err).Fatal("failed to bootstrap admin account")
		}
	}

	pol := policy.Policy{AdminMayBorrow: cfg.AdminMayBorrow}
	tokens := membership.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
	auth := membership.NewAuthenticator(membershipSvc, tokens, log)

	memberH := membership.NewHandler(membershipSvc, tokens, pol, log)
	catalogH := catalog.NewHandler(catalogSvc, pol, log)
	circulationH := circulation.NewHandler(circulationSvc, pol, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.StripSlashes)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
	r.Use(httpx.RequestLogger(log))
	r.Use(auth.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/auth", memberH.AuthRoutes)
	r.Route("/users", memberH.UserRoutes)
	r.Route("/books", catalogH.Register)
	r.Route("/borrowings", circulationH.Register)

	log.WithField("addr", cfg.Addr).Info("starting server")
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
