// Package api exposes the engine's synchronous operations over HTTP. Every
// route except the health check runs under a bearer token resolved to a
// tenant; handlers never see another tenant's rows.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/davemott/paperledger/internal/engine"
	"github.com/davemott/paperledger/internal/storage"
)

type contextKey string

const tenantKey contextKey = "tenant"

// Server is the HTTP front end.
type Server struct {
	engine *engine.Engine
	store  storage.Interface
	logger *logrus.Logger
	tokens map[string]string // bearer token -> tenant id
	router chi.Router
}

// NewServer builds the router.
func NewServer(eng *engine.Engine, store storage.Interface, tokens map[string]string,
	requestTimeout time.Duration, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	s := &Server{
		engine: eng,
		store:  store,
		logger: logger,
		tokens: tokens,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/api/positions", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/close", s.handleClose)
			r.Put("/bracket", s.handleBracket)
			r.Get("/transitions", s.handleTransitions)
			r.Get("/snapshots", s.handleSnapshots)
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// authenticate resolves the bearer token to a tenant id and rejects
// everything else.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tenantID, ok := s.tokens[token]
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(ctx context.Context) string {
	tenantID, _ := ctx.Value(tenantKey).(string)
	return tenantID
}
