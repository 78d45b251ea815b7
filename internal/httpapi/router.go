// Package httpapi exposes the entity-storage REST surface and the
// trusted-node sync push endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/vaultline/entitystore/internal/auth"
	"github.com/vaultline/entitystore/internal/entity"
)

// ChangeSetReceiver is the trusted-node push surface served under /sync.
type ChangeSetReceiver interface {
	SyncChangeSet(ctx context.Context, changeSetBlobID string) error
}

// Server holds dependencies for HTTP handlers
type Server struct {
	Store entity.Store
	// Receiver handles pushed change-sets; nil disables the sync endpoint.
	Receiver ChangeSetReceiver
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// parsePageSize parses a pageSize query param with default and max
func parsePageSize(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with the storage and sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Route("/entity-storage", func(r chi.Router) {
		r.Post("/", s.SetEntity)
		r.Get("/", s.QueryEntities)
		r.Get("/{id}", s.GetEntity)
		r.Delete("/{id}", s.RemoveEntity)
	})

	// The push surface is reserved for authenticated trusted nodes.
	if s.Receiver != nil {
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(jwt))
			r.Post("/sync/change-set", s.SyncChangeSet)
		})
	}

	log.Info().Msg("HTTP routes registered")
	return r
}
