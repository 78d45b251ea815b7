package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/vaultline/entitystore/internal/entity"
)

// queryResponse is the body for GET /entity-storage
type queryResponse struct {
	Entities []map[string]any `json:"entities"`
	Cursor   string           `json:"cursor,omitempty"`
}

// SetEntity handles POST /entity-storage
func (s *Server) SetEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	var e map[string]any
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.Store.Set(ctx, e, nil); err != nil {
		logger.Error().Err(err).Msg("failed to store entity")
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEntity handles GET /entity-storage/{id}
func (s *Server) GetEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	id := chi.URLParam(r, "id")
	secondaryIndex := r.URL.Query().Get("secondaryIndex")

	e, err := s.Store.Get(ctx, id, secondaryIndex, nil)
	if err != nil {
		logger.Error().Err(err).Str("id", id).Msg("failed to get entity")
		writeStoreError(w, r, err)
		return
	}
	if e == nil {
		writeError(w, r, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// RemoveEntity handles DELETE /entity-storage/{id}
func (s *Server) RemoveEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	id := chi.URLParam(r, "id")
	existing, err := s.Store.Get(ctx, id, "", nil)
	if err != nil {
		logger.Error().Err(err).Str("id", id).Msg("failed to check entity before delete")
		writeStoreError(w, r, err)
		return
	}
	if existing == nil {
		writeError(w, r, http.StatusNotFound, "entity not found")
		return
	}

	if err := s.Store.Remove(ctx, id, nil); err != nil {
		logger.Error().Err(err).Str("id", id).Msg("failed to remove entity")
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryEntities handles GET /entity-storage
func (s *Server) QueryEntities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)
	q := r.URL.Query()

	var cond entity.Condition
	if raw := q.Get("conditions"); raw != "" {
		parsed, err := entity.ParseCondition([]byte(raw))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid conditions: "+err.Error())
			return
		}
		cond = parsed
	}

	var sort []entity.SortDirective
	if orderBy := q.Get("orderBy"); orderBy != "" {
		direction := entity.SortAscending
		if q.Get("orderByDirection") == string(entity.SortDescending) {
			direction = entity.SortDescending
		}
		sort = append(sort, entity.SortDirective{Property: orderBy, SortDirection: direction})
	}

	var properties []string
	if raw := q.Get("properties"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				properties = append(properties, p)
			}
		}
	}

	pageSize := parsePageSize(q.Get("pageSize"), entity.DefaultPageSize, 1000)

	res, err := s.Store.Query(ctx, cond, sort, properties, q.Get("cursor"), pageSize)
	if err != nil {
		logger.Error().Err(err).Msg("query failed")
		writeStoreError(w, r, err)
		return
	}

	resp := queryResponse{Entities: res.Entities, Cursor: res.Cursor}
	if resp.Entities == nil {
		resp.Entities = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// syncChangeSetReq is the request body for the trusted-node push surface
type syncChangeSetReq struct {
	ChangeSetBlobID string `json:"changeSetBlobId"`
}

// SyncChangeSet handles POST /sync/change-set
func (s *Server) SyncChangeSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable body")
		return
	}
	var req syncChangeSetReq
	if err := json.Unmarshal(body, &req); err != nil || req.ChangeSetBlobID == "" {
		writeError(w, r, http.StatusBadRequest, "changeSetBlobId is required")
		return
	}

	if err := s.Receiver.SyncChangeSet(ctx, req.ChangeSetBlobID); err != nil {
		logger.Error().Err(err).Str("blob", req.ChangeSetBlobID).Msg("change-set push rejected")
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
