// Package memory implements the in-memory entity store. It is the reference
// connector: the behavioural oracle the other connectors are conformance
// tested against.
package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vaultline/entitystore/internal/entity"
)

// Store is a mutex-guarded map store keyed by primary key. Insertion order is
// retained so unsorted queries page deterministically.
type Store struct {
	mu     sync.RWMutex
	schema *entity.Schema
	items  map[string]map[string]any
	order  []string
	strict bool
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithStrictUndefined makes writes fail with UndefinedProperty when an entity
// carries a nil value. The default silently drops nil properties.
func WithStrictUndefined() Option {
	return func(s *Store) { s.strict = true }
}

// WithLogger sets the logging sink for bootstrap progress.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a memory store for the given schema.
func New(schema *entity.Schema, opts ...Option) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		schema: schema,
		items:  map[string]map[string]any{},
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bootstrap is a no-op for the in-memory backend.
func (s *Store) Bootstrap(ctx context.Context) (bool, error) {
	s.logger.Info().Str("entity", s.schema.Name).Str("backend", "memory").Msg("store ready")
	return true, nil
}

// GetSchema returns the store schema.
func (s *Store) GetSchema() *entity.Schema { return s.schema }

// Get looks up an entity by primary key or by a declared secondary index.
func (s *Store) Get(ctx context.Context, id string, secondaryIndex string, conditions []entity.Comparator) (map[string]any, error) {
	if id == "" {
		return nil, entity.GuardErr("memory.get", "id is required")
	}
	if err := entity.ValidateComparators(conditions, s.schema); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found map[string]any
	if secondaryIndex == "" {
		found = s.items[id]
	} else {
		if !s.schema.IsSecondary(secondaryIndex) {
			return nil, entity.GuardErr("memory.get", "property "+secondaryIndex+" is not a secondary index")
		}
		for _, key := range s.order {
			v, _ := entity.LookupPath(s.items[key], secondaryIndex)
			if sv, ok := v.(string); ok && sv == id {
				found = s.items[key]
				break
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	ok, err := entity.MatchAll(found, conditions)
	if err != nil {
		return nil, entity.OpErr(entity.KindLookupFailed, "memory.get", s.schema.Name, id, err)
	}
	if !ok {
		return nil, nil
	}
	return entity.Clone(found), nil
}

// Set upserts an entity. When guard conditions are supplied and an existing
// row does not satisfy them the write is a silent no-op.
func (s *Store) Set(ctx context.Context, e map[string]any, conditions []entity.Comparator) error {
	// Normalisation works on a clone so the caller's map is never mutated.
	stored := entity.Clone(e)
	id, err := s.prepare(stored)
	if err != nil {
		return err
	}
	if err := entity.ValidateComparators(conditions, s.schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[id]; ok {
		match, err := entity.MatchAll(existing, conditions)
		if err != nil {
			return entity.OpErr(entity.KindWriteFailed, "memory.set", s.schema.Name, id, err)
		}
		if !match {
			return nil
		}
	} else {
		s.order = append(s.order, id)
	}
	s.items[id] = stored
	return nil
}

// Remove deletes by primary key. Missing ids and failed guards are no-ops.
func (s *Store) Remove(ctx context.Context, id string, conditions []entity.Comparator) error {
	if id == "" {
		return entity.GuardErr("memory.remove", "id is required")
	}
	if err := entity.ValidateComparators(conditions, s.schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[id]
	if !ok {
		return nil
	}
	match, err := entity.MatchAll(existing, conditions)
	if err != nil {
		return entity.OpErr(entity.KindRemoveFailed, "memory.remove", s.schema.Name, id, err)
	}
	if !match {
		return nil
	}
	delete(s.items, id)
	for i, key := range s.order {
		if key == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Query pages through entities matching the condition tree, using an offset
// cursor.
func (s *Store) Query(ctx context.Context, cond entity.Condition, sort []entity.SortDirective, properties []string, cursor string, pageSize int) (*entity.QueryResult, error) {
	if pageSize <= 0 {
		pageSize = entity.DefaultPageSize
	}
	if err := entity.ValidateCondition(cond, s.schema); err != nil {
		return nil, err
	}
	for _, dir := range sort {
		if _, ok := s.schema.Property(entity.PathSegments(dir.Property)[0]); !ok {
			return nil, entity.GuardErr("memory.query", "sort property "+dir.Property+" is not declared by the schema")
		}
	}

	s.mu.RLock()
	matched := make([]map[string]any, 0, len(s.items))
	for _, key := range s.order {
		ok, err := entity.Match(s.items[key], cond)
		if err != nil {
			s.mu.RUnlock()
			return nil, entity.OpErr(entity.KindQueryFailed, "memory.query", s.schema.Name, "", err)
		}
		if ok {
			matched = append(matched, s.items[key])
		}
	}
	s.mu.RUnlock()

	if len(sort) > 0 {
		entity.SortEntities(matched, sort, s.schema)
	}

	offset, _ := entity.DecodeOffsetCursor(cursor)
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	page := make([]map[string]any, 0, end-offset)
	for _, e := range matched[offset:end] {
		page = append(page, entity.Project(e, properties))
	}

	result := &entity.QueryResult{Entities: page}
	if end < len(matched) {
		result.Cursor = entity.EncodeOffsetCursor(end)
	}
	return result, nil
}

// prepare validates the entity against the schema and normalises nil values.
func (s *Store) prepare(e map[string]any) (string, error) {
	if e == nil {
		return "", entity.GuardErr("memory.set", "entity is required")
	}
	primary := s.schema.Primary().Name
	id, _ := e[primary].(string)
	if id == "" {
		return "", entity.GuardErr("memory.set", "primary key "+primary+" is required")
	}
	for k, v := range e {
		if v == nil {
			if s.strict {
				return "", &entity.StoreError{
					Kind:      entity.KindUndefinedProperty,
					Op:        "memory.set",
					Container: s.schema.Name,
					ID:        id,
					Message:   "property " + k + " is undefined",
				}
			}
			delete(e, k)
		}
	}
	if err := s.schema.ValidateEntity(e); err != nil {
		return "", err
	}
	return id, nil
}
