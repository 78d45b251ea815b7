// Package file implements the local-file entity store: a directory holding
// one JSON document per logical partition plus a partition-index document.
// Writes go through a temp-file rename so a crash never leaves a partition
// half-written.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vaultline/entitystore/internal/entity"
)

const (
	indexFileName           = "partition-index.json"
	defaultMaxPartitionSize = 1000
)

// Config is the file connector configuration.
type Config struct {
	// Directory holds the partition documents for this entity type.
	Directory string `yaml:"directory"`
	// MaxPartitionSize caps the entities per partition document. Defaults to 1000.
	MaxPartitionSize int `yaml:"maxPartitionSize"`
}

type partitionIndex struct {
	Partitions []string `json:"partitions"`
}

type partition struct {
	name string
	ids  []string
}

// Store persists entities as JSON partition documents.
type Store struct {
	mu         sync.Mutex
	schema     *entity.Schema
	cfg        Config
	items      map[string]map[string]any
	partitions []*partition
	byID       map[string]*partition
	loaded     bool
	logger     zerolog.Logger
}

// New creates a file store. The directory is created at Bootstrap, not here.
func New(schema *entity.Schema, cfg Config) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if cfg.Directory == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "file.new", Message: "directory is required"}
	}
	if cfg.MaxPartitionSize <= 0 {
		cfg.MaxPartitionSize = defaultMaxPartitionSize
	}
	return &Store{
		schema: schema,
		cfg:    cfg,
		items:  map[string]map[string]any{},
		byID:   map[string]*partition{},
		logger: log.Logger,
	}, nil
}

// Bootstrap creates the storage directory and index document if missing.
func (s *Store) Bootstrap(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := false
	if _, err := os.Stat(s.cfg.Directory); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(s.cfg.Directory, 0o755); err != nil {
			s.logger.Error().Err(err).Str("dir", s.cfg.Directory).Msg("failed to create storage directory")
			return false, nil
		}
		created = true
	}
	if err := s.loadLocked(); err != nil {
		s.logger.Error().Err(err).Str("dir", s.cfg.Directory).Msg("failed to load partitions")
		return false, nil
	}
	if created {
		if err := s.writeIndexLocked(); err != nil {
			return false, nil
		}
		s.logger.Info().Str("entity", s.schema.Name).Str("dir", s.cfg.Directory).Msg("storage directory created")
	} else {
		s.logger.Info().Str("entity", s.schema.Name).Str("dir", s.cfg.Directory).Int("partitions", len(s.partitions)).Msg("storage directory already existed")
	}
	return true, nil
}

// GetSchema returns the store schema.
func (s *Store) GetSchema() *entity.Schema { return s.schema }

// Get looks up an entity by primary key or secondary index.
func (s *Store) Get(ctx context.Context, id string, secondaryIndex string, conditions []entity.Comparator) (map[string]any, error) {
	if id == "" {
		return nil, entity.GuardErr("file.get", "id is required")
	}
	if err := entity.ValidateComparators(conditions, s.schema); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked("file.get", id); err != nil {
		return nil, err
	}

	var found map[string]any
	if secondaryIndex == "" {
		found = s.items[id]
	} else {
		if !s.schema.IsSecondary(secondaryIndex) {
			return nil, entity.GuardErr("file.get", "property "+secondaryIndex+" is not a secondary index")
		}
		for _, p := range s.partitions {
			for _, key := range p.ids {
				v, _ := entity.LookupPath(s.items[key], secondaryIndex)
				if sv, ok := v.(string); ok && sv == id {
					found = s.items[key]
					break
				}
			}
			if found != nil {
				break
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	ok, err := entity.MatchAll(found, conditions)
	if err != nil {
		return nil, entity.OpErr(entity.KindLookupFailed, "file.get", s.schema.Name, id, err)
	}
	if !ok {
		return nil, nil
	}
	return entity.Clone(found), nil
}

// Set upserts an entity, honouring guard conditions with silent no-op.
func (s *Store) Set(ctx context.Context, e map[string]any, conditions []entity.Comparator) error {
	if e == nil {
		return entity.GuardErr("file.set", "entity is required")
	}
	primary := s.schema.Primary().Name
	id, _ := e[primary].(string)
	if id == "" {
		return entity.GuardErr("file.set", "primary key "+primary+" is required")
	}
	if err := s.schema.ValidateEntity(e); err != nil {
		return err
	}
	if err := entity.ValidateComparators(conditions, s.schema); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked("file.set", id); err != nil {
		return err
	}

	p := s.byID[id]
	if p != nil {
		match, err := entity.MatchAll(s.items[id], conditions)
		if err != nil {
			return entity.OpErr(entity.KindWriteFailed, "file.set", s.schema.Name, id, err)
		}
		if !match {
			return nil
		}
	} else {
		p = s.openPartitionLocked()
		p.ids = append(p.ids, id)
		s.byID[id] = p
	}
	s.items[id] = entity.Clone(e)
	if err := s.writePartitionLocked(p); err != nil {
		return entity.OpErr(entity.KindWriteFailed, "file.set", s.schema.Name, id, err)
	}
	return s.writeIndexLocked()
}

// Remove deletes by primary key; missing ids and failed guards are no-ops.
func (s *Store) Remove(ctx context.Context, id string, conditions []entity.Comparator) error {
	if id == "" {
		return entity.GuardErr("file.remove", "id is required")
	}
	if err := entity.ValidateComparators(conditions, s.schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked("file.remove", id); err != nil {
		return err
	}

	p := s.byID[id]
	if p == nil {
		return nil
	}
	match, err := entity.MatchAll(s.items[id], conditions)
	if err != nil {
		return entity.OpErr(entity.KindRemoveFailed, "file.remove", s.schema.Name, id, err)
	}
	if !match {
		return nil
	}
	delete(s.items, id)
	delete(s.byID, id)
	for i, key := range p.ids {
		if key == id {
			p.ids = append(p.ids[:i], p.ids[i+1:]...)
			break
		}
	}
	if err := s.writePartitionLocked(p); err != nil {
		return entity.OpErr(entity.KindRemoveFailed, "file.remove", s.schema.Name, id, err)
	}
	return s.writeIndexLocked()
}

// Query pages through matching entities with an offset cursor.
func (s *Store) Query(ctx context.Context, cond entity.Condition, sort []entity.SortDirective, properties []string, cursor string, pageSize int) (*entity.QueryResult, error) {
	if pageSize <= 0 {
		pageSize = entity.DefaultPageSize
	}
	if err := entity.ValidateCondition(cond, s.schema); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := s.ensureLoadedLocked("file.query", ""); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	matched := make([]map[string]any, 0)
	for _, p := range s.partitions {
		for _, key := range p.ids {
			ok, err := entity.Match(s.items[key], cond)
			if err != nil {
				s.mu.Unlock()
				return nil, entity.OpErr(entity.KindQueryFailed, "file.query", s.schema.Name, "", err)
			}
			if ok {
				matched = append(matched, s.items[key])
			}
		}
	}
	s.mu.Unlock()

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

func (s *Store) ensureLoadedLocked(op, id string) error {
	if s.loaded {
		return nil
	}
	if _, err := os.Stat(s.cfg.Directory); errors.Is(err, os.ErrNotExist) {
		return entity.OpErr(entity.KindBackendUnavailable, op, s.schema.Name, id, err)
	}
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	s.items = map[string]map[string]any{}
	s.partitions = nil
	s.byID = map[string]*partition{}

	var idx partitionIndex
	raw, err := os.ReadFile(filepath.Join(s.cfg.Directory, indexFileName))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	} else if err := json.Unmarshal(raw, &idx); err != nil {
		return fmt.Errorf("corrupt partition index: %w", err)
	}

	primary := s.schema.Primary().Name
	for _, name := range idx.Partitions {
		raw, err := os.ReadFile(filepath.Join(s.cfg.Directory, name+".json"))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		var entities []map[string]any
		if err := json.Unmarshal(raw, &entities); err != nil {
			return fmt.Errorf("corrupt partition %s: %w", name, err)
		}
		p := &partition{name: name}
		for _, e := range entities {
			id, _ := e[primary].(string)
			if id == "" {
				continue
			}
			p.ids = append(p.ids, id)
			s.items[id] = e
			s.byID[id] = p
		}
		s.partitions = append(s.partitions, p)
	}
	s.loaded = true
	return nil
}

// openPartitionLocked returns the last partition with capacity, creating a
// fresh one when full.
func (s *Store) openPartitionLocked() *partition {
	if n := len(s.partitions); n > 0 && len(s.partitions[n-1].ids) < s.cfg.MaxPartitionSize {
		return s.partitions[n-1]
	}
	p := &partition{name: fmt.Sprintf("partition-%04d", len(s.partitions)+1)}
	s.partitions = append(s.partitions, p)
	return p
}

func (s *Store) writePartitionLocked(p *partition) error {
	entities := make([]map[string]any, 0, len(p.ids))
	for _, id := range p.ids {
		entities = append(entities, s.items[id])
	}
	raw, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.cfg.Directory, p.name+".json"), raw)
}

func (s *Store) writeIndexLocked() error {
	idx := partitionIndex{Partitions: make([]string, 0, len(s.partitions))}
	for _, p := range s.partitions {
		idx.Partitions = append(idx.Partitions, p.name)
	}
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(s.cfg.Directory, indexFileName), raw); err != nil {
		return entity.OpErr(entity.KindWriteFailed, "file.index", s.schema.Name, "", err)
	}
	return nil
}

// atomicWrite writes via a temp file and rename so readers never observe a
// partial document.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
