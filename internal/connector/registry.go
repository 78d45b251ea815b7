// Package connector opens entity stores by backend name so callers configure
// storage declaratively instead of importing backend packages directly.
package connector

import (
	"context"
	"fmt"

	"github.com/vaultline/entitystore/internal/connector/file"
	"github.com/vaultline/entitystore/internal/connector/memory"
	mongoconn "github.com/vaultline/entitystore/internal/connector/mongo"
	"github.com/vaultline/entitystore/internal/connector/postgres"
	"github.com/vaultline/entitystore/internal/connector/scylla"
	"github.com/vaultline/entitystore/internal/connector/sqlite"
	"github.com/vaultline/entitystore/internal/entity"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendScylla   = "scylla"
	BackendMongo    = "mongo"
)

// Config selects a backend and carries its settings. Only the section for
// the selected backend is consulted.
type Config struct {
	Backend  string           `yaml:"backend"`
	File     file.Config      `yaml:"file"`
	Postgres postgres.Config  `yaml:"postgres"`
	SQLite   sqlite.Config    `yaml:"sqlite"`
	Scylla   scylla.Config    `yaml:"scylla"`
	Mongo    mongoconn.Config `yaml:"mongo"`
}

// Open constructs the store for the configured backend. Unknown backend
// names fail with ConfigurationInvalid.
func Open(ctx context.Context, schema *entity.Schema, cfg Config) (entity.Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return memory.New(schema)
	case BackendFile:
		return file.New(schema, cfg.File)
	case BackendPostgres:
		return postgres.Open(ctx, schema, cfg.Postgres)
	case BackendSQLite:
		return sqlite.Open(schema, cfg.SQLite)
	case BackendScylla:
		return scylla.Open(schema, cfg.Scylla)
	case BackendMongo:
		return mongoconn.Open(ctx, schema, cfg.Mongo)
	default:
		return nil, &entity.StoreError{
			Kind:    entity.KindConfigurationInvalid,
			Op:      "connector.open",
			Message: fmt.Sprintf("unknown backend %q", cfg.Backend),
		}
	}
}

// Close releases backend resources for stores that hold any.
func Close(ctx context.Context, s entity.Store) error {
	switch t := s.(type) {
	case *postgres.Store:
		t.Close()
		return nil
	case *sqlite.Store:
		return t.Close()
	case *scylla.Store:
		t.Close()
		return nil
	case *mongoconn.Store:
		return t.Close(ctx)
	default:
		return nil
	}
}
