// Package sqlite implements the entity store on SQLite via database/sql.
// The row layout mirrors the postgres connector: a primary key column plus a
// JSON payload column addressed with the JSON1 functions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vaultline/entitystore/internal/entity"
	"github.com/vaultline/entitystore/internal/querycompile"
)

// Config is the SQLite connector configuration.
type Config struct {
	// Filename is the database file; ":memory:" is accepted for tests.
	Filename string `yaml:"filename"`
	// Table overrides the table name; defaults to the schema name.
	Table string `yaml:"table"`
}

// Store implements entity.Store on a sqlite database handle.
type Store struct {
	schema *entity.Schema
	table  string
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens the database file and constructs the store.
func Open(schema *entity.Schema, cfg Config) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if cfg.Filename == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "sqlite.open", Message: "filename is required"}
	}
	db, err := sql.Open("sqlite3", cfg.Filename)
	if err != nil {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "sqlite.open", Inner: err}
	}
	// A single writer avoids SQLITE_BUSY on concurrent callers.
	db.SetMaxOpenConns(1)
	table := cfg.Table
	if table == "" {
		table = schema.Name
	}
	return &Store{schema: schema, table: table, db: db, logger: log.Logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Bootstrap creates the table and secondary indexes.
func (s *Store) Bootstrap(ctx context.Context) (bool, error) {
	var existing int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, s.table).Scan(&existing)
	if err != nil {
		s.logger.Error().Err(err).Str("table", s.table).Msg("bootstrap probe failed")
		return false, nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (id TEXT PRIMARY KEY, payload TEXT NOT NULL)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		s.logger.Error().Err(err).Str("table", s.table).Msg("failed to create table")
		return false, nil
	}
	for _, p := range s.schema.Properties {
		if !p.IsSecondary {
			continue
		}
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (json_extract(payload, '$.%s'))`,
			s.table+"_"+p.Name+"_idx", s.table, p.Name)
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Error().Err(err).Str("table", s.table).Str("index", p.Name).Msg("failed to create secondary index")
			return false, nil
		}
	}
	if existing == 0 {
		s.logger.Info().Str("entity", s.schema.Name).Str("table", s.table).Msg("table created")
	} else {
		s.logger.Info().Str("entity", s.schema.Name).Str("table", s.table).Msg("table already existed")
	}
	return true, nil
}

// GetSchema returns the store schema.
func (s *Store) GetSchema() *entity.Schema { return s.schema }

// Get looks up an entity by primary key or secondary index.
func (s *Store) Get(ctx context.Context, id string, secondaryIndex string, conditions []entity.Comparator) (map[string]any, error) {
	if id == "" {
		return nil, entity.GuardErr("sqlite.get", "id is required")
	}
	params := []any{id}
	var where string
	if secondaryIndex == "" {
		where = "id = ?"
	} else {
		if !s.schema.IsSecondary(secondaryIndex) {
			return nil, entity.GuardErr("sqlite.get", "property "+secondaryIndex+" is not a secondary index")
		}
		where = fmt.Sprintf("json_extract(payload, '$.%s') = ?", secondaryIndex)
	}
	if len(conditions) > 0 {
		guard, err := querycompile.CompileComparators(conditions, s.schema, sqliteDialect{}, &params)
		if err != nil {
			return nil, err
		}
		if guard != "" {
			where += " AND " + guard
		}
	}

	var raw string
	q := fmt.Sprintf(`SELECT payload FROM %q WHERE %s LIMIT 1`, s.table, where)
	err := s.db.QueryRowContext(ctx, q, params...).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.wrap(entity.KindLookupFailed, "sqlite.get", id, err)
	}
	return decodePayload(raw)
}

// Set upserts an entity with the guard evaluated in the upsert WHERE clause.
func (s *Store) Set(ctx context.Context, e map[string]any, conditions []entity.Comparator) error {
	if e == nil {
		return entity.GuardErr("sqlite.set", "entity is required")
	}
	primary := s.schema.Primary().Name
	id, _ := e[primary].(string)
	if id == "" {
		return entity.GuardErr("sqlite.set", "primary key "+primary+" is required")
	}
	if err := s.schema.ValidateEntity(e); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return entity.OpErr(entity.KindWriteFailed, "sqlite.set", s.table, id, err)
	}

	params := []any{id, string(raw)}
	guard := ""
	if len(conditions) > 0 {
		expr, err := querycompile.CompileComparators(conditions, s.schema, sqliteDialect{}, &params)
		if err != nil {
			return err
		}
		if expr != "" {
			// Unqualified columns inside DO UPDATE refer to the existing row.
			guard = " WHERE " + expr
		}
	}

	q := fmt.Sprintf(
		`INSERT INTO %q (id, payload) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET payload = excluded.payload%s`,
		s.table, guard)
	if _, err := s.db.ExecContext(ctx, q, params...); err != nil {
		return s.wrap(entity.KindWriteFailed, "sqlite.set", id, err)
	}
	return nil
}

// Remove deletes by primary key; missing ids and failed guards are no-ops.
func (s *Store) Remove(ctx context.Context, id string, conditions []entity.Comparator) error {
	if id == "" {
		return entity.GuardErr("sqlite.remove", "id is required")
	}
	params := []any{id}
	where := "id = ?"
	if len(conditions) > 0 {
		guard, err := querycompile.CompileComparators(conditions, s.schema, sqliteDialect{}, &params)
		if err != nil {
			return err
		}
		if guard != "" {
			where += " AND " + guard
		}
	}
	q := fmt.Sprintf(`DELETE FROM %q WHERE %s`, s.table, where)
	if _, err := s.db.ExecContext(ctx, q, params...); err != nil {
		return s.wrap(entity.KindRemoveFailed, "sqlite.remove", id, err)
	}
	return nil
}

// Query compiles the condition tree and pages with an offset cursor.
func (s *Store) Query(ctx context.Context, cond entity.Condition, sort []entity.SortDirective, properties []string, cursor string, pageSize int) (*entity.QueryResult, error) {
	if pageSize <= 0 {
		pageSize = entity.DefaultPageSize
	}
	var params []any
	where, err := querycompile.Compile(cond, s.schema, sqliteDialect{}, &params)
	if err != nil {
		return nil, err
	}
	orderBy, err := querycompile.OrderBy(sort, s.schema, sqliteDialect{})
	if err != nil {
		return nil, err
	}
	if orderBy != "" {
		orderBy += ", id"
	} else {
		orderBy = "id"
	}

	offset, _ := entity.DecodeOffsetCursor(cursor)
	q := fmt.Sprintf(`SELECT payload FROM %q`, s.table)
	if where != "" {
		q += " WHERE " + where
	}
	q += fmt.Sprintf(" ORDER BY %s LIMIT %d OFFSET %d", orderBy, pageSize+1, offset)

	rows, err := s.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, s.wrap(entity.KindQueryFailed, "sqlite.query", "", err)
	}
	defer rows.Close()

	var payloads []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, s.wrap(entity.KindQueryFailed, "sqlite.query", "", err)
		}
		payloads = append(payloads, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(entity.KindQueryFailed, "sqlite.query", "", err)
	}

	result := &entity.QueryResult{}
	if len(payloads) > pageSize {
		payloads = payloads[:pageSize]
		result.Cursor = entity.EncodeOffsetCursor(offset + pageSize)
	}
	for _, raw := range payloads {
		e, err := decodePayload(raw)
		if err != nil {
			return nil, s.wrap(entity.KindQueryFailed, "sqlite.query", "", err)
		}
		result.Entities = append(result.Entities, entity.Project(e, properties))
	}
	return result, nil
}

func (s *Store) wrap(kind, op, id string, err error) error {
	if strings.Contains(err.Error(), "no such table") {
		kind = entity.KindBackendUnavailable
	}
	return entity.OpErr(kind, op, s.table, id, err)
}

func decodePayload(raw string) (map[string]any, error) {
	var e map[string]any
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return e, nil
}

// sqliteDialect addresses the JSON payload with the JSON1 functions.
type sqliteDialect struct{}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) Operator(c entity.Comparison) (string, error) {
	return querycompile.DefaultOperator(c)
}

func (sqliteDialect) Column(prop entity.Property, path []string) (string, error) {
	return fmt.Sprintf("json_extract(payload, '$.%s')", strings.Join(path, ".")), nil
}

func (sqliteDialect) Contains(expr, placeholder string, element, negate bool) (string, error) {
	var rendered string
	if element {
		rendered = fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = %s)", expr, placeholder)
	} else {
		rendered = fmt.Sprintf("instr(%s, %s) > 0", expr, placeholder)
	}
	if negate {
		rendered = "NOT (" + rendered + ")"
	}
	return rendered, nil
}

// Param keeps scalars native so json_extract / json_each comparisons match;
// composite values compare through their JSON text form.
func (sqliteDialect) Param(prop entity.Property, path []string, value any) (any, error) {
	switch value.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case bool:
		// json_extract yields 0/1 for JSON booleans.
		if value == true {
			return 1, nil
		}
		return 0, nil
	default:
		return value, nil
	}
}
