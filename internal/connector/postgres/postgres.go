// Package postgres implements the entity store on PostgreSQL. Each entity
// type maps to one table holding the primary key column plus a JSONB payload;
// secondary indexes become expression indexes over the payload.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vaultline/entitystore/internal/entity"
	"github.com/vaultline/entitystore/internal/querycompile"
)

// Config is the PostgreSQL connector configuration.
type Config struct {
	// DSN is the postgres connection string (URL or keyword form).
	DSN string `yaml:"dsn"`
	// Table overrides the table name; defaults to the schema name.
	Table string `yaml:"table"`
}

// Store implements entity.Store on a pgx connection pool. The pool is owned
// by the store from construction to Close.
type Store struct {
	schema *entity.Schema
	table  string
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects the pool and constructs the store. Missing required config
// fails with ConfigurationInvalid.
func Open(ctx context.Context, schema *entity.Schema, cfg Config) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "postgres.open", Message: "dsn is required"}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "postgres.open", Inner: err}
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, entity.OpErr(entity.KindBackendUnavailable, "postgres.open", schema.Name, "", err)
	}
	table := cfg.Table
	if table == "" {
		table = schema.Name
	}
	return &Store{schema: schema, table: table, pool: pool, logger: log.Logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Bootstrap creates the table and the declared secondary indexes.
func (s *Store) Bootstrap(ctx context.Context) (bool, error) {
	var existing *string
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass($1)::text`, s.table).Scan(&existing); err != nil {
		s.logger.Error().Err(err).Str("table", s.table).Msg("bootstrap probe failed")
		return false, nil
	}

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, payload JSONB NOT NULL)`,
		quoteIdent(s.table))
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		s.logger.Error().Err(err).Str("table", s.table).Msg("failed to create table")
		return false, nil
	}
	for _, p := range s.schema.Properties {
		if !p.IsSecondary {
			continue
		}
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((payload->>'%s'))`,
			quoteIdent(s.table+"_"+p.Name+"_idx"), quoteIdent(s.table), p.Name)
		if _, err := s.pool.Exec(ctx, idx); err != nil {
			s.logger.Error().Err(err).Str("table", s.table).Str("index", p.Name).Msg("failed to create secondary index")
			return false, nil
		}
	}
	if existing == nil {
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
		return nil, entity.GuardErr("postgres.get", "id is required")
	}

	params := []any{id}
	var where string
	if secondaryIndex == "" {
		where = "id = $1"
	} else {
		if !s.schema.IsSecondary(secondaryIndex) {
			return nil, entity.GuardErr("postgres.get", "property "+secondaryIndex+" is not a secondary index")
		}
		where = fmt.Sprintf("payload->>'%s' = $1", secondaryIndex)
	}
	if len(conditions) > 0 {
		guard, err := querycompile.CompileComparators(conditions, s.schema, s.dialect("payload"), &params)
		if err != nil {
			return nil, err
		}
		if guard != "" {
			where += " AND " + guard
		}
	}

	var payload map[string]any
	q := fmt.Sprintf(`SELECT payload FROM %s WHERE %s LIMIT 1`, quoteIdent(s.table), where)
	err := s.pool.QueryRow(ctx, q, params...).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, s.wrap(entity.KindLookupFailed, "postgres.get", id, err)
	}
	return payload, nil
}

// Set upserts an entity; guard conditions are evaluated against the existing
// row inside the ON CONFLICT clause, so a failed guard is a silent no-op and
// inserts ignore the guard entirely.
func (s *Store) Set(ctx context.Context, e map[string]any, conditions []entity.Comparator) error {
	if e == nil {
		return entity.GuardErr("postgres.set", "entity is required")
	}
	primary := s.schema.Primary().Name
	id, _ := e[primary].(string)
	if id == "" {
		return entity.GuardErr("postgres.set", "primary key "+primary+" is required")
	}
	if err := s.schema.ValidateEntity(e); err != nil {
		return err
	}

	params := []any{id, e}
	guard := ""
	if len(conditions) > 0 {
		expr, err := querycompile.CompileComparators(conditions, s.schema, s.dialect(quoteIdent(s.table)+".payload"), &params)
		if err != nil {
			return err
		}
		if expr != "" {
			guard = " WHERE " + expr
		}
	}

	q := fmt.Sprintf(
		`INSERT INTO %s (id, payload) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload%s`,
		quoteIdent(s.table), guard)
	if _, err := s.pool.Exec(ctx, q, params...); err != nil {
		return s.wrap(entity.KindWriteFailed, "postgres.set", id, err)
	}
	return nil
}

// Remove deletes by primary key; missing ids and failed guards are no-ops.
func (s *Store) Remove(ctx context.Context, id string, conditions []entity.Comparator) error {
	if id == "" {
		return entity.GuardErr("postgres.remove", "id is required")
	}
	params := []any{id}
	where := "id = $1"
	if len(conditions) > 0 {
		guard, err := querycompile.CompileComparators(conditions, s.schema, s.dialect("payload"), &params)
		if err != nil {
			return err
		}
		if guard != "" {
			where += " AND " + guard
		}
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s`, quoteIdent(s.table), where)
	if _, err := s.pool.Exec(ctx, q, params...); err != nil {
		return s.wrap(entity.KindRemoveFailed, "postgres.remove", id, err)
	}
	return nil
}

// Query compiles the condition tree to a WHERE clause and pages with an
// offset cursor. The primary key is always the final sort tiebreaker.
func (s *Store) Query(ctx context.Context, cond entity.Condition, sort []entity.SortDirective, properties []string, cursor string, pageSize int) (*entity.QueryResult, error) {
	if pageSize <= 0 {
		pageSize = entity.DefaultPageSize
	}
	var params []any
	where, err := querycompile.Compile(cond, s.schema, s.dialect("payload"), &params)
	if err != nil {
		return nil, err
	}
	orderBy, err := querycompile.OrderBy(sort, s.schema, s.dialect("payload"))
	if err != nil {
		return nil, err
	}
	if orderBy != "" {
		orderBy += ", id"
	} else {
		orderBy = "id"
	}

	offset, _ := entity.DecodeOffsetCursor(cursor)
	q := fmt.Sprintf(`SELECT payload FROM %s`, quoteIdent(s.table))
	if where != "" {
		q += " WHERE " + where
	}
	q += fmt.Sprintf(" ORDER BY %s LIMIT %d OFFSET %d", orderBy, pageSize+1, offset)

	rows, err := s.pool.Query(ctx, q, params...)
	if err != nil {
		return nil, s.wrap(entity.KindQueryFailed, "postgres.query", "", err)
	}
	defer rows.Close()

	entities := make([]map[string]any, 0, pageSize)
	for rows.Next() {
		var payload map[string]any
		if err := rows.Scan(&payload); err != nil {
			return nil, s.wrap(entity.KindQueryFailed, "postgres.query", "", err)
		}
		entities = append(entities, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(entity.KindQueryFailed, "postgres.query", "", err)
	}

	result := &entity.QueryResult{}
	more := len(entities) > pageSize
	if more {
		entities = entities[:pageSize]
		result.Cursor = entity.EncodeOffsetCursor(offset + pageSize)
	}
	for _, e := range entities {
		result.Entities = append(result.Entities, entity.Project(e, properties))
	}
	return result, nil
}

// wrap maps pg errors into the taxonomy; a missing table surfaces as
// BackendUnavailable.
func (s *Store) wrap(kind, op, id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// undefined_table / undefined_database
		if pgErr.Code == "42P01" || pgErr.Code == "3D000" {
			kind = entity.KindBackendUnavailable
		}
	}
	return entity.OpErr(kind, op, s.table, id, err)
}

func (s *Store) dialect(payloadExpr string) querycompile.Dialect {
	return &pgDialect{payload: payloadExpr}
}

// pgDialect renders payload-addressing expressions for the shared compiler.
// payload is the JSONB column expression, table-qualified when the guard runs
// inside an ON CONFLICT clause.
type pgDialect struct {
	payload string
}

func (d *pgDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (d *pgDialect) Operator(c entity.Comparison) (string, error) {
	return querycompile.DefaultOperator(c)
}

func (d *pgDialect) Column(prop entity.Property, path []string) (string, error) {
	if len(path) > 1 {
		return fmt.Sprintf("%s#>>'{%s}'", d.payload, joinPath(path)), nil
	}
	switch prop.Type {
	case entity.TypeNumber, entity.TypeInteger:
		return fmt.Sprintf("(%s->>'%s')::numeric", d.payload, prop.Name), nil
	case entity.TypeBoolean:
		return fmt.Sprintf("(%s->>'%s')::boolean", d.payload, prop.Name), nil
	case entity.TypeObject, entity.TypeArray:
		return fmt.Sprintf("%s->'%s'", d.payload, prop.Name), nil
	default:
		return fmt.Sprintf("%s->>'%s'", d.payload, prop.Name), nil
	}
}

func (d *pgDialect) Contains(expr, placeholder string, element, negate bool) (string, error) {
	var rendered string
	if element {
		rendered = fmt.Sprintf("%s @> %s::jsonb", expr, placeholder)
	} else {
		rendered = fmt.Sprintf("strpos(%s, %s) > 0", expr, placeholder)
	}
	if negate {
		rendered = "NOT (" + rendered + ")"
	}
	return rendered, nil
}

func (d *pgDialect) Param(prop entity.Property, path []string, value any) (any, error) {
	return querycompile.CoerceParam(prop, path, value)
}

func joinPath(path []string) string {
	out := path[0]
	for _, seg := range path[1:] {
		out += "," + seg
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
