// Package scylla implements the entity store on Scylla/Cassandra via gocql.
//
// Wide-column stores require a partition key, which the contract never
// exposes, so every row lives under a synthetic constant partition. Each
// schema property gets a typed column used for filtering; the full entity is
// kept in a JSON payload column that is the source of truth on decode, so
// absent optional properties stay absent. Array properties are materialised
// as list<text> of JSON-encoded elements to support element containment via
// CONTAINS.
package scylla

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vaultline/entitystore/internal/entity"
	"github.com/vaultline/entitystore/internal/querycompile"
)

// partitionValue is the synthetic constant partition key.
const partitionValue = "default"

// Config is the Scylla connector configuration.
type Config struct {
	Hosts    []string `yaml:"hosts"`
	Keyspace string   `yaml:"keyspace"`
	Table    string   `yaml:"table"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// Store implements entity.Store on a gocql session.
type Store struct {
	schema  *entity.Schema
	table   string
	session *gocql.Session
	cluster *gocql.ClusterConfig
	cfg     Config
	logger  zerolog.Logger
}

// Open validates the configuration and connects a session.
func Open(schema *entity.Schema, cfg Config) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Hosts) == 0 {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "scylla.open", Message: "hosts are required"}
	}
	if cfg.Keyspace == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "scylla.open", Message: "keyspace is required"}
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Timeout = 10 * time.Second
	cluster.Consistency = gocql.Quorum
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: cfg.Username, Password: cfg.Password}
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, entity.OpErr(entity.KindBackendUnavailable, "scylla.open", schema.Name, "", err)
	}
	table := cfg.Table
	if table == "" {
		table = schema.Name
	}
	return &Store{schema: schema, table: table, session: session, cluster: cluster, cfg: cfg, logger: log.Logger}, nil
}

// Close shuts the session down.
func (s *Store) Close() { s.session.Close() }

// Bootstrap creates the keyspace, table and secondary indexes.
func (s *Store) Bootstrap(ctx context.Context) (bool, error) {
	ks := fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %q WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
		s.cfg.Keyspace)
	if err := s.session.Query(ks).WithContext(ctx).Exec(); err != nil {
		s.logger.Error().Err(err).Str("keyspace", s.cfg.Keyspace).Msg("failed to create keyspace")
		return false, nil
	}

	cols := []string{`"pk" text`, `"payload" text`}
	primary := s.schema.Primary().Name
	for _, p := range s.schema.Properties {
		cols = append(cols, fmt.Sprintf("%q %s", p.Name, cqlType(p)))
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (("pk"), %q))`,
		s.qualified(), strings.Join(cols, ", "), primary)
	if err := s.session.Query(ddl).WithContext(ctx).Exec(); err != nil {
		s.logger.Error().Err(err).Str("table", s.table).Msg("failed to create table")
		return false, nil
	}

	for _, p := range s.schema.Properties {
		if !p.IsSecondary {
			continue
		}
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s (%q)`,
			s.table, p.Name, s.qualified(), p.Name)
		if err := s.session.Query(idx).WithContext(ctx).Exec(); err != nil {
			s.logger.Error().Err(err).Str("table", s.table).Str("index", p.Name).Msg("failed to create secondary index")
			return false, nil
		}
	}
	s.logger.Info().Str("entity", s.schema.Name).Str("table", s.table).Msg("table ready")
	return true, nil
}

// GetSchema returns the store schema.
func (s *Store) GetSchema() *entity.Schema { return s.schema }

// Get looks up an entity by primary key or secondary index.
func (s *Store) Get(ctx context.Context, id string, secondaryIndex string, conditions []entity.Comparator) (map[string]any, error) {
	if id == "" {
		return nil, entity.GuardErr("scylla.get", "id is required")
	}
	column := s.schema.Primary().Name
	if secondaryIndex != "" {
		if !s.schema.IsSecondary(secondaryIndex) {
			return nil, entity.GuardErr("scylla.get", "property "+secondaryIndex+" is not a secondary index")
		}
		column = secondaryIndex
	}

	var raw string
	q := fmt.Sprintf(`SELECT "payload" FROM %s WHERE "pk" = ? AND %q = ? LIMIT 1 ALLOW FILTERING`,
		s.qualified(), column)
	err := s.session.Query(q, partitionValue, id).WithContext(ctx).Scan(&raw)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		return nil, s.wrap(entity.KindLookupFailed, "scylla.get", id, err)
	}
	e, err := decodePayload(raw)
	if err != nil {
		return nil, s.wrap(entity.KindLookupFailed, "scylla.get", id, err)
	}
	ok, err := entity.MatchAll(e, conditions)
	if err != nil {
		return nil, entity.OpErr(entity.KindLookupFailed, "scylla.get", s.table, id, err)
	}
	if !ok {
		return nil, nil
	}
	return e, nil
}

// Set upserts an entity. CQL lightweight transactions cannot express the
// full guard grammar, so the guard runs as a read-check against the existing
// row before the write; local-snapshot mutation is serialised by the engine
// so this is race-free within a node.
func (s *Store) Set(ctx context.Context, e map[string]any, conditions []entity.Comparator) error {
	if e == nil {
		return entity.GuardErr("scylla.set", "entity is required")
	}
	primary := s.schema.Primary().Name
	id, _ := e[primary].(string)
	if id == "" {
		return entity.GuardErr("scylla.set", "primary key "+primary+" is required")
	}
	if err := s.schema.ValidateEntity(e); err != nil {
		return err
	}

	if len(conditions) > 0 {
		existing, err := s.Get(ctx, id, "", nil)
		if err != nil {
			return entity.OpErr(entity.KindWriteFailed, "scylla.set", s.table, id, err)
		}
		if existing != nil {
			match, err := entity.MatchAll(existing, conditions)
			if err != nil {
				return entity.OpErr(entity.KindWriteFailed, "scylla.set", s.table, id, err)
			}
			if !match {
				return nil
			}
		}
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return entity.OpErr(entity.KindWriteFailed, "scylla.set", s.table, id, err)
	}

	columns := []string{`"pk"`, `"payload"`}
	placeholders := []string{"?", "?"}
	values := []any{partitionValue, string(raw)}
	for _, p := range s.schema.Properties {
		columns = append(columns, fmt.Sprintf("%q", p.Name))
		placeholders = append(placeholders, "?")
		values = append(values, columnValue(p, e[p.Name]))
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		s.qualified(), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if err := s.session.Query(q, values...).WithContext(ctx).Exec(); err != nil {
		return s.wrap(entity.KindWriteFailed, "scylla.set", id, err)
	}
	return nil
}

// Remove deletes by primary key; missing ids and failed guards are no-ops.
func (s *Store) Remove(ctx context.Context, id string, conditions []entity.Comparator) error {
	if id == "" {
		return entity.GuardErr("scylla.remove", "id is required")
	}
	if len(conditions) > 0 {
		existing, err := s.Get(ctx, id, "", nil)
		if err != nil {
			return entity.OpErr(entity.KindRemoveFailed, "scylla.remove", s.table, id, err)
		}
		if existing == nil {
			return nil
		}
		match, err := entity.MatchAll(existing, conditions)
		if err != nil {
			return entity.OpErr(entity.KindRemoveFailed, "scylla.remove", s.table, id, err)
		}
		if !match {
			return nil
		}
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE "pk" = ? AND %q = ?`, s.qualified(), s.schema.Primary().Name)
	if err := s.session.Query(q, partitionValue, id).WithContext(ctx).Exec(); err != nil {
		return s.wrap(entity.KindRemoveFailed, "scylla.remove", id, err)
	}
	return nil
}

// Query compiles the condition tree to CQL and pages with the driver's
// native page state passed through as the opaque cursor. Sorting is only
// available on the clustering column (the primary key).
func (s *Store) Query(ctx context.Context, cond entity.Condition, sort []entity.SortDirective, properties []string, cursor string, pageSize int) (*entity.QueryResult, error) {
	if pageSize <= 0 {
		pageSize = entity.DefaultPageSize
	}
	primary := s.schema.Primary().Name
	order := ""
	for _, dir := range sort {
		if dir.Property != primary {
			return nil, &entity.StoreError{
				Kind:      entity.KindSortNotIndexed,
				Op:        "scylla.query",
				Container: s.table,
				Message:   "sort is only supported on the clustering column " + primary,
			}
		}
		order = fmt.Sprintf(` ORDER BY %q ASC`, primary)
		if dir.SortDirection == entity.SortDescending {
			order = fmt.Sprintf(` ORDER BY %q DESC`, primary)
		}
	}

	params := []any{partitionValue}
	where, err := querycompile.Compile(cond, s.schema, cqlDialect{}, &params)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT "payload" FROM %s WHERE "pk" = ?`, s.qualified())
	if where != "" {
		q += " AND " + where
	}
	q += order + " ALLOW FILTERING"

	query := s.session.Query(q, params...).WithContext(ctx).PageSize(pageSize)
	if cursor != "" {
		state, err := base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			return nil, entity.GuardErr("scylla.query", "malformed cursor")
		}
		query = query.PageState(state)
	}

	iter := query.Iter()
	result := &entity.QueryResult{}
	var raw string
	for len(result.Entities) < pageSize && iter.Scan(&raw) {
		e, err := decodePayload(raw)
		if err != nil {
			iter.Close()
			return nil, s.wrap(entity.KindQueryFailed, "scylla.query", "", err)
		}
		result.Entities = append(result.Entities, entity.Project(e, properties))
	}
	state := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, s.wrap(entity.KindQueryFailed, "scylla.query", "", err)
	}
	if len(state) > 0 && len(result.Entities) == pageSize {
		result.Cursor = base64.RawURLEncoding.EncodeToString(state)
	}
	return result, nil
}

func (s *Store) qualified() string {
	return fmt.Sprintf("%q.%q", s.cfg.Keyspace, s.table)
}

func (s *Store) wrap(kind, op, id string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unconfigured table") || strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "keyspace") && strings.Contains(msg, "not") {
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

func cqlType(p entity.Property) string {
	switch p.Type {
	case entity.TypeNumber:
		return "double"
	case entity.TypeInteger:
		return "bigint"
	case entity.TypeBoolean:
		return "boolean"
	case entity.TypeArray:
		return "list<text>"
	default:
		// Objects are stored as JSON text; only whole-value equality applies.
		return "text"
	}
}

// columnValue converts an entity property to its typed column value.
func columnValue(p entity.Property, v any) any {
	if v == nil {
		return nil
	}
	switch p.Type {
	case entity.TypeArray:
		items, ok := v.([]any)
		if !ok {
			return nil
		}
		encoded := make([]string, 0, len(items))
		for _, item := range items {
			raw, err := json.Marshal(item)
			if err != nil {
				continue
			}
			encoded = append(encoded, string(raw))
		}
		return encoded
	case entity.TypeObject:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(raw)
	case entity.TypeInteger:
		if f, ok := v.(float64); ok {
			return int64(f)
		}
		return v
	default:
		return v
	}
}

// cqlDialect compiles conditions to CQL. CQL has no negation, so NotEquals
// and NotIncludes are refused.
type cqlDialect struct{}

func (cqlDialect) Placeholder(int) string { return "?" }

func (cqlDialect) Operator(c entity.Comparison) (string, error) {
	if c == entity.ComparisonNotEquals {
		return "", fmt.Errorf("CQL has no inequality operator")
	}
	return querycompile.DefaultOperator(c)
}

func (cqlDialect) Column(prop entity.Property, path []string) (string, error) {
	if len(path) > 1 {
		return "", &entity.StoreError{
			Kind:    entity.KindUnsupportedComparison,
			Op:      "scylla.compile",
			Message: "nested property paths are not addressable in CQL",
		}
	}
	return fmt.Sprintf("%q", prop.Name), nil
}

func (cqlDialect) Contains(expr, placeholder string, element, negate bool) (string, error) {
	if negate {
		return "", fmt.Errorf("CQL has no negated CONTAINS")
	}
	if !element {
		return "", fmt.Errorf("CQL has no substring operator")
	}
	return fmt.Sprintf("%s CONTAINS %s", expr, placeholder), nil
}

func (cqlDialect) Param(prop entity.Property, path []string, value any) (any, error) {
	// The shared coercion already JSON-encodes array elements and objects,
	// matching how columnValue materialises them.
	return querycompile.CoerceParam(prop, path, value)
}
