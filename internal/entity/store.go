package entity

import "context"

// DefaultPageSize is the page size used when Query is called with pageSize <= 0.
const DefaultPageSize = 40

// QueryResult is one page of a query. Cursor is empty when no rows remain.
type QueryResult struct {
	Entities []map[string]any `json:"entities"`
	Cursor   string           `json:"cursor,omitempty"`
}

// Store is the uniform connector contract every backend implements.
//
// Conditional semantics: when conditions are supplied to Set or Remove and an
// existing row does not satisfy all of them, the call is a silent no-op.
// Removing a nonexistent key is also a no-op. Get returns (nil, nil) when no
// matching entity exists.
//
// Cursors are backend-chosen opaque strings, valid only when paired with the
// exact same conditions, sort and projection that produced them. They are not
// guaranteed to survive out-of-band mutation such as a sync consolidation.
type Store interface {
	// Bootstrap idempotently creates the backend artefacts (database, table,
	// collection, secondary indexes). It returns true when bootstrap
	// succeeded, false on unrecoverable error, and never fails on "already
	// exists".
	Bootstrap(ctx context.Context) (bool, error)

	// GetSchema returns the schema this store was constructed with.
	GetSchema() *Schema

	// Get looks an entity up by primary key, or by the named secondary index
	// when secondaryIndex is non-empty. Supplied conditions must additionally
	// all hold on the found row.
	Get(ctx context.Context, id string, secondaryIndex string, conditions []Comparator) (map[string]any, error)

	// Set upserts an entity keyed by its primary key.
	Set(ctx context.Context, e map[string]any, conditions []Comparator) error

	// Remove deletes an entity by primary key.
	Remove(ctx context.Context, id string, conditions []Comparator) error

	// Query returns one page of entities matching the condition tree.
	Query(ctx context.Context, cond Condition, sort []SortDirective, properties []string, cursor string, pageSize int) (*QueryResult, error)
}
