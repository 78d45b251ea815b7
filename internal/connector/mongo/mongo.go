// Package mongo implements the entity store on MongoDB. Conditions compile
// to bson filter documents instead of a textual WHERE clause; the walk and
// the containment semantics mirror the shared query compiler.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vaultline/entitystore/internal/entity"
)

// Config is the MongoDB connector configuration.
type Config struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Store implements entity.Store on a mongo collection. The document _id is
// the entity primary key; it is stripped from decoded entities.
type Store struct {
	schema *entity.Schema
	client *mongo.Client
	coll   *mongo.Collection
	logger zerolog.Logger
}

// Open connects the client and constructs the store.
func Open(ctx context.Context, schema *entity.Schema, cfg Config) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if cfg.URI == "" || cfg.Database == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "mongo.open", Message: "uri and database are required"}
	}
	collection := cfg.Collection
	if collection == "" {
		collection = schema.Name
	}
	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, entity.OpErr(entity.KindBackendUnavailable, "mongo.open", schema.Name, "", err)
	}
	return &Store{
		schema: schema,
		client: client,
		coll:   client.Database(cfg.Database).Collection(collection),
		logger: log.Logger,
	}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

// Bootstrap creates the collection and secondary indexes.
func (s *Store) Bootstrap(ctx context.Context) (bool, error) {
	err := s.coll.Database().CreateCollection(ctx, s.coll.Name())
	created := err == nil
	if err != nil && !strings.Contains(err.Error(), "NamespaceExists") {
		s.logger.Error().Err(err).Str("collection", s.coll.Name()).Msg("failed to create collection")
		return false, nil
	}
	for _, p := range s.schema.Properties {
		if !p.IsSecondary {
			continue
		}
		_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: p.Name, Value: 1}},
			Options: options.Index().SetName(s.coll.Name() + "_" + p.Name + "_idx"),
		})
		if err != nil {
			s.logger.Error().Err(err).Str("collection", s.coll.Name()).Str("index", p.Name).Msg("failed to create secondary index")
			return false, nil
		}
	}
	if created {
		s.logger.Info().Str("entity", s.schema.Name).Str("collection", s.coll.Name()).Msg("collection created")
	} else {
		s.logger.Info().Str("entity", s.schema.Name).Str("collection", s.coll.Name()).Msg("collection already existed")
	}
	return true, nil
}

// GetSchema returns the store schema.
func (s *Store) GetSchema() *entity.Schema { return s.schema }

// Get looks up an entity by primary key or secondary index.
func (s *Store) Get(ctx context.Context, id string, secondaryIndex string, conditions []entity.Comparator) (map[string]any, error) {
	if id == "" {
		return nil, entity.GuardErr("mongo.get", "id is required")
	}
	key := "_id"
	if secondaryIndex != "" {
		if !s.schema.IsSecondary(secondaryIndex) {
			return nil, entity.GuardErr("mongo.get", "property "+secondaryIndex+" is not a secondary index")
		}
		key = secondaryIndex
	}
	filter := bson.D{{Key: key, Value: id}}
	if len(conditions) > 0 {
		guard, err := CompileComparators(conditions, s.schema)
		if err != nil {
			return nil, err
		}
		filter = append(filter, guard...)
	}

	var doc bson.M
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, entity.OpErr(entity.KindLookupFailed, "mongo.get", s.coll.Name(), id, err)
	}
	return decodeDocument(doc), nil
}

// Set upserts an entity. With guard conditions, an existing non-matching row
// makes the write a silent no-op; inserts ignore the guard.
func (s *Store) Set(ctx context.Context, e map[string]any, conditions []entity.Comparator) error {
	if e == nil {
		return entity.GuardErr("mongo.set", "entity is required")
	}
	primary := s.schema.Primary().Name
	id, _ := e[primary].(string)
	if id == "" {
		return entity.GuardErr("mongo.set", "primary key "+primary+" is required")
	}
	if err := s.schema.ValidateEntity(e); err != nil {
		return err
	}

	doc := bson.M{"_id": id}
	for k, v := range e {
		doc[k] = v
	}

	if len(conditions) == 0 {
		_, err := s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return entity.OpErr(entity.KindWriteFailed, "mongo.set", s.coll.Name(), id, err)
		}
		return nil
	}

	// Guarded path: replace only when the existing row matches; insert when
	// no row exists at all.
	guard, err := CompileComparators(conditions, s.schema)
	if err != nil {
		return err
	}
	filter := append(bson.D{{Key: "_id", Value: id}}, guard...)
	res, err := s.coll.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return entity.OpErr(entity.KindWriteFailed, "mongo.set", s.coll.Name(), id, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	count, err := s.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return entity.OpErr(entity.KindWriteFailed, "mongo.set", s.coll.Name(), id, err)
	}
	if count > 0 {
		// Row exists but the guard did not match: silent no-op.
		return nil
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return entity.OpErr(entity.KindWriteFailed, "mongo.set", s.coll.Name(), id, err)
	}
	return nil
}

// Remove deletes by primary key; missing ids and failed guards are no-ops.
func (s *Store) Remove(ctx context.Context, id string, conditions []entity.Comparator) error {
	if id == "" {
		return entity.GuardErr("mongo.remove", "id is required")
	}
	filter := bson.D{{Key: "_id", Value: id}}
	if len(conditions) > 0 {
		guard, err := CompileComparators(conditions, s.schema)
		if err != nil {
			return err
		}
		filter = append(filter, guard...)
	}
	if _, err := s.coll.DeleteOne(ctx, filter); err != nil {
		return entity.OpErr(entity.KindRemoveFailed, "mongo.remove", s.coll.Name(), id, err)
	}
	return nil
}

// Query compiles the condition tree to a bson filter and pages with an
// offset cursor (Mongo find cursors do not survive the request).
func (s *Store) Query(ctx context.Context, cond entity.Condition, sort []entity.SortDirective, properties []string, cursor string, pageSize int) (*entity.QueryResult, error) {
	if pageSize <= 0 {
		pageSize = entity.DefaultPageSize
	}
	filter, err := Compile(cond, s.schema)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetLimit(int64(pageSize + 1))
	if offset, ok := entity.DecodeOffsetCursor(cursor); ok {
		opts.SetSkip(int64(offset))
	}

	sortDoc := bson.D{}
	for _, dir := range sort {
		if _, ok := s.schema.Property(entity.PathSegments(dir.Property)[0]); !ok {
			return nil, entity.GuardErr("mongo.query", "sort property "+dir.Property+" is not declared by the schema")
		}
		order := 1
		if dir.SortDirection == entity.SortDescending {
			order = -1
		}
		sortDoc = append(sortDoc, bson.E{Key: dir.Property, Value: order})
	}
	sortDoc = append(sortDoc, bson.E{Key: "_id", Value: 1})
	opts.SetSort(sortDoc)

	if len(properties) > 0 {
		projection := bson.D{{Key: "_id", Value: 0}}
		for _, p := range properties {
			projection = append(projection, bson.E{Key: p, Value: 1})
		}
		opts.SetProjection(projection)
	}

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, entity.OpErr(entity.KindQueryFailed, "mongo.query", s.coll.Name(), "", err)
	}
	defer cur.Close(ctx)

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, entity.OpErr(entity.KindQueryFailed, "mongo.query", s.coll.Name(), "", err)
	}

	result := &entity.QueryResult{}
	offset, _ := entity.DecodeOffsetCursor(cursor)
	if len(docs) > pageSize {
		docs = docs[:pageSize]
		result.Cursor = entity.EncodeOffsetCursor(offset + pageSize)
	}
	for _, doc := range docs {
		result.Entities = append(result.Entities, decodeDocument(doc))
	}
	return result, nil
}

// Compile converts a condition tree to a bson filter document. An empty or
// nil condition compiles to the match-all filter.
func Compile(cond entity.Condition, schema *entity.Schema) (bson.D, error) {
	if cond == nil {
		return bson.D{}, nil
	}
	switch c := cond.(type) {
	case entity.Comparator:
		return compileComparator(c, schema)
	case *entity.Comparator:
		return compileComparator(*c, schema)
	case entity.Group:
		return compileGroup(c, schema)
	case *entity.Group:
		return compileGroup(*c, schema)
	default:
		return nil, fmt.Errorf("unsupported condition type %T", cond)
	}
}

// CompileComparators compiles a comparator list as an implicit AND.
func CompileComparators(comparators []entity.Comparator, schema *entity.Schema) (bson.D, error) {
	g := entity.Group{LogicalOperator: entity.LogicalAnd}
	for _, c := range comparators {
		g.Conditions = append(g.Conditions, c)
	}
	return Compile(g, schema)
}

func compileGroup(g entity.Group, schema *entity.Schema) (bson.D, error) {
	children := make(bson.A, 0, len(g.Conditions))
	for _, child := range g.Conditions {
		filter, err := Compile(child, schema)
		if err != nil {
			return nil, err
		}
		if len(filter) == 0 {
			continue
		}
		children = append(children, filter)
	}
	switch len(children) {
	case 0:
		return bson.D{}, nil
	case 1:
		return children[0].(bson.D), nil
	}
	op := "$and"
	if g.Operator() == entity.LogicalOr {
		op = "$or"
	}
	return bson.D{{Key: op, Value: children}}, nil
}

func compileComparator(c entity.Comparator, schema *entity.Schema) (bson.D, error) {
	path := entity.PathSegments(c.Property)
	prop, ok := schema.Property(path[0])
	if !ok {
		return nil, entity.GuardErr("mongo.compile", fmt.Sprintf("property %q is not declared by schema %q", c.Property, schema.Name))
	}

	switch c.Comparison {
	case entity.ComparisonEquals:
		return bson.D{{Key: c.Property, Value: c.Value}}, nil
	case entity.ComparisonNotEquals:
		return bson.D{{Key: c.Property, Value: bson.D{{Key: "$ne", Value: c.Value}}}}, nil
	case entity.ComparisonGreaterThan:
		return bson.D{{Key: c.Property, Value: bson.D{{Key: "$gt", Value: c.Value}}}}, nil
	case entity.ComparisonLessThan:
		return bson.D{{Key: c.Property, Value: bson.D{{Key: "$lt", Value: c.Value}}}}, nil
	case entity.ComparisonGreaterThanOrEqual:
		return bson.D{{Key: c.Property, Value: bson.D{{Key: "$gte", Value: c.Value}}}}, nil
	case entity.ComparisonLessThanOrEqual:
		return bson.D{{Key: c.Property, Value: bson.D{{Key: "$lte", Value: c.Value}}}}, nil
	case entity.ComparisonIn:
		return bson.D{{Key: c.Property, Value: bson.D{{Key: "$in", Value: c.Value}}}}, nil
	case entity.ComparisonIncludes, entity.ComparisonNotIncludes:
		expr, err := containsExpr(prop, c.Value)
		if err != nil {
			return nil, err
		}
		if c.Comparison == entity.ComparisonNotIncludes {
			expr = bson.D{{Key: "$not", Value: expr}}
		}
		return bson.D{{Key: c.Property, Value: expr}}, nil
	default:
		return nil, &entity.StoreError{
			Kind:    entity.KindUnsupportedComparison,
			Op:      "mongo.compile",
			Message: fmt.Sprintf("comparison %q is not supported", c.Comparison),
		}
	}
}

// containsExpr builds the operator document for Includes. Array membership
// uses $elemMatch equality (which also covers object elements); substring
// search over strings uses an escaped regex.
func containsExpr(prop entity.Property, value any) (any, error) {
	composite := false
	switch value.(type) {
	case map[string]any, []any:
		composite = true
	}
	if composite || prop.Type == entity.TypeArray {
		return bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$eq", Value: value}}}}, nil
	}
	sub, ok := value.(string)
	if !ok {
		return nil, &entity.StoreError{
			Kind:    entity.KindUnsupportedComparison,
			Op:      "mongo.compile",
			Message: fmt.Sprintf("includes on scalar property %q requires a string value", prop.Name),
		}
	}
	return primitive.Regex{Pattern: regexp.QuoteMeta(sub)}, nil
}

// decodeDocument strips backend-internal fields and normalises bson types to
// plain JSON-shaped values.
func decodeDocument(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
