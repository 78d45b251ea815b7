package mongo

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/vaultline/entitystore/internal/entity"
)

func compileSchema() *entity.Schema {
	return &entity.Schema{
		Name: "items",
		Properties: []entity.Property{
			{Name: "id", Type: entity.TypeString, IsPrimary: true},
			{Name: "value1", Type: entity.TypeString, IsSecondary: true, Optional: true},
			{Name: "value2", Type: entity.TypeNumber, Optional: true},
			{Name: "valueObject", Type: entity.TypeObject, Optional: true},
			{Name: "tags", Type: entity.TypeArray, Optional: true},
		},
	}
}

func TestCompileComparisons(t *testing.T) {
	schema := compileSchema()
	tests := []struct {
		name string
		cond entity.Comparator
		want bson.D
	}{
		{
			"equals",
			entity.Comparator{Property: "value1", Comparison: entity.ComparisonEquals, Value: "aaa"},
			bson.D{{Key: "value1", Value: "aaa"}},
		},
		{
			"not equals",
			entity.Comparator{Property: "value1", Comparison: entity.ComparisonNotEquals, Value: "aaa"},
			bson.D{{Key: "value1", Value: bson.D{{Key: "$ne", Value: "aaa"}}}},
		},
		{
			"greater than",
			entity.Comparator{Property: "value2", Comparison: entity.ComparisonGreaterThan, Value: 30},
			bson.D{{Key: "value2", Value: bson.D{{Key: "$gt", Value: 30}}}},
		},
		{
			"less than or equal",
			entity.Comparator{Property: "value2", Comparison: entity.ComparisonLessThanOrEqual, Value: 30},
			bson.D{{Key: "value2", Value: bson.D{{Key: "$lte", Value: 30}}}},
		},
		{
			"in",
			entity.Comparator{Property: "id", Comparison: entity.ComparisonIn, Value: []any{"1", "2"}},
			bson.D{{Key: "id", Value: bson.D{{Key: "$in", Value: []any{"1", "2"}}}}},
		},
		{
			"nested path",
			entity.Comparator{Property: "valueObject.name.value", Comparison: entity.ComparisonEquals, Value: "bob"},
			bson.D{{Key: "valueObject.name.value", Value: "bob"}},
		},
		{
			"array element",
			entity.Comparator{Property: "tags", Comparison: entity.ComparisonIncludes, Value: "red"},
			bson.D{{Key: "tags", Value: bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$eq", Value: "red"}}}}}},
		},
		{
			"substring",
			entity.Comparator{Property: "value1", Comparison: entity.ComparisonIncludes, Value: "wor.ld"},
			bson.D{{Key: "value1", Value: primitive.Regex{Pattern: `wor\.ld`}}},
		},
		{
			"negated element",
			entity.Comparator{Property: "tags", Comparison: entity.ComparisonNotIncludes, Value: "red"},
			bson.D{{Key: "tags", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$eq", Value: "red"}}}}}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compile(tt.cond, schema)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCompileGroups(t *testing.T) {
	schema := compileSchema()

	filter, err := Compile(entity.Group{
		LogicalOperator: entity.LogicalOr,
		Conditions: []entity.Condition{
			entity.Comparator{Property: "value1", Comparison: entity.ComparisonEquals, Value: "aaa"},
			entity.Group{Conditions: []entity.Condition{
				entity.Comparator{Property: "value2", Comparison: entity.ComparisonGreaterThan, Value: 10},
				entity.Comparator{Property: "value2", Comparison: entity.ComparisonLessThan, Value: 20},
			}},
		},
	}, schema)
	require.NoError(t, err)

	require.Len(t, filter, 1)
	require.Equal(t, "$or", filter[0].Key)
	children := filter[0].Value.(bson.A)
	require.Len(t, children, 2)
	inner := children[1].(bson.D)
	require.Equal(t, "$and", inner[0].Key)
}

func TestCompileDegenerateGroups(t *testing.T) {
	schema := compileSchema()

	// Nil and empty conditions match everything.
	filter, err := Compile(nil, schema)
	require.NoError(t, err)
	require.Empty(t, filter)

	filter, err = Compile(entity.Group{}, schema)
	require.NoError(t, err)
	require.Empty(t, filter)

	// A single-child group collapses to the child filter.
	filter, err = Compile(entity.Group{Conditions: []entity.Condition{
		entity.Comparator{Property: "value1", Comparison: entity.ComparisonEquals, Value: "aaa"},
	}}, schema)
	require.NoError(t, err)
	require.Equal(t, bson.D{{Key: "value1", Value: "aaa"}}, filter)
}

func TestCompileUndefinedProperty(t *testing.T) {
	_, err := Compile(entity.Comparator{Property: "nope", Comparison: entity.ComparisonEquals, Value: 1}, compileSchema())
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))
}

func TestCompileSubstringOnNumberRejected(t *testing.T) {
	_, err := Compile(entity.Comparator{Property: "value2", Comparison: entity.ComparisonIncludes, Value: 5}, compileSchema())
	require.Error(t, err)
	require.Equal(t, entity.KindUnsupportedComparison, entity.ErrKind(err))
}

func TestCompileComparatorsImplicitAnd(t *testing.T) {
	filter, err := CompileComparators([]entity.Comparator{
		{Property: "value1", Comparison: entity.ComparisonEquals, Value: "aaa"},
		{Property: "value2", Comparison: entity.ComparisonGreaterThan, Value: 10},
	}, compileSchema())
	require.NoError(t, err)
	require.Equal(t, "$and", filter[0].Key)
}

func TestDecodeDocument(t *testing.T) {
	got := decodeDocument(bson.M{
		"_id":    "1",
		"id":     "1",
		"value2": int32(35),
		"valueObject": bson.D{
			{Key: "name", Value: bson.D{{Key: "value", Value: "bob"}}},
		},
		"tags":  bson.A{"red", int64(2)},
		"plain": "text",
	})

	_, hasInternal := got["_id"]
	require.False(t, hasInternal)
	require.Equal(t, float64(35), got["value2"])
	require.Equal(t, map[string]any{"name": map[string]any{"value": "bob"}}, got["valueObject"])
	require.Equal(t, []any{"red", float64(2)}, got["tags"])
	require.Equal(t, "text", got["plain"])
}
