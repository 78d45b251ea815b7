package querycompile

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultline/entitystore/internal/entity"
)

// testDialect is a minimal SQL-ish dialect for exercising the shared walk.
type testDialect struct {
	noNotEquals bool
	noContains  bool
}

func (d testDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (d testDialect) Operator(c entity.Comparison) (string, error) {
	if d.noNotEquals && c == entity.ComparisonNotEquals {
		return "", fmt.Errorf("no inequality operator")
	}
	return DefaultOperator(c)
}

func (d testDialect) Column(prop entity.Property, path []string) (string, error) {
	return "doc." + strings.Join(path, "."), nil
}

func (d testDialect) Contains(expr, placeholder string, element, negate bool) (string, error) {
	if d.noContains {
		return "", fmt.Errorf("no containment support")
	}
	op := "has"
	if !element {
		op = "substr"
	}
	rendered := fmt.Sprintf("%s %s %s", expr, op, placeholder)
	if negate {
		rendered = "NOT (" + rendered + ")"
	}
	return rendered, nil
}

func (d testDialect) Param(prop entity.Property, path []string, value any) (any, error) {
	return CoerceParam(prop, path, value)
}

func testSchema() *entity.Schema {
	return &entity.Schema{
		Name: "items",
		Properties: []entity.Property{
			{Name: "id", Type: entity.TypeString, IsPrimary: true},
			{Name: "value1", Type: entity.TypeString, Optional: true},
			{Name: "value2", Type: entity.TypeNumber, Optional: true},
			{Name: "flag", Type: entity.TypeBoolean, Optional: true},
			{Name: "valueObject", Type: entity.TypeObject, Optional: true},
			{Name: "tags", Type: entity.TypeArray, ItemType: entity.TypeString, Optional: true},
		},
	}
}

func TestCompileComparator(t *testing.T) {
	tests := []struct {
		name       string
		cond       entity.Condition
		wantSQL    string
		wantParams []any
	}{
		{
			name:       "equals",
			cond:       entity.Comparator{Property: "value1", Comparison: entity.ComparisonEquals, Value: "aaa"},
			wantSQL:    "doc.value1 = $1",
			wantParams: []any{"aaa"},
		},
		{
			name:       "number coercion",
			cond:       entity.Comparator{Property: "value2", Comparison: entity.ComparisonGreaterThan, Value: 35},
			wantSQL:    "doc.value2 > $1",
			wantParams: []any{float64(35)},
		},
		{
			name:       "boolean",
			cond:       entity.Comparator{Property: "flag", Comparison: entity.ComparisonEquals, Value: true},
			wantSQL:    "doc.flag = $1",
			wantParams: []any{true},
		},
		{
			name:       "nested path",
			cond:       entity.Comparator{Property: "valueObject.name.value", Comparison: entity.ComparisonEquals, Value: "bob"},
			wantSQL:    "doc.valueObject.name.value = $1",
			wantParams: []any{"bob"},
		},
		{
			name:       "in list",
			cond:       entity.Comparator{Property: "value1", Comparison: entity.ComparisonIn, Value: []any{"a", "b"}},
			wantSQL:    "doc.value1 IN ($1, $2)",
			wantParams: []any{"a", "b"},
		},
		{
			name:       "empty in matches nothing",
			cond:       entity.Comparator{Property: "value1", Comparison: entity.ComparisonIn, Value: []any{}},
			wantSQL:    "1 = 0",
			wantParams: nil,
		},
		{
			name:       "includes substring on scalar",
			cond:       entity.Comparator{Property: "value1", Comparison: entity.ComparisonIncludes, Value: "aa"},
			wantSQL:    "doc.value1 substr $1",
			wantParams: []any{"aa"},
		},
		{
			name:       "includes element on array property",
			cond:       entity.Comparator{Property: "tags", Comparison: entity.ComparisonIncludes, Value: "red"},
			wantSQL:    "doc.tags has $1",
			wantParams: []any{`"red"`},
		},
		{
			name:       "not includes negates and passes absent properties",
			cond:       entity.Comparator{Property: "tags", Comparison: entity.ComparisonNotIncludes, Value: "red"},
			wantSQL:    "(doc.tags IS NULL OR NOT (doc.tags has $1))",
			wantParams: []any{`"red"`},
		},
		{
			name:       "not equals passes absent properties",
			cond:       entity.Comparator{Property: "value1", Comparison: entity.ComparisonNotEquals, Value: "x"},
			wantSQL:    "(doc.value1 IS NULL OR doc.value1 <> $1)",
			wantParams: []any{"x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var params []any
			sql, err := Compile(tt.cond, testSchema(), testDialect{}, &params)
			require.NoError(t, err)
			require.Equal(t, tt.wantSQL, sql)
			require.Equal(t, tt.wantParams, params)
		})
	}
}

func TestCompileGroups(t *testing.T) {
	var params []any
	cond := entity.Group{
		LogicalOperator: entity.LogicalOr,
		Conditions: []entity.Condition{
			entity.Comparator{Property: "value1", Comparison: entity.ComparisonEquals, Value: "a"},
			entity.Group{Conditions: []entity.Condition{
				entity.Comparator{Property: "value2", Comparison: entity.ComparisonLessThan, Value: 10},
				entity.Comparator{Property: "value2", Comparison: entity.ComparisonGreaterThan, Value: 5},
			}},
		},
	}
	sql, err := Compile(cond, testSchema(), testDialect{}, &params)
	require.NoError(t, err)
	require.Equal(t, "(doc.value1 = $1 OR (doc.value2 < $2 AND doc.value2 > $3))", sql)
	require.Len(t, params, 3)
}

func TestCompileEmptyGroupElided(t *testing.T) {
	var params []any
	sql, err := Compile(entity.Group{}, testSchema(), testDialect{}, &params)
	require.NoError(t, err)
	require.Empty(t, sql)

	// A nested empty group disappears without affecting siblings.
	cond := entity.Group{Conditions: []entity.Condition{
		entity.Group{},
		entity.Comparator{Property: "value1", Comparison: entity.ComparisonEquals, Value: "a"},
	}}
	sql, err = Compile(cond, testSchema(), testDialect{}, &params)
	require.NoError(t, err)
	require.Equal(t, "doc.value1 = $1", sql)
}

func TestCompileUndefinedProperty(t *testing.T) {
	var params []any
	cond := entity.Comparator{Property: "nope", Comparison: entity.ComparisonEquals, Value: "x"}
	_, err := Compile(cond, testSchema(), testDialect{}, &params)
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))
}

func TestCompileDialectRefusals(t *testing.T) {
	var params []any
	cond := entity.Comparator{Property: "value1", Comparison: entity.ComparisonNotEquals, Value: "x"}
	_, err := Compile(cond, testSchema(), testDialect{noNotEquals: true}, &params)
	require.Error(t, err)
	require.Equal(t, entity.KindUnsupportedComparison, entity.ErrKind(err))

	cond = entity.Comparator{Property: "tags", Comparison: entity.ComparisonIncludes, Value: "red"}
	_, err = Compile(cond, testSchema(), testDialect{noContains: true}, &params)
	require.Error(t, err)
	require.Equal(t, entity.KindUnsupportedComparison, entity.ErrKind(err))
}

// Hostile property names must fail schema validation instead of reaching the
// rendered expression; hostile values must never appear in the SQL text.
func TestCompileInjectionSafety(t *testing.T) {
	var params []any
	cond := entity.Comparator{Property: "value1; DROP TABLE items--", Comparison: entity.ComparisonEquals, Value: "x"}
	_, err := Compile(cond, testSchema(), testDialect{}, &params)
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))

	// A declared head property must not smuggle hostile nested segments into
	// the rendered path.
	params = nil
	cond = entity.Comparator{Property: "valueObject.x') IS NOT NULL OR 1=1 OR ('y", Comparison: entity.ComparisonEquals, Value: "z"}
	_, err = Compile(cond, testSchema(), testDialect{}, &params)
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))

	_, err = OrderBy([]entity.SortDirective{{Property: "valueObject.a,b"}}, testSchema(), testDialect{})
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))

	params = nil
	hostile := "' OR '1'='1"
	sql, err := Compile(entity.Comparator{Property: "value1", Comparison: entity.ComparisonEquals, Value: hostile}, testSchema(), testDialect{}, &params)
	require.NoError(t, err)
	require.NotContains(t, sql, hostile)
	require.Equal(t, []any{hostile}, params)
}

func TestOrderBy(t *testing.T) {
	sql, err := OrderBy([]entity.SortDirective{
		{Property: "value2", SortDirection: entity.SortDescending},
		{Property: "id", SortDirection: entity.SortAscending},
	}, testSchema(), testDialect{})
	require.NoError(t, err)
	require.Equal(t, "doc.value2 DESC, doc.id ASC", sql)

	_, err = OrderBy([]entity.SortDirective{{Property: "nope"}}, testSchema(), testDialect{})
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))
}
