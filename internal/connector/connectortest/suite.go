// Package connectortest is a conformance suite run against every backend
// that can execute in-process. It checks the storage contract end to end:
// round-trips, guarded writes, pagination, projection, and query semantics
// against the reference condition evaluator.
package connectortest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultline/entitystore/internal/entity"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T) entity.Store

// Schema returns the entity schema used by the suite.
func Schema() *entity.Schema {
	return &entity.Schema{
		Name: "items",
		Properties: []entity.Property{
			{Name: "id", Type: entity.TypeString, IsPrimary: true},
			{Name: "value1", Type: entity.TypeString, IsSecondary: true, Optional: true},
			{Name: "value2", Type: entity.TypeNumber, Optional: true},
			{Name: "valueObject", Type: entity.TypeObject, Optional: true},
			{Name: "tags", Type: entity.TypeArray, ItemType: entity.TypeString, Optional: true},
		},
	}
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("BootstrapIdempotent", func(t *testing.T) { testBootstrapIdempotent(t, newStore) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore) })
	t.Run("IdempotentUpsert", func(t *testing.T) { testIdempotentUpsert(t, newStore) })
	t.Run("ConditionalWriteNoOp", func(t *testing.T) { testConditionalWriteNoOp(t, newStore) })
	t.Run("ConditionalWriteMatch", func(t *testing.T) { testConditionalWriteMatch(t, newStore) })
	t.Run("RemoveMissingIsSuccess", func(t *testing.T) { testRemoveMissing(t, newStore) })
	t.Run("GuardedRemove", func(t *testing.T) { testGuardedRemove(t, newStore) })
	t.Run("QueryMatchesReferenceEvaluator", func(t *testing.T) { testQueryReference(t, newStore) })
	t.Run("CursorCompleteness", func(t *testing.T) { testCursorCompleteness(t, newStore) })
	t.Run("Projection", func(t *testing.T) { testProjection(t, newStore) })
	t.Run("SecondaryIndexEquivalence", func(t *testing.T) { testSecondaryIndex(t, newStore) })
	t.Run("InComparisonSorted", func(t *testing.T) { testInSorted(t, newStore) })
	t.Run("NestedPathEquality", func(t *testing.T) { testNestedPath(t, newStore) })
	t.Run("UndefinedPropertyRejected", func(t *testing.T) { testUndefinedProperty(t, newStore) })
	t.Run("MissingRequiredProperty", func(t *testing.T) { testMissingRequired(t, newStore) })
}

func item(id, v1 string, v2 float64) map[string]any {
	return map[string]any{"id": id, "value1": v1, "value2": v2}
}

func testBootstrapIdempotent(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	ok, err := s.Bootstrap(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Bootstrap(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func testRoundTrip(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, item("1", "aaa", 35), nil))

	got, err := s.Get(ctx, "1", "", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "1", got["id"])
	require.Equal(t, "aaa", got["value1"])
	require.InDelta(t, 35, toFloat(t, got["value2"]), 1e-9)
}

func testIdempotentUpsert(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	e := item("1", "aaa", 35)
	require.NoError(t, s.Set(ctx, e, nil))
	require.NoError(t, s.Set(ctx, e, nil))

	res, err := s.Query(ctx, nil, nil, nil, "", 10)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
}

func testConditionalWriteNoOp(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, item("1", "aaa", 35), nil))

	guard := []entity.Comparator{{Property: "value1", Comparison: entity.ComparisonEquals, Value: "bbb"}}
	require.NoError(t, s.Set(ctx, item("1", "aaa", 99), guard))

	got, err := s.Get(ctx, "1", "", nil)
	require.NoError(t, err)
	require.InDelta(t, 35, toFloat(t, got["value2"]), 1e-9)
}

func testConditionalWriteMatch(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, item("1", "aaa", 35), nil))

	guard := []entity.Comparator{{Property: "value1", Comparison: entity.ComparisonEquals, Value: "aaa"}}
	require.NoError(t, s.Set(ctx, item("1", "aaa", 99), guard))

	got, err := s.Get(ctx, "1", "", nil)
	require.NoError(t, err)
	require.InDelta(t, 99, toFloat(t, got["value2"]), 1e-9)
}

func testRemoveMissing(t *testing.T, newStore Factory) {
	s := newStore(t)
	require.NoError(t, s.Remove(context.Background(), "does-not-exist", nil))
}

func testGuardedRemove(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, item("1", "aaa", 35), nil))

	miss := []entity.Comparator{{Property: "value1", Comparison: entity.ComparisonEquals, Value: "bbb"}}
	require.NoError(t, s.Remove(ctx, "1", miss))
	got, err := s.Get(ctx, "1", "", nil)
	require.NoError(t, err)
	require.NotNil(t, got)

	hit := []entity.Comparator{{Property: "value1", Comparison: entity.ComparisonEquals, Value: "aaa"}}
	require.NoError(t, s.Remove(ctx, "1", hit))
	got, err = s.Get(ctx, "1", "", nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func testQueryReference(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	var all []map[string]any
	for i := 1; i <= 20; i++ {
		e := item(fmt.Sprintf("%02d", i), fmt.Sprintf("name-%d", i%4), float64(i*10))
		all = append(all, e)
		require.NoError(t, s.Set(ctx, e, nil))
	}
	// Rows with absent optional properties exercise the negated comparisons.
	for _, e := range []map[string]any{
		{"id": "21", "tags": []any{"red", "blue"}},
		{"id": "22"},
	} {
		all = append(all, e)
		require.NoError(t, s.Set(ctx, e, nil))
	}

	conditions := []entity.Condition{
		entity.Comparator{Property: "value2", Comparison: entity.ComparisonGreaterThan, Value: 120},
		entity.Comparator{Property: "value1", Comparison: entity.ComparisonNotEquals, Value: "name-1"},
		entity.Comparator{Property: "value1", Comparison: entity.ComparisonNotIncludes, Value: "name-"},
		entity.Comparator{Property: "tags", Comparison: entity.ComparisonNotIncludes, Value: "red"},
		entity.Group{LogicalOperator: entity.LogicalOr, Conditions: []entity.Condition{
			entity.Comparator{Property: "value1", Comparison: entity.ComparisonEquals, Value: "name-2"},
			entity.Comparator{Property: "value2", Comparison: entity.ComparisonLessThanOrEqual, Value: 30},
		}},
		entity.Comparator{Property: "id", Comparison: entity.ComparisonIn, Value: []any{"03", "07", "99"}},
	}

	for i, cond := range conditions {
		res, err := s.Query(ctx, cond, nil, nil, "", 100)
		require.NoError(t, err, "condition %d", i)

		want := map[string]bool{}
		for _, e := range all {
			match, err := entity.Match(e, cond)
			require.NoError(t, err)
			if match {
				want[e["id"].(string)] = true
			}
		}
		got := map[string]bool{}
		for _, e := range res.Entities {
			got[e["id"].(string)] = true
		}
		require.Equal(t, want, got, "condition %d", i)
	}
}

func testCursorCompleteness(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	for i := 1; i <= 80; i++ {
		require.NoError(t, s.Set(ctx, item(fmt.Sprintf("%03d", i), "x", float64(i)), nil))
	}

	seen := map[string]int{}
	cursor := ""
	pages := 0
	for {
		res, err := s.Query(ctx, nil, nil, nil, cursor, 0)
		require.NoError(t, err)
		pages++
		require.LessOrEqual(t, len(res.Entities), entity.DefaultPageSize)
		for _, e := range res.Entities {
			seen[e["id"].(string)]++
		}
		if res.Cursor == "" {
			break
		}
		cursor = res.Cursor
		require.Less(t, pages, 10, "cursor did not terminate")
	}

	require.Len(t, seen, 80)
	for id, n := range seen {
		require.Equal(t, 1, n, "id %s seen more than once", id)
	}
	require.Equal(t, 2, pages)
}

func testProjection(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, item("1", "aaa", 35), nil))

	res, err := s.Query(ctx, nil, nil, []string{"id", "value2"}, "", 10)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	e := res.Entities[0]
	require.Equal(t, "1", e["id"])
	require.InDelta(t, 35, toFloat(t, e["value2"]), 1e-9)
	_, hasValue1 := e["value1"]
	require.False(t, hasValue1, "unprojected property must be absent")
}

func testSecondaryIndex(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, item("1", "aaa", 35), nil))
	require.NoError(t, s.Set(ctx, item("2", "bbb", 40), nil))

	byIndex, err := s.Get(ctx, "bbb", "value1", nil)
	require.NoError(t, err)
	require.NotNil(t, byIndex)

	res, err := s.Query(ctx, entity.Comparator{Property: "value1", Comparison: entity.ComparisonEquals, Value: "bbb"}, nil, nil, "", 10)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	require.Equal(t, res.Entities[0]["id"], byIndex["id"])
}

func testInSorted(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		id := fmt.Sprintf("%d", i)
		require.NoError(t, s.Set(ctx, item(id, id, float64(i)), nil))
	}

	cond := entity.Group{Conditions: []entity.Condition{
		entity.Comparator{Property: "value1", Comparison: entity.ComparisonIn, Value: []any{"26", "20"}},
	}}
	sort := []entity.SortDirective{{Property: "id", SortDirection: entity.SortAscending}}

	res, err := s.Query(ctx, cond, sort, nil, "", 10)
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)
	require.Equal(t, "20", res.Entities[0]["value1"])
	require.Equal(t, "26", res.Entities[1]["value1"])
}

func testNestedPath(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		name := "bob"
		if i >= 5 {
			name = "fred"
		}
		e := map[string]any{
			"id":          fmt.Sprintf("%d", i),
			"valueObject": map[string]any{"name": map[string]any{"value": name}},
		}
		require.NoError(t, s.Set(ctx, e, nil))
	}

	cond := entity.Comparator{Property: "valueObject.name.value", Comparison: entity.ComparisonEquals, Value: "bob"}
	res, err := s.Query(ctx, cond, nil, nil, "", 20)
	require.NoError(t, err)
	require.Len(t, res.Entities, 5)
}

func testUndefinedProperty(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	cond := entity.Comparator{Property: "nope", Comparison: entity.ComparisonEquals, Value: "x"}
	_, err := s.Query(ctx, cond, nil, nil, "", 10)
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))

	// Guard comparators are validated the same way on every operation.
	require.NoError(t, s.Set(ctx, item("1", "aaa", 35), nil))
	guard := []entity.Comparator{{Property: "nope", Comparison: entity.ComparisonEquals, Value: "x"}}

	_, err = s.Get(ctx, "1", "", guard)
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))

	err = s.Remove(ctx, "1", guard)
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))

	got, err := s.Get(ctx, "1", "", nil)
	require.NoError(t, err)
	require.NotNil(t, got, "rejected guard must not remove the row")
}

func testMissingRequired(t *testing.T, newStore Factory) {
	s := newStore(t)
	err := s.Set(context.Background(), map[string]any{"value1": "no-id"}, nil)
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))
}

func toFloat(t *testing.T, v any) float64 {
	t.Helper()
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		t.Fatalf("value %v (%T) is not numeric", v, v)
		return 0
	}
}
