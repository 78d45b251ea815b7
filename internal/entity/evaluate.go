package entity

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Match is the reference condition evaluator. It is the oracle the in-memory
// and file connectors query with, and the behaviour every compiled backend
// expression must agree with.
func Match(e map[string]any, cond Condition) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch c := cond.(type) {
	case Comparator:
		return matchComparator(e, c)
	case *Comparator:
		return matchComparator(e, *c)
	case Group:
		return matchGroup(e, c)
	case *Group:
		return matchGroup(e, *c)
	default:
		return false, fmt.Errorf("unsupported condition type %T", cond)
	}
}

// ValidateCondition checks every comparator property in a condition tree
// against the schema. The evaluating connectors call it before matching so an
// undeclared property fails the same way the compiled backends fail.
func ValidateCondition(cond Condition, schema *Schema) error {
	if cond == nil {
		return nil
	}
	switch c := cond.(type) {
	case Comparator:
		return validateConditionProperty(c.Property, schema)
	case *Comparator:
		return validateConditionProperty(c.Property, schema)
	case Group:
		for _, child := range c.Conditions {
			if err := ValidateCondition(child, schema); err != nil {
				return err
			}
		}
		return nil
	case *Group:
		for _, child := range c.Conditions {
			if err := ValidateCondition(child, schema); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported condition type %T", cond)
	}
}

// ValidateComparators validates a guard list the same way.
func ValidateComparators(comparators []Comparator, schema *Schema) error {
	for _, c := range comparators {
		if err := validateConditionProperty(c.Property, schema); err != nil {
			return err
		}
	}
	return nil
}

func validateConditionProperty(property string, schema *Schema) error {
	path := PathSegments(property)
	if _, ok := schema.Property(path[0]); !ok {
		return GuardErr("condition.validate", fmt.Sprintf("property %q is not declared by schema %q", property, schema.Name))
	}
	return nil
}

// MatchAll evaluates a list of comparators as an implicit AND.
func MatchAll(e map[string]any, comparators []Comparator) (bool, error) {
	for _, c := range comparators {
		ok, err := Match(e, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchGroup(e map[string]any, g Group) (bool, error) {
	if len(g.Conditions) == 0 {
		return true, nil
	}
	isOr := g.Operator() == LogicalOr
	for _, child := range g.Conditions {
		ok, err := Match(e, child)
		if err != nil {
			return false, err
		}
		if isOr && ok {
			return true, nil
		}
		if !isOr && !ok {
			return false, nil
		}
	}
	return !isOr, nil
}

func matchComparator(e map[string]any, c Comparator) (bool, error) {
	stored, present := LookupPath(e, c.Property)

	switch c.Comparison {
	case ComparisonEquals:
		return present && equalValues(stored, c.Value), nil
	case ComparisonNotEquals:
		return !present || !equalValues(stored, c.Value), nil
	case ComparisonGreaterThan, ComparisonLessThan, ComparisonGreaterThanOrEqual, ComparisonLessThanOrEqual:
		if !present {
			return false, nil
		}
		cmp, ok := CompareValues(stored, c.Value)
		if !ok {
			return false, nil
		}
		switch c.Comparison {
		case ComparisonGreaterThan:
			return cmp > 0, nil
		case ComparisonLessThan:
			return cmp < 0, nil
		case ComparisonGreaterThanOrEqual:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	case ComparisonIn:
		if !present {
			return false, nil
		}
		values, ok := asSlice(c.Value)
		if !ok {
			return false, fmt.Errorf("comparison %q requires an array value", c.Comparison)
		}
		for _, v := range values {
			if equalValues(stored, v) {
				return true, nil
			}
		}
		return false, nil
	case ComparisonIncludes:
		return present && includes(stored, c.Value), nil
	case ComparisonNotIncludes:
		return !present || !includes(stored, c.Value), nil
	default:
		return false, fmt.Errorf("unsupported comparison %q", c.Comparison)
	}
}

// includes implements containment: substring when the stored value is a
// string and the condition value a scalar, element membership when the
// stored value is an array.
func includes(stored, value any) bool {
	if items, ok := asSlice(stored); ok {
		for _, item := range items {
			if equalValues(item, value) {
				return true
			}
		}
		return false
	}
	s, okS := stored.(string)
	sub, okV := value.(string)
	if okS && okV {
		return strings.Contains(s, sub)
	}
	return false
}

func asSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if v == nil || rv.Kind() != reflect.Slice {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

// equalValues compares two values with numeric coercion so that an int 35 and
// a float64 35 from decoded JSON compare equal.
func equalValues(a, b any) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok2 := toFloat(b); ok2 {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// CompareValues orders two values of the same shape. The second return is
// false when the values are not comparable.
func CompareValues(a, b any) (int, bool) {
	if na, ok := toFloat(a); ok {
		nb, ok2 := toFloat(b)
		if !ok2 {
			return 0, false
		}
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	ba, okA := a.(bool)
	bb, okB := b.(bool)
	if okA && okB {
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// SortEntities orders a result set in place by the given directives, with the
// primary key as the final tiebreaker for deterministic pagination.
func SortEntities(entities []map[string]any, directives []SortDirective, schema *Schema) {
	primary := schema.Primary().Name
	sort.SliceStable(entities, func(i, j int) bool {
		for _, d := range directives {
			vi, _ := LookupPath(entities[i], d.Property)
			vj, _ := LookupPath(entities[j], d.Property)
			cmp, ok := CompareValues(vi, vj)
			if !ok || cmp == 0 {
				continue
			}
			if d.SortDirection == SortDescending {
				return cmp > 0
			}
			return cmp < 0
		}
		pi, _ := entities[i][primary].(string)
		pj, _ := entities[j][primary].(string)
		return pi < pj
	})
}

// Project returns a copy of e restricted to the named properties. Unlisted
// properties are absent, not null. A nil projection returns a full clone.
func Project(e map[string]any, properties []string) map[string]any {
	if len(properties) == 0 {
		return Clone(e)
	}
	out := make(map[string]any, len(properties))
	for _, p := range properties {
		if v, ok := e[p]; ok {
			out[p] = cloneValue(v)
		}
	}
	return out
}

// Clone deep-copies an entity so stored state never aliases caller maps.
func Clone(e map[string]any) map[string]any {
	if e == nil {
		return nil
	}
	out := make(map[string]any, len(e))
	for k, v := range e {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = cloneValue(item)
		}
		return items
	default:
		return v
	}
}
