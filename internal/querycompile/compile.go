package querycompile

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/vaultline/entitystore/internal/entity"
)

// Path segments are rendered into the expression text by the SQL dialects,
// so every segment is restricted to a strict identifier set. Values never
// reach the text; they flow through the parameter list.
var pathSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func validatePath(op, property string, path []string) error {
	for _, seg := range path {
		if !pathSegmentPattern.MatchString(seg) {
			return entity.GuardErr(op, fmt.Sprintf("property path %q contains an invalid segment", property))
		}
	}
	return nil
}

var binaryComparisons = map[entity.Comparison]bool{
	entity.ComparisonEquals:             true,
	entity.ComparisonNotEquals:          true,
	entity.ComparisonGreaterThan:        true,
	entity.ComparisonLessThan:           true,
	entity.ComparisonGreaterThanOrEqual: true,
	entity.ComparisonLessThanOrEqual:    true,
}

// Compile walks a condition tree and emits a backend filter expression,
// appending every bound value to params. A nil condition and empty groups
// compile to the empty string; callers omit the WHERE clause in that case.
func Compile(cond entity.Condition, schema *entity.Schema, d Dialect, params *[]any) (string, error) {
	if cond == nil {
		return "", nil
	}
	switch c := cond.(type) {
	case entity.Comparator:
		return compileComparator(c, schema, d, params)
	case *entity.Comparator:
		return compileComparator(*c, schema, d, params)
	case entity.Group:
		return compileGroup(c, schema, d, params)
	case *entity.Group:
		return compileGroup(*c, schema, d, params)
	default:
		return "", fmt.Errorf("unsupported condition type %T", cond)
	}
}

// CompileComparators compiles a comparator list as an implicit AND group.
func CompileComparators(comparators []entity.Comparator, schema *entity.Schema, d Dialect, params *[]any) (string, error) {
	g := entity.Group{LogicalOperator: entity.LogicalAnd}
	for _, c := range comparators {
		g.Conditions = append(g.Conditions, c)
	}
	return Compile(g, schema, d, params)
}

func compileGroup(g entity.Group, schema *entity.Schema, d Dialect, params *[]any) (string, error) {
	parts := make([]string, 0, len(g.Conditions))
	for _, child := range g.Conditions {
		expr, err := Compile(child, schema, d, params)
		if err != nil {
			return "", err
		}
		if expr == "" {
			continue
		}
		parts = append(parts, expr)
	}
	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], nil
	}
	joiner := " AND "
	if g.Operator() == entity.LogicalOr {
		joiner = " OR "
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func compileComparator(c entity.Comparator, schema *entity.Schema, d Dialect, params *[]any) (string, error) {
	path := entity.PathSegments(c.Property)
	prop, ok := schema.Property(path[0])
	if !ok {
		return "", entity.GuardErr("query.compile", fmt.Sprintf("property %q is not declared by schema %q", c.Property, schema.Name))
	}
	if err := validatePath("query.compile", c.Property, path); err != nil {
		return "", err
	}

	column, err := d.Column(prop, path)
	if err != nil {
		return "", err
	}

	if binaryComparisons[c.Comparison] {
		op, err := d.Operator(c.Comparison)
		if err != nil {
			return "", &entity.StoreError{
				Kind:    entity.KindUnsupportedComparison,
				Op:      "query.compile",
				Message: fmt.Sprintf("comparison %q on %q: %v", c.Comparison, c.Property, err),
			}
		}
		p, err := d.Param(prop, path, c.Value)
		if err != nil {
			return "", entity.GuardErr("query.compile", err.Error())
		}
		*params = append(*params, p)
		expr := fmt.Sprintf("%s %s %s", column, op, d.Placeholder(len(*params)))
		if c.Comparison == entity.ComparisonNotEquals {
			// An absent property satisfies notEquals; a bare <> over the
			// extracted NULL would drop the row instead.
			expr = fmt.Sprintf("(%s IS NULL OR %s)", column, expr)
		}
		return expr, nil
	}

	switch c.Comparison {
	case entity.ComparisonIn:
		values, ok := valueSlice(c.Value)
		if !ok {
			return "", entity.GuardErr("query.compile", fmt.Sprintf("comparison %q on %q requires an array value", c.Comparison, c.Property))
		}
		if len(values) == 0 {
			// An empty IN list matches nothing.
			return "1 = 0", nil
		}
		placeholders := make([]string, 0, len(values))
		for _, v := range values {
			p, err := d.Param(prop, path, v)
			if err != nil {
				return "", entity.GuardErr("query.compile", err.Error())
			}
			*params = append(*params, p)
			placeholders = append(placeholders, d.Placeholder(len(*params)))
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), nil

	case entity.ComparisonIncludes, entity.ComparisonNotIncludes:
		// Object/array condition values and array-typed properties use
		// element containment; scalars against strings use substring search.
		element := isComposite(c.Value) || prop.Type == entity.TypeArray
		p, err := d.Param(prop, path, c.Value)
		if err != nil {
			return "", entity.GuardErr("query.compile", err.Error())
		}
		*params = append(*params, p)
		expr, err := d.Contains(column, d.Placeholder(len(*params)), element, c.Comparison == entity.ComparisonNotIncludes)
		if err != nil {
			return "", &entity.StoreError{
				Kind:    entity.KindUnsupportedComparison,
				Op:      "query.compile",
				Message: fmt.Sprintf("comparison %q on %q: %v", c.Comparison, c.Property, err),
			}
		}
		if c.Comparison == entity.ComparisonNotIncludes {
			// Same absence rule as notEquals.
			expr = fmt.Sprintf("(%s IS NULL OR %s)", column, expr)
		}
		return expr, nil

	default:
		return "", &entity.StoreError{
			Kind:    entity.KindUnsupportedComparison,
			Op:      "query.compile",
			Message: fmt.Sprintf("comparison %q is not supported", c.Comparison),
		}
	}
}

// OrderBy renders an ORDER BY column list for the sort directives, validating
// every property against the schema.
func OrderBy(directives []entity.SortDirective, schema *entity.Schema, d Dialect) (string, error) {
	parts := make([]string, 0, len(directives))
	for _, dir := range directives {
		path := entity.PathSegments(dir.Property)
		prop, ok := schema.Property(path[0])
		if !ok {
			return "", entity.GuardErr("query.orderBy", fmt.Sprintf("property %q is not declared by schema %q", dir.Property, schema.Name))
		}
		if err := validatePath("query.orderBy", dir.Property, path); err != nil {
			return "", err
		}
		column, err := d.Column(prop, path)
		if err != nil {
			return "", err
		}
		keyword := "ASC"
		if dir.SortDirection == entity.SortDescending {
			keyword = "DESC"
		}
		parts = append(parts, column+" "+keyword)
	}
	return strings.Join(parts, ", "), nil
}

func valueSlice(v any) ([]any, bool) {
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

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	rv := reflect.ValueOf(v)
	return v != nil && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Map)
}
