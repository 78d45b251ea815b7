// Package querycompile transforms a language-neutral condition tree into a
// parameterised backend filter expression. The walk is shared; everything
// backend-specific (placeholder syntax, identifier quoting, JSON path
// projection, containment operators) lives behind the Dialect interface.
//
// Safety invariant: no caller-supplied value is ever concatenated into the
// expression text. Values flow exclusively through the parameter list,
// property names are validated against the schema, and every path segment is
// checked against a strict identifier set before it reaches the text.
package querycompile

import (
	"encoding/json"
	"fmt"

	"github.com/vaultline/entitystore/internal/entity"
)

// Dialect adapts the shared compiler to one backend's expression syntax.
type Dialect interface {
	// Placeholder renders the i-th (1-based) parameter placeholder.
	Placeholder(i int) string

	// Operator renders a binary comparison keyword. Dialects without a
	// rendering (CQL has no inequality operator) return an error.
	Operator(c entity.Comparison) (string, error)

	// Column renders the expression addressing a property path. path holds
	// the full dotted path split into segments; path[0] is prop.Name.
	Column(prop entity.Property, path []string) (string, error)

	// Contains renders a containment test over expr. element selects
	// array-element membership over substring search; negate inverts it.
	// Dialects without a native rendering return an error.
	Contains(expr, placeholder string, element, negate bool) (string, error)

	// Param converts a condition value into the driver-level parameter for
	// the addressed property.
	Param(prop entity.Property, path []string, value any) (any, error)
}

// DefaultOperator maps the binary comparisons to their SQL keywords. It is
// the Operator implementation shared by the SQL dialects.
func DefaultOperator(c entity.Comparison) (string, error) {
	switch c {
	case entity.ComparisonEquals:
		return "=", nil
	case entity.ComparisonNotEquals:
		return "<>", nil
	case entity.ComparisonGreaterThan:
		return ">", nil
	case entity.ComparisonLessThan:
		return "<", nil
	case entity.ComparisonGreaterThanOrEqual:
		return ">=", nil
	case entity.ComparisonLessThanOrEqual:
		return "<=", nil
	default:
		return "", fmt.Errorf("comparison %q is not a binary operator", c)
	}
}

// CoerceParam is the default Param implementation shared by the SQL dialects:
// scalar values are normalised to the schema type, nested-path and composite
// values are compared through their JSON text form.
func CoerceParam(prop entity.Property, path []string, value any) (any, error) {
	if len(path) > 1 {
		// Nested paths are extracted as JSON text by every SQL dialect.
		return jsonScalarText(value)
	}
	switch prop.Type {
	case entity.TypeNumber:
		if f, ok := toFloat64(value); ok {
			return f, nil
		}
		return nil, fmt.Errorf("property %q expects a number, got %T", prop.Name, value)
	case entity.TypeInteger:
		if f, ok := toFloat64(value); ok {
			return int64(f), nil
		}
		return nil, fmt.Errorf("property %q expects an integer, got %T", prop.Name, value)
	case entity.TypeBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("property %q expects a boolean, got %T", prop.Name, value)
	case entity.TypeObject, entity.TypeArray:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	default:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil
	}
}

// jsonScalarText renders a scalar the way SQL JSON text extraction does.
func jsonScalarText(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	default:
		if f, ok := toFloat64(value); ok {
			raw, _ := json.Marshal(f)
			return string(raw), nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}
}

func toFloat64(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}
