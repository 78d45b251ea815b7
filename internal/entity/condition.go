package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Comparison enumerates the comparator operators.
type Comparison string

const (
	ComparisonEquals             Comparison = "equals"
	ComparisonNotEquals          Comparison = "notEquals"
	ComparisonGreaterThan        Comparison = "greaterThan"
	ComparisonLessThan           Comparison = "lessThan"
	ComparisonGreaterThanOrEqual Comparison = "greaterThanOrEqual"
	ComparisonLessThanOrEqual    Comparison = "lessThanOrEqual"
	ComparisonIn                 Comparison = "in"
	ComparisonIncludes           Comparison = "includes"
	ComparisonNotIncludes        Comparison = "notIncludes"
)

// LogicalOperator joins the children of a condition group.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

// SortDirection orders query results.
type SortDirection string

const (
	SortAscending  SortDirection = "ascending"
	SortDescending SortDirection = "descending"
)

// SortDirective requests ordering on a single property.
type SortDirective struct {
	Property      string        `json:"property"`
	SortDirection SortDirection `json:"sortDirection"`
}

// Condition is the language-neutral predicate tree: either a Comparator leaf
// or a Group of child conditions.
type Condition interface {
	isCondition()
}

// Comparator is a leaf predicate on a (possibly dotted) property path.
type Comparator struct {
	Property   string     `json:"property"`
	Comparison Comparison `json:"comparison"`
	Value      any        `json:"value"`
}

func (Comparator) isCondition() {}

// Group combines child conditions with a logical operator. An empty group
// degenerates to "always true"; an empty operator defaults to And.
type Group struct {
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
	Conditions      []Condition     `json:"conditions"`
}

func (Group) isCondition() {}

// Operator returns the group's operator, defaulting to And.
func (g Group) Operator() LogicalOperator {
	if g.LogicalOperator == LogicalOr {
		return LogicalOr
	}
	return LogicalAnd
}

// And is a convenience constructor for an AND group over comparator leaves.
func And(comparators ...Comparator) Condition {
	g := Group{LogicalOperator: LogicalAnd}
	for _, c := range comparators {
		g.Conditions = append(g.Conditions, c)
	}
	return g
}

// PathSegments splits a dotted property path into its segments.
func PathSegments(path string) []string {
	return strings.Split(path, ".")
}

// LookupPath resolves a dotted property path against an entity, descending
// through nested objects. The second return is false when any segment is
// absent or a non-object is traversed.
func LookupPath(e map[string]any, path string) (any, bool) {
	segs := PathSegments(path)
	var cur any = e
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ParseCondition decodes the JSON form of a condition tree. A node with a
// "conditions" array is a group; anything else is a comparator.
func ParseCondition(raw []byte) (Condition, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	if children, ok := probe["conditions"]; ok {
		var g Group
		if op, ok := probe["logicalOperator"]; ok {
			if err := json.Unmarshal(op, &g.LogicalOperator); err != nil {
				return nil, fmt.Errorf("parse logical operator: %w", err)
			}
		}
		var rawChildren []json.RawMessage
		if err := json.Unmarshal(children, &rawChildren); err != nil {
			return nil, fmt.Errorf("parse condition group: %w", err)
		}
		for _, rc := range rawChildren {
			child, err := ParseCondition(rc)
			if err != nil {
				return nil, err
			}
			g.Conditions = append(g.Conditions, child)
		}
		return g, nil
	}
	var c Comparator
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse comparator: %w", err)
	}
	if c.Property == "" {
		return nil, fmt.Errorf("parse comparator: property is required")
	}
	return c, nil
}
