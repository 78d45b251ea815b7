package entity

import (
	"fmt"
	"sync"
)

// PropertyType enumerates the JSON-compatible types a schema property may take.
type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeNumber  PropertyType = "number"
	TypeInteger PropertyType = "integer"
	TypeBoolean PropertyType = "boolean"
	TypeObject  PropertyType = "object"
	TypeArray   PropertyType = "array"
)

// Property describes a single schema property.
type Property struct {
	Name          string        `json:"property" yaml:"property"`
	Type          PropertyType  `json:"type" yaml:"type"`
	Format        string        `json:"format,omitempty" yaml:"format,omitempty"`
	ItemType      PropertyType  `json:"itemType,omitempty" yaml:"itemType,omitempty"`
	ItemTypeRef   string        `json:"itemTypeRef,omitempty" yaml:"itemTypeRef,omitempty"`
	IsPrimary     bool          `json:"isPrimary,omitempty" yaml:"isPrimary,omitempty"`
	IsSecondary   bool          `json:"isSecondary,omitempty" yaml:"isSecondary,omitempty"`
	SortDirection SortDirection `json:"sortDirection,omitempty" yaml:"sortDirection,omitempty"`
	Optional      bool          `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Schema describes a stored entity type: its name, properties, primary key
// and declared secondary indexes.
type Schema struct {
	Name       string     `json:"name" yaml:"name"`
	Properties []Property `json:"properties" yaml:"properties"`
}

// Validate checks the structural invariants: a non-empty name and exactly
// one primary key property.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return &StoreError{Kind: KindConfigurationInvalid, Op: "schema.validate", Message: "schema name is required"}
	}
	primaries := 0
	for _, p := range s.Properties {
		if p.Name == "" {
			return &StoreError{Kind: KindConfigurationInvalid, Op: "schema.validate", Message: "property name is required", Container: s.Name}
		}
		if p.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return &StoreError{
			Kind:      KindConfigurationInvalid,
			Op:        "schema.validate",
			Container: s.Name,
			Message:   fmt.Sprintf("schema must declare exactly one primary key, found %d", primaries),
		}
	}
	return nil
}

// Primary returns the primary key property.
func (s *Schema) Primary() Property {
	for _, p := range s.Properties {
		if p.IsPrimary {
			return p
		}
	}
	return Property{}
}

// Property looks up a property by name. Only the first segment of a dotted
// path is schema-addressable; nested segments live inside object properties.
func (s *Schema) Property(name string) (Property, bool) {
	for _, p := range s.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// IsSecondary reports whether name is a declared secondary index.
func (s *Schema) IsSecondary(name string) bool {
	p, ok := s.Property(name)
	return ok && p.IsSecondary
}

// ValidateEntity checks that all non-optional properties are present.
func (s *Schema) ValidateEntity(e map[string]any) error {
	for _, p := range s.Properties {
		if p.Optional {
			continue
		}
		if _, ok := e[p.Name]; !ok {
			return &StoreError{
				Kind:      KindGuardFailure,
				Op:        "schema.validateEntity",
				Container: s.Name,
				Message:   fmt.Sprintf("required property %q is missing", p.Name),
			}
		}
	}
	return nil
}

// The process-wide schema registry. Schemas are registered explicitly at
// module init and consumed by connectors and the service layer.
var (
	registryMu sync.RWMutex
	registry   = map[string]*Schema{}
)

// RegisterSchema adds a schema to the process-wide registry, replacing any
// previous registration under the same name.
func RegisterSchema(s *Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Name] = s
	return nil
}

// LookupSchema returns the registered schema by name.
func LookupSchema(name string) (*Schema, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	return s, ok
}

// UnregisterSchema removes a schema from the registry. Used by tests and
// teardown paths.
func UnregisterSchema(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}
