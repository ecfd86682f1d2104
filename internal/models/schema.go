package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
)

// EntityInventoryItem is the catalog entity the application syncs.
const EntityInventoryItem = "inventory_item"

// FieldKind is the expected JSON shape of a payload field.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldNumber FieldKind = "number"
	FieldBool   FieldKind = "bool"
	FieldAny    FieldKind = "any"
)

// EntitySchema describes the payload shape accepted for one entity type.
type EntitySchema struct {
	Name     string
	Fields   map[string]FieldKind
	Required []string
}

// InventoryItemSchema returns the schema of inventory_item payloads.
func InventoryItemSchema() *EntitySchema {
	return &EntitySchema{
		Name: EntityInventoryItem,
		Fields: map[string]FieldKind{
			"name":          FieldString,
			"category":      FieldString,
			"quantity":      FieldNumber,
			"price":         FieldNumber,
			"serial_number": FieldString,
			"location":      FieldString,
			"notes":         FieldString,
			"acquired_at":   FieldString,
			"archived":      FieldBool,
		},
		Required: []string{"name"},
	}
}

// SchemaRegistry maps entity types to their payload schema.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*EntitySchema
}

// NewSchemaRegistry creates a registry holding the given schemas.
func NewSchemaRegistry(schemas ...*EntitySchema) *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]*EntitySchema)}
	for _, s := range schemas {
		r.Register(s)
	}
	return r
}

// DefaultSchemas returns a registry with the built-in entity types.
func DefaultSchemas() *SchemaRegistry {
	return NewSchemaRegistry(InventoryItemSchema())
}

// Register adds or replaces a schema.
func (r *SchemaRegistry) Register(s *EntitySchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Name] = s
}

// Lookup returns the schema registered for entityType.
func (r *SchemaRegistry) Lookup(entityType string) (*EntitySchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[entityType]
	return s, ok
}

// EntityTypes returns the registered entity type names, sorted.
func (r *SchemaRegistry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a mutation's payload against the schema of entityType.
func (r *SchemaRegistry) Validate(kind Kind, entityType string, payload Payload) error {
	if !kind.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation kind %q", kind)
	}
	if entityType == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity type is required")
	}
	schema, ok := r.Lookup(entityType)
	if !ok {
		return apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", entityType)
	}

	switch kind {
	case KindDelete:
		if len(payload) != 0 {
			return apperrors.New(apperrors.ErrValidation, "delete operations carry no payload")
		}
		return nil
	case KindCreate, KindUpdate:
		if len(payload) == 0 {
			return apperrors.Newf(apperrors.ErrValidation, "%s operations require a payload", kind)
		}
	}

	for _, field := range sortedKeys(payload) {
		want, known := schema.Fields[field]
		if !known {
			return apperrors.Newf(apperrors.ErrValidation, "%s: unknown field %q", entityType, field)
		}
		if err := checkKind(field, want, payload[field]); err != nil {
			return err
		}
	}

	for _, field := range schema.Required {
		v, present := payload[field]
		if kind == KindCreate && !present {
			return apperrors.Newf(apperrors.ErrValidation, "%s: field %q is required", entityType, field)
		}
		if present && isBlank(v) {
			return apperrors.Newf(apperrors.ErrValidation, "%s: field %q must not be empty", entityType, field)
		}
	}
	return nil
}

func checkKind(field string, want FieldKind, v interface{}) error {
	if v == nil || want == FieldAny {
		return nil
	}
	ok := false
	switch want {
	case FieldString:
		_, ok = v.(string)
	case FieldBool:
		_, ok = v.(bool)
	case FieldNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
			ok = true
		}
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrValidation, "field %q must be a %s, got %T", field, want, v)
	}
	return nil
}

func isBlank(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func sortedKeys(p Payload) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the schema for CLI help output.
func (s *EntitySchema) String() string {
	return fmt.Sprintf("%s (%d fields, required: %v)", s.Name, len(s.Fields), s.Required)
}
