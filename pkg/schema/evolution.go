package schema

import (
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
)

// ChangeType represents the type of schema change
type ChangeType string

const (
	ChangeTypeAddField   ChangeType = "ADD_FIELD"
	ChangeTypeModifyType ChangeType = "MODIFY_TYPE"
)

// SchemaChange represents a single change between an existing table and
// newly inferred records.
type SchemaChange struct {
	Type     ChangeType  `json:"type"`
	Field    string      `json:"field"`
	OldField *core.Field `json:"old_field,omitempty"`
	NewField *core.Field `json:"new_field,omitempty"`
}

// Diff lists the fields of incoming that existing lacks and the fields whose
// type differs. Fields only present in existing are kept and not reported.
func Diff(existing, incoming *core.Schema) []SchemaChange {
	var changes []SchemaChange
	for i := range incoming.Fields {
		nf := incoming.Fields[i]
		of, ok := existing.Field(nf.Name)
		if !ok {
			changes = append(changes, SchemaChange{Type: ChangeTypeAddField, Field: nf.Name, NewField: &nf})
			continue
		}
		if of.Type != nf.Type {
			old := of
			changes = append(changes, SchemaChange{Type: ChangeTypeModifyType, Field: nf.Name, OldField: &old, NewField: &nf})
		}
	}
	return changes
}

// Merge returns the schema used to load incoming into existing: existing
// columns take the Widen of both types, new columns are appended in
// incoming order.
func Merge(existing, incoming *core.Schema) *core.Schema {
	merged := &core.Schema{Name: incoming.Name, Fields: make([]core.Field, 0, len(incoming.Fields))}
	for _, nf := range incoming.Fields {
		if of, ok := existing.Field(nf.Name); ok {
			nf.Type = Widen(of.Type, nf.Type)
		}
		merged.Fields = append(merged.Fields, nf)
	}
	return merged
}

// Widen returns the type a column of type existing must have to also hold
// values of type incoming. text and jsonb columns hold anything, bigint
// widens to double precision, and every other conflict becomes jsonb for
// nested values or text otherwise.
func Widen(existing, incoming core.FieldType) core.FieldType {
	switch {
	case existing == incoming:
		return existing
	case existing == core.FieldTypeString, existing == core.FieldTypeJSON:
		return existing
	case existing == core.FieldTypeFloat && incoming == core.FieldTypeInt:
		return existing
	case existing == core.FieldTypeInt && incoming == core.FieldTypeFloat:
		return core.FieldTypeFloat
	case incoming == core.FieldTypeJSON:
		return core.FieldTypeJSON
	default:
		return core.FieldTypeString
	}
}
