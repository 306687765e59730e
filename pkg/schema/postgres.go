package schema

import (
	"strings"

	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
)

// PostgresType maps a field type to its PostgreSQL column type.
func PostgresType(t core.FieldType) string {
	switch t {
	case core.FieldTypeBool:
		return "boolean"
	case core.FieldTypeInt:
		return "bigint"
	case core.FieldTypeFloat:
		return "double precision"
	case core.FieldTypeTimestamp:
		return "timestamptz"
	case core.FieldTypeJSON:
		return "jsonb"
	default:
		return "text"
	}
}

// FieldTypeFromPostgres maps an information_schema data_type back to a
// field type. Unknown types load as text.
func FieldTypeFromPostgres(dataType string) core.FieldType {
	switch strings.ToLower(dataType) {
	case "boolean":
		return core.FieldTypeBool
	case "bigint", "integer", "smallint":
		return core.FieldTypeInt
	case "double precision", "real", "numeric":
		return core.FieldTypeFloat
	case "timestamp with time zone", "timestamp without time zone", "timestamptz":
		return core.FieldTypeTimestamp
	case "jsonb", "json":
		return core.FieldTypeJSON
	default:
		return core.FieldTypeString
	}
}
