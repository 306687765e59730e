package postgres

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// maxIdentifierLength is NAMEDATALEN-1; longer names are truncated by the server.
const maxIdentifierLength = 63

// Ident quotes an optionally schema-qualified name.
func Ident(schema, name string) string {
	if schema == "" {
		return pgx.Identifier{name}.Sanitize()
	}
	return pgx.Identifier{schema, name}.Sanitize()
}

// TableName joins prefix and stream into a lowercase table name that fits
// PostgreSQL's identifier limit.
func TableName(prefix, stream string) string {
	name := strings.ToLower(prefix + stream)
	if len(name) > maxIdentifierLength {
		name = name[:maxIdentifierLength]
	}
	return name
}
