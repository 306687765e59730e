package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/schema"
)

// Metadata columns of every destination table.
const (
	ColumnPrimaryKey  = "_ghsync_pk"
	ColumnExtractedAt = "_ghsync_extracted_at"
	ColumnLoadedAt    = "_ghsync_loaded_at"
)

// tablePlan holds everything needed to generate the statements loading one
// stream.
type tablePlan struct {
	schema string
	table  string
	mode   string
	fields []core.Field
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (p *tablePlan) target() string {
	if p.schema == "" {
		return quote(p.table)
	}
	return pgx.Identifier{p.schema, p.table}.Sanitize()
}

// loadTable is the session-local table COPY writes into.
func (p *tablePlan) loadTable() string {
	return quote("_ghsync_load_" + p.table)
}

// loadColumns lists the columns COPY fills, in order.
func (p *tablePlan) loadColumns() []string {
	cols := make([]string, 0, len(p.fields)+2)
	cols = append(cols, ColumnPrimaryKey, ColumnExtractedAt)
	for _, f := range p.fields {
		cols = append(cols, f.Name)
	}
	return cols
}

func columnDefs(fields []core.Field) []string {
	defs := make([]string, 0, len(fields))
	for _, f := range fields {
		defs = append(defs, quote(f.Name)+" "+schema.PostgresType(f.Type))
	}
	return defs
}

// createLoadTableSQL creates the unconstrained staging table dropped at commit.
func (p *tablePlan) createLoadTableSQL() string {
	defs := append([]string{
		quote(ColumnPrimaryKey) + " text",
		quote(ColumnExtractedAt) + " timestamptz",
	}, columnDefs(p.fields)...)
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP", p.loadTable(), strings.Join(defs, ", "))
}

// createTargetSQL creates the destination table. Append tables carry no
// primary key since they keep every copy of a record.
func (p *tablePlan) createTargetSQL(ifNotExists bool) string {
	defs := append([]string{
		quote(ColumnPrimaryKey) + " text NOT NULL",
		quote(ColumnExtractedAt) + " timestamptz NOT NULL",
		quote(ColumnLoadedAt) + " timestamptz NOT NULL DEFAULT now()",
	}, columnDefs(p.fields)...)
	if p.mode != config.WriteModeAppend {
		defs = append(defs, "PRIMARY KEY ("+quote(ColumnPrimaryKey)+")")
	}
	verb := "CREATE TABLE "
	if ifNotExists {
		verb += "IF NOT EXISTS "
	}
	return verb + p.target() + " (" + strings.Join(defs, ", ") + ")"
}

func (p *tablePlan) dropTargetSQL() string {
	return "DROP TABLE IF EXISTS " + p.target()
}

// addColumnsSQL adds the columns existing lacks.
func (p *tablePlan) addColumnsSQL(changes []schema.SchemaChange) []string {
	var stmts []string
	for _, c := range changes {
		if c.Type != schema.ChangeTypeAddField {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			p.target(), quote(c.Field), schema.PostgresType(c.NewField.Type)))
	}
	return stmts
}

// alterColumnsSQL widens the existing columns whose type cannot hold the
// incoming values.
func (p *tablePlan) alterColumnsSQL(changes []schema.SchemaChange) []string {
	var stmts []string
	for _, c := range changes {
		if c.Type != schema.ChangeTypeModifyType {
			continue
		}
		widened := schema.Widen(c.OldField.Type, c.NewField.Type)
		if widened == c.OldField.Type {
			continue
		}
		col := quote(c.Field)
		using := col + "::" + schema.PostgresType(widened)
		if widened == core.FieldTypeJSON {
			using = "to_jsonb(" + col + ")"
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s",
			p.target(), col, schema.PostgresType(widened), using))
	}
	return stmts
}

// insertSQL moves the staged rows into the target. Replace and upsert keep
// the newest copy of each primary key.
func (p *tablePlan) insertSQL() string {
	cols := make([]string, 0, len(p.fields)+2)
	for _, c := range p.loadColumns() {
		cols = append(cols, quote(c))
	}
	list := strings.Join(cols, ", ")

	insert := fmt.Sprintf("INSERT INTO %s (%s, %s) ", p.target(), list, quote(ColumnLoadedAt))
	if p.mode == config.WriteModeAppend {
		return insert + fmt.Sprintf("SELECT %s, now() FROM %s", list, p.loadTable())
	}

	insert += fmt.Sprintf("SELECT DISTINCT ON (%[1]s) %[2]s, now() FROM %[3]s ORDER BY %[1]s, %[4]s DESC",
		quote(ColumnPrimaryKey), list, p.loadTable(), quote(ColumnExtractedAt))
	if p.mode != config.WriteModeUpsert {
		return insert
	}

	sets := make([]string, 0, len(p.fields)+2)
	for _, c := range append([]string{ColumnExtractedAt, ColumnLoadedAt}, fieldNames(p.fields)...) {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quote(c), quote(c)))
	}
	return insert + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", quote(ColumnPrimaryKey), strings.Join(sets, ", "))
}

func fieldNames(fields []core.Field) []string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	return names
}

// isMetadataColumn reports whether name is one of the columns ghsync adds.
func isMetadataColumn(name string) bool {
	switch name {
	case ColumnPrimaryKey, ColumnExtractedAt, ColumnLoadedAt:
		return true
	}
	return false
}
