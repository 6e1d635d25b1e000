package schema

import (
	"fmt"
	"strings"

	"espacios/internal/dataset"
)

// Dialect renders a plan for one database engine.
type Dialect interface {
	Name() string

	// ColumnType maps a semantic type to a column type, or fails.
	ColumnType(t dataset.SemanticType) (string, error)

	// CreateTable renders one idempotent CREATE TABLE statement.
	CreateTable(t TableDef) string

	// ForeignKey renders the statements that (re)create one constraint.
	// Dialects that declare references inline return nil.
	ForeignKey(fk ForeignKey) []string
}

// Postgres is the dialect of the DDL artifact.
var Postgres Dialect = postgresDialect{}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) ColumnType(t dataset.SemanticType) (string, error) {
	switch t {
	case dataset.Text:
		return "VARCHAR(255)", nil
	case dataset.Timestamp:
		return "TIMESTAMP WITHOUT TIME ZONE", nil
	case dataset.Float:
		return "NUMERIC(18, 3)", nil
	case dataset.Integer:
		return "INTEGER", nil
	case dataset.NullableInteger:
		return "BIGINT", nil
	case dataset.Boolean:
		return "BOOLEAN", nil
	}
	return "", fmt.Errorf("postgres: unmappable type %s", t)
}

// CreateTable renders
//
//	CREATE TABLE IF NOT EXISTS name (
//		col TYPE PRIMARY KEY,
//		col TYPE
//	);
func (postgresDialect) CreateTable(t TableDef) string {
	return RenderCreateTable("CREATE TABLE IF NOT EXISTS "+t.Name, t, func(c ColumnDef) string {
		def := c.Name + " " + c.SQLType
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		return def
	}, nil)
}

func (postgresDialect) ForeignKey(fk ForeignKey) []string {
	return []string{
		fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s;", fk.Table, fk.Name),
		fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(%s);",
			fk.Table, fk.Name, fk.Column, fk.RefTable, fk.RefColumn),
	}
}

// RenderCreateTable lays out a CREATE TABLE body with one tab-indented line
// per column definition, followed by any extra table-level clauses.
// Backend dialects reuse it so every script shares one layout.
func RenderCreateTable(head string, t TableDef, column func(ColumnDef) string, extra []string) string {
	var b strings.Builder
	b.WriteString(head)
	b.WriteString(" (\n")
	lines := make([]string, 0, len(t.Columns)+len(extra))
	for _, c := range t.Columns {
		lines = append(lines, "\t"+column(c))
	}
	for _, e := range extra {
		lines = append(lines, "\t"+e)
	}
	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n);")
	return b.String()
}

// SplitStatements breaks a script produced by Plan.Script into statements,
// for drivers that execute one statement per call. Statements end with ';'
// at end of line.
func SplitStatements(script string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		if strings.TrimSpace(line) == "" && cur.Len() == 0 {
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(line)
		if strings.HasSuffix(strings.TrimSpace(line), ";") {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
