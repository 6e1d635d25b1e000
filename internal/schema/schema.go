// Package schema derives a relational schema from a table set: SQL column
// types, primary keys and foreign keys, rendered as an ordered DDL script.
//
// Keys follow a naming convention instead of declarations:
//   - the first column of every table is its primary key
//   - any other column named id_<x> references the table whose primary key is
//     id_<x>
//   - id_departamento is never a foreign key; no departments table exists
package schema

import (
	"fmt"
	"strings"

	"espacios/internal/dataset"
)

const (
	keyPrefix = "id_"

	// unreferencedKey names a key column that has no dimension table.
	unreferencedKey = "id_departamento"
)

// ColumnDef is a column with its dialect type resolved.
type ColumnDef struct {
	Name       string
	Type       dataset.SemanticType
	SQLType    string
	Nullable   bool
	PrimaryKey bool
}

// ForeignKey is a reference from Table.Column to RefTable.RefColumn.
type ForeignKey struct {
	Name      string
	Table     string
	Column    string
	RefTable  string
	RefColumn string
}

// TableDef is one table of a plan. ForeignKeys lists references owned by
// this table, in column order.
type TableDef struct {
	Name        string
	Columns     []ColumnDef
	PrimaryKey  string
	ForeignKeys []ForeignKey
}

// Plan is the derived schema in table order.
type Plan struct {
	Tables  []TableDef
	dialect Dialect
}

// ForeignKeys returns every reference, in table then column order.
func (p *Plan) ForeignKeys() []ForeignKey {
	var out []ForeignKey
	for _, t := range p.Tables {
		out = append(out, t.ForeignKeys...)
	}
	return out
}

// Dialect returns the dialect the plan was derived for.
func (p *Plan) Dialect() Dialect { return p.dialect }

// UnmappableTypeError reports a column whose semantic type the dialect cannot
// express.
type UnmappableTypeError struct {
	Dialect string
	Table   string
	Column  string
	Type    dataset.SemanticType
}

func (e *UnmappableTypeError) Error() string {
	return fmt.Sprintf("schema %s: %s.%s: no SQL type for %s", e.Dialect, e.Table, e.Column, e.Type)
}

// UnresolvedReferenceError reports an id_ column whose key no table owns.
type UnresolvedReferenceError struct {
	Table  string
	Column string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("schema: %s.%s looks like a foreign key but no table has primary key %s", e.Table, e.Column, e.Column)
}

// Derive builds the plan for tables. It is pure; identical input yields an
// identical plan and script.
func Derive(tables dataset.TableSet, d Dialect) (*Plan, error) {
	if d == nil {
		d = Postgres
	}

	owners := make(map[string]string, len(tables))
	for _, t := range tables {
		cols := t.Data.Columns()
		if len(cols) == 0 {
			return nil, fmt.Errorf("schema: table %s has no columns", t.Name)
		}
		pk := cols[0].Name
		if prev, dup := owners[pk]; dup {
			return nil, fmt.Errorf("schema: primary key %s claimed by %s and %s", pk, prev, t.Name)
		}
		owners[pk] = t.Name
	}

	plan := &Plan{dialect: d}
	for _, t := range tables {
		cols := t.Data.Columns()
		def := TableDef{Name: t.Name, PrimaryKey: cols[0].Name}
		for i, c := range cols {
			sqlType, err := d.ColumnType(c.Type)
			if err != nil {
				return nil, &UnmappableTypeError{Dialect: d.Name(), Table: t.Name, Column: c.Name, Type: c.Type}
			}
			def.Columns = append(def.Columns, ColumnDef{
				Name:       c.Name,
				Type:       c.Type,
				SQLType:    sqlType,
				Nullable:   c.Nullable,
				PrimaryKey: i == 0,
			})
			if i == 0 || !IsForeignKeyColumn(c.Name) {
				continue
			}
			ref, ok := owners[c.Name]
			if !ok {
				return nil, &UnresolvedReferenceError{Table: t.Name, Column: c.Name}
			}
			def.ForeignKeys = append(def.ForeignKeys, ForeignKey{
				Name:      "fk_" + c.Name,
				Table:     t.Name,
				Column:    c.Name,
				RefTable:  ref,
				RefColumn: c.Name,
			})
		}
		plan.Tables = append(plan.Tables, def)
	}
	return plan, nil
}

// IsForeignKeyColumn reports whether a non-leading column name denotes a
// reference under the id_ convention.
func IsForeignKeyColumn(name string) bool {
	return strings.HasPrefix(name, keyPrefix) && name != unreferencedKey
}

// Statements renders the plan: every CREATE TABLE first, then the foreign
// key statements in table order.
func (p *Plan) Statements() []string {
	out := make([]string, 0, len(p.Tables)*2)
	for _, t := range p.Tables {
		out = append(out, p.dialect.CreateTable(t))
	}
	for _, fk := range p.ForeignKeys() {
		out = append(out, p.dialect.ForeignKey(fk)...)
	}
	return out
}

// Script joins Statements into the DDL text written to disk and executed.
func (p *Plan) Script() string {
	var b strings.Builder
	stmts := p.Statements()
	nCreate := len(p.Tables)
	for i, s := range stmts {
		b.WriteString(s)
		switch {
		case i < nCreate:
			b.WriteString("\n\n")
		default:
			b.WriteString("\n")
		}
	}
	return b.String()
}
