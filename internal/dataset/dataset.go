// Package dataset holds the in-memory tabular model shared by every pipeline
// stage: an ordered list of typed columns and positional rows aligned to them.
//
// Column order is significant. It decides primary-key inference and the column
// order of generated DDL, so every operation here preserves it.
package dataset

import (
	"fmt"
	"strings"
	"time"
)

// SemanticType is the closed set of value families a column may hold.
type SemanticType int

const (
	Integer SemanticType = iota + 1
	NullableInteger
	Float
	Text
	Boolean
	Timestamp
)

func (t SemanticType) String() string {
	switch t {
	case Integer:
		return "integer"
	case NullableInteger:
		return "nullable_integer"
	case Float:
		return "float"
	case Text:
		return "text"
	case Boolean:
		return "boolean"
	case Timestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("semantic_type(%d)", int(t))
	}
}

// Column is a named, typed column. NullableInteger columns are always nullable.
type Column struct {
	Name     string
	Type     SemanticType
	Nullable bool
}

// Row holds one value per dataset column, in column order.
//
// Value representation:
//   - Integer, NullableInteger: int64
//   - Float: float64
//   - Text: string
//   - Boolean: bool
//   - Timestamp: time.Time
//
// nil means null and is only valid in nullable columns.
type Row []any

// Dataset is an ordered collection of rows sharing one column list.
//
// A Dataset is not safe for concurrent mutation. Pipeline stages own their
// datasets exclusively and hand them forward.
type Dataset struct {
	columns []Column
	index   map[string]int
	rows    []Row
}

// New returns an empty dataset with the given columns.
func New(columns ...Column) (*Dataset, error) {
	d := &Dataset{index: make(map[string]int, len(columns))}
	for _, c := range columns {
		if err := d.addColumnDef(c); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// MustNew is New for static column lists; it panics on duplicate names.
func MustNew(columns ...Column) *Dataset {
	d, err := New(columns...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Dataset) addColumnDef(c Column) error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return fmt.Errorf("dataset: empty column name")
	}
	if _, dup := d.index[name]; dup {
		return fmt.Errorf("dataset: duplicate column %q", name)
	}
	if c.Type == NullableInteger {
		c.Nullable = true
	}
	c.Name = name
	d.index[name] = len(d.columns)
	d.columns = append(d.columns, c)
	return nil
}

// Columns returns a copy of the column list.
func (d *Dataset) Columns() []Column {
	return append([]Column(nil), d.columns...)
}

// ColumnNames returns the column names in order.
func (d *Dataset) ColumnNames() []string {
	out := make([]string, len(d.columns))
	for i, c := range d.columns {
		out[i] = c.Name
	}
	return out
}

// Column looks up a column definition by name.
func (d *Dataset) Column(name string) (Column, bool) {
	i, ok := d.index[name]
	if !ok {
		return Column{}, false
	}
	return d.columns[i], true
}

// Index returns the position of name, or -1.
func (d *Dataset) Index(name string) int {
	if i, ok := d.index[name]; ok {
		return i
	}
	return -1
}

// Len is the number of rows.
func (d *Dataset) Len() int { return len(d.rows) }

// Rows exposes the row slice. Callers must treat it as read-only.
func (d *Dataset) Rows() []Row { return d.rows }

// Value returns the value at row i for column name.
func (d *Dataset) Value(i int, name string) any {
	j, ok := d.index[name]
	if !ok || i < 0 || i >= len(d.rows) {
		return nil
	}
	return d.rows[i][j]
}

// Append validates and appends one row.
func (d *Dataset) Append(values ...any) error {
	if len(values) != len(d.columns) {
		return fmt.Errorf("dataset: row has %d values, want %d", len(values), len(d.columns))
	}
	for j, v := range values {
		if err := checkValue(d.columns[j], v); err != nil {
			return fmt.Errorf("dataset: row %d: %w", len(d.rows), err)
		}
	}
	d.rows = append(d.rows, Row(append([]any(nil), values...)))
	return nil
}

// appendUnchecked is used by parsers that build Text-only datasets.
func (d *Dataset) appendUnchecked(r Row) {
	d.rows = append(d.rows, r)
}

// AppendText appends a row of raw text cells without type validation beyond
// the arity check. nil cells are nulls. Used by readers producing all-Text data.
func (d *Dataset) AppendText(cells []any) error {
	if len(cells) != len(d.columns) {
		return fmt.Errorf("dataset: row has %d values, want %d", len(cells), len(d.columns))
	}
	d.appendUnchecked(Row(cells))
	return nil
}

// Select returns a new dataset containing only the named columns, in the
// requested order. Rows are copied.
func (d *Dataset) Select(names ...string) (*Dataset, error) {
	pos := make([]int, len(names))
	cols := make([]Column, len(names))
	for k, n := range names {
		i, ok := d.index[n]
		if !ok {
			return nil, fmt.Errorf("dataset: unknown column %q", n)
		}
		pos[k] = i
		cols[k] = d.columns[i]
	}
	out, err := New(cols...)
	if err != nil {
		return nil, err
	}
	out.rows = make([]Row, len(d.rows))
	for r, row := range d.rows {
		nr := make(Row, len(pos))
		for k, i := range pos {
			nr[k] = row[i]
		}
		out.rows[r] = nr
	}
	return out, nil
}

// Rename changes a column's name in place.
func (d *Dataset) Rename(from, to string) error {
	i, ok := d.index[from]
	if !ok {
		return fmt.Errorf("dataset: unknown column %q", from)
	}
	if from == to {
		return nil
	}
	if _, dup := d.index[to]; dup {
		return fmt.Errorf("dataset: duplicate column %q", to)
	}
	delete(d.index, from)
	d.index[to] = i
	d.columns[i].Name = to
	return nil
}

// Drop removes a column and its values.
func (d *Dataset) Drop(name string) error {
	i, ok := d.index[name]
	if !ok {
		return fmt.Errorf("dataset: unknown column %q", name)
	}
	d.columns = append(d.columns[:i], d.columns[i+1:]...)
	for r, row := range d.rows {
		d.rows[r] = append(row[:i], row[i+1:]...)
	}
	d.reindex()
	return nil
}

func (d *Dataset) reindex() {
	d.index = make(map[string]int, len(d.columns))
	for i, c := range d.columns {
		d.index[c.Name] = i
	}
}

// AddColumn appends a column computed per row by fill.
func (d *Dataset) AddColumn(c Column, fill func(i int, row Row) (any, error)) error {
	if err := d.addColumnDef(c); err != nil {
		return err
	}
	col := d.columns[len(d.columns)-1]
	for i, row := range d.rows {
		v, err := fill(i, row)
		if err != nil {
			d.columns = d.columns[:len(d.columns)-1]
			for k := 0; k < i; k++ {
				d.rows[k] = d.rows[k][:len(d.columns)]
			}
			d.reindex()
			return err
		}
		if err := checkValue(col, v); err != nil {
			d.columns = d.columns[:len(d.columns)-1]
			for k := 0; k < i; k++ {
				d.rows[k] = d.rows[k][:len(d.columns)]
			}
			d.reindex()
			return fmt.Errorf("dataset: row %d: %w", i, err)
		}
		d.rows[i] = append(row, v)
	}
	return nil
}

// Update rewrites the values of one column in place. The column type is not
// changed; fn must return values valid for it.
func (d *Dataset) Update(name string, fn func(v any) (any, error)) error {
	j, ok := d.index[name]
	if !ok {
		return fmt.Errorf("dataset: unknown column %q", name)
	}
	return d.Transform(name, func(row Row) (any, error) { return fn(row[j]) })
}

// Transform is Update with access to the whole row, for values derived from
// several columns. Values are validated before any row is written.
func (d *Dataset) Transform(name string, fn func(row Row) (any, error)) error {
	j, ok := d.index[name]
	if !ok {
		return fmt.Errorf("dataset: unknown column %q", name)
	}
	col := d.columns[j]
	out := make([]any, len(d.rows))
	for i, row := range d.rows {
		v, err := fn(row)
		if err != nil {
			return err
		}
		if err := checkValue(col, v); err != nil {
			return fmt.Errorf("dataset: row %d: %w", i, err)
		}
		out[i] = v
	}
	for i, row := range d.rows {
		row[j] = out[i]
	}
	return nil
}

func checkValue(c Column, v any) error {
	if v == nil {
		if c.Nullable {
			return nil
		}
		return fmt.Errorf("column %q: null in non-nullable %s column", c.Name, c.Type)
	}
	ok := false
	switch c.Type {
	case Integer, NullableInteger:
		_, ok = v.(int64)
	case Float:
		_, ok = v.(float64)
	case Text:
		_, ok = v.(string)
	case Boolean:
		_, ok = v.(bool)
	case Timestamp:
		_, ok = v.(time.Time)
	}
	if !ok {
		return fmt.Errorf("column %q: value %v (%T) is not %s", c.Name, v, v, c.Type)
	}
	return nil
}
