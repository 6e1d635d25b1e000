package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"espacios/internal/dataset"
	"espacios/internal/schema"
	"espacios/internal/storage"
)

// Executor implements storage.Executor for SQLite.
//
// Key differences vs Postgres:
//   - SQLite cannot add constraints with ALTER TABLE, so references are
//     declared inline with ON DELETE CASCADE.
//   - There is no TRUNCATE; reloads use DELETE FROM inside a transaction.
//   - Timestamps are stored as RFC3339Nano text for reliable round trips.
type Executor struct {
	db *sql.DB
}

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER for older builds.
const maxParams = 999

func Open(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Executor{db: db}, nil
}

func (e *Executor) Close() { _ = e.db.Close() }

func (e *Executor) Dialect() schema.Dialect { return Dialect }

// ApplyDDL executes the script one statement at a time.
func (e *Executor) ApplyDDL(ctx context.Context, script string) error {
	for _, stmt := range schema.SplitStatements(script) {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return &storage.ExecutionError{Op: "apply ddl", Err: fmt.Errorf("%s: %w", firstLine(stmt), err)}
		}
	}
	return nil
}

// ReplaceTableContents deletes every row and inserts rows in batches, all in
// one transaction.
func (e *Executor) ReplaceTableContents(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &storage.ExecutionError{Op: "replace", Table: table, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+sqlIdent(table)); err != nil {
		return 0, &storage.ExecutionError{Op: "delete", Table: table, Err: err}
	}

	var total int64
	for _, batch := range storage.Chunk(rows, len(columns), maxParams) {
		q, args := buildInsertSQL(table, columns, batch)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, &storage.ExecutionError{Op: "insert", Table: table, Err: err}
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, &storage.ExecutionError{Op: "commit", Table: table, Err: err}
	}
	return total, nil
}

// buildInsertSQL builds one multi-row INSERT. time.Time values are written as
// RFC3339Nano text.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	rowPH := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(rowPH)
		for j := range columns {
			v := row[j]
			if ts, ok := v.(time.Time); ok {
				v = formatSQLiteTime(ts)
			}
			args = append(args, v)
		}
	}
	return b.String(), args
}

// sqlIdent double-quotes an identifier, escaping embedded quotes.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// EnsureDatabase reports whether the database file is about to be created.
// SQLite creates the file on first open, so nothing is executed here.
func EnsureDatabase(_ context.Context, cfg storage.Config) (bool, error) {
	path := dbPath(cfg.DSN)
	if path == "" {
		return false, nil
	}
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return true, nil
	}
	return false, err
}

// dbPath extracts the file path from a DSN; in-memory DSNs return "".
func dbPath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return p
}

// Dialect renders plans for SQLite.
var Dialect schema.Dialect = sqliteDialect{}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) ColumnType(t dataset.SemanticType) (string, error) {
	switch t {
	case dataset.Text:
		return "TEXT", nil
	case dataset.Timestamp:
		return "TIMESTAMP", nil
	case dataset.Float:
		return "NUMERIC", nil
	case dataset.Integer, dataset.NullableInteger:
		return "INTEGER", nil
	case dataset.Boolean:
		return "BOOLEAN", nil
	}
	return "", fmt.Errorf("sqlite: unmappable type %s", t)
}

func (sqliteDialect) CreateTable(t schema.TableDef) string {
	refs := make(map[string]schema.ForeignKey, len(t.ForeignKeys))
	for _, fk := range t.ForeignKeys {
		refs[fk.Column] = fk
	}
	return schema.RenderCreateTable("CREATE TABLE IF NOT EXISTS "+sqlIdent(t.Name), t, func(c schema.ColumnDef) string {
		def := sqlIdent(c.Name) + " " + c.SQLType
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		} else if !c.Nullable {
			def += " NOT NULL"
		}
		if fk, ok := refs[c.Name]; ok {
			def += fmt.Sprintf(" REFERENCES %s(%s) ON DELETE CASCADE", sqlIdent(fk.RefTable), sqlIdent(fk.RefColumn))
		}
		return def
	}, nil)
}

// ForeignKey returns nil: references are declared inline by CreateTable.
func (sqliteDialect) ForeignKey(schema.ForeignKey) []string { return nil }

func init() {
	storage.Register("sqlite", storage.Backend{
		Dialect:        Dialect,
		Open:           Open,
		EnsureDatabase: EnsureDatabase,
	})
}

var _ storage.Executor = (*Executor)(nil)
