package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"espacios/internal/dataset"
	"espacios/internal/schema"
	"espacios/internal/storage"
)

// Executor implements storage.Executor for Microsoft SQL Server.
//
// Notes:
//   - Tables are guarded with OBJECT_ID instead of IF NOT EXISTS.
//   - Foreign keys carry no ON DELETE action: SQL Server rejects cascades
//     with more than one path (provincias reaches espacios_culturales both
//     directly and through localidades). Reloads instead delete from every
//     referencing table first, which matches TRUNCATE ... CASCADE on Postgres.
//   - Inserts are chunked to stay under the 2100 parameter limit.
//
// This package does not blank-import a driver; storage/all registers
// "sqlserver" with database/sql.
type Executor struct {
	db dbConn
}

// maxParams leaves headroom under SQL Server's 2100 parameter cap.
const maxParams = 2000

func Open(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Small fixed pool; the pipeline reloads one table at a time.
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Executor{db: &sqlDB{db: raw}}, nil
}

func (e *Executor) Close() {
	if e == nil || e.db == nil {
		return
	}
	_ = e.db.Close()
}

func (e *Executor) Dialect() schema.Dialect { return Dialect }

// ApplyDDL executes the script one statement per batch.
func (e *Executor) ApplyDDL(ctx context.Context, script string) error {
	for _, stmt := range schema.SplitStatements(script) {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return &storage.ExecutionError{Op: "apply ddl", Err: fmt.Errorf("%s: %w", firstLine(stmt), err)}
		}
	}
	return nil
}

// ReplaceTableContents empties table (and, first, every table referencing it)
// and inserts rows, all in one transaction.
func (e *Executor) ReplaceTableContents(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &storage.ExecutionError{Op: "replace", Table: table, Err: err}
	}
	defer tx.Rollback()

	if err := deleteCascade(ctx, tx, table, map[string]bool{}); err != nil {
		return 0, &storage.ExecutionError{Op: "delete", Table: table, Err: err}
	}

	var total int64
	for _, batch := range storage.Chunk(rows, len(columns), maxParams) {
		q, args := buildBulkInsertSQL(table, columns, batch)
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

// deleteCascade deletes referencing tables depth first, then table itself.
func deleteCascade(ctx context.Context, tx txConn, table string, seen map[string]bool) error {
	key := strings.ToLower(table)
	if seen[key] {
		return nil
	}
	seen[key] = true

	refs, err := referencingTables(ctx, tx, table)
	if err != nil {
		return err
	}
	for _, r := range refs {
		if err := deleteCascade(ctx, tx, r, seen); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+mssqlTableIdent(table)+";"); err != nil {
		return fmt.Errorf("%s: %w", table, err)
	}
	return nil
}

const referencingTablesSQL = `SELECT DISTINCT OBJECT_NAME(fk.parent_object_id)
FROM sys.foreign_keys fk
WHERE fk.referenced_object_id = OBJECT_ID(@p1)
  AND fk.parent_object_id <> fk.referenced_object_id;`

func referencingTables(ctx context.Context, tx txConn, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, referencingTablesSQL, table)
	if err != nil {
		return nil, fmt.Errorf("lookup references to %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows
// with @pN placeholders.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// EnsureDatabase creates cfg.Database through the admin connection when
// missing and maps cfg.User into it as db_owner.
func EnsureDatabase(ctx context.Context, cfg storage.Config) (bool, error) {
	if cfg.Database == "" {
		return false, fmt.Errorf("mssql: database name is empty")
	}
	dsn := cfg.AdminDSN
	if dsn == "" {
		dsn = cfg.DSN
	}
	raw, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return false, err
	}
	defer raw.Close()
	return ensureDatabase(ctx, &sqlDB{db: raw}, cfg.Database, cfg.User)
}

func ensureDatabase(ctx context.Context, db dbConn, name, user string) (bool, error) {
	var exists int
	if err := db.QueryRowContext(ctx, `SELECT CASE WHEN DB_ID(@p1) IS NULL THEN 0 ELSE 1 END;`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup database: %w", err)
	}
	if exists == 1 {
		return false, nil
	}
	if _, err := db.ExecContext(ctx, buildCreateDatabaseSQL(name)); err != nil {
		return false, fmt.Errorf("create database: %w", err)
	}
	if user != "" {
		if _, err := db.ExecContext(ctx, buildGrantSQL(name, user)); err != nil {
			return true, fmt.Errorf("grant privileges: %w", err)
		}
	}
	return true, nil
}

func buildCreateDatabaseSQL(db string) string {
	return "CREATE DATABASE " + mssqlIdent(db) + ";"
}

// buildGrantSQL runs as one batch so USE applies to the statements after it.
func buildGrantSQL(db, user string) string {
	u := mssqlIdent(user)
	return fmt.Sprintf("USE %s; IF USER_ID(N'%s') IS NULL CREATE USER %s FOR LOGIN %s; ALTER ROLE db_owner ADD MEMBER %s;",
		mssqlIdent(db), strings.ReplaceAll(user, "'", "''"), u, u, u)
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent quotes a possibly schema-qualified name:
//
//	"dbo.fuentes" -> [dbo].[fuentes]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Dialect renders plans for SQL Server.
var Dialect schema.Dialect = mssqlDialect{}

type mssqlDialect struct{}

func (mssqlDialect) Name() string { return "sqlserver" }

func (mssqlDialect) ColumnType(t dataset.SemanticType) (string, error) {
	switch t {
	case dataset.Text:
		return "NVARCHAR(255)", nil
	case dataset.Timestamp:
		return "DATETIME2", nil
	case dataset.Float:
		return "DECIMAL(18, 3)", nil
	case dataset.Integer:
		return "INT", nil
	case dataset.NullableInteger:
		return "BIGINT", nil
	case dataset.Boolean:
		return "BIT", nil
	}
	return "", fmt.Errorf("sqlserver: unmappable type %s", t)
}

func (mssqlDialect) CreateTable(t schema.TableDef) string {
	head := fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\nCREATE TABLE %s",
		strings.ReplaceAll(t.Name, "'", "''"), mssqlTableIdent(t.Name))
	return schema.RenderCreateTable(head, t, func(c schema.ColumnDef) string {
		def := mssqlIdent(c.Name) + " " + c.SQLType
		switch {
		case c.PrimaryKey:
			def += " NOT NULL PRIMARY KEY"
		case c.Nullable:
			def += " NULL"
		default:
			def += " NOT NULL"
		}
		return def
	}, nil)
}

func (mssqlDialect) ForeignKey(fk schema.ForeignKey) []string {
	t := mssqlTableIdent(fk.Table)
	return []string{
		fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s;", t, mssqlIdent(fk.Name)),
		fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(%s);",
			t, mssqlIdent(fk.Name), mssqlIdent(fk.Column), mssqlTableIdent(fk.RefTable), mssqlIdent(fk.RefColumn)),
	}
}

func init() {
	storage.Register("sqlserver", storage.Backend{
		Dialect:        Dialect,
		Open:           Open,
		EnsureDatabase: EnsureDatabase,
	})
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (rowIter, error)
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// rowIter is a narrow adapter over *sql.Rows.
type rowIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryContext(ctx context.Context, query string, args ...any) (rowIter, error) {
	return s.tx.QueryContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ dbConn          = (*sqlDB)(nil)
	_ txConn          = (*sqlTx)(nil)
	_ storage.Executor = (*Executor)(nil)
)
