package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"espacios/internal/schema"
	"espacios/internal/storage"
)

/*
Executor implements storage.Executor for Postgres.

It provides:
  - DDL scripts executed as one simple-protocol batch
  - Per-table reloads: TRUNCATE ... CASCADE then COPY, in one transaction
  - Database bootstrap (create if missing, grant the configured user)

Foreign keys are plain (no ON DELETE); TRUNCATE CASCADE is what lets the
dimension tables be emptied while the entity table still references them.
*/
type Executor struct {
	pool *pgxpool.Pool
}

// Open creates a pooled executor and verifies connectivity.
func Open(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Executor{pool: pool}, nil
}

// Close closes the connection pool.
func (e *Executor) Close() {
	e.pool.Close()
}

func (e *Executor) Dialect() schema.Dialect { return schema.Postgres }

// ApplyDDL runs the whole script on one connection using the simple query
// protocol, which accepts several statements per call.
func (e *Executor) ApplyDDL(ctx context.Context, script string) error {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return &storage.ExecutionError{Op: "apply ddl", Err: err}
	}
	defer conn.Release()

	if _, err := conn.Conn().PgConn().Exec(ctx, script).ReadAll(); err != nil {
		return &storage.ExecutionError{Op: "apply ddl", Err: err}
	}
	return nil
}

// ReplaceTableContents truncates table (cascading to referencing tables) and
// bulk loads rows with COPY. Both happen in one transaction, so a failed load
// leaves the previous contents in place.
func (e *Executor) ReplaceTableContents(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, &storage.ExecutionError{Op: "replace", Table: table, Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, buildTruncateSQL(table)); err != nil {
		return 0, &storage.ExecutionError{Op: "truncate", Table: table, Err: err}
	}

	var n int64
	if len(rows) > 0 {
		n, err = tx.CopyFrom(ctx, tableIdentifier(table), columns, pgx.CopyFromRows(rows))
		if err != nil {
			return 0, &storage.ExecutionError{Op: "copy", Table: table, Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &storage.ExecutionError{Op: "commit", Table: table, Err: err}
	}
	return n, nil
}

// EnsureDatabase connects to the maintenance database and creates
// cfg.Database with UTF8 encoding when missing, then grants cfg.User all
// privileges on it. An existing database is left untouched.
func EnsureDatabase(ctx context.Context, cfg storage.Config) (bool, error) {
	if cfg.Database == "" {
		return false, fmt.Errorf("postgres: database name is empty")
	}
	dsn := cfg.AdminDSN
	if dsn == "" {
		dsn = cfg.DSN
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return false, err
	}
	defer conn.Close(ctx)

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, cfg.Database).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup database: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := conn.Exec(ctx, buildCreateDatabaseSQL(cfg.Database)); err != nil {
		return false, fmt.Errorf("create database: %w", err)
	}
	if cfg.User != "" {
		if _, err := conn.Exec(ctx, buildGrantSQL(cfg.Database, cfg.User)); err != nil {
			return true, fmt.Errorf("grant privileges: %w", err)
		}
	}
	return true, nil
}

// buildTruncateSQL is pure so the statement shape can be unit tested.
func buildTruncateSQL(table string) string {
	return "TRUNCATE " + tableIdentifier(table).Sanitize() + " CASCADE;"
}

func buildCreateDatabaseSQL(db string) string {
	return "CREATE DATABASE " + pgIdent(db) + " ENCODING 'UTF8';"
}

func buildGrantSQL(db, user string) string {
	return "GRANT ALL PRIVILEGES ON DATABASE " + pgIdent(db) + " TO " + pgIdent(user) + ";"
}

// tableIdentifier splits an optionally schema-qualified name.
func tableIdentifier(name string) pgx.Identifier {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return pgx.Identifier(parts)
}

// pgIdent quotes a single identifier.
func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func init() {
	storage.Register("postgres", storage.Backend{
		Dialect:        schema.Postgres,
		Open:           Open,
		EnsureDatabase: EnsureDatabase,
	})
}

var _ storage.Executor = (*Executor)(nil)
