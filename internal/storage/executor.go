package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"espacios/internal/schema"
)

// Config is what a backend needs to connect.
//
// Edge cases:
//   - Kind must match a registered backend.
//   - AdminDSN is only used by EnsureDatabase; backends that have no notion
//     of a server-side database (sqlite) ignore it.
type Config struct {
	Kind     string
	DSN      string
	AdminDSN string
	Database string
	User     string
}

// Executor is the database handle used by one pipeline run. Postgres reloads
// with TRUNCATE CASCADE + COPY; SQLite and SQL Server with DELETE + batched
// INSERT.
type Executor interface {
	// Close releases connections. Call once.
	Close()

	// Dialect is the schema dialect the backend expects ApplyDDL scripts in.
	Dialect() schema.Dialect

	// ApplyDDL runs a script of idempotent statements.
	ApplyDDL(ctx context.Context, script string) error

	// ReplaceTableContents empties table and appends rows, atomically per table.
	// Returns the number of rows written.
	ReplaceTableContents(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// Backend bundles what a registered engine provides.
type Backend struct {
	Dialect        schema.Dialect
	Open           func(ctx context.Context, cfg Config) (Executor, error)
	EnsureDatabase func(ctx context.Context, cfg Config) (created bool, err error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// Register makes a backend available under kind. Call it from an init()
// function in the backend package.
//
// Panics:
//   - If kind is empty.
//   - If b.Open or b.Dialect is nil.
//   - If kind is already registered.
func Register(kind string, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if b.Open == nil || b.Dialect == nil {
		panic(fmt.Sprintf("storage: incomplete backend for kind=%q", kind))
	}
	if _, exists := backends[kind]; exists {
		panic(fmt.Sprintf("storage: backend already registered for kind=%q", kind))
	}
	backends[kind] = b
}

func lookup(kind string) (Backend, error) {
	if kind == "" {
		return Backend{}, fmt.Errorf("storage: missing kind")
	}
	backendsMu.RLock()
	b, ok := backends[kind]
	backendsMu.RUnlock()
	if !ok {
		return Backend{}, fmt.Errorf("unsupported storage.kind=%s (registered: %s)", kind, strings.Join(Kinds(), ", "))
	}
	return b, nil
}

// Open connects to the configured backend. Connection failures are returned
// as *ConnectionError.
func Open(ctx context.Context, cfg Config) (Executor, error) {
	b, err := lookup(cfg.Kind)
	if err != nil {
		return nil, err
	}
	ex, err := b.Open(ctx, cfg)
	if err != nil {
		return nil, &ConnectionError{Kind: cfg.Kind, Database: cfg.Database, Err: err}
	}
	return ex, nil
}

// EnsureDatabase creates the target database when it does not exist yet.
// Backends without a bootstrap step report created=false.
func EnsureDatabase(ctx context.Context, cfg Config) (bool, error) {
	b, err := lookup(cfg.Kind)
	if err != nil {
		return false, err
	}
	if b.EnsureDatabase == nil {
		return false, nil
	}
	created, err := b.EnsureDatabase(ctx, cfg)
	if err != nil {
		return false, &ConnectionError{Kind: cfg.Kind, Database: cfg.Database, Err: err}
	}
	return created, nil
}

// DialectFor returns the dialect of a registered backend.
func DialectFor(kind string) (schema.Dialect, error) {
	b, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	return b.Dialect, nil
}

// Kinds lists registered backends, sorted.
func Kinds() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]string, 0, len(backends))
	for k := range backends {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
