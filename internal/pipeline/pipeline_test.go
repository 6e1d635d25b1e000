package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espacios/internal/logger"
	"espacios/internal/merge"
	"espacios/internal/normalize"
	"espacios/internal/schema"
	"espacios/internal/storage"
	_ "espacios/internal/storage/mssql"
	_ "espacios/internal/storage/postgres"
	_ "espacios/internal/storage/sqlite"
)

var runStart = time.Date(2024, time.March, 7, 15, 0, 0, 0, time.UTC)

func csvText(src normalize.Source, rows ...[]string) string {
	var b strings.Builder
	b.WriteString(strings.Join(normalize.RawColumns(src), ","))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(strings.Join(r, ","))
		b.WriteString("\n")
	}
	return b.String()
}

// fixtures holds one row per source, all in the same province.
func fixtures() map[string]string {
	return map[string]string{
		"museos": csvText(normalize.Museums,
			[]string{"6441030", "6", "6441", "Espacios de Exhibición Patrimonial", "Buenos Aires", "Olavarría", "Museo Dámaso Arce", "Belgrano 2561", "7400", "2284", "420813", "s/d", "s/d", "DNPyM"}),
		"salas_cine": csvText(normalize.Cinemas,
			[]string{"6441030", "6", "6441", "Salas de cine", "Buenos Aires", "Olavarría", "Cine Flores", "Rivadavia 2860", "7400", "", "", "", "", "INCAA / SICA", "2", "316", "SI"}),
		"bibliotecas": csvText(normalize.Libraries,
			[]string{"6028010", "6", "6028", "Bibliotecas Populares", "Buenos Aires", "Bahía Blanca", "Biblioteca Rivadavia", "Colón 31", "8000", "291", "4551234", "", "", "CONABIP"}),
	}
}

type fakeFetcher struct {
	files map[string]string
	err   map[string]error
}

func (f fakeFetcher) Fetch(_ context.Context, name, url string) (io.ReadCloser, error) {
	if err := f.err[name]; err != nil {
		return nil, err
	}
	body, ok := f.files[name]
	if !ok {
		return nil, fmt.Errorf("no fixture for %s (%s)", name, url)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	ddl      []string
	ddlErr   error
	failOn   string
	replaced []string
	rows     map[string][][]any
	closed   bool
}

func (e *fakeExecutor) Close() { e.closed = true }

func (e *fakeExecutor) Dialect() schema.Dialect { return schema.Postgres }

func (e *fakeExecutor) ApplyDDL(_ context.Context, script string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ddl = append(e.ddl, script)
	return e.ddlErr
}

func (e *fakeExecutor) ReplaceTableContents(_ context.Context, table string, _ []string, rows [][]any) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replaced = append(e.replaced, table)
	if table == e.failOn {
		return 0, &storage.ExecutionError{Op: "insert", Table: table, Err: errors.New("boom")}
	}
	if e.rows == nil {
		e.rows = map[string][][]any{}
	}
	e.rows[table] = rows
	return int64(len(rows)), nil
}

func sourceURLs() map[normalize.Source]string {
	return map[normalize.Source]string{
		normalize.Museums:   "http://example.org/museos.csv",
		normalize.Cinemas:   "http://example.org/cines.csv",
		normalize.Libraries: "http://example.org/bibliotecas.csv",
	}
}

func newRunner(f Fetcher, ex *fakeExecutor, ensured *bool) *Runner {
	return &Runner{
		Fetcher: f,
		Now:     func() time.Time { return runStart },
		EnsureDatabase: func(context.Context, storage.Config) (bool, error) {
			if ensured != nil {
				*ensured = true
			}
			return true, nil
		},
		Open: func(context.Context, storage.Config) (storage.Executor, error) { return ex, nil },
	}
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	ex := &fakeExecutor{}
	var logs bytes.Buffer
	r := newRunner(fakeFetcher{files: fixtures()}, ex, nil)
	r.Logger = logger.NewLogger(logger.Options{Output: &logs})

	sqlPath := filepath.Join(t.TempDir(), "sql", "create_tables.sql")
	rep, err := r.Run(context.Background(), Options{
		Sources: sourceURLs(),
		SQLPath: sqlPath,
		Storage: storage.Config{Kind: "postgres", Database: "cultura"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, runStart, rep.LoadedAt)
	assert.True(t, rep.DatabaseCreated)
	assert.True(t, ex.closed)

	require.Len(t, ex.ddl, 1)
	script := ex.ddl[0]
	assert.Equal(t, rep.Script, script)
	written, err := os.ReadFile(sqlPath)
	require.NoError(t, err)
	assert.Equal(t, script, string(written))

	// Tables are created before anything references them.
	prov := strings.Index(script, "CREATE TABLE IF NOT EXISTS provincias")
	ent := strings.Index(script, "CREATE TABLE IF NOT EXISTS espacios_culturales")
	fk := strings.Index(script, "FOREIGN KEY")
	require.True(t, prov >= 0 && ent > prov && fk > ent, "script order:\n%s", script)

	assert.Equal(t, []string{
		merge.TableProvincias, merge.TableLocalidades, merge.TableCategorias, merge.TableFuentes, merge.TableEspaciosCulturales,
	}, ex.replaced)
	assert.Len(t, ex.rows[merge.TableEspaciosCulturales], 3)
	assert.Len(t, ex.rows[merge.TableProvincias], 1)
	assert.Len(t, ex.rows[merge.TableLocalidades], 2)
	assert.Len(t, ex.rows[merge.TableCategorias], 3)

	require.Len(t, rep.Tables, 5)
	for _, tr := range rep.Tables {
		assert.NoError(t, tr.Err, tr.Name)
	}

	out := logs.String()
	assert.Contains(t, out, "--- STARTING PROGRAM ---")
	assert.Contains(t, out, "---- ENDING PROGRAM ----")
	assert.Contains(t, out, "stage=ddl ok")
	assert.Contains(t, out, "run_id="+rep.RunID)
}

func TestRun_ReloadFailureIsPerTable(t *testing.T) {
	t.Parallel()

	ex := &fakeExecutor{failOn: merge.TableLocalidades}
	rep, err := newRunner(fakeFetcher{files: fixtures()}, ex, nil).Run(context.Background(), Options{
		Sources: sourceURLs(),
		Storage: storage.Config{Kind: "postgres"},
	})
	require.Error(t, err)

	var ee *storage.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, merge.TableLocalidades, ee.Table)

	// Every table is still attempted.
	assert.Len(t, ex.replaced, 5)
	assert.Len(t, ex.rows[merge.TableEspaciosCulturales], 3)

	var failed []string
	for _, tr := range rep.Tables {
		if tr.Err != nil {
			failed = append(failed, tr.Name)
		}
	}
	assert.Equal(t, []string{merge.TableLocalidades}, failed)
}

func TestRun_DDLFailureAborts(t *testing.T) {
	t.Parallel()

	ex := &fakeExecutor{ddlErr: errors.New("permission denied")}
	_, err := newRunner(fakeFetcher{files: fixtures()}, ex, nil).Run(context.Background(), Options{
		Sources: sourceURLs(),
		Storage: storage.Config{Kind: "postgres"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Empty(t, ex.replaced)
	assert.True(t, ex.closed)
}

func TestRun_FailuresBeforeLoadLeaveDatabaseUntouched(t *testing.T) {
	t.Parallel()

	broken := fixtures()
	broken["salas_cine"] = "Nombre,Provincia\nCine,Salta\n"

	tests := []struct {
		name    string
		fetcher fakeFetcher
		want    string
	}{
		{
			name:    "fetch",
			fetcher: fakeFetcher{files: fixtures(), err: map[string]error{"bibliotecas": errors.New("connection refused")}},
			want:    "connection refused",
		},
		{
			name:    "schema_mismatch",
			fetcher: fakeFetcher{files: broken},
			want:    "missing columns",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ex := &fakeExecutor{}
			var ensured bool
			sqlPath := filepath.Join(t.TempDir(), "create_tables.sql")
			_, err := newRunner(tc.fetcher, ex, &ensured).Run(context.Background(), Options{
				Sources: sourceURLs(),
				SQLPath: sqlPath,
				Storage: storage.Config{Kind: "postgres"},
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.False(t, ensured)
			assert.Empty(t, ex.ddl)
			_, statErr := os.Stat(sqlPath)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestRun_MissingSourceLocation(t *testing.T) {
	t.Parallel()

	urls := sourceURLs()
	delete(urls, normalize.Cinemas)
	_, err := newRunner(fakeFetcher{files: fixtures()}, &fakeExecutor{}, nil).Run(context.Background(), Options{
		Sources: urls,
		Storage: storage.Config{Kind: "postgres"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "salas_cine")
}

func TestRun_DryRunWritesScriptOnly(t *testing.T) {
	t.Parallel()

	ex := &fakeExecutor{}
	var ensured bool
	sqlPath := filepath.Join(t.TempDir(), "create_tables.sql")
	rep, err := newRunner(fakeFetcher{files: fixtures()}, ex, &ensured).Run(context.Background(), Options{
		Sources: sourceURLs(),
		SQLPath: sqlPath,
		Storage: storage.Config{Kind: "sqlserver"},
		DryRun:  true,
	})
	require.NoError(t, err)
	assert.False(t, ensured)
	assert.Empty(t, ex.ddl)

	written, err := os.ReadFile(sqlPath)
	require.NoError(t, err)
	assert.Equal(t, rep.Script, string(written))
	assert.Contains(t, rep.Script, "IF OBJECT_ID(N'provincias', N'U') IS NULL")
}

func TestRun_UnknownStorageKind(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	var ensured bool
	r := newRunner(fakeFetcher{files: fixtures()}, &fakeExecutor{}, &ensured)
	r.Logger = logger.NewLogger(logger.Options{Output: &logs})
	_, err := r.Run(context.Background(), Options{
		Sources: sourceURLs(),
		Storage: storage.Config{Kind: "oracle"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
	assert.False(t, ensured)
	assert.Contains(t, logs.String(), "Unknown storage backend")
	assert.Contains(t, logs.String(), "storage.kind=oracle")
}

func TestRun_DialectMismatchAborts(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	ex := &fakeExecutor{}
	r := newRunner(fakeFetcher{files: fixtures()}, ex, nil)
	r.Logger = logger.NewLogger(logger.Options{Output: &logs})
	_, err := r.Run(context.Background(), Options{
		Sources: sourceURLs(),
		Storage: storage.Config{Kind: "sqlite"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rendered for sqlite")
	assert.Empty(t, ex.ddl)
	assert.Empty(t, ex.replaced)
	assert.True(t, ex.closed)
	assert.Contains(t, logs.String(), "Could not create tables")
}

func TestRun_SQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	dbFile := filepath.Join(t.TempDir(), "cultura.db")
	cfg := storage.Config{Kind: "sqlite", DSN: "file:" + dbFile + "?_pragma=foreign_keys(1)", Database: "cultura"}

	r := &Runner{Fetcher: fakeFetcher{files: fixtures()}, Now: func() time.Time { return runStart }}

	// A second run replaces rather than appends.
	for i := 0; i < 2; i++ {
		rep, err := r.Run(ctx, Options{Sources: sourceURLs(), Storage: cfg})
		require.NoError(t, err, "run #%d", i)
		assert.Equal(t, i == 0, rep.DatabaseCreated, "run #%d", i)
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	require.NoError(t, err)
	defer db.Close()

	counts := map[string]int{
		merge.TableProvincias:         1,
		merge.TableLocalidades:        2,
		merge.TableCategorias:         3,
		merge.TableFuentes:            3,
		merge.TableEspaciosCulturales: 3,
	}
	for table, want := range counts {
		var got int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+table+`"`).Scan(&got))
		assert.Equal(t, want, got, table)
	}

	var provincia string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT provincia FROM provincias WHERE id_provincia = 6`).Scan(&provincia))
	assert.Equal(t, "Buenos Aires", provincia)

	var incaa bool
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT espacio_incaa FROM espacios_culturales WHERE nombre = 'Cine Flores'`).Scan(&incaa))
	assert.True(t, incaa)
}
