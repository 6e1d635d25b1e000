package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"espacios/internal/dataset"
	"espacios/internal/schema"
)

type fakeExecutor struct{}

func (fakeExecutor) Close()                  {}
func (fakeExecutor) Dialect() schema.Dialect { return schema.Postgres }
func (fakeExecutor) ApplyDDL(context.Context, string) error {
	return nil
}
func (fakeExecutor) ReplaceTableContents(context.Context, string, []string, [][]any) (int64, error) {
	return 0, nil
}

func TestRegister_PanicsOnBadInput(t *testing.T) {
	ok := Backend{Dialect: schema.Postgres, Open: func(context.Context, Config) (Executor, error) { return fakeExecutor{}, nil }}

	tests := []struct {
		name string
		kind string
		b    Backend
	}{
		{name: "empty_kind", kind: "", b: ok},
		{name: "nil_open", kind: "test-nil-open", b: Backend{Dialect: schema.Postgres}},
		{name: "nil_dialect", kind: "test-nil-dialect", b: Backend{Open: ok.Open}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("Register(%q) did not panic", tc.kind)
				}
			}()
			Register(tc.kind, tc.b)
		})
	}

	Register("test-dup", ok)
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register did not panic")
		}
	}()
	Register("test-dup", ok)
}

func TestOpen_WrapsConnectionErrors(t *testing.T) {
	boom := errors.New("refused")
	Register("test-refuse", Backend{
		Dialect: schema.Postgres,
		Open:    func(context.Context, Config) (Executor, error) { return nil, boom },
		EnsureDatabase: func(context.Context, Config) (bool, error) {
			return false, boom
		},
	})

	_, err := Open(context.Background(), Config{Kind: "test-refuse", Database: "espacios"})
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("Open err=%v, want *ConnectionError", err)
	}
	if !errors.Is(err, boom) || ce.Database != "espacios" {
		t.Fatalf("ConnectionError=%+v, want wrapping %v", ce, boom)
	}

	if _, err := EnsureDatabase(context.Background(), Config{Kind: "test-refuse"}); !errors.As(err, &ce) {
		t.Fatalf("EnsureDatabase err=%v, want *ConnectionError", err)
	}
}

func TestOpen_UnknownAndMissingKind(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{}); err == nil || !strings.Contains(err.Error(), "missing kind") {
		t.Fatalf("Open(empty kind) err=%v", err)
	}
	if _, err := Open(context.Background(), Config{Kind: "nope"}); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("Open(nope) err=%v", err)
	}
	if _, err := DialectFor("nope"); err == nil || !strings.Contains(err.Error(), "registered: ") {
		t.Fatalf("DialectFor(nope) err=%v, want registered kinds listed", err)
	}
}

func TestEnsureDatabase_OptionalHook(t *testing.T) {
	Register("test-no-bootstrap", Backend{
		Dialect: schema.Postgres,
		Open:    func(context.Context, Config) (Executor, error) { return fakeExecutor{}, nil },
	})

	created, err := EnsureDatabase(context.Background(), Config{Kind: "test-no-bootstrap"})
	if err != nil || created {
		t.Fatalf("EnsureDatabase=(%v, %v), want (false, nil)", created, err)
	}

	found := false
	for _, k := range Kinds() {
		if k == "test-no-bootstrap" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Kinds()=%v, want test-no-bootstrap listed", Kinds())
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()

	rows := make([][]any, 10)
	for i := range rows {
		rows[i] = []any{i, i, i}
	}

	tests := []struct {
		name      string
		maxParams int
		wantSizes []int
	}{
		{name: "fits", maxParams: 100, wantSizes: []int{10}},
		{name: "split", maxParams: 12, wantSizes: []int{4, 4, 2}},
		{name: "row_exceeds_limit", maxParams: 2, wantSizes: []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Chunk(rows, 3, tc.maxParams)
			if len(got) != len(tc.wantSizes) {
				t.Fatalf("chunks=%d, want %d", len(got), len(tc.wantSizes))
			}
			for i, c := range got {
				if len(c) != tc.wantSizes[i] {
					t.Fatalf("chunk %d size=%d, want %d", i, len(c), tc.wantSizes[i])
				}
			}
		})
	}

	if Chunk(nil, 3, 10) != nil {
		t.Fatalf("Chunk(nil) want nil")
	}
}

func TestTableRows(t *testing.T) {
	t.Parallel()

	ds := dataset.MustNew(
		dataset.Column{Name: "id", Type: dataset.Integer},
		dataset.Column{Name: "v", Type: dataset.Text, Nullable: true},
	)
	if err := ds.Append(int64(1), nil); err != nil {
		t.Fatal(err)
	}
	cols, rows := TableRows(ds)
	if strings.Join(cols, ",") != "id,v" {
		t.Fatalf("cols=%v", cols)
	}
	if len(rows) != 1 || rows[0][0] != int64(1) || rows[0][1] != nil {
		t.Fatalf("rows=%v", rows)
	}
}

func TestExecutionError_Message(t *testing.T) {
	t.Parallel()

	err := &ExecutionError{Op: "replace", Table: "fuentes", Err: errors.New("deadlock")}
	if got := err.Error(); got != "storage replace fuentes: deadlock" {
		t.Fatalf("Error()=%q", got)
	}
	ddl := &ExecutionError{Op: "apply ddl", Err: errors.New("syntax")}
	if got := ddl.Error(); got != "storage apply ddl: syntax" {
		t.Fatalf("Error()=%q", got)
	}
}
