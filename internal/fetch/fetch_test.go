package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.Date(2024, time.March, 7, 15, 0, 0, 0, time.UTC) }

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestLocalPath(t *testing.T) {
	t.Parallel()

	got := LocalPath("data", "museos", fixedNow())
	assert.Equal(t, filepath.Join("data", "museos", "2024-marzo", "museos-7-3-2024.csv"), got)

	dec := LocalPath("d", "salas_cine", time.Date(2023, time.December, 31, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, filepath.Join("d", "salas_cine", "2023-diciembre", "salas_cine-31-12-2023.csv"), dec)
}

func TestFetch_HTTPStoresAndReturnsCopy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = io.WriteString(w, "a,b\n1,2\n")
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(Options{DataDir: dir, Now: fixedNow})

	rc, err := f.Fetch(context.Background(), "museos", srv.URL+"/museos.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", readAll(t, rc))

	stored, err := os.ReadFile(LocalPath(dir, "museos", fixedNow()))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(stored))
}

func TestFetch_FollowsLandingPageLink(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/dataset/bibliotecas", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<html><body>
			<a href="/about">Acerca</a>
			<a class="btn" href="../files/bibliotecas.CSV?v=2">Descargar</a>
			<a href="/files/otro.csv">Otro</a>
		</body></html>`)
	})
	mux.HandleFunc("/files/bibliotecas.CSV", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Cod_Loc\n1\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Options{DataDir: t.TempDir(), Now: fixedNow})
	rc, err := f.Fetch(context.Background(), "bibliotecas", srv.URL+"/dataset/bibliotecas")
	require.NoError(t, err)
	assert.Equal(t, "Cod_Loc\n1\n", readAll(t, rc))
}

func TestFetch_LandingPageWithoutCSV(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<a href="/x.pdf">pdf</a>`)
	}))
	defer srv.Close()

	_, err := New(Options{DataDir: t.TempDir(), Now: fixedNow}).Fetch(context.Background(), "museos", srv.URL)
	var fe *FetchError
	require.True(t, errors.As(err, &fe), "err=%v", err)
	assert.Contains(t, fe.Error(), "no .csv link")
}

func TestFetch_HTTPStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone fishing", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := New(Options{DataDir: dir, Now: fixedNow}).Fetch(context.Background(), "salas_cine", srv.URL+"/cines.csv")

	var fe *FetchError
	require.True(t, errors.As(err, &fe), "err=%v", err)
	assert.Equal(t, "salas_cine", fe.Source)
	assert.Contains(t, err.Error(), "http status 503: gone fishing")

	_, statErr := os.Stat(LocalPath(dir, "salas_cine", fixedNow()))
	assert.True(t, os.IsNotExist(statErr), "no file should be stored on failure")
}

func TestFetch_LocalSources(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "cines.csv")
	require.NoError(t, os.WriteFile(src, []byte("x\n1\n"), 0o644))

	f := New(Options{DataDir: t.TempDir(), Now: fixedNow})

	rc, err := f.Fetch(context.Background(), "salas_cine", "file://"+filepath.ToSlash(src))
	require.NoError(t, err)
	assert.Equal(t, "x\n1\n", readAll(t, rc))

	rc, err = f.Fetch(context.Background(), "salas_cine", src)
	require.NoError(t, err)
	assert.Equal(t, "x\n1\n", readAll(t, rc))
}

func TestFetch_Errors(t *testing.T) {
	t.Parallel()

	f := New(Options{DataDir: t.TempDir(), Now: fixedNow})
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "empty", url: "  ", want: "empty url"},
		{name: "scheme", url: "ftp://example.org/a.csv", want: `unsupported scheme "ftp"`},
		{name: "missing_file", url: filepath.Join(t.TempDir(), "nope.csv"), want: "no such file"},
	}
	for _, tc := range tests {
		_, err := f.Fetch(context.Background(), "museos", tc.url)
		var fe *FetchError
		require.True(t, errors.As(err, &fe), "%s: err=%v", tc.name, err)
		assert.True(t, strings.Contains(err.Error(), tc.want), "%s: err=%v", tc.name, err)
	}
}

func TestFetch_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{DataDir: t.TempDir(), Now: fixedNow}).Fetch(ctx, "museos", srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
