// Package fetch downloads the published source files into the local data
// directory and hands back the stored copy.
//
// Stored files follow a dated layout:
//
//	<data>/<name>/<yyyy>-<mes>/<name>-<d>-<m>-<yyyy>.csv
//
// where <mes> is the lower-case Spanish month name. A run on the same day
// overwrites the previous copy.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"espacios/internal/metrics"
)

// FetchError reports a source that could not be retrieved or stored.
type FetchError struct {
	Source string
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.Source, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options configures a Fetcher.
type Options struct {
	// DataDir is the root of the dated layout. Defaults to "data".
	DataDir string

	// Timeout bounds each HTTP request, body included. Defaults to 60s.
	Timeout time.Duration

	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client

	// Now dates the stored file. Defaults to time.Now.
	Now func() time.Time
}

// Fetcher retrieves sources over http(s) or from the local filesystem.
type Fetcher struct {
	client  *http.Client
	dataDir string
	now     func() time.Time
}

func New(opt Options) *Fetcher {
	if opt.DataDir == "" {
		opt.DataDir = "data"
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 60 * time.Second
	}
	if opt.Client == nil {
		opt.Client = newHTTPClient(opt.Timeout)
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Fetcher{client: opt.Client, dataDir: opt.DataDir, now: opt.Now}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 4,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

var months = [...]string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

// LocalPath is where a source named name, fetched at t, is stored.
func LocalPath(dataDir, name string, t time.Time) string {
	y, m, d := t.Date()
	return filepath.Join(
		dataDir,
		name,
		fmt.Sprintf("%d-%s", y, months[m-1]),
		fmt.Sprintf("%s-%d-%d-%d.csv", name, d, int(m), y),
	)
}

// Fetch retrieves rawURL, stores it under the dated layout and returns the
// stored file opened for reading. The caller closes it.
//
// Supported locations are http(s) URLs, file:// URLs and plain paths. An HTML
// response is treated as a dataset landing page: the first link to a .csv
// file is followed once.
func (f *Fetcher) Fetch(ctx context.Context, name, rawURL string) (io.ReadCloser, error) {
	path, err := f.Download(ctx, name, rawURL)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, &FetchError{Source: name, URL: rawURL, Err: err}
	}
	return file, nil
}

// Download is Fetch without opening the result; it returns the stored path.
func (f *Fetcher) Download(ctx context.Context, name, rawURL string) (string, error) {
	wrap := func(err error) error { return &FetchError{Source: name, URL: rawURL, Err: err} }

	if strings.TrimSpace(rawURL) == "" {
		return "", wrap(fmt.Errorf("empty url"))
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", wrap(err)
	}

	dst := LocalPath(f.dataDir, name, f.now())
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", wrap(err)
	}

	switch u.Scheme {
	case "http", "https":
		err = f.downloadHTTP(ctx, name, u, dst, true)
	case "file":
		err = copyLocal(u.Path, dst)
	case "":
		err = copyLocal(rawURL, dst)
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return "", wrap(err)
	}
	return dst, nil
}

func (f *Fetcher) downloadHTTP(ctx context.Context, name string, u *url.URL, dst string, followLanding bool) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", "espacios-etl/1.0")
	req.Header.Set("Accept", "text/csv, text/plain;q=0.9, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.RecordHTTP(name, 0, err, time.Since(start), 0, 0)
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	requestDur := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		metrics.RecordHTTP(name, resp.StatusCode, err, requestDur, time.Since(start), int64(len(body)))
		return err
	}

	if followLanding && isHTML(resp.Header.Get("Content-Type")) {
		link, err := csvLink(resp.Body, resp.Request.URL)
		metrics.RecordHTTP(name, resp.StatusCode, err, requestDur, time.Since(start), 0)
		if err != nil {
			return err
		}
		return f.downloadHTTP(ctx, name, link, dst, false)
	}

	n, err := writeBodyToFile(dst, resp.Body)
	metrics.RecordHTTP(name, resp.StatusCode, err, requestDur, time.Since(start), n)
	if err != nil {
		return fmt.Errorf("store %s: %w", dst, err)
	}
	return nil
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// csvLink returns the first anchor on a landing page whose path ends in
// .csv, resolved against base.
func csvLink(r io.Reader, base *url.URL) (*url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse landing page: %w", err)
	}

	var found *url.URL
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		if strings.HasSuffix(strings.ToLower(ref.Path), ".csv") {
			found = base.ResolveReference(ref)
			return false
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("landing page %s has no .csv link", base)
	}
	return found, nil
}

func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if same, _ := sameFile(src, dst); same {
		return nil
	}
	_, err = writeBodyToFile(dst, in)
	return err
}

func sameFile(a, b string) (bool, error) {
	sa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(sa, sb), nil
}

// writeBodyToFile streams r into outputPath through a temp file in the same
// directory, so readers never observe a partial file.
func writeBodyToFile(outputPath string, r io.Reader) (int64, error) {
	dir := filepath.Dir(outputPath)
	tmp, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	if copyErr != nil {
		_ = os.Remove(tmpName)
		return n, copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return n, closeErr
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		_ = os.Remove(tmpName)
		return n, err
	}
	return n, nil
}
