// Package metrics is the process-wide metrics facade. Pipeline code records
// through the helpers here; a backend (Datadog, Prometheus push gateway, or
// the default no-op) is installed once at startup with SetBackend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names understood by the backends.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RowsTotal           = "etl_rows_total"
	HTTPRequestsTotal   = "etl_http_requests_total"
	HTTPErrorsTotal     = "etl_http_errors_total"
	HTTPRequestSeconds  = "etl_http_request_duration_seconds"
	HTTPResponseSeconds = "etl_http_response_duration_seconds"
	HTTPDownloadBytes   = "etl_http_download_bytes"
)

// Step statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Labels are the dimensions of one observation.
type Labels map[string]string

// Backend receives observations. Implementations must be safe for
// concurrent use and ignore metric names they do not know.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

type flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b; nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush pushes buffered observations when the backend buffers them.
func Flush() error {
	if f, ok := current().(flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStep counts one pipeline step and its duration.
func RecordStep(step string, err error, d time.Duration) {
	labels := Labels{"step": step, "status": statusOf(err)}
	b := current()
	b.IncCounter(StepTotal, 1, labels)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), labels)
}

// RecordRows counts rows written to table.
func RecordRows(table string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"table": table})
}

// RecordHTTP records one HTTP attempt. status 0 means no response was
// received.
func RecordHTTP(source string, status int, err error, request, response time.Duration, bytes int64) {
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	labels := Labels{"source": source, "status": code}
	b := current()
	b.IncCounter(HTTPRequestsTotal, 1, labels)
	if err != nil || status >= 400 || status == 0 {
		b.IncCounter(HTTPErrorsTotal, 1, labels)
	}
	b.ObserveHistogram(HTTPRequestSeconds, request.Seconds(), labels)
	b.ObserveHistogram(HTTPResponseSeconds, response.Seconds(), labels)
	if bytes > 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(bytes), labels)
	}
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}
