// Package prompush implements a metrics backend that records into a private
// Prometheus registry and pushes it to a push gateway on Flush. Runs are
// short-lived, so pull-based scraping would miss them.
package prompush

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"espacios/internal/metrics"
)

// Backend implements metrics.Backend.
type Backend struct {
	registry *prometheus.Registry
	pusher   *push.Pusher

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
}

// NewBackend registers the pipeline collectors and targets gatewayURL under
// the given job name.
func NewBackend(job, gatewayURL string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: empty gateway url")
	}
	if job == "" {
		job = "espacios"
	}

	b := &Backend{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labels:     make(map[string][]string),
	}

	stepLabels := []string{"step", "status"}
	httpLabels := []string{"source", "status"}

	b.counter(metrics.StepTotal, "Pipeline steps by outcome.", stepLabels)
	b.counter(metrics.RowsTotal, "Rows written per table.", []string{"table"})
	b.counter(metrics.HTTPRequestsTotal, "Source download attempts.", httpLabels)
	b.counter(metrics.HTTPErrorsTotal, "Failed source download attempts.", httpLabels)

	b.histogram(metrics.StepDurationSeconds, "Pipeline step duration.", stepLabels, prometheus.DefBuckets)
	b.histogram(metrics.HTTPRequestSeconds, "Time to response headers.", httpLabels, prometheus.DefBuckets)
	b.histogram(metrics.HTTPResponseSeconds, "Time to read the response body.", httpLabels, prometheus.DefBuckets)
	b.histogram(metrics.HTTPDownloadBytes, "Downloaded body size.", httpLabels, prometheus.ExponentialBuckets(1024, 4, 10))

	for _, c := range b.counters {
		if err := b.registry.Register(c); err != nil {
			return nil, err
		}
	}
	for _, h := range b.histograms {
		if err := b.registry.Register(h); err != nil {
			return nil, err
		}
	}

	b.pusher = push.New(gatewayURL, job).Gatherer(b.registry)
	return b, nil
}

func (b *Backend) counter(name, help string, labels []string) {
	b.counters[name] = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	b.labels[name] = labels
}

func (b *Backend) histogram(name, help string, labels []string, buckets []float64) {
	b.histograms[name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	b.labels[name] = labels
}

// values orders label values for name; missing labels become "unknown".
func (b *Backend) values(name string, labels metrics.Labels) []string {
	keys := b.labels[name]
	out := make([]string, len(keys))
	for i, k := range keys {
		v := labels[k]
		if v == "" {
			v = "unknown"
		}
		out[i] = v
	}
	return out
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	c, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	c.WithLabelValues(b.values(name, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	h, ok := b.histograms[name]
	if !ok || value < 0 {
		return
	}
	h.WithLabelValues(b.values(name, labels)...).Observe(value)
}

// Flush replaces the job's metric group on the gateway.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: %w", err)
	}
	return nil
}

// Gatherer exposes the registry for inspection.
func (b *Backend) Gatherer() prometheus.Gatherer { return b.registry }

var _ metrics.Backend = (*Backend)(nil)
