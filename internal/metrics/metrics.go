// Package metrics provides Prometheus metrics for the probe/commit pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Commit outcomes
const (
	OutcomeRecorded  = "recorded"
	OutcomeDuplicate = "duplicate"
	OutcomeNotFound  = "not_found"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
)

// ScanMetrics contains all metrics of the scanning service.
// A nil *ScanMetrics is valid and records nothing.
type ScanMetrics struct {
	ProbeTotal      *prometheus.CounterVec
	CommitTotal     *prometheus.CounterVec
	CommitDuration  prometheus.Histogram
	DuplicateDist   prometheus.Histogram
	IndexSize       prometheus.Gauge
	CommitsInFlight prometheus.Gauge
}

// NewScanMetrics creates the metrics and registers them with registry
func NewScanMetrics(registry prometheus.Registerer) (*ScanMetrics, error) {
	m := &ScanMetrics{
		ProbeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardscan_probes_total",
				Help: "Probe requests partitioned by result status.",
			},
			[]string{"status"},
		),
		CommitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardscan_commits_total",
				Help: "Commit requests partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		CommitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cardscan_commit_duration_seconds",
				Help:    "Time taken to identify, price and store one commit.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		DuplicateDist: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cardscan_duplicate_distance",
				Help:    "Fingerprint distance of commits flagged as duplicates.",
				Buckets: prometheus.LinearBuckets(0, 1, 11),
			},
		),
		IndexSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cardscan_fingerprint_index_size",
				Help: "Number of fingerprints held in the duplicate index.",
			},
		),
		CommitsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cardscan_commits_in_flight",
				Help: "Commits currently being processed.",
			},
		),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register scan metrics: %w", err)
	}
	return m, nil
}

// Describe implements prometheus.Collector
func (m *ScanMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ProbeTotal.Describe(ch)
	m.CommitTotal.Describe(ch)
	ch <- m.CommitDuration.Desc()
	ch <- m.DuplicateDist.Desc()
	ch <- m.IndexSize.Desc()
	ch <- m.CommitsInFlight.Desc()
}

// Collect implements prometheus.Collector
func (m *ScanMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ProbeTotal.Collect(ch)
	m.CommitTotal.Collect(ch)
	ch <- m.CommitDuration
	ch <- m.DuplicateDist
	ch <- m.IndexSize
	ch <- m.CommitsInFlight
}

func (m *ScanMetrics) RecordProbe(status string) {
	if m == nil {
		return
	}
	m.ProbeTotal.WithLabelValues(status).Inc()
}

// RecordCommit counts one finished commit
func (m *ScanMetrics) RecordCommit(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.CommitTotal.WithLabelValues(outcome).Inc()
	m.CommitDuration.Observe(time.Since(started).Seconds())
}

func (m *ScanMetrics) RecordDuplicate(distance int) {
	if m == nil {
		return
	}
	m.DuplicateDist.Observe(float64(distance))
}

func (m *ScanMetrics) SetIndexSize(n int) {
	if m == nil {
		return
	}
	m.IndexSize.Set(float64(n))
}

// CommitStarted marks a commit in flight and returns the matching done func
func (m *ScanMetrics) CommitStarted() func() {
	if m == nil {
		return func() {}
	}
	m.CommitsInFlight.Inc()
	return m.CommitsInFlight.Dec
}
