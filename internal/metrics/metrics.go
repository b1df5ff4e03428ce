// Package metrics exposes Prometheus instrumentation for the buffer core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation outcomes.
const (
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Queue metrics
	Operations         *prometheus.CounterVec
	SinkCallDuration   *prometheus.HistogramVec
	LivenessRecoveries prometheus.Counter

	// Inventory metrics
	InventoryChunks prometheus.Gauge
	Anomalies       *prometheus.CounterVec

	// Eviction metrics
	Removals prometheus.Counter
}

// New creates and registers all metrics with registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediabuf_queue_operations_total",
				Help: "Total number of settled queue operations",
			},
			[]string{"kind", "status"},
		),
		SinkCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediabuf_sink_call_duration_seconds",
				Help:    "Time from issuing a sink call to its completion",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"step"},
		),
		LivenessRecoveries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mediabuf_queue_liveness_recoveries_total",
				Help: "Total number of sink completions assumed after the sink went idle",
			},
		),
		InventoryChunks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediabuf_inventory_chunks",
				Help: "Current number of chunks in the inventory",
			},
		),
		Anomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediabuf_inventory_anomalies_total",
				Help: "Total number of inventory anomalies",
			},
			[]string{"kind"},
		),
		Removals: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mediabuf_gc_removals_total",
				Help: "Total number of removals submitted by the garbage collector",
			},
		),
	}
}

// IncOperations counts a settled operation.
func (m *Metrics) IncOperations(kind, status string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(kind, status).Inc()
}

// ObserveSinkCall observes the duration of one sink call.
func (m *Metrics) ObserveSinkCall(step string, seconds float64) {
	if m == nil {
		return
	}
	m.SinkCallDuration.WithLabelValues(step).Observe(seconds)
}

// IncLivenessRecoveries increments the liveness recoveries counter.
func (m *Metrics) IncLivenessRecoveries() {
	if m == nil {
		return
	}
	m.LivenessRecoveries.Inc()
}

// SetInventoryChunks sets the inventory size gauge.
func (m *Metrics) SetInventoryChunks(n int) {
	if m == nil {
		return
	}
	m.InventoryChunks.Set(float64(n))
}

// IncAnomalies increments the anomalies counter.
func (m *Metrics) IncAnomalies(kind string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(kind).Inc()
}

// AddRemovals adds n submitted removals.
func (m *Metrics) AddRemovals(n int) {
	if m == nil {
		return
	}
	m.Removals.Add(float64(n))
}

// Summarize flattens the counters and gauges of g into a map keyed by metric
// name and labels, e.g. `mediabuf_queue_operations_total{kind="push",status="ok"}`.
// Histograms contribute their sample count under the name suffixed with _count.
func Summarize(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			sort.Strings(labels)
			suffix := ""
			if len(labels) > 0 {
				suffix = "{" + strings.Join(labels, ",") + "}"
			}

			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()+suffix] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()+suffix] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[mf.GetName()+"_count"+suffix] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}
