// Package metrics exposes per-source refresh diagnostics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests and multiple servers do not
// collide on the global one.
type Recorder struct {
	registry *prometheus.Registry

	fetches     *prometheus.CounterVec
	sourceUp    *prometheus.GaugeVec
	occurrences *prometheus.GaugeVec
	cycles      *prometheus.CounterVec
	cycleTime   prometheus.Histogram
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventrotator",
			Name:      "source_fetches_total",
			Help:      "Source retrievals by outcome and winning candidate kind.",
		}, []string{"source", "result", "kind"}),
		sourceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eventrotator",
			Name:      "source_up",
			Help:      "1 if the source produced calendar data in the last cycle.",
		}, []string{"source"}),
		occurrences: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eventrotator",
			Name:      "source_occurrences",
			Help:      "Occurrences contributed to the timeline in the last cycle.",
		}, []string{"source"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventrotator",
			Name:      "refresh_cycles_total",
			Help:      "Completed refresh cycles by outcome.",
		}, []string{"result"}),
		cycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eventrotator",
			Name:      "refresh_cycle_seconds",
			Help:      "Wall time of a refresh cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	r.registry.MustRegister(r.fetches, r.sourceUp, r.occurrences, r.cycles, r.cycleTime)
	return r
}

// ObserveSource records one source's outcome and the kind of candidate
// that served it ("none" on failure).
func (r *Recorder) ObserveSource(source string, ok bool, kind string) {
	if r == nil {
		return
	}
	result, up := "fail", 0.0
	if ok {
		result, up = "ok", 1.0
	}
	r.fetches.WithLabelValues(source, result, kind).Inc()
	r.sourceUp.WithLabelValues(source).Set(up)
}

// ObserveCycle records a finished cycle and the per-source contribution.
func (r *Recorder) ObserveCycle(err error, took time.Duration, counts map[string]int) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.cycles.WithLabelValues(result).Inc()
	r.cycleTime.Observe(took.Seconds())

	r.occurrences.Reset()
	for source, n := range counts {
		r.occurrences.WithLabelValues(source).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
