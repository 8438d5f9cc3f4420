// Package metrics holds the prometheus collectors shared by the controller
// and the judger worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	JudgersOnline = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "heng_judgers_online",
		Help: "Number of judger workers with a live session.",
	})

	SlotsAvailable = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "heng_slots_available",
		Help: "Capacity slots currently queued for dispatch.",
	})

	JudgesDispatched = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "heng_judges_dispatched_total",
		Help: "Judge tasks successfully assigned to a worker.",
	})

	JudgesFinished = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "heng_judges_finished_total",
		Help: "Judge tasks settled by a worker FinishJudges report.",
	})

	JudgesFailed = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "heng_judges_failed_total",
		Help: "In-flight judge tasks failed because their worker disconnected.",
	})

	SandboxRunSeconds = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "heng_sandbox_run_seconds",
		Help:    "Wall-clock duration of sandboxed invocations.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
}

// Handler serves the package registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
