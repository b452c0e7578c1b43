// Package metrics exposes operational visibility into the orchestrator
// and standby as Prometheus gauges/counters, served on a small go-chi
// admin mux alongside a liveness probe. This is ambient observability,
// not a protocol feature — nothing on the wire depends on it.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskgrid_tasks_by_status",
			Help: "Current number of tasks in each status",
		},
		[]string{"status"},
	)

	WorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgrid_workers_connected",
			Help: "Current number of registered workers",
		},
	)

	DispatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_dispatches_total",
			Help: "Total number of successful task dispatches",
		},
	)

	WorkerFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgrid_worker_failures_total",
			Help: "Total number of worker failures handled",
		},
	)

	LamportClock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgrid_lamport_clock",
			Help: "Current value of the process-wide Lamport clock",
		},
	)

	ReplicationLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgrid_replication_lag_seconds",
			Help: "Seconds since the standby last applied a sync_state snapshot",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksByStatus,
		WorkersConnected,
		DispatchesTotal,
		WorkerFailuresTotal,
		LamportClock,
		ReplicationLagSeconds,
	)
}

// statuses enumerates every task.Status value this gauge reports on, so a
// status that drops to zero still gets reset rather than left stale.
var statuses = []string{"WAITING", "RUNNING", "DONE", "FAILED"}

// ObserveTaskCounts sets TasksByStatus from a status -> count map, as
// produced by task.Store.CountsByStatus.
func ObserveTaskCounts(counts map[string]int) {
	for _, status := range statuses {
		TasksByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// NewAdminMux builds the /healthz + /metrics admin surface shared by the
// orchestrator and standby binaries.
func NewAdminMux() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
