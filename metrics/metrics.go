// Package metrics is the optional observability layer of spec.md §4.10
// ("optional metrics port"): Prometheus gauges/histograms for queue
// depth, in-flight pulls and tick duration, in the pack's own
// register-globally-then-serve-promhttp style.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alpenhorn_queue_ready_tasks",
		Help: "Number of tasks ready to run in the worker pool",
	})

	QueueDeferred = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alpenhorn_queue_deferred_tasks",
		Help: "Number of tasks waiting on a deferred retry",
	})

	PullsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alpenhorn_pulls_in_flight",
			Help: "Number of transfer pulls currently running, by destination group",
		},
		[]string{"group"},
	)

	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "alpenhorn_update_tick_duration_seconds",
		Help:    "Wall time of one main update loop tick",
		Buckets: prometheus.DefBuckets,
	})

	TicksOverBudget = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alpenhorn_update_ticks_over_budget_total",
		Help: "Number of ticks whose wall time exceeded update_interval",
	})

	ImportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alpenhorn_imports_total",
			Help: "Total number of successful imports, by node",
		},
		[]string{"node"},
	)

	PullFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alpenhorn_pull_failures_total",
			Help: "Total number of failed transfer pulls, by destination group",
		},
		[]string{"group"},
	)

	ActiveNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alpenhorn_active_nodes",
		Help: "Number of nodes available on this daemon host",
	})
)

func init() {
	prometheus.MustRegister(
		QueueReady,
		QueueDeferred,
		PullsInFlight,
		TickDuration,
		TicksOverBudget,
		ImportsTotal,
		PullFailuresTotal,
		ActiveNodes,
	)
}

// Timer measures an operation and records it to a histogram on Stop.
type Timer struct{ start time.Time }

// NewTimer starts a Timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Server serves /metrics on addr until ctx is cancelled.
type Server struct {
	Addr string
	srv  *http.Server
}

// NewServer builds a metrics Server bound to addr (e.g. ":9110").
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{Addr: addr, srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start runs the server in the background until ctx is cancelled.
func (s *Server) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	return errCh
}
