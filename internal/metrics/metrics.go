// Package metrics exposes Prometheus instrumentation for the queue,
// scheduler, agent bridge and command bus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nanoclaw"

// Metrics holds every collector on its own registry so tests can create
// independent instances.
type Metrics struct {
	Registry *prometheus.Registry

	Jobs            *prometheus.CounterVec // kind, outcome
	ActiveGroups    prometheus.Gauge
	AgentRuns       *prometheus.CounterVec // status
	AgentDuration   prometheus.Histogram
	TasksDispatched prometheus.Counter
	Commands        *prometheus.CounterVec // type, outcome
	Quarantined     prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Group queue jobs executed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ActiveGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_active_groups",
			Help:      "Groups with a job currently executing.",
		}),
		AgentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent process invocations, by result status.",
		}, []string{"status"}),
		AgentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_seconds",
			Help:      "Wall time of agent process invocations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		TasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_dispatched_total",
			Help:      "Scheduled tasks submitted to the group queue.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_commands_total",
			Help:      "Mailbox commands processed, by type and outcome.",
		}, []string{"type", "outcome"}),
		Quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_quarantined_total",
			Help:      "Mailbox files moved to the errors directory.",
		}),
	}
	m.Registry.MustRegister(
		m.Jobs, m.ActiveGroups, m.AgentRuns, m.AgentDuration,
		m.TasksDispatched, m.Commands, m.Quarantined,
	)
	return m
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
