// Package metrics exposes the engine's Prometheus registry, following the
// teacher's own exporter shape (a private *prometheus.Registry plus named
// Vec fields and a handful of Record* convenience methods).
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config tunes the histogram buckets used by the exporter.
type Config struct {
	Namespace string
	Buckets   []float64
}

// DefaultConfig matches the teacher's own bucket list, reused here because
// both exporters time network round-trips with second-scale latencies.
func DefaultConfig() Config {
	return Config{
		Namespace: "nikabridge",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// Registry is the process-wide Prometheus exporter.
type Registry struct {
	reg *prometheus.Registry

	UpstreamRequestSeconds *prometheus.HistogramVec
	UpstreamErrorsTotal    *prometheus.CounterVec
	MessagesReceivedTotal  prometheus.Counter
	RepliesSentTotal       *prometheus.CounterVec
	ProactiveSentTotal     *prometheus.CounterVec
	TasksLeasedTotal       prometheus.Counter
	TasksCompletedTotal    *prometheus.CounterVec
	TasksInFlight          prometheus.Gauge
	ReplyDelaySeconds      *prometheus.HistogramVec
	RecoveryGapMessagesTotal prometheus.Counter
}

// New builds the registry and registers all collectors.
func New(cfg Config) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		UpstreamRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "n8n_request_seconds",
			Help:      "Latency of upstream workflow calls.",
			Buckets:   cfg.Buckets,
		}, []string{"intent"}),
		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "n8n_errors_total",
			Help:      "Upstream workflow errors by class.",
		}, []string{"class"}),
		MessagesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "messages_received_total",
			Help:      "Inbound user messages received.",
		}),
		RepliesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "replies_sent_total",
			Help:      "Assistant replies sent, by delay kind.",
		}, []string{"delay_kind"}),
		ProactiveSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "proactive_sent_total",
			Help:      "Proactive messages sent, by intent.",
		}, []string{"intent"}),
		TasksLeasedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "tasks_leased_total",
			Help:      "Task queue rows leased by workers.",
		}),
		TasksCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "tasks_completed_total",
			Help:      "Task queue rows completed, by final status.",
		}, []string{"status"}),
		TasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently leased and being processed.",
		}),
		ReplyDelaySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "reply_delay_seconds",
			Help:      "Chosen reply delay, by delay kind.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 180, 300, 360},
		}, []string{"delay_kind"}),
		RecoveryGapMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "recovery_gap_messages_total",
			Help:      "Messages backfilled by adapter startup recovery.",
		}),
	}

	reg.MustRegister(
		r.UpstreamRequestSeconds,
		r.UpstreamErrorsTotal,
		r.MessagesReceivedTotal,
		r.RepliesSentTotal,
		r.ProactiveSentTotal,
		r.TasksLeasedTotal,
		r.TasksCompletedTotal,
		r.TasksInFlight,
		r.ReplyDelaySeconds,
		r.RecoveryGapMessagesTotal,
	)

	return r
}

// ObserveUpstream records the upstream call latency regardless of outcome,
// matching the "observed in a finally block" contract of spec.md §4.4.
func (r *Registry) ObserveUpstream(intent string, d time.Duration) {
	r.UpstreamRequestSeconds.WithLabelValues(intent).Observe(d.Seconds())
}

// IncUpstreamError counts a classified upstream failure.
func (r *Registry) IncUpstreamError(class string) {
	r.UpstreamErrorsTotal.WithLabelValues(class).Inc()
}

// IncReplySent records one assistant reply of the given delay kind.
func (r *Registry) IncReplySent(delayKind string, delaySeconds float64) {
	r.RepliesSentTotal.WithLabelValues(delayKind).Inc()
	r.ReplyDelaySeconds.WithLabelValues(delayKind).Observe(delaySeconds)
}

// IncProactiveSent records one proactive send of the given intent.
func (r *Registry) IncProactiveSent(intent string) {
	r.ProactiveSentTotal.WithLabelValues(intent).Inc()
}

// Handler returns the standard promhttp handler for /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ExportText renders the "# HELP" and "# TYPE" header lines of every
// registered metric family, sorted by name, matching the teacher's own
// ExportText helper shape (used when a raw []byte is wanted instead of an
// http.Handler, e.g. for tests). Sample values are not included; Handler
// serves the full exposition.
func (r *Registry) ExportText() ([]byte, error) {
	mfs, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	sort.Slice(mfs, func(i, j int) bool { return mfs[i].GetName() < mfs[j].GetName() })
	var buf bytes.Buffer
	for _, mf := range mfs {
		fmt.Fprintf(&buf, "# HELP %s %s\n", mf.GetName(), mf.GetHelp())
		fmt.Fprintf(&buf, "# TYPE %s %s\n", mf.GetName(), mf.GetType())
	}
	return buf.Bytes(), nil
}
