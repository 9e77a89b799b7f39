// Package metrics exposes the run's counters and latencies as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reactbench/reactbench/internal/ledger"
	"github.com/reactbench/reactbench/internal/logging"
	"github.com/reactbench/reactbench/internal/measure"
)

const namespace = "reactbench"

// Metrics holds the collectors of one run on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	submissions *prometheus.CounterVec
	submitTime  *prometheus.HistogramVec
	latency     prometheus.Histogram
}

// New registers the collectors. Counters kept in state and the ledger are
// read at scrape time.
func New(state *measure.State, l *ledger.Ledger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Mutations submitted to storage by kind and result (applied, reverted, failed).",
		}, []string{"kind", "result"}),
		submitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "Time storage took to acknowledge a mutation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_latency_milliseconds",
			Help:      "Time from mutation submission to its change notification.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
	}

	m.registry.MustRegister(m.submissions, m.submitTime, m.latency)

	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Change notifications received.",
		}, func() float64 { return float64(state.Events.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlated_total",
			Help:      "Notifications matched to a pending mutation.",
		}, func() float64 { return float64(state.Correlated.Load()) }),
	)

	for _, kind := range ledger.Kinds {
		labels := prometheus.Labels{"kind": kind.String()}
		m.registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "unexpected_notifications_total",
				Help:        "Notifications for workload data without a pending mutation.",
				ConstLabels: labels,
			}, func() float64 { return float64(state.Unexpected(kind).Load()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "unconfirmed_submissions",
				Help:        "Mutations sent to storage and not yet acknowledged.",
				ConstLabels: labels,
			}, func() float64 { return float64(state.Unconfirmed(kind).Load()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "pending_changes",
				Help:        "Open ledger entries waiting for their notification.",
				ConstLabels: labels,
			}, func() float64 { return float64(l.CountKind(kind)) }),
		)
	}

	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSubmission records one completed storage submission.
func (m *Metrics) ObserveSubmission(kind ledger.Kind, d time.Duration, rowsAffected int64, err error) {
	result := "applied"
	switch {
	case err != nil:
		result = "failed"
	case rowsAffected == 0:
		result = "reverted"
	}
	m.submissions.WithLabelValues(kind.String(), result).Inc()
	m.submitTime.WithLabelValues(kind.String()).Observe(d.Seconds())
}

// RecordResponseTime records one notification latency.
func (m *Metrics) RecordResponseTime(_ time.Duration, latencyMs float64) {
	m.latency.Observe(latencyMs)
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logging.Infof("serving metrics on %s/metrics", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
