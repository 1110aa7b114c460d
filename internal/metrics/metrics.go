// Package metrics exposes guard counters over an optional Prometheus endpoint.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/andresmejia3/presence-guard/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder methods are safe to call on a nil *Recorder.
type Recorder struct {
	iterations    *prometheus.CounterVec
	lockAttempts  *prometheus.CounterVec
	lockOutcomes  *prometheus.CounterVec
	readFailures  prometheus.Counter
	distance      prometheus.Histogram
	lastPresentAt prometheus.Gauge
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "presence_guard", Name: "iterations_total", Help: "Guard loop iterations by decided phase."},
			[]string{"phase"},
		),
		lockAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "presence_guard", Name: "lock_attempts_total", Help: "Lock command attempts by command and result."},
			[]string{"command", "result"},
		),
		lockOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "presence_guard", Name: "locks_total", Help: "Lock cascades by outcome."},
			[]string{"result"},
		),
		readFailures: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "presence_guard", Name: "read_failures_total", Help: "Transient camera read failures."},
		),
		distance: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: "presence_guard", Name: "match_distance", Help: "Best enrolled-face distance per identity check.",
				Buckets: []float64{0.2, 0.3, 0.35, 0.4, 0.45, 0.5, 0.6, 0.8, 1.0}},
		),
		lastPresentAt: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: "presence_guard", Name: "last_authorized_timestamp_seconds", Help: "Unix time of the last authorized iteration."},
		),
	}
	reg.MustRegister(r.iterations, r.lockAttempts, r.lockOutcomes, r.readFailures, r.distance, r.lastPresentAt)
	return r
}

func (r *Recorder) Iteration(phase string) {
	if r == nil {
		return
	}
	r.iterations.WithLabelValues(phase).Inc()
}

func (r *Recorder) Distance(d float64) {
	if r == nil {
		return
	}
	r.distance.Observe(d)
}

func (r *Recorder) Authorized(at time.Time) {
	if r == nil {
		return
	}
	r.lastPresentAt.Set(float64(at.Unix()))
}

func (r *Recorder) ReadFailure() {
	if r == nil {
		return
	}
	r.readFailures.Inc()
}

func (r *Recorder) Lock(outcome types.LockOutcome) {
	if r == nil {
		return
	}
	for _, a := range outcome.Attempts {
		result := "ok"
		if a.Err != nil {
			result = "failed"
		}
		r.lockAttempts.WithLabelValues(a.Command, result).Inc()
	}
	if outcome.Locked() {
		r.lockOutcomes.WithLabelValues("locked").Inc()
	} else {
		r.lockOutcomes.WithLabelValues("failed").Inc()
	}
}

// Serve runs the /metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint stopped", "error", err)
		}
	}()
}
