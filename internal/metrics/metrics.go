// Package metrics exposes Prometheus collectors for extraction runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/notemine/internal/logger"
	"github.com/jmylchreest/notemine/pkg/batch"
	"github.com/jmylchreest/notemine/pkg/extractor"
	"github.com/jmylchreest/notemine/pkg/llm"
)

// Metrics holds the collectors for one process, on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// LLMCalls counts gateway calls by provider and outcome.
	LLMCalls *prometheus.CounterVec
	// LLMDuration tracks endpoint latency, excluding rate limiter waits.
	LLMDuration *prometheus.HistogramVec
	// LLMWait tracks time calls spent queued behind the rate limiter.
	LLMWait *prometheus.HistogramVec
	// Tokens counts tokens by provider and direction.
	Tokens *prometheus.CounterVec
	// Notes counts finished notes by status.
	Notes *prometheus.CounterVec
	// NotesInFlight is the number of admitted notes not yet written.
	NotesInFlight prometheus.Gauge
	// Attempts tracks the attempts spent per finished note.
	Attempts prometheus.Histogram
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LLMCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notemine_llm_calls_total",
				Help: "Total number of LLM calls",
			},
			[]string{"provider", "outcome"},
		),
		LLMDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notemine_llm_call_duration_seconds",
				Help:    "LLM call latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"provider"},
		),
		LLMWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notemine_llm_rate_limit_wait_seconds",
				Help:    "Time LLM calls waited for the rate limiter",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"provider"},
		),
		Tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notemine_llm_tokens_total",
				Help: "Total tokens reported by the provider",
			},
			[]string{"provider", "direction"},
		),
		Notes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notemine_notes_total",
				Help: "Total number of notes written, by status",
			},
			[]string{"status"},
		),
		NotesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "notemine_notes_in_flight",
			Help: "Notes admitted but not yet written",
		}),
		Attempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "notemine_note_attempts",
			Help:    "Attempts spent per finished note",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// OnLLMCall implements llm.Observer.
func (m *Metrics) OnLLMCall(_ context.Context, e llm.CallEvent) {
	outcome := "success"
	if e.Err != nil {
		outcome = string(e.Kind())
	}
	m.LLMCalls.WithLabelValues(e.Provider, outcome).Inc()
	m.LLMDuration.WithLabelValues(e.Provider).Observe(e.Duration.Seconds())
	if e.Wait > 0 {
		m.LLMWait.WithLabelValues(e.Provider).Observe(e.Wait.Seconds())
	}
	if e.Usage.InputTokens > 0 {
		m.Tokens.WithLabelValues(e.Provider, "input").Add(float64(e.Usage.InputTokens))
	}
	if e.Usage.OutputTokens > 0 {
		m.Tokens.WithLabelValues(e.Provider, "output").Add(float64(e.Usage.OutputTokens))
	}
}

// OnProgress tracks the in-flight gauge; pass it to batch.WithProgress.
func (m *Metrics) OnProgress(s batch.Snapshot) {
	m.NotesInFlight.Set(float64(s.InFlight()))
}

// ObserveResult records a finished note.
func (m *Metrics) ObserveResult(res *extractor.Result) {
	m.Notes.WithLabelValues(string(res.Status)).Inc()
	m.Attempts.Observe(float64(res.Attempts))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
