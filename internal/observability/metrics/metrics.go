// Package metrics exposes process metrics in the Prometheus exposition format
// through a dedicated registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "defiflow"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests handled, by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "HTTP requests that ended with a 5xx status.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Runs that reached a terminal state.",
	}, []string{"state"})

	firings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trigger_firings_total",
		Help:      "Trigger conditions that started an execution.",
	})

	steps = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_step_duration_seconds",
		Help:      "Duration of pipeline steps including confirmation wait.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"kind", "outcome"})

	priceSamples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_samples_total",
		Help:      "Price samples consumed by the monitor.",
	}, []string{"symbol"})

	feedReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_feed_reconnects_total",
		Help:      "Price feed resubscriptions after a disconnect or failed subscribe.",
	})

	lastPrice = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "price_last",
		Help:      "Most recent price sample.",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		runs, firings, steps, priceSamples, feedReconnects, lastPrice,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRun counts a run that reached the given terminal state.
func ObserveRun(state string) {
	runs.WithLabelValues(state).Inc()
}

// ObserveFiring counts a trigger firing.
func ObserveFiring() {
	firings.Inc()
}

// ObserveStep records a pipeline step duration. outcome is "ok" or "error".
func ObserveStep(kind, outcome string, duration time.Duration) {
	steps.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

// ObservePrice records a consumed price sample.
func ObservePrice(symbol string, price float64) {
	if symbol == "" {
		symbol = "unknown"
	}
	priceSamples.WithLabelValues(symbol).Inc()
	lastPrice.Set(price)
}

// ObserveFeedReconnect counts a price feed resubscription.
func ObserveFeedReconnect() {
	feedReconnects.Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing metrics on path.
func StartServer(ctx context.Context, addr, path string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
