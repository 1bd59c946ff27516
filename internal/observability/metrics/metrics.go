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

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpay",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpay",
		Subsystem: "http",
		Name:      "request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentpay",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpay",
		Subsystem: "payment",
		Name:      "verifications_total",
		Help:      "Payment verifications by outcome (verified or the rejection reason).",
	}, []string{"network", "outcome"})

	sessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpay",
		Subsystem: "session",
		Name:      "terminal_total",
		Help:      "Fulfillment sessions that reached a terminal state.",
	}, []string{"state"})

	failovers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentpay",
		Subsystem: "session",
		Name:      "failovers_total",
		Help:      "Provider failures that advanced a session to its next candidate.",
	})

	providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentpay",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Outbound provider call duration by call kind and result.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind", "result"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		verifications, sessions, failovers, providerLatency,
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

// ObserveVerification counts a payment verification outcome.
func ObserveVerification(network, outcome string) {
	verifications.WithLabelValues(network, outcome).Inc()
}

// ObserveSessionTerminal counts a session reaching completed, exhausted or expired.
func ObserveSessionTerminal(state string) {
	sessions.WithLabelValues(state).Inc()
}

// ObserveFailover counts a candidate failover inside a session.
func ObserveFailover() {
	failovers.Inc()
}

// ObserveProviderCall records an outbound quote, fulfill or probe call.
func ObserveProviderCall(kind string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	providerLatency.WithLabelValues(kind, result).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

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
