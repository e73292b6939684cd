package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudx-io/openiico/core"
	"github.com/cloudx-io/openiico/saleapi"
)

var (
	// saleOperations counts state-changing operations.
	// Labels: op (request type), code (ok or the sale error code)
	saleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saled",
		Subsystem: "sale",
		Name:      "operations_total",
		Help:      "State-changing sale operations by result",
	}, []string{"op", "code"})

	// saleActiveBids tracks bids that still hold an active contribution.
	saleActiveBids = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "saled",
		Subsystem: "sale",
		Name:      "active_bids",
		Help:      "Bids with an active contribution",
	})

	// finalizeSteps counts bids visited by the finalization walk.
	finalizeSteps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saled",
		Subsystem: "sale",
		Name:      "finalize_steps_total",
		Help:      "Bids visited by finalization",
	})

	// persistFailures counts journal or snapshot writes that failed.
	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saled",
		Subsystem: "store",
		Name:      "persist_failures_total",
		Help:      "Failed journal or snapshot commits",
	})

	// requestDuration measures request handling time.
	// Labels: type (request type), status (ok, error)
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "saled",
		Subsystem: "server",
		Name:      "request_duration_seconds",
		Help:      "Request handling latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"type", "status"})

	// rejectedConnections counts connections dropped because the worker pool was full.
	rejectedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saled",
		Subsystem: "server",
		Name:      "rejected_connections_total",
		Help:      "Connections rejected with a full worker pool",
	})
)

// recordOperation updates the operation metrics after a mutation.
func recordOperation(op string, err error, totals core.Totals) {
	code := "ok"
	if err != nil {
		code = saleapi.NewErrorResponse(err).Code
		if code == "" {
			code = "internal"
		}
	}
	saleOperations.WithLabelValues(op, code).Inc()
	saleActiveBids.Set(float64(totals.ActiveBids))
}

func observeRequest(reqType string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	requestDuration.WithLabelValues(reqType, status).Observe(time.Since(start).Seconds())
}

// serveMetrics exposes the default registry until the listener is closed.
func serveMetrics(listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.Printf("INFO: Metrics listening on %s", listener.Addr())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
