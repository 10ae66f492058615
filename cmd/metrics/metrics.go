package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medibook_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medibook_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Transitions counts committed appointment status changes.
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medibook_appointment_transitions_total",
			Help: "Committed appointment lifecycle transitions",
		},
		[]string{"event", "to"},
	)

	// Payments counts payment confirmations by invoice type and outcome.
	Payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medibook_payments_total",
			Help: "Payment confirmations processed",
		},
		[]string{"invoice_type", "outcome"},
	)

	// SweepExpired counts holds expired by the sweeper.
	SweepExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medibook_sweep_expired_total",
			Help: "Payment holds expired by the sweeper",
		},
	)

	// SweepRuns counts sweeper passes by result.
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medibook_sweep_runs_total",
			Help: "Sweeper passes",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		Transitions,
		Payments,
		SweepExpired,
		SweepRuns,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware records request counts and latency labelled by route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
