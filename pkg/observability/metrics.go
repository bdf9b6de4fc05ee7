package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Billing run metrics
	BillingRunsTotal    *prometheus.CounterVec
	BillingRunDuration  prometheus.Histogram
	BillingRunFailures  *prometheus.CounterVec
	BillingLastRunTime  prometheus.Gauge

	// Charge metrics
	ChargesTotal        *prometheus.CounterVec
	ChargedCentsTotal   prometheus.Counter
	GatewayCallDuration *prometheus.HistogramVec

	// Lifecycle metrics
	GraceEnteredTotal         prometheus.Counter
	SubscriptionsExpiredTotal prometheus.Counter
	TrialWarningsTotal        prometheus.Counter
	UncreditedTransactions    prometheus.Gauge

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Ops HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		BillingRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freemium_billing_runs_total",
				Help: "Total number of billing runs",
			},
			[]string{"mode", "status"},
		),
		BillingRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "freemium_billing_run_duration_seconds",
				Help:    "Billing run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800},
			},
		),
		BillingRunFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freemium_billing_subscription_failures_total",
				Help: "Subscriptions whose processing failed inside a billing run",
			},
			[]string{"stage"},
		),
		BillingLastRunTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "freemium_billing_last_run_timestamp_seconds",
				Help: "Unix time of the last completed billing run",
			},
		),
		ChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freemium_charges_total",
				Help: "Total number of gateway charge attempts",
			},
			[]string{"outcome"},
		),
		ChargedCentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "freemium_charged_cents_total",
				Help: "Sum of successfully charged amounts in cents",
			},
		),
		GatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "freemium_gateway_call_duration_seconds",
				Help:    "Payment gateway call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		GraceEnteredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "freemium_grace_entered_total",
				Help: "Subscriptions that entered their grace period",
			},
		),
		SubscriptionsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "freemium_subscriptions_expired_total",
				Help: "Subscriptions moved to the expired plan",
			},
		),
		TrialWarningsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "freemium_trial_warnings_total",
				Help: "Trial-ends-soon warnings sent",
			},
		),
		UncreditedTransactions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "freemium_uncredited_transactions",
				Help: "Successful transactions not yet credited at the last reconciliation",
			},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freemium_notifications_total",
				Help: "Notifications attempted, by kind and status",
			},
			[]string{"kind", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freemium_http_requests_total",
				Help: "Total number of ops HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "freemium_http_request_duration_seconds",
				Help:    "Ops HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		m.BillingRunsTotal,
		m.BillingRunDuration,
		m.BillingRunFailures,
		m.BillingLastRunTime,
		m.ChargesTotal,
		m.ChargedCentsTotal,
		m.GatewayCallDuration,
		m.GraceEnteredTotal,
		m.SubscriptionsExpiredTotal,
		m.TrialWarningsTotal,
		m.UncreditedTransactions,
		m.NotificationsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments ops HTTP requests; usable as mux middleware
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
