// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsMatchedTotal counts bank deposits matched to pending payments.
	DepositsMatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow_engine",
			Name:      "deposits_matched_total",
			Help:      "Total bank-rail deposits matched to pending payments.",
		},
	)

	// EscrowsCreatedTotal counts custody escrows created on-chain.
	EscrowsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow_engine",
			Name:      "escrows_created_total",
			Help:      "Total custody escrows created and funded on-chain.",
		},
	)

	// ReleasesTotal counts escrow releases by trigger (expiry, dual_approval, manual).
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_engine",
			Name:      "releases_total",
			Help:      "Total escrow releases by trigger.",
		},
		[]string{"trigger"},
	)

	// PayoutLegsTotal counts settlement legs by kind and result.
	PayoutLegsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_engine",
			Name:      "payout_legs_total",
			Help:      "Total payout settlement legs by kind (seller, commission, refund) and result.",
		},
		[]string{"kind", "result"},
	)

	// DisputesTotal counts dispute lifecycle actions.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_engine",
			Name:      "disputes_total",
			Help:      "Total dispute actions (raised, approved, dismissed).",
		},
		[]string{"action"},
	)

	// TaskRunsTotal counts scheduled task runs by task and result.
	TaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_engine",
			Name:      "task_runs_total",
			Help:      "Total automation task runs by task and result.",
		},
		[]string{"task", "result"},
	)

	// StuckTransitionsGauge tracks transitions currently requiring manual intervention.
	StuckTransitionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrow_engine",
			Name:      "stuck_transitions",
			Help:      "Payments currently flagged as requiring manual intervention.",
		},
	)

	// ExternalCallDuration observes latency of bank-rail and contract calls.
	ExternalCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow_engine",
			Name:      "external_call_duration_seconds",
			Help:      "Duration of external bank-rail and custody-contract calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"dependency", "operation"},
	)

	// HTTPRequestsTotal counts admin HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_engine",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)
)

// Register registers all engine metrics with the default registry.
// Call once at startup.
func Register() {
	prometheus.MustRegister(
		DepositsMatchedTotal,
		EscrowsCreatedTotal,
		ReleasesTotal,
		PayoutLegsTotal,
		DisputesTotal,
		TaskRunsTotal,
		StuckTransitionsGauge,
		ExternalCallDuration,
		HTTPRequestsTotal,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request counts for the admin surface.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// ObserveExternalCall records one external call's duration.
func ObserveExternalCall(dependency, operation string, start time.Time) {
	ExternalCallDuration.WithLabelValues(dependency, operation).Observe(time.Since(start).Seconds())
}
