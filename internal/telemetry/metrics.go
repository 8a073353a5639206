// Package telemetry provides application-level observability for the
// gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and
// are served by the side-channel HTTP server started in main.go:
//
//	GET http://<host>:<CGW_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router, so a
// public ingress pointed at the API port never exposes it.
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (the route template, e.g. /v1/webhook)
// rather than the raw request URL, so user-supplied path segments can
// never explode label cardinality. Dispatch metrics are labelled by
// coarse outcome, never by account id or key hash.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Dispatch metrics, recorded by the webhook handler.
//
// DispatchesTotal is labelled by outcome: "published", "draft_accepted",
// "dry_run", "replayed", "publish_failed", "rejected" (pre-publish
// rejection: bad request, unauthorized, or throttled).
//
// Example PromQL queries:
//   - Publish failure rate:  sum(rate(dispatches_total{outcome="publish_failed"}[15m]))
//   - Replay share (%):      sum(rate(dispatches_total{outcome="replayed"}[1h])) / sum(rate(dispatches_total[1h])) * 100
var DispatchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatches_total",
		Help: "Total number of webhook dispatches, by outcome.",
	},
	[]string{"outcome"},
)

// Token refresh metrics, recorded by the token manager's caller.
//
// An alert on rate(token_refreshes_total{result="failure"}[30m]) > 0
// catches revoked grants and upstream OAuth outages early.
var TokenRefreshesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "token_refreshes_total",
		Help: "Total number of OAuth token refresh attempts, by result (success or failure).",
	},
	[]string{"result"},
)

// RateLimitRejectionsTotal counts throttled requests, by limiter scope:
// "dispatch" (per-key fixed window) or "ip" (per-IP middleware).
var RateLimitRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Total number of requests rejected by a rate limiter, by scope.",
	},
	[]string{"scope"},
)

// SweeperDeletionsTotal counts API key records deleted by the retention
// sweeper, by reason ("pending" or "orphaned"). A sudden spike in
// "orphaned" usually means accounts are disconnecting the application.
var SweeperDeletionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sweeper_deletions_total",
		Help: "Total number of API key records deleted by the retention sweeper, by reason.",
	},
	[]string{"reason"},
)

// KeysIssuedTotal is a plain Counter incremented once per issued API key.
var KeysIssuedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "keys_issued_total",
		Help: "Total number of API keys issued.",
	},
)
