// Package metrics holds the Prometheus collectors shared by the services and the HTTP layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetgate_handshakes_total",
			Help: "Key exchange handshakes, by result.",
		},
		[]string{"result"},
	)

	authResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetgate_auth_resolutions_total",
			Help: "Caller identity resolutions, by method (none when unauthenticated).",
		},
		[]string{"method"},
	)

	delegations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetgate_delegation_verifications_total",
			Help: "Delegation certificate verifications, by result.",
		},
		[]string{"result"},
	)

	policyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetgate_policy_decisions_total",
			Help: "Named list membership decisions, by outcome.",
		},
		[]string{"outcome"}, // allowed, denied, dev
	)

	notabotRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetgate_notabot_rejections_total",
			Help: "Anti-automation rejections, by reason.",
		},
		[]string{"reason"},
	)

	fundingGrants = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetgate_funding_grants_total",
			Help: "Funding transfers, by result.",
		},
		[]string{"result"},
	)

	ledgerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rivetgate_ledger_call_duration_seconds",
			Help:    "Ledger call latency, by operation and result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rivetgate_http_requests_total",
			Help: "HTTP requests, by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rivetgate_http_request_duration_seconds",
			Help:    "HTTP request duration, by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func Handshake(result string)        { handshakes.WithLabelValues(result).Inc() }
func AuthResolution(method string)   { authResolutions.WithLabelValues(method).Inc() }
func Delegation(result string)       { delegations.WithLabelValues(result).Inc() }
func PolicyDecision(outcome string)  { policyDecisions.WithLabelValues(outcome).Inc() }
func NotabotRejection(reason string) { notabotRejections.WithLabelValues(reason).Inc() }
func Funding(result string)          { fundingGrants.WithLabelValues(result).Inc() }

// LedgerCall records the latency of one ledger operation
func LedgerCall(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerLatency.WithLabelValues(op, result).Observe(d.Seconds())
}

// HTTPRequest records one served request
func HTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the default registry in the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}
