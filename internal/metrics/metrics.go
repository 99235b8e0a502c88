package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopmonitor_session_logins_total",
			Help: "Login attempts by result (allowed or the deny reason)",
		},
		[]string{"result"},
	)

	SessionLogouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shopmonitor_session_logouts_total",
			Help: "Total number of closed machine sessions",
		},
	)

	LeadChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopmonitor_lead_changes_total",
			Help: "Lead history rows opened or closed, by reason",
		},
		[]string{"reason"},
	)

	// Sync metrics
	SyncEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopmonitor_sync_events_total",
			Help: "Sync events by outcome (enqueued, processed, failed, retried)",
		},
		[]string{"status"},
	)

	// Device auth metrics
	TokenValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopmonitor_token_validations_total",
			Help: "Device token validations by result",
		},
		[]string{"result"},
	)

	AuthLockouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shopmonitor_auth_lockouts_total",
			Help: "Client IPs locked out after repeated auth failures",
		},
	)

	// API metrics
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shopmonitor_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(SessionLogins)
	prometheus.MustRegister(SessionLogouts)
	prometheus.MustRegister(LeadChanges)
	prometheus.MustRegister(SyncEvents)
	prometheus.MustRegister(TokenValidations)
	prometheus.MustRegister(AuthLockouts)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
