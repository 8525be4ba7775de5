package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"

	SampleWritten    = "written"
	SampleSuppressed = "suppressed"
	SampleFailed     = "failed"
)

var (
	metricsOnce sync.Once

	friendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friend_requests_total",
			Help: "Total number of friend request attempts",
		},
		[]string{"status"},
	)

	friendAcceptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friend_accepts_total",
			Help: "Total number of friend request accept attempts",
		},
		[]string{"status"},
	)

	friendRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friend_rejects_total",
			Help: "Total number of friend request reject attempts",
		},
		[]string{"status"},
	)

	friendRemovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friend_removals_total",
			Help: "Total number of friend removal attempts",
		},
		[]string{"status"},
	)

	locationSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "location_samples_total",
			Help: "Location samples by outcome",
		},
		[]string{"result"},
	)

	subscriptionReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_subscription_reconnects_total",
			Help: "Total number of presence subscription reconnect attempts",
		},
	)

	subscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_subscriptions_active",
			Help: "Number of presence subscriptions currently open",
		},
	)

	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_events_published_total",
			Help: "Domain events published to the broker",
		},
		[]string{"event_name", "status"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func Register() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			friendRequestsTotal, friendAcceptsTotal, friendRejectsTotal, friendRemovalsTotal,
			locationSamplesTotal, subscriptionReconnectsTotal, subscriptionsActive,
			eventsPublishedTotal, httpRequestsTotal, httpRequestDuration,
		)
	})
}

// Status maps an operation error to a status label.
func Status(err error) string {
	if err != nil {
		return StatusFailed
	}
	return StatusSuccess
}

func IncFriendRequest(status string) {
	Register()
	friendRequestsTotal.WithLabelValues(status).Inc()
}

func IncFriendAccept(status string) {
	Register()
	friendAcceptsTotal.WithLabelValues(status).Inc()
}

func IncFriendReject(status string) {
	Register()
	friendRejectsTotal.WithLabelValues(status).Inc()
}

func IncFriendRemoval(status string) {
	Register()
	friendRemovalsTotal.WithLabelValues(status).Inc()
}

func IncLocationSample(result string) {
	Register()
	locationSamplesTotal.WithLabelValues(result).Inc()
}

func IncSubscriptionReconnect() {
	Register()
	subscriptionReconnectsTotal.Inc()
}

func SubscriptionOpened() {
	Register()
	subscriptionsActive.Inc()
}

func SubscriptionClosed() {
	Register()
	subscriptionsActive.Dec()
}

func IncEventPublished(eventName, status string) {
	Register()
	if eventName == "" {
		eventName = "unknown"
	}
	eventsPublishedTotal.WithLabelValues(eventName, status).Inc()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	Register()
	if route == "" {
		route = "unknown"
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
