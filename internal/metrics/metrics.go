package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatalot_websocket_connections",
			Help: "Number of active WebSocket sessions",
		},
		[]string{"server_id"},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatalot_websocket_messages_total",
			Help: "Total number of WebSocket frames processed",
		},
		[]string{"server_id", "message_type", "direction"}, // direction: in, out
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatalot_messages_total",
			Help: "Total number of channel messages sent",
		},
		[]string{"channel_type"}, // text, voice, dm
	)

	MessageDeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatalot_message_delivery_latency_seconds",
			Help:    "Time from persist to broadcast fan-out",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"delivery_type"}, // direct, broadcast
	)

	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatalot_auth_attempts_total",
			Help: "Total number of access-token authentication attempts",
		},
		[]string{"result"}, // success, invalid_token, expired, blacklisted
	)

	RefreshTokenRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatalot_refresh_token_rotations_total",
			Help: "Total number of refresh token rotations",
		},
		[]string{"result"}, // success, reused, expired
	)

	TokenBlacklistGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatalot_token_blacklist_current_count",
			Help: "Current number of blacklisted access tokens",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatalot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatalot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RateLimitDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatalot_rate_limit_denied_total",
			Help: "Total number of requests denied by the per-source token bucket",
		},
		[]string{"source"}, // ip
	)

	GroupFanOutLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatalot_group_fanout_latency_seconds",
			Help:    "Time to fan a sender-key-encrypted message out to a channel's subscribers",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	SenderKeyRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatalot_sender_key_rotations_total",
			Help: "Total number of sender-key rotations triggered by membership removal",
		},
		[]string{"reason"},
	)

	VoiceSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatalot_voice_sessions_active",
			Help: "Current number of active voice sessions",
		},
	)

	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatalot_audit_events_total",
			Help: "Total number of audit log entries recorded",
		},
		[]string{"action"},
	)
)

// Middleware wraps an HTTP handler, recording request count and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordMessageSent(channelType string) {
	MessagesTotal.WithLabelValues(channelType).Inc()
}

func RecordDeliveryLatency(deliveryType string, latency time.Duration) {
	MessageDeliveryLatency.WithLabelValues(deliveryType).Observe(latency.Seconds())
}

func RecordAuthAttempt(result string) {
	AuthAttemptsTotal.WithLabelValues(result).Inc()
}

func RecordRefreshTokenRotation(result string) {
	RefreshTokenRotationsTotal.WithLabelValues(result).Inc()
}

func UpdateTokenBlacklistCount(count int64) {
	TokenBlacklistGauge.Set(float64(count))
}

func RecordRateLimitDenied(source string) {
	RateLimitDeniedTotal.WithLabelValues(source).Inc()
}

func RecordSenderKeyRotation(reason string) {
	SenderKeyRotationsTotal.WithLabelValues(reason).Inc()
}

func RecordAuditEvent(action string) {
	AuditEventsTotal.WithLabelValues(action).Inc()
}
