// Package ratelimit gates HTTP requests with a token bucket per source
// IP, built on golang.org/x/time/rate rather than a hand-rolled sliding
// window.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jaydenbeard/chatalot/internal/metrics"
)

// RetryAfterSeconds is the value sent in the Retry-After header of a
// 429 response.
const RetryAfterSeconds = "1"

// Limiter gates requests per source IP using a token bucket per key,
// reaped after a period of inactivity so the map does not grow
// unbounded under churn.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Limiter allowing rps requests per second per IP, with
// burst allowance burst.
func New(rps float64, burst int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
	}
	go l.reap()
	return l
}

func (l *Limiter) reap() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-l.idleTTL)
		l.mu.Lock()
		for key, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

// Allow reports whether a request from key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	limiter := b.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Middleware wraps next, denying with 429 any request whose source IP
// has exhausted its token bucket. WebSocket upgrade requests are
// exempt — the hub's own first-message auth timeout and per-session
// send-buffer backpressure are this server's rate control for
// long-lived connections.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		if !l.Allow(ip) {
			metrics.RecordRateLimitDenied(ip)
			w.Header().Set("Retry-After", RetryAfterSeconds)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isTrustedProxy reports whether peer is allowed to set the forwarded-for
// headers this server trusts: loopback, or one of the Docker bridge
// networks a reverse proxy container typically sits on.
func isTrustedProxy(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 172 && v4[1] == 17: // Docker default bridge
		return true
	case v4[0] == 172 && v4[1] == 18: // Docker additional networks
		return true
	case v4[0] == 172 && v4[1] == 19 && v4[2] == 0: // Docker Compose
		return true
	}
	return false
}

// ClientIP extracts the originating IP. Forwarded-for headers
// (CF-Connecting-IP, then X-Forwarded-For, then X-Real-IP) are honored
// only when the direct peer is a trusted reverse proxy — otherwise any
// client could forge them to evade the per-IP bucket, so an untrusted
// peer's RemoteAddr is used regardless of what it sends.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil || !isTrustedProxy(peer) {
		return host
	}

	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		if ip := strings.TrimSpace(cf); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		if ip := strings.TrimSpace(realIP); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return host
}
