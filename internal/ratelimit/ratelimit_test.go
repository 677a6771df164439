package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsWithinBurst(t *testing.T) {
	l := New(1, 3)
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("1.2.3.4"))
	}
	require.False(t, l.Allow("1.2.3.4"))
}

func TestLimiterTracksKeysIndependently(t *testing.T) {
	l := New(1, 1)
	require.True(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("5.6.7.8"))
	require.False(t, l.Allow("1.2.3.4"))
}

func TestMiddlewareExemptsWebSocketUpgrade(t *testing.T) {
	l := New(1, 1)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Upgrade", "websocket")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareDeniesOverBurst(t *testing.T) {
	l := New(1, 1)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestClientIPPrefersForwardedForFromTrustedProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")

	require.Equal(t, "203.0.113.7", ClientIP(req))
}

func TestClientIPPrefersCFConnectingIPOverForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "172.17.0.3:5555"
	req.Header.Set("CF-Connecting-IP", "198.51.100.9")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	require.Equal(t, "198.51.100.9", ClientIP(req))
}

func TestClientIPIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.50:5555"
	req.Header.Set("X-Forwarded-For", "9.9.9.9")

	require.Equal(t, "203.0.113.50", ClientIP(req))
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	require.Equal(t, "10.0.0.1", ClientIP(req))
}

func TestMiddlewareSetsRetryAfterOnDeny(t *testing.T) {
	l := New(1, 1)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.RemoteAddr = "8.8.8.8:1234"

	handler.ServeHTTP(httptest.NewRecorder(), req)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, RetryAfterSeconds, rec.Header().Get("Retry-After"))
}
