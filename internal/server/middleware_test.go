package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcast/internal/observability/logging"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeadersDefaults(t *testing.T) {
	handler := securityHeadersMiddleware(SecurityConfig{}, okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/streams", nil))

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "media-src 'self'")
}

func TestSecurityHeadersCustomFrameAncestors(t *testing.T) {
	handler := securityHeadersMiddleware(SecurityConfig{FrameAncestors: "https://player.example.com"}, okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "frame-ancestors https://player.example.com")
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://Dashboard.Example.COM"}})
	require.NoError(t, err)
	handler := corsMiddleware(policy, nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/streams", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://dashboard.example.com"}})
	require.NoError(t, err)
	handler := corsMiddleware(policy, nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/streams", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORSAllowsSameOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	require.NoError(t, err)
	handler := corsMiddleware(policy, nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://media.example.com/api/streams", nil)
	req.Host = "media.example.com"
	req.Header.Set("Origin", "http://media.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://dashboard.example.com"}})
	require.NoError(t, err)
	handler := corsMiddleware(policy, nil, okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/channels", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
	assert.Equal(t, "Authorization", rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestCORSWithoutOriginPassesThrough(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	require.NoError(t, err)
	handler := corsMiddleware(policy, nil, okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/streams", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewCORSPolicyRejectsMalformedOrigin(t *testing.T) {
	_, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"not a url"}})
	assert.Error(t, err)
}

func TestRequestIDGeneratedAndPropagated(t *testing.T) {
	var seenID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = logging.RequestIDFromContext(r.Context())
	})
	handler := requestIDMiddlewareWithGenerator(func() string { return "generated-id" }, inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "generated-id", seenID)
	assert.Equal(t, "generated-id", rec.Header().Get("X-Request-Id"))
}

func TestRequestIDPassthrough(t *testing.T) {
	var seenID, seenKey string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = logging.RequestIDFromContext(r.Context())
		seenKey, _ = logging.StreamKeyFromContext(r.Context())
	})
	handler := requestIDMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "client-id")
	req.Header.Set("X-Stream-Key", "KEY1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "client-id", seenID)
	assert.Equal(t, "KEY1", seenKey)
	assert.Equal(t, "client-id", rec.Header().Get("X-Request-Id"))
}

func TestGlobalRateLimitRejectsBurstOverflow(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 1, GlobalBurst: 2})
	handler := rateLimitMiddleware(rl, okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/streams", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCaptureRateLimitIsPerIP(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{CaptureLimit: 1, CaptureWindow: time.Minute})
	handler := rateLimitMiddleware(rl, okHandler())

	capture := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/clips", nil)
		req.Header.Set("X-Real-IP", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, capture("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, capture("10.0.0.1"))
	assert.Equal(t, http.StatusOK, capture("10.0.0.2"), "other clients unaffected")

	// Non-capture traffic is unaffected by the capture budget.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clips", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterDisabledByZeroConfig(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		require.True(t, rl.AllowRequest())
	}
	allowed, _ := rl.AllowCapture("10.0.0.1")
	assert.True(t, allowed)
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{"remote addr with port", "192.0.2.10:5432", "", "", "192.0.2.10"},
		{"forwarded chain wins", "192.0.2.10:5432", "203.0.113.9, 10.0.0.1", "", "203.0.113.9"},
		{"real ip fallback", "192.0.2.10:5432", "", "203.0.113.7", "203.0.113.7"},
		{"bare host", "192.0.2.10", "", "", "192.0.2.10"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, extractClientIP(req))
		})
	}
}
