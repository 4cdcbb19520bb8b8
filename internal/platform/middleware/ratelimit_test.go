package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pickmylab/dispatch/internal/platform/auth"
)

func rateLimitedHandler(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func send(e *echo.Echo, h echo.HandlerFunc, ip, user string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	if user != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), user, auth.RoleOps))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	h := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec, err := send(e, h, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	h := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := send(e, h, "10.0.0.1", ""); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}
	rec, err := send(e, h, "10.0.0.1", "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_SeparateKeys(t *testing.T) {
	e := echo.New()
	h := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := send(e, h, "10.0.0.1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := send(e, h, "10.0.0.2", ""); err != nil {
		t.Errorf("second IP should have its own bucket, got %v", err)
	}
	// Authenticated callers are keyed by user, not by shared IP.
	if _, err := send(e, h, "10.0.0.1", "phl-1"); err != nil {
		t.Errorf("user bucket should be independent of IP, got %v", err)
	}
	if _, err := send(e, h, "10.0.0.1", ""); err == nil {
		t.Error("expected the first IP to be limited")
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	e := echo.New()
	h := rateLimitedHandler(RateLimitConfig{})
	for i := 0; i < 20; i++ {
		if _, err := send(e, h, "10.0.0.1", ""); err != nil {
			t.Fatalf("request %d limited with limiting disabled: %v", i+1, err)
		}
	}
}

func TestLimiterStore_EvictsIdle(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.get("a")
	s.get("b")
	now = now.Add(2 * time.Minute)
	s.get("c")
	if n := s.size(); n != 1 {
		t.Errorf("expected idle clients evicted, %d remain", n)
	}
}
