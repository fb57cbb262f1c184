package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/uwcirg/true-nth-usa-portal/internal/platform/auth"
)

func newTestLimiter(burst int) (*RateLimiter, *time.Time) {
	l := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: burst, IdleTTL: time.Minute})
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func doRequest(mw echo.MiddlewareFunc, remote, subject string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remote
	if subject != "" {
		req = req.WithContext(auth.WithIdentity(context.Background(), subject, nil))
	}
	rec := httptest.NewRecorder()
	err := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(e.NewContext(req, rec))
	return rec, err
}

func isTooMany(err error) bool {
	var he *echo.HTTPError
	return errors.As(err, &he) && he.Code == http.StatusTooManyRequests
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	l, _ := newTestLimiter(3)
	mw := l.Middleware()
	for i := 0; i < 3; i++ {
		if _, err := doRequest(mw, "10.0.0.1:1234", ""); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
	rec, err := doRequest(mw, "10.0.0.1:1234", "")
	if !isTooMany(err) {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	l, now := newTestLimiter(1)
	mw := l.Middleware()
	if _, err := doRequest(mw, "10.0.0.1:1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := doRequest(mw, "10.0.0.1:1", ""); !isTooMany(err) {
		t.Fatalf("expected 429, got %v", err)
	}
	*now = now.Add(time.Second)
	if _, err := doRequest(mw, "10.0.0.1:1", ""); err != nil {
		t.Fatalf("expected refill after a second, got %v", err)
	}
}

func TestRateLimiter_KeysBySubjectThenAddress(t *testing.T) {
	l, _ := newTestLimiter(1)
	mw := l.Middleware()
	if _, err := doRequest(mw, "10.0.0.1:1", ""); err != nil {
		t.Fatal(err)
	}
	// Same address, authenticated: separate bucket.
	if _, err := doRequest(mw, "10.0.0.1:1", "user-a"); err != nil {
		t.Fatalf("subject bucket: %v", err)
	}
	if _, err := doRequest(mw, "10.0.0.2:1", "user-a"); !isTooMany(err) {
		t.Fatalf("expected subject to be limited across addresses, got %v", err)
	}
	if _, err := doRequest(mw, "10.0.0.3:1", ""); err != nil {
		t.Fatalf("other address: %v", err)
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	l, now := newTestLimiter(1)
	l.limiter("a")
	*now = now.Add(30 * time.Second)
	l.limiter("b")
	*now = now.Add(45 * time.Second)
	l.Sweep()
	if _, ok := l.clients["a"]; ok {
		t.Error("expected idle client to be swept")
	}
	if _, ok := l.clients["b"]; !ok {
		t.Error("expected recent client to be kept")
	}
}
