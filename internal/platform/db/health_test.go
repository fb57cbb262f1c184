package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, checks map[string]Pinger) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(checks)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	return rec, body
}

func TestHealthHandler_AllHealthy(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	rec, body := runHealth(t, map[string]Pinger{"postgres": ok, "redis": ok})

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
}

func TestHealthHandler_OneFailing(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	bad := PingFunc(func(context.Context) error { return errors.New("connection refused") })
	rec, body := runHealth(t, map[string]Pinger{"postgres": ok, "redis": bad})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	checks := body["checks"].(map[string]interface{})
	if checks["redis"] != "connection refused" {
		t.Errorf("expected redis error surfaced, got %v", checks["redis"])
	}
	if checks["postgres"] != "ok" {
		t.Errorf("expected postgres ok, got %v", checks["postgres"])
	}
}

func TestNoTxRunner_RunsFn(t *testing.T) {
	called := false
	err := NoTxRunner{}.WithTx(context.Background(), func(ctx context.Context) error {
		called = true
		if TxFromContext(ctx) != nil {
			t.Error("expected no transaction in context")
		}
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected fn to run without error, called=%v err=%v", called, err)
	}
}
