package qbank_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank/qbanktest"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

func newHandler(f *qbanktest.Fixture) *qbank.Handler {
	seq := qbank.NewSequencer(f.Enrollments, f.Banks, f.Pins, zerolog.Nop())
	return qbank.NewHandler(qbank.NewService(f.Banks, seq, db.NoTxRunner{}))
}

func TestHandler_ListQBDs(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	h := newHandler(f)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?classification=baseline,recurring", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(f.UserID.String())

	if err := h.ListQBDs(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var views []qbank.View
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 8 || views[0].Visit != "Baseline" || views[7].Visit != "Month 30" {
		t.Fatalf("unexpected schedule: %+v", views)
	}
	if views[0].Expired == nil || views[0].Overdue == nil {
		t.Error("baseline visit should report its overdue and expiry instants")
	}
}

func TestHandler_ListQBDs_BadRequests(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	h := newHandler(f)
	e := echo.New()

	tests := []struct {
		name, id, query string
	}{
		{"bad id", "not-a-uuid", ""},
		{"bad classification", f.UserID.String(), "?classification=weekly"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/"+tt.query, nil), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			err := h.ListQBDs(c)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %v", err)
			}
		})
	}
}

func TestHandler_GetBankNotFound(t *testing.T) {
	f := qbanktest.NewFixture(trigger)
	h := newHandler(f)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("7f1c8d2e-0c55-4d6b-9a84-4b0f3c1f2a10")

	err := h.GetBank(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}
