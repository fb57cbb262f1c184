package timeline_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline"
)

func TestHandler_RefreshAndList(t *testing.T) {
	s := newStack()
	h := timeline.NewHandler(s.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(s.f.UserID.String())
	if err := h.Refresh(c); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(s.f.UserID.String())
	if err := h.List(c); err != nil {
		t.Fatalf("List: %v", err)
	}
	var entries []timeline.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) == 0 || entries[0].Status != timeline.StatusDue {
		t.Fatalf("unexpected timeline %+v", entries)
	}
}

func TestHandler_BadRequests(t *testing.T) {
	s := newStack()
	h := timeline.NewHandler(s.svc)
	e := echo.New()

	tests := []struct {
		name, id, query string
	}{
		{"bad id", "nope", ""},
		{"bad invalidate flag", s.f.UserID.String(), "?invalidate=maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/"+tt.query, nil)
			c := e.NewContext(req, httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			err := h.Refresh(c)
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %v", err)
			}
		})
	}
}
