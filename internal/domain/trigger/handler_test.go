package trigger_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/trigger"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/auth"
	"github.com/uwcirg/true-nth-usa-portal/pkg/pagination"
)

func staffContext(method, body, id string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), "staff-1", []string{auth.RoleStaff}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func TestHandler_GetAndInitiate(t *testing.T) {
	e := newEnv(t)
	h := trigger.NewHandler(e.svc)

	c, rec := staffContext(http.MethodGet, "", e.userID.String())
	if err := h.Get(c); err != nil {
		t.Fatalf("Get: %v", err)
	}
	var ts trigger.TriggerState
	if err := json.Unmarshal(rec.Body.Bytes(), &ts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ts.State != trigger.StateUnstarted {
		t.Fatalf("expected unstarted, got %s", ts.State)
	}

	c, rec = staffContext(http.MethodPost, "", e.userID.String())
	if err := h.Initiate(c); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ts.State != trigger.StateDue {
		t.Fatalf("expected due, got %s", ts.State)
	}
}

func TestHandler_ResolveConflict(t *testing.T) {
	e := newEnv(t)
	h := trigger.NewHandler(e.svc)

	c, _ := staffContext(http.MethodPost, `{"note":"done"}`, e.userID.String())
	err := h.Resolve(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestHandler_History(t *testing.T) {
	e := newEnv(t)
	h := trigger.NewHandler(e.svc)
	e.submit(t, trigger.DefaultInstrument, "completed", alertAt.Add(-48*time.Hour), painItems(1)...)

	c, rec := staffContext(http.MethodGet, "", e.userID.String())
	if err := h.History(c); err != nil {
		t.Fatalf("History: %v", err)
	}
	var resp pagination.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 {
		t.Errorf("expected 3 rows, got %d", resp.Total)
	}
}

func TestHandler_BadID(t *testing.T) {
	h := trigger.NewHandler(newEnv(t).svc)
	c, _ := staffContext(http.MethodGet, "", "nope")
	he, ok := h.Get(c).(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", he)
	}
}
