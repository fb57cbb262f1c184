package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWith(subject string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), subject, roles))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequireRole_Allowed(t *testing.T) {
	c, rec := contextWith("u1", RoleStaff)
	if err := RequireRole(RoleStaff)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_AdminAlwaysAllowed(t *testing.T) {
	c, _ := contextWith("u1", RoleAdmin)
	if err := RequireRole(RoleStaff)(okHandler)(c); err != nil {
		t.Fatalf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	c, _ := contextWith("u1", RolePatient)
	expectStatus(t, RequireRole(RoleStaff)(okHandler)(c), http.StatusForbidden)
}

func TestRequireSelfOrRole(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		roles   []string
		param   string
		allowed bool
	}{
		{"own record", "p-1", []string{RolePatient}, "p-1", true},
		{"other patient", "p-2", []string{RolePatient}, "p-1", false},
		{"staff", "s-1", []string{RoleStaff}, "p-1", true},
		{"anonymous", "", nil, "p-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := contextWith(tt.subject, tt.roles...)
			c.SetParamNames("id")
			c.SetParamValues(tt.param)

			err := RequireSelfOrRole("id", RoleStaff)(okHandler)(c)
			if tt.allowed && err != nil {
				t.Fatalf("expected access, got %v", err)
			}
			if !tt.allowed {
				expectStatus(t, err, http.StatusForbidden)
			}
		})
	}
}
