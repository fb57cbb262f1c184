package response

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/uwcirg/true-nth-usa-portal/internal/platform/auth"
	"github.com/uwcirg/true-nth-usa-portal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/questionnaire-responses", h.Submit)
	api.GET("/questionnaire-responses/:id", h.Get, auth.RequireRole(auth.RoleStaff))
	api.GET("/patients/:id/questionnaire-responses", h.ListForPatient, auth.RequireSelfOrRole("id", auth.RoleStaff))
}

// Submit stores a response. Patients may only submit for themselves.
func (h *Handler) Submit(c echo.Context) error {
	var qr QuestionnaireResponse
	if err := c.Bind(&qr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if sub, ok := auth.SubjectUUID(ctx); !ok || sub != qr.SubjectID {
		if !hasStaffRole(auth.RolesFromContext(ctx)) {
			return echo.NewHTTPError(http.StatusForbidden, "not permitted for this participant")
		}
	}
	qr.ID = uuid.Nil
	if err := h.svc.Submit(ctx, &qr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, qr)
}

func hasStaffRole(roles []string) bool {
	for _, r := range roles {
		if r == auth.RoleStaff || r == auth.RoleAdmin {
			return true
		}
	}
	return false
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	qr, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "questionnaire response not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, qr)
}

func (h *Handler) ListForPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
