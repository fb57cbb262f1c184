package research

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
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
	readGroup := api.Group("", auth.RequireRole(auth.RoleStaff))
	readGroup.GET("/research-protocols", h.ListProtocols)
	readGroup.GET("/research-protocols/:id", h.GetProtocol)

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/research-protocols", h.CreateProtocol)

	api.GET("/patients/:id/enrollment", h.GetEnrollment, auth.RequireSelfOrRole("id", auth.RoleStaff))
	api.PUT("/patients/:id/enrollment", h.SetEnrollment, auth.RequireRole(auth.RoleStaff))
}

func (h *Handler) CreateProtocol(c echo.Context) error {
	var p ResearchProtocol
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateProtocol(c.Request().Context(), &p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProtocol(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetProtocol(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "research protocol not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListProtocols(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListProtocols(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetEnrollment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.GetEnrollment(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "enrollment not found")
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) SetEnrollment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var e Enrollment
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e.UserID = id
	if err := h.svc.SetEnrollment(c.Request().Context(), &e); err != nil {
		if errors.Is(err, qbank.ErrConfiguration) {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}
