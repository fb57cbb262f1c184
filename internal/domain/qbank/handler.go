package qbank

import (
	"errors"
	"net/http"
	"strings"

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
	read := api.Group("", auth.RequireRole(auth.RoleStaff))
	read.GET("/questionnaire-banks", h.ListBanks)
	read.GET("/questionnaire-banks/:id", h.GetBank)
	read.GET("/research-protocols/:id/questionnaire-banks", h.ListProtocolBanks)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.POST("/questionnaire-banks", h.CreateBank)

	api.GET("/patients/:id/qbds", h.ListQBDs, auth.RequireSelfOrRole("id", auth.RoleStaff))
}

func (h *Handler) CreateBank(c echo.Context) error {
	var b QuestionnaireBank
	if err := c.Bind(&b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateBank(c.Request().Context(), &b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBank(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.svc.GetBank(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "questionnaire bank not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBanks(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListBanks(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListProtocolBanks(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListProtocolBanks(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// ListQBDs returns the user's visit schedule. classification accepts a
// comma separated list.
func (h *Handler) ListQBDs(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var classes []Classification
	if raw := c.QueryParam("classification"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			cl, err := ParseClassification(strings.TrimSpace(part))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			classes = append(classes, cl)
		}
	}
	qbds, err := h.svc.OrderedQBDs(c.Request().Context(), id, classes...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]View, 0, len(qbds))
	for _, q := range qbds {
		views = append(views, q.View())
	}
	return c.JSON(http.StatusOK, views)
}
