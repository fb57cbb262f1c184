package trigger

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
	g := api.Group("/patients/:id", auth.RequireRole(auth.RoleStaff))
	g.GET("/trigger-state", h.Get)
	g.GET("/trigger-history", h.History)
	g.POST("/trigger-state/initiate", h.Initiate)
	g.POST("/trigger-state/resolve", h.Resolve)
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ts, err := h.svc.UsersTriggerState(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ts)
}

func (h *Handler) History(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Initiate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ts, err := h.svc.Initiate(c.Request().Context(), id)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, ts)
}

func (h *Handler) Resolve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	var author *uuid.UUID
	if sub, ok := auth.SubjectUUID(ctx); ok {
		author = &sub
	}
	ts, err := h.svc.Resolve(ctx, id, author, req.Note)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, ts)
}

func transitionError(err error) error {
	if errors.Is(err, ErrTransitionNotAllowed) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
