package assessment

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/uwcirg/true-nth-usa-portal/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:id/assessment-status", h.GetStatus, auth.RequireSelfOrRole("id", auth.RoleStaff))

	admin := api.Group("/admin/status-cache", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/epoch", h.GetEpoch)
	admin.POST("/epoch", h.AdvanceEpoch)
}

// GetStatus answers as of ?as_of= (RFC 3339), or from the cache epoch when
// omitted.
func (h *Handler) GetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()

	var sum *Summary
	if raw := c.QueryParam("as_of"); raw != "" {
		asOf, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "as_of must be an RFC 3339 timestamp")
		}
		sum, err = h.svc.Summary(ctx, id, asOf)
	} else {
		sum, err = h.svc.CachedSummary(ctx, id)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sum)
}

type epochView struct {
	Epoch      time.Time `json:"epoch"`
	MinutesOld int       `json:"minutes_old"`
}

func (h *Handler) GetEpoch(c echo.Context) error {
	ep, err := h.svc.CurrentEpoch(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, epochView{Epoch: ep.At, MinutesOld: ep.MinutesOld(time.Now())})
}

type advanceRequest struct {
	To *time.Time `json:"to"`
}

func (h *Handler) AdvanceEpoch(c echo.Context) error {
	var req advanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var to time.Time
	if req.To != nil {
		to = *req.To
	}
	ep, err := h.svc.AdvanceEpoch(c.Request().Context(), to)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, epochView{Epoch: ep.At})
}
