package opportunity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rxscan/rxscan/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/opportunities", h.ListOpportunities)
	api.GET("/opportunities/:id", h.GetOpportunity)
	api.GET("/opportunities/:id/audit", h.GetAuditTrail)
	api.POST("/opportunities/:id/status", h.TransitionStatus)
	api.DELETE("/opportunities/:id", h.DeleteOpportunity)
}

func (h *Handler) ListOpportunities(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status:   c.QueryParam("status"),
		Priority: c.QueryParam("priority"),
		Limit:    pg.Limit,
		Offset:   pg.Offset,
	}
	if v := c.QueryParam("pharmacy_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid pharmacy_id")
		}
		f.PharmacyID = id
	}
	items, total, err := h.svc.List(c.Request().Context(), f)
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetOpportunity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "opportunity not found")
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) GetAuditTrail(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	trail, err := h.svc.AuditTrail(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "opportunity not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, trail)
}

type transitionRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *Handler) TransitionStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Transition(c.Request().Context(), id, req.Status, req.Actor, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "opportunity not found")
		case errors.Is(err, ErrInvalidStatus):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) DeleteOpportunity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "opportunity not found")
		case errors.Is(err, ErrProtected):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.NoContent(http.StatusNoContent)
}
