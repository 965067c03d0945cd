package coverage

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rxscan/rxscan/internal/platform/jobs"
)

type Handler struct {
	svc  *Service
	opts Options
}

// NewHandler serves the on-demand coverage scan. opts are the configured
// defaults; a request body can override them per run.
func NewHandler(svc *Service, opts Options) *Handler {
	return &Handler{svc: svc, opts: opts}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/jobs/scan-coverage", h.RunScan)
}

type scanRequest struct {
	MinClaims    int     `json:"min_claims"`
	DaysBack     int     `json:"days_back"`
	MinMargin    float64 `json:"min_margin"`
	DMEMinMargin float64 `json:"dme_min_margin"`
}

// RunScan executes a full coverage scan synchronously and returns the report.
// A scan already in flight yields 409.
func (h *Handler) RunScan(c echo.Context) error {
	opts := h.opts
	var req scanRequest
	if err := c.Bind(&req); err == nil {
		if req.MinClaims > 0 {
			opts.MinClaims = req.MinClaims
		}
		if req.DaysBack > 0 {
			opts.DaysBack = req.DaysBack
		}
		if req.MinMargin > 0 {
			opts.MinMargin = req.MinMargin
		}
		if req.DMEMinMargin > 0 {
			opts.DMEMinMargin = req.DMEMinMargin
		}
	}

	report, err := h.svc.ScanAll(c.Request().Context(), opts)
	if err != nil {
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			return echo.NewHTTPError(http.StatusConflict, "a coverage scan is already running")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}
