package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/rxscan/rxscan/internal/evaluator"
	"github.com/rxscan/rxscan/internal/platform/jobs"
)

// maxUploadBytes caps a claims export upload at 50 MB.
const maxUploadBytes = 50 << 20

type Handler struct {
	svc          *Service
	evaluator    *evaluator.Service
	lookbackDays int
}

func NewHandler(svc *Service, eval *evaluator.Service, lookbackDays int) *Handler {
	return &Handler{svc: svc, evaluator: eval, lookbackDays: lookbackDays}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/pharmacies/:id/ingest", h.IngestFile)
	api.GET("/pharmacies/:id/ingest-log", h.IngestHistory)
}

// IngestFile accepts a claims export as a multipart "file" part or as the raw
// request body, loads it, and kicks off trigger evaluation for the pharmacy in
// the background. The response carries the ingest summary; evaluation results
// land in the opportunity list.
func (h *Handler) IngestFile(c echo.Context) error {
	pharmacyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pharmacy id")
	}

	data, filename, err := readUpload(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(data) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty upload")
	}

	summary, err := h.svc.Ingest(c.Request().Context(), pharmacyID, data, filename)
	if err != nil {
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			return echo.NewHTTPError(http.StatusConflict, "this file is already being ingested")
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if summary.Processed > 0 && h.evaluator != nil {
		go func() {
			if _, err := h.evaluator.Scan(context.Background(), pharmacyID, h.lookbackDays); err != nil &&
				!errors.Is(err, jobs.ErrAlreadyRunning) {
				log.Error().Err(err).Str("pharmacy_id", pharmacyID.String()).Msg("post-ingest evaluation failed")
			}
		}()
	}
	return c.JSON(http.StatusOK, summary)
}

// IngestHistory lists a pharmacy's recent imports, newest first.
func (h *Handler) IngestHistory(c echo.Context) error {
	pharmacyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pharmacy id")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	entries, err := h.svc.History(c.Request().Context(), pharmacyID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

func readUpload(c echo.Context) (data []byte, filename string, err error) {
	if fh, err := c.FormFile("file"); err == nil {
		if fh.Size > maxUploadBytes {
			return nil, "", errors.New("upload exceeds 50MB limit")
		}
		src, err := fh.Open()
		if err != nil {
			return nil, "", err
		}
		defer src.Close()
		data, err := io.ReadAll(io.LimitReader(src, maxUploadBytes))
		if err != nil {
			return nil, "", err
		}
		return data, fh.Filename, nil
	}

	data, err = io.ReadAll(io.LimitReader(c.Request().Body, maxUploadBytes))
	if err != nil {
		return nil, "", err
	}
	filename = c.QueryParam("filename")
	if filename == "" {
		filename = "upload.csv"
	}
	return data, filename, nil
}
