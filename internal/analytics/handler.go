package analytics

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/multiforms/backend/internal/forms"
	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/pkg/response"
)

// FormReader is the form lookup the stats endpoints need.
type FormReader interface {
	forms.Getter
	GetByShortID(ctx context.Context, shortID string) (*models.Form, error)
}

// Handler serves form statistics.
type Handler struct {
	service *Service
	forms   FormReader
	logger  *zap.Logger
}

// NewHandler creates an analytics handler.
func NewHandler(service *Service, formsRepo FormReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, forms: formsRepo, logger: logger}
}

// Stats handles GET /forms/:id/stats?range=7d|30d|90d|1y|all&from=&to=&granularity=day|week|month.
func (h *Handler) Stats(c *gin.Context) {
	form := forms.Owned(c, h.forms)
	if form == nil {
		return
	}
	g, err := ParseGranularity(c.Query("granularity"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	q := RangeQuery{Range: c.Query("range"), From: c.Query("from"), To: c.Query("to")}
	st, err := h.service.Stats(c.Request.Context(), *form, q, g)
	if errors.Is(err, ErrInvalidRange) || errors.Is(err, ErrInvalidDate) || errors.Is(err, ErrEmptyRange) || errors.Is(err, ErrRangeTooWide) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("stats failed", zap.String("form_id", form.ID.String()), zap.Error(err))
		response.Internal(c, "failed to compute stats")
		return
	}
	response.OK(c, st)
}

// Results handles GET /f/:shortId/results. Only forms that opted into public results answer.
func (h *Handler) Results(c *gin.Context) {
	form, err := h.forms.GetByShortID(c.Request.Context(), c.Param("shortId"))
	if errors.Is(err, forms.ErrNotFound) || (err == nil && form.Status == models.FormStatusDraft) {
		response.NotFound(c, "form not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load form")
		return
	}
	if !form.ShowResults {
		response.Forbidden(c, "results are not public for this form")
		return
	}
	qs, err := h.service.Results(c.Request.Context(), *form)
	if err != nil {
		h.logger.Error("public results failed", zap.String("form_id", form.ID.String()), zap.Error(err))
		response.Internal(c, "failed to compute results")
		return
	}
	response.OK(c, gin.H{"form_id": form.ID, "title": form.Title, "total_responses": form.ResponseCount, "questions": qs})
}
