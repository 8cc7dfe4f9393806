package submissions

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/multiforms/backend/internal/export"
	"github.com/multiforms/backend/internal/forms"
	"github.com/multiforms/backend/internal/middleware"
	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/pkg/queue"
	"github.com/multiforms/backend/pkg/response"
	"github.com/multiforms/backend/pkg/storage"
)

// SubmitEngine runs submission attempts. *Engine implements it.
type SubmitEngine interface {
	Submit(ctx context.Context, req Request) (Outcome, error)
}

// FormStore is the form access the handler needs. *forms.Repository implements it.
type FormStore interface {
	forms.Getter
	LoadSchema(ctx context.Context, id uuid.UUID) (*forms.Schema, error)
	LoadSchemaByShortID(ctx context.Context, shortID string) (*forms.Schema, error)
	IncrementViews(ctx context.Context, id uuid.UUID) error
}

// SubmissionStore is the submission access the handler needs. *Repository implements it.
type SubmissionStore interface {
	export.Source
	GetByID(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	List(ctx context.Context, formID uuid.UUID, p ListParams) ([]models.Submission, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ExportQueue accepts export jobs.
type ExportQueue interface {
	EnqueueExport(ctx context.Context, payload queue.ExportPayload) error
}

// ExportStatus records export job progress.
type ExportStatus interface {
	Save(ctx context.Context, j *export.Job) error
	Get(ctx context.Context, id string) (*export.Job, error)
}

// SubmitRequest is the body for POST /f/:shortId/submit.
type SubmitRequest struct {
	Answers         models.Answers `json:"answers" binding:"required"`
	DurationSeconds *int           `json:"duration_seconds" binding:"omitempty,min=0"`
	Password        string         `json:"password"`
	SessionID       string         `json:"session_id" binding:"omitempty,max=128"`
}

// PasswordRequest is the body for POST /f/:shortId/verify-password.
type PasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

// ExportRequest is the optional body for POST /forms/:id/exports.
type ExportRequest struct {
	Format string `json:"format"`
}

// PublicView is what respondents see at GET /f/:shortId.
type PublicView struct {
	models.PublicForm
	Status    models.FormStatus `json:"status"`
	Accepting bool              `json:"accepting"`
}

// Handler handles respondent and submission management endpoints.
type Handler struct {
	engine      SubmitEngine
	forms       FormStore
	subs        SubmissionStore
	stats       forms.StatsInvalidator
	exports     ExportQueue
	status      ExportStatus
	inlineLimit int
	logger      *zap.Logger
	now         func() time.Time
}

// NewHandler creates a submissions handler.
func NewHandler(engine SubmitEngine, formsRepo FormStore, subs SubmissionStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, forms: formsRepo, subs: subs, logger: logger, now: time.Now}
}

// WithStats sets the cache invalidated when a submission is deleted.
func (h *Handler) WithStats(inv forms.StatsInvalidator) *Handler {
	h.stats = inv
	return h
}

// WithExports enables asynchronous exports. inlineLimit caps GET /forms/:id/export; zero means no cap.
func (h *Handler) WithExports(q ExportQueue, status ExportStatus, inlineLimit int) *Handler {
	h.exports = q
	h.status = status
	h.inlineLimit = inlineLimit
	return h
}

// publicSchema loads a form by short id. Drafts are invisible to respondents.
func (h *Handler) publicSchema(c *gin.Context) *forms.Schema {
	s, err := h.forms.LoadSchemaByShortID(c.Request.Context(), c.Param("shortId"))
	if errors.Is(err, forms.ErrNotFound) || (err == nil && s.Form.Status == models.FormStatusDraft) {
		response.NotFound(c, "form not found")
		return nil
	}
	if err != nil {
		h.logger.Error("load public form failed", zap.String("short_id", c.Param("shortId")), zap.Error(err))
		response.Internal(c, "failed to load form")
		return nil
	}
	return s
}

// GetPublic handles GET /f/:shortId and counts a view while the form accepts responses.
func (h *Handler) GetPublic(c *gin.Context) {
	s := h.publicSchema(c)
	if s == nil {
		return
	}
	f := s.Form
	now := h.now()
	accepting := checkStatus(f, now) == nil && checkExpiry(f, now) == nil && checkQuota(f) == nil
	if accepting {
		if err := h.forms.IncrementViews(c.Request.Context(), f.ID); err != nil {
			h.logger.Warn("increment views failed", zap.String("form_id", f.ID.String()), zap.Error(err))
		}
	}
	response.OK(c, PublicView{PublicForm: s.Public(), Status: f.Status, Accepting: accepting})
}

// VerifyPassword handles POST /f/:shortId/verify-password.
func (h *Handler) VerifyPassword(c *gin.Context) {
	var req PasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s := h.publicSchema(c)
	if s == nil {
		return
	}
	if !VerifyPassword(s.Form, req.Password) {
		response.Unauthorized(c, "incorrect password")
		return
	}
	response.OK(c, gin.H{"valid": true})
}

// Submit handles POST /f/:shortId/submit.
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	session := c.GetHeader(middleware.SessionHeader)
	if session == "" {
		session = req.SessionID
	}
	if session == "" {
		session = uuid.NewString()
	}
	r := Request{
		ShortID:         c.Param("shortId"),
		SessionID:       session,
		Password:        req.Password,
		Answers:         req.Answers,
		DurationSeconds: req.DurationSeconds,
		IP:              c.ClientIP(),
		UserAgent:       c.Request.UserAgent(),
	}
	if who, ok := middleware.CurrentIdentity(c); ok {
		uid := who.UserID
		r.UserID = &uid
		r.Email = who.Email
	}

	out, err := h.engine.Submit(c.Request.Context(), r)
	if errors.Is(err, ErrPersistence) {
		response.ServiceUnavailable(c, "submission could not be saved, please retry")
		return
	}
	if err != nil {
		h.logger.Error("submit failed", zap.String("short_id", r.ShortID), zap.Error(err))
		response.Internal(c, "submission failed")
		return
	}
	if rej := out.Rejection; rej != nil {
		response.Rejected(c, response.Rejection{
			Reason:     string(rej.Reason),
			QuestionID: rej.QuestionID,
			Validation: string(rej.Validation),
			Detail:     rej.Detail,
		})
		return
	}
	response.Created(c, gin.H{
		"submission_id":  out.Submission.ID,
		"response_count": out.ResponseCount,
		"session_id":     session,
	})
}

// List handles GET /forms/:id/submissions.
func (h *Handler) List(c *gin.Context) {
	f := forms.Owned(c, h.forms)
	if f == nil {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	p := ListParams{
		Page:     page,
		PageSize: pageSize,
		SortBy:   c.DefaultQuery("sort_by", "created_at"),
		Desc:     c.DefaultQuery("order", "desc") != "asc",
	}
	list, total, err := h.subs.List(c.Request.Context(), f.ID, p)
	if err != nil {
		h.logger.Error("list submissions failed", zap.String("form_id", f.ID.String()), zap.Error(err))
		response.Internal(c, "failed to list submissions")
		return
	}
	response.OK(c, gin.H{"submissions": list, "total": total, "page": page, "page_size": pageSize})
}

// owned loads the submission named by :id and checks the caller manages its form.
func (h *Handler) owned(c *gin.Context) *models.Submission {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid submission id")
		return nil
	}
	if _, ok := middleware.CurrentIdentity(c); !ok {
		response.Unauthorized(c, "authentication required")
		return nil
	}
	sub, err := h.subs.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "submission not found")
		return nil
	}
	if err != nil {
		response.Internal(c, "failed to load submission")
		return nil
	}
	if forms.OwnedByID(c, h.forms, sub.FormID) == nil {
		return nil
	}
	return sub
}

// Get handles GET /submissions/:id.
func (h *Handler) Get(c *gin.Context) {
	if sub := h.owned(c); sub != nil {
		response.OK(c, sub)
	}
}

// Delete handles DELETE /submissions/:id.
func (h *Handler) Delete(c *gin.Context) {
	sub := h.owned(c)
	if sub == nil {
		return
	}
	ctx := c.Request.Context()
	if err := h.subs.Delete(ctx, sub.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "submission not found")
			return
		}
		response.Internal(c, "failed to delete submission")
		return
	}
	if h.stats != nil {
		if err := h.stats.Invalidate(ctx, sub.FormID); err != nil {
			h.logger.Warn("stats invalidation failed", zap.String("form_id", sub.FormID.String()), zap.Error(err))
		}
	}
	h.logger.Info("submission deleted", zap.String("submission_id", sub.ID.String()), zap.String("form_id", sub.FormID.String()))
	response.NoContent(c)
}

// Export handles GET /forms/:id/export?format=csv|json and streams the file.
func (h *Handler) Export(c *gin.Context) {
	f := forms.Owned(c, h.forms)
	if f == nil {
		return
	}
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if h.inlineLimit > 0 && f.ResponseCount > h.inlineLimit {
		response.TooLarge(c, "too many responses to export inline; use POST /forms/:id/exports")
		return
	}
	ctx := c.Request.Context()
	s, err := h.forms.LoadSchema(ctx, f.ID)
	if err != nil {
		response.Internal(c, "failed to load form")
		return
	}

	c.Header("Content-Type", storage.ContentTypeForFormat(format))
	c.Header("Content-Disposition", `attachment; filename="`+export.Filename(*f, format, h.now())+`"`)
	c.Status(http.StatusOK)
	n, err := export.Write(ctx, h.subs, f.ID, s.Questions, c.Writer, format)
	if err != nil {
		// Headers are gone; the client sees a truncated file.
		h.logger.Error("inline export failed", zap.String("form_id", f.ID.String()), zap.Int("rows", n), zap.Error(err))
		return
	}
	h.logger.Info("inline export", zap.String("form_id", f.ID.String()), zap.String("format", format), zap.Int("rows", n))
}

// CreateExport handles POST /forms/:id/exports.
func (h *Handler) CreateExport(c *gin.Context) {
	if h.exports == nil || h.status == nil {
		response.ServiceUnavailable(c, "asynchronous export is not configured")
		return
	}
	var req ExportRequest
	_ = c.ShouldBindJSON(&req)
	if req.Format == "" {
		req.Format = c.Query("format")
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	f := forms.Owned(c, h.forms)
	if f == nil {
		return
	}
	who, _ := middleware.CurrentIdentity(c)
	ctx := c.Request.Context()
	now := h.now()
	job := &export.Job{
		ID:          uuid.NewString(),
		FormID:      f.ID,
		Format:      format,
		State:       export.JobPending,
		RequestedBy: who.UserID,
		CreatedAt:   now,
	}
	if err := h.status.Save(ctx, job); err != nil {
		h.logger.Error("save export job failed", zap.Error(err))
		response.ServiceUnavailable(c, "export could not be queued")
		return
	}
	payload := queue.ExportPayload{JobID: job.ID, FormID: f.ID, Format: format, RequestedBy: who.UserID}
	if err := h.exports.EnqueueExport(ctx, payload); err != nil {
		h.logger.Error("enqueue export failed", zap.String("job_id", job.ID), zap.Error(err))
		job.State = export.JobFailed
		job.Error = "could not be queued"
		_ = h.status.Save(ctx, job)
		response.ServiceUnavailable(c, "export could not be queued")
		return
	}
	response.Accepted(c, job)
}

// GetExport handles GET /exports/:jobId. Only the requester or an admin may read it.
func (h *Handler) GetExport(c *gin.Context) {
	if h.status == nil {
		response.NotFound(c, "export job not found")
		return
	}
	who, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}
	job, err := h.status.Get(c.Request.Context(), c.Param("jobId"))
	if errors.Is(err, export.ErrJobNotFound) {
		response.NotFound(c, "export job not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load export job")
		return
	}
	if job.RequestedBy != who.UserID && !who.IsAdmin() {
		response.Forbidden(c, "you do not have access to this export")
		return
	}
	response.OK(c, job)
}
