package forms

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/multiforms/backend/internal/middleware"
	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/internal/questions"
	"github.com/multiforms/backend/pkg/response"
	"github.com/multiforms/backend/pkg/utils"
)

// Store is the persistence the handler needs. *Repository implements it.
type Store interface {
	Getter
	Create(ctx context.Context, s *Schema) error
	LoadSchema(ctx context.Context, id uuid.UUID) (*Schema, error)
	List(ctx context.Context, f ListFilter) ([]models.Form, int, error)
	Update(ctx context.Context, id uuid.UUID, fn func(s *Schema) error) (*Schema, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ShortIDExists(ctx context.Context, shortID string) (bool, error)
}

// ExpiryScheduler arranges for a published form to close at its deadline.
type ExpiryScheduler interface {
	Schedule(ctx context.Context, form models.Form) error
	Cancel(ctx context.Context, formID uuid.UUID) error
}

// StatsInvalidator drops cached statistics for a form.
type StatsInvalidator interface {
	Invalidate(ctx context.Context, formID uuid.UUID) error
}

// QuestionRequest is one question in a create or add-question body.
type QuestionRequest struct {
	ID         string                    `json:"id"`
	Text       string                    `json:"question_text" binding:"required"`
	Type       models.QuestionType       `json:"question_type" binding:"required,question_type"`
	Options    models.QuestionOptions    `json:"options"`
	Validation models.QuestionValidation `json:"validation"`
}

func (r QuestionRequest) question() models.Question {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	return models.Question{ID: id, Text: r.Text, Type: r.Type, Options: r.Options, Validation: r.Validation}
}

// SettingsRequest is the body for PATCH /forms/:id. Absent fields are unchanged.
type SettingsRequest struct {
	Title          *string            `json:"title" binding:"omitempty,min=1,max=200"`
	Description    *string            `json:"description"`
	Type           *models.FormKind   `json:"type"`
	AccessType     *models.AccessType `json:"access_type" binding:"omitempty,access_type"`
	Password       *string            `json:"password" binding:"omitempty,min=4"`
	AllowedEmails  []string           `json:"allowed_emails" binding:"omitempty,dive,email"`
	MaxResponses   *int               `json:"max_responses"`
	MaxPerUser     *int               `json:"max_per_user"`
	ExpiresAt      *time.Time         `json:"expires_at"`
	ClearExpiresAt bool               `json:"clear_expires_at"`
	ShowResults    *bool              `json:"show_results"`
}

// CreateRequest is the body for POST /forms.
type CreateRequest struct {
	SettingsRequest
	Title     string            `json:"title" binding:"required,min=1,max=200"`
	Questions []QuestionRequest `json:"questions" binding:"dive"`
}

// OrderRequest is the body for PUT /forms/:id/questions/order.
type OrderRequest struct {
	Order []string `json:"order" binding:"required"`
}

// Handler handles creator-facing form endpoints.
type Handler struct {
	store      Store
	expiry     ExpiryScheduler
	stats      StatsInvalidator
	shortIDLen int
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates a forms handler. expiry and stats may be nil.
func NewHandler(store Store, expiry ExpiryScheduler, stats StatsInvalidator, shortIDLen int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, expiry: expiry, stats: stats, shortIDLen: shortIDLen, logger: logger, now: time.Now}
}

func (h *Handler) settings(req SettingsRequest) (Settings, error) {
	p := Settings{
		Title:         req.Title,
		Description:   req.Description,
		Kind:          req.Type,
		AccessType:    req.AccessType,
		AllowedEmails: req.AllowedEmails,
		MaxResponses:  req.MaxResponses,
		MaxPerUser:    req.MaxPerUser,
		ExpiresAt:     req.ExpiresAt,
		ClearExpiry:   req.ClearExpiresAt,
		ShowResults:   req.ShowResults,
	}
	if req.Password != nil {
		hash, err := utils.HashPassword(*req.Password)
		if err != nil {
			return p, err
		}
		p.PasswordHash = &hash
	}
	return p, nil
}

// writeError maps schema and lifecycle errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var schemaErr *questions.SchemaError
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "form not found")
	case errors.Is(err, ErrQuestionNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrFormClosed), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDuplicateQuestion):
		response.Conflict(c, err.Error())
	case errors.As(err, &schemaErr),
		errors.Is(err, ErrEmptyForm),
		errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrInvalidLimit),
		errors.Is(err, ErrPasswordRequired):
		response.BadRequest(c, err.Error())
	default:
		h.logger.Error("form operation failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "form operation failed")
	}
}

// changed runs the side effects that follow every committed change to a form.
func (h *Handler) changed(ctx context.Context, f models.Form) {
	if h.stats != nil {
		if err := h.stats.Invalidate(ctx, f.ID); err != nil {
			h.logger.Warn("stats invalidation failed", zap.String("form_id", f.ID.String()), zap.Error(err))
		}
	}
	if h.expiry != nil {
		if err := h.expiry.Schedule(ctx, f); err != nil {
			h.logger.Warn("expiry schedule failed", zap.String("form_id", f.ID.String()), zap.Error(err))
		}
	}
}

// mutate checks ownership, applies fn under the form lock and runs the change hooks.
// On failure it writes the response and returns nil.
func (h *Handler) mutate(c *gin.Context, fn func(s *Schema) error) *Schema {
	f := Owned(c, h.store)
	if f == nil {
		return nil
	}
	s, err := h.store.Update(c.Request.Context(), f.ID, fn)
	if err != nil {
		h.writeError(c, err)
		return nil
	}
	h.changed(c.Request.Context(), s.Form)
	return s
}

func detail(s *Schema) gin.H {
	return gin.H{"form": s.Form, "questions": s.Questions}
}

// Create handles POST /forms.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	who, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}
	s := &Schema{Form: models.Form{
		ID:         uuid.New(),
		OwnerID:    who.UserID,
		Kind:       models.FormKindSurvey,
		Status:     models.FormStatusDraft,
		AccessType: models.AccessPublic,
	}}
	req.SettingsRequest.Title = &req.Title
	p, err := h.settings(req.SettingsRequest)
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}
	if err := s.ApplySettings(p); err != nil {
		h.writeError(c, err)
		return
	}
	for _, qr := range req.Questions {
		if _, err := s.AddQuestion(qr.question()); err != nil {
			h.writeError(c, err)
			return
		}
	}
	shortID, err := h.create(c.Request.Context(), s)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("form created", zap.String("form_id", s.Form.ID.String()), zap.String("short_id", shortID))
	response.Created(c, detail(s))
}

// List handles GET /forms. Creators see their own forms; admins see all, or one owner's with ?owner_id=.
func (h *Handler) List(c *gin.Context) {
	who, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
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
	filter := ListFilter{Status: models.FormStatus(c.Query("status")), Page: page, PageSize: pageSize}
	switch {
	case !who.IsAdmin():
		filter.OwnerID = &who.UserID
	case c.Query("owner_id") != "":
		owner, err := uuid.Parse(c.Query("owner_id"))
		if err != nil {
			response.BadRequest(c, "invalid owner_id")
			return
		}
		filter.OwnerID = &owner
	}
	list, total, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, gin.H{"forms": list, "total": total, "page": page, "page_size": pageSize})
}

// Get handles GET /forms/:id.
func (h *Handler) Get(c *gin.Context) {
	f := Owned(c, h.store)
	if f == nil {
		return
	}
	s, err := h.store.LoadSchema(c.Request.Context(), f.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, detail(s))
}

// UpdateSettings handles PATCH /forms/:id.
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.settings(req)
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}
	s := h.mutate(c, func(s *Schema) error { return s.ApplySettings(p) })
	if s == nil {
		return
	}
	response.OK(c, detail(s))
}

// Delete handles DELETE /forms/:id.
func (h *Handler) Delete(c *gin.Context) {
	f := Owned(c, h.store)
	if f == nil {
		return
	}
	ctx := c.Request.Context()
	if err := h.store.Delete(ctx, f.ID); err != nil {
		h.writeError(c, err)
		return
	}
	if h.expiry != nil {
		if err := h.expiry.Cancel(ctx, f.ID); err != nil {
			h.logger.Warn("expiry cancel failed", zap.String("form_id", f.ID.String()), zap.Error(err))
		}
	}
	if h.stats != nil {
		_ = h.stats.Invalidate(ctx, f.ID)
	}
	h.logger.Info("form deleted", zap.String("form_id", f.ID.String()))
	response.NoContent(c)
}

// Publish handles POST /forms/:id/publish.
func (h *Handler) Publish(c *gin.Context) {
	now := h.now()
	s := h.mutate(c, func(s *Schema) error { return s.Publish(now) })
	if s == nil {
		return
	}
	h.logger.Info("form published", zap.String("form_id", s.Form.ID.String()))
	response.OK(c, s.Form)
}

// Close handles POST /forms/:id/close.
func (h *Handler) Close(c *gin.Context) {
	s := h.mutate(c, func(s *Schema) error { return s.Close() })
	if s == nil {
		return
	}
	response.OK(c, s.Form)
}

// Duplicate handles POST /forms/:id/duplicate.
func (h *Handler) Duplicate(c *gin.Context) {
	f := Owned(c, h.store)
	if f == nil {
		return
	}
	who, _ := middleware.CurrentIdentity(c)
	ctx := c.Request.Context()
	src, err := h.store.LoadSchema(ctx, f.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	dup := src.Duplicate(uuid.New(), "", who.UserID)
	if _, err := h.create(ctx, dup); err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, detail(dup))
}

// create stores s under a freshly allocated short id.
func (h *Handler) create(ctx context.Context, s *Schema) (string, error) {
	return CreateWithShortID(ctx, h.shortIDLen, h.store.ShortIDExists, func(shortID string) error {
		s.Form.ShortID = shortID
		return h.store.Create(ctx, s)
	})
}

// AddQuestion handles POST /forms/:id/questions.
func (h *Handler) AddQuestion(c *gin.Context) {
	var req QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	var added models.Question
	s := h.mutate(c, func(s *Schema) error {
		var err error
		added, err = s.AddQuestion(req.question())
		return err
	})
	if s == nil {
		return
	}
	response.Created(c, added)
}

// UpdateQuestion handles PUT /forms/:id/questions/:questionId.
func (h *Handler) UpdateQuestion(c *gin.Context) {
	var req QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	req.ID = c.Param("questionId")
	var updated models.Question
	s := h.mutate(c, func(s *Schema) error {
		var err error
		updated, err = s.UpdateQuestion(req.question())
		return err
	})
	if s == nil {
		return
	}
	response.OK(c, updated)
}

// DeleteQuestion handles DELETE /forms/:id/questions/:questionId.
func (h *Handler) DeleteQuestion(c *gin.Context) {
	id := c.Param("questionId")
	if s := h.mutate(c, func(s *Schema) error { return s.RemoveQuestion(id) }); s == nil {
		return
	}
	response.NoContent(c)
}

// Reorder handles PUT /forms/:id/questions/order.
func (h *Handler) Reorder(c *gin.Context) {
	var req OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s := h.mutate(c, func(s *Schema) error { return s.Reorder(req.Order) })
	if s == nil {
		return
	}
	response.OK(c, s.Questions)
}
