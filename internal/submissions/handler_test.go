package submissions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiforms/backend/internal/export"
	"github.com/multiforms/backend/internal/forms"
	"github.com/multiforms/backend/internal/middleware"
	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/pkg/queue"
	"github.com/multiforms/backend/pkg/utils"
)

type stubEngine struct {
	out Outcome
	err error
	got Request
}

func (s *stubEngine) Submit(_ context.Context, req Request) (Outcome, error) {
	s.got = req
	return s.out, s.err
}

type formFixtures struct {
	schemas map[uuid.UUID]*forms.Schema
	views   map[uuid.UUID]int
}

func newFormFixtures(schemas ...*forms.Schema) *formFixtures {
	f := &formFixtures{schemas: map[uuid.UUID]*forms.Schema{}, views: map[uuid.UUID]int{}}
	for _, s := range schemas {
		f.schemas[s.Form.ID] = s
	}
	return f
}

func (f *formFixtures) GetByID(_ context.Context, id uuid.UUID) (*models.Form, error) {
	s, ok := f.schemas[id]
	if !ok {
		return nil, forms.ErrNotFound
	}
	form := s.Form
	return &form, nil
}

func (f *formFixtures) LoadSchema(_ context.Context, id uuid.UUID) (*forms.Schema, error) {
	s, ok := f.schemas[id]
	if !ok {
		return nil, forms.ErrNotFound
	}
	return s, nil
}

func (f *formFixtures) LoadSchemaByShortID(_ context.Context, shortID string) (*forms.Schema, error) {
	for _, s := range f.schemas {
		if s.Form.ShortID == shortID {
			return s, nil
		}
	}
	return nil, forms.ErrNotFound
}

func (f *formFixtures) IncrementViews(_ context.Context, id uuid.UUID) error {
	f.views[id]++
	return nil
}

type subFixtures struct {
	subs    []*models.Submission
	params  ListParams
	deleted []uuid.UUID
}

func (s *subFixtures) Each(_ context.Context, formID uuid.UUID, fn func(*models.Submission) error) error {
	for _, sub := range s.subs {
		if sub.FormID == formID {
			if err := fn(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *subFixtures) GetByID(_ context.Context, id uuid.UUID) (*models.Submission, error) {
	for _, sub := range s.subs {
		if sub.ID == id {
			return sub, nil
		}
	}
	return nil, ErrNotFound
}

func (s *subFixtures) List(_ context.Context, formID uuid.UUID, p ListParams) ([]models.Submission, int, error) {
	s.params = p
	list := []models.Submission{}
	for _, sub := range s.subs {
		if sub.FormID == formID {
			list = append(list, *sub)
		}
	}
	return list, len(list), nil
}

func (s *subFixtures) Delete(_ context.Context, id uuid.UUID) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type jobBook struct {
	jobs     map[string]export.Job
	queued   []queue.ExportPayload
	queueErr error
}

func newJobBook() *jobBook { return &jobBook{jobs: map[string]export.Job{}} }

func (b *jobBook) Save(_ context.Context, j *export.Job) error {
	b.jobs[j.ID] = *j
	return nil
}

func (b *jobBook) Get(_ context.Context, id string) (*export.Job, error) {
	j, ok := b.jobs[id]
	if !ok {
		return nil, export.ErrJobNotFound
	}
	return &j, nil
}

func (b *jobBook) EnqueueExport(_ context.Context, p queue.ExportPayload) error {
	if b.queueErr != nil {
		return b.queueErr
	}
	b.queued = append(b.queued, p)
	return nil
}

type invalidations []uuid.UUID

func (i *invalidations) Invalidate(_ context.Context, id uuid.UUID) error {
	*i = append(*i, id)
	return nil
}

func newSubmissionsRouter(h *Handler, who *middleware.Identity) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if who != nil {
			c.Set(middleware.ContextUserID, who.UserID)
			c.Set(middleware.ContextUserRole, who.Role)
			c.Set(middleware.ContextUserEmail, who.Email)
		}
		c.Next()
	})
	r.GET("/f/:shortId", h.GetPublic)
	r.POST("/f/:shortId/verify-password", h.VerifyPassword)
	r.POST("/f/:shortId/submit", h.Submit)
	r.GET("/forms/:id/submissions", h.List)
	r.GET("/forms/:id/export", h.Export)
	r.POST("/forms/:id/exports", h.CreateExport)
	r.GET("/submissions/:id", h.Get)
	r.DELETE("/submissions/:id", h.Delete)
	r.GET("/exports/:jobId", h.GetExport)
	return r
}

func do(r *gin.Engine, method, url string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func schemaWith(form models.Form) *forms.Schema {
	return forms.NewSchema(form, []models.Question{colourQuestion(true)})
}

func TestGetPublic(t *testing.T) {
	open := publishedForm()
	closed := publishedForm()
	closed.ShortID, closed.Status = "closed", models.FormStatusClosed
	draftForm := publishedForm()
	draftForm.ShortID, draftForm.Status = "draft1", models.FormStatusDraft
	fx := newFormFixtures(schemaWith(open), schemaWith(closed), schemaWith(draftForm))
	h := NewHandler(&stubEngine{}, fx, &subFixtures{}, nil)
	h.now = func() time.Time { return fixedNow }
	r := newSubmissionsRouter(h, nil)

	w := do(r, http.MethodGet, "/f/abc123", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data PublicView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Data.Accepting)
	assert.Equal(t, "abc123", body.Data.ShortID)
	assert.Len(t, body.Data.Questions, 1)
	assert.Equal(t, 1, fx.views[open.ID])
	assert.NotContains(t, w.Body.String(), "owner_id")

	w = do(r, http.MethodGet, "/f/closed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Data.Accepting)
	assert.Equal(t, models.FormStatusClosed, body.Data.Status)
	assert.Zero(t, fx.views[closed.ID])

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/f/draft1", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/f/nope", nil).Code)
}

func TestVerifyPasswordEndpoint(t *testing.T) {
	hash, err := utils.HashPassword("open sesame")
	require.NoError(t, err)
	form := publishedForm()
	form.AccessType = models.AccessPassword
	form.AccessPassword = hash
	h := NewHandler(&stubEngine{}, newFormFixtures(schemaWith(form)), &subFixtures{}, nil)
	r := newSubmissionsRouter(h, nil)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/f/abc123/verify-password", gin.H{"password": "open sesame"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/f/abc123/verify-password", gin.H{"password": "nope"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/f/abc123/verify-password", gin.H{}).Code)
}

func TestSubmitEndpoint(t *testing.T) {
	sub := &models.Submission{ID: uuid.New()}
	engine := &stubEngine{out: Outcome{Submission: sub, ResponseCount: 4}}
	h := NewHandler(engine, newFormFixtures(), &subFixtures{}, nil)
	who := &middleware.Identity{UserID: uuid.New(), Email: "a@example.com", Role: "respondent"}
	r := newSubmissionsRouter(h, who)

	w := do(r, http.MethodPost, "/f/abc123/submit",
		gin.H{"answers": gin.H{"colour": "red"}, "duration_seconds": 42, "password": "pw"},
		middleware.SessionHeader, "sess-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"response_count":4`)
	assert.Contains(t, w.Body.String(), sub.ID.String())

	got := engine.got
	assert.Equal(t, "abc123", got.ShortID)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "pw", got.Password)
	assert.Equal(t, "a@example.com", got.Email)
	require.NotNil(t, got.UserID)
	assert.Equal(t, who.UserID, *got.UserID)
	assert.Equal(t, 42, *got.DurationSeconds)
	assert.Equal(t, "red", got.Answers["colour"])

	anon := newSubmissionsRouter(h, nil)
	w = do(anon, http.MethodPost, "/f/abc123/submit", gin.H{"answers": gin.H{}})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Nil(t, engine.got.UserID)
	assert.NotEmpty(t, engine.got.SessionID)

	assert.Equal(t, http.StatusBadRequest, do(anon, http.MethodPost, "/f/abc123/submit", gin.H{"duration_seconds": 3}).Code)
	assert.Equal(t, http.StatusBadRequest, do(anon, http.MethodPost, "/f/abc123/submit", gin.H{"answers": gin.H{}, "duration_seconds": -1}).Code)
}

func TestSubmitEndpointRejections(t *testing.T) {
	engine := &stubEngine{}
	h := NewHandler(engine, newFormFixtures(), &subFixtures{}, nil)
	r := newSubmissionsRouter(h, nil)
	body := gin.H{"answers": gin.H{"colour": "green"}}

	engine.out = Outcome{Rejection: &Rejection{
		Reason:     ReasonValidationFailed,
		QuestionID: "colour",
		Validation: "InvalidChoice",
		Detail:     "unknown choice",
	}}
	w := do(r, http.MethodPost, "/f/abc123/submit", body)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var rej struct {
		Success   bool `json:"success"`
		Rejection struct {
			Reason     string `json:"reason"`
			QuestionID string `json:"question_id"`
			Validation string `json:"validation"`
		} `json:"rejection"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rej))
	assert.False(t, rej.Success)
	assert.Equal(t, "ValidationFailed", rej.Rejection.Reason)
	assert.Equal(t, "colour", rej.Rejection.QuestionID)
	assert.Equal(t, "InvalidChoice", rej.Rejection.Validation)

	engine.out = Outcome{Rejection: &Rejection{Reason: ReasonResponseLimitReached}}
	w = do(r, http.MethodPost, "/f/abc123/submit", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "ResponseLimitReached")

	engine.out = Outcome{}
	engine.err = fmt.Errorf("%w: connection reset", ErrPersistence)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodPost, "/f/abc123/submit", body).Code)

	engine.err = errors.New("form is broken")
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodPost, "/f/abc123/submit", body).Code)
}

func TestSubmissionManagement(t *testing.T) {
	owner := uuid.New()
	form := publishedForm()
	form.OwnerID = owner
	sub := &models.Submission{ID: uuid.New(), FormID: form.ID, Answers: models.Answers{"colour": "red"}}
	subs := &subFixtures{subs: []*models.Submission{sub}}
	var inv invalidations
	h := NewHandler(&stubEngine{}, newFormFixtures(schemaWith(form)), subs, nil).WithStats(&inv)

	r := newSubmissionsRouter(h, &middleware.Identity{UserID: owner, Role: "creator"})
	stranger := newSubmissionsRouter(h, &middleware.Identity{UserID: uuid.New(), Role: "creator"})

	w := do(r, http.MethodGet, "/forms/"+form.ID.String()+"/submissions?page=2&page_size=5&sort_by=duration_seconds&order=asc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ListParams{Page: 2, PageSize: 5, SortBy: "duration_seconds", Desc: false}, subs.params)
	assert.Contains(t, w.Body.String(), `"total":1`)

	assert.Equal(t, http.StatusForbidden, do(stranger, http.MethodGet, "/forms/"+form.ID.String()+"/submissions", nil).Code)

	url := "/submissions/" + sub.ID.String()
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, url, nil).Code)
	assert.Equal(t, http.StatusForbidden, do(stranger, http.MethodGet, url, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/submissions/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/submissions/x", nil).Code)

	assert.Equal(t, http.StatusForbidden, do(stranger, http.MethodDelete, url, nil).Code)
	assert.Empty(t, subs.deleted)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, url, nil).Code)
	assert.Equal(t, []uuid.UUID{sub.ID}, subs.deleted)
	assert.Equal(t, invalidations{form.ID}, inv)
}

func TestInlineExport(t *testing.T) {
	owner := uuid.New()
	form := publishedForm()
	form.OwnerID = owner
	form.ResponseCount = 2
	subs := &subFixtures{subs: []*models.Submission{
		{ID: uuid.New(), FormID: form.ID, Answers: models.Answers{"colour": "red"}, CreatedAt: fixedNow},
		{ID: uuid.New(), FormID: form.ID, Answers: models.Answers{"colour": "blue"}, CreatedAt: fixedNow},
	}}
	h := NewHandler(&stubEngine{}, newFormFixtures(schemaWith(form)), subs, nil).WithExports(nil, nil, 10)
	h.now = func() time.Time { return fixedNow }
	r := newSubmissionsRouter(h, &middleware.Identity{UserID: owner, Role: "creator"})

	w := do(r, http.MethodGet, "/forms/"+form.ID.String()+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "form-abc123-20240601-120000.csv")
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "submission_id,created_at,duration_seconds,Favourite colour?", lines[0])

	w = do(r, http.MethodGet, "/forms/"+form.ID.String()+"/export?format=json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, json.Valid(w.Body.Bytes()))

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/forms/"+form.ID.String()+"/export?format=xlsx", nil).Code)

	h.inlineLimit = 1
	assert.Equal(t, http.StatusRequestEntityTooLarge, do(r, http.MethodGet, "/forms/"+form.ID.String()+"/export", nil).Code)
}

func TestAsyncExport(t *testing.T) {
	owner := uuid.New()
	form := publishedForm()
	form.OwnerID = owner
	book := newJobBook()
	h := NewHandler(&stubEngine{}, newFormFixtures(schemaWith(form)), &subFixtures{}, nil).WithExports(book, book, 0)
	r := newSubmissionsRouter(h, &middleware.Identity{UserID: owner, Role: "creator"})

	w := do(r, http.MethodPost, "/forms/"+form.ID.String()+"/exports", gin.H{"format": "json"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created struct {
		Data export.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	job := created.Data
	assert.Equal(t, export.JobPending, job.State)
	require.Len(t, book.queued, 1)
	assert.Equal(t, queue.ExportPayload{JobID: job.ID, FormID: form.ID, Format: "json", RequestedBy: owner}, book.queued[0])

	w = do(r, http.MethodGet, "/exports/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)

	stranger := newSubmissionsRouter(h, &middleware.Identity{UserID: uuid.New(), Role: "creator"})
	assert.Equal(t, http.StatusForbidden, do(stranger, http.MethodGet, "/exports/"+job.ID, nil).Code)
	admin := newSubmissionsRouter(h, &middleware.Identity{UserID: uuid.New(), Role: "admin"})
	assert.Equal(t, http.StatusOK, do(admin, http.MethodGet, "/exports/"+job.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/exports/unknown", nil).Code)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/forms/"+form.ID.String()+"/exports?format=xml", nil).Code)

	book.queueErr = errors.New("redis down")
	w = do(r, http.MethodPost, "/forms/"+form.ID.String()+"/exports", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	failed := 0
	for _, j := range book.jobs {
		if j.State == export.JobFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestAnalysisNotifier(t *testing.T) {
	q := &analysisQueue{}
	n := NewAnalysisNotifier(q, nil)
	form := publishedForm()
	sub := &models.Submission{ID: uuid.New()}
	n.SubmissionCreated(context.Background(), form, sub, 1)
	assert.Equal(t, []queue.AnalysisPayload{{SubmissionID: sub.ID, FormID: form.ID}}, q.jobs)

	q.err = errors.New("redis down")
	assert.NotPanics(t, func() { n.SubmissionCreated(context.Background(), form, sub, 2) })
}

type analysisQueue struct {
	jobs []queue.AnalysisPayload
	err  error
}

func (q *analysisQueue) EnqueueAnalysis(_ context.Context, p queue.AnalysisPayload) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, p)
	return nil
}
