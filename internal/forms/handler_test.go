package forms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiforms/backend/internal/middleware"
	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/internal/questions"
	"github.com/multiforms/backend/pkg/utils"
)

type memStore struct {
	mu      sync.Mutex
	schemas map[uuid.UUID]*Schema
	// races makes the next Create calls lose the short id to a concurrent writer.
	races int
	tried []string
}

func newMemStore(schemas ...*Schema) *memStore {
	m := &memStore{schemas: make(map[uuid.UUID]*Schema)}
	for _, s := range schemas {
		m.schemas[s.Form.ID] = clone(s)
	}
	return m
}

func clone(s *Schema) *Schema {
	return &Schema{Form: s.Form, Questions: append([]models.Question(nil), s.Questions...)}
}

func (m *memStore) Create(_ context.Context, s *Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tried = append(m.tried, s.Form.ShortID)
	if m.races > 0 {
		m.races--
		return ErrShortIDTaken
	}
	m.schemas[s.Form.ID] = clone(s)
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schemas[id]
	if !ok {
		return nil, ErrNotFound
	}
	f := s.Form
	return &f, nil
}

func (m *memStore) LoadSchema(_ context.Context, id uuid.UUID) (*Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schemas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *memStore) List(_ context.Context, f ListFilter) ([]models.Form, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := []models.Form{}
	for _, s := range m.schemas {
		if f.OwnerID != nil && s.Form.OwnerID != *f.OwnerID {
			continue
		}
		if f.Status != "" && s.Form.Status != f.Status {
			continue
		}
		list = append(list, s.Form)
	}
	return list, len(list), nil
}

func (m *memStore) Update(_ context.Context, id uuid.UUID, fn func(s *Schema) error) (*Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.schemas[id]
	if !ok {
		return nil, ErrNotFound
	}
	s := clone(cur)
	if err := fn(s); err != nil {
		return nil, err
	}
	m.schemas[id] = clone(s)
	return s, nil
}

func (m *memStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schemas[id]; !ok {
		return ErrNotFound
	}
	delete(m.schemas, id)
	return nil
}

func (m *memStore) ShortIDExists(_ context.Context, shortID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schemas {
		if s.Form.ShortID == shortID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) get(id uuid.UUID) *Schema {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.schemas[id])
}

type recorder struct {
	scheduled   []models.Form
	cancelled   []uuid.UUID
	invalidated []uuid.UUID
}

func (r *recorder) Schedule(_ context.Context, f models.Form) error {
	r.scheduled = append(r.scheduled, f)
	return nil
}

func (r *recorder) Cancel(_ context.Context, id uuid.UUID) error {
	r.cancelled = append(r.cancelled, id)
	return nil
}

func (r *recorder) Invalidate(_ context.Context, id uuid.UUID) error {
	r.invalidated = append(r.invalidated, id)
	return nil
}

func newFormsRouter(t *testing.T, h *Handler, who *middleware.Identity) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, questions.RegisterBindings())
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if who != nil {
			c.Set(middleware.ContextUserID, who.UserID)
			c.Set(middleware.ContextUserRole, who.Role)
			c.Set(middleware.ContextUserEmail, who.Email)
		}
		c.Next()
	})
	r.POST("/forms", h.Create)
	r.GET("/forms", h.List)
	r.GET("/forms/:id", h.Get)
	r.PATCH("/forms/:id", h.UpdateSettings)
	r.DELETE("/forms/:id", h.Delete)
	r.POST("/forms/:id/publish", h.Publish)
	r.POST("/forms/:id/close", h.Close)
	r.POST("/forms/:id/duplicate", h.Duplicate)
	r.POST("/forms/:id/questions", h.AddQuestion)
	r.PUT("/forms/:id/questions/order", h.Reorder)
	r.PUT("/forms/:id/questions/:questionId", h.UpdateQuestion)
	r.DELETE("/forms/:id/questions/:questionId", h.DeleteQuestion)
	return r
}

func call(r *gin.Engine, method, url string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type detailBody struct {
	Data struct {
		Form      models.Form       `json:"form"`
		Questions []models.Question `json:"questions"`
	} `json:"data"`
}

func owned(owner uuid.UUID, qs ...models.Question) *Schema {
	s := draft(qs...)
	s.Form.OwnerID = owner
	return s
}

func TestCreateForm(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, nil, nil, 6, nil)
	who := &middleware.Identity{UserID: uuid.New(), Role: "creator"}
	r := newFormsRouter(t, h, who)

	w := call(r, http.MethodPost, "/forms", gin.H{
		"title":       "Team lunch",
		"type":        "vote",
		"access_type": "password",
		"password":    "s3cret",
		"questions": []gin.H{
			{"id": "where", "question_text": "Where?", "question_type": "single_choice",
				"options": gin.H{"choices": []gin.H{{"id": "pizza", "label": "Pizza"}, {"id": "sushi", "label": "Sushi"}}}},
			{"question_text": "Anything else?", "question_type": "textarea"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body detailBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	f := body.Data.Form
	assert.Equal(t, "Team lunch", f.Title)
	assert.Equal(t, models.FormKindVote, f.Kind)
	assert.Equal(t, models.FormStatusDraft, f.Status)
	assert.Equal(t, who.UserID, f.OwnerID)
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9]{6}$`), f.ShortID)
	require.Len(t, body.Data.Questions, 2)
	assert.Equal(t, models.QuestionText, body.Data.Questions[1].Type)
	assert.Equal(t, models.TextTextarea, body.Data.Questions[1].Options.TextType)
	assert.NotEmpty(t, body.Data.Questions[1].ID)

	stored := store.get(f.ID)
	assert.NotEqual(t, "s3cret", stored.Form.AccessPassword)
	assert.True(t, utils.CheckPassword("s3cret", stored.Form.AccessPassword))
}

func TestCreateFormRejectsBadInput(t *testing.T) {
	h := NewHandler(newMemStore(), nil, nil, 6, nil)
	r := newFormsRouter(t, h, &middleware.Identity{UserID: uuid.New(), Role: "creator"})

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing title", gin.H{"questions": []gin.H{}}},
		{"unknown type", gin.H{"title": "x", "questions": []gin.H{{"question_text": "?", "question_type": "slider"}}}},
		{"no choices", gin.H{"title": "x", "questions": []gin.H{{"question_text": "?", "question_type": "single_choice"}}}},
		{"password without secret", gin.H{"title": "x", "access_type": "password"}},
		{"bad access type", gin.H{"title": "x", "access_type": "secret"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := call(r, http.MethodPost, "/forms", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	anon := newFormsRouter(t, h, nil)
	assert.Equal(t, http.StatusUnauthorized, call(anon, http.MethodPost, "/forms", gin.H{"title": "x"}).Code)
}

func TestPublishAndClose(t *testing.T) {
	owner := uuid.New()
	deadline := time.Now().Add(48 * time.Hour).UTC()
	s := owned(owner, choiceQuestion("q1"))
	s.Form.ExpiresAt = &deadline
	empty := owned(owner)
	store := newMemStore(s, empty)
	rec := &recorder{}
	h := NewHandler(store, rec, rec, 6, nil)
	r := newFormsRouter(t, h, &middleware.Identity{UserID: owner, Role: "creator"})

	assert.Equal(t, http.StatusConflict, call(r, http.MethodPost, "/forms/"+s.Form.ID.String()+"/close", nil).Code)
	assert.Equal(t, http.StatusBadRequest, call(r, http.MethodPost, "/forms/"+empty.Form.ID.String()+"/publish", nil).Code)

	w := call(r, http.MethodPost, "/forms/"+s.Form.ID.String()+"/publish", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.FormStatusPublished, store.get(s.Form.ID).Form.Status)
	require.Len(t, rec.scheduled, 1)
	assert.Equal(t, models.FormStatusPublished, rec.scheduled[0].Status)
	assert.Equal(t, []uuid.UUID{s.Form.ID}, rec.invalidated)

	w = call(r, http.MethodPost, "/forms/"+s.Form.ID.String()+"/close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.FormStatusClosed, store.get(s.Form.ID).Form.Status)
	assert.Equal(t, models.FormStatusClosed, rec.scheduled[1].Status)

	w = call(r, http.MethodPost, "/forms/"+s.Form.ID.String()+"/questions", gin.H{"question_text": "Late", "question_type": "text"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOwnershipIsEnforced(t *testing.T) {
	s := owned(uuid.New(), choiceQuestion("q1"))
	store := newMemStore(s)
	h := NewHandler(store, nil, nil, 6, nil)
	url := "/forms/" + s.Form.ID.String() + "/publish"

	stranger := newFormsRouter(t, h, &middleware.Identity{UserID: uuid.New(), Role: "creator"})
	assert.Equal(t, http.StatusForbidden, call(stranger, http.MethodPost, url, nil).Code)
	assert.Equal(t, models.FormStatusDraft, store.get(s.Form.ID).Form.Status)

	admin := newFormsRouter(t, h, &middleware.Identity{UserID: uuid.New(), Role: "admin"})
	assert.Equal(t, http.StatusOK, call(admin, http.MethodPost, url, nil).Code)

	assert.Equal(t, http.StatusNotFound, call(admin, http.MethodGet, "/forms/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, call(admin, http.MethodGet, "/forms/not-a-uuid", nil).Code)
}

func TestQuestionEndpoints(t *testing.T) {
	owner := uuid.New()
	a, b := textQuestion("a"), textQuestion("b")
	b.OrderIndex = 1
	s := owned(owner, a, b)
	store := newMemStore(s)
	h := NewHandler(store, nil, nil, 6, nil)
	r := newFormsRouter(t, h, &middleware.Identity{UserID: owner, Role: "creator"})
	base := "/forms/" + s.Form.ID.String() + "/questions"

	w := call(r, http.MethodPost, base, gin.H{"id": "c", "question_text": "Rate us", "question_type": "rating"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []string{"a", "b", "c"}, ids(store.get(s.Form.ID)))

	w = call(r, http.MethodPost, base, gin.H{"id": "a", "question_text": "Again", "question_type": "text"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = call(r, http.MethodPut, base+"/order", gin.H{"order": []string{"c", "a", "b"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"c", "a", "b"}, ids(store.get(s.Form.ID)))

	w = call(r, http.MethodPut, base+"/order", gin.H{"order": []string{"c", "a"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodPut, base+"/b", gin.H{"question_text": "Pick", "question_type": "dropdown",
		"options": gin.H{"choices": []gin.H{{"id": "x", "label": "X"}}}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	q, ok := store.get(s.Form.ID).Question("b")
	require.True(t, ok)
	assert.Equal(t, models.QuestionDropdown, q.Type)
	assert.Equal(t, 2, q.OrderIndex)

	assert.Equal(t, http.StatusNotFound, call(r, http.MethodPut, base+"/zzz", gin.H{"question_text": "?", "question_type": "text"}).Code)

	assert.Equal(t, http.StatusNoContent, call(r, http.MethodDelete, base+"/a", nil).Code)
	assert.Equal(t, []string{"c", "b"}, ids(store.get(s.Form.ID)))
	assert.Equal(t, http.StatusNotFound, call(r, http.MethodDelete, base+"/a", nil).Code)
}

func TestUpdateSettings(t *testing.T) {
	owner := uuid.New()
	s := owned(owner, textQuestion("q1"))
	s.Form.ResponseCount = 3
	store := newMemStore(s)
	rec := &recorder{}
	h := NewHandler(store, rec, rec, 6, nil)
	r := newFormsRouter(t, h, &middleware.Identity{UserID: owner, Role: "creator"})
	url := "/forms/" + s.Form.ID.String()

	assert.Equal(t, http.StatusBadRequest, call(r, http.MethodPatch, url, gin.H{"max_responses": 2}).Code)
	assert.Equal(t, http.StatusBadRequest, call(r, http.MethodPatch, url, gin.H{"allowed_emails": []string{"nope"}}).Code)

	w := call(r, http.MethodPatch, url, gin.H{
		"max_responses":  10,
		"show_results":   true,
		"access_type":    "allowlist",
		"allowed_emails": []string{"a@example.com"},
		"expires_at":     "2030-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f := store.get(s.Form.ID).Form
	assert.Equal(t, 10, *f.MaxResponses)
	assert.True(t, f.ShowResults)
	assert.Equal(t, models.AccessAllowlist, f.AccessType)
	assert.Equal(t, []string{"a@example.com"}, f.AllowedEmails)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), f.ExpiresAt.UTC())
	assert.Len(t, rec.scheduled, 1)

	w = call(r, http.MethodPatch, url, gin.H{"clear_expires_at": true, "max_responses": 0})
	require.Equal(t, http.StatusOK, w.Code)
	f = store.get(s.Form.ID).Form
	assert.Nil(t, f.ExpiresAt)
	assert.Nil(t, f.MaxResponses)
}

func TestDuplicateForm(t *testing.T) {
	owner := uuid.New()
	s := owned(owner, choiceQuestion("q1"))
	s.Form.Status = models.FormStatusPublished
	s.Form.ResponseCount = 9
	store := newMemStore(s)
	h := NewHandler(store, nil, nil, 6, nil)
	r := newFormsRouter(t, h, &middleware.Identity{UserID: owner, Role: "creator"})

	w := call(r, http.MethodPost, "/forms/"+s.Form.ID.String()+"/duplicate", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body detailBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEqual(t, s.Form.ID, body.Data.Form.ID)
	assert.NotEqual(t, s.Form.ShortID, body.Data.Form.ShortID)
	assert.Equal(t, models.FormStatusDraft, body.Data.Form.Status)
	assert.Zero(t, body.Data.Form.ResponseCount)
	require.Len(t, body.Data.Questions, 1)
	assert.Equal(t, body.Data.Form.ID, body.Data.Questions[0].FormID)
}

func TestListAndDelete(t *testing.T) {
	me, other := uuid.New(), uuid.New()
	mine, theirs := owned(me, textQuestion("q")), owned(other, textQuestion("q"))
	theirs.Form.ShortID = "xyz789"
	store := newMemStore(mine, theirs)
	rec := &recorder{}
	h := NewHandler(store, rec, rec, 6, nil)
	r := newFormsRouter(t, h, &middleware.Identity{UserID: me, Role: "creator"})

	w := call(r, http.MethodGet, "/forms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data struct {
			Forms []models.Form `json:"forms"`
			Total int           `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Data.Total)
	assert.Equal(t, mine.Form.ID, list.Data.Forms[0].ID)

	admin := newFormsRouter(t, h, &middleware.Identity{UserID: uuid.New(), Role: "admin"})
	w = call(admin, http.MethodGet, "/forms?owner_id="+other.String(), nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Data.Total)
	assert.Equal(t, theirs.Form.ID, list.Data.Forms[0].ID)

	assert.Equal(t, http.StatusForbidden, call(r, http.MethodDelete, "/forms/"+theirs.Form.ID.String(), nil).Code)
	assert.Equal(t, http.StatusNoContent, call(r, http.MethodDelete, "/forms/"+mine.Form.ID.String(), nil).Code)
	assert.Equal(t, []uuid.UUID{mine.Form.ID}, rec.cancelled)
	assert.Equal(t, []uuid.UUID{mine.Form.ID}, rec.invalidated)
	assert.Equal(t, http.StatusNotFound, call(r, http.MethodGet, "/forms/"+mine.Form.ID.String(), nil).Code)
}

func TestAllocateShortID(t *testing.T) {
	taken := 0
	id, err := AllocateShortID(context.Background(), 8, func(context.Context, string) (bool, error) {
		taken++
		return taken < 3, nil
	})
	require.NoError(t, err)
	assert.Len(t, id, 8)
	assert.Equal(t, 3, taken)

	_, err = AllocateShortID(context.Background(), 6, func(context.Context, string) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, ErrShortIDExhausted)
}

func TestCreateWithShortIDRetriesLostRaces(t *testing.T) {
	ctx := context.Background()
	free := func(context.Context, string) (bool, error) { return false, nil }

	var seen []string
	id, err := CreateWithShortID(ctx, 6, free, func(shortID string) error {
		seen = append(seen, shortID)
		if len(seen) < 3 {
			return ErrShortIDTaken
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Equal(t, seen[2], id)

	_, err = CreateWithShortID(ctx, 6, free, func(string) error { return ErrShortIDTaken })
	assert.ErrorIs(t, err, ErrShortIDExhausted)

	boom := errors.New("db down")
	_, err = CreateWithShortID(ctx, 6, free, func(string) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestCreateFormSurvivesShortIDRace(t *testing.T) {
	store := newMemStore()
	store.races = 2
	h := NewHandler(store, nil, nil, 6, nil)
	r := newFormsRouter(t, h, &middleware.Identity{UserID: uuid.New(), Role: "creator"})

	w := call(r, http.MethodPost, "/forms", gin.H{"title": "Retry me"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body detailBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, store.tried, 3)
	assert.Equal(t, store.tried[2], body.Data.Form.ShortID)

	store.races = 100
	w = call(r, http.MethodPost, "/forms", gin.H{"title": "Unlucky"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
