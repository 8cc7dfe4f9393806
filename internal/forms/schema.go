package forms

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/internal/questions"
)

var (
	ErrNotFound          = errors.New("form not found")
	ErrEmptyForm         = errors.New("form has no questions")
	ErrInvalidOrder      = errors.New("order is not a permutation of the form's questions")
	ErrFormClosed        = errors.New("form is closed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateQuestion = errors.New("question id already exists")
	ErrQuestionNotFound  = errors.New("question not found")
	ErrInvalidLimit      = errors.New("max_responses is below the current response count")
	ErrPasswordRequired  = errors.New("password access requires a password")
)

// Schema is a form together with its questions in display order.
type Schema struct {
	Form      models.Form
	Questions []models.Question
}

// NewSchema builds a schema, ordering questions by OrderIndex.
func NewSchema(form models.Form, qs []models.Question) *Schema {
	list := make([]models.Question, len(qs))
	copy(list, qs)
	sort.SliceStable(list, func(i, j int) bool { return list[i].OrderIndex < list[j].OrderIndex })
	return &Schema{Form: form, Questions: list}
}

// Question looks up a question by id.
func (s *Schema) Question(id string) (models.Question, bool) {
	for _, q := range s.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return models.Question{}, false
}

func (s *Schema) indexOf(id string) int {
	for i, q := range s.Questions {
		if q.ID == id {
			return i
		}
	}
	return -1
}

// Check verifies every question against the type registry and returns all problems found.
func (s *Schema) Check() error {
	var result *multierror.Error
	for i := range s.Questions {
		if err := questions.CheckSchema(&s.Questions[i]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// AddQuestion appends q after the last question.
func (s *Schema) AddQuestion(q models.Question) (models.Question, error) {
	if s.Form.Status == models.FormStatusClosed {
		return q, ErrFormClosed
	}
	if err := questions.CheckSchema(&q); err != nil {
		return q, err
	}
	if s.indexOf(q.ID) >= 0 {
		return q, fmt.Errorf("%w: %s", ErrDuplicateQuestion, q.ID)
	}
	q.FormID = s.Form.ID
	q.OrderIndex = 0
	if n := len(s.Questions); n > 0 {
		q.OrderIndex = s.Questions[n-1].OrderIndex + 1
	}
	s.Questions = append(s.Questions, q)
	return q, nil
}

// UpdateQuestion replaces the prompt, type, options and validation of an existing question.
// Position and identity are kept.
func (s *Schema) UpdateQuestion(q models.Question) (models.Question, error) {
	if s.Form.Status == models.FormStatusClosed {
		return q, ErrFormClosed
	}
	i := s.indexOf(q.ID)
	if i < 0 {
		return q, ErrQuestionNotFound
	}
	if err := questions.CheckSchema(&q); err != nil {
		return q, err
	}
	cur := s.Questions[i]
	q.FormID = cur.FormID
	q.OrderIndex = cur.OrderIndex
	q.CreatedAt = cur.CreatedAt
	s.Questions[i] = q
	return q, nil
}

// RemoveQuestion deletes a question. Existing submissions keep their answers for it.
func (s *Schema) RemoveQuestion(id string) error {
	if s.Form.Status == models.FormStatusClosed {
		return ErrFormClosed
	}
	i := s.indexOf(id)
	if i < 0 {
		return ErrQuestionNotFound
	}
	s.Questions = append(s.Questions[:i], s.Questions[i+1:]...)
	return nil
}

// Reorder puts the questions in the order given by ids, which must be a permutation of the
// current question ids.
func (s *Schema) Reorder(ids []string) error {
	if s.Form.Status == models.FormStatusClosed {
		return ErrFormClosed
	}
	if len(ids) != len(s.Questions) {
		return ErrInvalidOrder
	}
	byID := make(map[string]models.Question, len(s.Questions))
	for _, q := range s.Questions {
		byID[q.ID] = q
	}
	ordered := make([]models.Question, 0, len(ids))
	for i, id := range ids {
		q, ok := byID[id]
		if !ok {
			return ErrInvalidOrder
		}
		delete(byID, id)
		q.OrderIndex = i
		ordered = append(ordered, q)
	}
	s.Questions = ordered
	return nil
}

// Publish moves a draft to published. Publishing a published form is a no-op.
func (s *Schema) Publish(now time.Time) error {
	switch s.Form.Status {
	case models.FormStatusPublished:
		return nil
	case models.FormStatusClosed:
		return ErrInvalidTransition
	}
	if len(s.Questions) == 0 {
		return ErrEmptyForm
	}
	if err := s.Check(); err != nil {
		return err
	}
	if s.Form.AccessType == models.AccessPassword && s.Form.AccessPassword == "" {
		return ErrPasswordRequired
	}
	s.Form.Status = models.FormStatusPublished
	s.Form.PublishedAt = &now
	return nil
}

// Close ends collection. It is terminal; closing a closed form is a no-op.
func (s *Schema) Close() error {
	switch s.Form.Status {
	case models.FormStatusClosed:
		return nil
	case models.FormStatusDraft:
		return ErrInvalidTransition
	}
	s.Form.Status = models.FormStatusClosed
	return nil
}

// Settings is a partial update of form metadata. Nil fields are left unchanged; a
// non-positive limit removes it.
type Settings struct {
	Title         *string
	Description   *string
	Kind          *models.FormKind
	AccessType    *models.AccessType
	PasswordHash  *string
	AllowedEmails []string
	MaxResponses  *int
	MaxPerUser    *int
	ExpiresAt     *time.Time
	ClearExpiry   bool
	ShowResults   *bool
}

func limit(v *int) *int {
	if *v <= 0 {
		return nil
	}
	n := *v
	return &n
}

// ApplySettings updates form metadata, keeping the password present iff access is by password
// and never letting max_responses drop below the current count.
func (s *Schema) ApplySettings(p Settings) error {
	f := s.Form
	if p.Title != nil {
		f.Title = *p.Title
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Kind != nil {
		f.Kind = *p.Kind
	}
	if p.AccessType != nil {
		f.AccessType = *p.AccessType
	}
	if p.PasswordHash != nil {
		f.AccessPassword = *p.PasswordHash
	}
	if p.AllowedEmails != nil {
		f.AllowedEmails = p.AllowedEmails
	}
	if p.MaxResponses != nil {
		f.MaxResponses = limit(p.MaxResponses)
	}
	if p.MaxPerUser != nil {
		f.MaxPerUser = limit(p.MaxPerUser)
	}
	if p.ExpiresAt != nil {
		f.ExpiresAt = p.ExpiresAt
	}
	if p.ClearExpiry {
		f.ExpiresAt = nil
	}
	if p.ShowResults != nil {
		f.ShowResults = *p.ShowResults
	}

	if f.AccessType != models.AccessPassword {
		f.AccessPassword = ""
	} else if f.AccessPassword == "" {
		return ErrPasswordRequired
	}
	if f.MaxResponses != nil && *f.MaxResponses < f.ResponseCount {
		return ErrInvalidLimit
	}
	s.Form = f
	return nil
}

// Public returns the respondent-facing view.
func (s *Schema) Public() models.PublicForm {
	return models.PublicForm{
		ID:          s.Form.ID,
		ShortID:     s.Form.ShortID,
		Title:       s.Form.Title,
		Description: s.Form.Description,
		Kind:        s.Form.Kind,
		AccessType:  s.Form.AccessType,
		ExpiresAt:   s.Form.ExpiresAt,
		ShowResults: s.Form.ShowResults,
		Questions:   s.Questions,
	}
}

// Duplicate copies the schema into a new draft. Password, counters and timestamps are reset.
func (s *Schema) Duplicate(id uuid.UUID, shortID string, owner uuid.UUID) *Schema {
	f := s.Form
	f.ID = id
	f.ShortID = shortID
	f.OwnerID = owner
	f.Title = s.Form.Title + " (copy)"
	f.Status = models.FormStatusDraft
	f.AccessPassword = ""
	if f.AccessType == models.AccessPassword {
		f.AccessType = models.AccessPublic
	}
	f.ResponseCount = 0
	f.ViewCount = 0
	f.PublishedAt = nil
	f.AllowedEmails = append([]string(nil), s.Form.AllowedEmails...)
	qs := make([]models.Question, len(s.Questions))
	for i, q := range s.Questions {
		q.FormID = id
		qs[i] = q
	}
	return &Schema{Form: f, Questions: qs}
}
