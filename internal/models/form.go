package models

import (
	"time"

	"github.com/google/uuid"
)

// FormStatus is the lifecycle state of a form.
type FormStatus string

const (
	FormStatusDraft     FormStatus = "draft"
	FormStatusPublished FormStatus = "published"
	FormStatusClosed    FormStatus = "closed"
)

// AccessType selects how a published form gates respondents.
type AccessType string

const (
	AccessPublic    AccessType = "public"
	AccessPassword  AccessType = "password"
	AccessAllowlist AccessType = "allowlist"
)

// FormKind is the creator-facing category of a form (vote, rating, survey...).
type FormKind string

const (
	FormKindVote       FormKind = "vote"
	FormKindRating     FormKind = "rating"
	FormKindSurvey     FormKind = "survey"
	FormKindCollection FormKind = "collection"
	FormKindFeedback   FormKind = "feedback"
)

// Form is a form owned by a creator. AccessPassword holds a bcrypt hash and is never serialised.
type Form struct {
	ID             uuid.UUID  `json:"id"`
	ShortID        string     `json:"short_id"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Kind           FormKind   `json:"type"`
	Status         FormStatus `json:"status"`
	AccessType     AccessType `json:"access_type"`
	AccessPassword string     `json:"-"`
	AllowedEmails  []string   `json:"allowed_emails,omitempty"`
	MaxResponses   *int       `json:"max_responses,omitempty"`
	MaxPerUser     *int       `json:"max_per_user,omitempty"`
	ResponseCount  int        `json:"response_count"`
	ViewCount      int        `json:"view_count"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ShowResults    bool       `json:"show_results"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PublicForm is the respondent-facing view of a form and its questions.
type PublicForm struct {
	ID          uuid.UUID  `json:"id"`
	ShortID     string     `json:"short_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Kind        FormKind   `json:"type"`
	AccessType  AccessType `json:"access_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ShowResults bool       `json:"show_results"`
	Questions   []Question `json:"questions"`
}
