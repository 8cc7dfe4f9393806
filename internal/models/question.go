package models

import (
	"time"

	"github.com/google/uuid"
)

// QuestionType is one of the closed set of question kinds a form can hold.
type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionDropdown       QuestionType = "dropdown"
	QuestionRating         QuestionType = "rating"
	QuestionText           QuestionType = "text"
	QuestionNumber         QuestionType = "number"
	QuestionDate           QuestionType = "date"
	QuestionFileUpload     QuestionType = "file_upload"
	QuestionMatrix         QuestionType = "matrix"
	QuestionSorting        QuestionType = "sorting"
)

// TextSubtype refines a text question.
type TextSubtype string

const (
	TextPlain    TextSubtype = "plain"
	TextEmail    TextSubtype = "email"
	TextPhone    TextSubtype = "phone"
	TextTextarea TextSubtype = "textarea"
)

// Choice is one selectable option of a choice-type question.
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

// QuestionOptions is the type-specific configuration of a question. Only the fields
// relevant to the question's type are consulted.
type QuestionOptions struct {
	// single_choice, multiple_choice, dropdown
	Choices []Choice `json:"choices,omitempty"`

	// rating
	RatingType string `json:"rating_type,omitempty"`
	RatingMin  *int   `json:"rating_min,omitempty"`
	RatingMax  *int   `json:"rating_max,omitempty"`

	// text
	TextType    TextSubtype `json:"text_type,omitempty"`
	Placeholder string      `json:"placeholder,omitempty"`

	// number
	NumberMin  *float64 `json:"number_min,omitempty"`
	NumberMax  *float64 `json:"number_max,omitempty"`
	NumberStep *float64 `json:"number_step,omitempty"`

	// date
	DateFormat string `json:"date_format,omitempty"`
	MinDate    string `json:"min_date,omitempty"`
	MaxDate    string `json:"max_date,omitempty"`

	// file_upload
	MaxFileSize      int64    `json:"max_file_size,omitempty"`
	AllowedFileTypes []string `json:"allowed_file_types,omitempty"`
	MaxFileCount     int      `json:"max_file_count,omitempty"`

	// matrix
	MatrixRows    []string `json:"matrix_rows,omitempty"`
	MatrixColumns []string `json:"matrix_columns,omitempty"`

	// sorting
	SortableItems []string `json:"sortable_items,omitempty"`
}

// QuestionValidation holds cross-type answer rules.
type QuestionValidation struct {
	Required      bool   `json:"required"`
	MinLength     *int   `json:"min_length,omitempty"`
	MaxLength     *int   `json:"max_length,omitempty"`
	Pattern       string `json:"pattern,omitempty"`
	MaxSelect     *int   `json:"max_select,omitempty"`
	CustomMessage string `json:"custom_message,omitempty"`
}

// Question is one prompt in a form.
type Question struct {
	ID         string             `json:"id"`
	FormID     uuid.UUID          `json:"form_id"`
	Text       string             `json:"question_text"`
	Type       QuestionType       `json:"question_type"`
	Options    QuestionOptions    `json:"options"`
	Validation QuestionValidation `json:"validation"`
	OrderIndex int                `json:"order_index"`
	CreatedAt  time.Time          `json:"created_at"`
}
