package questions

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/multiforms/backend/internal/models"
)

var (
	// ErrUnknownQuestionType is returned for a type outside the supported enumeration.
	ErrUnknownQuestionType = errors.New("unknown question type")
	// ErrMalformedOptions is returned when options do not fit the question type.
	ErrMalformedOptions = errors.New("malformed question options")
)

// SchemaError reports a configuration problem with one question.
type SchemaError struct {
	QuestionID string
	Err        error
	Detail     string
}

func (e *SchemaError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("question %q: %v", e.QuestionID, e.Err)
	}
	return fmt.Sprintf("question %q: %v: %s", e.QuestionID, e.Err, e.Detail)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ValidationKey names a rule in QuestionValidation.
type ValidationKey string

const (
	KeyRequired      ValidationKey = "required"
	KeyMinLength     ValidationKey = "min_length"
	KeyMaxLength     ValidationKey = "max_length"
	KeyPattern       ValidationKey = "pattern"
	KeyMaxSelect     ValidationKey = "max_select"
	KeyCustomMessage ValidationKey = "custom_message"
)

// OptionsSchema lists the option keys a type reads and which of them must be present.
type OptionsSchema struct {
	Fields   []string `json:"fields"`
	Required []string `json:"required"`
}

// Descriptor is the registry entry for one question type.
type Descriptor struct {
	Type           models.QuestionType `json:"type"`
	Options        OptionsSchema       `json:"options_schema"`
	ValidationKeys []ValidationKey     `json:"validation_keys"`

	checkOptions func(q *models.Question) string
	validate     func(q *models.Question, v any) *Invalid
}

// Honors reports whether the type applies the given validation key.
func (d Descriptor) Honors(key ValidationKey) bool {
	for _, k := range d.ValidationKeys {
		if k == key {
			return true
		}
	}
	return false
}

var baseKeys = []ValidationKey{KeyRequired, KeyCustomMessage}

var registry = map[models.QuestionType]Descriptor{
	models.QuestionSingleChoice: {
		Type:           models.QuestionSingleChoice,
		Options:        OptionsSchema{Fields: []string{"choices"}, Required: []string{"choices"}},
		ValidationKeys: baseKeys,
		checkOptions:   checkChoices,
		validate:       validateSingleChoice,
	},
	models.QuestionDropdown: {
		Type:           models.QuestionDropdown,
		Options:        OptionsSchema{Fields: []string{"choices", "placeholder"}, Required: []string{"choices"}},
		ValidationKeys: baseKeys,
		checkOptions:   checkChoices,
		validate:       validateSingleChoice,
	},
	models.QuestionMultipleChoice: {
		Type:           models.QuestionMultipleChoice,
		Options:        OptionsSchema{Fields: []string{"choices"}, Required: []string{"choices"}},
		ValidationKeys: append([]ValidationKey{KeyMaxSelect}, baseKeys...),
		checkOptions:   checkMultipleChoice,
		validate:       validateMultipleChoice,
	},
	models.QuestionText: {
		Type:           models.QuestionText,
		Options:        OptionsSchema{Fields: []string{"text_type", "placeholder"}},
		ValidationKeys: append([]ValidationKey{KeyMinLength, KeyMaxLength, KeyPattern}, baseKeys...),
		checkOptions:   checkText,
		validate:       validateText,
	},
	models.QuestionNumber: {
		Type:           models.QuestionNumber,
		Options:        OptionsSchema{Fields: []string{"number_min", "number_max", "number_step"}},
		ValidationKeys: baseKeys,
		checkOptions:   checkNumber,
		validate:       validateNumber,
	},
	models.QuestionRating: {
		Type:           models.QuestionRating,
		Options:        OptionsSchema{Fields: []string{"rating_type", "rating_min", "rating_max"}},
		ValidationKeys: baseKeys,
		checkOptions:   checkRating,
		validate:       validateRating,
	},
	models.QuestionDate: {
		Type:           models.QuestionDate,
		Options:        OptionsSchema{Fields: []string{"date_format", "min_date", "max_date"}},
		ValidationKeys: baseKeys,
		checkOptions:   checkDate,
		validate:       validateDate,
	},
	models.QuestionFileUpload: {
		Type:           models.QuestionFileUpload,
		Options:        OptionsSchema{Fields: []string{"max_file_size", "allowed_file_types", "max_file_count"}},
		ValidationKeys: baseKeys,
		checkOptions:   checkFileUpload,
		validate:       validateFileUpload,
	},
	models.QuestionMatrix: {
		Type:           models.QuestionMatrix,
		Options:        OptionsSchema{Fields: []string{"matrix_rows", "matrix_columns"}, Required: []string{"matrix_rows", "matrix_columns"}},
		ValidationKeys: baseKeys,
		checkOptions:   checkMatrix,
		validate:       validateMatrix,
	},
	models.QuestionSorting: {
		Type:           models.QuestionSorting,
		Options:        OptionsSchema{Fields: []string{"sortable_items"}, Required: []string{"sortable_items"}},
		ValidationKeys: baseKeys,
		checkOptions:   checkSorting,
		validate:       validateSorting,
	},
}

// legacyTextTypes maps stand-alone text types stored by older builders onto text subtypes.
var legacyTextTypes = map[models.QuestionType]models.TextSubtype{
	"email":    models.TextEmail,
	"phone":    models.TextPhone,
	"textarea": models.TextTextarea,
}

// Describe returns the registry entry for t.
func Describe(t models.QuestionType) (Descriptor, error) {
	if sub, ok := legacyTextTypes[t]; ok && sub != "" {
		t = models.QuestionText
	}
	d, ok := registry[t]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownQuestionType, t)
	}
	return d, nil
}

// Types returns the supported question types in a stable order.
func Types() []models.QuestionType {
	out := make([]models.QuestionType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsKnown reports whether t (or a legacy alias of it) is in the registry.
func IsKnown(t models.QuestionType) bool {
	_, err := Describe(t)
	return err == nil
}

// Normalize rewrites legacy text types into text questions with a subtype.
func Normalize(q *models.Question) {
	if sub, ok := legacyTextTypes[q.Type]; ok {
		q.Type = models.QuestionText
		if q.Options.TextType == "" {
			q.Options.TextType = sub
		}
	}
	if q.Type == models.QuestionText && q.Options.TextType == "" {
		q.Options.TextType = models.TextPlain
	}
}

// CheckSchema normalises q and verifies that its options fit its type. It is run when a
// question is authored and whenever a schema is loaded for submission.
func CheckSchema(q *models.Question) error {
	Normalize(q)
	if strings.TrimSpace(q.ID) == "" {
		return &SchemaError{QuestionID: q.ID, Err: ErrMalformedOptions, Detail: "question id is empty"}
	}
	d, err := Describe(q.Type)
	if err != nil {
		return &SchemaError{QuestionID: q.ID, Err: err}
	}
	if msg := d.checkOptions(q); msg != "" {
		return &SchemaError{QuestionID: q.ID, Err: ErrMalformedOptions, Detail: msg}
	}
	return nil
}

func checkUniqueIDs(what string, ids []string) string {
	if len(ids) == 0 {
		return what + " must not be empty"
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return what + " contain an empty id"
		}
		if _, dup := seen[id]; dup {
			return fmt.Sprintf("%s contain duplicate id %q", what, id)
		}
		seen[id] = struct{}{}
	}
	return ""
}

func checkChoices(q *models.Question) string {
	ids := make([]string, len(q.Options.Choices))
	for i, c := range q.Options.Choices {
		ids[i] = c.ID
	}
	return checkUniqueIDs("choices", ids)
}

func checkMultipleChoice(q *models.Question) string {
	if msg := checkChoices(q); msg != "" {
		return msg
	}
	if m := q.Validation.MaxSelect; m != nil && *m < 1 {
		return "max_select must be at least 1"
	}
	return ""
}

func checkText(q *models.Question) string {
	switch q.Options.TextType {
	case models.TextPlain, models.TextEmail, models.TextPhone, models.TextTextarea:
	default:
		return fmt.Sprintf("unknown text_type %q", q.Options.TextType)
	}
	v := q.Validation
	if v.MinLength != nil && *v.MinLength < 0 {
		return "min_length must not be negative"
	}
	if v.MaxLength != nil && *v.MaxLength < 0 {
		return "max_length must not be negative"
	}
	if v.MinLength != nil && v.MaxLength != nil && *v.MinLength > *v.MaxLength {
		return "min_length exceeds max_length"
	}
	if v.Pattern != "" {
		if _, err := regexp.Compile(v.Pattern); err != nil {
			return "pattern does not compile: " + err.Error()
		}
	}
	return ""
}

func checkNumber(q *models.Question) string {
	o := q.Options
	if o.NumberMin != nil && o.NumberMax != nil && *o.NumberMin > *o.NumberMax {
		return "number_min exceeds number_max"
	}
	if o.NumberStep != nil && *o.NumberStep <= 0 {
		return "number_step must be positive"
	}
	return ""
}

func checkRating(q *models.Question) string {
	lo, hi := ratingBounds(q)
	if lo >= hi {
		return fmt.Sprintf("rating range [%d, %d] is empty", lo, hi)
	}
	if hi-lo > 100 {
		return "rating range is wider than 100 steps"
	}
	return ""
}

func checkDate(q *models.Question) string {
	layout, ok := dateLayout(q.Options.DateFormat)
	if !ok {
		return fmt.Sprintf("unknown date_format %q", q.Options.DateFormat)
	}
	min, max, msg := dateBounds(q, layout)
	if msg != "" {
		return msg
	}
	if min != nil && max != nil && min.After(*max) {
		return "min_date is after max_date"
	}
	return ""
}

func checkFileUpload(q *models.Question) string {
	o := q.Options
	if o.MaxFileSize < 0 {
		return "max_file_size must not be negative"
	}
	if o.MaxFileCount < 0 {
		return "max_file_count must not be negative"
	}
	return ""
}

func checkMatrix(q *models.Question) string {
	if msg := checkUniqueIDs("matrix_rows", q.Options.MatrixRows); msg != "" {
		return msg
	}
	return checkUniqueIDs("matrix_columns", q.Options.MatrixColumns)
}

func checkSorting(q *models.Question) string {
	return checkUniqueIDs("sortable_items", q.Options.SortableItems)
}
