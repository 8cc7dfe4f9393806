package questions

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/multiforms/backend/internal/models"
)

// Reason is a machine-readable validation failure code.
type Reason string

const (
	ReasonMissingRequired Reason = "MissingRequired"
	ReasonOutOfRange      Reason = "OutOfRange"
	ReasonInvalidChoice   Reason = "InvalidChoice"
	ReasonTooLong         Reason = "TooLong"
	ReasonInvalidFormat   Reason = "InvalidFormat"
	ReasonNotAPermutation Reason = "NotAPermutation"
)

// Invalid describes why an answer was refused. A nil *Invalid means the answer is acceptable.
type Invalid struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (i *Invalid) String() string {
	if i == nil {
		return "ok"
	}
	if i.Detail == "" {
		return string(i.Reason)
	}
	return fmt.Sprintf("%s: %s", i.Reason, i.Detail)
}

func invalid(r Reason, format string, args ...any) *Invalid {
	return &Invalid{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

var (
	fieldValidator = validator.New()
	mobilePattern  = regexp.MustCompile(`^1[3-9]\d{9}$`)
)

// Validate checks one answer value against q. value is the decoded JSON value, or nil when
// the respondent did not answer. It returns (nil, nil) for an acceptable answer. The error
// is reserved for schema problems such as an unknown type; bad answers never produce one.
func Validate(q models.Question, value any) (*Invalid, error) {
	Normalize(&q)
	d, err := Describe(q.Type)
	if err != nil {
		return nil, &SchemaError{QuestionID: q.ID, Err: err}
	}
	if IsEmpty(value) {
		if q.Validation.Required {
			return withMessage(&q, &Invalid{Reason: ReasonMissingRequired}), nil
		}
		return nil, nil
	}
	if q.Validation.Pattern != "" && q.Type == models.QuestionText {
		if _, err := regexp.Compile(q.Validation.Pattern); err != nil {
			return nil, &SchemaError{QuestionID: q.ID, Err: ErrMalformedOptions, Detail: "pattern does not compile"}
		}
	}
	return withMessage(&q, d.validate(&q, value)), nil
}

func withMessage(q *models.Question, inv *Invalid) *Invalid {
	if inv != nil && q.Validation.CustomMessage != "" {
		inv.Detail = q.Validation.CustomMessage
	}
	return inv
}

// IsEmpty reports whether v counts as "not answered".
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case map[string]string:
		return len(t) == 0
	}
	return false
}

func choiceSet(q *models.Question) map[string]struct{} {
	set := make(map[string]struct{}, len(q.Options.Choices))
	for _, c := range q.Options.Choices {
		set[c.ID] = struct{}{}
	}
	return set
}

func validateSingleChoice(q *models.Question, v any) *Invalid {
	id, ok := ChoiceID(v)
	if !ok {
		return invalid(ReasonInvalidFormat, "expected a single choice id")
	}
	if _, ok := choiceSet(q)[id]; !ok {
		return invalid(ReasonInvalidChoice, "%q is not a choice", id)
	}
	return nil
}

func validateMultipleChoice(q *models.Question, v any) *Invalid {
	ids, ok := StringList(v)
	if !ok {
		return invalid(ReasonInvalidFormat, "expected a list of choice ids")
	}
	choices := choiceSet(q)
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := choices[id]; !ok {
			return invalid(ReasonInvalidChoice, "%q is not a choice", id)
		}
		if _, dup := seen[id]; dup {
			return invalid(ReasonInvalidFormat, "%q selected twice", id)
		}
		seen[id] = struct{}{}
	}
	if m := q.Validation.MaxSelect; m != nil && len(ids) > *m {
		return invalid(ReasonOutOfRange, "at most %d selections allowed", *m)
	}
	return nil
}

func validateText(q *models.Question, v any) *Invalid {
	s, ok := v.(string)
	if !ok {
		return invalid(ReasonInvalidFormat, "expected text")
	}
	n := utf8.RuneCountInString(s)
	if m := q.Validation.MaxLength; m != nil && n > *m {
		return invalid(ReasonTooLong, "at most %d characters allowed", *m)
	}
	if m := q.Validation.MinLength; m != nil && n < *m {
		return invalid(ReasonOutOfRange, "at least %d characters required", *m)
	}
	trimmed := strings.TrimSpace(s)
	switch q.Options.TextType {
	case models.TextEmail:
		if fieldValidator.Var(trimmed, "required,email") != nil {
			return invalid(ReasonInvalidFormat, "not a valid email address")
		}
	case models.TextPhone:
		if !mobilePattern.MatchString(trimmed) && fieldValidator.Var(trimmed, "required,e164") != nil {
			return invalid(ReasonInvalidFormat, "not a valid phone number")
		}
	}
	if p := q.Validation.Pattern; p != "" {
		re, err := regexp.Compile(p)
		if err == nil && !re.MatchString(s) {
			return invalid(ReasonInvalidFormat, "does not match the required pattern")
		}
	}
	return nil
}

func validateNumber(q *models.Question, v any) *Invalid {
	x, ok := Number(v)
	if !ok {
		return invalid(ReasonInvalidFormat, "expected a number")
	}
	o := q.Options
	if o.NumberMin != nil && x < *o.NumberMin {
		return invalid(ReasonOutOfRange, "must be at least %g", *o.NumberMin)
	}
	if o.NumberMax != nil && x > *o.NumberMax {
		return invalid(ReasonOutOfRange, "must be at most %g", *o.NumberMax)
	}
	if o.NumberStep != nil && *o.NumberStep > 0 {
		base := 0.0
		if o.NumberMin != nil {
			base = *o.NumberMin
		}
		steps := (x - base) / *o.NumberStep
		if math.Abs(steps-math.Round(steps)) > 1e-9 {
			return invalid(ReasonOutOfRange, "must be a multiple of %g", *o.NumberStep)
		}
	}
	return nil
}

func ratingBounds(q *models.Question) (int, int) {
	lo, hi := 1, 5
	if q.Options.RatingMin != nil {
		lo = *q.Options.RatingMin
	}
	if q.Options.RatingMax != nil {
		hi = *q.Options.RatingMax
	}
	return lo, hi
}

// RatingBounds returns the inclusive rating range of q, defaulting to 1..5.
func RatingBounds(q models.Question) (int, int) { return ratingBounds(&q) }

func validateRating(q *models.Question, v any) *Invalid {
	x, ok := Number(v)
	if !ok || x != math.Trunc(x) {
		return invalid(ReasonInvalidFormat, "expected a whole number")
	}
	lo, hi := ratingBounds(q)
	if x < float64(lo) || x > float64(hi) {
		return invalid(ReasonOutOfRange, "must be between %d and %d", lo, hi)
	}
	return nil
}

func validateDate(q *models.Question, v any) *Invalid {
	s, ok := v.(string)
	if !ok {
		return invalid(ReasonInvalidFormat, "expected a date string")
	}
	layout, _ := dateLayout(q.Options.DateFormat)
	d, err := parseDate(layout, s)
	if err != nil {
		return invalid(ReasonInvalidFormat, "expected format %s", displayDateFormat(q.Options.DateFormat))
	}
	min, max, _ := dateBounds(q, layout)
	if min != nil && d.Before(*min) {
		return invalid(ReasonOutOfRange, "must not be before %s", q.Options.MinDate)
	}
	if max != nil && d.After(*max) {
		return invalid(ReasonOutOfRange, "must not be after %s", q.Options.MaxDate)
	}
	return nil
}

func validateFileUpload(q *models.Question, v any) *Invalid {
	files, ok := FileRefs(v)
	if !ok {
		return invalid(ReasonInvalidFormat, "expected a list of file references")
	}
	o := q.Options
	if o.MaxFileCount > 0 && len(files) > o.MaxFileCount {
		return invalid(ReasonOutOfRange, "at most %d files allowed", o.MaxFileCount)
	}
	for _, f := range files {
		if f.URL == "" && f.ID == "" {
			return invalid(ReasonInvalidFormat, "file reference without id or url")
		}
		if o.MaxFileSize > 0 && f.Size > o.MaxFileSize {
			return invalid(ReasonOutOfRange, "%q exceeds %d bytes", f.Name, o.MaxFileSize)
		}
		if len(o.AllowedFileTypes) > 0 && !fileTypeAllowed(f, o.AllowedFileTypes) {
			return invalid(ReasonInvalidFormat, "%q has a disallowed file type", f.Name)
		}
	}
	return nil
}

// fileTypeAllowed matches exact MIME types, wildcard families like "image/*" and
// extensions like ".pdf".
func fileTypeAllowed(f models.FileRef, allowed []string) bool {
	mime := strings.ToLower(f.Type)
	name := strings.ToLower(f.Name)
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		switch {
		case a == "":
		case strings.HasPrefix(a, "."):
			if strings.HasSuffix(name, a) {
				return true
			}
		case strings.HasSuffix(a, "/*"):
			if strings.HasPrefix(mime, strings.TrimSuffix(a, "*")) {
				return true
			}
		case a == mime:
			return true
		}
	}
	return false
}

func validateMatrix(q *models.Question, v any) *Invalid {
	sel, ok := v.(map[string]any)
	if !ok {
		return invalid(ReasonInvalidFormat, "expected a row to column mapping")
	}
	rows := toSet(q.Options.MatrixRows)
	cols := toSet(q.Options.MatrixColumns)
	for row, raw := range sel {
		if _, ok := rows[row]; !ok {
			return invalid(ReasonInvalidChoice, "%q is not a row", row)
		}
		col, ok := raw.(string)
		if !ok {
			return invalid(ReasonInvalidFormat, "row %q needs a single column", row)
		}
		if _, ok := cols[col]; !ok {
			return invalid(ReasonInvalidChoice, "%q is not a column", col)
		}
	}
	if q.Validation.Required {
		for _, row := range q.Options.MatrixRows {
			if _, ok := sel[row]; !ok {
				return invalid(ReasonMissingRequired, "row %q is unanswered", row)
			}
		}
	}
	return nil
}

func validateSorting(q *models.Question, v any) *Invalid {
	items, ok := StringList(v)
	if !ok {
		return invalid(ReasonInvalidFormat, "expected an ordered list of items")
	}
	want := toSet(q.Options.SortableItems)
	if len(items) != len(want) {
		return invalid(ReasonNotAPermutation, "expected %d items, got %d", len(want), len(items))
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, ok := want[it]; !ok {
			return invalid(ReasonNotAPermutation, "%q is not an item", it)
		}
		if _, dup := seen[it]; dup {
			return invalid(ReasonNotAPermutation, "%q appears twice", it)
		}
		seen[it] = struct{}{}
	}
	return nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
