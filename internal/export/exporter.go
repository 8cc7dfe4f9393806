package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/internal/questions"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// ErrUnsupportedFormat is returned for formats other than csv and json.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// listSeparator joins multi-valued answers in a single cell.
const listSeparator = "; "

// fixedColumns precede one column per question.
var fixedColumns = []string{"submission_id", "created_at", "duration_seconds"}

// ParseFormat validates a format name, defaulting to csv.
func ParseFormat(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Filename is the download name for an export of form.
func Filename(form models.Form, format string, now time.Time) string {
	return fmt.Sprintf("form-%s-%s.%s", form.ShortID, now.UTC().Format("20060102-150405"), format)
}

// Exporter writes submissions as one row per submission and one column per question in
// schema order.
type Exporter struct {
	questions []models.Question
	writer    io.Writer
	csvWriter *csv.Writer
	format    string
	counter   int
}

// NewExporter writes the header for format and returns an exporter ready for rows.
func NewExporter(qs []models.Question, w io.Writer, format string) (*Exporter, error) {
	normalized := make([]models.Question, len(qs))
	for i, q := range qs {
		questions.Normalize(&q)
		normalized[i] = q
	}
	e := &Exporter{questions: normalized, writer: w, format: format}
	if err := e.init(); err != nil {
		return nil, err
	}
	return e, nil
}

// Columns returns the header row.
func (e *Exporter) Columns() []string {
	cols := append([]string{}, fixedColumns...)
	for _, q := range e.questions {
		cols = append(cols, columnName(q))
	}
	return cols
}

func columnName(q models.Question) string {
	if strings.TrimSpace(q.Text) == "" {
		return q.ID
	}
	return q.Text
}

func (e *Exporter) init() error {
	var err error
	switch e.format {
	case FormatCSV:
		e.csvWriter = csv.NewWriter(e.writer)
		err = e.csvWriter.Write(e.Columns())
	case FormatJSON:
		var cols []byte
		cols, err = json.Marshal(e.Columns())
		if err == nil {
			_, err = io.WriteString(e.writer, `{"columns":`+string(cols)+`,"responses":[`)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, e.format)
	}
	return err
}

// Count is the number of submissions written so far.
func (e *Exporter) Count() int { return e.counter }

// WriteSubmission appends one submission.
func (e *Exporter) WriteSubmission(s *models.Submission) error {
	switch e.format {
	case FormatCSV:
		if err := e.csvWriter.Write(e.Row(s)); err != nil {
			return err
		}
	case FormatJSON:
		obj := map[string]any{
			"submission_id":    s.ID,
			"created_at":       s.CreatedAt.UTC().Format(time.RFC3339),
			"duration_seconds": s.DurationSeconds,
		}
		answers := make(map[string]string, len(e.questions))
		for _, q := range e.questions {
			answers[q.ID] = Cell(q, s.Answers[q.ID])
		}
		obj["answers"] = answers
		raw, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		if e.counter > 0 {
			if _, err := io.WriteString(e.writer, ","); err != nil {
				return err
			}
		}
		if _, err := e.writer.Write(raw); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, e.format)
	}
	e.counter++
	return nil
}

// Finish flushes buffered output and closes the JSON document.
func (e *Exporter) Finish() error {
	switch e.format {
	case FormatCSV:
		e.csvWriter.Flush()
		return e.csvWriter.Error()
	case FormatJSON:
		_, err := io.WriteString(e.writer, "]}")
		return err
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, e.format)
}

// Row renders a submission as CSV cells.
func (e *Exporter) Row(s *models.Submission) []string {
	row := make([]string, 0, len(fixedColumns)+len(e.questions))
	duration := ""
	if s.DurationSeconds != nil {
		duration = strconv.Itoa(*s.DurationSeconds)
	}
	row = append(row, s.ID.String(), s.CreatedAt.UTC().Format(time.RFC3339), duration)
	for _, q := range e.questions {
		row = append(row, Cell(q, s.Answers[q.ID]))
	}
	return row
}

// Cell renders one answer. Choice ids become labels, lists are joined with "; ", matrices
// are written as JSON and files by name.
func Cell(q models.Question, v any) string {
	if questions.IsEmpty(v) {
		return ""
	}
	switch q.Type {
	case models.QuestionSingleChoice, models.QuestionDropdown:
		if id, ok := questions.ChoiceID(v); ok {
			return choiceLabel(q, id)
		}
	case models.QuestionMultipleChoice:
		if ids, ok := questions.StringList(v); ok {
			labels := make([]string, len(ids))
			for i, id := range ids {
				labels[i] = choiceLabel(q, id)
			}
			return strings.Join(labels, listSeparator)
		}
	case models.QuestionSorting:
		if items, ok := questions.StringList(v); ok {
			return strings.Join(items, listSeparator)
		}
	case models.QuestionFileUpload:
		if files, ok := questions.FileRefs(v); ok {
			names := make([]string, len(files))
			for i, f := range files {
				names[i] = f.Name
			}
			return strings.Join(names, listSeparator)
		}
	case models.QuestionMatrix:
		if raw, err := json.Marshal(v); err == nil {
			return string(raw)
		}
	case models.QuestionRating, models.QuestionNumber:
		if x, ok := questions.Number(v); ok {
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
	}
	return scalar(v)
}

func choiceLabel(q models.Question, id string) string {
	for _, c := range q.Options.Choices {
		if c.ID == id {
			if c.Label != "" {
				return c.Label
			}
			break
		}
	}
	return id
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// Source streams a form's submissions oldest first.
type Source interface {
	Each(ctx context.Context, formID uuid.UUID, fn func(*models.Submission) error) error
}

// Write exports every submission of the form to w and returns how many were written.
func Write(ctx context.Context, src Source, formID uuid.UUID, qs []models.Question, w io.Writer, format string) (int, error) {
	e, err := NewExporter(qs, w, format)
	if err != nil {
		return 0, err
	}
	if err := src.Each(ctx, formID, e.WriteSubmission); err != nil {
		return e.Count(), err
	}
	return e.Count(), e.Finish()
}
