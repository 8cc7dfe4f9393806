package questions

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/multiforms/backend/internal/models"
)

// Number coerces a decoded answer into a float. JSON numbers, json.Number and numeric
// strings are accepted; booleans, NaN and infinities are not.
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		v = strings.TrimSpace(t)
	}
	x, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, false
	}
	return x, true
}

// ChoiceID converts a decoded scalar into a choice or item id. Numbers are rendered in their
// shortest form so that 2 matches the id "2".
func ChoiceID(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

// StringList converts a decoded JSON array into ids, element by element as ChoiceID does.
func StringList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			id, ok := ChoiceID(e)
			if !ok {
				return nil, false
			}
			out = append(out, id)
		}
		return out, true
	}
	return nil, false
}

// FileRefs decodes the file references of a file_upload answer.
func FileRefs(v any) ([]models.FileRef, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]models.FileRef, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, false
		}
		var f models.FileRef
		f.ID, _ = m["id"].(string)
		f.Name, _ = m["name"].(string)
		f.Type, _ = m["type"].(string)
		f.URL, _ = m["url"].(string)
		if raw, present := m["size"]; present && raw != nil {
			size, ok := Number(raw)
			if !ok || size < 0 {
				return nil, false
			}
			f.Size = int64(size)
		}
		out = append(out, f)
	}
	return out, true
}

var dateLayouts = map[string]string{
	"":           "2006-01-02",
	"YYYY-MM-DD": "2006-01-02",
	"MM-DD-YYYY": "01-02-2006",
	"DD-MM-YYYY": "02-01-2006",
	"MM-DD":      "01-02",
	"YYYY-MM":    "2006-01",
}

func dateLayout(format string) (string, bool) {
	l, ok := dateLayouts[format]
	return l, ok
}

func displayDateFormat(format string) string {
	if format == "" {
		return "YYYY-MM-DD"
	}
	return format
}

// parseDate accepts the configured layout and, as a fallback, a full RFC 3339 timestamp
// as sent by date pickers.
func parseDate(layout, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(layout, s)
	if err == nil {
		return t, nil
	}
	if ts, err2 := time.Parse(time.RFC3339, s); err2 == nil {
		return time.Parse(layout, ts.Format(layout))
	}
	return time.Time{}, err
}

func dateBounds(q *models.Question, layout string) (min, max *time.Time, msg string) {
	if s := q.Options.MinDate; s != "" {
		t, err := parseDate(layout, s)
		if err != nil {
			return nil, nil, "min_date does not match date_format"
		}
		min = &t
	}
	if s := q.Options.MaxDate; s != "" {
		t, err := parseDate(layout, s)
		if err != nil {
			return nil, nil, "max_date does not match date_format"
		}
		max = &t
	}
	return min, max, ""
}
