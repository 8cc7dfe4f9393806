// Package insights produces the short per-submission summary stored on each submission.
package insights

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/internal/questions"
)

const (
	// MaxLength bounds the stored analysis text, in runes.
	MaxLength = 200
	// detailedLength is the rune count above which a text answer counts as detailed.
	detailedLength = 20
	// thoroughAnswers is the answered-question count reported as a high completion.
	thoroughAnswers = 5
)

// Summary is the rule-based reading of one submission.
type Summary struct {
	Answered  int      `json:"answered"`
	Detailed  int      `json:"detailed"`
	AvgRating *float64 `json:"avg_rating,omitempty"`
	Text      string   `json:"text"`
}

// Analyze summarises answers against the form's questions. Answers to questions that are no
// longer on the form are ignored.
func Analyze(qs []models.Question, answers models.Answers) Summary {
	var s Summary
	var ratingSum float64
	ratings := 0
	for _, q := range qs {
		questions.Normalize(&q)
		v, ok := answers[q.ID]
		if !ok || questions.IsEmpty(v) {
			continue
		}
		s.Answered++
		if str, ok := v.(string); ok && q.Type == models.QuestionText && utf8.RuneCountInString(strings.TrimSpace(str)) > detailedLength {
			s.Detailed++
		}
		if q.Type == models.QuestionRating || q.Type == models.QuestionNumber {
			if x, ok := questions.Number(v); ok && x > 0 {
				ratingSum += x
				ratings++
			}
		}
	}
	if ratings > 0 {
		avg := ratingSum / float64(ratings)
		s.AvgRating = &avg
	}
	s.Text = render(s)
	return s
}

func render(s Summary) string {
	if s.Answered == 0 {
		return "No answers were provided."
	}
	var parts []string
	if s.Detailed > 0 {
		parts = append(parts, fmt.Sprintf("Answered %d %s in detail", s.Detailed, plural(s.Detailed, "question", "questions")))
	}
	if s.AvgRating != nil {
		parts = append(parts, fmt.Sprintf("average rating %.1f", *s.AvgRating))
	}
	if s.Answered >= thoroughAnswers {
		parts = append(parts, "high completion")
	}
	if len(parts) == 0 {
		return "All required questions answered."
	}
	text := strings.Join(parts, "; ") + "."
	text = strings.ToUpper(text[:1]) + text[1:]
	return Truncate(text, MaxLength)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// Truncate shortens s to at most max runes, ending in "..." when cut.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}
