package analytics

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"

	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/internal/questions"
)

// numberBuckets is the histogram width used for number questions.
const numberBuckets = 10

// ChoiceCount is how often one choice was selected. Percentage is relative to the
// respondents who answered the question.
type ChoiceCount struct {
	ChoiceID   string  `json:"choice_id"`
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// HistogramBucket counts values in [Lower, Upper]; only the last bucket is closed on the right.
type HistogramBucket struct {
	Label string  `json:"label"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// NumericStats summarises rating and number answers.
type NumericStats struct {
	Count     int               `json:"count"`
	Mean      float64           `json:"mean"`
	Median    float64           `json:"median"`
	Min       float64           `json:"min"`
	Max       float64           `json:"max"`
	StdDev    float64           `json:"std_dev"`
	Histogram []HistogramBucket `json:"histogram"`
}

// TextStats summarises free-text answers. The text itself is only available from the raw listing.
type TextStats struct {
	NonEmpty  int     `json:"non_empty"`
	AvgLength float64 `json:"avg_length"`
}

// MatrixStats counts selections per (row, column).
type MatrixStats struct {
	Rows    []string                  `json:"rows"`
	Columns []string                  `json:"columns"`
	Counts  map[string]map[string]int `json:"counts"`
}

// ItemRank is the mean 1-based position of a sortable item.
type ItemRank struct {
	Item            string  `json:"item"`
	AveragePosition float64 `json:"average_position"`
	FirstPlace      int     `json:"first_place"`
}

// QuestionStats is the aggregate for one question. Only the block for the question's type is set.
type QuestionStats struct {
	QuestionID    string              `json:"question_id"`
	QuestionText  string              `json:"question_text"`
	Type          models.QuestionType `json:"question_type"`
	ResponseCount int                 `json:"response_count"`
	SkipCount     int                 `json:"skip_count"`
	Choices       []ChoiceCount       `json:"choices,omitempty"`
	Numeric       *NumericStats       `json:"numeric,omitempty"`
	Text          *TextStats          `json:"text,omitempty"`
	Matrix        *MatrixStats        `json:"matrix,omitempty"`
	Ranking       []ItemRank          `json:"ranking,omitempty"`
	FileCount     *int                `json:"file_count,omitempty"`
}

// Dedupe drops repeated submission ids, keeping the first occurrence.
func Dedupe(subs []models.Submission) []models.Submission {
	seen := make(map[uuid.UUID]struct{}, len(subs))
	out := make([]models.Submission, 0, len(subs))
	for _, s := range subs {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Aggregate computes per-question statistics in schema order. Answers for question ids
// missing from qs are ignored, as are values that no longer fit an edited question.
func Aggregate(qs []models.Question, subs []models.Submission) []QuestionStats {
	subs = Dedupe(subs)
	out := make([]QuestionStats, 0, len(qs))
	for _, q := range qs {
		questions.Normalize(&q)
		values := make([]any, 0, len(subs))
		for _, s := range subs {
			if v, ok := s.Answers[q.ID]; ok && !questions.IsEmpty(v) {
				values = append(values, v)
			}
		}
		st := QuestionStats{
			QuestionID:    q.ID,
			QuestionText:  q.Text,
			Type:          q.Type,
			ResponseCount: len(values),
			SkipCount:     len(subs) - len(values),
		}
		switch q.Type {
		case models.QuestionSingleChoice, models.QuestionDropdown, models.QuestionMultipleChoice:
			st.Choices = choiceStats(q, values)
		case models.QuestionRating:
			lo, hi := questions.RatingBounds(q)
			st.Numeric = numericStats(numbers(values), ratingBuckets(lo, hi))
		case models.QuestionNumber:
			nums := numbers(values)
			st.Numeric = numericStats(nums, numberHistogram(q, nums))
		case models.QuestionText:
			st.Text = textStats(values)
		case models.QuestionMatrix:
			st.Matrix = matrixStats(q, values)
		case models.QuestionSorting:
			st.Ranking = rankingStats(q, values)
		case models.QuestionFileUpload:
			n := 0
			for _, v := range values {
				if files, ok := questions.FileRefs(v); ok {
					n += len(files)
				}
			}
			st.FileCount = &n
		}
		out = append(out, st)
	}
	return out
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return round2(float64(part) * 100 / float64(whole))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func choiceStats(q models.Question, values []any) []ChoiceCount {
	counts := make(map[string]int, len(q.Options.Choices))
	for _, v := range values {
		if id, ok := questions.ChoiceID(v); ok {
			counts[id]++
			continue
		}
		ids, _ := questions.StringList(v)
		for _, id := range ids {
			counts[id]++
		}
	}
	out := make([]ChoiceCount, 0, len(q.Options.Choices))
	for _, c := range q.Options.Choices {
		label := c.Label
		if label == "" {
			label = c.ID
		}
		out = append(out, ChoiceCount{
			ChoiceID:   c.ID,
			Label:      label,
			Count:      counts[c.ID],
			Percentage: percent(counts[c.ID], len(values)),
		})
	}
	return out
}

func numbers(values []any) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if x, ok := questions.Number(v); ok {
			out = append(out, x)
		}
	}
	return out
}

func ratingBuckets(lo, hi int) []HistogramBucket {
	out := make([]HistogramBucket, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		out = append(out, HistogramBucket{Label: itoa(v), Lower: float64(v), Upper: float64(v)})
	}
	return out
}

func numberHistogram(q models.Question, nums []float64) []HistogramBucket {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range nums {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if q.Options.NumberMin != nil {
		lo = *q.Options.NumberMin
	}
	if q.Options.NumberMax != nil {
		hi = *q.Options.NumberMax
	}
	if math.IsInf(lo, 0) || math.IsInf(hi, 0) || lo > hi {
		return []HistogramBucket{}
	}
	n := numberBuckets
	if lo == hi {
		n = 1
	}
	width := (hi - lo) / float64(n)
	out := make([]HistogramBucket, n)
	for i := range out {
		lower := lo + float64(i)*width
		upper := lower + width
		if i == n-1 {
			upper = hi
		}
		out[i] = HistogramBucket{Label: formatRange(lower, upper), Lower: lower, Upper: upper}
	}
	return out
}

func numericStats(nums []float64, buckets []HistogramBucket) *NumericStats {
	st := &NumericStats{Count: len(nums), Histogram: buckets}
	if len(nums) == 0 {
		return st
	}
	data := stats.Float64Data(nums)
	mean, _ := data.Mean()
	median, _ := data.Median()
	min, _ := data.Min()
	max, _ := data.Max()
	sd, _ := data.StandardDeviation()
	st.Mean, st.Median, st.Min, st.Max, st.StdDev = round2(mean), round2(median), min, max, round2(sd)

	for _, x := range nums {
		if i := bucketIndex(buckets, x); i >= 0 {
			buckets[i].Count++
		}
	}
	return st
}

// bucketIndex finds the bucket holding x. Values outside every bucket return -1.
func bucketIndex(buckets []HistogramBucket, x float64) int {
	for i, b := range buckets {
		last := i == len(buckets)-1
		if x >= b.Lower && (x < b.Upper || (last && x <= b.Upper) || b.Lower == b.Upper && x == b.Lower) {
			return i
		}
	}
	return -1
}

func textStats(values []any) *TextStats {
	st := &TextStats{}
	total := 0
	for _, v := range values {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		st.NonEmpty++
		total += utf8.RuneCountInString(s)
	}
	if st.NonEmpty > 0 {
		st.AvgLength = round2(float64(total) / float64(st.NonEmpty))
	}
	return st
}

func matrixStats(q models.Question, values []any) *MatrixStats {
	st := &MatrixStats{
		Rows:    q.Options.MatrixRows,
		Columns: q.Options.MatrixColumns,
		Counts:  make(map[string]map[string]int, len(q.Options.MatrixRows)),
	}
	for _, r := range q.Options.MatrixRows {
		row := make(map[string]int, len(q.Options.MatrixColumns))
		for _, c := range q.Options.MatrixColumns {
			row[c] = 0
		}
		st.Counts[r] = row
	}
	for _, v := range values {
		sel, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for r, raw := range sel {
			col, ok := raw.(string)
			if !ok {
				continue
			}
			if row, ok := st.Counts[r]; ok {
				if _, ok := row[col]; ok {
					row[col]++
				}
			}
		}
	}
	return st
}

func rankingStats(q models.Question, values []any) []ItemRank {
	sum := make(map[string]int, len(q.Options.SortableItems))
	seen := make(map[string]int, len(q.Options.SortableItems))
	first := make(map[string]int, len(q.Options.SortableItems))
	for _, v := range values {
		items, ok := questions.StringList(v)
		if !ok {
			continue
		}
		for i, it := range items {
			sum[it] += i + 1
			seen[it]++
			if i == 0 {
				first[it]++
			}
		}
	}
	out := make([]ItemRank, 0, len(q.Options.SortableItems))
	for _, it := range q.Options.SortableItems {
		r := ItemRank{Item: it, FirstPlace: first[it]}
		if seen[it] > 0 {
			r.AveragePosition = round2(float64(sum[it]) / float64(seen[it]))
		}
		out = append(out, r)
	}
	return out
}
