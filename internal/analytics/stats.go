package analytics

import (
	"time"

	"github.com/google/uuid"

	"github.com/multiforms/backend/internal/models"
)

// Counts are the whole-form submission totals read alongside the ranged submissions.
type Counts struct {
	Responses   int
	AvgDuration *float64
	Today       int
	ThisWeek    int
	ThisMonth   int
}

// Marks are the period starts used for the today/week/month counters.
type Marks struct {
	Today time.Time
	Week  time.Time
	Month time.Time
}

// MarksAt returns the start of the day, Monday-based week and month containing now in loc.
func MarksAt(now time.Time, loc *time.Location) Marks {
	if loc == nil {
		loc = time.UTC
	}
	return Marks{
		Today: bucketStart(now, Day, loc),
		Week:  bucketStart(now, Week, loc),
		Month: bucketStart(now, Month, loc),
	}
}

// Overview is the form-level summary shown above the per-question charts.
type Overview struct {
	TotalViews         int     `json:"total_views"`
	TotalResponses     int     `json:"total_responses"`
	CompletionRate     float64 `json:"completion_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	ResponsesToday     int     `json:"responses_today"`
	ResponsesThisWeek  int     `json:"responses_this_week"`
	ResponsesThisMonth int     `json:"responses_this_month"`
}

// BuildOverview combines the form's counters with the submission totals.
func BuildOverview(form models.Form, c Counts) Overview {
	o := Overview{
		TotalViews:         form.ViewCount,
		TotalResponses:     c.Responses,
		ResponsesToday:     c.Today,
		ResponsesThisWeek:  c.ThisWeek,
		ResponsesThisMonth: c.ThisMonth,
	}
	switch {
	case form.ViewCount > 0:
		o.CompletionRate = percent(c.Responses, form.ViewCount)
	case c.Responses > 0:
		o.CompletionRate = 100
	}
	if c.AvgDuration != nil {
		o.AvgDurationSeconds = round2(*c.AvgDuration)
	}
	return o
}

// Stats is the full statistics payload for one form.
type Stats struct {
	FormID      uuid.UUID       `json:"form_id"`
	Range       DateRange       `json:"range"`
	Granularity Granularity     `json:"granularity"`
	Overview    Overview        `json:"overview"`
	Questions   []QuestionStats `json:"questions"`
	Trend       []TrendPoint    `json:"trend"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Snapshot is a consistent read of one form for a date range.
type Snapshot struct {
	Form        models.Form
	Questions   []models.Question
	Submissions []models.Submission
	Counts      Counts
}

// Compute builds Stats from a snapshot. Per-question figures and the trend cover only the
// submissions in r; the overview covers the whole form.
func Compute(snap *Snapshot, r DateRange, g Granularity, loc *time.Location, now time.Time) *Stats {
	subs := make([]models.Submission, 0, len(snap.Submissions))
	for _, s := range Dedupe(snap.Submissions) {
		if !s.CreatedAt.Before(r.From) && s.CreatedAt.Before(r.To) {
			subs = append(subs, s)
		}
	}
	times := make([]time.Time, len(subs))
	for i, s := range subs {
		times[i] = s.CreatedAt
	}
	return &Stats{
		FormID:      snap.Form.ID,
		Range:       r,
		Granularity: g,
		Overview:    BuildOverview(snap.Form, snap.Counts),
		Questions:   Aggregate(snap.Questions, subs),
		Trend:       Trend(times, r.From, r.To, g, loc),
		GeneratedAt: now,
	}
}
