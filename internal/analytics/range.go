package analytics

import (
	"errors"
	"time"
)

const (
	// DefaultRange is the preset used when neither range nor from/to is given.
	DefaultRange = "7d"

	// MaxRangeDays bounds explicit from/to ranges, and with them the number of trend buckets.
	MaxRangeDays = 3 * 366
)

var (
	ErrInvalidRange = errors.New("range must be 7d, 30d, 90d, 1y or all")
	ErrInvalidDate  = errors.New("dates must be RFC3339 or YYYY-MM-DD")
	ErrEmptyRange   = errors.New("from must be before to")
	ErrRangeTooWide = errors.New("explicit ranges may span at most 1098 days")
)

// DateRange is the half-open interval [From, To) that stats are computed over.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// RangeQuery is the raw query a caller passes to getStats.
type RangeQuery struct {
	Range string
	From  string
	To    string
}

// Resolve turns the query into a concrete range. Explicit from/to override the preset; a
// missing to means now. The "all" preset starts at the form's creation. Preset ranges end at
// the close of today in loc so today's bucket is complete.
func (q RangeQuery) Resolve(now, formCreated time.Time, loc *time.Location) (DateRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	if q.From != "" || q.To != "" {
		return q.explicit(now, formCreated, loc)
	}
	end := bucketStart(now, Day, loc).AddDate(0, 0, 1)
	preset := q.Range
	if preset == "" {
		preset = DefaultRange
	}
	var start time.Time
	switch preset {
	case "7d":
		start = end.AddDate(0, 0, -7)
	case "30d":
		start = end.AddDate(0, 0, -30)
	case "90d":
		start = end.AddDate(0, 0, -90)
	case "1y":
		start = end.AddDate(-1, 0, 0)
	case "all":
		start = bucketStart(formCreated, Day, loc)
	default:
		return DateRange{}, ErrInvalidRange
	}
	return DateRange{From: start, To: end}, nil
}

func (q RangeQuery) explicit(now, formCreated time.Time, loc *time.Location) (DateRange, error) {
	from := bucketStart(formCreated, Day, loc)
	to := now
	if q.From != "" {
		t, _, err := parseBound(q.From, loc)
		if err != nil {
			return DateRange{}, err
		}
		from = t
	}
	if q.To != "" {
		t, dateOnly, err := parseBound(q.To, loc)
		if err != nil {
			return DateRange{}, err
		}
		// A bare date includes the whole day.
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		to = t
	}
	if !from.Before(to) {
		return DateRange{}, ErrEmptyRange
	}
	if to.After(from.AddDate(0, 0, MaxRangeDays)) {
		return DateRange{}, ErrRangeTooWide
	}
	return DateRange{From: from, To: to}, nil
}

func parseBound(s string, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, ErrInvalidDate
}
