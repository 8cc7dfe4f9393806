package analytics

import (
	"errors"
	"strconv"
	"time"
)

// Granularity is the width of one trend bucket.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// ErrInvalidGranularity is returned for anything other than day, week or month.
var ErrInvalidGranularity = errors.New("granularity must be day, week or month")

// ParseGranularity parses a granularity, defaulting to Day when s is empty.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "":
		return Day, nil
	case Day, Week, Month:
		return Granularity(s), nil
	}
	return "", ErrInvalidGranularity
}

// TrendPoint is the number of submissions in the bucket starting at Start.
type TrendPoint struct {
	Date  string    `json:"date"`
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// bucketStart truncates t to the start of its bucket in loc. Weeks start on Monday.
func bucketStart(t time.Time, g Granularity, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	switch g {
	case Week:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
}

func nextBucket(t time.Time, g Granularity) time.Time {
	switch g {
	case Week:
		return t.AddDate(0, 0, 7)
	case Month:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

func bucketLabel(t time.Time, g Granularity) string {
	if g == Month {
		return t.Format("2006-01")
	}
	return t.Format("2006-01-02")
}

// Trend buckets times into contiguous buckets covering [from, to), zero-filled and sorted
// chronologically. Times outside the range are dropped. The result is never nil.
func Trend(times []time.Time, from, to time.Time, g Granularity, loc *time.Location) []TrendPoint {
	if loc == nil {
		loc = time.UTC
	}
	points := []TrendPoint{}
	if !from.Before(to) {
		return points
	}
	index := map[int64]int{}
	for b := bucketStart(from, g, loc); b.Before(to); b = nextBucket(b, g) {
		index[b.Unix()] = len(points)
		points = append(points, TrendPoint{Date: bucketLabel(b, g), Start: b})
	}
	for _, t := range times {
		if t.Before(from) || !t.Before(to) {
			continue
		}
		if i, ok := index[bucketStart(t, g, loc).Unix()]; ok {
			points[i].Count++
		}
	}
	return points
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func formatRange(lo, hi float64) string {
	return strconv.FormatFloat(lo, 'f', -1, 64) + "-" + strconv.FormatFloat(hi, 'f', -1, 64)
}
