package util

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout is the civil date format shared by both remotes and the store.
	DateLayout = "2006-01-02"

	floatingLayout = "2006-01-02T15:04:05"
)

// Date returns the calendar day of t in loc as midnight UTC.
func Date(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of calendar days from a to b. Both must be
// civil dates as returned by Date.
func DaysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

// SameDay reports whether two civil dates are equal.
func SameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// AddDays shifts a civil date.
func AddDays(d time.Time, n int) time.Time {
	return d.AddDate(0, 0, n)
}

// ParseDue parses a tracker due value. Full-day dates and floating times are
// taken as-is; instants with a zone are converted to loc before truncation.
func ParseDue(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty due date")
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(floatingLayout, s); err == nil {
		return Date(t, time.UTC), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Date(t, loc), nil
	}
	return time.Time{}, fmt.Errorf("invalid due date format: %s", s)
}

// FormatDate renders a civil date.
func FormatDate(d time.Time) string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// ParseDate is the inverse of FormatDate. Empty input yields the zero time.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(DateLayout, s)
}
