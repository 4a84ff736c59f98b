package pkg

import (
	"fmt"
	"regexp"
	"time"
)

// DateLayout is the calendar date format used across all challenge data.
// Dates are always local calendar dates, there is no time-of-day component.
const DateLayout = "2006-01-02"

var dateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// FormatDate renders only the local year/month/day components. Never go
// through UTC here - formatting an instant close to midnight via its UTC
// representation can roll the calendar date backward or forward.
func FormatDate(t time.Time) string {
	year, month, day := t.Date()
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

// ParseDate parses a YYYY-MM-DD string as a midnight-local date.
func ParseDate(s string) (time.Time, error) {
	if !dateRegex.MatchString(s) {
		return time.Time{}, fmt.Errorf("invalid date format: %s", s)
	}
	t, err := time.ParseInLocation(DateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %s: %w", s, err)
	}
	return t, nil
}

func Today() string {
	return FormatDate(time.Now())
}

func Yesterday() string {
	return FormatDate(time.Now().AddDate(0, 0, -1))
}

// DaysBetween returns the whole-day distance from a to b, positive when b
// is later. Both dates are reconstructed at midnight local time through
// time.Date, so DST transitions between them cannot produce a fractional
// day that would round the count off by one.
func DaysBetween(a, b string) (int, error) {
	start, err := ParseDate(a)
	if err != nil {
		return 0, err
	}
	end, err := ParseDate(b)
	if err != nil {
		return 0, err
	}

	startMidnight := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	endMidnight := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)

	return int(endMidnight.Sub(startMidnight).Hours() / 24), nil
}

// AddDays shifts a YYYY-MM-DD date by n calendar days (n may be negative).
func AddDays(date string, n int) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return FormatDate(t.AddDate(0, 0, n)), nil
}

// PrevDay is AddDays(date, -1).
func PrevDay(date string) (string, error) {
	return AddDays(date, -1)
}

// IsValidDate reports whether s is a well-formed and calendar-valid
// YYYY-MM-DD string (e.g. 2025-02-30 is rejected).
func IsValidDate(s string) bool {
	t, err := ParseDate(s)
	if err != nil {
		return false
	}
	// time.ParseInLocation normalizes overflowing components,
	// a round-trip catches dates like 2025-02-30
	return FormatDate(t) == s
}
