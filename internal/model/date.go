package model

import (
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar date format used for milestone dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string { return t.UTC().Format(DateLayout) }

// AddDays shifts a YYYY-MM-DD date by n calendar days.
func AddDays(date string, n int) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return FormatDate(t.AddDate(0, 0, n)), nil
}

// FormatMillis renders a Unix millisecond timestamp as RFC3339 in UTC.
// Zero renders as the empty string.
func FormatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// ParseSince accepts an RFC3339 timestamp or Unix milliseconds and returns
// Unix milliseconds.  An empty string yields zero, meaning "everything".
func ParseSince(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
