package models

import (
	"fmt"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for stored timestamps, so that
// lexical order in SQLite matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// TimePrecision is the finest resolution both stores keep. Postgres
// timestamptz stores microseconds, so local stamps are truncated to match and
// a round trip through the remote compares equal.
const TimePrecision = time.Microsecond

// Stamp normalises t to UTC at TimePrecision.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimePrecision)
}

// DateLayout is the layout used for due dates.
const DateLayout = "2006-01-02"

// FormatTime renders t in TimeLayout. The zero time renders as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout or any RFC 3339 timestamp. "" parses to the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatDate renders the calendar date of t.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD date, also accepting full timestamps.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}
