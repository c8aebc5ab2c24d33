package main

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ParseDropTime parses operator-supplied drop times into time.Time.
// Supports the following formats (all assumed to be UTC):
//   - "2026-02-10 16:00"          (YYYY-MM-DD HH:MM)
//   - "2026-02-10T16:00:00Z"      (RFC3339)
//   - "2026-02-10 16:00 UTC"      (YYYY-MM-DD HH:MM UTC)
//   - "2026-02-10 16:00:00"       (YYYY-MM-DD HH:MM:SS)
func ParseDropTime(timeStr string) (time.Time, error) {
	timeStr = strings.TrimSpace(timeStr)

	// Remove trailing "UTC" if present
	timeStr = strings.TrimSuffix(timeStr, " UTC")
	timeStr = strings.TrimSuffix(timeStr, "UTC")
	timeStr = strings.TrimSpace(timeStr)

	if t, err := time.Parse(time.RFC3339, timeStr); err == nil {
		return t, nil
	}

	if t, err := time.Parse("2006-01-02 15:04", timeStr); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC), nil
	}

	if t, err := time.Parse("2006-01-02 15:04:05", timeStr); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
	}

	return time.Time{}, fmt.Errorf("invalid time format '%s'. Use format: YYYY-MM-DD HH:MM (e.g., 2026-02-10 16:00). Time is assumed to be UTC", timeStr)
}

var dropLabelPattern = regexp.MustCompile(`Dropped on ([A-Za-z]+ \d{1,2}, \d{4})`)

// ParseDropLabel extracts the drop date from a storefront caption such as
// "Dropped on February 10, 2026". The label carries no time of day, so the
// result is midnight UTC of that date. A bare "February 10, 2026" also
// parses, since some cards omit the prefix.
func ParseDropLabel(text string) (time.Time, error) {
	text = strings.TrimSpace(text)

	if m := dropLabelPattern.FindStringSubmatch(text); len(m) == 2 {
		t, err := time.Parse("January 2, 2006", m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable drop date '%s': %w", m[1], err)
		}
		return t, nil
	}

	if t, err := time.Parse("January 2, 2006", text); err == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("no drop date found in '%s'", text)
}
