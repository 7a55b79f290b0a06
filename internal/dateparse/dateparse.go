// Package dateparse turns the relative and absolute time expressions accepted
// by history filters into a point in time.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Since parses a lower time bound using the current time as the reference.
//
// Supported formats:
//   - Exact dates: "2026-03-01" (midnight, local time)
//   - Exact timestamps: "2026-03-01T15:04:05Z" (RFC 3339)
//   - Go durations back from now: "90m", "2h30m"
//   - Relative days, weeks, months back from now: "7d", "2w", "1mo"
//   - Day names: "monday", "tuesday", etc. (start of the last occurrence)
//   - Keywords: "today", "yesterday", "last-week", "last-month"
func Since(input string) (time.Time, error) {
	return SinceFrom(input, time.Now())
}

// SinceFrom parses input relative to the given reference time.
// This variant enables deterministic testing with a fixed "now".
func SinceFrom(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return time.Time{}, fmt.Errorf("empty time input")
	}

	if t, err := time.ParseInLocation("2006-01-02", input, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, strings.ToUpper(input)); err == nil {
		return t, nil
	}

	today := startOfDay(now)
	switch input {
	case "today":
		return today, nil
	case "yesterday":
		return today.AddDate(0, 0, -1), nil
	case "last-week":
		// Monday of the previous week
		sinceMonday := (int(now.Weekday()) - int(time.Monday) + 7) % 7
		return today.AddDate(0, 0, -sinceMonday-7), nil
	case "last-month":
		// 1st of the previous month
		year, month, _ := now.Date()
		return time.Date(year, month-1, 1, 0, 0, 0, 0, now.Location()), nil
	}

	// Relative offsets: Nd, Nw, Nmo, with an optional leading "-"
	rel := strings.TrimPrefix(input, "-")
	for _, unit := range []string{"mo", "d", "w"} {
		numStr, ok := strings.CutSuffix(rel, unit)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(numStr)
		if err != nil || n < 0 {
			break
		}
		switch unit {
		case "d":
			return now.AddDate(0, 0, -n), nil
		case "w":
			return now.AddDate(0, 0, -n*7), nil
		case "mo":
			return now.AddDate(0, -n, 0), nil
		}
	}

	if d, err := time.ParseDuration(rel); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration %q", input)
		}
		return now.Add(-d), nil
	}

	// Day names: most recent occurrence of that weekday, today excluded
	dayMap := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
	if target, ok := dayMap[input]; ok {
		daysBack := (int(now.Weekday()) - int(target) + 7) % 7
		if daysBack == 0 {
			daysBack = 7 // always go back to the previous occurrence
		}
		return today.AddDate(0, 0, -daysBack), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %q", input)
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
