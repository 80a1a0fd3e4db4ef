package scraper

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var relativePattern = regexp.MustCompile(`^(\d+)\s*(分前|時間前|日前|m|min|mins|minute|minutes|h|hour|hours|d|day|days)(?:\s+ago)?$`)

// parseOccurredAt normalizes a marketplace-reported timestamp. The feed
// mixes absolute RFC3339 values with coarse relative forms ("3分前",
// "2 hours ago"); relative values are anchored to now.
func parseOccurredAt(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}

	if m := relativePattern.FindStringSubmatch(strings.ToLower(raw)); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("parse relative timestamp %q: %w", raw, err)
		}
		var unit time.Duration
		switch m[2] {
		case "分前", "m", "min", "mins", "minute", "minutes":
			unit = time.Minute
		case "時間前", "h", "hour", "hours":
			unit = time.Hour
		case "日前", "d", "day", "days":
			unit = 24 * time.Hour
		}
		return now.Add(-time.Duration(n) * unit), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
