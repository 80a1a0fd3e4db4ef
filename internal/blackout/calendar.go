// Package blackout answers "is polling allowed for source X at time T?"
// given recurring weekly no-poll windows. Pure lookup, no state beyond the
// windows it was built with.
package blackout

import (
	"fmt"
	"time"

	"cardwatch/internal/storage"
)

// Calendar holds validated blackout windows. Build one per cycle from the
// stored configuration; queries never fail.
type Calendar struct {
	windows []storage.BlackoutWindow
}

// NewCalendar validates windows and builds a calendar. Malformed window data
// is rejected here, at configuration-load time, not at query time.
func NewCalendar(windows []storage.BlackoutWindow) (*Calendar, error) {
	kept := make([]storage.BlackoutWindow, 0, len(windows))
	for _, w := range windows {
		if err := validate(w); err != nil {
			return nil, err
		}
		if !w.Active {
			continue
		}
		kept = append(kept, w)
	}
	return &Calendar{windows: kept}, nil
}

func validate(w storage.BlackoutWindow) error {
	if w.DayOfWeek < 0 || w.DayOfWeek > 6 {
		return fmt.Errorf("blackout window %d: day_of_week %d out of range", w.ID, w.DayOfWeek)
	}
	if w.StartMinute < 0 || w.StartMinute > 1439 {
		return fmt.Errorf("blackout window %d: start_minute %d out of range", w.ID, w.StartMinute)
	}
	if w.EndMinute < 0 || w.EndMinute > 1440 {
		return fmt.Errorf("blackout window %d: end_minute %d out of range", w.ID, w.EndMinute)
	}
	if w.EndMinute <= w.StartMinute {
		return fmt.Errorf("blackout window %d: end_minute must be after start_minute", w.ID)
	}
	return nil
}

// IsBlocked reports whether polling the given source is suppressed at
// nowLocal. nowLocal must already be in the business time zone. Any single
// matching window blocks; overlapping windows are allowed. A window scoped
// to no source (nil ScopedSourceID) applies to every source.
func (c *Calendar) IsBlocked(sourceID int64, nowLocal time.Time) bool {
	day := int(nowLocal.Weekday())
	minute := nowLocal.Hour()*60 + nowLocal.Minute()

	for _, w := range c.windows {
		if w.DayOfWeek != day {
			continue
		}
		if minute < w.StartMinute || minute >= w.EndMinute {
			continue
		}
		if w.ScopedSourceID != nil && *w.ScopedSourceID != sourceID {
			continue
		}
		return true
	}
	return false
}

// IsBlockedGlobally reports whether an unscoped window suppresses all
// polling at nowLocal.
func (c *Calendar) IsBlockedGlobally(nowLocal time.Time) bool {
	day := int(nowLocal.Weekday())
	minute := nowLocal.Hour()*60 + nowLocal.Minute()

	for _, w := range c.windows {
		if w.ScopedSourceID != nil {
			continue
		}
		if w.DayOfWeek == day && minute >= w.StartMinute && minute < w.EndMinute {
			return true
		}
	}
	return false
}
