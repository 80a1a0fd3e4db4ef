package blackout

import (
	"testing"
	"time"

	"cardwatch/internal/storage"
)

func window(day, start, end int, sourceID *int64, active bool) storage.BlackoutWindow {
	return storage.BlackoutWindow{
		DayOfWeek:      day,
		StartMinute:    start,
		EndMinute:      end,
		ScopedSourceID: sourceID,
		Active:         active,
	}
}

func at(day time.Weekday, hour, minute int) time.Time {
	// 2026-03-01 is a Sunday.
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, int(day)).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func TestGlobalWindowBlocksAllSources(t *testing.T) {
	cal, err := NewCalendar([]storage.BlackoutWindow{
		window(int(time.Tuesday), 2*60, 4*60, nil, true),
	})
	if err != nil {
		t.Fatalf("calendar build failed: %v", err)
	}

	inside := at(time.Tuesday, 3, 0)
	if !cal.IsBlocked(1, inside) || !cal.IsBlocked(99, inside) {
		t.Fatal("an unscoped window must block every source")
	}
	if !cal.IsBlockedGlobally(inside) {
		t.Fatal("an unscoped window must block globally")
	}
	if cal.IsBlocked(1, at(time.Tuesday, 4, 0)) {
		t.Fatal("end minute is exclusive")
	}
	if cal.IsBlocked(1, at(time.Wednesday, 3, 0)) {
		t.Fatal("other weekdays are not blocked")
	}
}

func TestScopedWindowBlocksOnlyItsSource(t *testing.T) {
	src := int64(42)
	cal, err := NewCalendar([]storage.BlackoutWindow{
		window(int(time.Friday), 22*60, 23*60, &src, true),
	})
	if err != nil {
		t.Fatalf("calendar build failed: %v", err)
	}

	inside := at(time.Friday, 22, 30)
	if !cal.IsBlocked(42, inside) {
		t.Fatal("scoped source must be blocked inside its window")
	}
	if cal.IsBlocked(7, inside) {
		t.Fatal("other sources must not be blocked by a scoped window")
	}
	if cal.IsBlockedGlobally(inside) {
		t.Fatal("a scoped window never blocks globally")
	}
}

func TestOverlappingWindowsAnyMatchBlocks(t *testing.T) {
	cal, err := NewCalendar([]storage.BlackoutWindow{
		window(int(time.Monday), 9*60, 12*60, nil, true),
		window(int(time.Monday), 11*60, 14*60, nil, true),
	})
	if err != nil {
		t.Fatalf("calendar build failed: %v", err)
	}

	for _, minute := range []int{9*60 + 1, 11*60 + 30, 13 * 60} {
		when := at(time.Monday, minute/60, minute%60)
		if !cal.IsBlocked(1, when) {
			t.Fatalf("minute %d should be blocked", minute)
		}
	}
}

func TestInactiveWindowIgnored(t *testing.T) {
	cal, err := NewCalendar([]storage.BlackoutWindow{
		window(int(time.Monday), 0, 1440, nil, false),
	})
	if err != nil {
		t.Fatalf("calendar build failed: %v", err)
	}
	if cal.IsBlocked(1, at(time.Monday, 12, 0)) {
		t.Fatal("inactive windows must not block")
	}
}

func TestMalformedWindowRejectedAtBuildTime(t *testing.T) {
	cases := []storage.BlackoutWindow{
		window(7, 0, 60, nil, true),      // bad weekday
		window(1, -1, 60, nil, true),     // bad start
		window(1, 120, 60, nil, true),    // end before start
		window(1, 0, 2000, nil, true),    // bad end
	}
	for i, w := range cases {
		if _, err := NewCalendar([]storage.BlackoutWindow{w}); err == nil {
			t.Fatalf("case %d: malformed window must be rejected at build time", i)
		}
	}
}
