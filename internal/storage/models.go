package storage

import (
	"time"
)

// SourceMode controls how a tracked source is scheduled.
type SourceMode string

const (
	ModeOff    SourceMode = "off"
	ModeManual SourceMode = "manual"
	ModeAuto   SourceMode = "auto"
)

// SourceStatus records the outcome of the most recent poll.
type SourceStatus string

const (
	StatusNever   SourceStatus = "never"
	StatusSuccess SourceStatus = "success"
	StatusError   SourceStatus = "error"
)

// TrackedSource is one polling target: an external marketplace listing
// linked to an internal catalog item.
type TrackedSource struct {
	ID                    int64
	ItemID                int64
	ExternalRef           string
	Mode                  SourceMode
	ManualIntervalMinutes int
	LastPolledAt          *time.Time
	LastStatus            SourceStatus
	LastError             *string
	NextPollAt            *time.Time
	ErrorCount            int
	CachedProductType     string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SourceScheduleUpdate carries the fields mutated at the end of every
// orchestrator pass over a source. Applied unconditionally so the schedule
// always advances, success or failure.
type SourceScheduleUpdate struct {
	SourceID          int64
	LastPolledAt      time.Time
	LastStatus        SourceStatus
	LastError         *string
	NextPollAt        time.Time
	ErrorCount        int
	CachedProductType string
}

// TransactionRecord is one observed sale for a tracked item. The ledger is
// append-only: rows are inserted once qualified as new, never updated.
type TransactionRecord struct {
	ItemID       int64
	Grade        string
	Price        int64
	OccurredAt   time.Time
	IdentityHint *string
	Sequence     int
}

// ListingSnapshot is a point-in-time best-price observation for one
// (item, venue, grade) bucket.
type ListingSnapshot struct {
	ItemID     int64
	Venue      string
	Grade      string
	Price      int64
	Depth      int
	ObservedAt time.Time
}

// BlackoutWindow is a recurring weekly no-poll window. Times are minutes
// from local midnight; ScopedSourceID nil means the window applies to all
// sources.
type BlackoutWindow struct {
	ID             int64
	DayOfWeek      int
	StartMinute    int
	EndMinute      int
	ScopedSourceID *int64
	Active         bool
}

// PolicySettings is the stored global_policy row, loaded once per cycle
// and treated as immutable for its duration.
type PolicySettings struct {
	GloballyEnabled          bool
	BatchSizePerCycle        int
	JitterMinPercent         int
	JitterMaxPercent         int
	IntervalLevelsMinutes    []int
	NoChangeLevelUpThreshold int
	DedupToleranceMinutes    int
}

// DailyAverage is one day's average transaction price for a grade bucket.
type DailyAverage struct {
	Day      time.Time
	Grade    string
	AvgPrice string
	Count    int64
}
