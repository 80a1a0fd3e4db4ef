package syncer

import "time"

// Outcome classifies what happened to one source during a cycle.
type Outcome string

const (
	// OutcomeSucceeded: fetched, deduplicated and ingested.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed: transient fetch or write failure; retried on the
	// backoff schedule at the next trigger.
	OutcomeFailed Outcome = "failed"
	// OutcomePermanent: the external reference cannot be resolved at all;
	// parked at the backoff ceiling and surfaced for operator action.
	OutcomePermanent Outcome = "permanent"
	// OutcomeSkipped: deliberately not attempted (blackout window).
	OutcomeSkipped Outcome = "skipped"
)

// SourceReport is the per-source detail of a cycle report.
type SourceReport struct {
	SourceID   int64      `json:"sourceId"`
	ItemID     int64      `json:"itemId"`
	Outcome    Outcome    `json:"outcome"`
	Reason     string     `json:"reason,omitempty"`
	Inserted   int        `json:"inserted"`
	Duplicates int        `json:"duplicates"`
	Malformed  int        `json:"malformed,omitempty"`
	FailedRows int        `json:"failedRows,omitempty"`
	Error      string     `json:"error,omitempty"`
	NextPollAt *time.Time `json:"nextPollAt,omitempty"`
}

// CycleReport is the sole user-visible surface of a cycle. It always
// distinguishes skipped from attempted-and-failed from succeeded; partial
// failures never fail the cycle as a whole.
type CycleReport struct {
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Disabled   bool           `json:"disabled,omitempty"`
	DisabledBy string         `json:"disabledBy,omitempty"`
	Processed  int            `json:"processed"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Sources    []SourceReport `json:"perSourceDetail"`
}

func (r *CycleReport) add(sr SourceReport) {
	switch sr.Outcome {
	case OutcomeSucceeded:
		r.Processed++
		r.Succeeded++
	case OutcomeFailed, OutcomePermanent:
		r.Processed++
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
	r.Sources = append(r.Sources, sr)
}
