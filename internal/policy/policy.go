// Package policy computes the next poll delay for a tracked source from its
// observed activity and failure history. Pure functions of their inputs; the
// only nondeterminism is the injectable jitter source.
package policy

import (
	"math/rand"
	"time"

	"cardwatch/internal/storage"
)

// Activity tier bases, minutes. An item seen trading ≥5 times per hour over
// the trailing day is polled every half hour; a dead item every six hours.
var tierBases = []struct {
	perHour float64
	minutes int
}{
	{5.0, 30},
	{2.0, 60},
	{1.0, 120},
	{0.5, 180},
	{0.2, 240},
}

const (
	slowestTierMinutes = 360

	errorRetryBaseMinutes    = 60
	errorRetryMaxDoublings   = 3
	errorRetryCeilingMinutes = 360
)

// ActivitySummary describes recent trading activity for one item.
type ActivitySummary struct {
	// EventsLast24h counts ledger records observed in the trailing
	// 24-hour window.
	EventsLast24h int64
}

// Options tune jitter bounds.
type Options struct {
	JitterMinPercent int
	JitterMaxPercent int
	// Rand supplies a uniform value in [0,1). Injectable for tests; nil
	// falls back to a time-seeded source.
	Rand func() float64
}

// IntervalPolicy maps activity and error history to poll delays.
type IntervalPolicy struct {
	opts Options
	rnd  func() float64
}

// New constructs an IntervalPolicy.
func New(opts Options) *IntervalPolicy {
	rnd := opts.Rand
	if rnd == nil {
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		rnd = src.Float64
	}
	return &IntervalPolicy{opts: opts, rnd: rnd}
}

// NextDelayMinutes computes the success-path delay. Manual-mode sources get
// their fixed configured interval unchanged; adaptive sources get an
// activity-tier base with symmetric jitter applied. The result is always a
// positive number of minutes.
func (p *IntervalPolicy) NextDelayMinutes(source storage.TrackedSource, activity ActivitySummary) int {
	if source.Mode == storage.ModeManual {
		if source.ManualIntervalMinutes > 0 {
			return source.ManualIntervalMinutes
		}
		return slowestTierMinutes
	}

	base := baseForActivity(activity)
	delay := p.applyJitter(base)
	if delay < 1 {
		delay = 1
	}
	return delay
}

// NextDelayMinutesAfterError computes the retry delay after errorCount
// consecutive failures: 60 minutes doubled per failure, doubling capped
// after three, the whole thing clamped to a 360-minute ceiling. The result
// is non-decreasing in errorCount. A success resets the schedule to the
// success path; prior errors do not leak into it.
func (p *IntervalPolicy) NextDelayMinutesAfterError(source storage.TrackedSource) int {
	doublings := source.ErrorCount - 1
	if doublings < 0 {
		doublings = 0
	}
	if doublings > errorRetryMaxDoublings {
		doublings = errorRetryMaxDoublings
	}
	delay := errorRetryBaseMinutes << doublings
	if delay > errorRetryCeilingMinutes {
		delay = errorRetryCeilingMinutes
	}
	return delay
}

// CeilingMinutes exposes the absolute retry ceiling, used to park sources
// whose failures are not worth walking up the retry curve.
func (p *IntervalPolicy) CeilingMinutes() int {
	return errorRetryCeilingMinutes
}

func baseForActivity(activity ActivitySummary) int {
	perHour := float64(activity.EventsLast24h) / 24.0
	for _, tier := range tierBases {
		if perHour >= tier.perHour {
			return tier.minutes
		}
	}
	// Zero observed events is the quietest tier, never an error.
	return slowestTierMinutes
}

func (p *IntervalPolicy) applyJitter(base int) int {
	minPct := p.opts.JitterMinPercent
	maxPct := p.opts.JitterMaxPercent
	if minPct == 0 && maxPct == 0 {
		return base
	}
	span := float64(maxPct - minPct)
	pct := float64(minPct) + p.rnd()*span
	jittered := float64(base) * (1 + pct/100)
	delay := int(jittered + 0.5)
	if delay < 1 {
		delay = 1
	}
	return delay
}
