// Package dedup partitions freshly scraped transaction records into new and
// duplicate against the existing ledger for the same item.
//
// Two records are the same transaction under one of two rules, selected by
// whether the incoming record carries an identity hint. The hint (an opaque
// per-seller marker) is a stronger signal than the marketplace's coarse,
// often relative timestamps, so when present it supersedes time matching
// entirely. Hint-less records fall back to a fuzzy time window: the upstream
// feed can drift the reported time of the same sale across repeated scrapes.
package dedup

import (
	"time"

	"cardwatch/internal/storage"
)

// identityKind tags the matching rule applicable to a record.
type identityKind int

const (
	byWindow identityKind = iota
	byHint
)

// identity is the explicit sum type for a record's matching rule:
// ByHint(value) when the record carries a seller marker, ByWindow otherwise.
type identity struct {
	kind identityKind
	hint string
}

func identityOf(rec storage.TransactionRecord) identity {
	if rec.IdentityHint != nil && *rec.IdentityHint != "" {
		return identity{kind: byHint, hint: *rec.IdentityHint}
	}
	return identity{kind: byWindow}
}

// Result carries the partition outcome. Malformed counts incoming records
// dropped for missing required fields; a bad record never aborts the batch.
type Result struct {
	New       []storage.TransactionRecord
	Duplicate []storage.TransactionRecord
	Malformed int
}

// Engine applies the fuzzy identity rules with a configurable tolerance
// window for hint-less matching.
type Engine struct {
	tolerance time.Duration
}

// DefaultTolerance matches the upstream feed's observed clock imprecision.
const DefaultTolerance = 10 * time.Minute

// NewEngine constructs an Engine. A non-positive tolerance falls back to the
// default.
func NewEngine(tolerance time.Duration) *Engine {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Engine{tolerance: tolerance}
}

// Partition splits incoming records into new and duplicate against existing.
// An incoming record matching any existing record is a duplicate. Each
// existing record is consumed by at most one incoming match so duplicate
// accounting stays honest.
func (e *Engine) Partition(existing, incoming []storage.TransactionRecord) Result {
	var result Result
	used := make(map[int]bool, len(existing))

	for _, rec := range incoming {
		if !wellFormed(rec) {
			result.Malformed++
			continue
		}

		matched := -1
		for i, prior := range existing {
			if used[i] {
				continue
			}
			if e.matches(prior, rec) {
				matched = i
				break
			}
		}

		if matched >= 0 {
			used[matched] = true
			result.Duplicate = append(result.Duplicate, rec)
			continue
		}
		result.New = append(result.New, rec)
	}

	return result
}

func (e *Engine) matches(existing, incoming storage.TransactionRecord) bool {
	if existing.Grade != incoming.Grade || existing.Price != incoming.Price {
		return false
	}

	in := identityOf(incoming)
	ex := identityOf(existing)

	switch in.kind {
	case byHint:
		// Timestamp deliberately not compared: the hint outranks it.
		return ex.kind == byHint && ex.hint == in.hint
	default:
		if ex.kind != byWindow {
			return false
		}
		delta := existing.OccurredAt.Sub(incoming.OccurredAt)
		if delta < 0 {
			delta = -delta
		}
		return delta < e.tolerance
	}
}

func wellFormed(rec storage.TransactionRecord) bool {
	return rec.Grade != "" && rec.Price > 0 && !rec.OccurredAt.IsZero()
}

// Hints collects the distinct identity hints carried by the well-formed
// records of an incoming batch. Hint matching ignores timestamps, so ledger
// rows for these records have to be read by hint, not by time bracket.
func (e *Engine) Hints(incoming []storage.TransactionRecord) []string {
	seen := make(map[string]bool)
	hints := make([]string, 0)
	for _, rec := range incoming {
		if !wellFormed(rec) {
			continue
		}
		id := identityOf(rec)
		if id.kind != byHint || seen[id.hint] {
			continue
		}
		seen[id.hint] = true
		hints = append(hints, id.hint)
	}
	return hints
}

// Bracket returns the [min-tolerance, max+tolerance] time range covering an
// incoming batch, for pre-filtering the existing ledger read. ok is false
// when the batch holds no well-formed records.
func (e *Engine) Bracket(incoming []storage.TransactionRecord) (from, to time.Time, ok bool) {
	for _, rec := range incoming {
		if !wellFormed(rec) {
			continue
		}
		if !ok {
			from, to, ok = rec.OccurredAt, rec.OccurredAt, true
			continue
		}
		if rec.OccurredAt.Before(from) {
			from = rec.OccurredAt
		}
		if rec.OccurredAt.After(to) {
			to = rec.OccurredAt
		}
	}
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return from.Add(-e.tolerance), to.Add(e.tolerance), true
}
