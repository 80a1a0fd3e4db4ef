// Package syncer drives one orchestration cycle: select due sources, fetch
// each from the scrape backend, deduplicate and ingest the results, and
// advance every touched schedule.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cardwatch/internal/blackout"
	"cardwatch/internal/dedup"
	"cardwatch/internal/ingest"
	"cardwatch/internal/policy"
	"cardwatch/internal/scraper"
	"cardwatch/internal/storage"
)

const snapshotVenue = "marketplace"

// Store is the slice of persistence the orchestrator composes.
type Store interface {
	storage.SourceStore
	storage.LedgerStore
	storage.SnapshotStore
	storage.BlackoutStore
	storage.PolicyStore
}

// Options tune orchestrator behaviour.
type Options struct {
	// Location is the business time zone used for blackout checks.
	Location *time.Location
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
	// Rand feeds the interval policy's jitter; nil means time-seeded.
	Rand func() float64
	// Defaults are the file/env policy values, used when no global policy
	// row has been stored yet. A stored row takes precedence wholesale.
	Defaults storage.PolicySettings
}

// Orchestrator composes the calendar, policy, dedup and writer components
// over an explicit store handle. One instance per process; cycles are
// sequential within themselves, overlap across triggers is resolved by the
// store's uniqueness constraint.
type Orchestrator struct {
	store   Store
	backend scraper.Backend
	writer  *ingest.Writer
	opts    Options
	now     func() time.Time
	logger  zerolog.Logger
}

// New constructs an Orchestrator.
func New(store Store, backend scraper.Backend, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:   store,
		backend: backend,
		writer:  ingest.NewWriter(store, logger),
		opts:    opts,
		now:     now,
		logger:  logger.With().Str("component", "syncer").Logger(),
	}
}

// RunCycle executes one orchestration cycle. Per-source failures are
// isolated into the report; only a failure to load cycle configuration
// returns an error.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	started := o.now().UTC()
	report := CycleReport{StartedAt: started}

	settings, err := o.store.LoadPolicySettings(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrPolicyNotFound) {
			return report, fmt.Errorf("load policy settings: %w", err)
		}
		settings = o.opts.Defaults
		o.logger.Debug().Msg("no stored policy row; using configured defaults")
	}

	if !settings.GloballyEnabled {
		report.Disabled = true
		report.DisabledBy = "global kill switch"
		report.FinishedAt = o.now().UTC()
		o.logger.Info().Msg("cycle skipped: globally disabled")
		return report, nil
	}

	windows, err := o.store.ListActiveBlackoutWindows(ctx)
	if err != nil {
		return report, fmt.Errorf("load blackout windows: %w", err)
	}
	calendar, err := blackout.NewCalendar(windows)
	if err != nil {
		return report, fmt.Errorf("build blackout calendar: %w", err)
	}

	nowLocal := started.In(o.opts.Location)
	if calendar.IsBlockedGlobally(nowLocal) {
		report.Disabled = true
		report.DisabledBy = "blackout window"
		report.FinishedAt = o.now().UTC()
		o.logger.Info().Time("now_local", nowLocal).Msg("cycle skipped: global blackout window")
		return report, nil
	}

	sources, err := o.store.SelectDueSources(ctx, started, settings.BatchSizePerCycle)
	if err != nil {
		return report, fmt.Errorf("select due sources: %w", err)
	}

	pol := policy.New(policy.Options{
		JitterMinPercent: settings.JitterMinPercent,
		JitterMaxPercent: settings.JitterMaxPercent,
		Rand:             o.opts.Rand,
	})
	engine := dedup.NewEngine(time.Duration(settings.DedupToleranceMinutes) * time.Minute)

	for _, source := range sources {
		if calendar.IsBlocked(source.ID, nowLocal) {
			report.add(SourceReport{
				SourceID: source.ID,
				ItemID:   source.ItemID,
				Outcome:  OutcomeSkipped,
				Reason:   "blackout window",
			})
			continue
		}
		report.add(o.processSource(ctx, source, pol, engine))
	}

	report.FinishedAt = o.now().UTC()
	o.logger.Info().
		Int("processed", report.Processed).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("cycle finished")
	return report, nil
}

// processSource runs the full pipeline for one source. Every exit path
// persists a schedule update: a source whose schedule never advanced would
// be retried every cycle forever.
func (o *Orchestrator) processSource(ctx context.Context, source storage.TrackedSource, pol *policy.IntervalPolicy, engine *dedup.Engine) SourceReport {
	now := o.now().UTC()
	logger := o.logger.With().Int64("source_id", source.ID).Int64("item_id", source.ItemID).Logger()

	if source.CachedProductType == "" {
		productType, err := o.backend.Classify(ctx, source.ExternalRef)
		if err != nil {
			return o.failSource(ctx, source, pol, now, fmt.Errorf("classify: %w", err))
		}
		source.CachedProductType = productType
	}

	transactions, err := o.backend.FetchRecentTransactions(ctx, source.ExternalRef)
	if err != nil {
		return o.failSource(ctx, source, pol, now, fmt.Errorf("fetch transactions: %w", err))
	}

	listings, err := o.backend.FetchCurrentListings(ctx, source.ExternalRef)
	if err != nil {
		return o.failSource(ctx, source, pol, now, fmt.Errorf("fetch listings: %w", err))
	}

	incoming := make([]storage.TransactionRecord, 0, len(transactions))
	for _, tx := range transactions {
		incoming = append(incoming, storage.TransactionRecord{
			ItemID:       source.ItemID,
			Grade:        tx.Grade,
			Price:        tx.Price,
			OccurredAt:   tx.OccurredAt,
			IdentityHint: tx.IdentityHint,
		})
	}

	var existing []storage.TransactionRecord
	if from, to, ok := engine.Bracket(incoming); ok {
		existing, err = o.store.ListTransactionsBetween(ctx, source.ItemID, from, to)
		if err != nil {
			return o.failSource(ctx, source, pol, now, fmt.Errorf("read existing ledger: %w", err))
		}
	}
	// Hinted identity ignores timestamps, so stored rows for these hints may
	// sit far outside the bracket. Read them separately or the same sale
	// re-reported with a drifted timestamp slips past the dedup pass.
	if hints := engine.Hints(incoming); len(hints) > 0 {
		hinted, err := o.store.ListTransactionsByHints(ctx, source.ItemID, hints)
		if err != nil {
			return o.failSource(ctx, source, pol, now, fmt.Errorf("read hinted ledger rows: %w", err))
		}
		existing = mergeRecords(existing, hinted)
	}

	partitioned := engine.Partition(existing, incoming)
	if partitioned.Malformed > 0 {
		logger.Warn().Int("malformed", partitioned.Malformed).Msg("dropped malformed records from scrape batch")
	}

	writeResult, err := o.writer.Write(ctx, source.ItemID, partitioned.New)
	if err != nil {
		return o.failSource(ctx, source, pol, now, fmt.Errorf("write ledger: %w", err))
	}
	if writeResult.Failed > 0 {
		sr := o.failSource(ctx, source, pol, now,
			fmt.Errorf("write ledger: %d of %d rows failed", writeResult.Failed, len(partitioned.New)))
		sr.Inserted = writeResult.Inserted
		sr.Duplicates = len(partitioned.Duplicate) + writeResult.Skipped
		sr.Malformed = partitioned.Malformed
		sr.FailedRows = writeResult.Failed
		return sr
	}

	snapshotFailures := 0
	for _, listing := range listings {
		snap := storage.ListingSnapshot{
			ItemID:     source.ItemID,
			Venue:      snapshotVenue,
			Grade:      listing.Grade,
			Price:      listing.Price,
			Depth:      listing.Depth,
			ObservedAt: now,
		}
		if err := o.store.UpsertListingSnapshot(ctx, snap); err != nil {
			snapshotFailures++
			logger.Error().Err(err).Str("grade", listing.Grade).Msg("failed to upsert listing snapshot")
		}
	}

	activity := o.recentActivity(ctx, source.ItemID, now, logger)
	source.ErrorCount = 0
	delayMinutes := pol.NextDelayMinutes(source, activity)
	nextPoll := now.Add(time.Duration(delayMinutes) * time.Minute)

	update := storage.SourceScheduleUpdate{
		SourceID:          source.ID,
		LastPolledAt:      now,
		LastStatus:        storage.StatusSuccess,
		NextPollAt:        nextPoll,
		ErrorCount:        0,
		CachedProductType: source.CachedProductType,
	}
	sr := SourceReport{
		SourceID:   source.ID,
		ItemID:     source.ItemID,
		Outcome:    OutcomeSucceeded,
		Inserted:   writeResult.Inserted,
		Duplicates: len(partitioned.Duplicate) + writeResult.Skipped,
		Malformed:  partitioned.Malformed,
		FailedRows: writeResult.Failed + snapshotFailures,
		NextPollAt: &nextPoll,
	}

	if err := o.store.UpdateSourceSchedule(ctx, update); err != nil {
		logger.Error().Err(err).Msg("failed to persist schedule update")
		sr.Error = fmt.Sprintf("persist schedule: %v", err)
	}

	logger.Info().
		Int("fetched", len(transactions)).
		Int("inserted", sr.Inserted).
		Int("duplicates", sr.Duplicates).
		Int("delay_minutes", delayMinutes).
		Msg("source synced")
	return sr
}

// failSource converts any per-source error into a schedule update. A
// permanent (bad reference) failure is parked at the backoff ceiling rather
// than walked up the retry curve; everything else takes the error path.
func (o *Orchestrator) failSource(ctx context.Context, source storage.TrackedSource, pol *policy.IntervalPolicy, now time.Time, cause error) SourceReport {
	logger := o.logger.With().Int64("source_id", source.ID).Logger()

	permanent := errors.Is(cause, scraper.ErrBadReference)
	source.ErrorCount++

	var delayMinutes int
	if permanent {
		delayMinutes = pol.CeilingMinutes()
	} else {
		delayMinutes = pol.NextDelayMinutesAfterError(source)
	}
	nextPoll := now.Add(time.Duration(delayMinutes) * time.Minute)

	msg := cause.Error()
	update := storage.SourceScheduleUpdate{
		SourceID:          source.ID,
		LastPolledAt:      now,
		LastStatus:        storage.StatusError,
		LastError:         &msg,
		NextPollAt:        nextPoll,
		ErrorCount:        source.ErrorCount,
		CachedProductType: source.CachedProductType,
	}

	outcome := OutcomeFailed
	if permanent {
		outcome = OutcomePermanent
		logger.Error().Err(cause).Msg("source reference unresolvable; operator action required")
	} else {
		logger.Warn().Err(cause).Int("error_count", source.ErrorCount).
			Int("retry_minutes", delayMinutes).Msg("source poll failed")
	}

	sr := SourceReport{
		SourceID:   source.ID,
		ItemID:     source.ItemID,
		Outcome:    outcome,
		Error:      msg,
		NextPollAt: &nextPoll,
	}

	if err := o.store.UpdateSourceSchedule(ctx, update); err != nil {
		logger.Error().Err(err).Msg("failed to persist schedule update after failure")
		sr.Error = fmt.Sprintf("%s; persist schedule: %v", msg, err)
	}
	return sr
}

func recordKey(rec storage.TransactionRecord) string {
	hint := ""
	if rec.IdentityHint != nil {
		hint = *rec.IdentityHint
	}
	return fmt.Sprintf("%d|%s|%d|%d|%s", rec.ItemID, rec.Grade, rec.Price, rec.OccurredAt.Unix(), hint)
}

// mergeRecords appends extra rows not already present in base. The bracket
// read and the hint read can overlap.
func mergeRecords(base, extra []storage.TransactionRecord) []storage.TransactionRecord {
	seen := make(map[string]bool, len(base))
	for _, rec := range base {
		seen[recordKey(rec)] = true
	}
	for _, rec := range extra {
		key := recordKey(rec)
		if seen[key] {
			continue
		}
		seen[key] = true
		base = append(base, rec)
	}
	return base
}

func (o *Orchestrator) recentActivity(ctx context.Context, itemID int64, now time.Time, logger zerolog.Logger) policy.ActivitySummary {
	count, err := o.store.CountTransactionsSince(ctx, itemID, now.Add(-24*time.Hour))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to count recent activity; assuming quiet item")
		return policy.ActivitySummary{}
	}
	return policy.ActivitySummary{EventsLast24h: count}
}
