package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrDuplicate wraps a unique-constraint violation on the transaction
	// ledger. Callers absorb it; the constraint is the authoritative dedup.
	ErrDuplicate = errors.New("storage: duplicate record")
	// ErrPolicyNotFound indicates the global policy row has not been stored
	// yet. Callers fall back to configured defaults.
	ErrPolicyNotFound = errors.New("storage: policy settings not found")
)

const (
	selectDueSourcesSQL = `SELECT
        id, item_id, external_ref, mode, manual_interval_minutes,
        last_polled_at, last_status, last_error, next_poll_at,
        error_count, cached_product_type, created_at, updated_at
    FROM tracked_sources
    WHERE mode <> 'off'
      AND (next_poll_at IS NULL OR next_poll_at <= $1)
    ORDER BY next_poll_at ASC NULLS FIRST
    LIMIT $2;`

	listRecentSourcesSQL = `SELECT
        id, item_id, external_ref, mode, manual_interval_minutes,
        last_polled_at, last_status, last_error, next_poll_at,
        error_count, cached_product_type, created_at, updated_at
    FROM tracked_sources
    ORDER BY updated_at DESC
    LIMIT $1;`

	updateSourceScheduleSQL = `UPDATE tracked_sources
    SET last_polled_at      = $2,
        last_status         = $3,
        last_error          = $4,
        next_poll_at        = $5,
        error_count         = $6,
        cached_product_type = $7,
        updated_at          = now()
    WHERE id = $1;`

	insertTransactionSQL = `INSERT INTO transaction_records (
        item_id, grade, price, occurred_at, identity_hint, sequence
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	listTransactionsBetweenSQL = `SELECT
        item_id, grade, price, occurred_at, identity_hint, sequence
    FROM transaction_records
    WHERE item_id = $1
      AND occurred_at >= $2
      AND occurred_at <= $3
    ORDER BY occurred_at;`

	listTransactionsByHintSQL = `SELECT
        item_id, grade, price, occurred_at, identity_hint, sequence
    FROM transaction_records
    WHERE item_id = $1
      AND identity_hint = ANY($2)
    ORDER BY occurred_at;`

	countTransactionsSinceSQL = `SELECT COUNT(*)
    FROM transaction_records
    WHERE item_id = $1 AND occurred_at >= $2;`

	upsertListingSnapshotSQL = `INSERT INTO listing_snapshots (
        item_id, venue, grade, price, depth, observed_at
    ) VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (item_id, venue, grade) DO UPDATE
    SET price       = EXCLUDED.price,
        depth       = EXCLUDED.depth,
        observed_at = EXCLUDED.observed_at;`

	listBlackoutWindowsSQL = `SELECT
        id, day_of_week, start_minute, end_minute, scoped_source_id, active
    FROM blackout_windows
    WHERE active = true;`

	loadPolicySettingsSQL = `SELECT
        globally_enabled, batch_size_per_cycle,
        jitter_min_percent, jitter_max_percent,
        interval_levels_minutes, no_change_level_up_threshold,
        dedup_tolerance_minutes
    FROM global_policy
    WHERE id = 1;`

	listDailyAveragesSQL = `SELECT
        date_trunc('day', occurred_at) AS day,
        grade,
        AVG(price)::numeric(20,4),
        COUNT(*)
    FROM transaction_records
    WHERE item_id = $1
      AND occurred_at >= $2
      AND occurred_at < $3
    GROUP BY 1, 2
    ORDER BY 1, 2;`
)

// SourceStore defines operations over tracked sources.
type SourceStore interface {
	SelectDueSources(ctx context.Context, now time.Time, limit int) ([]TrackedSource, error)
	UpdateSourceSchedule(ctx context.Context, upd SourceScheduleUpdate) error
}

// LedgerStore defines operations over the append-only transaction ledger.
type LedgerStore interface {
	ListTransactionsBetween(ctx context.Context, itemID int64, from, to time.Time) ([]TransactionRecord, error)
	ListTransactionsByHints(ctx context.Context, itemID int64, hints []string) ([]TransactionRecord, error)
	CountTransactionsSince(ctx context.Context, itemID int64, since time.Time) (int64, error)
	InsertTransactionsBatch(ctx context.Context, records []TransactionRecord) error
	InsertTransaction(ctx context.Context, record TransactionRecord) error
}

// SnapshotStore persists best-price observations.
type SnapshotStore interface {
	UpsertListingSnapshot(ctx context.Context, snap ListingSnapshot) error
}

// BlackoutStore reads the configured no-poll windows.
type BlackoutStore interface {
	ListActiveBlackoutWindows(ctx context.Context) ([]BlackoutWindow, error)
}

// PolicyStore reads the stored global policy row.
type PolicyStore interface {
	LoadPolicySettings(ctx context.Context) (PolicySettings, error)
}

// Store aggregates access to all cardwatch tables through one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// SelectDueSources returns up to limit sources whose schedule has lapsed,
// oldest overdue first, never-polled sources (NULL next_poll_at) first of all.
func (s *Store) SelectDueSources(ctx context.Context, now time.Time, limit int) ([]TrackedSource, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, selectDueSourcesSQL, now, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("select due sources: %w", queryErr)
	}
	defer rows.Close()

	return scanSources(rows)
}

// ListRecentSources lists sources ordered by most recent update.
func (s *Store) ListRecentSources(ctx context.Context, limit int) ([]TrackedSource, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSourcesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent sources: %w", queryErr)
	}
	defer rows.Close()

	return scanSources(rows)
}

// UpdateSourceSchedule applies the end-of-pass schedule mutation for a source.
func (s *Store) UpdateSourceSchedule(ctx context.Context, upd SourceScheduleUpdate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var lastErr interface{}
	if upd.LastError != nil {
		lastErr = *upd.LastError
	}

	cmdTag, execErr := pool.Exec(ctx, updateSourceScheduleSQL,
		upd.SourceID,
		upd.LastPolledAt,
		string(upd.LastStatus),
		lastErr,
		upd.NextPollAt,
		upd.ErrorCount,
		upd.CachedProductType,
	)
	if execErr != nil {
		return fmt.Errorf("update source schedule: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// InsertTransactionsBatch inserts the whole batch in one multi-row statement.
// A unique-constraint violation anywhere in the batch surfaces as
// ErrDuplicate so the caller can fall back to row-at-a-time inserts.
func (s *Store) InsertTransactionsBatch(ctx context.Context, records []TransactionRecord) error {
	if len(records) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO transaction_records (item_id, grade, price, occurred_at, identity_hint, sequence) VALUES ")
	args := make([]interface{}, 0, len(records)*6)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, rec.ItemID, rec.Grade, rec.Price, rec.OccurredAt, hintValue(rec.IdentityHint), rec.Sequence)
	}

	if _, execErr := pool.Exec(ctx, sb.String(), args...); execErr != nil {
		if isUniqueViolation(execErr) {
			return fmt.Errorf("insert transactions batch: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert transactions batch: %w", execErr)
	}
	return nil
}

// InsertTransaction inserts a single ledger row, mapping a unique-constraint
// violation to ErrDuplicate.
func (s *Store) InsertTransaction(ctx context.Context, record TransactionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertTransactionSQL,
		record.ItemID,
		record.Grade,
		record.Price,
		record.OccurredAt,
		hintValue(record.IdentityHint),
		record.Sequence,
	)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return fmt.Errorf("insert transaction: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert transaction: %w", execErr)
	}
	return nil
}

// ListTransactionsBetween lists ledger rows for an item within a time range.
func (s *Store) ListTransactionsBetween(ctx context.Context, itemID int64, from, to time.Time) ([]TransactionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTransactionsBetweenSQL, itemID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list transactions between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]TransactionRecord, 0)
	for rows.Next() {
		var rec TransactionRecord
		var hint *string
		if err := rows.Scan(&rec.ItemID, &rec.Grade, &rec.Price, &rec.OccurredAt, &hint, &rec.Sequence); err != nil {
			return nil, err
		}
		rec.IdentityHint = hint
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListTransactionsByHints lists ledger rows for an item carrying any of the
// given identity hints, regardless of occurred_at.
func (s *Store) ListTransactionsByHints(ctx context.Context, itemID int64, hints []string) ([]TransactionRecord, error) {
	if len(hints) == 0 {
		return nil, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTransactionsByHintSQL, itemID, hints)
	if queryErr != nil {
		return nil, fmt.Errorf("list transactions by hints: %w", queryErr)
	}
	defer rows.Close()

	records := make([]TransactionRecord, 0)
	for rows.Next() {
		var rec TransactionRecord
		var hint *string
		if err := rows.Scan(&rec.ItemID, &rec.Grade, &rec.Price, &rec.OccurredAt, &hint, &rec.Sequence); err != nil {
			return nil, err
		}
		rec.IdentityHint = hint
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountTransactionsSince counts ledger rows observed at or after since.
func (s *Store) CountTransactionsSince(ctx context.Context, itemID int64, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countTransactionsSinceSQL, itemID, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count transactions since: %w", scanErr)
	}
	return count, nil
}

// UpsertListingSnapshot overwrites the current best-price observation for a
// (item, venue, grade) bucket.
func (s *Store) UpsertListingSnapshot(ctx context.Context, snap ListingSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertListingSnapshotSQL,
		snap.ItemID, snap.Venue, snap.Grade, snap.Price, snap.Depth, snap.ObservedAt,
	); execErr != nil {
		return fmt.Errorf("upsert listing snapshot: %w", execErr)
	}
	return nil
}

// ListActiveBlackoutWindows loads the active recurring no-poll windows.
func (s *Store) ListActiveBlackoutWindows(ctx context.Context) ([]BlackoutWindow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBlackoutWindowsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list blackout windows: %w", queryErr)
	}
	defer rows.Close()

	windows := make([]BlackoutWindow, 0)
	for rows.Next() {
		var w BlackoutWindow
		if err := rows.Scan(&w.ID, &w.DayOfWeek, &w.StartMinute, &w.EndMinute, &w.ScopedSourceID, &w.Active); err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return windows, nil
}

// LoadPolicySettings reads the single global_policy row.
func (s *Store) LoadPolicySettings(ctx context.Context) (PolicySettings, error) {
	pool, err := s.getPool()
	if err != nil {
		return PolicySettings{}, err
	}

	var settings PolicySettings
	row := pool.QueryRow(ctx, loadPolicySettingsSQL)
	if scanErr := row.Scan(
		&settings.GloballyEnabled,
		&settings.BatchSizePerCycle,
		&settings.JitterMinPercent,
		&settings.JitterMaxPercent,
		&settings.IntervalLevelsMinutes,
		&settings.NoChangeLevelUpThreshold,
		&settings.DedupToleranceMinutes,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return PolicySettings{}, ErrPolicyNotFound
		}
		return PolicySettings{}, fmt.Errorf("load policy settings: %w", scanErr)
	}
	return settings, nil
}

// ListDailyAverages computes per-day average prices per grade bucket for an
// item, for the export surface.
func (s *Store) ListDailyAverages(ctx context.Context, itemID int64, from, to time.Time) ([]DailyAverage, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDailyAveragesSQL, itemID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list daily averages: %w", queryErr)
	}
	defer rows.Close()

	averages := make([]DailyAverage, 0)
	for rows.Next() {
		var avg DailyAverage
		if err := rows.Scan(&avg.Day, &avg.Grade, &avg.AvgPrice, &avg.Count); err != nil {
			return nil, err
		}
		averages = append(averages, avg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return averages, nil
}

func hintValue(hint *string) interface{} {
	if hint == nil {
		return nil
	}
	return *hint
}

func scanSources(rows pgx.Rows) ([]TrackedSource, error) {
	sources := make([]TrackedSource, 0)
	for rows.Next() {
		var (
			src      TrackedSource
			mode     string
			status   string
			lastErr  *string
			polled   *time.Time
			nextPoll *time.Time
		)
		if err := rows.Scan(
			&src.ID,
			&src.ItemID,
			&src.ExternalRef,
			&mode,
			&src.ManualIntervalMinutes,
			&polled,
			&status,
			&lastErr,
			&nextPoll,
			&src.ErrorCount,
			&src.CachedProductType,
			&src.CreatedAt,
			&src.UpdatedAt,
		); err != nil {
			return nil, err
		}
		src.Mode = SourceMode(mode)
		src.LastStatus = SourceStatus(status)
		src.LastError = lastErr
		src.LastPolledAt = polled
		src.NextPollAt = nextPoll
		sources = append(sources, src)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return sources, nil
}
