// Package ingest persists qualified-new transaction records. The in-process
// dedup pass upstream works against a possibly-stale read of the ledger, so
// true uniqueness is only guaranteed by the store constraint; this writer
// resolves the resulting races.
package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"cardwatch/internal/storage"
)

// LedgerWriter is the slice of the store the writer needs.
type LedgerWriter interface {
	InsertTransactionsBatch(ctx context.Context, records []storage.TransactionRecord) error
	InsertTransaction(ctx context.Context, record storage.TransactionRecord) error
}

// Result reports per-record outcomes for one write call.
type Result struct {
	Inserted int
	Skipped  int
	Failed   int
}

// Writer performs batch-then-single-row inserts against the ledger.
type Writer struct {
	ledger LedgerWriter
	logger zerolog.Logger
}

// NewWriter constructs a Writer.
func NewWriter(ledger LedgerWriter, logger zerolog.Logger) *Writer {
	return &Writer{
		ledger: ledger,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

// Write inserts newRecords for an item. The full batch goes in one statement
// first; a uniqueness conflict on the batch triggers row-at-a-time fallback
// where individual conflicts are absorbed as skipped (a concurrent cycle or
// an earlier partial run got there first) and any other row error is counted
// as failed and logged with enough context to diagnose. Only a non-conflict
// batch error is returned as a hard error.
func (w *Writer) Write(ctx context.Context, itemID int64, newRecords []storage.TransactionRecord) (Result, error) {
	if len(newRecords) == 0 {
		return Result{}, nil
	}

	err := w.ledger.InsertTransactionsBatch(ctx, newRecords)
	if err == nil {
		return Result{Inserted: len(newRecords)}, nil
	}
	if !errors.Is(err, storage.ErrDuplicate) {
		return Result{}, err
	}

	w.logger.Debug().Int64("item_id", itemID).Int("batch", len(newRecords)).
		Msg("batch insert hit uniqueness conflict; falling back to single rows")

	var result Result
	for _, rec := range newRecords {
		insErr := w.ledger.InsertTransaction(ctx, rec)
		switch {
		case insErr == nil:
			result.Inserted++
		case errors.Is(insErr, storage.ErrDuplicate):
			result.Skipped++
		default:
			result.Failed++
			w.logger.Error().Err(insErr).
				Int64("item_id", itemID).
				Str("grade", rec.Grade).
				Int64("price", rec.Price).
				Msg("single-row insert failed")
		}
	}
	return result, nil
}
