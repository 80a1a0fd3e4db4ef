package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cardwatch/internal/dedup"
	"cardwatch/internal/storage"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// fakeLedger emulates the store's uniqueness constraint in memory.
type fakeLedger struct {
	rows     map[string]storage.TransactionRecord
	hardFail map[string]error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		rows:     make(map[string]storage.TransactionRecord),
		hardFail: make(map[string]error),
	}
}

func ledgerKey(rec storage.TransactionRecord) string {
	hint := ""
	if rec.IdentityHint != nil {
		hint = *rec.IdentityHint
	}
	return fmt.Sprintf("%d|%s|%d|%d|%s", rec.ItemID, rec.Grade, rec.Price, rec.OccurredAt.Unix(), hint)
}

func (f *fakeLedger) InsertTransactionsBatch(_ context.Context, records []storage.TransactionRecord) error {
	for _, rec := range records {
		if _, ok := f.rows[ledgerKey(rec)]; ok {
			return fmt.Errorf("insert transactions batch: %w", storage.ErrDuplicate)
		}
	}
	for _, rec := range records {
		f.rows[ledgerKey(rec)] = rec
	}
	return nil
}

func (f *fakeLedger) InsertTransaction(_ context.Context, rec storage.TransactionRecord) error {
	key := ledgerKey(rec)
	if err, ok := f.hardFail[key]; ok {
		return err
	}
	if _, ok := f.rows[key]; ok {
		return fmt.Errorf("insert transaction: %w", storage.ErrDuplicate)
	}
	f.rows[key] = rec
	return nil
}

func (f *fakeLedger) all() []storage.TransactionRecord {
	out := make([]storage.TransactionRecord, 0, len(f.rows))
	for _, rec := range f.rows {
		out = append(out, rec)
	}
	return out
}

func record(grade string, price int64, offset time.Duration) storage.TransactionRecord {
	return storage.TransactionRecord{ItemID: 7, Grade: grade, Price: price, OccurredAt: baseTime.Add(offset)}
}

func TestWriteCleanBatch(t *testing.T) {
	ledger := newFakeLedger()
	writer := NewWriter(ledger, zerolog.Nop())

	batch := []storage.TransactionRecord{
		record("A", 100, 0),
		record("A", 200, time.Hour),
	}
	result, err := writer.Write(context.Background(), 7, batch)
	if err != nil {
		t.Fatalf("clean batch must not error: %v", err)
	}
	if result.Inserted != 2 || result.Skipped != 0 {
		t.Fatalf("expected inserted=2 skipped=0, got %+v", result)
	}
}

func TestWriteFallbackOnConflict(t *testing.T) {
	ledger := newFakeLedger()
	writer := NewWriter(ledger, zerolog.Nop())

	batch := []storage.TransactionRecord{
		record("A", 100, 0),
		record("A", 200, time.Hour),
		record("B", 300, 2*time.Hour),
		record("B", 400, 3*time.Hour),
		record("C", 500, 4*time.Hour),
	}
	// The third row already exists: a concurrent cycle got there first.
	if err := ledger.InsertTransaction(context.Background(), batch[2]); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result, err := writer.Write(context.Background(), 7, batch)
	if err != nil {
		t.Fatalf("conflicting batch must fall back, not error: %v", err)
	}
	if result.Inserted != 4 || result.Skipped != 1 || result.Failed != 0 {
		t.Fatalf("expected inserted=4 skipped=1, got %+v", result)
	}
	if len(ledger.all()) != 5 {
		t.Fatalf("all five rows must be persisted, got %d", len(ledger.all()))
	}
}

func TestWriteHardRowErrorCountedNotDropped(t *testing.T) {
	ledger := newFakeLedger()
	writer := NewWriter(ledger, zerolog.Nop())

	batch := []storage.TransactionRecord{
		record("A", 100, 0),
		record("B", 200, time.Hour),
	}
	if err := ledger.InsertTransaction(context.Background(), record("C", 999, 5*time.Hour)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	// Force the batch down the fallback path, then fail one row hard.
	batch = append(batch, record("C", 999, 5*time.Hour))
	ledger.hardFail[ledgerKey(batch[1])] = errors.New("connection reset")

	result, err := writer.Write(context.Background(), 7, batch)
	if err != nil {
		t.Fatalf("row-level hard errors must not abort the batch: %v", err)
	}
	if result.Inserted != 1 || result.Skipped != 1 || result.Failed != 1 {
		t.Fatalf("expected inserted=1 skipped=1 failed=1, got %+v", result)
	}
}

func TestDedupThenWriteIsIdempotent(t *testing.T) {
	ledger := newFakeLedger()
	writer := NewWriter(ledger, zerolog.Nop())
	engine := dedup.NewEngine(dedup.DefaultTolerance)

	batch := []storage.TransactionRecord{
		record("PSA10", 52000, 0),
		record("PSA9", 41000, time.Hour),
	}

	first := engine.Partition(ledger.all(), batch)
	firstResult, err := writer.Write(context.Background(), 7, first.New)
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if firstResult.Inserted != 2 {
		t.Fatalf("first run must insert both, got %+v", firstResult)
	}

	second := engine.Partition(ledger.all(), batch)
	if len(second.New) != 0 || len(second.Duplicate) != 2 {
		t.Fatalf("second run must classify everything as duplicate: %+v", second)
	}
	secondResult, err := writer.Write(context.Background(), 7, second.New)
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if secondResult.Inserted != 0 {
		t.Fatalf("second run must insert nothing, got %+v", secondResult)
	}
	if len(ledger.all()) != 2 {
		t.Fatalf("ledger must hold exactly two rows, got %d", len(ledger.all()))
	}
}
