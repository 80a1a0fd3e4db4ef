package dedup

import (
	"testing"
	"time"

	"cardwatch/internal/storage"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func rec(grade string, price int64, at time.Time, hint string) storage.TransactionRecord {
	r := storage.TransactionRecord{ItemID: 7, Grade: grade, Price: price, OccurredAt: at}
	if hint != "" {
		h := hint
		r.IdentityHint = &h
	}
	return r
}

func TestHintPrecedenceOverTimestamp(t *testing.T) {
	engine := NewEngine(DefaultTolerance)

	existing := []storage.TransactionRecord{rec("PSA10", 52000, baseTime, "avatar-9")}
	incoming := []storage.TransactionRecord{rec("PSA10", 52000, baseTime.Add(3*time.Hour), "avatar-9")}

	result := engine.Partition(existing, incoming)
	if len(result.Duplicate) != 1 || len(result.New) != 0 {
		t.Fatalf("same hint/grade/price three hours apart must be a duplicate: %+v", result)
	}
}

func TestHintMismatchIsNew(t *testing.T) {
	engine := NewEngine(DefaultTolerance)

	existing := []storage.TransactionRecord{rec("PSA10", 52000, baseTime, "avatar-9")}
	incoming := []storage.TransactionRecord{rec("PSA10", 52000, baseTime, "avatar-3")}

	result := engine.Partition(existing, incoming)
	if len(result.New) != 1 {
		t.Fatalf("differing hints must not match: %+v", result)
	}
}

func TestTimeWindowRule(t *testing.T) {
	engine := NewEngine(DefaultTolerance)

	existing := []storage.TransactionRecord{rec("A", 9800, baseTime, "")}

	near := engine.Partition(existing, []storage.TransactionRecord{rec("A", 9800, baseTime.Add(9*time.Minute), "")})
	if len(near.Duplicate) != 1 {
		t.Fatalf("9 minutes apart must be a duplicate: %+v", near)
	}

	far := engine.Partition(existing, []storage.TransactionRecord{rec("A", 9800, baseTime.Add(11*time.Minute), "")})
	if len(far.New) != 1 {
		t.Fatalf("11 minutes apart must be new: %+v", far)
	}
}

func TestHintedIncomingIgnoresHintlessExisting(t *testing.T) {
	engine := NewEngine(DefaultTolerance)

	// An old record ingested before hints were available does not satisfy
	// the hint rule; a hinted incoming record at the same minute is new.
	existing := []storage.TransactionRecord{rec("B", 3000, baseTime, "")}
	incoming := []storage.TransactionRecord{rec("B", 3000, baseTime, "avatar-1")}

	result := engine.Partition(existing, incoming)
	if len(result.New) != 1 {
		t.Fatalf("hinted incoming must not match hint-less existing: %+v", result)
	}
}

func TestMalformedRecordDroppedNotFatal(t *testing.T) {
	engine := NewEngine(DefaultTolerance)

	incoming := []storage.TransactionRecord{
		rec("", 100, baseTime, ""),             // missing grade
		rec("A", 0, baseTime, ""),              // non-positive price
		rec("A", 100, time.Time{}, ""),         // zero timestamp
		rec("PSA9", 41000, baseTime, "seller"), // fine
	}

	result := engine.Partition(nil, incoming)
	if result.Malformed != 3 {
		t.Fatalf("expected 3 malformed records, got %d", result.Malformed)
	}
	if len(result.New) != 1 {
		t.Fatalf("the well-formed record must survive: %+v", result)
	}
}

func TestExistingRecordConsumedOnce(t *testing.T) {
	engine := NewEngine(DefaultTolerance)

	existing := []storage.TransactionRecord{rec("A", 9800, baseTime, "")}
	incoming := []storage.TransactionRecord{
		rec("A", 9800, baseTime.Add(2*time.Minute), ""),
		rec("A", 9800, baseTime.Add(4*time.Minute), ""),
	}

	result := engine.Partition(existing, incoming)
	if len(result.Duplicate) != 1 || len(result.New) != 1 {
		t.Fatalf("one existing record must satisfy only one incoming match: %+v", result)
	}
}

func TestHintsCollectsDistinctHints(t *testing.T) {
	engine := NewEngine(DefaultTolerance)

	incoming := []storage.TransactionRecord{
		rec("A", 100, baseTime, "avatar-9"),
		rec("A", 200, baseTime, "avatar-9"),
		rec("B", 300, baseTime, "avatar-3"),
		rec("C", 400, baseTime, ""),
		rec("", 0, baseTime, "broken"), // malformed, excluded
	}

	hints := engine.Hints(incoming)
	if len(hints) != 2 {
		t.Fatalf("expected 2 distinct hints, got %v", hints)
	}
	if hints[0] != "avatar-9" || hints[1] != "avatar-3" {
		t.Fatalf("hints must keep first-seen order: %v", hints)
	}
}

func TestBracket(t *testing.T) {
	engine := NewEngine(DefaultTolerance)

	incoming := []storage.TransactionRecord{
		rec("A", 100, baseTime.Add(30*time.Minute), ""),
		rec("A", 100, baseTime, ""),
		rec("", 0, baseTime.Add(5*time.Hour), ""), // malformed, excluded
	}

	from, to, ok := engine.Bracket(incoming)
	if !ok {
		t.Fatal("bracket should cover the well-formed records")
	}
	if !from.Equal(baseTime.Add(-DefaultTolerance)) {
		t.Fatalf("unexpected bracket start %v", from)
	}
	if !to.Equal(baseTime.Add(30*time.Minute + DefaultTolerance)) {
		t.Fatalf("unexpected bracket end %v", to)
	}

	if _, _, ok := engine.Bracket(nil); ok {
		t.Fatal("empty batch has no bracket")
	}
}
