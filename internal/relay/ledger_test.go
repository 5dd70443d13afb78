package relay

import "testing"

func TestLedgerSeen(t *testing.T) {
	l := NewLedger(4)

	if l.Seen("a", 1) {
		t.Fatal("empty ledger should not report seen")
	}
	l.Record("a", 1)
	if !l.Seen("a", 1) {
		t.Error("recorded version should be seen")
	}
	if l.Seen("a", 2) {
		t.Error("different version should not be seen")
	}

	l.Record("a", 2)
	if !l.Seen("a", 2) || l.Len() != 1 {
		t.Errorf("update should replace in place, len=%d", l.Len())
	}
}

func TestLedgerEvictsOldest(t *testing.T) {
	l := NewLedger(2)

	l.Record("a", 1)
	l.Record("b", 1)
	if n := l.Record("c", 1); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}

	if l.Seen("a", 1) {
		t.Error("oldest entry should be evicted")
	}
	if !l.Seen("b", 1) || !l.Seen("c", 1) {
		t.Error("newer entries should remain")
	}
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
}

func TestLedgerUpdateRefreshesAge(t *testing.T) {
	l := NewLedger(2)

	l.Record("a", 1)
	l.Record("b", 1)
	l.Record("a", 2) // a is now newest
	l.Record("c", 1)

	if l.Seen("b", 1) {
		t.Error("b should have been evicted")
	}
	if !l.Seen("a", 2) {
		t.Error("a should survive after being refreshed")
	}
}
