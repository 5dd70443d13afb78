package relay

import "container/list"

// Ledger remembers the last ingested version of each item identity. It is
// bounded: once it holds more than capacity entries the least recently
// recorded one is evicted. Not goroutine-safe; the Scheduler guards it.
type Ledger struct {
	capacity int
	order    *list.List // front = oldest
	entries  map[string]*list.Element
}

type ledgerEntry struct {
	key     string
	version uint64
}

// NewLedger creates a ledger holding at most capacity identities.
func NewLedger(capacity int) *Ledger {
	return &Ledger{
		capacity: max(capacity, 1),
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Seen reports whether key was last recorded with exactly this version.
func (l *Ledger) Seen(key string, version uint64) bool {
	el, ok := l.entries[key]
	return ok && el.Value.(*ledgerEntry).version == version
}

// Record stores version for key as the newest entry and returns how many
// old entries were evicted to stay within capacity.
func (l *Ledger) Record(key string, version uint64) int {
	if el, ok := l.entries[key]; ok {
		el.Value.(*ledgerEntry).version = version
		l.order.MoveToBack(el)
		return 0
	}

	l.entries[key] = l.order.PushBack(&ledgerEntry{key: key, version: version})

	evicted := 0
	for l.order.Len() > l.capacity {
		oldest := l.order.Front()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*ledgerEntry).key)
		evicted++
	}
	return evicted
}

// Len returns the number of identities held.
func (l *Ledger) Len() int {
	return l.order.Len()
}
