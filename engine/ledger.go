package engine

import (
	"sync"

	"github.com/VanDung-dev/Neuropil-Engine/data"
)

// Ledger is a bounded in-memory list of accounting entries. When full the
// oldest entry is overwritten.
type Ledger struct {
	mu      sync.Mutex
	entries []data.LedgerEntry
	next    int // slot of the oldest entry once the ring is full
	max     int
	dropped int64
}

// NewLedger creates a ledger holding at most max entries.
func NewLedger(max int) *Ledger {
	if max <= 0 {
		max = defaultLedgerSize
	}
	return &Ledger{max: max}
}

// Record appends e.
func (l *Ledger) Record(e data.LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) < l.max {
		l.entries = append(l.entries, e)
		return
	}
	l.entries[l.next] = e
	l.next = (l.next + 1) % l.max
	l.dropped++
}

// Entries returns a copy of the recorded entries, oldest first.
func (l *Ledger) Entries() []data.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]data.LedgerEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Len returns the number of entries held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Dropped returns how many entries were evicted.
func (l *Ledger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
