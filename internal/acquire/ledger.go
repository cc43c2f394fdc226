package acquire

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RigSync/internal/hw/camera"
)

// Ledger tracks the buffer slots each device has lent to the loop.
// A device may have at most one outstanding frame.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*LedgerEntry
}

// LedgerEntry is the per-device balance.
type LedgerEntry struct {
	Retrieved   int
	Released    int
	Outstanding *camera.Frame
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*LedgerEntry)}
}

func (l *Ledger) entry(id string) *LedgerEntry {
	e, ok := l.entries[id]
	if !ok {
		e = &LedgerEntry{}
		l.entries[id] = e
	}
	return e
}

// CanRetrieve fails with ErrOutstandingFrame while id holds a frame.
func (l *Ledger) CanRetrieve(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.entry(id); e.Outstanding != nil {
		return fmt.Errorf("%w: %s buffer %d", ErrOutstandingFrame, id, e.Outstanding.BufferID)
	}
	return nil
}

// Retrieved records a frame handed out by device id.
func (l *Ledger) Retrieved(id string, f camera.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(id)
	e.Retrieved++
	e.Outstanding = &f
}

// Released records that the outstanding frame of id went back to the
// device. Releasing with nothing outstanding is an error.
func (l *Ledger) Released(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(id)
	if e.Outstanding == nil {
		return fmt.Errorf("acquire: %s released a frame it does not hold", id)
	}
	e.Released++
	e.Outstanding = nil
	return nil
}

// Snapshot returns a copy of every device balance.
func (l *Ledger) Snapshot() map[string]LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]LedgerEntry, len(l.entries))
	for id, e := range l.entries {
		c := *e
		if e.Outstanding != nil {
			f := *e.Outstanding
			c.Outstanding = &f
		}
		out[id] = c
	}
	return out
}

// Balanced reports whether every retrieved frame was released.
func (l *Ledger) Balanced() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Retrieved != e.Released || e.Outstanding != nil {
			return false
		}
	}
	return true
}
