package engine

import "sync"

// instrumentLocks hands out one mutex per instrument ID. Matching passes and
// cancellations for the same instrument serialize; different instruments
// proceed fully in parallel. Locks are never released back — the instrument
// universe is small and long-lived.
type instrumentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newInstrumentLocks() *instrumentLocks {
	return &instrumentLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the lock for an instrument, creating it on first use.
func (l *instrumentLocks) get(instrumentID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[instrumentID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[instrumentID] = lock
	}
	return lock
}
