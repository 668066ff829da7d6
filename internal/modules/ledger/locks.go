package ledger

import "sync"

// positionLocks serializes all mutations to a single position.
// Lock granularity is the position id, so different positions proceed
// fully in parallel while fills, cancels, and close requests on the
// same position are single-writer.
type positionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPositionLocks() *positionLocks {
	return &positionLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for a position id and returns the unlock
// function. Locks are never removed from the map; the set of positions
// a process touches is small and bounded by its working set.
func (l *positionLocks) Lock(positionID string) func() {
	l.mu.Lock()
	m, ok := l.locks[positionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[positionID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
