package tus

import "sync"

type resourceLock struct {
	mu   sync.Mutex
	refs int
}

// lockSet hands out one mutex per resource id so an append's whole
// check-write-increment sequence runs in an exclusive section. Entries are
// reference counted and dropped once the last holder unlocks.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*resourceLock
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*resourceLock)}
}

// acquire blocks until the resource's lock is held and returns the release
// function.
func (ls *lockSet) acquire(resourceID string) func() {
	ls.mu.Lock()
	lock, ok := ls.locks[resourceID]
	if !ok {
		lock = &resourceLock{}
		ls.locks[resourceID] = lock
	}
	lock.refs++
	ls.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		ls.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(ls.locks, resourceID)
		}
		ls.mu.Unlock()
	}
}
