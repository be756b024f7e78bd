package objstore

import "sync"

// lockTable hands out one mutex per key. Entries are reference counted and
// dropped when the last holder unlocks, so the table only grows with the
// number of keys currently in use.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is held and returns the matching unlock function.
func (lt *lockTable) Lock(key string) (unlock func()) {
	lt.mu.Lock()
	kl, ok := lt.locks[key]
	if !ok {
		kl = &keyLock{}
		lt.locks[key] = kl
	}
	kl.refs++
	lt.mu.Unlock()

	kl.mu.Lock()

	return func() {
		kl.mu.Unlock()

		lt.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(lt.locks, key)
		}
		lt.mu.Unlock()
	}
}

func (lt *lockTable) size() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}
