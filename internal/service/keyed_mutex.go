package service

import "sync"

// keyedMutex serializes work per key. The engine holds a quote's mutex for
// the whole of one Execute call so state check and persist cannot interleave
// with a concurrent operation on the same quote.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*entry)}
}

// lock acquires the mutex for key and returns the matching unlock. Entries
// are reference counted and removed when the last holder releases, so the
// map does not grow with the number of quotes ever touched.
func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
