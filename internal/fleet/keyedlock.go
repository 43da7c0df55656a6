package fleet

import "sync"

// KeyedLock is a per-key mutual-exclusion gate with strict FIFO ordering:
// callers acquire the lock for a key in the order their Lock calls started.
// Locks for distinct keys never block each other. Lock entries are allocated
// lazily and released once the queue for a key drains.
type KeyedLock struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewKeyedLock creates an empty keyed lock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{tails: make(map[string]chan struct{})}
}

// Lock blocks until the caller holds the gate for key and returns the
// matching unlock function. Unlock is idempotent.
func (l *KeyedLock) Lock(key string) (unlock func()) {
	release := make(chan struct{})

	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = release
	l.mu.Unlock()

	if prev != nil {
		<-prev
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.tails[key] == release {
				delete(l.tails, key)
			}
			l.mu.Unlock()
			close(release)
		})
	}
}
