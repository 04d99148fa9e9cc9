// Package lock provides per-key locking for multi-step financial and
// state-machine sequences. Operations sharing a key run strictly
// one-at-a-time in submission order; operations under different keys run
// freely in parallel.
package lock

import "sync"

// chain is the pending-operation tail for one key.
type chain struct {
	tail  chan struct{}
	count int
}

// KeyLock serializes operations by string key (a user id for balance
// operations, a challenge id for acceptance/decline/refund). A key's entry
// is removed once its chain drains, so memory stays bounded by the number of
// keys with in-flight operations.
type KeyLock struct {
	mu     sync.Mutex
	chains map[string]*chain
}

// NewKeyLock creates a new KeyLock instance.
func NewKeyLock() *KeyLock {
	return &KeyLock{
		chains: make(map[string]*chain),
	}
}

// WithLock executes fn only after all previously queued operations for the
// same key have finished, success or failure. An error from fn propagates to
// the caller but does not break the chain for operations queued behind it.
func (l *KeyLock) WithLock(key string, fn func() error) error {
	l.mu.Lock()
	c, ok := l.chains[key]
	if !ok {
		c = &chain{}
		l.chains[key] = c
	}
	prev := c.tail
	turn := make(chan struct{})
	c.tail = turn
	c.count++
	l.mu.Unlock()

	if prev != nil {
		<-prev
	}

	defer func() {
		close(turn)
		l.mu.Lock()
		c.count--
		if c.count == 0 {
			delete(l.chains, key)
		}
		l.mu.Unlock()
	}()

	return fn()
}

// InFlight returns the number of keys with queued or running operations.
// Point-in-time value; useful for tests and diagnostics.
func (l *KeyLock) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chains)
}
