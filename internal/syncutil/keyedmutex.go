// Package syncutil provides keyed locking primitives used to serialize
// per-payment fund movement.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex provides a fixed-size pool of channel-based mutexes keyed by
// payment ID, supporting context cancellation. Callers waiting to acquire a
// lock can bail out when their context is cancelled, which keeps a stuck
// external call from wedging every poller that touches the same payment.
type KeyedMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a new context-aware keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for the given payment ID, respecting context
// cancellation. On success, returns an unlock function and nil error. The
// caller MUST call the unlock function when done.
// On context cancellation, returns nil and the context error.
func (m *KeyedMutex) Lock(ctx context.Context, paymentID int64) (func(), error) {
	m.init()
	shard := &m.shards[uint64(paymentID)%256]

	select {
	case <-shard.ch:
		// Acquired the lock.
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
