package syncutil

import "context"

// ContextMutex is a single channel-based mutex acquirable under a
// context. It serializes the custody funding withdrawals, which all draw
// on one settlement balance.
type ContextMutex struct {
	ch chan struct{}
}

// NewContextMutex creates an unlocked context mutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Lock acquires the mutex, respecting context cancellation. On success it
// returns an unlock function the caller MUST invoke.
func (m *ContextMutex) Lock(ctx context.Context) (func(), error) {
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
