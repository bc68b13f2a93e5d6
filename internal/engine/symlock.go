package engine

import (
	"context"
	"sync"
)

// SymbolLock serializes lifecycle transitions per trading symbol. Different
// symbols proceed fully in parallel; a second acquisition for the same symbol
// blocks until the holder releases or the caller's context is cancelled.
//
// The table uses one mutex only for inserting new symbol entries; acquisition
// itself contends on a per-symbol semaphore, so no symbol blocks another.
// Entries are never evicted: the symbol universe is bounded by the venue's
// instrument list.
type SymbolLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewSymbolLock creates an empty lock table.
func NewSymbolLock() *SymbolLock {
	return &SymbolLock{locks: make(map[string]chan struct{})}
}

// Guard represents a held symbol lock. Release must be called on every exit
// path; releasing more than once is a no-op.
type Guard struct {
	sem  chan struct{}
	once sync.Once
}

// Release gives up the lock.
func (g *Guard) Release() {
	g.once.Do(func() { <-g.sem })
}

func (l *SymbolLock) sem(symbol string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.locks[symbol]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[symbol] = sem
	}
	return sem
}

// Acquire blocks until the symbol's lock is free or ctx is done. On success
// the returned guard must be released by the caller; on context cancellation
// (process shutdown or request timeout) it returns ctx.Err().
func (l *SymbolLock) Acquire(ctx context.Context, symbol string) (*Guard, error) {
	sem := l.sem(symbol)
	select {
	case sem <- struct{}{}:
		return &Guard{sem: sem}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire acquires the symbol's lock only if it is immediately free.
// Returns nil, false when another transition for the symbol is in flight.
func (l *SymbolLock) TryAcquire(symbol string) (*Guard, bool) {
	sem := l.sem(symbol)
	select {
	case sem <- struct{}{}:
		return &Guard{sem: sem}, true
	default:
		return nil, false
	}
}
