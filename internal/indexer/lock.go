package indexer

import "sync/atomic"

// IndexLock is a non-blocking mutex. A second IndexProject fails fast with
// ErrIndexingInProgress instead of queueing behind the first.
type IndexLock struct {
	held atomic.Bool
}

// TryAcquire takes the lock and reports whether it was free
func (l *IndexLock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the lock. Only the holder may call it.
func (l *IndexLock) Release() {
	l.held.Store(false)
}
