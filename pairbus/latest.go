package pairbus

import (
	"context"
	"sync"
)

// Latest is a one-slot mailbox holding the most recent value.
type Latest[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	value  T
	has    bool
	closed bool
}

func newLatest[T any]() *Latest[T] {
	l := &Latest[T]{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// set stores v and reports whether an unread value was replaced.
func (l *Latest[T]) set(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	replaced := l.has
	l.value = v
	l.has = true
	l.cond.Broadcast()
	return replaced
}

// Receive blocks until a value is available and takes it. It returns
// ErrReceiverClosed once the mailbox is closed, or ctx.Err() when ctx is done.
func (l *Latest[T]) Receive(ctx context.Context) (T, error) {
	var zero T

	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.cond.Broadcast()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	for !l.has && !l.closed && ctx.Err() == nil {
		l.cond.Wait()
	}
	if l.has {
		v := l.value
		l.value = zero
		l.has = false
		return v, nil
	}
	if l.closed {
		return zero, ErrReceiverClosed
	}
	return zero, ctx.Err()
}

// TryReceive takes the value if one is available.
func (l *Latest[T]) TryReceive() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T
	if !l.has {
		return zero, false
	}
	v := l.value
	l.value = zero
	l.has = false
	return v, true
}

// Close wakes blocked receivers. Values set afterwards are ignored.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.cond.Broadcast()
}
