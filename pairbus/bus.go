// Package pairbus fans published values out to several subscribers without
// ever blocking the publisher.
//
// Two drop policies are available per subscriber:
//   - DropNew: values go to a caller-owned channel; when it is full the new
//     value is dropped (Subscribe).
//   - DropOld: a one-slot mailbox keeps only the latest value; older unread
//     values are replaced (SubscribeDropOld).
//
// A stereo rig publishes cloned pairs here so slow consumers (preview, disk
// writers, network streams) never stall the capture goroutines.
package pairbus

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrBusClosed          = errors.New("pairbus: bus is closed")
	ErrSubscriberExists   = errors.New("pairbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("pairbus: subscriber not found")
	ErrNilChannel         = errors.New("pairbus: nil channel provided")
	ErrReceiverClosed     = errors.New("pairbus: receiver is closed")
)

// DropPolicy defines what happens when a subscriber cannot keep up.
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

// String returns a human-readable representation of the policy
func (p DropPolicy) String() string {
	switch p {
	case DropNew:
		return "drop-new"
	case DropOld:
		return "drop-old"
	default:
		return "unknown"
	}
}

// SubscriberStats tracks delivery to one subscriber.
type SubscriberStats struct {
	Policy  DropPolicy
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of the bus.
type Stats struct {
	Published   uint64
	Subscribers map[string]SubscriberStats
}

type subscriber[T any] struct {
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- T   // DropNew
	holder *Latest[T] // DropOld
}

// Bus distributes values of type T to subscribers.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber[T]
	published   atomic.Uint64
	closed      bool
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subscribers: make(map[string]*subscriber[T])}
}

// Subscribe registers ch under id with the DropNew policy.
func (b *Bus[T]) Subscribe(id string, ch chan<- T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	b.subscribers[id] = &subscriber[T]{policy: DropNew, ch: ch}
	return nil
}

// SubscribeDropOld registers id with the DropOld policy and returns its
// mailbox.
func (b *Bus[T]) SubscribeDropOld(id string) (*Latest[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	l := newLatest[T]()
	b.subscribers[id] = &subscriber[T]{policy: DropOld, holder: l}
	return l, nil
}

// Publish hands v to every subscriber. It never blocks.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- v:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case DropOld:
			if sub.holder.set(v) {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

// Unsubscribe removes id. A DropOld mailbox is closed.
func (b *Bus[T]) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.holder != nil {
		sub.holder.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Subscribers returns the sorted subscriber ids.
func (b *Bus[T]) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a snapshot of the bus counters.
func (b *Bus[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Published:   b.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		st.Subscribers[id] = SubscriberStats{
			Policy:  sub.policy,
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		}
	}
	return st
}

// Close shuts the bus down and closes every DropOld mailbox. Channels of
// DropNew subscribers belong to their owners and are left open.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		if sub.holder != nil {
			sub.holder.Close()
		}
	}
	b.subscribers = nil
}
