// Package pairing implements a two-slot latest-wins barrier.
//
// Each side holds at most one pending value. Offering a value to a side whose
// slot is occupied replaces the pending value, which is handed back to the
// caller as displaced. When both slots are occupied the pair is taken and both
// slots cleared in the same critical section that stored the second value, so
// a value can never be paired twice and two racing offers can never both miss
// the pair.
package pairing

import "sync"

// Side selects a slot.
type Side int

const (
	Left Side = iota
	Right
)

// String returns a human-readable representation of the side
func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return "unknown"
	}
}

// Other returns the opposite side.
func (s Side) Other() Side { return 1 - s }

// Outcome is the result of one Offer.
type Outcome[T any] struct {
	// Paired is true when the offer completed a pair.
	Paired bool
	Seq    uint64 // 1-based pair sequence number, set when Paired
	Left   T
	Right  T

	// Displaced is the unpaired value the offer replaced, if HasDisplaced.
	Displaced    T
	HasDisplaced bool
}

// Stats counts offers per side.
type Stats struct {
	Pairs   uint64
	Offered [2]uint64
	Dropped [2]uint64
}

// Barrier pairs values offered from two sides.
type Barrier[T any] struct {
	mu      sync.Mutex
	pending [2]T
	has     [2]bool
	seq     uint64
	offered [2]uint64
	dropped [2]uint64
}

// Offer stores v as the pending value of side and pairs it when the other
// side has a pending value.
func (b *Barrier[T]) Offer(side Side, v T) Outcome[T] {
	var out Outcome[T]
	var zero T

	b.mu.Lock()
	defer b.mu.Unlock()

	b.offered[side]++

	if b.has[side] {
		out.Displaced = b.pending[side]
		out.HasDisplaced = true
		b.dropped[side]++
	}
	b.pending[side] = v
	b.has[side] = true

	if !b.has[side.Other()] {
		return out
	}

	b.seq++
	out.Paired = true
	out.Seq = b.seq
	out.Left = b.pending[Left]
	out.Right = b.pending[Right]
	b.pending = [2]T{zero, zero}
	b.has = [2]bool{}
	return out
}

// Pending reports which slots hold an unpaired value.
func (b *Barrier[T]) Pending() (left, right bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.has[Left], b.has[Right]
}

// Reset clears both slots and returns the values they held. Counters are
// kept.
func (b *Barrier[T]) Reset() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []T
	var zero T
	for side := Left; side <= Right; side++ {
		if b.has[side] {
			out = append(out, b.pending[side])
		}
		b.pending[side] = zero
		b.has[side] = false
	}
	return out
}

// Stats returns a snapshot of the counters.
func (b *Barrier[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Pairs:   b.seq,
		Offered: b.offered,
		Dropped: b.dropped,
	}
}
