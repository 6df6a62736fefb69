// Package pool owns the frame buffers of one camera and tracks their
// announce/queue/revoke lifecycle with the driver.
//
// Every buffer is in exactly one State. Legal transitions:
//
//	Unannounced → Announced   (Announce)
//	Announced   → Queued      (Queue)
//	Queued      → Delivered   (driver completion, or reclaim after Flush)
//	Delivered   → Queued      (Requeue)
//	Announced, Delivered → Revoked (Revoke)
//
// Any other transition is a programming or driver error and is reported as
// ErrInvalidTransition without touching the driver.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/e7canasta/stereo-capture/driver"
)

const (
	// DefaultSize absorbs a few frames of driver latency at 30 fps.
	DefaultSize = 5
	// MaxSize bounds memory for large payloads.
	MaxSize = 64
)

var (
	ErrInvalidTransition = errors.New("pool: invalid buffer state transition")
	ErrUnknownBuffer     = errors.New("pool: buffer does not belong to pool")
	ErrReleased          = errors.New("pool: released")
)

// State is the lifecycle state of a buffer.
type State int

const (
	Unannounced State = iota
	Announced
	Queued
	Delivered
	Revoked
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case Unannounced:
		return "unannounced"
	case Announced:
		return "announced"
	case Queued:
		return "queued"
	case Delivered:
		return "delivered"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of the pool.
type Stats struct {
	Size           int
	PayloadSize    int
	Counts         map[State]int
	DriverOwned    int    // buffers currently queued with the driver
	MaxDriverOwned int    // high-water mark of DriverOwned
	Queues         uint64 // successful Queue/Requeue calls
	Deliveries     uint64
}

// Pool is a fixed set of buffers for one camera handle.
type Pool struct {
	drv         driver.Driver
	handle      driver.Handle
	payloadSize int

	mu       sync.Mutex
	buffers  []*driver.FrameBuffer
	states   map[*driver.FrameBuffer]State
	queued   int
	maxQueue int
	queues   uint64
	delivers uint64
	released bool
}

// New allocates size buffers of payloadSize bytes each. Nothing is announced.
func New(drv driver.Driver, h driver.Handle, size, payloadSize int) (*Pool, error) {
	if size < 1 || size > MaxSize {
		return nil, fmt.Errorf("pool: invalid size %d (must be 1-%d)", size, MaxSize)
	}
	if payloadSize <= 0 {
		return nil, fmt.Errorf("pool: invalid payload size %d", payloadSize)
	}

	p := &Pool{
		drv:         drv,
		handle:      h,
		payloadSize: payloadSize,
		buffers:     make([]*driver.FrameBuffer, size),
		states:      make(map[*driver.FrameBuffer]State, size),
	}
	for i := range p.buffers {
		buf := driver.NewFrameBuffer(payloadSize)
		p.buffers[i] = buf
		p.states[buf] = Unannounced
	}
	return p, nil
}

// Size returns the number of buffers in the pool.
func (p *Pool) Size() int { return len(p.buffers) }

// Buffers returns the pool's buffers in allocation order.
func (p *Pool) Buffers() []*driver.FrameBuffer {
	out := make([]*driver.FrameBuffer, len(p.buffers))
	copy(out, p.buffers)
	return out
}

// State returns the current state of buf.
func (p *Pool) State(buf *driver.FrameBuffer) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[buf]
	if !ok {
		return 0, ErrUnknownBuffer
	}
	return st, nil
}

// AnnounceAll registers every buffer with the driver. If any announce fails,
// the buffers announced so far are revoked before the error is returned.
func (p *Pool) AnnounceAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return ErrReleased
	}

	for i, buf := range p.buffers {
		if p.states[buf] != Unannounced {
			return fmt.Errorf("pool: announce buffer %d in state %s: %w", i, p.states[buf], ErrInvalidTransition)
		}
		if err := p.drv.Announce(p.handle, buf); err != nil {
			p.rollbackLocked()
			return fmt.Errorf("pool: announce buffer %d: %w", i, err)
		}
		p.states[buf] = Announced
	}

	slog.Debug("pool: buffers announced",
		"count", len(p.buffers),
		"payload_size", p.payloadSize,
	)
	return nil
}

// rollbackLocked revokes every buffer that is registered with the driver and
// not currently owned by it.
func (p *Pool) rollbackLocked() {
	for i, buf := range p.buffers {
		st := p.states[buf]
		if st != Announced && st != Delivered {
			continue
		}
		if err := p.drv.Revoke(p.handle, buf); err != nil {
			slog.Error("pool: revoke during rollback failed, buffer leaked to driver",
				"buffer", i,
				"error", err,
				"fatal", true,
			)
			continue
		}
		p.states[buf] = Revoked
	}
}

// QueueAll hands every announced buffer to the driver.
func (p *Pool) QueueAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, buf := range p.buffers {
		if p.states[buf] != Announced {
			continue
		}
		if err := p.queueLocked(buf); err != nil {
			return fmt.Errorf("pool: queue buffer %d: %w", i, err)
		}
	}
	return nil
}

// MarkDelivered records that the driver returned buf through its completion
// channel.
func (p *Pool) MarkDelivered(buf *driver.FrameBuffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[buf]
	if !ok {
		return ErrUnknownBuffer
	}
	if st != Queued {
		return fmt.Errorf("pool: deliver buffer in state %s: %w", st, ErrInvalidTransition)
	}

	p.states[buf] = Delivered
	p.queued--
	p.delivers++
	return nil
}

// Requeue hands a delivered buffer back to the driver. It must be called
// exactly once per delivery.
func (p *Pool) Requeue(buf *driver.FrameBuffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[buf]
	if !ok {
		return ErrUnknownBuffer
	}
	if st != Delivered {
		return fmt.Errorf("pool: requeue buffer in state %s: %w", st, ErrInvalidTransition)
	}
	return p.queueLocked(buf)
}

func (p *Pool) queueLocked(buf *driver.FrameBuffer) error {
	if p.released {
		return ErrReleased
	}
	if p.queued >= len(p.buffers) {
		return fmt.Errorf("pool: driver already owns %d buffers: %w", p.queued, ErrInvalidTransition)
	}

	buf.Reset()
	if err := p.drv.Queue(p.handle, buf); err != nil {
		return err
	}

	p.states[buf] = Queued
	p.queued++
	p.queues++
	if p.queued > p.maxQueue {
		p.maxQueue = p.queued
	}
	return nil
}

// ReclaimQueued moves every buffer still marked Queued to Delivered. It is
// only valid after the driver's queue was flushed and capture ended, when the
// driver no longer owns any buffer.
func (p *Pool) ReclaimQueued() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, buf := range p.buffers {
		if p.states[buf] == Queued {
			p.states[buf] = Delivered
			n++
		}
	}
	p.queued = 0
	return n
}

// RevokeAll unregisters every announced or delivered buffer. Buffers the
// driver still owns are reported as an error and left untouched.
func (p *Pool) RevokeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for i, buf := range p.buffers {
		switch p.states[buf] {
		case Announced, Delivered:
			if err := p.drv.Revoke(p.handle, buf); err != nil {
				errs = append(errs, fmt.Errorf("pool: revoke buffer %d: %w", i, err))
				continue
			}
			p.states[buf] = Revoked
		case Queued:
			errs = append(errs, fmt.Errorf("pool: revoke buffer %d still queued: %w", i, ErrInvalidTransition))
		}
	}
	return errors.Join(errs...)
}

// Release marks the pool unusable. Buffers not yet revoked are reported.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.released = true
	leaked := 0
	for _, buf := range p.buffers {
		st := p.states[buf]
		if st != Revoked && st != Unannounced {
			leaked++
		}
	}
	if leaked > 0 {
		return fmt.Errorf("pool: released with %d buffers still registered with driver", leaked)
	}
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[State]int, 5)
	for _, buf := range p.buffers {
		counts[p.states[buf]]++
	}
	return Stats{
		Size:           len(p.buffers),
		PayloadSize:    p.payloadSize,
		Counts:         counts,
		DriverOwned:    p.queued,
		MaxDriverOwned: p.maxQueue,
		Queues:         p.queues,
		Deliveries:     p.delivers,
	}
}
