// Package engine runs the completion loop of one camera.
//
// The driver pushes every filled buffer onto the completion channel handed to
// it in Start. A single goroutine per camera receives them, marks them
// delivered in the pool, forwards valid frames to the handler and requeues the
// buffer once the handler returns. Invalid frames (non-zero receive status)
// are counted and requeued without reaching the handler.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/stereo-capture/driver"
	"github.com/e7canasta/stereo-capture/internal/pool"
)

var (
	// ErrCaptureStart wraps a driver CaptureStart failure.
	ErrCaptureStart = errors.New("engine: capture start failed")
	// ErrQueue wraps a failure to queue the initial buffers.
	ErrQueue = errors.New("engine: queue failed")
)

// Handler receives one valid frame. The buffer is only valid until Handler
// returns; it is requeued with the driver right after.
type Handler func(buf *driver.FrameBuffer)

// Stats is a snapshot of the engine counters.
type Stats struct {
	Delivered       uint64 // frames forwarded to the handler
	Invalid         uint64 // frames dropped for a non-zero receive status
	Missed          uint64 // frame ID gaps reported by the driver
	OutOfOrder      uint64 // frames whose ID did not increase
	LifecycleErrors uint64 // pool or driver failures while cycling a buffer
	HandlerPanics   uint64
	Discarded       uint64 // buffers drained after Halt
	LastFrameID     uint64
	LastFrameAt     time.Time
}

// Engine is the completion loop of one camera handle.
type Engine struct {
	drv     driver.Driver
	handle  driver.Handle
	pool    *pool.Pool
	handler Handler
	name    string

	mu          sync.Mutex
	completions chan *driver.FrameBuffer
	stop        chan struct{}
	wg          sync.WaitGroup
	running     bool

	delivered       atomic.Uint64
	invalid         atomic.Uint64
	missed          atomic.Uint64
	outOfOrder      atomic.Uint64
	lifecycleErrors atomic.Uint64
	handlerPanics   atomic.Uint64
	discarded       atomic.Uint64
	lastFrameID     atomic.Uint64
	lastFrameAt     atomic.Int64
}

// New creates an engine for the camera behind h. name is only used in logs.
func New(drv driver.Driver, h driver.Handle, p *pool.Pool, name string, handler Handler) *Engine {
	return &Engine{
		drv:     drv,
		handle:  h,
		pool:    p,
		handler: handler,
		name:    name,
	}
}

// Start begins capture on the driver, queues every announced buffer and
// launches the completion loop. The pool must already be announced.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine %s: already running", e.name)
	}

	completions := make(chan *driver.FrameBuffer, e.pool.Size())
	if err := e.drv.CaptureStart(e.handle, completions); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCaptureStart, e.name, err)
	}
	if err := e.pool.QueueAll(); err != nil {
		// Undo what the driver accepted so the pool can be revoked.
		if ferr := e.drv.Flush(e.handle); ferr != nil {
			e.rollbackFailed("flush", ferr)
		}
		if cerr := e.drv.CaptureEnd(e.handle); cerr != nil {
			e.rollbackFailed("capture end", cerr)
		}
		e.pool.ReclaimQueued()
		return fmt.Errorf("%w: %s: %w", ErrQueue, e.name, err)
	}

	e.completions = completions
	e.stop = make(chan struct{})
	e.running = true
	e.lastFrameID.Store(0)

	e.wg.Add(1)
	go e.loop(completions, e.stop)

	slog.Debug("engine: completion loop started",
		"camera", e.name,
		"buffers", e.pool.Size(),
	)
	return nil
}

func (e *Engine) rollbackFailed(step string, err error) {
	e.lifecycleErrors.Add(1)
	slog.Error("engine: start rollback failed",
		"camera", e.name,
		"step", step,
		"error", err,
		"fatal", true,
	)
}

func (e *Engine) loop(completions <-chan *driver.FrameBuffer, stop <-chan struct{}) {
	defer e.wg.Done()

	for {
		select {
		case <-stop:
			return
		case buf := <-completions:
			e.process(buf)
		}
	}
}

func (e *Engine) process(buf *driver.FrameBuffer) {
	if err := e.pool.MarkDelivered(buf); err != nil {
		e.lifecycleErrors.Add(1)
		slog.Error("engine: driver delivered a buffer it did not own",
			"camera", e.name,
			"error", err,
			"fatal", true,
		)
		return
	}

	if buf.Status.OK() {
		e.trackFrameID(buf.FrameID)
		e.delivered.Add(1)
		e.lastFrameAt.Store(time.Now().UnixNano())
		e.dispatch(buf)
	} else {
		e.invalid.Add(1)
		slog.Debug("engine: invalid frame dropped",
			"camera", e.name,
			"frame_id", buf.FrameID,
			"status", buf.Status.String(),
		)
	}

	if err := e.pool.Requeue(buf); err != nil {
		e.lifecycleErrors.Add(1)
		slog.Error("engine: requeue failed, buffer lost for this capture",
			"camera", e.name,
			"frame_id", buf.FrameID,
			"error", err,
			"fatal", true,
		)
	}
}

func (e *Engine) trackFrameID(id uint64) {
	last := e.lastFrameID.Load()
	switch {
	case last == 0:
	case id <= last:
		e.outOfOrder.Add(1)
		slog.Warn("engine: frame id did not increase",
			"camera", e.name,
			"frame_id", id,
			"last_frame_id", last,
		)
		return
	case id > last+1:
		e.missed.Add(id - last - 1)
	}
	e.lastFrameID.Store(id)
}

func (e *Engine) dispatch(buf *driver.FrameBuffer) {
	defer func() {
		if r := recover(); r != nil {
			e.handlerPanics.Add(1)
			slog.Error("engine: frame handler panicked",
				"camera", e.name,
				"frame_id", buf.FrameID,
				"panic", r,
			)
		}
	}()
	e.handler(buf)
}

// Halt stops the completion loop and waits for an in-flight handler to
// return. Buffers still in the completion channel are left for Drain. It must
// not be called from the handler.
func (e *Engine) Halt() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	close(e.stop)
	e.running = false
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("engine: frame handler still running, waiting", "camera", e.name)
		<-done
	}
}

// Drain takes back every buffer the driver completed but the loop never
// received. Call it after Halt and after the driver was flushed and its
// capture ended. It returns the number of buffers drained.
func (e *Engine) Drain() int {
	e.mu.Lock()
	completions := e.completions
	e.completions = nil
	e.mu.Unlock()

	if completions == nil {
		return 0
	}

	n := 0
	for {
		select {
		case buf := <-completions:
			if err := e.pool.MarkDelivered(buf); err != nil {
				e.lifecycleErrors.Add(1)
				slog.Error("engine: drained a buffer the driver did not own",
					"camera", e.name,
					"error", err,
					"fatal", true,
				)
				continue
			}
			n++
		default:
			e.discarded.Add(uint64(n))
			return n
		}
	}
}

// Running reports whether the completion loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Delivered:       e.delivered.Load(),
		Invalid:         e.invalid.Load(),
		Missed:          e.missed.Load(),
		OutOfOrder:      e.outOfOrder.Load(),
		LifecycleErrors: e.lifecycleErrors.Load(),
		HandlerPanics:   e.handlerPanics.Load(),
		Discarded:       e.discarded.Load(),
		LastFrameID:     e.lastFrameID.Load(),
	}
	if ns := e.lastFrameAt.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}
	return s
}
