package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/stereo-capture/driver"
	"github.com/e7canasta/stereo-capture/driver/fake"
	"github.com/e7canasta/stereo-capture/internal/pool"
)

type rig struct {
	drv  *fake.Driver
	h    driver.Handle
	pool *pool.Pool
}

func newRig(t *testing.T, size int, opts ...fake.Option) *rig {
	t.Helper()

	dev := fake.Device{
		Info:        driver.DeviceInfo{ID: "cam-0", Interface: "gige"},
		Width:       4,
		Height:      4,
		PixelFormat: driver.PixelMono8,
	}
	drv := fake.New(append([]fake.Option{fake.WithDevices(dev)}, opts...)...)
	require.NoError(t, drv.Startup())
	t.Cleanup(func() { _ = drv.Shutdown() })

	h, err := drv.Open("cam-0", driver.AccessFull)
	require.NoError(t, err)

	p, err := pool.New(drv, h, size, 16)
	require.NoError(t, err)
	require.NoError(t, p.AnnounceAll())

	return &rig{drv: drv, h: h, pool: p}
}

// stop runs the full stop sequence and checks that every buffer came back.
func (r *rig) stop(t *testing.T, e *Engine) {
	t.Helper()

	require.NoError(t, r.drv.RunCommand(r.h, driver.CommandAcquisitionStop))
	e.Halt()
	require.NoError(t, r.drv.CaptureEnd(r.h))
	require.NoError(t, r.drv.Flush(r.h))
	e.Drain()
	r.pool.ReclaimQueued()
	require.NoError(t, r.pool.RevokeAll())
	require.NoError(t, r.pool.Release())

	fs, err := r.drv.Stats("cam-0")
	require.NoError(t, err)
	assert.Empty(t, fs.Violations)
	assert.Zero(t, fs.Announced)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDeliversAndRequeues(t *testing.T) {
	r := newRig(t, 3)

	var mu sync.Mutex
	var ids []uint64
	e := New(r.drv, r.h, r.pool, "cam-0", func(buf *driver.FrameBuffer) {
		mu.Lock()
		ids = append(ids, buf.FrameID)
		mu.Unlock()
	})
	require.NoError(t, e.Start())
	require.NoError(t, r.drv.RunCommand(r.h, driver.CommandAcquisitionStart))

	for i := 0; i < 10; i++ {
		require.NoError(t, r.drv.Fire("cam-0"))
		want := uint64(i + 1)
		waitFor(t, func() bool { return e.Stats().Delivered == want })
		// Handler returned; the buffer must be back with the driver before
		// the next exposure.
		waitFor(t, func() bool { return r.pool.Stats().DriverOwned == 3 })
	}

	r.stop(t, e)

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, ids)
	st := e.Stats()
	assert.EqualValues(t, 10, st.Delivered)
	assert.Zero(t, st.Missed)
	assert.Zero(t, st.LifecycleErrors)
	assert.LessOrEqual(t, r.pool.Stats().MaxDriverOwned, 3)
}

func TestInvalidFramesSkipHandler(t *testing.T) {
	r := newRig(t, 2)

	var calls atomic.Int32
	e := New(r.drv, r.h, r.pool, "cam-0", func(*driver.FrameBuffer) { calls.Add(1) })
	require.NoError(t, e.Start())
	require.NoError(t, r.drv.RunCommand(r.h, driver.CommandAcquisitionStart))

	statuses := []driver.ReceiveStatus{driver.StatusIncomplete, driver.StatusComplete, driver.StatusTooSmall}
	for i, status := range statuses {
		require.NoError(t, r.drv.FireStatus("cam-0", status))
		want := uint64(i + 1)
		waitFor(t, func() bool {
			s := e.Stats()
			return s.Delivered+s.Invalid == want
		})
		// Invalid buffers are requeued too; wait so the next exposure finds one.
		waitFor(t, func() bool { return r.pool.Stats().DriverOwned == 2 })
	}
	r.stop(t, e)

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 2, e.Stats().Invalid)
}

func TestMissedFramesCounted(t *testing.T) {
	r := newRig(t, 1)

	release := make(chan struct{})
	e := New(r.drv, r.h, r.pool, "cam-0", func(buf *driver.FrameBuffer) {
		if buf.FrameID == 1 {
			<-release
		}
	})
	require.NoError(t, e.Start())
	require.NoError(t, r.drv.RunCommand(r.h, driver.CommandAcquisitionStart))

	require.NoError(t, r.drv.Fire("cam-0"))
	waitFor(t, func() bool { return e.Stats().Delivered == 1 })

	// The only buffer is held by the handler, so these exposures starve.
	require.NoError(t, r.drv.Fire("cam-0"))
	require.NoError(t, r.drv.Fire("cam-0"))
	close(release)
	waitFor(t, func() bool { return r.pool.Stats().DriverOwned == 1 })

	require.NoError(t, r.drv.Fire("cam-0"))
	waitFor(t, func() bool { return e.Stats().Delivered == 2 })
	r.stop(t, e)

	st := e.Stats()
	assert.EqualValues(t, 2, st.Missed)
	assert.EqualValues(t, 4, st.LastFrameID)
}

func TestHaltWaitsForHandler(t *testing.T) {
	r := newRig(t, 2)

	entered := make(chan struct{})
	var finished atomic.Bool
	e := New(r.drv, r.h, r.pool, "cam-0", func(*driver.FrameBuffer) {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})
	require.NoError(t, e.Start())
	require.NoError(t, r.drv.RunCommand(r.h, driver.CommandAcquisitionStart))
	require.NoError(t, r.drv.Fire("cam-0"))
	<-entered

	e.Halt()
	assert.True(t, finished.Load(), "Halt returned before the handler finished")
	assert.False(t, e.Running())

	require.NoError(t, r.drv.CaptureEnd(r.h))
	require.NoError(t, r.drv.Flush(r.h))
	e.Drain()
	r.pool.ReclaimQueued()
	require.NoError(t, r.pool.RevokeAll())
}

func TestDrainReclaimsUnreceivedBuffers(t *testing.T) {
	r := newRig(t, 3)

	e := New(r.drv, r.h, r.pool, "cam-0", func(*driver.FrameBuffer) {})
	require.NoError(t, e.Start())
	e.Halt()

	// Frames completed after the loop stopped stay in the channel.
	require.NoError(t, r.drv.RunCommand(r.h, driver.CommandAcquisitionStart))
	require.NoError(t, r.drv.Fire("cam-0"))
	require.NoError(t, r.drv.Fire("cam-0"))

	require.NoError(t, r.drv.RunCommand(r.h, driver.CommandAcquisitionStop))
	require.NoError(t, r.drv.CaptureEnd(r.h))
	require.NoError(t, r.drv.Flush(r.h))

	assert.Equal(t, 2, e.Drain())
	assert.Equal(t, 1, r.pool.ReclaimQueued())
	require.NoError(t, r.pool.RevokeAll())
	assert.EqualValues(t, 2, e.Stats().Discarded)
}

func TestHandlerPanicIsContained(t *testing.T) {
	r := newRig(t, 2)

	e := New(r.drv, r.h, r.pool, "cam-0", func(*driver.FrameBuffer) { panic("boom") })
	require.NoError(t, e.Start())
	require.NoError(t, r.drv.RunCommand(r.h, driver.CommandAcquisitionStart))

	require.NoError(t, r.drv.Fire("cam-0"))
	require.NoError(t, r.drv.Fire("cam-0"))
	waitFor(t, func() bool { return e.Stats().HandlerPanics == 2 })
	waitFor(t, func() bool { return r.pool.Stats().DriverOwned == 2 })

	r.stop(t, e)
}

func TestStartTwice(t *testing.T) {
	r := newRig(t, 1)
	e := New(r.drv, r.h, r.pool, "cam-0", func(*driver.FrameBuffer) {})
	require.NoError(t, e.Start())
	assert.Error(t, e.Start())
	r.stop(t, e)
}

// brokenTeardown performs Flush and CaptureEnd but reports them as failed.
type brokenTeardown struct {
	*fake.Driver
}

func (d brokenTeardown) Flush(h driver.Handle) error {
	_ = d.Driver.Flush(h)
	return errors.New("flush: link down")
}

func (d brokenTeardown) CaptureEnd(h driver.Handle) error {
	_ = d.Driver.CaptureEnd(h)
	return errors.New("capture end: link down")
}

func TestStartRollbackFailuresCounted(t *testing.T) {
	r := newRig(t, 3, fake.WithQueueFailure(2))

	e := New(brokenTeardown{r.drv}, r.h, r.pool, "cam-0", func(*driver.FrameBuffer) {})
	err := e.Start()
	require.ErrorIs(t, err, ErrQueue)
	assert.False(t, e.Running())

	assert.EqualValues(t, 2, e.Stats().LifecycleErrors)
	assert.Zero(t, r.pool.Stats().DriverOwned)
	require.NoError(t, r.pool.RevokeAll())
}
