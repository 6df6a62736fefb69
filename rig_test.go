package stereocapture_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/driver"
	"github.com/e7canasta/stereo-capture/driver/fake"
	"github.com/e7canasta/stereo-capture/pairbus"
)

func stereoConfig() stereocapture.RigConfig {
	return stereocapture.RigConfig{
		Left:  stereocapture.CameraConfig{ID: "cam-L", PoolSize: 3},
		Right: stereocapture.CameraConfig{ID: "cam-R", PoolSize: 3},
	}
}

func TestRigPairsFrames(t *testing.T) {
	dc, drv := startedContext(t, nil)

	var log pairLog
	rig := stereocapture.NewStereoRig(dc, stereoConfig(), log.handle)
	require.NoError(t, rig.Open(context.Background()))
	defer rig.Close()
	require.NoError(t, rig.Start())

	for i := 1; i <= 5; i++ {
		require.NoError(t, drv.Fire("cam-L"))
		require.NoError(t, drv.Fire("cam-R"))
		want := i
		require.Eventually(t, func() bool { return log.len() == want }, eventually, tick)
	}

	for i := 0; i < 5; i++ {
		p := log.get(i)
		assert.EqualValues(t, i+1, p.Seq)
		assert.Equal(t, "left", p.Left.Camera)
		assert.Equal(t, "right", p.Right.Camera)
		assert.EqualValues(t, i+1, p.Left.FrameID)
		assert.EqualValues(t, i+1, p.Right.FrameID)
	}

	require.NoError(t, rig.Stop())
	st := rig.Stats()
	assert.EqualValues(t, 5, st.Sync.Pairs)
	assert.EqualValues(t, 5, st.Left.FramesDelivered)
	assert.False(t, st.Left.Capturing)
}

func TestRigInvalidFramesNeverPending(t *testing.T) {
	dc, drv := startedContext(t, nil)

	var log pairLog
	rig := stereocapture.NewStereoRig(dc, stereoConfig(), log.handle)
	require.NoError(t, rig.Open(context.Background()))
	defer rig.Close()
	require.NoError(t, rig.Start())

	require.NoError(t, drv.FireStatus("cam-L", driver.StatusIncomplete))
	require.NoError(t, drv.Fire("cam-R"))
	require.Eventually(t, func() bool {
		st := rig.Stats()
		return st.Left.FramesInvalid == 1 && st.Sync.RightOffered == 1
	}, eventually, tick)

	left, right := rig.Synchronizer().Pending()
	assert.False(t, left, "invalid left frame reached the synchronizer")
	assert.True(t, right)
	assert.Zero(t, log.len())

	require.NoError(t, drv.Fire("cam-L"))
	require.Eventually(t, func() bool { return log.len() == 1 }, eventually, tick)
	p := log.get(0)
	assert.EqualValues(t, 2, p.Left.FrameID)
	assert.EqualValues(t, 1, p.Right.FrameID)
}

func TestRigOpenFailureClosesLeft(t *testing.T) {
	dc, drv := startedContext(t, []fake.Device{manualDevice("cam-L")})

	rig := stereocapture.NewStereoRig(dc, stereoConfig(), nil)
	err := rig.Open(context.Background())
	assert.ErrorIs(t, err, driver.ErrNotFound)
	assert.False(t, rig.Left().IsOpen())
	assert.Zero(t, drv.OpenHandles())
}

func TestRigRestart(t *testing.T) {
	dc, drv := startedContext(t, nil)

	var log pairLog
	rig := stereocapture.NewStereoRig(dc, stereoConfig(), log.handle)
	require.NoError(t, rig.Open(context.Background()))
	defer rig.Close()

	for session := 0; session < 2; session++ {
		require.NoError(t, rig.Start())
		assert.ErrorIs(t, rig.Start(), stereocapture.ErrCaptureRunning)

		// An unpaired left frame must not leak into the next session.
		require.NoError(t, drv.Fire("cam-L"))
		require.Eventually(t, func() bool {
			l, _ := rig.Synchronizer().Pending()
			return l
		}, eventually, tick)
		require.NoError(t, rig.Stop())

		l, r := rig.Synchronizer().Pending()
		assert.False(t, l)
		assert.False(t, r)
	}
	assert.Zero(t, log.len())
	assert.Equal(t, rig.Left().Pool().Size, rig.Left().Pool().Revoked)
}

func TestRigPublishesToBus(t *testing.T) {
	dc, drv := startedContext(t, nil)

	bus := pairbus.New[stereocapture.StereoPair]()
	defer bus.Close()
	ch := make(chan stereocapture.StereoPair, 4)
	require.NoError(t, bus.Subscribe("writer", ch))
	latest, err := bus.SubscribeDropOld("preview")
	require.NoError(t, err)

	rig := stereocapture.NewStereoRig(dc, stereoConfig(), nil, stereocapture.WithPairBus(bus))
	require.NoError(t, rig.Open(context.Background()))
	defer rig.Close()
	require.NoError(t, rig.Start())

	require.NoError(t, drv.Fire("cam-L"))
	require.NoError(t, drv.Fire("cam-R"))

	select {
	case p := <-ch:
		assert.EqualValues(t, 1, p.Seq)
		assert.Len(t, p.Left.Data, 32)
	case <-time.After(eventually):
		t.Fatal("no pair on the bus")
	}

	// The published copy survives buffer reuse.
	require.NoError(t, drv.Fire("cam-L"))
	require.NoError(t, drv.Fire("cam-R"))
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	p, err := latest.Receive(ctx)
	require.NoError(t, err)
	assert.Len(t, p.Right.Data, 32)

	st := rig.Stats()
	require.NotNil(t, st.Bus)
	assert.GreaterOrEqual(t, st.Bus.Published, uint64(1))
}

type recordingTrigger struct {
	mu     sync.Mutex
	events []string
	rig    *stereocapture.StereoRig
}

func (tr *recordingTrigger) Start(rate float64) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, "start")
	if !tr.rig.Left().Capturing() || !tr.rig.Right().Capturing() {
		tr.events = append(tr.events, "started-before-cameras")
	}
	return nil
}

func (tr *recordingTrigger) Stop() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, "stop")
	if !tr.rig.Left().Capturing() {
		tr.events = append(tr.events, "stopped-after-cameras")
	}
	return nil
}

func TestRigTriggerOrdering(t *testing.T) {
	dc, _ := startedContext(t, nil)

	tr := &recordingTrigger{}
	cfg := stereoConfig()
	cfg.TriggerRate = 10
	rig := stereocapture.NewStereoRig(dc, cfg, nil, stereocapture.WithTrigger(tr))
	tr.rig = rig

	require.NoError(t, rig.Open(context.Background()))
	defer rig.Close()
	require.NoError(t, rig.Start())
	require.NoError(t, rig.Stop())

	assert.Equal(t, []string{"start", "stop"}, tr.events)
}

func TestRigWarmup(t *testing.T) {
	devs := []fake.Device{manualDevice("cam-L"), manualDevice("cam-R")}
	for i := range devs {
		devs[i].FrameRate = 100
	}
	dc, _ := startedContext(t, devs)

	rig := stereocapture.NewStereoRig(dc, stereoConfig(), nil)
	require.NoError(t, rig.Open(context.Background()))
	defer rig.Close()

	_, err := rig.Warmup(context.Background(), 10*time.Millisecond)
	assert.Error(t, err, "warmup before Start must fail")

	require.NoError(t, rig.Start())
	stats, err := rig.Warmup(context.Background(), 300*time.Millisecond)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, stats.PairsReceived, 2)
	assert.Greater(t, stats.FPSMean, 0.0)
	assert.LessOrEqual(t, stats.SkewMean, stats.SkewMax)
}

func TestRigOpenWithRetry(t *testing.T) {
	dc, _ := startedContext(t, nil, fake.WithOpenError("cam-R", driver.ErrBusy, 2))

	cfg := stereoConfig()
	cfg.Retry = stereocapture.RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}
	rig := stereocapture.NewStereoRig(dc, cfg, nil)

	require.NoError(t, rig.Open(context.Background()))
	assert.True(t, rig.Right().IsOpen())
	require.NoError(t, rig.Close())
	assert.Zero(t, dc.OpenCameras())
}
