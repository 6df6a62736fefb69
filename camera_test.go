package stereocapture_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/driver"
	"github.com/e7canasta/stereo-capture/driver/fake"
)

func TestOpenReadsGeometry(t *testing.T) {
	dc, _ := startedContext(t, nil)
	cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L", Name: "left"})

	_, err := cam.Info()
	assert.ErrorIs(t, err, stereocapture.ErrCameraNotOpen)

	require.NoError(t, cam.Open(""))
	info, err := cam.Info()
	require.NoError(t, err)

	assert.Equal(t, 8, info.Width)
	assert.Equal(t, 4, info.Height)
	assert.Equal(t, 32, info.PayloadSize)
	assert.Equal(t, driver.PixelMono8, info.PixelFormat)
	assert.Equal(t, "left", info.Name)
	assert.Greater(t, info.PacketSize, 1500, "GigE packet size should be negotiated")

	var oerr *stereocapture.CameraOpenError
	require.ErrorAs(t, cam.Open(""), &oerr)
	assert.ErrorIs(t, oerr, stereocapture.ErrCameraOpen)

	require.NoError(t, cam.Close())
	require.NoError(t, cam.Close(), "Close must be idempotent")
	assert.False(t, cam.IsOpen())
}

func TestOpenErrors(t *testing.T) {
	tests := []struct {
		name     string
		opts     []fake.Option
		id       string
		category stereocapture.ErrorCategory
		sentinel error
	}{
		{"absent device", nil, "missing", stereocapture.CategoryNotFound, driver.ErrNotFound},
		{"access denied", []fake.Option{fake.WithOpenError("cam-L", driver.ErrAccessDenied, 0)}, "cam-L", stereocapture.CategoryAccess, driver.ErrAccessDenied},
		{"busy", []fake.Option{fake.WithOpenError("cam-L", driver.ErrBusy, 0)}, "cam-L", stereocapture.CategoryBusy, driver.ErrBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc, _ := startedContext(t, nil, tt.opts...)
			cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{})

			err := cam.Open(tt.id)
			var oerr *stereocapture.CameraOpenError
			require.ErrorAs(t, err, &oerr)
			assert.Equal(t, tt.category, oerr.Category)
			assert.Equal(t, tt.id, oerr.ID)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.False(t, cam.IsOpen())
		})
	}
}

func TestOpenAppliesSettings(t *testing.T) {
	dc, drv := startedContext(t, nil)
	cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{
		ID: "cam-L",
		Settings: stereocapture.Settings{
			Width:        16,
			Height:       8,
			PixelFormat:  driver.PixelMono16,
			ExposureTime: 2500,
			PacketSize:   9000,
		},
	})
	require.NoError(t, cam.Open(""))
	defer cam.Close()

	info, err := cam.Info()
	require.NoError(t, err)
	assert.Equal(t, 16*8*2, info.PayloadSize)
	assert.Equal(t, 9000, info.PacketSize)
	assert.Equal(t, 1, drv.OpenHandles())
}

func TestOpenRejectsUnsupportedSetting(t *testing.T) {
	dc, drv := startedContext(t, nil)
	// Gain (float) is a USB3 feature; GigE cameras expose GainRaw.
	cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{
		ID:       "cam-L",
		Settings: stereocapture.Settings{Gain: 3},
	})

	err := cam.Open("")
	assert.ErrorIs(t, err, driver.ErrNotSupported)
	assert.False(t, cam.IsOpen())
	assert.Zero(t, drv.OpenHandles(), "handle must be released after a failed open")
	assert.Zero(t, dc.OpenCameras())
}

func TestApplySettings(t *testing.T) {
	dc, _ := startedContext(t, nil)
	cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L"})
	assert.ErrorIs(t, cam.Apply(stereocapture.Settings{Width: 4}), stereocapture.ErrCameraNotOpen)

	require.NoError(t, cam.Open(""))
	defer cam.Close()

	require.NoError(t, cam.Apply(stereocapture.Settings{Width: 4, Height: 2}))
	info, _ := cam.Info()
	assert.Equal(t, 8, info.PayloadSize)

	require.NoError(t, cam.StartCapture(nil))
	assert.ErrorIs(t, cam.Apply(stereocapture.Settings{Width: 8}), stereocapture.ErrCaptureRunning)
	require.NoError(t, cam.StopCapture())
}

func TestCaptureDeliversValidFrames(t *testing.T) {
	dc, drv := startedContext(t, nil)
	cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L", Name: "left", PoolSize: 3})

	assert.ErrorIs(t, cam.StartCapture(nil), stereocapture.ErrCameraNotOpen)

	require.NoError(t, cam.Open(""))
	defer cam.Close()

	var log frameLog
	require.NoError(t, cam.StartCapture(log.handle))
	assert.ErrorIs(t, cam.StartCapture(log.handle), stereocapture.ErrCaptureRunning)

	require.NoError(t, drv.Fire("cam-L"))
	require.NoError(t, drv.FireStatus("cam-L", driver.StatusIncomplete))
	require.NoError(t, drv.Fire("cam-L"))

	require.Eventually(t, func() bool {
		return log.len() == 2 && cam.Stats().FramesInvalid == 1
	}, eventually, tick)

	assert.Equal(t, []uint64{1, 3}, log.ids())
	f := log.at(0)
	assert.Equal(t, "left", f.Camera)
	assert.Equal(t, 8, f.Width)
	assert.Len(t, f.Data, 32)
	assert.False(t, f.ReceivedAt.IsZero())

	st := cam.Stats()
	assert.EqualValues(t, 1, st.FramesInvalid)
	assert.True(t, st.Capturing)
	assert.LessOrEqual(t, cam.Pool().MaxDriverOwned, 3)

	require.NoError(t, cam.StopCapture())
	require.NoError(t, cam.StopCapture(), "StopCapture when stopped is a no-op")

	fs, err := drv.Stats("cam-L")
	require.NoError(t, err)
	assert.Empty(t, fs.Violations)
}

func TestStopStartLeavesNoBuffers(t *testing.T) {
	dc, drv := startedContext(t, nil)
	cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L", PoolSize: 4})
	require.NoError(t, cam.Open(""))
	defer cam.Close()

	for session := 1; session <= 3; session++ {
		var delivered atomic.Int32
		require.NoError(t, cam.StartCapture(func(stereocapture.Frame) { delivered.Add(1) }))

		ps := cam.Pool()
		assert.Equal(t, 4, ps.Size)
		assert.Equal(t, 4, ps.Queued, "session %d: every buffer queued at start", session)

		for i := 0; i < 6; i++ {
			require.NoError(t, drv.Fire("cam-L"))
		}
		require.Eventually(t, func() bool { return delivered.Load() >= 4 }, eventually, tick)

		require.NoError(t, cam.StopCapture())

		ps = cam.Pool()
		assert.Equal(t, ps.Size, ps.Revoked, "session %d: all buffers revoked", session)
		fs, err := drv.Stats("cam-L")
		require.NoError(t, err)
		assert.Zero(t, fs.Announced, "session %d: driver still holds buffers", session)
		assert.Zero(t, fs.Queued)
		assert.Empty(t, fs.Violations)
	}

	st := cam.Stats()
	assert.EqualValues(t, 3, st.Sessions)
	assert.Zero(t, st.LifecycleErrors)
}

func TestCaptureStartRollback(t *testing.T) {
	injected := errors.New("injected")
	tests := []struct {
		name  string
		opt   fake.Option
		stage stereocapture.CaptureStage
	}{
		{"announce", fake.WithAnnounceFailure(3), stereocapture.StageAnnounce},
		{"capture start", fake.WithCaptureStartError(injected), stereocapture.StageCaptureStart},
		{"queue", fake.WithQueueFailure(2), stereocapture.StageQueue},
		{"acquisition start", fake.WithAcquisitionStartError(injected), stereocapture.StageAcquisitionStart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc, drv := startedContext(t, nil, tt.opt)
			cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L"})
			require.NoError(t, cam.Open(""))
			defer cam.Close()

			err := cam.StartCapture(nil)
			var serr *stereocapture.CaptureStartError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.stage, serr.Stage)
			assert.False(t, cam.Capturing())

			fs, ferr := drv.Stats("cam-L")
			require.NoError(t, ferr)
			assert.Zero(t, fs.Announced, "announced buffers left behind")
			assert.Zero(t, fs.Queued)
			assert.False(t, fs.Capturing)
			assert.Empty(t, fs.Violations)

			ps := cam.Pool()
			assert.Zero(t, ps.Announced+ps.Queued+ps.Delivered)
		})
	}
}

func TestStopCaptureWaitsForHandler(t *testing.T) {
	dc, drv := startedContext(t, nil)
	cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L"})
	require.NoError(t, cam.Open(""))
	defer cam.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, cam.StartCapture(func(stereocapture.Frame) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}))

	require.NoError(t, drv.Fire("cam-L"))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- cam.StopCapture() }()

	select {
	case <-stopped:
		t.Fatal("StopCapture returned while the handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("StopCapture did not return")
	}

	// No handler call after StopCapture returned.
	n := calls.Load()
	assert.ErrorIs(t, drv.Fire("cam-L"), driver.ErrCaptureState)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}

func TestHandlerReadsStatsDuringStop(t *testing.T) {
	dc, drv := startedContext(t, nil)
	cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L"})
	require.NoError(t, cam.Open(""))
	defer cam.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	seen := make(chan stereocapture.CameraStats, 1)
	var calls atomic.Int32
	require.NoError(t, cam.StartCapture(func(stereocapture.Frame) {
		if calls.Add(1) != 1 {
			return
		}
		close(entered)
		<-release
		// StopCapture is waiting for this handler to return.
		_ = cam.Pool()
		_ = cam.Capturing()
		_, _ = cam.Info()
		seen <- cam.Stats()
	}))

	require.NoError(t, drv.Fire("cam-L"))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- cam.StopCapture() }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("StopCapture did not return while the handler read camera stats")
	}

	st := <-seen
	assert.EqualValues(t, 1, st.FramesDelivered)
	assert.False(t, cam.Capturing())
	assert.EqualValues(t, 1, cam.Stats().FramesDelivered)
}

func TestCloseStopsCapture(t *testing.T) {
	dc, drv := startedContext(t, nil)
	cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L"})
	require.NoError(t, cam.Open(""))
	require.NoError(t, cam.StartCapture(nil))

	require.NoError(t, cam.Close())
	assert.False(t, cam.Capturing())
	assert.Equal(t, cam.Pool().Size, cam.Pool().Revoked)
	assert.Zero(t, drv.OpenHandles())
}

func TestReadOnlyCameraCannotCapture(t *testing.T) {
	dc, _ := startedContext(t, nil)
	cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L", Mode: driver.AccessRead})
	require.NoError(t, cam.Open(""))
	defer cam.Close()

	err := cam.StartCapture(nil)
	assert.ErrorIs(t, err, driver.ErrAccessDenied)
}

func TestOpenWithRetry(t *testing.T) {
	fast := stereocapture.RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}

	t.Run("recovers from busy", func(t *testing.T) {
		dc, _ := startedContext(t, nil, fake.WithOpenError("cam-L", driver.ErrBusy, 2))
		cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L"})
		require.NoError(t, cam.OpenWithRetry(context.Background(), "", fast))
		require.NoError(t, cam.Close())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		dc, _ := startedContext(t, nil, fake.WithOpenError("cam-L", driver.ErrBusy, 0))
		cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L"})
		err := cam.OpenWithRetry(context.Background(), "", fast)
		assert.ErrorContains(t, err, "max retries exceeded")
		assert.ErrorIs(t, err, driver.ErrBusy)
	})

	t.Run("access denied is not retried", func(t *testing.T) {
		dc, _ := startedContext(t, nil, fake.WithOpenError("cam-L", driver.ErrAccessDenied, 0))
		cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "cam-L"})
		slow := stereocapture.RetryConfig{MaxRetries: 5, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}
		err := cam.OpenWithRetry(context.Background(), "", slow)
		assert.ErrorIs(t, err, driver.ErrAccessDenied)
		assert.NotContains(t, err.Error(), "max retries")
	})

	t.Run("context cancels backoff", func(t *testing.T) {
		dc, _ := startedContext(t, nil)
		cam := stereocapture.NewCamera(dc, stereocapture.CameraConfig{ID: "missing"})
		slow := stereocapture.RetryConfig{MaxRetries: 5, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, cam.OpenWithRetry(ctx, "", slow), context.DeadlineExceeded)
	})
}
