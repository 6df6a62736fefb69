package stereocapture_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/driver"
	"github.com/e7canasta/stereo-capture/driver/fake"
)

// manualDevice is a fake camera that only produces frames on Fire.
func manualDevice(id string) fake.Device {
	return fake.Device{
		Info:        driver.DeviceInfo{ID: id, Model: "Fake GigE", Serial: id, Interface: "gige"},
		Width:       8,
		Height:      4,
		PixelFormat: driver.PixelMono8,
	}
}

// startedContext returns a started DriverContext over a fake driver with the
// given devices (a manual stereo pair by default).
func startedContext(t *testing.T, devs []fake.Device, opts ...fake.Option) (*stereocapture.DriverContext, *fake.Driver) {
	t.Helper()

	if devs == nil {
		devs = []fake.Device{manualDevice("cam-L"), manualDevice("cam-R")}
	}
	drv := fake.New(append([]fake.Option{fake.WithDevices(devs...)}, opts...)...)
	dc := stereocapture.NewDriverContextWith(drv)
	require.NoError(t, dc.Startup(context.Background()))
	t.Cleanup(func() { _ = dc.Shutdown() })
	return dc, drv
}

// frameLog records frames delivered to a FrameHandler.
type frameLog struct {
	mu     sync.Mutex
	frames []stereocapture.Frame
}

func (l *frameLog) handle(f stereocapture.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f.Clone())
}

func (l *frameLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func (l *frameLog) at(i int) stereocapture.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames[i]
}

func (l *frameLog) ids() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint64, len(l.frames))
	for i, f := range l.frames {
		ids[i] = f.FrameID
	}
	return ids
}

// pairLog records pairs delivered to a PairHandler.
type pairLog struct {
	mu    sync.Mutex
	pairs []stereocapture.StereoPair
}

func (l *pairLog) handle(p stereocapture.StereoPair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pairs = append(l.pairs, p.Clone())
}

func (l *pairLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pairs)
}

func (l *pairLog) get(i int) stereocapture.StereoPair {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pairs[i]
}

const eventually = 2 * time.Second
const tick = time.Millisecond

func frame(camera string, id uint64) stereocapture.Frame {
	return stereocapture.Frame{
		Camera:      camera,
		Data:        []byte{byte(id), byte(id >> 8), 0, 0},
		Width:       2,
		Height:      2,
		PixelFormat: driver.PixelMono8,
		FrameID:     id,
		ReceivedAt:  time.Now(),
	}
}
