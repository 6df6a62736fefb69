// Package fake provides an in-memory camera driver.
//
// Each opened device behaves like a camera with its own acquisition engine:
// buffers are announced, queued in FIFO order and delivered on the completion
// channel given to CaptureStart. Frames are produced either by a free-running
// goroutine (Device.FrameRate > 0) or explicitly with Fire, which makes the
// driver usable for deterministic tests as well as for demos.
//
// The driver also checks the buffer protocol and records violations (double
// queue, queue of an unknown buffer, revoke of a queued buffer) so tests can
// assert that a caller never breaks it.
package fake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/stereo-capture/driver"
)

// Name is the registry name of the fake driver.
const Name = "fake"

func init() {
	driver.Register(Name, func() (driver.Driver, error) {
		return New(WithDevices(DefaultDevices()...)), nil
	})
}

// Device describes a simulated camera.
type Device struct {
	Info        driver.DeviceInfo
	Width       int
	Height      int
	PixelFormat driver.PixelFormat
	FrameRate   float64 // frames per second; 0 means frames are only produced by Fire
	// InvalidEvery marks every n-th produced frame as incomplete (0 disables).
	InvalidEvery int
}

// DefaultDevices returns a free-running GigE stereo pair.
func DefaultDevices() []Device {
	return []Device{
		{
			Info:        driver.DeviceInfo{ID: "fake-0", Model: "Fake GigE", Serial: "F0000", Interface: "gige"},
			Width:       640,
			Height:      480,
			PixelFormat: driver.PixelMono8,
			FrameRate:   15,
		},
		{
			Info:        driver.DeviceInfo{ID: "fake-1", Model: "Fake GigE", Serial: "F0001", Interface: "gige"},
			Width:       640,
			Height:      480,
			PixelFormat: driver.PixelMono8,
			FrameRate:   15,
		},
	}
}

// Option configures the fake driver.
type Option func(*Driver)

// WithDevices sets the devices visible to discovery and Open.
func WithDevices(devs ...Device) Option {
	return func(d *Driver) {
		for _, dev := range devs {
			d.devices[dev.Info.ID] = dev
		}
	}
}

// WithStartupError makes Startup fail with err.
func WithStartupError(err error) Option {
	return func(d *Driver) { d.startupErr = err }
}

// WithOpenError makes Open(id) fail with err for the next n attempts
// (n <= 0 means always).
func WithOpenError(id string, err error, n int) Option {
	return func(d *Driver) { d.openErrs[id] = &countedErr{err: err, remaining: n} }
}

// WithAnnounceFailure makes the n-th Announce call (1-based, counted across
// all handles) fail.
func WithAnnounceFailure(n int) Option {
	return func(d *Driver) { d.failAnnounceAt = n }
}

// WithQueueFailure makes the n-th Queue call (1-based, counted across all
// handles) fail.
func WithQueueFailure(n int) Option {
	return func(d *Driver) { d.failQueueAt = n }
}

// WithCaptureStartError makes CaptureStart fail with err.
func WithCaptureStartError(err error) Option {
	return func(d *Driver) { d.captureStartErr = err }
}

// WithAcquisitionStartError makes the AcquisitionStart command fail with err.
func WithAcquisitionStartError(err error) Option {
	return func(d *Driver) { d.acqStartErr = err }
}

type countedErr struct {
	err       error
	remaining int
}

// Driver is the fake driver.
type Driver struct {
	mu      sync.Mutex
	devices map[string]Device
	started bool
	handles map[driver.Handle]*camera
	nextH   driver.Handle

	startupErr      error
	openErrs        map[string]*countedErr
	failAnnounceAt  int
	failQueueAt     int
	captureStartErr error
	acqStartErr     error

	announceCalls int
	queueCalls    int
}

// New creates a fake driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		devices:  make(map[string]Device),
		handles:  make(map[driver.Handle]*camera),
		openErrs: make(map[string]*countedErr),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Startup implements driver.Driver.
func (d *Driver) Startup() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.startupErr != nil {
		return d.startupErr
	}
	d.started = true
	return nil
}

// Shutdown implements driver.Driver. Open handles are closed.
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	handles := make([]driver.Handle, 0, len(d.handles))
	for h := range d.handles {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		_ = d.Close(h)
	}

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	return nil
}

// Discover implements driver.Driver.
func (d *Driver) Discover(ctx context.Context) ([]driver.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil, driver.ErrNotStarted
	}
	infos := make([]driver.DeviceInfo, 0, len(d.devices))
	for _, dev := range d.devices {
		infos = append(infos, dev.Info)
	}
	return infos, nil
}

// Open implements driver.Driver.
func (d *Driver) Open(id string, mode driver.AccessMode) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return 0, driver.ErrNotStarted
	}
	if ce, ok := d.openErrs[id]; ok {
		if ce.remaining <= 0 {
			return 0, ce.err
		}
		ce.remaining--
		if ce.remaining == 0 {
			delete(d.openErrs, id)
		}
		return 0, ce.err
	}

	dev, ok := d.devices[id]
	if !ok {
		return 0, fmt.Errorf("open %q: %w", id, driver.ErrNotFound)
	}
	if mode == driver.AccessFull {
		for _, cam := range d.handles {
			if cam.dev.Info.ID == id && cam.mode == driver.AccessFull {
				return 0, fmt.Errorf("open %q: %w", id, driver.ErrBusy)
			}
		}
	}

	d.nextH++
	h := d.nextH
	d.handles[h] = newCamera(dev, mode)
	return h, nil
}

// Close implements driver.Driver.
func (d *Driver) Close(h driver.Handle) error {
	d.mu.Lock()
	cam, ok := d.handles[h]
	if !ok {
		d.mu.Unlock()
		return driver.ErrInvalidHandle
	}
	delete(d.handles, h)
	d.mu.Unlock()

	cam.stopProducer()
	return nil
}

func (d *Driver) camera(h driver.Handle) (*camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cam, ok := d.handles[h]
	if !ok {
		return nil, driver.ErrInvalidHandle
	}
	return cam, nil
}

func (d *Driver) cameraByID(id string) (*camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, cam := range d.handles {
		if cam.dev.Info.ID == id && cam.mode == driver.AccessFull {
			return cam, nil
		}
	}
	return nil, fmt.Errorf("camera %q not open: %w", id, driver.ErrNotFound)
}

// Announce implements driver.Driver.
func (d *Driver) Announce(h driver.Handle, buf *driver.FrameBuffer) error {
	d.mu.Lock()
	d.announceCalls++
	fail := d.failAnnounceAt > 0 && d.announceCalls == d.failAnnounceAt
	d.mu.Unlock()

	if fail {
		return fmt.Errorf("announce: injected failure: %w", driver.ErrBusy)
	}

	cam, err := d.camera(h)
	if err != nil {
		return err
	}
	return cam.announce(buf)
}

// Revoke implements driver.Driver.
func (d *Driver) Revoke(h driver.Handle, buf *driver.FrameBuffer) error {
	cam, err := d.camera(h)
	if err != nil {
		return err
	}
	return cam.revoke(buf)
}

// CaptureStart implements driver.Driver.
func (d *Driver) CaptureStart(h driver.Handle, completions chan<- *driver.FrameBuffer) error {
	d.mu.Lock()
	startErr := d.captureStartErr
	d.mu.Unlock()

	if startErr != nil {
		return startErr
	}

	cam, err := d.camera(h)
	if err != nil {
		return err
	}
	return cam.captureStart(completions)
}

// CaptureEnd implements driver.Driver.
func (d *Driver) CaptureEnd(h driver.Handle) error {
	cam, err := d.camera(h)
	if err != nil {
		return err
	}
	cam.stopProducer()
	return cam.captureEnd()
}

// Queue implements driver.Driver.
func (d *Driver) Queue(h driver.Handle, buf *driver.FrameBuffer) error {
	d.mu.Lock()
	d.queueCalls++
	fail := d.failQueueAt > 0 && d.queueCalls == d.failQueueAt
	d.mu.Unlock()

	if fail {
		return fmt.Errorf("queue: injected failure: %w", driver.ErrTimeout)
	}

	cam, err := d.camera(h)
	if err != nil {
		return err
	}
	return cam.queue(buf)
}

// Flush implements driver.Driver.
func (d *Driver) Flush(h driver.Handle) error {
	cam, err := d.camera(h)
	if err != nil {
		return err
	}
	cam.flush()
	return nil
}

// RunCommand implements driver.Driver.
func (d *Driver) RunCommand(h driver.Handle, c driver.CommandFeature) error {
	cam, err := d.camera(h)
	if err != nil {
		return err
	}

	switch c {
	case driver.CommandAcquisitionStart:
		d.mu.Lock()
		acqErr := d.acqStartErr
		d.mu.Unlock()
		if acqErr != nil {
			return acqErr
		}
		return cam.acquisitionStart()
	case driver.CommandAcquisitionStop:
		cam.stopProducer()
		cam.acquisitionStop()
		return nil
	case driver.CommandAdjustPacketSize:
		return cam.adjustPacketSize()
	case driver.CommandTriggerSoftware:
		return cam.fire(driver.StatusComplete)
	default:
		return fmt.Errorf("command %s: %w", c, driver.ErrNotSupported)
	}
}

// GetInt implements driver.Driver.
func (d *Driver) GetInt(h driver.Handle, f driver.IntFeature) (int64, error) {
	cam, err := d.camera(h)
	if err != nil {
		return 0, err
	}
	return cam.getInt(f)
}

// SetInt implements driver.Driver.
func (d *Driver) SetInt(h driver.Handle, f driver.IntFeature, v int64) error {
	cam, err := d.camera(h)
	if err != nil {
		return err
	}
	return cam.setInt(f, v)
}

// GetFloat implements driver.Driver.
func (d *Driver) GetFloat(h driver.Handle, f driver.FloatFeature) (float64, error) {
	cam, err := d.camera(h)
	if err != nil {
		return 0, err
	}
	return cam.getFloat(f)
}

// SetFloat implements driver.Driver.
func (d *Driver) SetFloat(h driver.Handle, f driver.FloatFeature, v float64) error {
	cam, err := d.camera(h)
	if err != nil {
		return err
	}
	return cam.setFloat(f, v)
}

// GetEnum implements driver.Driver.
func (d *Driver) GetEnum(h driver.Handle, f driver.EnumFeature) (string, error) {
	cam, err := d.camera(h)
	if err != nil {
		return "", err
	}
	return cam.getEnum(f)
}

// SetEnum implements driver.Driver.
func (d *Driver) SetEnum(h driver.Handle, f driver.EnumFeature, v string) error {
	cam, err := d.camera(h)
	if err != nil {
		return err
	}
	return cam.setEnum(f, v)
}

// Fire produces one complete frame on the open camera id, as if the sensor
// finished an exposure. It returns ErrCaptureState when acquisition is not
// running. When no buffer is queued the frame is lost and counted as starved.
func (d *Driver) Fire(id string) error {
	return d.FireStatus(id, driver.StatusComplete)
}

// FireStatus is Fire with an explicit receive status.
func (d *Driver) FireStatus(id string, status driver.ReceiveStatus) error {
	cam, err := d.cameraByID(id)
	if err != nil {
		return err
	}
	return cam.fire(status)
}

// Stats returns the protocol counters of the open camera id.
func (d *Driver) Stats(id string) (CameraStats, error) {
	cam, err := d.cameraByID(id)
	if err != nil {
		return CameraStats{}, err
	}
	return cam.stats(), nil
}

// OpenHandles returns the number of handles currently open.
func (d *Driver) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// CameraStats are the per-camera protocol counters of the fake driver.
type CameraStats struct {
	Announced   int
	Queued      int
	MaxQueued   int
	Delivered   uint64
	Starved     uint64
	Capturing   bool
	Acquiring   bool
	Violations  []string
	LastFrameID uint64
}

func tickInterval(fps float64) time.Duration {
	return time.Duration(float64(time.Second) / fps)
}

func logViolation(id, msg string) {
	slog.Warn("fake: buffer protocol violation", "camera", id, "violation", msg)
}
