// Package gstreamer provides a driver backed by GStreamer video sources.
//
// Every device is a small pipeline ending in an appsink:
//
//	v4l2src | videotestsrc → videoconvert → videoscale → videorate →
//	capsfilter → appsink
//
// The appsink callback copies each sample into the oldest queued buffer and
// sends it on the completion channel, so V4L2 webcams and synthetic test
// sources behave like industrial cameras. Samples that arrive while no buffer
// is queued are counted as starved and their frame ID is skipped.
package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/stereo-capture/driver"
)

// Name is the registry name of the GStreamer driver.
const Name = "gstreamer"

func init() {
	driver.Register(Name, func() (driver.Driver, error) {
		return New(WithSources(DefaultSources()...), WithV4L2Scan("/dev/video*")), nil
	})
}

// Source describes one GStreamer video source.
type Source struct {
	// Info.Interface is "v4l2" for capture devices and "test" for videotestsrc
	Info driver.DeviceInfo
	// Device is the V4L2 device path
	Device string
	// Pattern is the videotestsrc pattern (0 = SMPTE bars, 18 = moving ball)
	Pattern     int
	Width       int
	Height      int
	PixelFormat driver.PixelFormat
	FrameRate   float64
}

// DefaultSources returns two synthetic test sources.
func DefaultSources() []Source {
	return []Source{
		{
			Info:        driver.DeviceInfo{ID: "test-0", Model: "videotestsrc", Serial: "T0000", Interface: "test"},
			Pattern:     18,
			Width:       640,
			Height:      480,
			PixelFormat: driver.PixelMono8,
			FrameRate:   30,
		},
		{
			Info:        driver.DeviceInfo{ID: "test-1", Model: "videotestsrc", Serial: "T0001", Interface: "test"},
			Pattern:     18,
			Width:       640,
			Height:      480,
			PixelFormat: driver.PixelMono8,
			FrameRate:   30,
		},
	}
}

// V4L2Source returns a source for the capture device at path.
func V4L2Source(path string) Source {
	return Source{
		Info:        driver.DeviceInfo{ID: path, Model: "V4L2", Serial: filepath.Base(path), Interface: "v4l2"},
		Device:      path,
		Width:       640,
		Height:      480,
		PixelFormat: driver.PixelMono8,
		FrameRate:   30,
	}
}

// Option configures the driver.
type Option func(*Driver)

// WithSources adds fixed sources.
func WithSources(srcs ...Source) Option {
	return func(d *Driver) {
		for _, src := range srcs {
			d.sources[src.Info.ID] = src
		}
	}
}

// WithV4L2Scan makes Discover add every device path matching pattern.
func WithV4L2Scan(pattern string) Option {
	return func(d *Driver) { d.scan = pattern }
}

// Driver is the GStreamer driver.
type Driver struct {
	mu      sync.Mutex
	sources map[string]Source
	scan    string
	started bool
	handles map[driver.Handle]*camera
	nextH   driver.Handle
}

// New creates a GStreamer driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		sources: make(map[string]Source),
		handles: make(map[driver.Handle]*camera),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Startup initializes GStreamer (safe to call multiple times).
func (d *Driver) Startup() error {
	gst.Init(nil)

	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

// Shutdown closes every open handle.
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

// Discover returns the fixed sources plus any scanned V4L2 devices.
func (d *Driver) Discover(ctx context.Context) ([]driver.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil, driver.ErrNotStarted
	}

	if d.scan != "" {
		paths, err := filepath.Glob(d.scan)
		if err != nil {
			return nil, fmt.Errorf("gstreamer: scan %q: %w", d.scan, err)
		}
		for _, path := range paths {
			if _, ok := d.sources[path]; !ok {
				d.sources[path] = V4L2Source(path)
				slog.Debug("gstreamer: v4l2 device found", "device", path)
			}
		}
	}

	infos := make([]driver.DeviceInfo, 0, len(d.sources))
	for _, src := range d.sources {
		infos = append(infos, src.Info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Open implements driver.Driver. A V4L2 path that was not discovered is
// opened directly.
func (d *Driver) Open(id string, mode driver.AccessMode) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return 0, driver.ErrNotStarted
	}
	src, ok := d.sources[id]
	if !ok {
		if filepath.IsAbs(id) {
			src = V4L2Source(id)
			d.sources[id] = src
		} else {
			return 0, fmt.Errorf("open %q: %w", id, driver.ErrNotFound)
		}
	}
	if mode == driver.AccessFull {
		for _, cam := range d.handles {
			if cam.src.Info.ID == id && cam.mode == driver.AccessFull {
				return 0, fmt.Errorf("open %q: %w", id, driver.ErrBusy)
			}
		}
	}

	d.nextH++
	h := d.nextH
	d.handles[h] = newCamera(src, mode)
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

	cam.acquisitionStop()
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

// RunCommand implements driver.Driver.
func (d *Driver) RunCommand(h driver.Handle, c driver.CommandFeature) error {
	cam, err := d.camera(h)
	if err != nil {
		return err
	}

	switch c {
	case driver.CommandAcquisitionStart:
		return cam.acquisitionStart()
	case driver.CommandAcquisitionStop:
		cam.acquisitionStop()
		return nil
	default:
		return fmt.Errorf("command %s: %w", c, driver.ErrNotSupported)
	}
}

// Announce implements driver.Driver.
func (d *Driver) Announce(h driver.Handle, buf *driver.FrameBuffer) error {
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
	cam.acquisitionStop()
	return cam.captureEnd()
}

// Queue implements driver.Driver.
func (d *Driver) Queue(h driver.Handle, buf *driver.FrameBuffer) error {
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

// Counters returns the delivery counters of h.
func (d *Driver) Counters(h driver.Handle) (Counters, error) {
	cam, err := d.camera(h)
	if err != nil {
		return Counters{}, err
	}
	return cam.counters(), nil
}
