package gstreamer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/stereo-capture/driver"
)

// camera is one open source. The pipeline only exists while acquiring.
type camera struct {
	src  Source
	mode driver.AccessMode

	mu          sync.Mutex
	width       int
	height      int
	format      driver.PixelFormat
	frameRate   float64
	acqMode     string
	announced   map[*driver.FrameBuffer]bool
	queued      []*driver.FrameBuffer
	completions chan<- *driver.FrameBuffer
	capturing   bool
	acquiring   bool
	frameID     uint64
	delivered   uint64
	starved     uint64
	pipe        *pipeline
}

func newCamera(src Source, mode driver.AccessMode) *camera {
	return &camera{
		src:       src,
		mode:      mode,
		width:     src.Width,
		height:    src.Height,
		format:    src.PixelFormat,
		frameRate: src.FrameRate,
		acqMode:   "Continuous",
		announced: make(map[*driver.FrameBuffer]bool),
	}
}

func (c *camera) payloadLocked() int {
	return c.width * c.height * c.format.BytesPerPixel()
}

func (c *camera) checkWritable() error {
	if c.mode != driver.AccessFull {
		return driver.ErrAccessDenied
	}
	return nil
}

func (c *camera) getInt(f driver.IntFeature) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f {
	case driver.FeatureWidth:
		return int64(c.width), nil
	case driver.FeatureHeight:
		return int64(c.height), nil
	case driver.FeaturePayloadSize:
		return int64(c.payloadLocked()), nil
	default:
		return 0, fmt.Errorf("feature %s: %w", f, driver.ErrNotSupported)
	}
}

func (c *camera) setInt(f driver.IntFeature, v int64) error {
	if err := c.checkWritable(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capturing {
		return fmt.Errorf("feature %s: %w", f, driver.ErrCaptureState)
	}
	if v <= 0 || v > 1<<14 {
		return fmt.Errorf("feature %s: value %d out of range", f, v)
	}
	switch f {
	case driver.FeatureWidth:
		c.width = int(v)
	case driver.FeatureHeight:
		c.height = int(v)
	default:
		return fmt.Errorf("feature %s: %w", f, driver.ErrNotSupported)
	}
	return nil
}

func (c *camera) getFloat(f driver.FloatFeature) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f != driver.FeatureFrameRate {
		return 0, fmt.Errorf("feature %s: %w", f, driver.ErrNotSupported)
	}
	return c.frameRate, nil
}

func (c *camera) setFloat(f driver.FloatFeature, v float64) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	if f != driver.FeatureFrameRate {
		return fmt.Errorf("feature %s: %w", f, driver.ErrNotSupported)
	}
	if v <= 0 {
		return fmt.Errorf("feature %s: value %g out of range", f, v)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acquiring {
		return fmt.Errorf("feature %s: %w", f, driver.ErrCaptureState)
	}
	c.frameRate = v
	return nil
}

func (c *camera) getEnum(f driver.EnumFeature) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f {
	case driver.FeaturePixelFormat:
		return string(c.format), nil
	case driver.FeatureAcquisitionMode:
		return c.acqMode, nil
	default:
		return "", fmt.Errorf("feature %s: %w", f, driver.ErrNotSupported)
	}
}

func (c *camera) setEnum(f driver.EnumFeature, v string) error {
	if err := c.checkWritable(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch f {
	case driver.FeaturePixelFormat:
		if c.capturing {
			return fmt.Errorf("feature %s: %w", f, driver.ErrCaptureState)
		}
		if _, err := rawFormat(driver.PixelFormat(v)); err != nil {
			return err
		}
		c.format = driver.PixelFormat(v)
	case driver.FeatureAcquisitionMode:
		if v != "Continuous" {
			return fmt.Errorf("feature %s=%s: %w", f, v, driver.ErrNotSupported)
		}
		c.acqMode = v
	default:
		return fmt.Errorf("feature %s: %w", f, driver.ErrNotSupported)
	}
	return nil
}

func (c *camera) announce(buf *driver.FrameBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(buf.Data) < c.payloadLocked() {
		return fmt.Errorf("announce: buffer of %d bytes, payload is %d", len(buf.Data), c.payloadLocked())
	}
	c.announced[buf] = true
	return nil
}

func (c *camera) revoke(buf *driver.FrameBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.announced[buf] {
		return driver.ErrNotAnnounced
	}
	for _, q := range c.queued {
		if q == buf {
			return fmt.Errorf("revoke: buffer still queued: %w", driver.ErrCaptureState)
		}
	}
	delete(c.announced, buf)
	return nil
}

func (c *camera) captureStart(completions chan<- *driver.FrameBuffer) error {
	if err := c.checkWritable(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capturing {
		return fmt.Errorf("capture start: %w", driver.ErrCaptureState)
	}
	c.completions = completions
	c.capturing = true
	return nil
}

func (c *camera) captureEnd() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.capturing {
		return fmt.Errorf("capture end: %w", driver.ErrCaptureState)
	}
	c.capturing = false
	return nil
}

func (c *camera) queue(buf *driver.FrameBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.capturing {
		return fmt.Errorf("queue: %w", driver.ErrCaptureState)
	}
	if !c.announced[buf] {
		return driver.ErrNotAnnounced
	}
	for _, q := range c.queued {
		if q == buf {
			return driver.ErrAlreadyQueued
		}
	}
	c.queued = append(c.queued, buf)
	return nil
}

func (c *camera) flush() {
	c.mu.Lock()
	c.queued = nil
	c.mu.Unlock()
}

func (c *camera) acquisitionStart() error {
	if err := c.checkWritable(); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return fmt.Errorf("acquisition start: %w", driver.ErrCaptureState)
	}
	if c.acquiring {
		c.mu.Unlock()
		return nil
	}
	cfg := pipelineConfig{
		Source:    c.src,
		Width:     c.width,
		Height:    c.height,
		Format:    c.format,
		FrameRate: c.frameRate,
	}
	c.mu.Unlock()

	pipe, err := newPipeline(cfg, c.deliver)
	if err != nil {
		return startError(c.src.Info.ID, err)
	}

	c.mu.Lock()
	c.acquiring = true
	c.pipe = pipe
	c.mu.Unlock()

	if err := pipe.start(); err != nil {
		c.mu.Lock()
		c.acquiring = false
		c.pipe = nil
		c.mu.Unlock()
		return startError(c.src.Info.ID, err)
	}
	return nil
}

// startError attaches the driver sentinel matching err's message so callers
// can classify it.
func startError(id string, err error) error {
	if s := classify(err.Error(), "").sentinel(); s != nil && !errors.Is(err, s) {
		return fmt.Errorf("acquisition start %s: %w: %w", id, s, err)
	}
	return fmt.Errorf("acquisition start %s: %w", id, err)
}

// acquisitionStop tears the pipeline down. It must not hold mu while the
// pipeline stops: the appsink callback takes mu.
func (c *camera) acquisitionStop() {
	c.mu.Lock()
	pipe := c.pipe
	c.pipe = nil
	c.acquiring = false
	c.mu.Unlock()

	if pipe != nil {
		pipe.stop()
	}
}

// deliver copies one sample into the oldest queued buffer.
func (c *camera) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acquiring || !c.capturing {
		return
	}
	c.frameID++
	if len(c.queued) == 0 {
		c.starved++
		return
	}

	buf := c.queued[0]
	c.queued = c.queued[1:]

	payload := c.payloadLocked()
	rowBytes := c.width * c.format.BytesPerPixel()
	stride := sampleStride(rowBytes)
	if len(data) == payload {
		stride = rowBytes
	}

	var n int
	switch {
	case len(buf.Data) < payload:
		n = copy(buf.Data, data)
		buf.Status = driver.StatusTooSmall
	default:
		n = packRows(buf.Data, data, rowBytes, stride, c.height)
		if n < payload {
			buf.Status = driver.StatusIncomplete
		} else {
			buf.Status = driver.StatusComplete
		}
	}
	buf.Filled = n
	buf.Width = c.width
	buf.Height = c.height
	buf.PixelFormat = c.format
	buf.FrameID = c.frameID
	buf.Timestamp = uint64(time.Now().UnixNano())

	select {
	case c.completions <- buf:
		c.delivered++
	default:
		// Completion channel sized to the pool; a full channel means the
		// consumer broke the queue protocol.
		slog.Error("gstreamer: completion channel full, frame dropped",
			"device", c.src.Info.ID,
			"frame_id", c.frameID,
		)
		c.queued = append(c.queued, buf)
	}
}

// sampleStride is the row stride of a raw video sample. GStreamer pads
// packed formats to 4 bytes per row.
func sampleStride(rowBytes int) int {
	return (rowBytes + 3) &^ 3
}

// packRows copies height rows of rowBytes from src, whose rows start every
// stride bytes, into dst without padding. It returns the bytes written and
// stops at the first short row.
func packRows(dst, src []byte, rowBytes, stride, height int) int {
	n := 0
	for y := 0; y < height; y++ {
		off := y * stride
		if off >= len(src) {
			break
		}
		end := min(off+rowBytes, len(src))
		m := copy(dst[y*rowBytes:(y+1)*rowBytes], src[off:end])
		n += m
		if m < rowBytes {
			break
		}
	}
	return n
}

// Counters are the per-handle delivery counters.
type Counters struct {
	Delivered uint64
	Starved   uint64
	Queued    int
}

func (c *camera) counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{Delivered: c.delivered, Starved: c.starved, Queued: len(c.queued)}
}
