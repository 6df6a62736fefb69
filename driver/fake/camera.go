package fake

import (
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/stereo-capture/driver"
)

const gigeAdjustedPacketSize = 8228

type camera struct {
	dev  Device
	mode driver.AccessMode

	mu          sync.Mutex
	features    driver.FeatureSet
	ints        map[driver.IntFeature]int64
	floats      map[driver.FloatFeature]float64
	enums       map[driver.EnumFeature]string
	announced   map[*driver.FrameBuffer]bool
	queued      []*driver.FrameBuffer
	completions chan<- *driver.FrameBuffer
	capturing   bool
	acquiring   bool
	frameID     uint64
	produced    uint64
	delivered   uint64
	starved     uint64
	maxQueued   int
	violations  []string
	epoch       time.Time

	producerStop chan struct{}
	producerWG   sync.WaitGroup
}

func newCamera(dev Device, mode driver.AccessMode) *camera {
	pf := dev.PixelFormat
	if pf == "" {
		pf = driver.PixelMono8
	}

	c := &camera{
		dev:       dev,
		mode:      mode,
		features:  driver.FeaturesFor(dev.Info),
		ints:      make(map[driver.IntFeature]int64),
		floats:    make(map[driver.FloatFeature]float64),
		enums:     make(map[driver.EnumFeature]string),
		announced: make(map[*driver.FrameBuffer]bool),
		epoch:     time.Now(),
	}
	c.ints[driver.FeatureWidth] = int64(dev.Width)
	c.ints[driver.FeatureHeight] = int64(dev.Height)
	c.ints[driver.FeaturePacketSize] = 1500
	c.floats[driver.FeatureFrameRate] = dev.FrameRate
	c.floats[driver.FeatureExposureTime] = 10000
	c.enums[driver.FeaturePixelFormat] = string(pf)
	c.enums[driver.FeatureAcquisitionMode] = "Continuous"
	c.enums[driver.FeatureTriggerMode] = "Off"
	c.enums[driver.FeatureTriggerSource] = "Freerun"
	c.enums[driver.FeatureExposureAuto] = "Off"
	return c
}

func (c *camera) payloadSizeLocked() int64 {
	bpp := driver.PixelFormat(c.enums[driver.FeaturePixelFormat]).BytesPerPixel()
	return c.ints[driver.FeatureWidth] * c.ints[driver.FeatureHeight] * int64(bpp)
}

func (c *camera) violationLocked(msg string) {
	c.violations = append(c.violations, msg)
	logViolation(c.dev.Info.ID, msg)
}

func (c *camera) getInt(f driver.IntFeature) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.features.RequireInt(f); err != nil {
		return 0, err
	}
	if f == driver.FeaturePayloadSize {
		return c.payloadSizeLocked(), nil
	}
	return c.ints[f], nil
}

func (c *camera) setInt(f driver.IntFeature, v int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.features.RequireInt(f); err != nil {
		return err
	}
	if c.mode != driver.AccessFull {
		return fmt.Errorf("set %s: %w", f, driver.ErrAccessDenied)
	}
	switch f {
	case driver.FeaturePayloadSize:
		return fmt.Errorf("set %s: read-only: %w", f, driver.ErrNotSupported)
	case driver.FeatureWidth, driver.FeatureHeight:
		if c.capturing {
			return fmt.Errorf("set %s while capturing: %w", f, driver.ErrCaptureState)
		}
		if v <= 0 {
			return fmt.Errorf("set %s: invalid value %d", f, v)
		}
	}
	c.ints[f] = v
	return nil
}

func (c *camera) getFloat(f driver.FloatFeature) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.features.RequireFloat(f); err != nil {
		return 0, err
	}
	return c.floats[f], nil
}

func (c *camera) setFloat(f driver.FloatFeature, v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.features.RequireFloat(f); err != nil {
		return err
	}
	if c.mode != driver.AccessFull {
		return fmt.Errorf("set %s: %w", f, driver.ErrAccessDenied)
	}
	if v < 0 {
		return fmt.Errorf("set %s: invalid value %f", f, v)
	}
	c.floats[f] = v
	return nil
}

func (c *camera) getEnum(f driver.EnumFeature) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.features.RequireEnum(f); err != nil {
		return "", err
	}
	return c.enums[f], nil
}

func (c *camera) setEnum(f driver.EnumFeature, v string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.features.RequireEnum(f); err != nil {
		return err
	}
	if c.mode != driver.AccessFull {
		return fmt.Errorf("set %s: %w", f, driver.ErrAccessDenied)
	}
	if f == driver.FeaturePixelFormat {
		if driver.PixelFormat(v).BytesPerPixel() == 0 {
			return fmt.Errorf("set %s: unknown pixel format %q: %w", f, v, driver.ErrNotSupported)
		}
		if c.capturing {
			return fmt.Errorf("set %s while capturing: %w", f, driver.ErrCaptureState)
		}
	}
	c.enums[f] = v
	return nil
}

func (c *camera) adjustPacketSize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.features.RequireCommand(driver.CommandAdjustPacketSize); err != nil {
		return err
	}
	c.ints[driver.FeaturePacketSize] = gigeAdjustedPacketSize
	return nil
}

func (c *camera) announce(buf *driver.FrameBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.announced[buf] {
		c.violationLocked("announce of already announced buffer")
		return fmt.Errorf("announce: %w", driver.ErrAlreadyQueued)
	}
	if int64(len(buf.Data)) < c.payloadSizeLocked() {
		return fmt.Errorf("announce: buffer of %d bytes smaller than payload %d", len(buf.Data), c.payloadSizeLocked())
	}
	c.announced[buf] = true
	return nil
}

func (c *camera) revoke(buf *driver.FrameBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.announced[buf] {
		c.violationLocked("revoke of unknown buffer")
		return fmt.Errorf("revoke: %w", driver.ErrNotAnnounced)
	}
	for _, q := range c.queued {
		if q == buf {
			c.violationLocked("revoke of queued buffer")
			return fmt.Errorf("revoke: buffer still queued: %w", driver.ErrCaptureState)
		}
	}
	delete(c.announced, buf)
	return nil
}

func (c *camera) captureStart(completions chan<- *driver.FrameBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capturing {
		return fmt.Errorf("capture start: %w", driver.ErrCaptureState)
	}
	if completions == nil {
		return fmt.Errorf("capture start: nil completion channel")
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
	c.acquiring = false
	return nil
}

func (c *camera) queue(buf *driver.FrameBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.capturing {
		return fmt.Errorf("queue: %w", driver.ErrCaptureState)
	}
	if !c.announced[buf] {
		c.violationLocked("queue of unannounced buffer")
		return fmt.Errorf("queue: %w", driver.ErrNotAnnounced)
	}
	for _, q := range c.queued {
		if q == buf {
			c.violationLocked("double queue")
			return fmt.Errorf("queue: %w", driver.ErrAlreadyQueued)
		}
	}
	c.queued = append(c.queued, buf)
	if len(c.queued) > c.maxQueued {
		c.maxQueued = len(c.queued)
	}
	return nil
}

func (c *camera) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = nil
}

func (c *camera) acquisitionStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.capturing {
		return fmt.Errorf("acquisition start: %w", driver.ErrCaptureState)
	}
	if c.acquiring {
		return nil
	}
	c.acquiring = true

	fps := c.floats[driver.FeatureFrameRate]
	if fps > 0 && c.enums[driver.FeatureTriggerMode] != "On" {
		c.producerStop = make(chan struct{})
		c.producerWG.Add(1)
		go c.produce(tickInterval(fps), c.producerStop)
	}
	return nil
}

func (c *camera) acquisitionStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquiring = false
}

// stopProducer stops the free-running goroutine and waits for it. It must be
// called without c.mu held.
func (c *camera) stopProducer() {
	c.mu.Lock()
	stop := c.producerStop
	c.producerStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.producerWG.Wait()
}

func (c *camera) produce(interval time.Duration, stop <-chan struct{}) {
	defer c.producerWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = c.fire(driver.StatusComplete)
		}
	}
}

// fire fills the oldest queued buffer and delivers it.
func (c *camera) fire(status driver.ReceiveStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.capturing || !c.acquiring {
		return fmt.Errorf("fire: %w", driver.ErrCaptureState)
	}

	c.frameID++
	c.produced++

	if len(c.queued) == 0 {
		c.starved++
		return nil
	}

	buf := c.queued[0]
	c.queued = c.queued[1:]

	if status == driver.StatusComplete && c.dev.InvalidEvery > 0 && c.produced%uint64(c.dev.InvalidEvery) == 0 {
		status = driver.StatusIncomplete
	}

	size := int(c.payloadSizeLocked())
	if size > len(buf.Data) {
		status = driver.StatusTooSmall
		size = len(buf.Data)
	}
	fill := byte(c.frameID)
	for i := 0; i < size; i++ {
		buf.Data[i] = fill
	}

	buf.Status = status
	buf.Width = int(c.ints[driver.FeatureWidth])
	buf.Height = int(c.ints[driver.FeatureHeight])
	buf.PixelFormat = driver.PixelFormat(c.enums[driver.FeaturePixelFormat])
	buf.FrameID = c.frameID
	buf.Timestamp = uint64(time.Since(c.epoch).Nanoseconds())
	buf.Filled = size

	select {
	case c.completions <- buf:
		c.delivered++
	default:
		// The completion channel is sized to the pool; a full channel means the
		// caller queued more buffers than it announced capacity for.
		c.violationLocked("completion channel full")
	}
	return nil
}

func (c *camera) stats() CameraStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	violations := make([]string, len(c.violations))
	copy(violations, c.violations)
	return CameraStats{
		Announced:   len(c.announced),
		Queued:      len(c.queued),
		MaxQueued:   c.maxQueued,
		Delivered:   c.delivered,
		Starved:     c.starved,
		Capturing:   c.capturing,
		Acquiring:   c.acquiring,
		Violations:  violations,
		LastFrameID: c.frameID,
	}
}
