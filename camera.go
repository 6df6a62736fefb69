package stereocapture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/stereo-capture/driver"
	"github.com/e7canasta/stereo-capture/internal/engine"
	"github.com/e7canasta/stereo-capture/internal/pool"
)

// CameraConfig configures one camera.
type CameraConfig struct {
	// ID is the vendor device id (serial number, IP address or device path)
	ID string
	// Name labels the camera in logs and frames (e.g. "left")
	Name string
	// Mode is the driver access mode (default full access)
	Mode driver.AccessMode
	// PoolSize is the number of frame buffers (default pool.DefaultSize)
	PoolSize int
	// Settings are applied on Open
	Settings Settings
}

// CameraHandle wraps one physical camera.
//
// Open, Apply, Close, StartCapture and StopCapture are serialized; they may
// be called from any goroutine except the camera's own FrameHandler. The
// accessors (Info, IsOpen, Capturing, Pool, Stats) never wait on capture
// teardown and are safe to call from the FrameHandler.
type CameraHandle struct {
	dc  *DriverContext
	cfg CameraConfig

	// op serializes lifecycle calls. Fields below are written with op and mu
	// held, so lifecycle code reads them under op alone and accessors under mu.
	op sync.Mutex
	mu sync.Mutex

	open     bool
	drv      driver.Driver
	handle   driver.Handle
	info     CameraInfo
	features driver.FeatureSet

	pool      *pool.Pool
	engine    *engine.Engine
	startedAt time.Time
	lastPool  PoolStats
	sessions  uint64
	history   engine.Stats // accumulated over finished sessions
	teardown  uint64       // lifecycle errors outside the engine
}

// NewCamera creates a closed camera bound to dc.
func NewCamera(dc *DriverContext, cfg CameraConfig) *CameraHandle {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = pool.DefaultSize
	}
	return &CameraHandle{dc: dc, cfg: cfg}
}

// Name returns the configured name, or the device id when none is set.
func (c *CameraHandle) Name() string {
	if c.cfg.Name != "" {
		return c.cfg.Name
	}
	return c.cfg.ID
}

// Open connects to the device id, or to CameraConfig.ID when id is empty.
// It negotiates the transport, applies the configured Settings and reads the
// image geometry. On failure the driver handle is released again.
func (c *CameraHandle) Open(id string) error {
	c.op.Lock()
	defer c.op.Unlock()

	if id == "" {
		id = c.cfg.ID
	}
	if c.open {
		return &CameraOpenError{ID: id, Category: CategoryBusy, Err: ErrCameraOpen}
	}

	drv, err := c.dc.acquire()
	if err != nil {
		return &CameraOpenError{ID: id, Category: CategoryUnknown, Err: err}
	}

	dev, ok := c.dc.Lookup(id)
	if !ok {
		// Not discovered; the driver may still reach it by address.
		dev = driver.DeviceInfo{ID: id}
	}

	h, err := drv.Open(id, c.cfg.Mode)
	if err != nil {
		return &CameraOpenError{ID: id, Category: ClassifyError(err), Err: err}
	}

	info, fs, err := c.configure(drv, h, dev)
	if err == nil {
		err = c.dc.track(c)
	}
	if err != nil {
		if cerr := drv.Close(h); cerr != nil {
			slog.Error("stereo-capture: close after failed open", "camera", id, "error", cerr)
		}
		return &CameraOpenError{ID: id, Category: ClassifyError(err), Err: err}
	}

	c.mu.Lock()
	c.cfg.ID = id
	c.open = true
	c.drv = drv
	c.handle = h
	c.info = info
	c.features = fs
	c.sessions = 0
	c.history = engine.Stats{}
	c.teardown = 0
	c.lastPool = PoolStats{}
	c.mu.Unlock()

	slog.Info("stereo-capture: camera opened",
		"camera", c.Name(),
		"id", id,
		"model", dev.Model,
		"resolution", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"pixel_format", info.PixelFormat,
		"payload_size", info.PayloadSize,
		"packet_size", info.PacketSize,
	)
	return nil
}

func (c *CameraHandle) configure(drv driver.Driver, h driver.Handle, dev driver.DeviceInfo) (CameraInfo, driver.FeatureSet, error) {
	fs := driver.FeaturesFor(dev)
	settings := c.cfg.Settings

	if c.cfg.Mode == driver.AccessFull {
		if settings.PacketSize == 0 && fs.HasCommand(driver.CommandAdjustPacketSize) {
			if err := drv.RunCommand(h, driver.CommandAdjustPacketSize); err != nil {
				slog.Warn("stereo-capture: packet size negotiation failed, keeping camera default",
					"camera", c.Name(),
					"error", err,
				)
			}
		}
		if err := settings.apply(drv, h, fs); err != nil {
			return CameraInfo{}, fs, err
		}
	} else if !settings.IsZero() {
		return CameraInfo{}, fs, fmt.Errorf("settings on read-only camera: %w", driver.ErrAccessDenied)
	}

	info, err := readGeometry(drv, h, fs)
	if err != nil {
		return CameraInfo{}, fs, err
	}
	info.Device = dev
	info.Name = c.Name()
	return info, fs, nil
}

func readGeometry(drv driver.Driver, h driver.Handle, fs driver.FeatureSet) (CameraInfo, error) {
	var info CameraInfo

	width, err := drv.GetInt(h, driver.FeatureWidth)
	if err != nil {
		return info, fmt.Errorf("read %s: %w", driver.FeatureWidth, err)
	}
	height, err := drv.GetInt(h, driver.FeatureHeight)
	if err != nil {
		return info, fmt.Errorf("read %s: %w", driver.FeatureHeight, err)
	}
	payload, err := drv.GetInt(h, driver.FeaturePayloadSize)
	if err != nil {
		return info, fmt.Errorf("read %s: %w", driver.FeaturePayloadSize, err)
	}
	format, err := drv.GetEnum(h, driver.FeaturePixelFormat)
	if err != nil {
		return info, fmt.Errorf("read %s: %w", driver.FeaturePixelFormat, err)
	}
	if payload <= 0 {
		return info, fmt.Errorf("camera reports payload size %d", payload)
	}

	info.Width = int(width)
	info.Height = int(height)
	info.PayloadSize = int(payload)
	info.PixelFormat = driver.PixelFormat(format)

	if fs.HasInt(driver.FeaturePacketSize) {
		if pkt, err := drv.GetInt(h, driver.FeaturePacketSize); err == nil {
			info.PacketSize = int(pkt)
		}
	}
	return info, nil
}

// Apply writes settings to an open camera that is not capturing and rereads
// the image geometry.
func (c *CameraHandle) Apply(s Settings) error {
	c.op.Lock()
	defer c.op.Unlock()

	if !c.open {
		return ErrCameraNotOpen
	}
	if c.engine != nil {
		return ErrCaptureRunning
	}
	if c.cfg.Mode != driver.AccessFull {
		return driver.ErrAccessDenied
	}
	if err := s.apply(c.drv, c.handle, c.features); err != nil {
		return err
	}

	info, err := readGeometry(c.drv, c.handle, c.features)
	if err != nil {
		return err
	}
	info.Device = c.info.Device
	info.Name = c.info.Name
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
	return nil
}

// Close stops capture if it is running and releases the driver handle.
// Closing a closed camera is a no-op.
func (c *CameraHandle) Close() error {
	c.op.Lock()
	defer c.op.Unlock()

	if !c.open {
		return nil
	}

	var errs []error
	if c.engine != nil {
		if err := c.stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.drv.Close(c.handle); err != nil {
		errs = append(errs, &CameraCloseError{ID: c.cfg.ID, Err: err})
	}

	// The handle is gone either way; a failed close is not retried.
	c.mu.Lock()
	c.open = false
	c.handle = 0
	c.mu.Unlock()
	c.dc.untrack(c)

	slog.Info("stereo-capture: camera closed", "camera", c.Name())
	return errors.Join(errs...)
}

// Info returns the negotiated camera parameters.
func (c *CameraHandle) Info() (CameraInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return CameraInfo{}, ErrCameraNotOpen
	}
	return c.info, nil
}

// IsOpen reports whether the camera is open.
func (c *CameraHandle) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Capturing reports whether capture is running.
func (c *CameraHandle) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine != nil
}

// StartCapture allocates a buffer pool for the camera's payload size,
// announces it, starts the driver's capture engine and begins acquisition.
// onFrame receives every valid frame on the camera's completion goroutine.
//
// On failure every announced buffer is revoked before the
// *CaptureStartError is returned.
func (c *CameraHandle) StartCapture(onFrame FrameHandler) error {
	c.op.Lock()
	defer c.op.Unlock()

	if !c.open {
		return ErrCameraNotOpen
	}
	if c.engine != nil {
		return ErrCaptureRunning
	}
	if _, err := c.dc.acquire(); err != nil {
		return err
	}
	if c.cfg.Mode != driver.AccessFull {
		return &CaptureStartError{ID: c.cfg.ID, Stage: StageAllocate, Err: driver.ErrAccessDenied}
	}
	if onFrame == nil {
		onFrame = func(Frame) {}
	}

	fail := func(stage CaptureStage, err error) error {
		slog.Error("stereo-capture: start capture failed",
			"camera", c.Name(),
			"stage", stage,
			"error", err,
		)
		return &CaptureStartError{ID: c.cfg.ID, Stage: stage, Err: err}
	}

	// Payload size may change with settings; read it per session.
	payload, err := c.drv.GetInt(c.handle, driver.FeaturePayloadSize)
	if err != nil {
		return fail(StageAllocate, err)
	}
	c.mu.Lock()
	c.info.PayloadSize = int(payload)
	c.mu.Unlock()

	p, err := pool.New(c.drv, c.handle, c.cfg.PoolSize, int(payload))
	if err != nil {
		return fail(StageAllocate, err)
	}
	if err := p.AnnounceAll(); err != nil {
		c.releasePool(p)
		return fail(StageAnnounce, err)
	}

	name := c.Name()
	eng := engine.New(c.drv, c.handle, p, name, func(buf *driver.FrameBuffer) {
		onFrame(frameFromBuffer(name, buf))
	})
	if err := eng.Start(); err != nil {
		c.revokePool(p)
		stage := StageCaptureStart
		if errors.Is(err, engine.ErrQueue) {
			stage = StageQueue
		}
		return fail(stage, err)
	}

	c.mu.Lock()
	c.pool = p
	c.engine = eng
	c.startedAt = time.Now()
	c.mu.Unlock()

	if err := c.drv.RunCommand(c.handle, driver.CommandAcquisitionStart); err != nil {
		if serr := c.stop(); serr != nil {
			err = errors.Join(err, serr)
		}
		return fail(StageAcquisitionStart, err)
	}

	c.mu.Lock()
	c.sessions++
	c.mu.Unlock()
	slog.Info("stereo-capture: capture started",
		"camera", name,
		"buffers", p.Size(),
		"payload_size", payload,
	)
	return nil
}

// StopCapture stops acquisition, waits for an in-flight FrameHandler to
// return, ends the driver's capture engine, flushes its queue and revokes
// every buffer. No FrameHandler call happens after it returns. It is a no-op
// when capture is not running and must not be called from the FrameHandler.
func (c *CameraHandle) StopCapture() error {
	c.op.Lock()
	defer c.op.Unlock()

	if c.engine == nil {
		return nil
	}
	return c.stop()
}

// stop runs the teardown sequence with op held. mu is not held while the
// engine waits for the FrameHandler.
func (c *CameraHandle) stop() error {
	var errs []error

	if err := c.drv.RunCommand(c.handle, driver.CommandAcquisitionStop); err != nil {
		slog.Warn("stereo-capture: acquisition stop failed", "camera", c.Name(), "error", err)
		errs = append(errs, fmt.Errorf("acquisition stop: %w", err))
	}

	c.engine.Halt()

	if err := c.drv.CaptureEnd(c.handle); err != nil {
		slog.Warn("stereo-capture: capture end failed", "camera", c.Name(), "error", err)
		errs = append(errs, fmt.Errorf("capture end: %w", err))
	}
	if err := c.drv.Flush(c.handle); err != nil {
		slog.Warn("stereo-capture: queue flush failed", "camera", c.Name(), "error", err)
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}

	drained := c.engine.Drain()
	if err := c.revokePool(c.pool); err != nil {
		errs = append(errs, err)
	}

	st := c.engine.Stats()
	c.mu.Lock()
	c.history = addEngineStats(c.history, st)
	c.engine = nil
	c.pool = nil
	c.mu.Unlock()

	slog.Info("stereo-capture: capture stopped",
		"camera", c.Name(),
		"frames_delivered", st.Delivered,
		"frames_invalid", st.Invalid,
		"frames_missed", st.Missed,
		"drained", drained,
		"uptime", time.Since(c.startedAt),
	)
	return errors.Join(errs...)
}

// revokePool takes back every buffer the driver no longer fills, revokes
// them and releases the pool. Failures leak buffers to the driver and are
// logged as fatal.
func (c *CameraHandle) revokePool(p *pool.Pool) error {
	p.ReclaimQueued()
	err := p.RevokeAll()
	if err != nil {
		c.countTeardown()
		slog.Error("stereo-capture: revoke failed, buffers leaked to driver",
			"camera", c.Name(),
			"error", err,
			"fatal", true,
		)
	}
	if rerr := c.releasePool(p); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (c *CameraHandle) releasePool(p *pool.Pool) error {
	err := p.Release()
	c.mu.Lock()
	c.lastPool = poolStats(p.Stats())
	c.mu.Unlock()
	if err != nil {
		c.countTeardown()
		slog.Error("stereo-capture: pool released with registered buffers",
			"camera", c.Name(),
			"error", err,
			"fatal", true,
		)
	}
	return err
}

func (c *CameraHandle) countTeardown() {
	c.mu.Lock()
	c.teardown++
	c.mu.Unlock()
}

// Pool returns the buffer pool of the running session, or of the last
// session once capture stopped.
func (c *CameraHandle) Pool() PoolStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool != nil {
		return poolStats(c.pool.Stats())
	}
	return c.lastPool
}

// Stats returns the camera counters.
func (c *CameraHandle) Stats() CameraStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.history
	var fps float64
	if c.engine != nil {
		cur := c.engine.Stats()
		total = addEngineStats(total, cur)
		if up := time.Since(c.startedAt).Seconds(); up > 0 {
			fps = float64(cur.Delivered) / up
		}
	}

	return CameraStats{
		Name:            c.Name(),
		Capturing:       c.engine != nil,
		Sessions:        c.sessions,
		FramesDelivered: total.Delivered,
		FramesInvalid:   total.Invalid,
		FramesMissed:    total.Missed,
		OutOfOrder:      total.OutOfOrder,
		HandlerPanics:   total.HandlerPanics,
		LifecycleErrors: total.LifecycleErrors + c.teardown,
		Discarded:       total.Discarded,
		LastFrameID:     total.LastFrameID,
		LastFrameAt:     total.LastFrameAt,
		FPS:             fps,
	}
}

func addEngineStats(a, b engine.Stats) engine.Stats {
	a.Delivered += b.Delivered
	a.Invalid += b.Invalid
	a.Missed += b.Missed
	a.OutOfOrder += b.OutOfOrder
	a.LifecycleErrors += b.LifecycleErrors
	a.HandlerPanics += b.HandlerPanics
	a.Discarded += b.Discarded
	if b.LastFrameID != 0 {
		a.LastFrameID = b.LastFrameID
	}
	if !b.LastFrameAt.IsZero() {
		a.LastFrameAt = b.LastFrameAt
	}
	return a
}

func poolStats(s pool.Stats) PoolStats {
	return PoolStats{
		Size:           s.Size,
		PayloadSize:    s.PayloadSize,
		Unannounced:    s.Counts[pool.Unannounced],
		Announced:      s.Counts[pool.Announced],
		Queued:         s.Counts[pool.Queued],
		Delivered:      s.Counts[pool.Delivered],
		Revoked:        s.Counts[pool.Revoked],
		MaxDriverOwned: s.MaxDriverOwned,
	}
}
