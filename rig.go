package stereocapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/stereo-capture/internal/warmup"
	"github.com/e7canasta/stereo-capture/pairbus"
)

// Trigger drives the exposure of both cameras from one hardware signal.
type Trigger interface {
	Start(rate float64) error
	Stop() error
}

// RigConfig configures a StereoRig.
type RigConfig struct {
	Left  CameraConfig
	Right CameraConfig
	// Retry is used for Open when MaxRetries > 0
	Retry RetryConfig
	// TriggerRate is the pulse rate in Hz when a Trigger is attached
	TriggerRate float64
}

// RigOption configures optional parts of a StereoRig.
type RigOption func(*StereoRig)

// WithPairBus publishes an owned copy of every pair to b.
func WithPairBus(b *pairbus.Bus[StereoPair]) RigOption {
	return func(r *StereoRig) { r.bus = b }
}

// WithTrigger attaches a hardware trigger started after both cameras and
// stopped before them.
func WithTrigger(t Trigger) RigOption {
	return func(r *StereoRig) { r.trigger = t }
}

// RigStats is a snapshot of a StereoRig.
type RigStats struct {
	Left  CameraStats
	Right CameraStats
	Sync  SyncStats
	Bus   *pairbus.Stats
}

// WarmupStats describes the pair stream during Warmup.
type WarmupStats struct {
	PairsReceived int
	Duration      time.Duration
	FPSMean       float64
	FPSStdDev     float64
	FPSMin        float64
	FPSMax        float64
	JitterMean    float64 // seconds
	JitterMax     float64 // seconds
	// SkewMean is the mean host arrival offset between left and right
	SkewMean time.Duration
	SkewMax  time.Duration
	IsStable bool
}

// StereoRig owns two cameras and the synchronizer that pairs them.
type StereoRig struct {
	dc      *DriverContext
	cfg     RigConfig
	left    *CameraHandle
	right   *CameraHandle
	syncer  *StereoSynchronizer
	onPair  PairHandler
	bus     *pairbus.Bus[StereoPair]
	trigger Trigger

	mu      sync.Mutex
	running bool

	tapMu sync.Mutex
	tap   func(StereoPair)
}

// NewStereoRig creates a rig. onPair may be nil when pairs are only consumed
// from the pair bus.
func NewStereoRig(dc *DriverContext, cfg RigConfig, onPair PairHandler, opts ...RigOption) *StereoRig {
	if cfg.Left.Name == "" {
		cfg.Left.Name = "left"
	}
	if cfg.Right.Name == "" {
		cfg.Right.Name = "right"
	}

	r := &StereoRig{
		dc:     dc,
		cfg:    cfg,
		left:   NewCamera(dc, cfg.Left),
		right:  NewCamera(dc, cfg.Right),
		onPair: onPair,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.syncer = NewStereoSynchronizer(r.dispatch)
	return r
}

func (r *StereoRig) dispatch(p StereoPair) {
	r.tapMu.Lock()
	tap := r.tap
	r.tapMu.Unlock()
	if tap != nil {
		tap(p)
	}

	if r.bus != nil {
		r.bus.Publish(p.Clone())
	}
	if r.onPair != nil {
		r.onPair(p)
	}
}

// Left returns the left camera.
func (r *StereoRig) Left() *CameraHandle { return r.left }

// Right returns the right camera.
func (r *StereoRig) Right() *CameraHandle { return r.right }

// Synchronizer returns the rig's synchronizer.
func (r *StereoRig) Synchronizer() *StereoSynchronizer { return r.syncer }

// Bus returns the pair bus, or nil.
func (r *StereoRig) Bus() *pairbus.Bus[StereoPair] { return r.bus }

// Open opens both cameras. If the right camera fails the left one is closed
// again.
func (r *StereoRig) Open(ctx context.Context) error {
	if err := r.openCamera(ctx, r.left); err != nil {
		return err
	}
	if err := r.openCamera(ctx, r.right); err != nil {
		_ = r.left.Close()
		return err
	}

	li, _ := r.left.Info()
	ri, _ := r.right.Info()
	if li.Width != ri.Width || li.Height != ri.Height || li.PixelFormat != ri.PixelFormat {
		slog.Warn("stereo-capture: cameras differ in geometry",
			"left", fmt.Sprintf("%dx%d %s", li.Width, li.Height, li.PixelFormat),
			"right", fmt.Sprintf("%dx%d %s", ri.Width, ri.Height, ri.PixelFormat),
		)
	}
	return nil
}

func (r *StereoRig) openCamera(ctx context.Context, c *CameraHandle) error {
	if r.cfg.Retry.MaxRetries > 0 {
		return c.OpenWithRetry(ctx, "", r.cfg.Retry)
	}
	return c.Open("")
}

// Start begins capture on both cameras, then starts the trigger.
func (r *StereoRig) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrCaptureRunning
	}

	r.syncer.Reset()
	if err := r.left.StartCapture(r.syncer.OnLeftFrame); err != nil {
		return err
	}
	if err := r.right.StartCapture(r.syncer.OnRightFrame); err != nil {
		_ = r.left.StopCapture()
		return err
	}
	if r.trigger != nil {
		if err := r.trigger.Start(r.cfg.TriggerRate); err != nil {
			_ = r.left.StopCapture()
			_ = r.right.StopCapture()
			return fmt.Errorf("stereo-capture: start trigger: %w", err)
		}
	}

	r.running = true
	slog.Info("stereo-capture: rig started",
		"left", r.left.Name(),
		"right", r.right.Name(),
		"trigger", r.trigger != nil,
	)
	return nil
}

// Stop stops the trigger and both cameras and discards unpaired frames.
// It is a no-op when the rig is not running.
func (r *StereoRig) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false

	var errs []error
	if r.trigger != nil {
		if err := r.trigger.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stereo-capture: stop trigger: %w", err))
		}
	}
	if err := r.left.StopCapture(); err != nil {
		errs = append(errs, err)
	}
	if err := r.right.StopCapture(); err != nil {
		errs = append(errs, err)
	}
	r.syncer.Reset()

	st := r.syncer.Stats()
	slog.Info("stereo-capture: rig stopped",
		"pairs", st.Pairs,
		"left_dropped", st.LeftDropped,
		"right_dropped", st.RightDropped,
	)
	return errors.Join(errs...)
}

// Close stops the rig and closes both cameras.
func (r *StereoRig) Close() error {
	var errs []error
	if err := r.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := r.left.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.right.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of both cameras, the synchronizer and the bus.
func (r *StereoRig) Stats() RigStats {
	st := RigStats{
		Left:  r.left.Stats(),
		Right: r.right.Stats(),
		Sync:  r.syncer.Stats(),
	}
	if r.bus != nil {
		bs := r.bus.Stats()
		st.Bus = &bs
	}
	return st
}

// Warmup observes the pair stream of a running rig for d and reports its
// rate stability and left/right skew. Pairs still reach the handler.
func (r *StereoRig) Warmup(ctx context.Context, d time.Duration) (*WarmupStats, error) {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("warmup: rig not started")
	}

	slog.Info("warmup: starting rig warm-up", "duration", d)

	var mu sync.Mutex
	times := make([]time.Time, 0, 64)
	skews := make([]time.Duration, 0, 64)

	r.tapMu.Lock()
	r.tap = func(p StereoPair) {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, p.PairedAt)
		skews = append(skews, p.Skew())
	}
	r.tapMu.Unlock()

	defer func() {
		r.tapMu.Lock()
		r.tap = nil
		r.tapMu.Unlock()
	}()

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	elapsed := time.Since(start)

	mu.Lock()
	defer mu.Unlock()

	if len(times) < 2 {
		return nil, fmt.Errorf("warmup: not enough pairs (%d received, need at least 2)", len(times))
	}

	rate := warmup.Rate(times, elapsed)
	skew := warmup.Skew(skews)
	stats := &WarmupStats{
		PairsReceived: rate.Count,
		Duration:      elapsed,
		FPSMean:       rate.Mean,
		FPSStdDev:     rate.StdDev,
		FPSMin:        rate.Min,
		FPSMax:        rate.Max,
		JitterMean:    rate.JitterMean,
		JitterMax:     rate.JitterMax,
		SkewMean:      skew.Mean,
		SkewMax:       skew.Max,
		IsStable:      rate.Stable,
	}

	slog.Info("warmup: rig warm-up complete",
		"pairs", stats.PairsReceived,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"skew_mean", stats.SkewMean,
		"skew_max", stats.SkewMax,
		"stable", stats.IsStable,
	)
	return stats, nil
}
