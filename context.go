package stereocapture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/stereo-capture/driver"
)

// DefaultDiscoveryTimeout bounds device discovery during Startup.
const DefaultDiscoveryTimeout = 2 * time.Second

type contextState int

const (
	stateIdle contextState = iota
	stateStarted
	stateShutdown
)

// ContextOption configures a DriverContext.
type ContextOption func(*DriverContext)

// WithDiscoveryTimeout sets how long Startup and Rediscover wait for device
// discovery.
func WithDiscoveryTimeout(d time.Duration) ContextOption {
	return func(dc *DriverContext) { dc.discoveryTimeout = d }
}

// DriverContext owns one loaded vendor driver. Every CameraHandle is created
// from a DriverContext, and the context cannot be shut down while any of its
// cameras is open.
type DriverContext struct {
	name             string
	discoveryTimeout time.Duration

	mu      sync.Mutex
	drv     driver.Driver
	state   contextState
	devices []driver.DeviceInfo
	open    map[*CameraHandle]struct{}
}

// NewDriverContext creates a context for the driver registered under name.
// The driver is loaded by Startup.
func NewDriverContext(name string, opts ...ContextOption) *DriverContext {
	dc := &DriverContext{
		name:             name,
		discoveryTimeout: DefaultDiscoveryTimeout,
		open:             make(map[*CameraHandle]struct{}),
	}
	for _, opt := range opts {
		opt(dc)
	}
	return dc
}

// NewDriverContextWith creates a context around an already constructed
// driver.
func NewDriverContextWith(drv driver.Driver, opts ...ContextOption) *DriverContext {
	dc := NewDriverContext(fmt.Sprintf("%T", drv), opts...)
	dc.drv = drv
	return dc
}

// Name returns the driver name.
func (dc *DriverContext) Name() string { return dc.name }

// Startup loads and initializes the driver, then runs device discovery.
// Discovery failures are logged; cameras can still be opened by id.
func (dc *DriverContext) Startup(ctx context.Context) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	switch dc.state {
	case stateStarted:
		return ErrDriverStarted
	case stateShutdown:
		return ErrDriverShutdown
	}

	if dc.drv == nil {
		drv, err := driver.Load(dc.name)
		if err != nil {
			return &DriverLoadError{Driver: dc.name, Err: err}
		}
		dc.drv = drv
	}

	if err := dc.drv.Startup(); err != nil {
		return &DriverInitError{Driver: dc.name, Err: err}
	}
	dc.state = stateStarted

	if err := dc.discoverLocked(ctx); err != nil {
		slog.Warn("stereo-capture: device discovery failed",
			"driver", dc.name,
			"error", err,
		)
	}

	slog.Info("stereo-capture: driver started",
		"driver", dc.name,
		"devices", len(dc.devices),
	)
	return nil
}

func (dc *DriverContext) discoverLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dc.discoveryTimeout)
	defer cancel()

	devices, err := dc.drv.Discover(ctx)
	if err != nil {
		return err
	}
	dc.devices = devices
	return nil
}

// Rediscover runs device discovery again.
func (dc *DriverContext) Rediscover(ctx context.Context) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if err := dc.checkLocked(); err != nil {
		return err
	}
	return dc.discoverLocked(ctx)
}

// Devices returns the devices found by the last discovery.
func (dc *DriverContext) Devices() []driver.DeviceInfo {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	out := make([]driver.DeviceInfo, len(dc.devices))
	copy(out, dc.devices)
	return out
}

// Lookup returns the discovered device with the given id.
func (dc *DriverContext) Lookup(id string) (driver.DeviceInfo, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	for _, info := range dc.devices {
		if info.ID == id {
			return info, true
		}
	}
	return driver.DeviceInfo{}, false
}

// OpenCameras returns the number of cameras currently open on the context.
func (dc *DriverContext) OpenCameras() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.open)
}

// Shutdown releases the driver. It fails with ErrCamerasStillOpen while any
// camera created from the context is open. Calling it again is a no-op.
func (dc *DriverContext) Shutdown() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	switch dc.state {
	case stateShutdown:
		return nil
	case stateIdle:
		dc.state = stateShutdown
		return nil
	}

	if n := len(dc.open); n > 0 {
		return fmt.Errorf("%w: %d", ErrCamerasStillOpen, n)
	}

	dc.state = stateShutdown
	dc.devices = nil
	if err := dc.drv.Shutdown(); err != nil {
		return fmt.Errorf("stereo-capture: shutdown driver %q: %w", dc.name, err)
	}

	slog.Info("stereo-capture: driver shut down", "driver", dc.name)
	return nil
}

func (dc *DriverContext) checkLocked() error {
	switch dc.state {
	case stateIdle:
		return ErrDriverNotStarted
	case stateShutdown:
		return ErrDriverShutdown
	}
	return nil
}

// acquire returns the started driver.
func (dc *DriverContext) acquire() (driver.Driver, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if err := dc.checkLocked(); err != nil {
		return nil, err
	}
	return dc.drv, nil
}

func (dc *DriverContext) track(c *CameraHandle) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if err := dc.checkLocked(); err != nil {
		return err
	}
	dc.open[c] = struct{}{}
	return nil
}

func (dc *DriverContext) untrack(c *CameraHandle) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	delete(dc.open, c)
}
