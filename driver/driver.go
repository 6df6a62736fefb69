// Package driver defines the surface a camera vendor SDK has to provide to
// stereo-capture.
//
// The interface mirrors the announce/queue/revoke model used by GigE Vision and
// USB3 Vision SDKs: buffers are registered with the driver (Announce), handed
// over one by one to be filled (Queue), come back through a completion channel
// once filled, and are unregistered (Revoke) when capture ends.
//
// Completion is channel based: the driver receives a send-only channel in
// CaptureStart and pushes every filled buffer onto it from its own goroutine.
// The channel is sized by the caller to the number of announced buffers, so a
// driver never blocks on send as long as it only delivers buffers it was given.
//
// Drivers register under a name (see Register) so a DriverContext can load
// them by configuration.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handle is an opaque reference to an opened camera. Zero is never valid.
type Handle uint64

// AccessMode selects how a camera is opened.
type AccessMode int

const (
	// AccessFull opens the camera for configuration and acquisition.
	AccessFull AccessMode = iota
	// AccessRead opens the camera for feature reads only.
	AccessRead
)

// String returns a human-readable representation of the access mode
func (m AccessMode) String() string {
	switch m {
	case AccessFull:
		return "full"
	case AccessRead:
		return "read"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a device found during discovery.
type DeviceInfo struct {
	ID        string // serial number, network address or device path
	Model     string
	Serial    string
	Interface string // "gige", "usb", "v4l2", "test"
}

// Driver is the vendor SDK surface.
//
// Implementations must guarantee:
//   - buffers are only delivered on the channel passed to CaptureStart
//   - each queued buffer is delivered at most once per Queue call
//   - after Flush returns, no further buffer is sent on the completion channel
//   - Revoke fails with ErrNotAnnounced for buffers the driver does not know
type Driver interface {
	Startup() error
	Shutdown() error
	Discover(ctx context.Context) ([]DeviceInfo, error)

	Open(id string, mode AccessMode) (Handle, error)
	Close(h Handle) error

	GetInt(h Handle, f IntFeature) (int64, error)
	SetInt(h Handle, f IntFeature, v int64) error
	GetFloat(h Handle, f FloatFeature) (float64, error)
	SetFloat(h Handle, f FloatFeature, v float64) error
	GetEnum(h Handle, f EnumFeature) (string, error)
	SetEnum(h Handle, f EnumFeature, v string) error
	RunCommand(h Handle, c CommandFeature) error

	Announce(h Handle, buf *FrameBuffer) error
	Revoke(h Handle, buf *FrameBuffer) error
	CaptureStart(h Handle, completions chan<- *FrameBuffer) error
	CaptureEnd(h Handle) error
	Queue(h Handle, buf *FrameBuffer) error
	Flush(h Handle) error
}

// Loader constructs a driver instance. It fails when the underlying library
// cannot be located or loaded.
type Loader func() (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Loader)
)

// Register makes a driver available under name. Registering the same name twice
// replaces the previous loader.
func Register(name string, loader Loader) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = loader
}

// Load looks up name and runs its loader.
func Load(name string) (Driver, error) {
	registryMu.RLock()
	loader, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("driver %q: %w", name, ErrNotRegistered)
	}

	drv, err := loader()
	if err != nil {
		return nil, fmt.Errorf("driver %q: %w", name, err)
	}
	return drv, nil
}

// Registered returns the sorted list of registered driver names.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
