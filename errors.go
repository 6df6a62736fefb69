package stereocapture

import (
	"errors"
	"fmt"
	"strings"

	"github.com/e7canasta/stereo-capture/driver"
)

var (
	// ErrDriverNotStarted is returned by camera operations before DriverContext.Startup.
	ErrDriverNotStarted = errors.New("stereo-capture: driver not started")
	// ErrDriverShutdown is returned by camera operations after DriverContext.Shutdown.
	ErrDriverShutdown = errors.New("stereo-capture: driver shut down")
	// ErrDriverStarted is returned by a second Startup.
	ErrDriverStarted = errors.New("stereo-capture: driver already started")
	// ErrCamerasStillOpen is returned by Shutdown while cameras are open.
	ErrCamerasStillOpen = errors.New("stereo-capture: cameras still open")
	// ErrCameraNotOpen is returned by operations on a camera that is not open.
	ErrCameraNotOpen = errors.New("stereo-capture: camera not open")
	// ErrCameraOpen is returned by Open on a camera that is already open.
	ErrCameraOpen = errors.New("stereo-capture: camera already open")
	// ErrCaptureRunning is returned by StartCapture while capture is running.
	ErrCaptureRunning = errors.New("stereo-capture: capture already running")
)

// DriverLoadError reports that the driver library could not be located or loaded.
type DriverLoadError struct {
	Driver string
	Err    error
}

func (e *DriverLoadError) Error() string {
	return fmt.Sprintf("stereo-capture: load driver %q: %v", e.Driver, e.Err)
}

func (e *DriverLoadError) Unwrap() error { return e.Err }

// DriverInitError reports that the driver rejected startup.
type DriverInitError struct {
	Driver string
	Err    error
}

func (e *DriverInitError) Error() string {
	return fmt.Sprintf("stereo-capture: start driver %q: %v", e.Driver, e.Err)
}

func (e *DriverInitError) Unwrap() error { return e.Err }

// CameraOpenError reports a failed Open. Category tells whether retrying can
// help.
type CameraOpenError struct {
	ID       string
	Category ErrorCategory
	Err      error
}

func (e *CameraOpenError) Error() string {
	return fmt.Sprintf("stereo-capture: open camera %q (%s): %v", e.ID, e.Category, e.Err)
}

func (e *CameraOpenError) Unwrap() error { return e.Err }

// CameraCloseError reports that the driver failed to release a camera.
type CameraCloseError struct {
	ID  string
	Err error
}

func (e *CameraCloseError) Error() string {
	return fmt.Sprintf("stereo-capture: close camera %q: %v", e.ID, e.Err)
}

func (e *CameraCloseError) Unwrap() error { return e.Err }

// CaptureStage names the StartCapture step that failed.
type CaptureStage string

const (
	StageAllocate         CaptureStage = "allocate"
	StageAnnounce         CaptureStage = "announce"
	StageCaptureStart     CaptureStage = "capture-start"
	StageQueue            CaptureStage = "queue"
	StageAcquisitionStart CaptureStage = "acquisition-start"
)

// CaptureStartError reports a failed StartCapture. No buffer is left
// announced when it is returned.
type CaptureStartError struct {
	ID    string
	Stage CaptureStage
	Err   error
}

func (e *CaptureStartError) Error() string {
	return fmt.Sprintf("stereo-capture: start capture on %q at %s: %v", e.ID, e.Stage, e.Err)
}

func (e *CaptureStartError) Unwrap() error { return e.Err }

// ErrorCategory classifies driver failures for retry decisions and telemetry.
type ErrorCategory int

const (
	// CategoryUnknown indicates unclassified errors
	CategoryUnknown ErrorCategory = iota
	// CategoryNotFound indicates the device is absent or not discovered yet
	CategoryNotFound
	// CategoryAccess indicates missing permissions
	CategoryAccess
	// CategoryBusy indicates the device is held by another process
	CategoryBusy
	// CategoryTransport indicates link-level failures (timeouts, packet loss)
	CategoryTransport
)

// String returns a human-readable representation of the category
func (c ErrorCategory) String() string {
	switch c {
	case CategoryNotFound:
		return "not-found"
	case CategoryAccess:
		return "access"
	case CategoryBusy:
		return "busy"
	case CategoryTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation failing with this category may
// succeed later.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryNotFound, CategoryBusy, CategoryTransport:
		return true
	default:
		return false
	}
}

// ClassifyError categorizes a driver error. Driver sentinels are matched
// first; errors from drivers that do not wrap them are matched by message.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	switch {
	case errors.Is(err, driver.ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, driver.ErrAccessDenied):
		return CategoryAccess
	case errors.Is(err, driver.ErrBusy):
		return CategoryBusy
	case errors.Is(err, driver.ErrTimeout):
		return CategoryTransport
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "permission", "denied", "unauthorized", "forbidden"):
		return CategoryAccess
	case containsAny(msg, "busy", "in use", "already open", "locked"):
		return CategoryBusy
	case containsAny(msg, "not found", "no such device", "no device", "unknown device"):
		return CategoryNotFound
	case containsAny(msg, "timeout", "timed out", "packet", "transport", "link", "unreachable", "socket"):
		return CategoryTransport
	}
	return CategoryUnknown
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
