package gstreamer

import (
	"strings"

	"github.com/e7canasta/stereo-capture/driver"
)

// errorCategory classifies GStreamer bus errors for telemetry.
type errorCategory int

const (
	categoryDevice errorCategory = iota
	categoryNegotiation
	categoryPermission
	categoryUnknown
)

func (c errorCategory) String() string {
	switch c {
	case categoryDevice:
		return "device"
	case categoryNegotiation:
		return "negotiation"
	case categoryPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// sentinel returns the driver error matching c, or nil.
func (c errorCategory) sentinel() error {
	switch c {
	case categoryDevice:
		return driver.ErrNotFound
	case categoryNegotiation:
		return driver.ErrNotSupported
	case categoryPermission:
		return driver.ErrAccessDenied
	default:
		return nil
	}
}

var (
	permissionKeywords  = []string{"permission denied", "not permitted", "eacces"}
	negotiationKeywords = []string{"not-negotiated", "not negotiated", "caps", "format", "no such element", "missing plugin"}
	deviceKeywords      = []string{"no such file", "cannot identify device", "could not open device", "not found", "busy", "disconnected"}
)

// classify looks for keywords in the error message and debug string,
// most specific category first. go-gst does not expose the error domain.
func classify(msg, debug string) errorCategory {
	combined := strings.ToLower(msg + " " + debug)

	switch {
	case containsAny(combined, permissionKeywords):
		return categoryPermission
	case containsAny(combined, negotiationKeywords):
		return categoryNegotiation
	case containsAny(combined, deviceKeywords):
		return categoryDevice
	default:
		return categoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
