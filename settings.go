package stereocapture

import (
	"fmt"

	"github.com/e7canasta/stereo-capture/driver"
)

// Settings are camera features applied on Open. Zero values leave the
// camera's current value untouched. A non-zero setting the camera model does
// not recognize fails with driver.ErrNotSupported.
type Settings struct {
	Width        int64
	Height       int64
	OffsetX      int64
	OffsetY      int64
	PixelFormat  driver.PixelFormat
	FrameRate    float64 // frames per second
	ExposureTime float64 // microseconds
	Gain         float64
	GainRaw      int64

	AcquisitionMode string
	TriggerMode     string // "On" or "Off"
	TriggerSource   string // e.g. "Freerun", "Line1", "Software"
	ExposureAuto    string

	// PacketSize sets GVSPPacketSize explicitly on GigE cameras. Zero runs
	// the camera's packet size auto-negotiation instead.
	PacketSize int64
	// StreamBytesPerSecond caps GigE bandwidth so two cameras can share a link.
	StreamBytesPerSecond int64
}

// IsZero reports whether no setting is given.
func (s Settings) IsZero() bool {
	return s == Settings{}
}

type intSetting struct {
	f driver.IntFeature
	v int64
}

type floatSetting struct {
	f driver.FloatFeature
	v float64
}

type enumSetting struct {
	f driver.EnumFeature
	v string
}

// apply writes the non-zero settings. Geometry and format go first since
// they change the valid range of offsets and the payload size.
func (s Settings) apply(drv driver.Driver, h driver.Handle, fs driver.FeatureSet) error {
	enums := []enumSetting{
		{driver.FeaturePixelFormat, string(s.PixelFormat)},
		{driver.FeatureAcquisitionMode, s.AcquisitionMode},
		{driver.FeatureTriggerMode, s.TriggerMode},
		{driver.FeatureTriggerSource, s.TriggerSource},
		{driver.FeatureExposureAuto, s.ExposureAuto},
	}
	ints := []intSetting{
		{driver.FeatureWidth, s.Width},
		{driver.FeatureHeight, s.Height},
		{driver.FeatureOffsetX, s.OffsetX},
		{driver.FeatureOffsetY, s.OffsetY},
		{driver.FeatureGainRaw, s.GainRaw},
		{driver.FeaturePacketSize, s.PacketSize},
		{driver.FeatureStreamBytesPerSec, s.StreamBytesPerSecond},
	}
	floats := []floatSetting{
		{driver.FeatureFrameRate, s.FrameRate},
		{driver.FeatureExposureTime, s.ExposureTime},
		{driver.FeatureGain, s.Gain},
	}

	// Reject unsupported keys before touching the camera.
	for _, e := range enums {
		if e.v != "" {
			if err := fs.RequireEnum(e.f); err != nil {
				return err
			}
		}
	}
	for _, i := range ints {
		if i.v != 0 {
			if err := fs.RequireInt(i.f); err != nil {
				return err
			}
		}
	}
	for _, f := range floats {
		if f.v != 0 {
			if err := fs.RequireFloat(f.f); err != nil {
				return err
			}
		}
	}

	for _, e := range enums {
		if e.v == "" {
			continue
		}
		if err := drv.SetEnum(h, e.f, e.v); err != nil {
			return fmt.Errorf("set %s=%s: %w", e.f, e.v, err)
		}
	}
	for _, i := range ints {
		if i.v == 0 {
			continue
		}
		if err := drv.SetInt(h, i.f, i.v); err != nil {
			return fmt.Errorf("set %s=%d: %w", i.f, i.v, err)
		}
	}
	for _, f := range floats {
		if f.v == 0 {
			continue
		}
		if err := drv.SetFloat(h, f.f, f.v); err != nil {
			return fmt.Errorf("set %s=%g: %w", f.f, f.v, err)
		}
	}
	return nil
}
