package driver

import "fmt"

// Feature names are typed per value kind so a feature can only be read or
// written through the accessor of its kind.
type (
	IntFeature     string
	FloatFeature   string
	EnumFeature    string
	CommandFeature string
)

// Integer features.
const (
	FeatureWidth             IntFeature = "Width"
	FeatureHeight            IntFeature = "Height"
	FeatureOffsetX           IntFeature = "OffsetX"
	FeatureOffsetY           IntFeature = "OffsetY"
	FeaturePayloadSize       IntFeature = "PayloadSize"
	FeaturePacketSize        IntFeature = "GVSPPacketSize"
	FeatureStreamBytesPerSec IntFeature = "StreamBytesPerSecond"
	FeatureGainRaw           IntFeature = "GainRaw"
)

// Float features.
const (
	FeatureFrameRate    FloatFeature = "AcquisitionFrameRateAbs"
	FeatureExposureTime FloatFeature = "ExposureTimeAbs"
	FeatureGain         FloatFeature = "Gain"
)

// Enumeration features.
const (
	FeaturePixelFormat     EnumFeature = "PixelFormat"
	FeatureAcquisitionMode EnumFeature = "AcquisitionMode"
	FeatureTriggerMode     EnumFeature = "TriggerMode"
	FeatureTriggerSource   EnumFeature = "TriggerSource"
	FeatureExposureAuto    EnumFeature = "ExposureAuto"
)

// Commands.
const (
	CommandAcquisitionStart CommandFeature = "AcquisitionStart"
	CommandAcquisitionStop  CommandFeature = "AcquisitionStop"
	CommandAdjustPacketSize CommandFeature = "GVSPAdjustPacketSize"
	CommandTriggerSoftware  CommandFeature = "TriggerSoftware"
)

// FeatureSet lists the features a camera model recognizes.
type FeatureSet struct {
	Model    string
	Ints     []IntFeature
	Floats   []FloatFeature
	Enums    []EnumFeature
	Commands []CommandFeature
}

// HasInt reports whether f is recognized by the model.
func (s FeatureSet) HasInt(f IntFeature) bool { return contains(s.Ints, f) }

// HasFloat reports whether f is recognized by the model.
func (s FeatureSet) HasFloat(f FloatFeature) bool { return contains(s.Floats, f) }

// HasEnum reports whether f is recognized by the model.
func (s FeatureSet) HasEnum(f EnumFeature) bool { return contains(s.Enums, f) }

// HasCommand reports whether c is recognized by the model.
func (s FeatureSet) HasCommand(c CommandFeature) bool { return contains(s.Commands, c) }

// RequireInt returns ErrNotSupported wrapped with the feature name when f is
// not part of the set.
func (s FeatureSet) RequireInt(f IntFeature) error {
	if !s.HasInt(f) {
		return fmt.Errorf("%s %s: %w", s.Model, f, ErrNotSupported)
	}
	return nil
}

// RequireFloat is RequireInt for float features.
func (s FeatureSet) RequireFloat(f FloatFeature) error {
	if !s.HasFloat(f) {
		return fmt.Errorf("%s %s: %w", s.Model, f, ErrNotSupported)
	}
	return nil
}

// RequireEnum is RequireInt for enumeration features.
func (s FeatureSet) RequireEnum(f EnumFeature) error {
	if !s.HasEnum(f) {
		return fmt.Errorf("%s %s: %w", s.Model, f, ErrNotSupported)
	}
	return nil
}

// RequireCommand is RequireInt for commands.
func (s FeatureSet) RequireCommand(c CommandFeature) error {
	if !s.HasCommand(c) {
		return fmt.Errorf("%s %s: %w", s.Model, c, ErrNotSupported)
	}
	return nil
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// GigEFeatures is the feature set of GigE Vision cameras (e.g. Allied Vision
// Manta/Prosilica).
var GigEFeatures = FeatureSet{
	Model: "gige",
	Ints: []IntFeature{
		FeatureWidth, FeatureHeight, FeatureOffsetX, FeatureOffsetY,
		FeaturePayloadSize, FeaturePacketSize, FeatureStreamBytesPerSec, FeatureGainRaw,
	},
	Floats: []FloatFeature{FeatureFrameRate, FeatureExposureTime},
	Enums: []EnumFeature{
		FeaturePixelFormat, FeatureAcquisitionMode, FeatureTriggerMode,
		FeatureTriggerSource, FeatureExposureAuto,
	},
	Commands: []CommandFeature{
		CommandAcquisitionStart, CommandAcquisitionStop,
		CommandAdjustPacketSize, CommandTriggerSoftware,
	},
}

// USB3Features is the feature set of USB3 Vision cameras. They have no
// network transport parameters.
var USB3Features = FeatureSet{
	Model: "usb3",
	Ints: []IntFeature{
		FeatureWidth, FeatureHeight, FeatureOffsetX, FeatureOffsetY, FeaturePayloadSize,
	},
	Floats: []FloatFeature{FeatureFrameRate, FeatureExposureTime, FeatureGain},
	Enums: []EnumFeature{
		FeaturePixelFormat, FeatureAcquisitionMode, FeatureTriggerMode,
		FeatureTriggerSource, FeatureExposureAuto,
	},
	Commands: []CommandFeature{
		CommandAcquisitionStart, CommandAcquisitionStop, CommandTriggerSoftware,
	},
}

// StreamFeatures is the feature set of cameras reached through a media
// framework (V4L2 devices, test sources). Only geometry, format and rate are
// negotiable; there is no hardware trigger.
var StreamFeatures = FeatureSet{
	Model:    "stream",
	Ints:     []IntFeature{FeatureWidth, FeatureHeight, FeaturePayloadSize},
	Floats:   []FloatFeature{FeatureFrameRate},
	Enums:    []EnumFeature{FeaturePixelFormat, FeatureAcquisitionMode},
	Commands: []CommandFeature{CommandAcquisitionStart, CommandAcquisitionStop},
}

// FeaturesFor returns the feature set for a device interface, falling back to
// USB3Features for interfaces without transport tuning.
func FeaturesFor(info DeviceInfo) FeatureSet {
	switch info.Interface {
	case "gige":
		return GigEFeatures
	case "v4l2", "test":
		return StreamFeatures
	}
	return USB3Features
}
