package driver

import "fmt"

// ReceiveStatus is the completion status the driver writes into a buffer.
// Zero means the frame is complete; anything else marks it invalid.
type ReceiveStatus int

const (
	StatusComplete   ReceiveStatus = 0
	StatusIncomplete ReceiveStatus = -1
	StatusTooSmall   ReceiveStatus = -2
	StatusInvalid    ReceiveStatus = -3
)

// String returns a human-readable representation of the receive status
func (s ReceiveStatus) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusIncomplete:
		return "incomplete"
	case StatusTooSmall:
		return "too-small"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// OK reports whether the frame in the buffer can be used.
func (s ReceiveStatus) OK() bool { return s == StatusComplete }

// PixelFormat names a GenICam pixel format.
type PixelFormat string

const (
	PixelMono8    PixelFormat = "Mono8"
	PixelMono16   PixelFormat = "Mono16"
	PixelBayerRG8 PixelFormat = "BayerRG8"
	PixelBayerGR8 PixelFormat = "BayerGR8"
	PixelRGB8     PixelFormat = "RGB8Packed"
	PixelBGR8     PixelFormat = "BGR8Packed"
)

// BytesPerPixel returns the storage size of one pixel, or 0 for unknown formats.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelMono8, PixelBayerRG8, PixelBayerGR8:
		return 1
	case PixelMono16:
		return 2
	case PixelRGB8, PixelBGR8:
		return 3
	default:
		return 0
	}
}

// Channels returns the number of interleaved channels per pixel.
func (p PixelFormat) Channels() int {
	switch p {
	case PixelRGB8, PixelBGR8:
		return 3
	case PixelMono8, PixelMono16, PixelBayerRG8, PixelBayerGR8:
		return 1
	default:
		return 0
	}
}

// FrameBuffer is a fixed-size memory region the driver fills with one frame.
//
// Data is allocated once with the camera's payload size and never resized. The
// metadata fields are written by the driver before the buffer is delivered and
// are only meaningful while the buffer is in the Delivered state.
type FrameBuffer struct {
	Data []byte

	Status      ReceiveStatus
	Width       int
	Height      int
	PixelFormat PixelFormat
	FrameID     uint64
	Timestamp   uint64 // device clock ticks
	Filled      int    // bytes written by the driver, <= len(Data)
}

// NewFrameBuffer allocates a buffer able to hold payloadSize bytes.
func NewFrameBuffer(payloadSize int) *FrameBuffer {
	return &FrameBuffer{Data: make([]byte, payloadSize)}
}

// Payload returns the filled part of Data.
func (b *FrameBuffer) Payload() []byte {
	if b.Filled <= 0 || b.Filled > len(b.Data) {
		return b.Data
	}
	return b.Data[:b.Filled]
}

// Reset clears the driver-written metadata before the buffer is queued again.
func (b *FrameBuffer) Reset() {
	b.Status = StatusIncomplete
	b.Width = 0
	b.Height = 0
	b.PixelFormat = ""
	b.FrameID = 0
	b.Timestamp = 0
	b.Filled = 0
}
