package stereocapture

import (
	"fmt"
	"image"
	"time"

	"github.com/e7canasta/stereo-capture/driver"
)

// Frame is a read-only view of one delivered image.
type Frame struct {
	// Camera is the name of the camera that produced the frame
	Camera string
	// Data holds the pixels, row-major, without row padding
	Data []byte
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// PixelFormat of Data
	PixelFormat driver.PixelFormat
	// FrameID is the driver's per-camera frame counter
	FrameID uint64
	// Timestamp is the device clock at exposure, in device ticks
	Timestamp uint64
	// ReceivedAt is the host time the frame reached the completion loop
	ReceivedAt time.Time
}

func frameFromBuffer(camera string, buf *driver.FrameBuffer) Frame {
	return Frame{
		Camera:      camera,
		Data:        buf.Payload(),
		Width:       buf.Width,
		Height:      buf.Height,
		PixelFormat: buf.PixelFormat,
		FrameID:     buf.FrameID,
		Timestamp:   buf.Timestamp,
		ReceivedAt:  time.Now(),
	}
}

// Stride returns the number of bytes per row.
func (f Frame) Stride() int {
	return f.Width * f.PixelFormat.BytesPerPixel()
}

// Row returns the pixels of row y, or nil if y is out of range.
func (f Frame) Row(y int) []byte {
	stride := f.Stride()
	if y < 0 || y >= f.Height || stride == 0 || (y+1)*stride > len(f.Data) {
		return nil
	}
	return f.Data[y*stride : (y+1)*stride]
}

// Pixel returns the bytes of the pixel at (x, y), or nil if out of range.
func (f Frame) Pixel(x, y int) []byte {
	if x < 0 || x >= f.Width {
		return nil
	}
	row := f.Row(y)
	if row == nil {
		return nil
	}
	bpp := f.PixelFormat.BytesPerPixel()
	return row[x*bpp : (x+1)*bpp]
}

// Gray returns an *image.Gray sharing the frame memory. It fails for formats
// that are not 8 bits per pixel on a single channel.
func (f Frame) Gray() (*image.Gray, error) {
	if f.PixelFormat.BytesPerPixel() != 1 {
		return nil, fmt.Errorf("frame: pixel format %q is not 8-bit single channel", f.PixelFormat)
	}
	if len(f.Data) < f.Width*f.Height {
		return nil, fmt.Errorf("frame: %d bytes for %dx%d", len(f.Data), f.Width, f.Height)
	}
	return &image.Gray{
		Pix:    f.Data[:f.Width*f.Height],
		Stride: f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}, nil
}

// Clone returns a copy of f that owns its pixel memory.
func (f Frame) Clone() Frame {
	out := f
	out.Data = append([]byte(nil), f.Data...)
	return out
}

// copyFrom copies src into f, reusing f's pixel memory when large enough.
func (f *Frame) copyFrom(src Frame) {
	data := f.Data[:0]
	if cap(data) < len(src.Data) {
		data = make([]byte, len(src.Data))
	}
	data = data[:len(src.Data)]
	copy(data, src.Data)

	*f = src
	f.Data = data
}

// StereoPair is a left and right frame considered time-matched. It is only
// valid for the duration of the PairHandler call.
type StereoPair struct {
	Left  Frame
	Right Frame
	// Seq numbers pairs from 1 in emission order
	Seq uint64
	// TraceID is a unique identifier for distributed tracing
	TraceID string
	// PairedAt is when the second frame of the pair arrived
	PairedAt time.Time
}

// Skew returns the absolute host arrival difference between the two frames.
func (p StereoPair) Skew() time.Duration {
	d := p.Left.ReceivedAt.Sub(p.Right.ReceivedAt)
	if d < 0 {
		return -d
	}
	return d
}

// Clone returns a copy of p that owns its pixel memory.
func (p StereoPair) Clone() StereoPair {
	out := p
	out.Left = p.Left.Clone()
	out.Right = p.Right.Clone()
	return out
}

// FrameHandler receives every valid frame of one camera. It runs on the
// camera's completion goroutine and must not retain the frame.
type FrameHandler func(Frame)

// PairHandler receives every stereo pair. It must not retain the pair.
type PairHandler func(StereoPair)

// CameraInfo describes an open camera.
type CameraInfo struct {
	Device      driver.DeviceInfo
	Name        string
	Width       int
	Height      int
	PixelFormat driver.PixelFormat
	PayloadSize int
	// PacketSize is the GigE stream packet size, 0 for other transports
	PacketSize int
}

// PoolStats is a snapshot of a camera's buffer pool.
type PoolStats struct {
	Size        int
	PayloadSize int
	Unannounced int
	Announced   int
	Queued      int
	Delivered   int
	Revoked     int
	// MaxDriverOwned is the most buffers the driver held at once
	MaxDriverOwned int
}

// CameraStats contains per-camera counters, accumulated over every capture
// session since Open.
type CameraStats struct {
	Name      string
	Capturing bool
	Sessions  uint64
	// FramesDelivered counts frames forwarded to the FrameHandler
	FramesDelivered uint64
	// FramesInvalid counts frames dropped for a non-zero receive status
	FramesInvalid uint64
	// FramesMissed counts frame ID gaps, frames the driver lost for lack of a buffer
	FramesMissed    uint64
	OutOfOrder      uint64
	HandlerPanics   uint64
	LifecycleErrors uint64
	// Discarded counts buffers completed after the handler was stopped
	Discarded   uint64
	LastFrameID uint64
	LastFrameAt time.Time
	// FPS is the delivered frame rate of the current session
	FPS float64
}

// SyncStats contains synchronizer counters.
type SyncStats struct {
	Pairs          uint64
	LeftOffered    uint64
	RightOffered   uint64
	LeftDropped    uint64
	RightDropped   uint64
	LeftPending    bool
	RightPending   bool
	ConsumerPanics uint64
}
