// Package pairstream writes stereo pairs to a byte stream for consumers in
// other processes.
//
// Each message is a 4-byte big-endian length followed by a MsgPack-encoded
// Record. Pixel data travels as raw bytes.
package pairstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/driver"
)

// MaxMessageSize bounds a single message on decode.
const MaxMessageSize = 256 << 20

// ErrMessageTooLarge is returned for length prefixes above MaxMessageSize.
var ErrMessageTooLarge = errors.New("pairstream: message too large")

// FrameRecord is the wire form of a frame.
type FrameRecord struct {
	Camera      string `msgpack:"camera"`
	Data        []byte `msgpack:"frame_data"`
	Width       int    `msgpack:"width"`
	Height      int    `msgpack:"height"`
	PixelFormat string `msgpack:"pixel_format"`
	FrameID     uint64 `msgpack:"frame_id"`
	Timestamp   uint64 `msgpack:"timestamp"`
	ReceivedAt  int64  `msgpack:"received_at_ns"`
}

// Record is the wire form of a stereo pair.
type Record struct {
	Seq      uint64      `msgpack:"seq"`
	TraceID  string      `msgpack:"trace_id"`
	PairedAt int64       `msgpack:"paired_at_ns"`
	Left     FrameRecord `msgpack:"left"`
	Right    FrameRecord `msgpack:"right"`
}

// NewRecord converts p. The record shares p's pixel memory.
func NewRecord(p stereocapture.StereoPair) Record {
	return Record{
		Seq:      p.Seq,
		TraceID:  p.TraceID,
		PairedAt: p.PairedAt.UnixNano(),
		Left:     frameRecord(p.Left),
		Right:    frameRecord(p.Right),
	}
}

func frameRecord(f stereocapture.Frame) FrameRecord {
	return FrameRecord{
		Camera:      f.Camera,
		Data:        f.Data,
		Width:       f.Width,
		Height:      f.Height,
		PixelFormat: string(f.PixelFormat),
		FrameID:     f.FrameID,
		Timestamp:   f.Timestamp,
		ReceivedAt:  f.ReceivedAt.UnixNano(),
	}
}

// Pair converts r back into a StereoPair.
func (r Record) Pair() stereocapture.StereoPair {
	return stereocapture.StereoPair{
		Left:     r.Left.frame(),
		Right:    r.Right.frame(),
		Seq:      r.Seq,
		TraceID:  r.TraceID,
		PairedAt: time.Unix(0, r.PairedAt),
	}
}

func (f FrameRecord) frame() stereocapture.Frame {
	return stereocapture.Frame{
		Camera:      f.Camera,
		Data:        f.Data,
		Width:       f.Width,
		Height:      f.Height,
		PixelFormat: driver.PixelFormat(f.PixelFormat),
		FrameID:     f.FrameID,
		Timestamp:   f.Timestamp,
		ReceivedAt:  time.Unix(0, f.ReceivedAt),
	}
}

// Encoder writes length-prefixed records. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte

	written uint64
	bytes   uint64
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes p as one message.
func (e *Encoder) Encode(p stereocapture.StereoPair) error {
	data, err := msgpack.Marshal(NewRecord(p))
	if err != nil {
		return fmt.Errorf("pairstream: failed to marshal pair %d: %w", p.Seq, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Prefix and body go out in one Write so a reader never sees a torn header.
	need := 4 + len(data)
	if cap(e.buf) < need {
		e.buf = make([]byte, need)
	}
	buf := e.buf[:need]
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("pairstream: failed to write pair %d: %w", p.Seq, err)
	}
	e.written++
	e.bytes += uint64(need)
	return nil
}

// Written returns the number of messages and bytes written.
func (e *Encoder) Written() (messages, bytes uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.written, e.bytes
}

// Decoder reads length-prefixed records.
type Decoder struct {
	r      io.Reader
	header [4]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next record. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when the stream ends inside a message.
func (d *Decoder) Decode() (Record, error) {
	var rec Record
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return rec, err
	}

	n := binary.BigEndian.Uint32(d.header[:])
	if n > MaxMessageSize {
		return rec, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(d.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return rec, err
	}

	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("pairstream: failed to unmarshal record: %w", err)
	}
	return rec, nil
}
