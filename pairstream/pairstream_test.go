package pairstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/driver"
)

func testPair(seq uint64) stereocapture.StereoPair {
	at := time.Unix(1700000000, int64(seq)*1000)
	frame := func(camera string, fill byte) stereocapture.Frame {
		return stereocapture.Frame{
			Camera:      camera,
			Data:        bytes.Repeat([]byte{fill}, 8*4),
			Width:       8,
			Height:      4,
			PixelFormat: driver.PixelMono8,
			FrameID:     seq,
			Timestamp:   seq * 1000,
			ReceivedAt:  at,
		}
	}
	return stereocapture.StereoPair{
		Left:     frame("left", 0x11),
		Right:    frame("right", 0x22),
		Seq:      seq,
		TraceID:  "trace",
		PairedAt: at,
	}
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, enc.Encode(testPair(seq)))
	}

	msgs, n := enc.Written()
	assert.Equal(t, uint64(3), msgs)
	assert.Equal(t, uint64(buf.Len()), n)

	dec := NewDecoder(&buf)
	for seq := uint64(1); seq <= 3; seq++ {
		rec, err := dec.Decode()
		require.NoError(t, err)
		if diff := cmp.Diff(NewRecord(testPair(seq)), rec); diff != "" {
			t.Fatalf("record %d mismatch (-want +got):\n%s", seq, diff)
		}

		p := rec.Pair()
		assert.Equal(t, seq, p.Seq)
		assert.Equal(t, driver.PixelMono8, p.Left.PixelFormat)
		assert.True(t, p.PairedAt.Equal(testPair(seq).PairedAt))
		assert.Equal(t, []byte{0x22}, p.Right.Pixel(7, 3))
	}

	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(testPair(1)))

	truncated := buf.Bytes()[:buf.Len()-5]
	_, err := NewDecoder(bytes.NewReader(truncated)).Decode()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeTooLarge(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxMessageSize+1)

	_, err := NewDecoder(bytes.NewReader(header[:])).Decode()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDecodeGarbage(t *testing.T) {
	msg := []byte{0, 0, 0, 2, 0xc1, 0xc1} // 0xc1 is never used in MsgPack
	_, err := NewDecoder(bytes.NewReader(msg)).Decode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal record")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestEncodeWriteError(t *testing.T) {
	enc := NewEncoder(failingWriter{})
	err := enc.Encode(testPair(9))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pair 9")

	msgs, _ := enc.Written()
	assert.Zero(t, msgs)
}
