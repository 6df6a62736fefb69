// Package trigger drives a hardware exposure trigger over a serial line.
//
// The trigger board speaks a line protocol: the host sends one command per
// line and the board answers "OK" or "ERR <reason>".
//
//	RATE <hz>   set the pulse rate
//	START       start pulsing
//	STOP        stop pulsing
//	PULSE       emit a single pulse
package trigger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultReplyTimeout bounds the wait for the board's answer.
const DefaultReplyTimeout = 500 * time.Millisecond

var (
	// ErrNoReply is returned when the board does not answer in time.
	ErrNoReply = errors.New("trigger: no reply")
	// ErrRejected is returned when the board answers ERR.
	ErrRejected = errors.New("trigger: command rejected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("trigger: closed")
)

// Port is the part of serial.Port the trigger needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Trigger is a serial trigger board. It implements stereocapture.Trigger.
type Trigger struct {
	mu      sync.Mutex
	port    Port
	timeout time.Duration
	pending []byte
	closed  bool
	running bool
	rate    float64
}

// Open opens the serial port at path and returns a Trigger using it.
func Open(path string, baudRate int) (*Trigger, error) {
	if baudRate <= 0 {
		baudRate = 115200
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("trigger: failed to open %s: %w", path, err)
	}
	return New(port)
}

// New returns a Trigger speaking over port.
func New(port Port) (*Trigger, error) {
	t := &Trigger{port: port, timeout: DefaultReplyTimeout}
	// Short reads let readLine enforce its own deadline.
	if err := port.SetReadTimeout(20 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("trigger: failed to set read timeout: %w", err)
	}
	return t, nil
}

// SetReplyTimeout changes the wait for the board's answer.
func (t *Trigger) SetReplyTimeout(d time.Duration) {
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
}

// Start sets the pulse rate and starts pulsing.
func (t *Trigger) Start(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("trigger: rate must be > 0, got %g", rate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.commandLocked("RATE " + strconv.FormatFloat(rate, 'f', 3, 64)); err != nil {
		return err
	}
	if err := t.commandLocked("START"); err != nil {
		return err
	}
	t.running = true
	t.rate = rate

	slog.Info("trigger: started", "rate_hz", rate)
	return nil
}

// Stop stops pulsing. Stopping an idle trigger is a no-op.
func (t *Trigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	if err := t.commandLocked("STOP"); err != nil {
		return err
	}
	t.running = false

	slog.Info("trigger: stopped")
	return nil
}

// Pulse emits one pulse.
func (t *Trigger) Pulse() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commandLocked("PULSE")
}

// Running reports whether the board is pulsing and at which rate.
func (t *Trigger) Running() (bool, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running, t.rate
}

// Close stops the board if needed and closes the port.
func (t *Trigger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	if t.running {
		if err := t.commandLocked("STOP"); err != nil {
			slog.Warn("trigger: stop on close failed", "error", err)
		}
		t.running = false
	}
	t.closed = true
	return t.port.Close()
}

func (t *Trigger) commandLocked(cmd string) error {
	if t.closed {
		return ErrClosed
	}
	if _, err := t.port.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("trigger: failed to write %q: %w", cmd, err)
	}

	reply, err := t.readLineLocked()
	if err != nil {
		return fmt.Errorf("trigger: %s: %w", cmd, err)
	}
	switch {
	case reply == "OK":
		return nil
	case strings.HasPrefix(reply, "ERR"):
		return fmt.Errorf("%w: %s: %s", ErrRejected, cmd, strings.TrimSpace(strings.TrimPrefix(reply, "ERR")))
	default:
		return fmt.Errorf("trigger: %s: unexpected reply %q", cmd, reply)
	}
}

// readLineLocked returns the next line without its terminator. The serial
// port returns (0, nil) when its read timeout expires.
func (t *Trigger) readLineLocked() (string, error) {
	deadline := time.Now().Add(t.timeout)
	chunk := make([]byte, 64)
	for {
		if i := bytes.IndexByte(t.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(t.pending[:i], "\r"))
			t.pending = append(t.pending[:0], t.pending[i+1:]...)
			return line, nil
		}
		if time.Now().After(deadline) {
			return "", ErrNoReply
		}
		n, err := t.port.Read(chunk)
		t.pending = append(t.pending, chunk[:n]...)
		if err != nil {
			return "", err
		}
	}
}
