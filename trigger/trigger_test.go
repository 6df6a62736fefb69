package trigger

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPort answers each command line with the reply returned by respond.
type mockPort struct {
	mu       sync.Mutex
	commands []string
	out      bytes.Buffer
	closed   bool
	respond  func(cmd string) string
}

func newMockPort() *mockPort {
	return &mockPort{respond: func(string) string { return "OK\r\n" }}
}

func (p *mockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		p.commands = append(p.commands, line)
		p.out.WriteString(p.respond(line))
	}
	return len(b), nil
}

func (p *mockPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out.Len() == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	return p.out.Read(b)
}

func (p *mockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *mockPort) SetReadTimeout(time.Duration) error { return nil }

func (p *mockPort) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

func TestStartStop(t *testing.T) {
	port := newMockPort()
	trig, err := New(port)
	require.NoError(t, err)

	require.NoError(t, trig.Start(30))
	running, rate := trig.Running()
	assert.True(t, running)
	assert.Equal(t, 30.0, rate)

	require.NoError(t, trig.Pulse())
	require.NoError(t, trig.Stop())
	require.NoError(t, trig.Stop(), "stop twice")

	assert.Equal(t, []string{"RATE 30.000", "START", "PULSE", "STOP"}, port.sent())
}

func TestInvalidRate(t *testing.T) {
	port := newMockPort()
	trig, err := New(port)
	require.NoError(t, err)

	assert.Error(t, trig.Start(0))
	assert.Empty(t, port.sent())
}

func TestRejected(t *testing.T) {
	port := newMockPort()
	port.respond = func(cmd string) string {
		if strings.HasPrefix(cmd, "RATE") {
			return "ERR rate out of range\n"
		}
		return "OK\n"
	}
	trig, err := New(port)
	require.NoError(t, err)

	err = trig.Start(5000)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "rate out of range")

	running, _ := trig.Running()
	assert.False(t, running)
}

func TestNoReply(t *testing.T) {
	port := newMockPort()
	port.respond = func(string) string { return "" }
	trig, err := New(port)
	require.NoError(t, err)
	trig.SetReplyTimeout(20 * time.Millisecond)

	assert.ErrorIs(t, trig.Pulse(), ErrNoReply)
}

func TestUnexpectedReply(t *testing.T) {
	port := newMockPort()
	port.respond = func(string) string { return "READY\n" }
	trig, err := New(port)
	require.NoError(t, err)

	err = trig.Pulse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected reply")
}

func TestCloseStopsRunningTrigger(t *testing.T) {
	port := newMockPort()
	trig, err := New(port)
	require.NoError(t, err)

	require.NoError(t, trig.Start(10))
	require.NoError(t, trig.Close())
	require.NoError(t, trig.Close())

	assert.True(t, port.closed)
	assert.Equal(t, "STOP", port.sent()[len(port.sent())-1])
	assert.ErrorIs(t, trig.Pulse(), ErrClosed)
}
