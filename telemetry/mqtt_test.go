package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/pairbus"
)

type fakeToken struct {
	mqtt.Token
	err     error
	timeout bool
}

func (t fakeToken) Wait() bool                      { return !t.timeout }
func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t fakeToken) Error() error                    { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []message
	token    fakeToken
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return p.token
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func connected(pub publisher) *Emitter {
	e := NewEmitter(Config{Topic: "stereo/stats/test", QoS: 1})
	e.pub = pub
	e.connected = true
	return e
}

func rigStats() stereocapture.RigStats {
	return stereocapture.RigStats{
		Left:  stereocapture.CameraStats{Name: "left", Capturing: true, FramesDelivered: 120, FPS: 29.5},
		Right: stereocapture.CameraStats{Name: "right", Capturing: true, FramesDelivered: 118, FramesMissed: 2},
		Sync:  stereocapture.SyncStats{Pairs: 117, LeftOffered: 120, RightOffered: 118, LeftDropped: 3, RightDropped: 1},
		Bus: &pairbus.Stats{
			Published: 117,
			Subscribers: map[string]pairbus.SubscriberStats{
				"recorder": {Policy: pairbus.DropOld, Sent: 110, Dropped: 7},
			},
		},
	}
}

func TestNewSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := NewSnapshot(rigStats(), now)

	assert.Equal(t, now, snap.Timestamp)
	assert.Equal(t, uint64(120), snap.Left.FramesDelivered)
	assert.Equal(t, uint64(2), snap.Right.FramesMissed)
	assert.Equal(t, uint64(117), snap.Sync.Pairs)
	assert.Equal(t, BusSnapshot{Policy: "drop-old", Sent: 110, Dropped: 7}, snap.Bus["recorder"])

	noBus := rigStats()
	noBus.Bus = nil
	assert.Nil(t, NewSnapshot(noBus, now).Bus)
}

func TestPublish(t *testing.T) {
	pub := &fakePublisher{}
	e := connected(pub)

	require.NoError(t, e.Publish(rigStats()))
	require.Equal(t, 1, pub.count())

	msg := pub.messages[0]
	assert.Equal(t, "stereo/stats/test", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(msg.payload, &snap))
	assert.Equal(t, "left", snap.Left.Name)
	assert.Equal(t, uint64(3), snap.Sync.LeftDropped)

	assert.Equal(t, Stats{Connected: true, Published: 1}, e.Stats())
}

func TestPublishFailures(t *testing.T) {
	e := NewEmitter(Config{Topic: "t"})
	assert.Error(t, e.Publish(rigStats()), "not connected")

	failing := connected(&fakePublisher{token: fakeToken{err: errors.New("broker gone")}})
	err := failing.Publish(rigStats())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")

	slow := connected(&fakePublisher{token: fakeToken{timeout: true}})
	assert.EqualError(t, slow.Publish(rigStats()), "publish timeout")

	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Equal(t, uint64(1), failing.Stats().Errors)
	assert.Zero(t, failing.Stats().Published)
}

type staticSource struct{ stats stereocapture.RigStats }

func (s staticSource) Stats() stereocapture.RigStats { return s.stats }

func TestRun(t *testing.T) {
	pub := &fakePublisher{}
	e := connected(pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, staticSource{rigStats()}, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return pub.count() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	e.Disconnect()
	assert.False(t, e.Stats().Connected)
}
