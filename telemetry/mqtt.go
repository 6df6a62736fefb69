// Package telemetry publishes rig statistics to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	stereocapture "github.com/e7canasta/stereo-capture"
)

// Config contains MQTT broker settings
type Config struct {
	Broker   string // host:port
	ClientID string
	Topic    string
	QoS      byte
}

// publisher is the part of mqtt.Client the emitter publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// StatsSource is implemented by *stereocapture.StereoRig.
type StatsSource interface {
	Stats() stereocapture.RigStats
}

// Emitter publishes rig statistics snapshots.
type Emitter struct {
	cfg    Config
	client mqtt.Client
	pub    publisher

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewEmitter creates an emitter. Call Connect before publishing.
func NewEmitter(cfg Config) *Emitter {
	return &Emitter{cfg: cfg}
}

// Connect establishes connection to the MQTT broker
func (e *Emitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("telemetry: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("telemetry: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client

	slog.Info("telemetry: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Publish sends one statistics snapshot.
func (e *Emitter) Publish(stats stereocapture.RigStats) error {
	if e.pub == nil || !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(NewSnapshot(stats, time.Now()))
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	token := e.pub.Publish(e.cfg.Topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	slog.Debug("telemetry: stats published", "topic", e.cfg.Topic, "size", len(payload))
	return nil
}

// Run publishes src's statistics every interval until ctx is done. Publish
// failures are logged and counted; the loop keeps going.
func (e *Emitter) Run(ctx context.Context, src StatsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Publish(src.Stats()); err != nil {
				slog.Warn("telemetry: failed to publish stats", "error", err)
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *Emitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("telemetry: mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}
