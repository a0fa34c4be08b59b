// Package mqttbridge ingests device reports published on an upstream MQTT
// broker.
package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sensorhub/telemetry-broker/internal/model"
)

// SourceName labels reports received through the bridge.
const SourceName = "upstream"

// Ingester accepts raw reports.
type Ingester interface {
	Ingest(ctx context.Context, source string, raw []byte) (*model.Envelope, error)
	IngestForDevice(ctx context.Context, source string, deviceID int64, raw []byte) (*model.Envelope, error)
}

// Config points the bridge at an upstream broker.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
}

// Bridge subscribes to the upstream topic and feeds every message to the gate.
type Bridge struct {
	cfg    Config
	gate   Ingester
	logger *slog.Logger

	ctx       context.Context
	readyOnce sync.Once
	ready     chan struct{}
}

// New constructs a bridge. Topic defaults to devices/+/readings.
func New(cfg Config, gate Ingester, logger *slog.Logger) *Bridge {
	if cfg.Topic == "" {
		cfg.Topic = "devices/+/readings"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("sensorhub-bridge-%d", time.Now().UnixNano())
	}
	return &Bridge{cfg: cfg, gate: gate, logger: logger, ctx: context.Background(), ready: make(chan struct{})}
}

// Ready is closed after the first successful subscription.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// Run connects and stays subscribed until ctx is cancelled. The paho client
// reconnects on its own and resubscribes on every connect.
func (b *Bridge) Run(ctx context.Context) error {
	b.ctx = ctx

	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(false)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("upstream mqtt connection lost", "broker", b.cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect upstream %s: %w", b.cfg.Broker, err)
		}
	case <-ctx.Done():
	}

	<-ctx.Done()
	client.Disconnect(250)
	b.logger.Info("upstream mqtt bridge stopped", "broker", b.cfg.Broker)
	return nil
}

func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Info("connected to upstream mqtt", "broker", b.cfg.Broker, "topic", b.cfg.Topic)
	token := client.Subscribe(b.cfg.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		b.handle(msg.Topic(), msg.Payload())
	})
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			b.logger.Error("upstream subscribe failed", "topic", b.cfg.Topic, "error", err)
			return
		}
		b.readyOnce.Do(func() { close(b.ready) })
	}()
}

func (b *Bridge) handle(topic string, payload []byte) {
	var err error
	if deviceID, ok := model.DeviceFromTopic(topic); ok {
		_, err = b.gate.IngestForDevice(b.ctx, SourceName, deviceID, payload)
	} else {
		_, err = b.gate.Ingest(b.ctx, SourceName, payload)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Debug("upstream report rejected", "topic", topic, "error", err)
	}
}
