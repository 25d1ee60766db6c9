// Package pubsub provides the MQTT transport boundary: inbound device and
// telemetry subscriptions, and outbound control-command publishing.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maximugisha/smart-farm-power-control/internal/config"
	"github.com/maximugisha/smart-farm-power-control/internal/domain"
)

const (
	deviceTopicSegment    = "devices"
	telemetryTopicSegment = "telemetry"
	controlTopicSegment   = "control"
)

// Handler receives decoded transport messages keyed by device ID.
type Handler interface {
	HandleStatus(ctx context.Context, deviceID string, payload []byte) error
	HandleTelemetry(ctx context.Context, deviceID string, payload []byte) (*domain.Reading, error)
}

// NoopPublisher is a no-operation implementation used when MQTT is disabled
// or unreachable.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error { return nil }

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error { return nil }

// SendDeviceControl is a no-op for the NoopPublisher.
func (p *NoopPublisher) SendDeviceControl(_ context.Context, _, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error { return nil }

// Client is the process-scoped MQTT client. It is constructed at startup,
// injected where needed and torn down at shutdown; there is no ambient
// global lookup.
type Client struct {
	config  *config.Config
	client  mqtt.Client
	handler Handler

	// connected is written from paho's connection callbacks and read on the
	// publish path, so it must be atomic.
	connected     atomic.Bool
	logger        zerolog.Logger
	clientFactory func(*config.Config, mqtt.OnConnectHandler, mqtt.ConnectionLostHandler) mqtt.Client
}

// NewClient creates an MQTT client that routes inbound messages to handler.
func NewClient(cfg *config.Config, handler Handler) *Client {
	return &Client{
		config:        cfg,
		handler:       handler,
		logger:        log.With().Str("component", "mqtt").Logger(),
		clientFactory: createMQTTClient,
	}
}

// NewClientWithMQTT creates a client with a custom paho client (for testing).
func NewClientWithMQTT(cfg *config.Config, handler Handler, client mqtt.Client) *Client {
	c := NewClient(cfg, handler)
	c.client = client
	return c
}

// createMQTTClient is the default factory function for paho clients.
func createMQTTClient(cfg *config.Config, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("smart-farm-server-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(onLost)

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes the broker connection and subscribes to the device and
// telemetry topic families. Subscriptions are re-established on reconnect.
func (c *Client) Connect(ctx context.Context) error {
	if !c.config.MQTT.Enabled {
		return nil
	}

	if c.client == nil {
		onConnect := func(client mqtt.Client) {
			c.logger.Info().Msg("MQTT connection established")
			c.connected.Store(true)
			c.subscribe()
		}
		onLost := func(client mqtt.Client, err error) {
			c.connected.Store(false)
			c.logger.Warn().Err(err).Msg("MQTT connection lost")
		}
		c.client = c.clientFactory(c.config, onConnect, onLost)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := c.client.Connect()
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	c.connected.Store(true)
	c.subscribe()
	return nil
}

// subscribe registers the inbound topic subscriptions.
func (c *Client) subscribe() {
	prefix := c.config.MQTT.TopicPrefix

	subscriptions := map[string]mqtt.MessageHandler{
		prefix + deviceTopicSegment + "/#":    c.handleDeviceMessage,
		prefix + telemetryTopicSegment + "/#": c.handleTelemetryMessage,
	}

	for topic, handler := range subscriptions {
		token := c.client.Subscribe(topic, 1, handler)
		if token.Wait() && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe")
			continue
		}
		c.logger.Info().Str("topic", topic).Msg("Subscribed")
	}
}

// handleDeviceMessage routes one device-status message. Per-message failures
// are logged and dropped; they never terminate the ingestion loop.
func (c *Client) handleDeviceMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := c.deviceIDFromTopic(msg.Topic(), deviceTopicSegment)
	if !ok {
		c.logger.Warn().Str("topic", msg.Topic()).Msg("Unroutable device topic")
		return
	}

	go func() {
		err := c.handler.HandleStatus(context.Background(), deviceID, msg.Payload())
		c.logIngestResult(err, deviceID, msg.Topic())
	}()
}

// handleTelemetryMessage routes one telemetry message.
func (c *Client) handleTelemetryMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := c.deviceIDFromTopic(msg.Topic(), telemetryTopicSegment)
	if !ok {
		c.logger.Warn().Str("topic", msg.Topic()).Msg("Unroutable telemetry topic")
		return
	}

	go func() {
		_, err := c.handler.HandleTelemetry(context.Background(), deviceID, msg.Payload())
		c.logIngestResult(err, deviceID, msg.Topic())
	}()
}

// logIngestResult classifies per-message ingest outcomes. Malformed payloads
// and unknown devices are expected drop conditions; persistence failures are
// data loss and logged as errors.
func (c *Client) logIngestResult(err error, deviceID, topic string) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnknownDevice):
		c.logger.Warn().Str("device_id", deviceID).Msg("Message for unknown device dropped")
	case errors.Is(err, domain.ErrMalformedPayload):
		c.logger.Warn().Err(err).Str("device_id", deviceID).Str("topic", topic).
			Msg("Malformed payload dropped")
	default:
		c.logger.Error().Err(err).Str("device_id", deviceID).Str("topic", topic).
			Msg("Failed to process message")
	}
}

// deviceIDFromTopic extracts the device ID segment following the topic
// family, e.g. smart-farm/telemetry/<deviceID>[/...].
func (c *Client) deviceIDFromTopic(topic, family string) (string, bool) {
	prefix := c.config.MQTT.TopicPrefix + family + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(topic, prefix)
	deviceID := strings.SplitN(rest, "/", 2)[0]
	if deviceID == "" {
		return "", false
	}
	return deviceID, true
}

// Publish sends JSON-encoded data to the specified topic.
func (c *Client) Publish(ctx context.Context, topic string, data interface{}) error {
	if !c.config.MQTT.Enabled || !c.connected.Load() {
		return nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := c.client.Publish(topic, 1, false, jsonData)
	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}
	return nil
}

// SendDeviceControl publishes a control command to the device's control
// topic, consumed by firmware. Value is omitted when nil.
func (c *Client) SendDeviceControl(ctx context.Context, deviceID, command string, value interface{}) error {
	payload := map[string]interface{}{"command": command}
	if value != nil {
		payload["value"] = value
	}

	topic := c.config.MQTT.TopicPrefix + controlTopicSegment + "/" + deviceID
	if err := c.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("send control command %q to %s: %w", command, deviceID, err)
	}

	c.logger.Info().
		Str("device_id", deviceID).
		Str("command", command).
		Msg("Sent control command")
	return nil
}

// Close terminates the connection to the MQTT broker.
func (c *Client) Close() error {
	if c.client != nil && c.connected.Load() {
		c.client.Disconnect(250)
		c.connected.Store(false)
	}
	return nil
}

var (
	_ domain.MessagePublisher = (*Client)(nil)
	_ domain.ControlPublisher = (*Client)(nil)
	_ domain.MessagePublisher = (*NoopPublisher)(nil)
	_ domain.ControlPublisher = (*NoopPublisher)(nil)
)
