// Package mqtt is the broker transport: telemetry consumption and
// device command publishing.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/savegress/gridsense/internal/gateway"
	"github.com/savegress/gridsense/pkg/models"
)

const (
	telemetryTopic = "site/+/device/+/telemetry"
	commandTopic   = "site/%s/device/%s/command"

	defaultQoS       = 1
	reconnectBackoff = 5 * time.Second
	disconnectWait   = 250 // milliseconds
)

// Ingestor accepts decoded readings. The gateway implements this.
type Ingestor interface {
	Ingest(ctx context.Context, reading *models.TelemetryReading) gateway.FanoutResult
}

// Options configures the broker connection.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Client wraps the paho MQTT client for the telemetry and command
// topics.
type Client struct {
	client paho.Client
	qos    byte
	logger *zap.Logger
}

// NewClient connects to the broker with automatic reconnect.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.QoS == 0 {
		opts.QoS = defaultQoS
	}

	pahoOpts := paho.NewClientOptions()
	pahoOpts.AddBroker(opts.Broker)
	pahoOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		pahoOpts.SetPassword(opts.Password)
	}
	pahoOpts.SetAutoReconnect(true)
	pahoOpts.SetMaxReconnectInterval(reconnectBackoff)
	pahoOpts.SetCleanSession(true)
	pahoOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost, reconnecting", zap.Error(err))
	})
	pahoOpts.SetOnConnectHandler(func(_ paho.Client) {
		logger.Info("mqtt connected", zap.String("broker", opts.Broker))
	})

	client := paho.NewClient(pahoOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}

	return &Client{client: client, qos: opts.QoS, logger: logger}, nil
}

// ConsumeTelemetry subscribes to the telemetry topic and feeds every
// decoded reading into the ingestor. Malformed payloads are dropped and
// logged; there is no retry.
func (c *Client) ConsumeTelemetry(ctx context.Context, ingestor Ingestor) error {
	handler := func(_ paho.Client, msg paho.Message) {
		reading, err := decodeTelemetry(msg.Topic(), msg.Payload())
		if err != nil {
			c.logger.Warn("dropping undecodable telemetry message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
			return
		}
		result := ingestor.Ingest(ctx, reading)
		for _, failure := range result.Failed() {
			c.logger.Warn("fan-out sink failed for mqtt reading",
				zap.String("sink", failure.Sink),
				zap.String("device_id", reading.DeviceID),
				zap.Error(failure.Err),
			)
		}
	}

	if token := c.client.Subscribe(telemetryTopic, c.qos, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", telemetryTopic, token.Error())
	}
	c.logger.Info("subscribed to telemetry", zap.String("topic", telemetryTopic))
	return nil
}

// decodeTelemetry parses a telemetry message, taking the site and
// device identity from the topic when the payload omits them.
func decodeTelemetry(topic string, payload []byte) (*models.TelemetryReading, error) {
	siteID, deviceID, err := parseTelemetryTopic(topic)
	if err != nil {
		return nil, err
	}

	var reading models.TelemetryReading
	if err := json.Unmarshal(payload, &reading); err != nil {
		return nil, fmt.Errorf("decode telemetry payload: %w", err)
	}
	if reading.SiteID == "" {
		reading.SiteID = siteID
	}
	if reading.DeviceID == "" {
		reading.DeviceID = deviceID
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}
	return &reading, nil
}

func parseTelemetryTopic(topic string) (siteID, deviceID string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "site" || parts[2] != "device" || parts[4] != "telemetry" {
		return "", "", fmt.Errorf("unexpected telemetry topic %q", topic)
	}
	return parts[1], parts[3], nil
}

// PublishCommand implements automation.CommandPublisher.
func (c *Client) PublishCommand(_ context.Context, siteID, deviceID string, cmd models.DeviceCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	topic := fmt.Sprintf(commandTopic, siteID, deviceID)
	token := c.client.Publish(topic, c.qos, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("publish command to %s: %w", topic, token.Error())
	}
	return nil
}

// Connected reports the broker connection state.
func (c *Client) Connected() bool {
	return c.client.IsConnected()
}

// Disconnect closes the broker connection cleanly.
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectWait)
	c.logger.Info("mqtt disconnected")
}
