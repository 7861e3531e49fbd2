package mqtt

import (
	"fmt"
	"time"

	"iotawatt2mqtt/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	publishTimeout = 10 * time.Second
)

type Client struct {
	client mqtt.Client
	config *config.Config
	logger *logrus.Logger

	statusTopic string

	onHomeAssistantOnline func()
}

// NewClient prepares a broker connection. statusTopic carries the bridge
// availability; the broker publishes "offline" there when the connection
// drops.
func NewClient(cfg *config.Config, logger *logrus.Logger, statusTopic string) (*Client, error) {
	if cfg.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is not configured")
	}

	c := &Client{
		config:      cfg,
		logger:      logger,
		statusTopic: statusTopic,
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "iotawatt2mqtt-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	// The status handler republishes and waits on tokens.
	opts.SetOrderMatters(false)
	opts.SetWill(statusTopic, payloadOffline, 1, true)

	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)

	return c, nil
}

func (c *Client) Connect() error {
	c.logger.Infof("Connecting to MQTT broker %s...", c.config.MQTT.Broker)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("Connected to MQTT broker")
	return nil
}

// Disconnect marks the bridge offline before leaving, since a clean
// disconnect does not fire the last will.
func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker...")
	if c.client.IsConnected() {
		if err := c.Publish(c.statusTopic, 1, true, payloadOffline); err != nil {
			c.logger.Warnf("Failed to publish offline status: %v", err)
		}
	}
	c.client.Disconnect(250)
}

// SetCallbacks registers the function run whenever Home Assistant announces
// it is back online.
func (c *Client) SetCallbacks(onHomeAssistantOnline func()) {
	c.onHomeAssistantOnline = onHomeAssistantOnline
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) homeAssistantStatusTopic() string {
	return c.config.MQTT.DiscoveryPrefix + "/status"
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected, announcing bridge and subscribing to topics...")

	if token := client.Publish(c.statusTopic, 1, true, payloadOnline); token.Wait() && token.Error() != nil {
		c.logger.Errorf("Failed to publish bridge status: %v", token.Error())
	}

	topic := c.homeAssistantStatusTopic()
	if token := client.Subscribe(topic, 1, c.handleStatusMessage); token.Wait() && token.Error() != nil {
		c.logger.Errorf("Failed to subscribe to Home Assistant status topic: %v", token.Error())
	} else {
		c.logger.Infof("Subscribed to Home Assistant status topic: %s", topic)
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Errorf("MQTT connection lost: %v", err)
}

func (c *Client) handleStatusMessage(client mqtt.Client, msg mqtt.Message) {
	status := string(msg.Payload())
	c.logger.Debugf("Received Home Assistant status: %s", status)

	if status != payloadOnline {
		return
	}

	c.logger.Info("Home Assistant is online, republishing sensors")
	if c.onHomeAssistantOnline != nil {
		c.onHomeAssistantOnline()
	}
}
