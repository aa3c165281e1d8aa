package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"facewatch/config"
	"facewatch/internal/core/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Client publishes recognition decisions to an MQTT broker. It is outbound
// only; the service never consumes broker messages.
type Client struct {
	cfg    config.MQTTConfig
	client mqtt.Client
}

// NewClient creates a configured but unconnected publisher. Returns nil when
// MQTT is disabled; callers treat a nil client as "no publishing".
func NewClient(cfg config.MQTTConfig) *Client {
	if !cfg.Enabled {
		log.Info("MQTT publishing is disabled in the configuration")
		return nil
	}

	c := &Client{cfg: cfg}

	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Errorf("MQTT connection lost: %v. Reconnecting...", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Infof("Connected to MQTT broker %s", brokerURL)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Start connects to the broker. The initial connect error is returned but
// auto-reconnect keeps trying regardless.
func (c *Client) Start() error {
	log.Infof("Connecting to MQTT broker tcp://%s:%d", c.cfg.Broker, c.cfg.Port)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		log.Info("MQTT client disconnected")
	}
}

// PublishDecision sends a decision as JSON to the configured topic, best
// effort: publish failures are logged and dropped.
func (c *Client) PublishDecision(decision models.Decision) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		log.Errorf("Failed to marshal decision for MQTT: %v", err)
		return
	}
	token := c.client.Publish(c.cfg.Topic, 0, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Warnf("Failed to publish decision to %s: %v", c.cfg.Topic, token.Error())
		}
	}()
}
