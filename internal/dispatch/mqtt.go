/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

// MQTTConfig configures the hall display broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Publisher publishes one MQTT message and waits for the broker ack.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// MQTTClient wraps a paho client.
type MQTTClient struct {
	client mqtt.Client
	logger zerolog.Logger
}

// NewMQTTClient connects to the broker.
func NewMQTTClient(cfg MQTTConfig, logger zerolog.Logger) (*MQTTClient, error) {
	log := logger.With().Str("component", "mqtt").Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	return &MQTTClient{client: client, logger: log}, nil
}

// Publish sends payload to topic, giving up when ctx is done.
func (c *MQTTClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
}

// Cue is the message a hall display receives.
type Cue struct {
	RunID       string             `json:"run_id"`
	RunType     models.RunType     `json:"run_type"`
	TemplateID  string             `json:"template_id"`
	Name        string             `json:"name"`
	ContentType models.ContentType `json:"content_type"`
	TextContent string             `json:"text_content,omitempty"`
	MediaURL    string             `json:"media_url,omitempty"`
	DurationSec int                `json:"duration_sec"`
	TTSSettings models.TTSSettings `json:"tts_settings"`
	IsEmergency bool               `json:"is_emergency"`
	SentAt      time.Time          `json:"sent_at"`
}

// NewCue builds the cue for a delivery.
func NewCue(d Delivery) Cue {
	return Cue{
		RunID:       d.Run.ID,
		RunType:     d.Run.RunType,
		TemplateID:  d.Template.ID,
		Name:        d.Template.Name,
		ContentType: d.Template.ContentType,
		TextContent: d.Template.TextContent,
		MediaURL:    d.Template.MediaURL,
		DurationSec: d.Template.DurationSec,
		TTSSettings: d.Template.TTSSettings,
		IsEmergency: d.Template.IsEmergency || d.Run.RunType == models.RunEmergency,
		SentAt:      time.Now().UTC(),
	}
}

// MQTTTransport publishes cues to hall displays at
// {prefix}/{organization}/hall/{device} with QoS 1.
type MQTTTransport struct {
	pub    Publisher
	prefix string
}

// NewMQTTTransport creates the hall transport.
func NewMQTTTransport(pub Publisher, topicPrefix string) *MQTTTransport {
	if topicPrefix == "" {
		topicPrefix = "snd"
	}
	return &MQTTTransport{pub: pub, prefix: topicPrefix}
}

func (t *MQTTTransport) Name() string { return "mqtt" }

func (t *MQTTTransport) Accepts(kind models.TargetType) bool { return kind == models.TargetHall }

// Topic returns the topic of one hall device.
func (t *MQTTTransport) Topic(organizationID, deviceID string) string {
	return fmt.Sprintf("%s/%s/hall/%s", t.prefix, organizationID, deviceID)
}

func (t *MQTTTransport) Deliver(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(NewCue(d))
	if err != nil {
		return fmt.Errorf("marshal cue: %w", err)
	}
	return t.pub.Publish(ctx, t.Topic(d.Target.OrganizationID, d.Target.DeviceID), 1, false, payload)
}
