/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
)

// natsSubjectPrefix namespaces bridged events; event types become subject tokens.
const natsSubjectPrefix = "snd.events."

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus delivers events locally and mirrors them over core NATS subjects.
// The nats client buffers publishes while reconnecting.
type NATSBus struct {
	local  *events.Bus
	conn   *nats.Conn
	sub    *nats.Subscription
	nodeID string
	logger zerolog.Logger
}

// NewNATSBus connects to NATS. An unreachable server yields a bus that only
// delivers locally.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) *NATSBus {
	nb := &NATSBus{
		local:  events.NewBus(),
		nodeID: nodeID,
		logger: logger.With().Str("component", "eventbus").Str("backend", "nats").Logger(),
	}

	opts := []nats.Option{
		nats.Name("sndserver " + nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			nb.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			nb.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		nb.logger.Warn().Err(err).Str("url", cfg.URL).Msg("nats unavailable, delivering locally only")
		return nb
	}
	sub, err := conn.Subscribe(natsSubjectPrefix+">", nb.handle)
	if err != nil {
		nb.logger.Warn().Err(err).Msg("nats subscribe failed, delivering locally only")
		conn.Close()
		return nb
	}
	nb.conn, nb.sub = conn, sub
	nb.logger.Info().Str("url", conn.ConnectedUrl()).Str("node_id", nodeID).Msg("nats event bus initialized")
	return nb
}

// Connected reports whether events are mirrored to NATS.
func (nb *NATSBus) Connected() bool {
	return nb.conn != nil && nb.conn.IsConnected()
}

// Subscribe registers a local subscriber; remote events are delivered to it too.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	return nb.local.Subscribe(eventType)
}

// Unsubscribe removes a subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)
}

// Publish delivers locally and to NATS.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)
	if nb.conn == nil {
		return
	}
	data, err := marshalEnvelope(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event")
		return
	}
	if err := nb.conn.Publish(natsSubjectPrefix+string(eventType), data); err != nil {
		nb.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("failed to publish event to nats")
	}
}

// Close drains the subscription and closes the connection.
func (nb *NATSBus) Close() error {
	if nb.conn == nil {
		return nil
	}
	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return err
	}
	return nil
}

func (nb *NATSBus) handle(msg *nats.Msg) {
	env, err := unmarshalEnvelope(msg.Data)
	if err != nil {
		nb.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event")
		return
	}
	if env.NodeID == nb.nodeID {
		return
	}
	if strings.TrimPrefix(msg.Subject, natsSubjectPrefix) != string(env.EventType) {
		nb.logger.Warn().Str("subject", msg.Subject).Msg("event type does not match subject")
		return
	}
	nb.local.Publish(env.EventType, env.Payload)
}
