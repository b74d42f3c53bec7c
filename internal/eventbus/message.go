/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges the in-process event bus across service instances.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
)

// Bus is the event bus used by the service: in-process delivery plus an
// optional remote fan-out.
type Bus interface {
	Subscribe(eventType events.EventType) events.Subscriber
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
	Publish(eventType events.EventType, payload events.Payload)
	Close() error
}

// envelope is the wire form of a bridged event.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	NodeID    string           `json:"node_id"`
	SentAt    time.Time        `json:"sent_at"`
}

func marshalEnvelope(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(envelope{
		EventType: eventType,
		Payload:   payload,
		NodeID:    nodeID,
		SentAt:    time.Now().UTC(),
	})
}

func unmarshalEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("envelope without event type")
	}
	return &env, nil
}

// NewNodeID returns a random node identity.
func NewNodeID() string {
	return "node-" + uuid.NewString()[:8]
}

// Local is the single-instance bus.
type Local struct {
	*events.Bus
}

// NewLocal wraps a fresh in-process bus.
func NewLocal() *Local {
	return &Local{Bus: events.NewBus()}
}

// Close is a no-op.
func (*Local) Close() error { return nil }
