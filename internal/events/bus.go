/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Run lifecycle
	EventRunOpened     EventType = "broadcast.run.opened"
	EventRunDeliveries EventType = "broadcast.run.deliveries"
	EventRunClosed     EventType = "broadcast.run.closed"

	// Catalog changes, also used for agenda cache invalidation
	EventScheduleCreated EventType = "broadcast.schedule.created"
	EventScheduleUpdated EventType = "broadcast.schedule.updated"
	EventScheduleDeleted EventType = "broadcast.schedule.deleted"
	EventTemplateCreated EventType = "broadcast.template.created"
	EventTemplateUpdated EventType = "broadcast.template.updated"
	EventTemplateDeleted EventType = "broadcast.template.deleted"

	// Audit-only events
	EventAuditDeviceRegister EventType = "audit.device.register"
	EventAuditDeviceRevoke   EventType = "audit.device.revoke"
	EventAuditWebhookCreate  EventType = "audit.webhook.create"
	EventAuditWebhookDelete  EventType = "audit.webhook.delete"
	EventAuditFilesReorder   EventType = "audit.files.reorder"

	EventLeaderChanged EventType = "scheduler.leader_changed"
)

// RunEvents are the event types streamed to live clients and webhooks.
var RunEvents = []EventType{EventRunOpened, EventRunDeliveries, EventRunClosed}

// ScheduleEvents invalidate cached agendas.
var ScheduleEvents = []EventType{EventScheduleCreated, EventScheduleUpdated, EventScheduleDeleted, EventTemplateUpdated, EventTemplateDeleted}

// Payload generic event payload.
type Payload map[string]any

// String returns the string value at key, or "".
func (p Payload) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Subscriber receives event payloads.
type Subscriber chan Payload

// Publisher is the write side of a bus, satisfied by Bus and the
// distributed buses in package eventbus.
type Publisher interface {
	Publish(eventType EventType, payload Payload)
}

// Bus implements a simple in-process pubsub. Slow subscribers drop events
// rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 32)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes it.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}
