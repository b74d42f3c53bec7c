/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WebhookEventType defines types of webhook events.
type WebhookEventType string

const (
	WebhookEventRunOpened WebhookEventType = "run_opened"
	WebhookEventRunClosed WebhookEventType = "run_closed"
)

// WebhookTarget stores webhook configuration for an organization.
type WebhookTarget struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID string    `gorm:"type:uuid;index;not null" json:"organization_id"`
	URL            string    `gorm:"type:varchar(512);not null" json:"url"`
	Events         string    `gorm:"type:varchar(255)" json:"events"` // comma-separated: run_opened,run_closed
	Secret         string    `gorm:"type:varchar(255)" json:"-"`      // for HMAC signing
	Lifecycle      Lifecycle `gorm:"type:varchar(16);not null;default:'ACTIVE'" json:"lifecycle"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (WebhookTarget) TableName() string {
	return "webhook_targets"
}

// NewWebhookTarget creates a new webhook target with a random secret.
func NewWebhookTarget(organizationID, url, events string) *WebhookTarget {
	return &WebhookTarget{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		URL:            url,
		Events:         events,
		Secret:         uuid.NewString(),
		Lifecycle:      LifecycleActive,
	}
}

// Subscribes reports whether the target wants the event.
func (t *WebhookTarget) Subscribes(event WebhookEventType) bool {
	return slices.ContainsFunc(strings.Split(t.Events, ","), func(e string) bool {
		return strings.TrimSpace(e) == string(event)
	})
}

// WebhookLog records webhook delivery attempts.
type WebhookLog struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	TargetID   string    `gorm:"type:uuid;index;not null" json:"target_id"`
	Event      string    `gorm:"type:varchar(64);not null" json:"event"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	StatusCode int       `json:"status_code"`
	Response   string    `gorm:"type:text" json:"response,omitempty"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	Duration   int       `json:"duration_ms"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the table name for GORM.
func (WebhookLog) TableName() string {
	return "webhook_logs"
}
