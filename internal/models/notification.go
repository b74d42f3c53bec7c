/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// NotificationType defines the type of notification.
type NotificationType string

const (
	NotificationTypeBroadcast NotificationType = "BROADCAST" // broadcast cue for a mobile device
	NotificationTypeEmergency NotificationType = "EMERGENCY" // emergency broadcast cue
)

// NotificationStatus defines the delivery status.
type NotificationStatus string

// NotificationStatusSent marks an entry delivered to the inbox.
const NotificationStatusSent NotificationStatus = "sent"

// Notification is an inbox entry shown in the mobile app.
type Notification struct {
	ID               string             `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           string             `gorm:"type:uuid;index:idx_notifications_user;not null" json:"user_id"`
	DeviceID         *string            `gorm:"type:uuid" json:"device_id,omitempty"`
	NotificationType NotificationType   `gorm:"type:varchar(32);index:idx_notifications_type;not null" json:"notification_type"`
	Title            string             `gorm:"type:varchar(255)" json:"title,omitempty"`
	Body             string             `gorm:"type:text;not null" json:"body"`
	Status           NotificationStatus `gorm:"type:varchar(32);not null;default:'sent'" json:"status"`
	ReadAt           *time.Time         `json:"read_at,omitempty"`

	// Run that produced the notification.
	RunID *string `gorm:"type:uuid;index" json:"run_id,omitempty"`

	Data map[string]any `gorm:"type:jsonb;serializer:json" json:"data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for GORM.
func (Notification) TableName() string {
	return "notifications"
}
