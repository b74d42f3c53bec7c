/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// HallDevice is a display PC in a day-care hall that plays broadcasts.
// Devices authenticate with a key shown once at registration; only a
// bcrypt hash and a lookup prefix are stored.
type HallDevice struct {
	ID             string     `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID string     `gorm:"type:uuid;index;not null" json:"organization_id"`
	Name           string     `gorm:"type:varchar(200);not null" json:"name"`
	Location       string     `gorm:"type:varchar(200)" json:"location,omitempty"`
	KeyHash        string     `gorm:"not null" json:"-"`
	KeyPrefix      string     `gorm:"size:12;uniqueIndex" json:"key_prefix"`
	Lifecycle      Lifecycle  `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"lifecycle"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (HallDevice) TableName() string {
	return "hall_devices"
}

// IsActive reports whether the device may receive broadcasts.
func (d *HallDevice) IsActive() bool {
	return d.Lifecycle == LifecycleActive
}

// MobileDeviceType enumerates app platforms.
type MobileDeviceType string

const (
	MobileIOS     MobileDeviceType = "IOS"
	MobileAndroid MobileDeviceType = "ANDROID"
	MobileWeb     MobileDeviceType = "WEB"
)

// UserDevice is a staff or guardian phone registered by the mobile app.
type UserDevice struct {
	ID             string           `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         string           `gorm:"type:uuid;index;not null" json:"user_id"`
	OrganizationID string           `gorm:"type:uuid;index;not null" json:"organization_id"`
	DeviceType     MobileDeviceType `gorm:"type:varchar(16);not null" json:"device_type"`
	DeviceToken    string           `gorm:"type:varchar(255)" json:"-"`
	DeviceInfo     map[string]any   `gorm:"type:jsonb;serializer:json" json:"device_info,omitempty"`
	Lifecycle      Lifecycle        `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"lifecycle"`
	LastUsedAt     *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// TableName returns the table name for GORM.
func (UserDevice) TableName() string {
	return "user_devices"
}
