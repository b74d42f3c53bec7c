/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction defines the type of audited action.
type AuditAction string

const (
	AuditActionTemplateCreate AuditAction = "template.create"
	AuditActionTemplateUpdate AuditAction = "template.update"
	AuditActionTemplateDelete AuditAction = "template.delete"
	AuditActionScheduleCreate AuditAction = "schedule.create"
	AuditActionScheduleUpdate AuditAction = "schedule.update"
	AuditActionScheduleDelete AuditAction = "schedule.delete"
	AuditActionRunManual      AuditAction = "run.manual"
	AuditActionRunEmergency   AuditAction = "run.emergency"
	AuditActionRunCancel      AuditAction = "run.cancel"
	AuditActionDeviceRegister AuditAction = "device.register"
	AuditActionDeviceRevoke   AuditAction = "device.revoke"
	AuditActionWebhookCreate  AuditAction = "webhook.create"
	AuditActionWebhookDelete  AuditAction = "webhook.delete"
	AuditActionFilesReorder   AuditAction = "files.reorder"
)

// AuditLog records staff operations on broadcast resources.
type AuditLog struct {
	ID             string         `gorm:"type:uuid;primaryKey" json:"id"`
	Timestamp      time.Time      `gorm:"index:idx_audit_timestamp;not null" json:"timestamp"`
	UserID         *string        `gorm:"type:uuid;index:idx_audit_user" json:"user_id,omitempty"` // NULL for scheduler actions
	OrganizationID *string        `gorm:"type:uuid;index:idx_audit_org" json:"organization_id,omitempty"`
	Action         AuditAction    `gorm:"type:varchar(64);index:idx_audit_action;not null" json:"action"`
	ResourceType   string         `gorm:"type:varchar(64)" json:"resource_type"`
	ResourceID     string         `gorm:"type:uuid" json:"resource_id"`
	Details        map[string]any `gorm:"type:jsonb;serializer:json" json:"details,omitempty"`
	IPAddress      string         `gorm:"type:varchar(45)" json:"ip_address,omitempty"`
	UserAgent      string         `gorm:"type:varchar(512)" json:"user_agent,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TableName returns the table name for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}
