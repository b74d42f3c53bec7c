/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "strings"

// RoleName enumerates the RBAC roles carried in staff tokens.
type RoleName string

const (
	RoleAdmin  RoleName = "admin"
	RoleStaff  RoleName = "staff"
	RoleViewer RoleName = "viewer"
)

// NormalizeRole maps role names issued by older clients onto the current set.
// Unknown roles collapse to viewer.
func NormalizeRole(role string) RoleName {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "admin", "super_admin", "director":
		return RoleAdmin
	case "staff", "manager", "caregiver", "driver":
		return RoleStaff
	}
	return RoleViewer
}

// All returns every model migrated by the service, in dependency order.
func All() []any {
	return []any{
		&BroadcastTemplate{},
		&BroadcastSchedule{},
		&BroadcastRun{},
		&BroadcastFile{},
		&HallDevice{},
		&UserDevice{},
		&Notification{},
		&AuditLog{},
		&WebhookTarget{},
		&WebhookLog{},
	}
}
