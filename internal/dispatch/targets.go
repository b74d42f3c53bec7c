/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

// DBResolver resolves targets from registered hall and user devices.
type DBResolver struct {
	db *gorm.DB
}

// NewDBResolver creates a resolver backed by db.
func NewDBResolver(db *gorm.DB) *DBResolver {
	return &DBResolver{db: db}
}

// Resolve returns the ACTIVE devices of the organization covered by the
// template's target type. A non-empty TargetIDs list restricts the result
// to those device ids.
func (r *DBResolver) Resolve(ctx context.Context, organizationID string, tmpl *models.BroadcastTemplate) ([]Target, error) {
	var targets []Target

	if tmpl.TargetType.Includes(models.TargetHall) {
		var halls []models.HallDevice
		q := r.db.WithContext(ctx).
			Where("organization_id = ? AND lifecycle = ?", organizationID, models.LifecycleActive)
		if len(tmpl.TargetIDs) > 0 {
			q = q.Where("id IN ?", tmpl.TargetIDs)
		}
		if err := q.Order("created_at ASC, id ASC").Find(&halls).Error; err != nil {
			return nil, fmt.Errorf("load hall devices: %w", err)
		}
		for _, h := range halls {
			targets = append(targets, Target{Kind: models.TargetHall, DeviceID: h.ID, OrganizationID: organizationID})
		}
	}

	if tmpl.TargetType.Includes(models.TargetMobile) {
		var phones []models.UserDevice
		q := r.db.WithContext(ctx).
			Where("organization_id = ? AND lifecycle = ?", organizationID, models.LifecycleActive)
		if len(tmpl.TargetIDs) > 0 {
			q = q.Where("id IN ?", tmpl.TargetIDs)
		}
		if err := q.Order("created_at ASC, id ASC").Find(&phones).Error; err != nil {
			return nil, fmt.Errorf("load user devices: %w", err)
		}
		for _, p := range phones {
			targets = append(targets, Target{Kind: models.TargetMobile, DeviceID: p.ID, OrganizationID: organizationID, UserID: p.UserID})
		}
	}

	return targets, nil
}
