/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

// InboxTransport delivers to mobile devices by writing an inbox
// notification for the device owner. The app polls its inbox.
type InboxTransport struct {
	db *gorm.DB
}

// NewInboxTransport creates the mobile transport.
func NewInboxTransport(db *gorm.DB) *InboxTransport {
	return &InboxTransport{db: db}
}

func (t *InboxTransport) Name() string { return "inbox" }

func (t *InboxTransport) Accepts(kind models.TargetType) bool { return kind == models.TargetMobile }

func (t *InboxTransport) Deliver(ctx context.Context, d Delivery) error {
	if d.Target.UserID == "" {
		return fmt.Errorf("device %s has no owner", d.Target.DeviceID)
	}
	kind := models.NotificationTypeBroadcast
	if d.Template.IsEmergency || d.Run.RunType == models.RunEmergency {
		kind = models.NotificationTypeEmergency
	}
	body := d.Template.TextContent
	if body == "" {
		body = d.Template.Name
	}
	deviceID := d.Target.DeviceID
	runID := d.Run.ID
	n := &models.Notification{
		ID:               uuid.NewString(),
		UserID:           d.Target.UserID,
		DeviceID:         &deviceID,
		NotificationType: kind,
		Title:            d.Template.Name,
		Body:             body,
		Status:           models.NotificationStatusSent,
		RunID:            &runID,
		Data: map[string]any{
			"template_id":  d.Template.ID,
			"content_type": string(d.Template.ContentType),
			"media_url":    d.Template.MediaURL,
		},
	}
	if err := t.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}
