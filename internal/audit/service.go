/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audit records staff operations on broadcast resources.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

// rule maps an event to the audit action it produces.
type rule struct {
	action       models.AuditAction
	resourceType string
}

var rules = map[events.EventType]rule{
	events.EventTemplateCreated:     {models.AuditActionTemplateCreate, "template"},
	events.EventTemplateUpdated:     {models.AuditActionTemplateUpdate, "template"},
	events.EventTemplateDeleted:     {models.AuditActionTemplateDelete, "template"},
	events.EventScheduleCreated:     {models.AuditActionScheduleCreate, "schedule"},
	events.EventScheduleUpdated:     {models.AuditActionScheduleUpdate, "schedule"},
	events.EventScheduleDeleted:     {models.AuditActionScheduleDelete, "schedule"},
	events.EventAuditDeviceRegister: {models.AuditActionDeviceRegister, "hall_device"},
	events.EventAuditDeviceRevoke:   {models.AuditActionDeviceRevoke, "hall_device"},
	events.EventAuditWebhookCreate:  {models.AuditActionWebhookCreate, "webhook"},
	events.EventAuditWebhookDelete:  {models.AuditActionWebhookDelete, "webhook"},
	events.EventAuditFilesReorder:   {models.AuditActionFilesReorder, "broadcast_file"},
}

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db     *gorm.DB
	bus    events.Source
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus events.Source, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to catalog and run events and logs them as audit
// entries in the background until ctx is done.
func (s *Service) Start(ctx context.Context) {
	types := make([]events.EventType, 0, len(rules)+2)
	for et := range rules {
		types = append(types, et)
	}
	types = append(types, events.EventRunOpened, events.EventRunClosed)

	merged := events.Merge(ctx, s.bus, types...)
	s.logger.Info().Int("event_types", len(types)).Msg("audit service started")
	go func() {
		for ev := range merged {
			s.handle(ctx, ev)
		}
		s.logger.Info().Msg("audit service stopped")
	}()
}

func (s *Service) handle(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.EventRunOpened:
		// Scheduled runs are the trigger's business, not a staff action.
		switch models.RunType(ev.Payload.String("run_type")) {
		case models.RunManual:
			s.logRun(ctx, models.AuditActionRunManual, ev.Payload)
		case models.RunEmergency:
			s.logRun(ctx, models.AuditActionRunEmergency, ev.Payload)
		}
	case events.EventRunClosed:
		if models.RunStatus(ev.Payload.String("status")) == models.RunCancelled {
			s.logRun(ctx, models.AuditActionRunCancel, ev.Payload)
		}
	default:
		if r, ok := rules[ev.Type]; ok {
			s.logAuditEntry(ctx, r.action, r.resourceType, ev.Payload)
		}
	}
}

func (s *Service) logRun(ctx context.Context, action models.AuditAction, payload events.Payload) {
	p := make(events.Payload, len(payload)+2)
	for k, v := range payload {
		p[k] = v
	}
	p["resource_id"] = payload.String("run_id")
	if _, ok := p["user_id"]; !ok {
		p["user_id"] = payload.String("triggered_by")
	}
	s.logAuditEntry(ctx, action, "broadcast_run", p)
}

// logAuditEntry creates an audit log entry from an event payload.
func (s *Service) logAuditEntry(ctx context.Context, action models.AuditAction, resourceType string, payload events.Payload) {
	entry := &models.AuditLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   payload.String("resource_id"),
		IPAddress:    payload.String("ip_address"),
		UserAgent:    payload.String("user_agent"),
		Details:      make(map[string]any),
	}
	if userID := payload.String("user_id"); userID != "" {
		entry.UserID = &userID
	}
	if orgID := payload.String("organization_id"); orgID != "" {
		entry.OrganizationID = &orgID
	}

	for k, v := range payload {
		switch k {
		case "user_id", "organization_id", "resource_id", "ip_address", "user_agent", "triggered_by":
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to log audit entry")
	}
}

// Log records an audit entry directly.
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Str("id", entry.ID).
		Msg("audit entry logged")
	return nil
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	OrganizationID *string
	UserID         *string
	Action         *models.AuditAction
	StartTime      *time.Time
	EndTime        *time.Time
	Limit          int
	Offset         int
}

// Query retrieves audit logs with filters, newest first.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.OrganizationID != nil {
		query = query.Where("organization_id = ?", *filters.OrganizationID)
	}
	if filters.UserID != nil {
		query = query.Where("user_id = ?", *filters.UserID)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filters.Limit > 0 && filters.Limit <= 500 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	if err := query.Order("timestamp DESC, id DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
