/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package agenda answers "what fires today" for an organization, reading
// schedules from the database and caching the evaluated result.
package agenda

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/cache"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
	"github.com/Metaroadcorp/snd-system-test/internal/telemetry"
)

// Service evaluates organization agendas.
type Service struct {
	db     *gorm.DB
	cache  *cache.Cache
	loc    *time.Location
	logger zerolog.Logger
}

// New creates an agenda service. A nil cache disables caching.
func New(db *gorm.DB, c *cache.Cache, loc *time.Location, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		db:     db,
		cache:  c,
		loc:    loc,
		logger: logger.With().Str("component", "agenda").Logger(),
	}
}

// Location returns the time zone agendas are evaluated in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// LocalDate returns the calendar date of t in the service time zone.
func (s *Service) LocalDate(t time.Time) recurrence.Date {
	return recurrence.DateOf(t.In(s.loc))
}

// ActiveSchedules loads an organization's ACTIVE schedules with their
// templates.
func (s *Service) ActiveSchedules(ctx context.Context, organizationID string) ([]models.BroadcastSchedule, error) {
	var schedules []models.BroadcastSchedule
	err := s.db.WithContext(ctx).
		Preload("Template").
		Where("organization_id = ? AND lifecycle = ?", organizationID, models.LifecycleActive).
		Order("scheduled_time ASC, id ASC").
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	return schedules, nil
}

// Today returns the schedules of an organization that fire on date, ordered
// by time of day. Cached agendas are served when present.
func (s *Service) Today(ctx context.Context, organizationID string, date recurrence.Date) ([]models.BroadcastSchedule, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetAgenda(ctx, organizationID, date); ok {
			return cached, nil
		}
	}
	return s.Due(ctx, organizationID, date)
}

// Due evaluates an organization's agenda from the database, ignoring any
// cached copy, and refreshes the cache with the result. Firing decisions
// go through Due so a stale cache never fires a deactivated schedule.
func (s *Service) Due(ctx context.Context, organizationID string, date recurrence.Date) ([]models.BroadcastSchedule, error) {
	schedules, err := s.ActiveSchedules(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	due := recurrence.DueOn(schedules, date)
	telemetry.EvaluatorDueSchedules.Observe(float64(len(due)))

	if s.cache != nil {
		if err := s.cache.SetAgenda(ctx, organizationID, date, due, s.loc); err != nil {
			s.logger.Debug().Err(err).Str("organization_id", organizationID).Msg("agenda not cached")
		}
	}
	return due, nil
}

// Organizations lists organizations with at least one ACTIVE schedule.
func (s *Service) Organizations(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.BroadcastSchedule{}).
		Where("lifecycle = ?", models.LifecycleActive).
		Distinct("organization_id").
		Order("organization_id").
		Pluck("organization_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	return ids, nil
}

// Warm evaluates and caches every organization's agenda for date. It
// returns the number of organizations processed.
func (s *Service) Warm(ctx context.Context, date recurrence.Date) (int, error) {
	orgs, err := s.Organizations(ctx)
	if err != nil {
		return 0, err
	}
	for _, org := range orgs {
		if _, err := s.Due(ctx, org, date); err != nil {
			s.logger.Warn().Err(err).Str("organization_id", org).Msg("agenda warm failed")
		}
	}
	s.logger.Debug().Int("organizations", len(orgs)).Str("date", date.String()).Msg("agendas warmed")
	return len(orgs), nil
}
