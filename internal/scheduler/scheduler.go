/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler fires due broadcast schedules on a cron cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/agenda"
	"github.com/Metaroadcorp/snd-system-test/internal/config"
	"github.com/Metaroadcorp/snd-system-test/internal/db"
	"github.com/Metaroadcorp/snd-system-test/internal/ledger"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
	"github.com/Metaroadcorp/snd-system-test/internal/telemetry"
)

// ErrTemplateNotFound is recorded on runs whose template vanished before
// the schedule fired.
var ErrTemplateNotFound = errors.New("template not found")

// DefaultLookback is how far back the first tick after startup looks.
const DefaultLookback = 2 * time.Minute

// MaxCatchUp bounds how far back a failed organization is retried.
const MaxCatchUp = 15 * time.Minute

// Opener is the ledger side used by the scheduler.
type Opener interface {
	Open(ctx context.Context, req ledger.OpenRequest) (*models.BroadcastRun, error)
	Close(ctx context.Context, runID string, status models.RunStatus, result models.RunResult) (*models.BroadcastRun, error)
}

// Dispatcher hands an opened run to delivery without blocking the tick.
type Dispatcher interface {
	Go(run *models.BroadcastRun, tmpl *models.BroadcastTemplate)
}

// Config holds the cron specs of the scheduler jobs.
type Config struct {
	TickSpec string
	WarmSpec string
	Lookback time.Duration
}

// Service opens a SCHEDULED run for every schedule whose fire time falls
// inside the window since the previous tick.
type Service struct {
	db         *gorm.DB
	agenda     *agenda.Service
	ledger     Opener
	dispatcher Dispatcher
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	lastTick time.Time
	// retryFrom holds the window start of organizations whose last tick
	// failed.
	retryFrom map[string]time.Time

	warnMu     sync.Mutex
	warnedKeys map[string]struct{}
}

// New constructs the scheduler service.
func New(database *gorm.DB, agendas *agenda.Service, l Opener, dispatcher Dispatcher, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.TickSpec == "" {
		cfg.TickSpec = "@every 30s"
	}
	return &Service{
		db:         database,
		agenda:     agendas,
		ledger:     l,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
		retryFrom:  make(map[string]time.Time),
		warnedKeys: make(map[string]struct{}),
	}
}

// FireKey identifies one firing of a schedule.
func FireKey(scheduleID string, date recurrence.Date, at recurrence.TimeOfDay) string {
	return scheduleID + "@" + date.String() + "T" + at.String()
}

// Run executes the cron jobs until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(s.agenda.Location()),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)

	if _, err := c.AddFunc(s.cfg.TickSpec, func() {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("scheduler tick failed")
		}
	}); err != nil {
		return fmt.Errorf("add tick job: %w", err)
	}
	if s.cfg.WarmSpec != "" {
		if _, err := c.AddFunc(s.cfg.WarmSpec, func() { s.Warm(ctx) }); err != nil {
			return fmt.Errorf("add agenda warm job: %w", err)
		}
	}

	c.Start()
	s.logger.Info().Str("tick", s.cfg.TickSpec).Str("warm", s.cfg.WarmSpec).Msg("scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
	return ctx.Err()
}

// Warm caches today's agendas.
func (s *Service) Warm(ctx context.Context) {
	date := s.agenda.LocalDate(s.now())
	if _, err := s.agenda.Warm(ctx, date); err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("warm").Inc()
		s.logger.Warn().Err(err).Msg("agenda warm failed")
	}
}

// Tick fires every schedule due in (previous tick, now]. The first tick
// looks back by the configured lookback, and an organization whose previous
// tick failed is retried from where it failed. It returns the number of
// runs opened.
func (s *Service) Tick(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer func() { telemetry.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	s.mu.Lock()
	from := s.lastTick
	if from.IsZero() {
		from = now.Add(-s.cfg.Lookback)
	}
	if !now.After(from) {
		s.mu.Unlock()
		return 0, nil
	}
	s.lastTick = now
	retries := s.retryFrom
	s.retryFrom = make(map[string]time.Time)
	s.mu.Unlock()

	orgs, err := s.agenda.Organizations(ctx)
	if err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("load_organizations").Inc()
		s.rewind(from, now, retries)
		return 0, err
	}

	fired := 0
	for _, org := range orgs {
		orgFrom := s.windowStart(org, retries[org], from, now)
		n, err := s.tickOrganization(ctx, org, orgFrom, now)
		fired += n
		if err != nil {
			telemetry.SchedulerErrorsTotal.WithLabelValues("organization").Inc()
			s.logger.Warn().Err(err).Str("organization_id", org).Msg("organization tick failed, retrying next tick")
			s.mu.Lock()
			s.retryFrom[org] = orgFrom
			s.mu.Unlock()
		}
	}
	return fired, nil
}

// windowStart returns the earlier of the tick window start and a pending
// retry, never further back than MaxCatchUp.
func (s *Service) windowStart(organizationID string, retry, from, now time.Time) time.Time {
	if retry.IsZero() || !retry.Before(from) {
		return from
	}
	if limit := now.Add(-MaxCatchUp); retry.Before(limit) {
		s.logger.Warn().
			Str("organization_id", organizationID).
			Time("retry_from", retry).
			Msg("dropping firings older than the catch-up limit")
		if !limit.Before(from) {
			return from
		}
		return limit
	}
	return retry
}

// rewind restores the window start so a failed tick is retried.
func (s *Service) rewind(from, now time.Time, retries map[string]time.Time) {
	s.mu.Lock()
	if s.lastTick.Equal(now) {
		s.lastTick = from
	}
	for org, at := range retries {
		if cur, ok := s.retryFrom[org]; !ok || at.Before(cur) {
			s.retryFrom[org] = at
		}
	}
	s.mu.Unlock()
}

func (s *Service) tickOrganization(ctx context.Context, organizationID string, from, now time.Time) (fired int, err error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "tickOrganization", attribute.String("organization_id", organizationID))
	defer func() { telemetry.EndSpan(span, err) }()

	loc := s.agenda.Location()
	last := recurrence.DateOf(now.In(loc))
	var fireErr error
	for day := recurrence.DateOf(from.In(loc)); !day.After(last); day = day.AddDays(1) {
		// Due reads the database; a cached agenda may predate a deactivation.
		due, err := s.agenda.Due(ctx, organizationID, day)
		if err != nil {
			return fired, err
		}
		for i := range due {
			at := day.At(due[i].ScheduledTime, loc)
			if !at.After(from) || at.After(now) {
				continue
			}
			ok, err := s.fire(ctx, &due[i], day)
			if err != nil {
				telemetry.SchedulerErrorsTotal.WithLabelValues("fire").Inc()
				s.logger.Error().Err(err).Str("schedule_id", due[i].ID).Msg("failed to fire schedule")
				if fireErr == nil {
					fireErr = fmt.Errorf("fire schedule %s: %w", due[i].ID, err)
				}
				continue
			}
			if ok {
				fired++
			}
		}
	}
	return fired, fireErr
}

// fire opens the run of one firing. It reports false when the firing was
// already recorded.
func (s *Service) fire(ctx context.Context, sched *models.BroadcastSchedule, day recurrence.Date) (bool, error) {
	key := FireKey(sched.ID, day, sched.ScheduledTime)
	scheduleID := sched.ID

	tmpl, err := s.loadTemplate(ctx, sched.TemplateID)
	if err != nil && !errors.Is(err, ErrTemplateNotFound) {
		return false, err
	}

	run, openErr := s.ledger.Open(ctx, ledger.OpenRequest{
		TemplateID:     sched.TemplateID,
		OrganizationID: sched.OrganizationID,
		RunType:        models.RunScheduled,
		ScheduleID:     &scheduleID,
		FireKey:        &key,
		Template:       tmpl,
	})
	if db.IsDuplicate(openErr) {
		telemetry.SchedulerDuplicatesTotal.Inc()
		s.logger.Debug().Str("fire_key", key).Msg("firing already recorded")
		return false, nil
	}
	if openErr != nil {
		return false, openErr
	}
	telemetry.SchedulerFiredTotal.Inc()

	if tmpl == nil {
		s.warnOnce("missing_template:"+sched.ID, func(e *zerolog.Event) {
			e.Str("schedule_id", sched.ID).Str("template_id", sched.TemplateID).Msg("schedule references a missing template")
		})
		_, err := s.ledger.Close(ctx, run.ID, models.RunFailed, models.RunResult{Errors: []string{ErrTemplateNotFound.Error()}})
		return true, err
	}

	s.logger.Info().
		Str("schedule_id", sched.ID).
		Str("run_id", run.ID).
		Str("fire_key", key).
		Msg("schedule fired")
	if s.dispatcher != nil {
		s.dispatcher.Go(run, tmpl)
	}
	return true, nil
}

func (s *Service) loadTemplate(ctx context.Context, id string) (*models.BroadcastTemplate, error) {
	var tmpl models.BroadcastTemplate
	err := s.db.WithContext(ctx).
		Where("id = ? AND lifecycle <> ?", id, models.LifecycleArchived).
		First(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	return &tmpl, nil
}

func (s *Service) warnOnce(key string, logFn func(e *zerolog.Event)) {
	s.warnMu.Lock()
	if _, ok := s.warnedKeys[key]; ok {
		s.warnMu.Unlock()
		return
	}
	s.warnedKeys[key] = struct{}{}
	s.warnMu.Unlock()

	logFn(s.logger.Warn())
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
