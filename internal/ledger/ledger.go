/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ledger tracks broadcast runs from RUNNING to a terminal status.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/telemetry"
)

var (
	ErrRunNotFound            = errors.New("run not found")
	ErrInvalidStateTransition = errors.New("run is already terminal")
	ErrInvalidStatus          = errors.New("close status must be COMPLETED, FAILED or CANCELLED")
	ErrInvalidRunType         = errors.New("invalid run type")
	ErrMissingTemplate        = errors.New("template id is required")
	ErrMissingOrganization    = errors.New("organization id is required")
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Store persists runs. Implementations perform the RUNNING check and the
// write as one atomic step.
type Store interface {
	Insert(ctx context.Context, run *models.BroadcastRun) error
	// CloseRunning moves a RUNNING run to a terminal status. It reports
	// false when no RUNNING row with that id exists.
	CloseRunning(ctx context.Context, id string, status models.RunStatus, endedAt time.Time, result models.RunResult) (bool, error)
	// AttachOutcomes stores delivery outcomes on a RUNNING run.
	AttachOutcomes(ctx context.Context, id string, outcomes models.DeviceOutcomes) (bool, error)
	Get(ctx context.Context, id string) (*models.BroadcastRun, error)
	ListByOrganization(ctx context.Context, organizationID string, limit int) ([]models.BroadcastRun, error)
}

// OpenRequest describes a run to open.
type OpenRequest struct {
	TemplateID     string
	OrganizationID string
	RunType        models.RunType
	TriggeredBy    *string
	ScheduleID     *string

	// FireKey deduplicates scheduled firings across nodes.
	FireKey *string
	// Template, when set, is snapshotted into the run.
	Template *models.BroadcastTemplate
}

// Ledger is the run state machine.
type Ledger struct {
	store  Store
	bus    events.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPublisher publishes run lifecycle events to bus.
func WithPublisher(bus events.Publisher) Option {
	return func(l *Ledger) { l.bus = bus }
}

// New creates a ledger over store.
func New(store Store, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open creates a RUNNING run. It does not check that the template or
// schedule exist.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (*models.BroadcastRun, error) {
	if req.TemplateID == "" {
		return nil, ErrMissingTemplate
	}
	if req.OrganizationID == "" {
		return nil, ErrMissingOrganization
	}
	if !req.RunType.Valid() {
		return nil, ErrInvalidRunType
	}

	run := &models.BroadcastRun{
		ID:             uuid.NewString(),
		ScheduleID:     req.ScheduleID,
		TemplateID:     req.TemplateID,
		OrganizationID: req.OrganizationID,
		RunType:        req.RunType,
		StartedAt:      l.now().UTC(),
		Status:         models.RunRunning,
		TargetDevices:  models.DeviceOutcomes{},
		TriggeredBy:    req.TriggeredBy,
		FireKey:        req.FireKey,
	}
	if t := req.Template; t != nil {
		run.TemplateName = t.Name
		run.ContentType = t.ContentType
		run.TargetType = t.TargetType
	}

	if err := l.store.Insert(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	telemetry.RunsOpenedTotal.WithLabelValues(string(run.RunType)).Inc()
	l.logger.Info().
		Str("run_id", run.ID).
		Str("organization_id", run.OrganizationID).
		Str("template_id", run.TemplateID).
		Str("run_type", string(run.RunType)).
		Msg("run opened")
	l.publish(events.EventRunOpened, run)
	return run, nil
}

// Close moves a RUNNING run to status. A second close is rejected with
// ErrInvalidStateTransition, also when the status is the same.
func (l *Ledger) Close(ctx context.Context, runID string, status models.RunStatus, result models.RunResult) (*models.BroadcastRun, error) {
	if !status.Terminal() {
		return nil, ErrInvalidStatus
	}

	endedAt := l.now().UTC()
	closed, err := l.store.CloseRunning(ctx, runID, status, endedAt, result)
	if err != nil {
		return nil, fmt.Errorf("close run: %w", err)
	}
	if !closed {
		return nil, l.conflict(ctx, runID)
	}

	run, err := l.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	telemetry.RunsClosedTotal.WithLabelValues(string(status)).Inc()
	l.logger.Info().
		Str("run_id", run.ID).
		Str("status", string(status)).
		Int("total", result.TotalTargets).
		Int("failed", result.FailCount).
		Dur("duration", run.Duration()).
		Msg("run closed")
	l.publish(events.EventRunClosed, run)
	return run, nil
}

// RecordDeliveries attaches per-device outcomes to a RUNNING run. The
// outcomes are stored as given.
func (l *Ledger) RecordDeliveries(ctx context.Context, runID string, outcomes models.DeviceOutcomes) error {
	ok, err := l.store.AttachOutcomes(ctx, runID, outcomes)
	if err != nil {
		return fmt.Errorf("record deliveries: %w", err)
	}
	if !ok {
		return l.conflict(ctx, runID)
	}
	if l.bus != nil {
		l.bus.Publish(events.EventRunDeliveries, events.Payload{
			"run_id":       runID,
			"device_count": len(outcomes),
		})
	}
	return nil
}

// Get returns one run.
func (l *Ledger) Get(ctx context.Context, runID string) (*models.BroadcastRun, error) {
	return l.store.Get(ctx, runID)
}

// History returns an organization's runs, newest first.
func (l *Ledger) History(ctx context.Context, organizationID string, limit int) ([]models.BroadcastRun, error) {
	return l.store.ListByOrganization(ctx, organizationID, ClampLimit(limit))
}

// ClampLimit applies the default and maximum history page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}

// conflict distinguishes a missing run from a terminal one after a failed
// conditional write.
func (l *Ledger) conflict(ctx context.Context, runID string) error {
	if _, err := l.store.Get(ctx, runID); err != nil {
		return err
	}
	telemetry.RunCloseConflictsTotal.Inc()
	l.logger.Warn().Str("run_id", runID).Msg("run already terminal")
	return ErrInvalidStateTransition
}

func (l *Ledger) publish(eventType events.EventType, run *models.BroadcastRun) {
	if l.bus == nil {
		return
	}
	payload := events.Payload{
		"run_id":          run.ID,
		"organization_id": run.OrganizationID,
		"template_id":     run.TemplateID,
		"run_type":        string(run.RunType),
		"status":          string(run.Status),
		"started_at":      run.StartedAt,
		"template_name":   run.TemplateName,
	}
	if run.ScheduleID != nil {
		payload["schedule_id"] = *run.ScheduleID
	}
	if run.TriggeredBy != nil {
		payload["triggered_by"] = *run.TriggeredBy
	}
	if run.EndedAt != nil {
		payload["ended_at"] = *run.EndedAt
		payload["result"] = run.Result
	}
	l.bus.Publish(eventType, payload)
}
