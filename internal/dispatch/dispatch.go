/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dispatch delivers an opened run to its target devices and closes
// it in the ledger with the aggregated outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Metaroadcorp/snd-system-test/internal/ledger"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/telemetry"
)

// ErrNoTransport is recorded for targets no configured transport accepts.
var ErrNoTransport = errors.New("no transport for target")

// Target is one device a run is delivered to.
type Target struct {
	Kind           models.TargetType // TargetHall or TargetMobile
	DeviceID       string
	OrganizationID string
	// UserID owns mobile devices.
	UserID string
}

// Delivery is the unit of work handed to a transport.
type Delivery struct {
	Run      *models.BroadcastRun
	Template *models.BroadcastTemplate
	Target   Target
}

// Transport delivers to one kind of device.
type Transport interface {
	Name() string
	Accepts(kind models.TargetType) bool
	Deliver(ctx context.Context, d Delivery) error
}

// Resolver lists the devices a template reaches within an organization.
type Resolver interface {
	Resolve(ctx context.Context, organizationID string, tmpl *models.BroadcastTemplate) ([]Target, error)
}

// Closer is the ledger side used by the dispatcher.
type Closer interface {
	RecordDeliveries(ctx context.Context, runID string, outcomes models.DeviceOutcomes) error
	Close(ctx context.Context, runID string, status models.RunStatus, result models.RunResult) (*models.BroadcastRun, error)
}

// Config tunes fan-out.
type Config struct {
	Concurrency int
	RatePerSec  float64
	Timeout     time.Duration
}

// Dispatcher fans a run out over its transports.
type Dispatcher struct {
	ledger     Closer
	resolver   Resolver
	transports []Transport
	cfg        Config
	limiter    *rate.Limiter
	logger     zerolog.Logger

	wg sync.WaitGroup
}

// New creates a dispatcher. A non-positive rate disables throttling.
func New(l Closer, resolver Resolver, transports []Transport, cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &Dispatcher{
		ledger:     l,
		resolver:   resolver,
		transports: transports,
		cfg:        cfg,
		limiter:    limiter,
		logger:     logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch delivers run to every target of tmpl, records the outcomes and
// closes the run. Partial failures still close COMPLETED with the failures
// counted; see closingStatus. The run is closed even when ctx is cancelled
// midway.
func (d *Dispatcher) Dispatch(ctx context.Context, run *models.BroadcastRun, tmpl *models.BroadcastTemplate) (*models.BroadcastRun, error) {
	start := time.Now()
	defer func() { telemetry.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	targets, err := d.resolver.Resolve(ctx, run.OrganizationID, tmpl)
	if err != nil {
		d.logger.Error().Err(err).Str("run_id", run.ID).Msg("target resolution failed")
		return d.close(run.ID, models.RunFailed, models.RunResult{Errors: []string{fmt.Sprintf("resolve targets: %v", err)}})
	}

	outcomes := d.fanOut(ctx, run, tmpl, targets)

	// Closing must survive the delivery deadline.
	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer closeCancel()
	if err := d.ledger.RecordDeliveries(closeCtx, run.ID, outcomes); err != nil {
		return nil, err
	}

	result := outcomes.Summarize()
	return d.closeWith(closeCtx, run.ID, closingStatus(result), result)
}

// closingStatus is FAILED only when targets existed and none was reached.
// A run without targets completes with zero totals.
func closingStatus(result models.RunResult) models.RunStatus {
	if result.TotalTargets > 0 && result.SuccessCount == 0 {
		return models.RunFailed
	}
	return models.RunCompleted
}

// Go dispatches in the background. Wait blocks until every background
// dispatch has finished.
func (d *Dispatcher) Go(run *models.BroadcastRun, tmpl *models.BroadcastTemplate) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Dispatch(context.Background(), run, tmpl); err != nil {
			d.logger.Error().Err(err).Str("run_id", run.ID).Msg("dispatch failed")
		}
	}()
}

// Wait blocks until background dispatches finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) fanOut(ctx context.Context, run *models.BroadcastRun, tmpl *models.BroadcastTemplate, targets []Target) models.DeviceOutcomes {
	outcomes := make(models.DeviceOutcomes, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, target := range targets {
		g.Go(func() error {
			outcomes[i] = d.deliver(gctx, Delivery{Run: run, Template: tmpl, Target: target})
			// Failures are outcomes, not group errors.
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, del Delivery) models.DeviceOutcome {
	out := models.DeviceOutcome{DeviceID: del.Target.DeviceID, Status: models.DeliveryFailed}

	tr := d.transportFor(del.Target.Kind)
	if tr == nil {
		out.Error = ErrNoTransport.Error()
		telemetry.DeliveriesTotal.WithLabelValues("none", string(models.DeliveryFailed)).Inc()
		return out
	}
	out.Transport = tr.Name()

	if err := d.limiter.Wait(ctx); err != nil {
		out.Error = err.Error()
		telemetry.DeliveriesTotal.WithLabelValues(tr.Name(), string(models.DeliveryFailed)).Inc()
		return out
	}
	if err := tr.Deliver(ctx, del); err != nil {
		out.Error = err.Error()
		d.logger.Warn().Err(err).
			Str("run_id", del.Run.ID).
			Str("device_id", del.Target.DeviceID).
			Str("transport", tr.Name()).
			Msg("delivery failed")
		telemetry.DeliveriesTotal.WithLabelValues(tr.Name(), string(models.DeliveryFailed)).Inc()
		return out
	}
	out.Status = models.DeliverySuccess
	telemetry.DeliveriesTotal.WithLabelValues(tr.Name(), string(models.DeliverySuccess)).Inc()
	return out
}

func (d *Dispatcher) transportFor(kind models.TargetType) Transport {
	for _, tr := range d.transports {
		if tr.Accepts(kind) {
			return tr
		}
	}
	return nil
}

func (d *Dispatcher) close(runID string, status models.RunStatus, result models.RunResult) (*models.BroadcastRun, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.closeWith(ctx, runID, status, result)
}

func (d *Dispatcher) closeWith(ctx context.Context, runID string, status models.RunStatus, result models.RunResult) (*models.BroadcastRun, error) {
	run, err := d.ledger.Close(ctx, runID, status, result)
	if errors.Is(err, ledger.ErrInvalidStateTransition) {
		// Cancelled by staff while deliveries were in flight.
		d.logger.Info().Str("run_id", runID).Msg("run closed elsewhere during dispatch")
		return nil, err
	}
	return run, err
}
