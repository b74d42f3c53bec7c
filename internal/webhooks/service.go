/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package webhooks posts run lifecycle events to organization endpoints.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/telemetry"
)

// Header names sent with every delivery.
const (
	HeaderEvent     = "X-SND-Event"
	HeaderSignature = "X-SND-Signature"
	HeaderTimestamp = "X-SND-Timestamp"
)

// Payload is the body sent to webhook endpoints.
type Payload struct {
	Event          models.WebhookEventType `json:"event"`
	Timestamp      time.Time               `json:"timestamp"`
	OrganizationID string                  `json:"organization_id"`
	Run            map[string]any          `json:"run,omitempty"`
}

// Options tunes the HTTP client.
type Options struct {
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// DefaultOptions returns three retries with a short backoff.
func DefaultOptions() Options {
	return Options{
		Timeout:    10 * time.Second,
		RetryCount: 3,
		RetryWait:  500 * time.Millisecond,
	}
}

// Service handles webhook delivery.
type Service struct {
	db     *gorm.DB
	bus    events.Source
	client *resty.Client
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewService creates a new webhook service.
func NewService(db *gorm.DB, bus events.Source, opts Options, logger zerolog.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "SND-Webhook/1.0").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests
		})
	return &Service{
		db:     db,
		bus:    bus,
		client: client,
		logger: logger.With().Str("component", "webhooks").Logger(),
	}
}

// Start listens for run events in the background until ctx is done.
func (s *Service) Start(ctx context.Context) {
	merged := events.Merge(ctx, s.bus, events.EventRunOpened, events.EventRunClosed)
	s.logger.Info().Msg("webhook service started")
	go func() {
		for ev := range merged {
			event := models.WebhookEventRunOpened
			if ev.Type == events.EventRunClosed {
				event = models.WebhookEventRunClosed
			}
			s.Fire(ctx, ev.Payload.String("organization_id"), event, ev.Payload)
		}
		s.logger.Info().Msg("webhook service stopped")
	}()
}

// Wait blocks until in-flight deliveries finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Fire posts event to every ACTIVE target of the organization subscribed
// to it. Deliveries run in the background.
func (s *Service) Fire(ctx context.Context, organizationID string, event models.WebhookEventType, run map[string]any) {
	if organizationID == "" {
		return
	}
	var targets []models.WebhookTarget
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND lifecycle = ?", organizationID, models.LifecycleActive).
		Find(&targets).Error; err != nil {
		s.logger.Error().Err(err).Str("organization_id", organizationID).Msg("failed to fetch webhooks")
		return
	}

	body, err := json.Marshal(Payload{
		Event:          event,
		Timestamp:      time.Now().UTC(),
		OrganizationID: organizationID,
		Run:            run,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal webhook payload")
		return
	}

	for i := range targets {
		if !targets[i].Subscribes(event) {
			continue
		}
		target := targets[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.send(context.WithoutCancel(ctx), &target, string(event), body)
		}()
	}
}

// TestWebhook sends a test payload to a webhook and reports failure.
func (s *Service) TestWebhook(ctx context.Context, target *models.WebhookTarget) error {
	body, err := json.Marshal(Payload{
		Event:          "test",
		Timestamp:      time.Now().UTC(),
		OrganizationID: target.OrganizationID,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.send(ctx, target, "test", body)
}

// send posts body and records the attempt in the webhook log.
func (s *Service) send(ctx context.Context, target *models.WebhookTarget, event string, body []byte) error {
	start := time.Now()
	req := s.client.R().
		SetContext(ctx).
		SetHeader(HeaderEvent, event).
		SetHeader(HeaderTimestamp, strconv.FormatInt(start.Unix(), 10)).
		SetBody(body)
	if target.Secret != "" {
		req.SetHeader(HeaderSignature, Sign(body, target.Secret))
	}

	resp, err := req.Post(target.URL)

	entry := &models.WebhookLog{
		ID:       uuid.NewString(),
		TargetID: target.ID,
		Event:    event,
		Payload:  string(body),
		Duration: int(time.Since(start).Milliseconds()),
		Attempts: 1,
	}
	if resp != nil {
		entry.StatusCode = resp.StatusCode()
		entry.Response = truncate(resp.String(), 1024)
		if resp.Request != nil && resp.Request.Attempt > 0 {
			entry.Attempts = resp.Request.Attempt
		}
	}

	switch {
	case err != nil:
		entry.Error = err.Error()
	case entry.StatusCode < 200 || entry.StatusCode >= 300:
		err = fmt.Errorf("webhook returned status %d", entry.StatusCode)
		entry.Error = err.Error()
	}

	status := "success"
	if err != nil {
		status = "failed"
		s.logger.Warn().Err(err).Str("webhook", target.ID).Str("url", target.URL).Str("event", event).Msg("webhook delivery failed")
	} else {
		s.logger.Debug().Str("webhook", target.ID).Str("event", event).Int("status", entry.StatusCode).Msg("webhook delivered")
	}
	telemetry.WebhookDeliveriesTotal.WithLabelValues(event, status).Inc()

	if logErr := s.db.WithContext(context.WithoutCancel(ctx)).Create(entry).Error; logErr != nil {
		s.logger.Error().Err(logErr).Msg("failed to log webhook delivery")
	}
	return err
}

// Sign returns the HMAC-SHA256 signature header value of body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
