/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache keeps computed daily agendas in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
	"github.com/Metaroadcorp/snd-system-test/internal/telemetry"
)

// KeyAgenda prefixes agenda keys: snd:agenda:{org}:{date}.
const KeyAgenda = "snd:agenda:"

const (
	// DefaultMidnightSlack keeps yesterday's agenda briefly past midnight
	// for late readers.
	DefaultMidnightSlack = 10 * time.Minute
	// DefaultCooldown is how long the cache stays bypassed after an error.
	DefaultCooldown = 30 * time.Second
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MidnightSlack time.Duration
	Cooldown      time.Duration
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:     "localhost:6379",
		MidnightSlack: DefaultMidnightSlack,
		Cooldown:      DefaultCooldown,
	}
}

// Cache is a Redis-backed agenda cache. A nil client makes every call a
// pass-through miss.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config
	now    func() time.Time

	mu            sync.RWMutex
	disabledUntil time.Time
}

// New connects to Redis. An unreachable server yields a disabled cache, not
// an error.
func New(cfg Config, logger zerolog.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis cache unavailable, running without caching")
		_ = client.Close()
		return Disabled(logger)
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("redis agenda cache initialized")
	return NewWithClient(client, cfg, logger)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config, logger zerolog.Logger) *Cache {
	if cfg.MidnightSlack <= 0 {
		cfg.MidnightSlack = DefaultMidnightSlack
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
		now:    time.Now,
	}
}

// Disabled returns a cache that never stores anything.
func Disabled(logger zerolog.Logger) *Cache {
	return &Cache{logger: logger.With().Str("component", "cache").Logger(), now: time.Now}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable reports whether the cache is operational.
func (c *Cache) IsAvailable() bool {
	if c == nil || c.client == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.now().Before(c.disabledUntil)
}

// handleError bypasses the cache for the cooldown period after a Redis error.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	c.mu.Lock()
	c.disabledUntil = c.now().Add(c.config.Cooldown)
	c.mu.Unlock()
	c.logger.Warn().Err(err).Str("operation", operation).Dur("cooldown", c.config.Cooldown).Msg("cache operation failed, bypassing cache")
}

// AgendaKey returns the cache key of one organization's agenda for date.
func AgendaKey(organizationID string, date recurrence.Date) string {
	return KeyAgenda + organizationID + ":" + date.String()
}

// GetAgenda returns the cached due schedules, in firing order.
func (c *Cache) GetAgenda(ctx context.Context, organizationID string, date recurrence.Date) ([]models.BroadcastSchedule, bool) {
	if !c.IsAvailable() {
		return nil, false
	}
	data, err := c.client.Get(ctx, AgendaKey(organizationID, date)).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.CacheOperationsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		c.handleError(err, "get")
		return nil, false
	}

	var agenda []models.BroadcastSchedule
	if err := json.Unmarshal(data, &agenda); err != nil {
		c.logger.Debug().Err(err).Str("organization_id", organizationID).Msg("discarding undecodable agenda")
		return nil, false
	}
	telemetry.CacheOperationsTotal.WithLabelValues("hit").Inc()
	return agenda, true
}

// SetAgenda stores an agenda until shortly after the end of date in loc.
func (c *Cache) SetAgenda(ctx context.Context, organizationID string, date recurrence.Date, agenda []models.BroadcastSchedule, loc *time.Location) error {
	if !c.IsAvailable() {
		return nil
	}
	ttl := date.AddDays(1).At(recurrence.TimeOfDay{}, loc).Sub(c.now()) + c.config.MidnightSlack
	if ttl <= 0 {
		// Past dates are not worth keeping.
		return nil
	}
	if agenda == nil {
		agenda = []models.BroadcastSchedule{}
	}
	data, err := json.Marshal(agenda)
	if err != nil {
		return fmt.Errorf("marshal agenda: %w", err)
	}
	if err := c.client.Set(ctx, AgendaKey(organizationID, date), data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	return nil
}

// InvalidateOrganization drops every cached agenda of an organization.
func (c *Cache) InvalidateOrganization(ctx context.Context, organizationID string) error {
	return c.deletePattern(ctx, KeyAgenda+organizationID+":*")
}

// FlushAgendas drops every cached agenda.
func (c *Cache) FlushAgendas(ctx context.Context) error {
	return c.deletePattern(ctx, KeyAgenda+"*")
}

func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// SCAN rather than KEYS so large keyspaces do not block Redis.
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete")
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// WatchInvalidations drops an organization's agendas whenever one of its
// schedules or templates changes. It blocks until ctx is done.
func (c *Cache) WatchInvalidations(ctx context.Context, bus events.Source) {
	if c == nil || c.client == nil {
		return
	}

	for ev := range events.Merge(ctx, bus, events.ScheduleEvents...) {
		org := ev.Payload.String("organization_id")
		var err error
		if org == "" {
			// System templates affect every organization.
			err = c.FlushAgendas(ctx)
		} else {
			err = c.InvalidateOrganization(ctx, org)
		}
		if err != nil {
			c.logger.Debug().Err(err).Str("organization_id", org).Msg("agenda invalidation failed")
		}
	}
}
