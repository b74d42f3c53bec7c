/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
)

// redisChannelPrefix namespaces bridged events in Redis pub/sub.
const redisChannelPrefix = "snd:events:"

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Circuit breaker
	MaxFailures   int
	RetryInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		MaxFailures:   5,
		RetryInterval: 30 * time.Second,
	}
}

// RedisBus delivers events locally and mirrors them over Redis pub/sub to
// other instances. Repeated publish failures trip a breaker that keeps the
// bus local until a retry succeeds.
type RedisBus struct {
	local  *events.Bus
	client *redis.Client
	pubsub *redis.PubSub
	nodeID string
	logger zerolog.Logger
	cfg    RedisConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	failCount int
	tripped   bool
	lastRetry time.Time
}

// NewRedisBus connects to Redis. An unreachable server yields a bus that
// only delivers locally.
func NewRedisBus(cfg RedisConfig, nodeID string, logger zerolog.Logger) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return NewRedisBusWithClient(client, cfg, nodeID, logger)
}

// NewRedisBusWithClient builds the bus over an existing client.
func NewRedisBusWithClient(client *redis.Client, cfg RedisConfig, nodeID string, logger zerolog.Logger) *RedisBus {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	rb := &RedisBus{
		local:  events.NewBus(),
		client: client,
		nodeID: nodeID,
		logger: logger.With().Str("component", "eventbus").Str("backend", "redis").Logger(),
		cfg:    cfg,
	}

	ctx, cancel := context.WithCancel(context.Background())
	rb.cancel = cancel

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	pubsub := client.PSubscribe(ctx, redisChannelPrefix+"*")
	// Receive waits for the subscription to be confirmed.
	if _, err := pubsub.Receive(pingCtx); err != nil {
		rb.logger.Warn().Err(err).Msg("redis event bus unavailable, delivering locally only")
		_ = pubsub.Close()
		rb.tripped = true
		rb.lastRetry = time.Now()
		return rb
	}
	rb.pubsub = pubsub
	rb.wg.Add(1)
	go rb.receive(ctx, pubsub)
	rb.logger.Info().Str("node_id", nodeID).Msg("redis event bus initialized")
	return rb
}

// Subscribe registers a local subscriber; remote events are delivered to it too.
func (rb *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	return rb.local.Subscribe(eventType)
}

// Unsubscribe removes a subscriber.
func (rb *RedisBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	rb.local.Unsubscribe(eventType, sub)
}

// Publish delivers locally, then mirrors to Redis unless the breaker is open.
func (rb *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	rb.local.Publish(eventType, payload)
	if !rb.remoteEnabled() {
		return
	}

	data, err := marshalEnvelope(eventType, payload, rb.nodeID)
	if err != nil {
		rb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rb.client.Publish(ctx, redisChannelPrefix+string(eventType), data).Err(); err != nil {
		rb.recordFailure(err)
		return
	}
	rb.mu.Lock()
	rb.failCount = 0
	rb.mu.Unlock()
}

// Close stops the receiver and closes the client.
func (rb *RedisBus) Close() error {
	rb.cancel()
	if rb.pubsub != nil {
		_ = rb.pubsub.Close()
	}
	rb.wg.Wait()
	return rb.client.Close()
}

func (rb *RedisBus) receive(ctx context.Context, pubsub *redis.PubSub) {
	defer rb.wg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := unmarshalEnvelope([]byte(msg.Payload))
			if err != nil {
				rb.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
				continue
			}
			// Our own publishes were already delivered locally.
			if env.NodeID == rb.nodeID {
				continue
			}
			if want := strings.TrimPrefix(msg.Channel, redisChannelPrefix); want != string(env.EventType) {
				rb.logger.Warn().Str("channel", msg.Channel).Msg("event type does not match channel")
				continue
			}
			rb.local.Publish(env.EventType, env.Payload)
		}
	}
}

// remoteEnabled reports whether to publish to Redis, retrying a tripped
// breaker once per retry interval.
func (rb *RedisBus) remoteEnabled() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if !rb.tripped {
		return true
	}
	if time.Since(rb.lastRetry) < rb.cfg.RetryInterval {
		return false
	}
	rb.lastRetry = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rb.client.Ping(ctx).Err(); err != nil {
		return false
	}
	rb.logger.Info().Msg("redis reachable again, resuming remote publish")
	rb.tripped = false
	rb.failCount = 0
	return true
}

func (rb *RedisBus) recordFailure(err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.failCount++
	rb.logger.Warn().Err(err).Int("fail_count", rb.failCount).Msg("failed to publish event to redis")
	if rb.failCount >= rb.cfg.MaxFailures && !rb.tripped {
		rb.tripped = true
		rb.lastRetry = time.Now()
		rb.logger.Warn().Msg("redis failure threshold reached, delivering locally only")
	}
}
