/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/agenda"
	"github.com/Metaroadcorp/snd-system-test/internal/api"
	"github.com/Metaroadcorp/snd-system-test/internal/audit"
	"github.com/Metaroadcorp/snd-system-test/internal/cache"
	"github.com/Metaroadcorp/snd-system-test/internal/config"
	"github.com/Metaroadcorp/snd-system-test/internal/db"
	"github.com/Metaroadcorp/snd-system-test/internal/dispatch"
	"github.com/Metaroadcorp/snd-system-test/internal/eventbus"
	"github.com/Metaroadcorp/snd-system-test/internal/leadership"
	"github.com/Metaroadcorp/snd-system-test/internal/ledger"
	"github.com/Metaroadcorp/snd-system-test/internal/logging"
	"github.com/Metaroadcorp/snd-system-test/internal/scheduler"
	"github.com/Metaroadcorp/snd-system-test/internal/telemetry"
	"github.com/Metaroadcorp/snd-system-test/internal/webhooks"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	db                   *gorm.DB
	bus                  eventbus.Bus
	cache                *cache.Cache
	agenda               *agenda.Service
	ledger               *ledger.Ledger
	dispatcher           *dispatch.Dispatcher
	scheduler            *scheduler.Service
	leaderAwareScheduler *scheduler.LeaderAwareScheduler
	auditSvc             *audit.Service
	webhookSvc           *webhooks.Service
	api                  *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logging.RequestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	router.Use(timeoutExceptStreams(60 * time.Second))

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	var handler http.Handler = srv.router
	if cfg.TracingEnabled {
		handler = telemetry.HTTPHandler(handler, "snd-api")
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		// Zero so the websocket stream is not cut; the middleware timeout
		// bounds every other route.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return srv, nil
}

// timeoutExceptStreams applies a request timeout to everything except
// websocket upgrades.
func timeoutExceptStreams(d time.Duration) func(http.Handler) http.Handler {
	timeout := middleware.Timeout(d)
	return func(next http.Handler) http.Handler {
		limited := timeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })
	if err := db.Migrate(database); err != nil {
		return err
	}

	nodeID := s.cfg.InstanceID
	if nodeID == "" {
		nodeID = eventbus.NewNodeID()
	}
	s.bus = eventbus.New(s.cfg, nodeID, s.logger)
	s.DeferClose(func() error { return s.bus.Close() })

	if s.cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = s.cfg.RedisAddr
		cacheCfg.RedisPassword = s.cfg.RedisPassword
		cacheCfg.RedisDB = s.cfg.RedisDB
		s.cache = cache.New(cacheCfg, s.logger)
		s.DeferClose(func() error { return s.cache.Close() })
	} else {
		s.cache = cache.Disabled(s.logger)
	}

	loc := s.cfg.Location()
	s.agenda = agenda.New(database, s.cache, loc, s.logger)
	s.ledger = ledger.New(ledger.NewGormStore(database), s.logger, ledger.WithPublisher(s.bus))

	transports := []dispatch.Transport{dispatch.NewInboxTransport(database)}
	if s.cfg.MQTTBroker != "" {
		client, err := dispatch.NewMQTTClient(dispatch.MQTTConfig{
			Broker:   s.cfg.MQTTBroker,
			ClientID: s.cfg.MQTTClientID,
			Username: s.cfg.MQTTUsername,
			Password: s.cfg.MQTTPassword,
		}, s.logger)
		if err != nil {
			// Hall deliveries fail per device until the broker is back.
			s.logger.Warn().Err(err).Str("broker", s.cfg.MQTTBroker).Msg("mqtt unavailable, hall displays will not receive cues")
		} else {
			transports = append(transports, dispatch.NewMQTTTransport(client, s.cfg.MQTTTopicPrefix))
			s.DeferClose(func() error { client.Close(); return nil })
		}
	}

	s.dispatcher = dispatch.New(s.ledger, dispatch.NewDBResolver(database), transports, dispatch.Config{
		Concurrency: s.cfg.DispatchConcurrency,
		RatePerSec:  s.cfg.DispatchRatePerSec,
		Timeout:     s.cfg.DispatchTimeout,
	}, s.logger)
	// Registered after the database so in-flight runs close first.
	s.DeferClose(func() error { s.dispatcher.Wait(); return nil })

	s.scheduler = scheduler.New(database, s.agenda, s.ledger, s.dispatcher, scheduler.Config{
		TickSpec: s.cfg.SchedulerCron,
		WarmSpec: s.cfg.AgendaWarmCron,
		Lookback: s.cfg.SchedulerLookback,
	}, s.logger)

	if s.cfg.LeaderElectionEnabled {
		electionConfig := leadership.DefaultConfig()
		electionConfig.RedisAddr = s.cfg.RedisAddr
		electionConfig.RedisPassword = s.cfg.RedisPassword
		electionConfig.RedisDB = s.cfg.RedisDB
		electionConfig.InstanceID = nodeID

		election, err := leadership.NewElection(electionConfig, s.logger)
		if err != nil {
			return fmt.Errorf("create leader election: %w", err)
		}
		s.DeferClose(election.Close)

		s.leaderAwareScheduler = scheduler.NewLeaderAware(s.scheduler, election, s.logger)
		s.leaderAwareScheduler.PublishTo(s.bus, nodeID)
		s.DeferClose(func() error { return s.leaderAwareScheduler.Stop() })

		s.logger.Info().
			Str("redis_addr", s.cfg.RedisAddr).
			Str("instance_id", nodeID).
			Msg("leader election enabled for scheduler")
	}

	s.auditSvc = audit.NewService(database, s.bus, s.logger)

	webhookOpts := webhooks.DefaultOptions()
	if s.cfg.WebhookTimeout > 0 {
		webhookOpts.Timeout = s.cfg.WebhookTimeout
	}
	s.webhookSvc = webhooks.NewService(database, s.bus, webhookOpts, s.logger)
	s.DeferClose(func() error { s.webhookSvc.Wait(); return nil })

	deps := api.Deps{
		DB:         database,
		JWTSecret:  []byte(s.cfg.JWTSigningKey),
		Ledger:     s.ledger,
		Agenda:     s.agenda,
		Dispatcher: s.dispatcher,
		Bus:        s.bus,
		Audit:      s.auditSvc,
		Webhooks:   s.webhookSvc,
		Logger:     s.logger,
	}
	if s.leaderAwareScheduler != nil {
		deps.Leader = s.leaderAwareScheduler.IsLeader
	}
	s.api = api.New(deps)

	s.logger.Info().
		Str("timezone", loc.String()).
		Str("eventbus", string(s.cfg.EventBus)).
		Int("transports", len(transports)).
		Bool("cache", s.cache.IsAvailable()).
		Msg("dependencies ready")
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer exposes the Prometheus listener, or nil when disabled.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Router returns the configured router.
func (s *Server) Router() http.Handler {
	return s.router
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// Start scheduler (leader-aware if configured, otherwise direct)
	if s.leaderAwareScheduler != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.leaderAwareScheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("leader-aware scheduler exited")
			}
		}()
	} else if s.scheduler != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("scheduler loop exited")
			}
		}()
	}

	// Start database metrics updater
	if s.db != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					db.UpdateConnectionMetrics(s.db)
				}
			}
		}()
	}

	if s.auditSvc != nil {
		s.auditSvc.Start(ctx)
	}
	if s.webhookSvc != nil {
		s.webhookSvc.Start(ctx)
	}

	// Start cache invalidation listener
	if s.cfg.CacheEnabled {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.cache.WatchInvalidations(ctx, s.bus)
		}()
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.api.Routes(s.router)
}
