/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api serves the broadcast catalog, run control and hall device
// endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/agenda"
	"github.com/Metaroadcorp/snd-system-test/internal/audit"
	"github.com/Metaroadcorp/snd-system-test/internal/auth"
	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/ledger"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
	"github.com/Metaroadcorp/snd-system-test/internal/version"
	"github.com/Metaroadcorp/snd-system-test/internal/webhooks"
)

// Dispatcher delivers an opened run in the background.
type Dispatcher interface {
	Go(run *models.BroadcastRun, tmpl *models.BroadcastTemplate)
}

// Bus is the event bus the API publishes catalog events to and streams
// run events from.
type Bus interface {
	events.Publisher
	events.Source
}

// Deps are the collaborators of the API. Leader reports scheduler
// leadership and is nil when election is off.
type Deps struct {
	DB         *gorm.DB
	JWTSecret  []byte
	Ledger     *ledger.Ledger
	Agenda     *agenda.Service
	Dispatcher Dispatcher
	Bus        Bus
	Audit      *audit.Service
	Webhooks   *webhooks.Service
	Leader     func() bool
	Logger     zerolog.Logger
}

// API exposes HTTP handlers.
type API struct {
	db         *gorm.DB
	jwtSecret  []byte
	ledger     *ledger.Ledger
	agenda     *agenda.Service
	dispatcher Dispatcher
	bus        Bus
	auditSvc   *audit.Service
	webhookSvc *webhooks.Service
	leader     func() bool
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates the API router wrapper.
func New(d Deps) *API {
	return &API{
		db:         d.DB,
		jwtSecret:  d.JWTSecret,
		ledger:     d.Ledger,
		agenda:     d.Agenda,
		dispatcher: d.Dispatcher,
		bus:        d.Bus,
		auditSvc:   d.Audit,
		webhookSvc: d.Webhooks,
		leader:     d.Leader,
		logger:     d.Logger.With().Str("component", "api").Logger(),
		now:        time.Now,
	}
}

// Routes registers every endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		// Hall displays authenticate with their device key.
		r.With(auth.DeviceMiddleware(a.db)).Get("/device/agenda", a.handleDeviceAgenda)

		r.Group(func(pr chi.Router) {
			pr.Use(a.authMiddleware())

			writers := a.requireRoles(models.RoleAdmin, models.RoleStaff)
			admins := a.requireRoles(models.RoleAdmin)

			pr.Route("/broadcasts", func(r chi.Router) {
				r.Route("/templates", func(r chi.Router) {
					r.Get("/", a.handleTemplatesList)
					r.With(writers).Post("/", a.handleTemplatesCreate)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", a.handleTemplatesGet)
						r.With(writers).Put("/", a.handleTemplatesUpdate)
						r.With(writers).Delete("/", a.handleTemplatesDelete)
					})
				})

				r.Route("/schedules", func(r chi.Router) {
					r.Get("/", a.handleSchedulesList)
					r.With(writers).Post("/", a.handleSchedulesCreate)
					r.Get("/today", a.handleSchedulesToday)
					r.Get("/export.ics", a.handleSchedulesExportICal)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", a.handleSchedulesGet)
						r.With(writers).Put("/", a.handleSchedulesUpdate)
						r.With(writers).Delete("/", a.handleSchedulesDelete)
						r.Get("/occurrences", a.handleSchedulesOccurrences)
					})
				})

				r.With(writers).Post("/run", a.handleRunNow)
				r.Route("/runs", func(r chi.Router) {
					r.Get("/", a.handleRunsList)
					r.Get("/export.xlsx", a.handleRunsExport)
					r.Get("/{id}", a.handleRunsGet)
					r.With(writers).Post("/{id}/cancel", a.handleRunsCancel)
				})

				r.Route("/files", func(r chi.Router) {
					r.Get("/", a.handleFilesList)
					r.With(writers).Post("/", a.handleFilesCreate)
					r.With(writers).Put("/order", a.handleFilesReorder)
					r.With(writers).Delete("/{id}", a.handleFilesDelete)
				})

				r.Route("/devices", func(r chi.Router) {
					r.Get("/", a.handleDevicesList)
					r.With(admins).Post("/", a.handleDevicesRegister)
					r.With(admins).Delete("/{id}", a.handleDevicesRevoke)
				})

				r.Route("/webhooks", func(r chi.Router) {
					r.Use(admins)
					r.Get("/", a.handleWebhooksList)
					r.Post("/", a.handleWebhooksCreate)
					r.Delete("/{id}", a.handleWebhooksDelete)
					r.Post("/{id}/test", a.handleWebhooksTest)
					r.Get("/{id}/logs", a.handleWebhooksLogs)
				})

				r.With(admins).Get("/audit", a.handleAuditList)

				r.Get("/stream", a.handleStream)
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Current()
	status, code := "ok", http.StatusOK
	if sqlDB, err := a.db.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	body := map[string]any{
		"status":    status,
		"timestamp": a.now().UTC(),
		"service":   info.Service,
		"version":   info.Version,
	}
	if a.leader != nil {
		body["leader"] = a.leader()
	}
	writeJSON(w, code, body)
}

func (a *API) authMiddleware() func(http.Handler) http.Handler {
	return auth.MiddlewareWithJWT(a.jwtSecret)
}

func (a *API) requireRoles(allowed ...models.RoleName) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !claims.HasRole(allowed...) {
				writeError(w, http.StatusForbidden, "insufficient_role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// organizationFor resolves the organization a request acts on. An empty
// request falls back to the organization bound to the token.
func (a *API) organizationFor(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	if requested == "" {
		requested = claims.OrganizationID
	}
	if requested == "" {
		writeError(w, http.StatusBadRequest, "organization_id_required")
		return "", false
	}
	if !claims.CanAccessOrganization(requested) {
		writeError(w, http.StatusForbidden, "forbidden")
		return "", false
	}
	return requested, true
}

// canAccess reports whether the caller may touch a resource of orgID.
func (a *API) canAccess(r *http.Request, orgID string) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	return ok && claims.CanAccessOrganization(orgID)
}

func (a *API) isAdmin(r *http.Request) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	return ok && claims.IsAdmin()
}

// actorID returns the user id of the caller, if any.
func (a *API) actorID(r *http.Request) *string {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.UserID == "" {
		return nil
	}
	id := claims.UserID
	return &id
}

// queryOrganization reads the organization filter, accepting the camelCase
// spelling older clients send.
func queryOrganization(r *http.Request) string {
	q := r.URL.Query()
	if org := q.Get("organization_id"); org != "" {
		return org
	}
	return q.Get("organizationId")
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// auditContext extracts user and request info for audit logging.
func (a *API) auditContext(r *http.Request) events.Payload {
	payload := events.Payload{
		"ip_address": r.RemoteAddr,
		"user_agent": r.UserAgent(),
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		payload["user_id"] = claims.UserID
		if claims.Name != "" {
			payload["user_name"] = claims.Name
		}
	}
	return payload
}

// publishEvent publishes a catalog event with user and request context.
func (a *API) publishEvent(r *http.Request, eventType events.EventType, data events.Payload) {
	if a.bus == nil {
		return
	}
	payload := a.auditContext(r)
	for k, v := range data {
		payload[k] = v
	}
	a.bus.Publish(eventType, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeValidation(w http.ResponseWriter, err error) {
	writeErrorMessage(w, http.StatusBadRequest, "validation_failed", err.Error())
}

// isValidation reports whether err is a write-path validation failure.
func isValidation(err error) bool {
	if errors.Is(err, recurrence.ErrInvalidRule) {
		return true
	}
	for _, target := range []error{
		models.ErrNameRequired,
		models.ErrInvalidContentType,
		models.ErrInvalidTargetType,
		models.ErrInvalidDuration,
		models.ErrContentMissing,
		models.ErrDateRange,
		models.ErrOrganizationNeeded,
		models.ErrTemplateNeeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeRunError maps ledger errors onto HTTP statuses.
func (a *API) writeRunError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, ledger.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run_not_found")
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "invalid_state_transition")
	case errors.Is(err, ledger.ErrInvalidStatus),
		errors.Is(err, ledger.ErrInvalidRunType),
		errors.Is(err, ledger.ErrMissingTemplate),
		errors.Is(err, ledger.ErrMissingOrganization):
		writeValidation(w, err)
	default:
		a.logger.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}
