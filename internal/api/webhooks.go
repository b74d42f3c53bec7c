/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

const webhookLogLimit = 50

var webhookEvents = []models.WebhookEventType{
	models.WebhookEventRunOpened,
	models.WebhookEventRunClosed,
}

type webhookRequest struct {
	OrganizationID string   `json:"organization_id"`
	URL            string   `json:"url"`
	Events         []string `json:"events"`
}

// normalizeWebhookEvents validates the requested events. An empty list
// subscribes to every run event.
func normalizeWebhookEvents(requested []string) (string, error) {
	if len(requested) == 0 {
		all := make([]string, len(webhookEvents))
		for i, e := range webhookEvents {
			all[i] = string(e)
		}
		return strings.Join(all, ","), nil
	}
	out := make([]string, 0, len(requested))
	for _, raw := range requested {
		e := strings.TrimSpace(raw)
		known := false
		for _, w := range webhookEvents {
			if string(w) == e {
				known = true
				break
			}
		}
		if !known {
			return "", fmt.Errorf("unknown webhook event %q", raw)
		}
		out = append(out, e)
	}
	return strings.Join(out, ","), nil
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (a *API) loadWebhook(w http.ResponseWriter, r *http.Request) (*models.WebhookTarget, bool) {
	id := chi.URLParam(r, "id")
	var target models.WebhookTarget
	err := a.db.WithContext(r.Context()).First(&target, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !a.canAccess(r, target.OrganizationID)) {
		writeError(w, http.StatusNotFound, "webhook_not_found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return nil, false
	}
	return &target, true
}

// handleWebhooksList returns the organization's webhooks.
func (a *API) handleWebhooksList(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.organizationFor(w, r, queryOrganization(r))
	if !ok {
		return
	}
	var targets []models.WebhookTarget
	if err := a.db.WithContext(r.Context()).Where("organization_id = ?", orgID).Order("created_at DESC").Find(&targets).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": targets})
}

// handleWebhooksCreate registers a webhook. The signing secret is returned
// only here.
func (a *API) handleWebhooksCreate(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	orgID, ok := a.organizationFor(w, r, req.OrganizationID)
	if !ok {
		return
	}
	if !validWebhookURL(req.URL) {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "url must be an absolute http or https URL")
		return
	}
	evts, err := normalizeWebhookEvents(req.Events)
	if err != nil {
		writeValidation(w, err)
		return
	}

	target := models.NewWebhookTarget(orgID, req.URL, evts)
	if err := a.db.WithContext(r.Context()).Create(target).Error; err != nil {
		a.logger.Error().Err(err).Msg("create webhook failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishEvent(r, events.EventAuditWebhookCreate, events.Payload{
		"resource_id":     target.ID,
		"organization_id": orgID,
		"url":             target.URL,
		"events":          target.Events,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"webhook": target,
		"secret":  target.Secret,
	})
}

func (a *API) handleWebhooksDelete(w http.ResponseWriter, r *http.Request) {
	target, ok := a.loadWebhook(w, r)
	if !ok {
		return
	}
	err := a.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("target_id = ?", target.ID).Delete(&models.WebhookLog{}).Error; err != nil {
			return err
		}
		return tx.Delete(target).Error
	})
	if err != nil {
		a.logger.Error().Err(err).Str("webhook_id", target.ID).Msg("delete webhook failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishEvent(r, events.EventAuditWebhookDelete, events.Payload{
		"resource_id":     target.ID,
		"organization_id": target.OrganizationID,
		"url":             target.URL,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhooksTest sends a test delivery and reports the outcome.
func (a *API) handleWebhooksTest(w http.ResponseWriter, r *http.Request) {
	target, ok := a.loadWebhook(w, r)
	if !ok {
		return
	}
	if a.webhookSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks_disabled")
		return
	}
	if err := a.webhookSvc.TestWebhook(r.Context(), target); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleWebhooksLogs(w http.ResponseWriter, r *http.Request) {
	target, ok := a.loadWebhook(w, r)
	if !ok {
		return
	}
	var logs []models.WebhookLog
	err := a.db.WithContext(r.Context()).
		Where("target_id = ?", target.ID).
		Order("created_at DESC").
		Limit(webhookLogLimit).
		Find(&logs).Error
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
