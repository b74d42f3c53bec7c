/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

// templateRequest is the body of template create and update. Absent fields
// keep their current value on update.
type templateRequest struct {
	OrganizationID *string             `json:"organization_id"`
	Name           *string             `json:"name"`
	ContentType    *models.ContentType `json:"content_type"`
	TextContent    *string             `json:"text_content"`
	MediaURL       *string             `json:"media_url"`
	DurationSec    *int                `json:"duration_sec"`
	TTSSettings    *models.TTSSettings `json:"tts_settings"`
	TargetType     *models.TargetType  `json:"target_type"`
	TargetIDs      []string            `json:"target_ids"`
	IsEmergency    *bool               `json:"is_emergency"`
	IsSystem       *bool               `json:"is_system"`
	Lifecycle      *models.Lifecycle   `json:"lifecycle"`
}

func (req *templateRequest) apply(t *models.BroadcastTemplate) {
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.ContentType != nil {
		t.ContentType = *req.ContentType
	}
	if req.TextContent != nil {
		t.TextContent = *req.TextContent
	}
	if req.MediaURL != nil {
		t.MediaURL = *req.MediaURL
	}
	if req.DurationSec != nil {
		t.DurationSec = *req.DurationSec
	}
	if req.TTSSettings != nil {
		t.TTSSettings = *req.TTSSettings
	}
	if req.TargetType != nil {
		t.TargetType = *req.TargetType
	}
	if req.TargetIDs != nil {
		t.TargetIDs = req.TargetIDs
	}
	if req.IsEmergency != nil {
		t.IsEmergency = *req.IsEmergency
	}
	if req.Lifecycle != nil && *req.Lifecycle != models.LifecycleArchived {
		t.Lifecycle = *req.Lifecycle
	}
}

func templateOrg(t *models.BroadcastTemplate) string {
	if t.OrganizationID == nil {
		return ""
	}
	return *t.OrganizationID
}

// loadTemplate fetches a template visible to the caller. System templates
// are visible to everyone.
func (a *API) loadTemplate(w http.ResponseWriter, r *http.Request, id string) (*models.BroadcastTemplate, bool) {
	var tmpl models.BroadcastTemplate
	err := a.db.WithContext(r.Context()).First(&tmpl, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "template_not_found")
		return nil, false
	}
	if err != nil {
		a.logger.Error().Err(err).Str("template_id", id).Msg("template lookup failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return nil, false
	}
	if tmpl.OrganizationID != nil && !a.canAccess(r, *tmpl.OrganizationID) {
		writeError(w, http.StatusNotFound, "template_not_found")
		return nil, false
	}
	return &tmpl, true
}

// canEditTemplate reports whether the caller may change tmpl. System
// templates belong to admins.
func (a *API) canEditTemplate(r *http.Request, tmpl *models.BroadcastTemplate) bool {
	if tmpl.IsSystem || tmpl.OrganizationID == nil {
		return a.isAdmin(r)
	}
	return a.canAccess(r, *tmpl.OrganizationID)
}

func (a *API) handleTemplatesList(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.organizationFor(w, r, queryOrganization(r))
	if !ok {
		return
	}

	query := a.db.WithContext(r.Context()).
		Where("organization_id = ? OR organization_id IS NULL", orgID)
	if r.URL.Query().Get("include_archived") != "true" {
		query = query.Where("lifecycle <> ?", models.LifecycleArchived)
	}

	var templates []models.BroadcastTemplate
	if err := query.Order("is_system DESC").Order("name ASC").Find(&templates).Error; err != nil {
		a.logger.Error().Err(err).Msg("list templates failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (a *API) handleTemplatesGet(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := a.loadTemplate(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (a *API) handleTemplatesCreate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tmpl := &models.BroadcastTemplate{ID: uuid.NewString(), CreatedBy: a.actorID(r)}
	req.apply(tmpl)

	system := req.IsSystem != nil && *req.IsSystem
	if system {
		if !a.isAdmin(r) {
			writeError(w, http.StatusForbidden, "insufficient_role")
			return
		}
		tmpl.IsSystem = true
	} else {
		requested := ""
		if req.OrganizationID != nil {
			requested = *req.OrganizationID
		}
		orgID, ok := a.organizationFor(w, r, requested)
		if !ok {
			return
		}
		tmpl.OrganizationID = &orgID
	}

	tmpl.ApplyDefaults()
	if err := tmpl.Validate(); err != nil {
		writeValidation(w, err)
		return
	}
	if err := a.db.WithContext(r.Context()).Create(tmpl).Error; err != nil {
		a.logger.Error().Err(err).Msg("create template failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishEvent(r, events.EventTemplateCreated, templatePayload(tmpl))
	writeJSON(w, http.StatusCreated, tmpl)
}

func (a *API) handleTemplatesUpdate(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := a.loadTemplate(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if !a.canEditTemplate(r, tmpl) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if tmpl.Lifecycle == models.LifecycleArchived {
		writeError(w, http.StatusConflict, "template_archived")
		return
	}

	var req templateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.apply(tmpl)
	tmpl.ApplyDefaults()
	if err := tmpl.Validate(); err != nil {
		writeValidation(w, err)
		return
	}
	if err := a.db.WithContext(r.Context()).Save(tmpl).Error; err != nil {
		a.logger.Error().Err(err).Str("template_id", tmpl.ID).Msg("update template failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishEvent(r, events.EventTemplateUpdated, templatePayload(tmpl))
	writeJSON(w, http.StatusOK, tmpl)
}

// handleTemplatesDelete archives a template that runs or schedules still
// reference and hard deletes it otherwise.
func (a *API) handleTemplatesDelete(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := a.loadTemplate(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if !a.canEditTemplate(r, tmpl) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	archived, err := a.deleteTemplate(r.Context(), tmpl)
	if err != nil {
		a.logger.Error().Err(err).Str("template_id", tmpl.ID).Msg("delete template failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	payload := templatePayload(tmpl)
	payload["archived"] = archived
	a.publishEvent(r, events.EventTemplateDeleted, payload)
	writeJSON(w, http.StatusOK, map[string]any{"id": tmpl.ID, "archived": archived})
}

func (a *API) deleteTemplate(ctx context.Context, tmpl *models.BroadcastTemplate) (bool, error) {
	archived := false
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var runs, schedules int64
		if err := tx.Model(&models.BroadcastRun{}).Where("template_id = ?", tmpl.ID).Count(&runs).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.BroadcastSchedule{}).Where("template_id = ?", tmpl.ID).Count(&schedules).Error; err != nil {
			return err
		}
		if runs == 0 && schedules == 0 {
			return tx.Delete(&models.BroadcastTemplate{}, "id = ?", tmpl.ID).Error
		}
		archived = true
		tmpl.Lifecycle = models.LifecycleArchived
		return tx.Model(&models.BroadcastTemplate{}).Where("id = ?", tmpl.ID).
			Update("lifecycle", models.LifecycleArchived).Error
	})
	return archived, err
}

func templatePayload(t *models.BroadcastTemplate) events.Payload {
	return events.Payload{
		"resource_id":     t.ID,
		"organization_id": templateOrg(t),
		"name":            t.Name,
		"content_type":    string(t.ContentType),
		"is_emergency":    t.IsEmergency,
	}
}
