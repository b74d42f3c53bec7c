/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/auth"
	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

type deviceRequest struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Location       string `json:"location"`
}

func (a *API) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.organizationFor(w, r, queryOrganization(r))
	if !ok {
		return
	}
	var devices []models.HallDevice
	err := a.db.WithContext(r.Context()).
		Where("organization_id = ?", orgID).
		Order("name ASC").
		Find(&devices).Error
	if err != nil {
		a.logger.Error().Err(err).Msg("list devices failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleDevicesRegister creates a hall device. The key is only ever shown
// in this response.
func (a *API) handleDevicesRegister(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	orgID, ok := a.organizationFor(w, r, req.OrganizationID)
	if !ok {
		return
	}
	if req.Name == "" {
		writeValidation(w, models.ErrNameRequired)
		return
	}

	key, device, err := auth.GenerateDeviceKey(orgID, req.Name, req.Location)
	if err != nil {
		a.logger.Error().Err(err).Msg("generate device key failed")
		writeError(w, http.StatusInternalServerError, "key_generation_failed")
		return
	}
	if err := a.db.WithContext(r.Context()).Create(device).Error; err != nil {
		a.logger.Error().Err(err).Msg("create device failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishEvent(r, events.EventAuditDeviceRegister, events.Payload{
		"resource_id":     device.ID,
		"organization_id": orgID,
		"name":            device.Name,
		"key_prefix":      device.KeyPrefix,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"device":  device,
		"api_key": key,
	})
}

// handleDevicesRevoke deactivates a device; its key stops working at once.
func (a *API) handleDevicesRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var device models.HallDevice
	err := a.db.WithContext(r.Context()).First(&device, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !a.canAccess(r, device.OrganizationID)) {
		writeError(w, http.StatusNotFound, "device_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	if err := a.db.WithContext(r.Context()).Model(&device).Update("lifecycle", models.LifecycleInactive).Error; err != nil {
		a.logger.Error().Err(err).Str("device_id", id).Msg("revoke device failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishEvent(r, events.EventAuditDeviceRevoke, events.Payload{
		"resource_id":     device.ID,
		"organization_id": device.OrganizationID,
		"name":            device.Name,
	})
	writeJSON(w, http.StatusOK, map[string]any{"id": device.ID, "lifecycle": models.LifecycleInactive})
}

// handleDeviceAgenda gives a hall display today's broadcasts and its slide
// rotation.
func (a *API) handleDeviceAgenda(w http.ResponseWriter, r *http.Request) {
	device, ok := auth.DeviceFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	date := a.agenda.LocalDate(a.now())
	due, err := a.agenda.Today(r.Context(), device.OrganizationID, date)
	if err != nil {
		a.logger.Error().Err(err).Str("device_id", device.ID).Msg("device agenda failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	files, err := a.activeFiles(r, device.OrganizationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":       device.ID,
		"organization_id": device.OrganizationID,
		"date":            date,
		"timezone":        a.agenda.Location().String(),
		"schedules":       due,
		"files":           files,
	})
}
