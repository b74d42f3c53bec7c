/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

var errFileNotFound = errors.New("file not found")

type fileRequest struct {
	OrganizationID string          `json:"organization_id"`
	FileType       models.FileType `json:"file_type"`
	FileURL        string          `json:"file_url"`
	FileName       string          `json:"file_name"`
	DurationSec    int             `json:"duration_sec"`
}

type reorderRequest struct {
	OrganizationID string   `json:"organization_id"`
	FileIDs        []string `json:"file_ids"`
}

// activeFiles returns an organization's slide rotation in display order.
func (a *API) activeFiles(r *http.Request, orgID string) ([]models.BroadcastFile, error) {
	var files []models.BroadcastFile
	err := a.db.WithContext(r.Context()).
		Where("organization_id = ? AND lifecycle = ?", orgID, models.LifecycleActive).
		Order("display_order ASC").Order("created_at ASC").
		Find(&files).Error
	return files, err
}

func (a *API) handleFilesList(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.organizationFor(w, r, queryOrganization(r))
	if !ok {
		return
	}
	files, err := a.activeFiles(r, orgID)
	if err != nil {
		a.logger.Error().Err(err).Msg("list files failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleFilesCreate appends a slide to the end of the rotation.
func (a *API) handleFilesCreate(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	orgID, ok := a.organizationFor(w, r, req.OrganizationID)
	if !ok {
		return
	}
	if !req.FileType.Valid() {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "file_type must be IMAGE, VIDEO or AUDIO")
		return
	}
	if req.FileURL == "" {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "file_url is required")
		return
	}
	if req.DurationSec < 0 {
		writeValidation(w, models.ErrInvalidDuration)
		return
	}
	if req.DurationSec == 0 {
		req.DurationSec = models.DefaultSlideDurationSec
	}

	file := &models.BroadcastFile{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		FileType:       req.FileType,
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		DurationSec:    req.DurationSec,
		Lifecycle:      models.LifecycleActive,
	}
	err := a.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var maxOrder int
		if err := tx.Model(&models.BroadcastFile{}).
			Where("organization_id = ?", orgID).
			Select("COALESCE(MAX(display_order), 0)").
			Scan(&maxOrder).Error; err != nil {
			return err
		}
		file.DisplayOrder = maxOrder + 1
		return tx.Create(file).Error
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("create file failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

// handleFilesReorder assigns display positions in the order given.
func (a *API) handleFilesReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	orgID, ok := a.organizationFor(w, r, req.OrganizationID)
	if !ok {
		return
	}
	if len(req.FileIDs) == 0 {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "file_ids is required")
		return
	}

	err := a.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		for i, id := range req.FileIDs {
			res := tx.Model(&models.BroadcastFile{}).
				Where("id = ? AND organization_id = ? AND lifecycle = ?", id, orgID, models.LifecycleActive).
				Update("display_order", i+1)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errFileNotFound
			}
		}
		return nil
	})
	if errors.Is(err, errFileNotFound) {
		writeError(w, http.StatusNotFound, "file_not_found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("reorder files failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishEvent(r, events.EventAuditFilesReorder, events.Payload{
		"resource_id":     orgID,
		"organization_id": orgID,
		"file_ids":        req.FileIDs,
	})

	files, err := a.activeFiles(r, orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleFilesDelete takes a slide out of the rotation.
func (a *API) handleFilesDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var file models.BroadcastFile
	err := a.db.WithContext(r.Context()).First(&file, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !a.canAccess(r, file.OrganizationID)) {
		writeError(w, http.StatusNotFound, "file_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	if err := a.db.WithContext(r.Context()).Model(&file).Update("lifecycle", models.LifecycleInactive).Error; err != nil {
		a.logger.Error().Err(err).Str("file_id", id).Msg("delete file failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": file.ID, "lifecycle": models.LifecycleInactive})
}
