/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/export"
	"github.com/Metaroadcorp/snd-system-test/internal/ledger"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

type runRequest struct {
	TemplateID     string `json:"template_id"`
	OrganizationID string `json:"organization_id"`
	Emergency      bool   `json:"emergency"`
}

// handleRunNow opens a MANUAL or EMERGENCY run and hands it to the
// dispatcher. It answers as soon as the run is open.
func (a *API) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TemplateID == "" {
		writeValidation(w, models.ErrTemplateNeeded)
		return
	}
	orgID, ok := a.organizationFor(w, r, req.OrganizationID)
	if !ok {
		return
	}

	var tmpl models.BroadcastTemplate
	err := a.db.WithContext(r.Context()).
		Where("id = ? AND lifecycle = ?", req.TemplateID, models.LifecycleActive).
		Where("organization_id = ? OR organization_id IS NULL", orgID).
		First(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "template_not_found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Str("template_id", req.TemplateID).Msg("template lookup failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	runType := models.RunManual
	if req.Emergency {
		if !tmpl.IsEmergency && !a.isAdmin(r) {
			writeError(w, http.StatusForbidden, "emergency_not_allowed")
			return
		}
		runType = models.RunEmergency
	}

	run, err := a.ledger.Open(r.Context(), ledger.OpenRequest{
		TemplateID:     tmpl.ID,
		OrganizationID: orgID,
		RunType:        runType,
		TriggeredBy:    a.actorID(r),
		Template:       &tmpl,
	})
	if err != nil {
		a.writeRunError(w, err, "open run failed")
		return
	}

	a.dispatcher.Go(run, &tmpl)
	writeJSON(w, http.StatusAccepted, run)
}

func (a *API) handleRunsList(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.organizationFor(w, r, queryOrganization(r))
	if !ok {
		return
	}
	limit, ok := queryInt(r, "limit", ledger.DefaultHistoryLimit)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "limit must be an integer")
		return
	}

	runs, err := a.ledger.History(r.Context(), orgID, limit)
	if err != nil {
		a.writeRunError(w, err, "run history failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"limit": ledger.ClampLimit(limit),
	})
}

// loadRun fetches a run the caller may see. Runs of other organizations
// read as missing.
func (a *API) loadRun(w http.ResponseWriter, r *http.Request) (*models.BroadcastRun, bool) {
	run, err := a.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeRunError(w, err, "run lookup failed")
		return nil, false
	}
	if !a.canAccess(r, run.OrganizationID) {
		writeError(w, http.StatusNotFound, "run_not_found")
		return nil, false
	}
	return run, true
}

func (a *API) handleRunsGet(w http.ResponseWriter, r *http.Request) {
	run, ok := a.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunsCancel closes a RUNNING run as CANCELLED. Deliveries already
// made stay in the result.
func (a *API) handleRunsCancel(w http.ResponseWriter, r *http.Request) {
	run, ok := a.loadRun(w, r)
	if !ok {
		return
	}

	result := run.TargetDevices.Summarize()
	result.Errors = append(result.Errors, "cancelled")
	closed, err := a.ledger.Close(r.Context(), run.ID, models.RunCancelled, result)
	if err != nil {
		a.writeRunError(w, err, "cancel run failed")
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

// handleRunsExport serves run history as a spreadsheet.
func (a *API) handleRunsExport(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.organizationFor(w, r, queryOrganization(r))
	if !ok {
		return
	}
	limit, ok := queryInt(r, "limit", ledger.MaxHistoryLimit)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "limit must be an integer")
		return
	}

	runs, err := a.ledger.History(r.Context(), orgID, limit)
	if err != nil {
		a.writeRunError(w, err, "run history failed")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteRunHistory(&buf, runs, a.agenda.Location()); err != nil {
		a.logger.Error().Err(err).Str("organization_id", orgID).Msg("run export failed")
		writeError(w, http.StatusInternalServerError, "export_failed")
		return
	}

	filename := fmt.Sprintf("broadcast-runs-%s.xlsx", a.agenda.LocalDate(a.now()))
	w.Header().Set("Content-Type", export.XLSXContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
