/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/export"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
)

const (
	defaultOccurrenceCount = 10
	maxOccurrenceCount     = 100
)

// scheduleRequest is the body of schedule create and update. Absent fields
// keep their current value on update; an empty date string clears it.
type scheduleRequest struct {
	OrganizationID *string           `json:"organization_id"`
	TemplateID     *string           `json:"template_id"`
	Name           *string           `json:"name"`
	RepeatType     *recurrence.Kind  `json:"repeat_type"`
	RepeatConfig   map[string]any    `json:"repeat_config"`
	ScheduledTime  *string           `json:"scheduled_time"`
	StartDate      *string           `json:"start_date"`
	EndDate        *string           `json:"end_date"`
	Lifecycle      *models.Lifecycle `json:"lifecycle"`
}

func (req *scheduleRequest) apply(s *models.BroadcastSchedule) error {
	if req.TemplateID != nil {
		s.TemplateID = *req.TemplateID
	}
	if req.Name != nil {
		s.Name = *req.Name
	}
	if req.RepeatType != nil {
		s.RepeatType = *req.RepeatType
	}
	if req.RepeatConfig != nil {
		s.RepeatConfig = req.RepeatConfig
	}
	if req.ScheduledTime != nil {
		tod, err := recurrence.ParseTimeOfDay(*req.ScheduledTime)
		if err != nil {
			return err
		}
		s.ScheduledTime = tod
	}
	var err error
	if s.StartDate, err = applyDate(s.StartDate, req.StartDate); err != nil {
		return fmt.Errorf("start_date: %w", err)
	}
	if s.EndDate, err = applyDate(s.EndDate, req.EndDate); err != nil {
		return fmt.Errorf("end_date: %w", err)
	}
	if req.Lifecycle != nil {
		if *req.Lifecycle == models.LifecycleArchived || !req.Lifecycle.Valid() {
			return errors.New("lifecycle must be ACTIVE or INACTIVE")
		}
		s.Lifecycle = *req.Lifecycle
	}
	return nil
}

func applyDate(current *recurrence.Date, raw *string) (*recurrence.Date, error) {
	if raw == nil {
		return current, nil
	}
	if *raw == "" {
		return nil, nil
	}
	d, err := recurrence.ParseDate(*raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (a *API) loadSchedule(w http.ResponseWriter, r *http.Request, id string) (*models.BroadcastSchedule, bool) {
	var sched models.BroadcastSchedule
	err := a.db.WithContext(r.Context()).Preload("Template").First(&sched, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !a.canAccess(r, sched.OrganizationID)) {
		writeError(w, http.StatusNotFound, "schedule_not_found")
		return nil, false
	}
	if err != nil {
		a.logger.Error().Err(err).Str("schedule_id", id).Msg("schedule lookup failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return nil, false
	}
	return &sched, true
}

// checkScheduleTemplate confirms the schedule's template exists, is not
// archived and is usable by the schedule's organization.
func (a *API) checkScheduleTemplate(w http.ResponseWriter, r *http.Request, s *models.BroadcastSchedule) bool {
	var tmpl models.BroadcastTemplate
	err := a.db.WithContext(r.Context()).
		Where("id = ? AND lifecycle <> ?", s.TemplateID, models.LifecycleArchived).
		Where("organization_id = ? OR organization_id IS NULL", s.OrganizationID).
		First(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "template_not_found")
		return false
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("template lookup failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return false
	}
	s.Template = &tmpl
	return true
}

func (a *API) handleSchedulesList(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.organizationFor(w, r, queryOrganization(r))
	if !ok {
		return
	}

	lifecycles := []models.Lifecycle{models.LifecycleActive}
	if r.URL.Query().Get("include_inactive") == "true" {
		lifecycles = append(lifecycles, models.LifecycleInactive)
	}

	var schedules []models.BroadcastSchedule
	err := a.db.WithContext(r.Context()).
		Preload("Template").
		Where("organization_id = ? AND lifecycle IN ?", orgID, lifecycles).
		Order("scheduled_time ASC").Order("id ASC").
		Find(&schedules).Error
	if err != nil {
		a.logger.Error().Err(err).Msg("list schedules failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (a *API) handleSchedulesGet(w http.ResponseWriter, r *http.Request) {
	sched, ok := a.loadSchedule(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (a *API) handleSchedulesCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	requested := ""
	if req.OrganizationID != nil {
		requested = *req.OrganizationID
	}
	orgID, ok := a.organizationFor(w, r, requested)
	if !ok {
		return
	}

	sched := &models.BroadcastSchedule{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		RepeatType:     recurrence.KindDaily,
		Lifecycle:      models.LifecycleActive,
		CreatedBy:      a.actorID(r),
	}
	if req.ScheduledTime == nil {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "scheduled_time is required")
		return
	}
	if err := req.apply(sched); err != nil {
		writeValidation(w, err)
		return
	}
	if err := sched.Validate(); err != nil {
		writeValidation(w, err)
		return
	}
	if !a.checkScheduleTemplate(w, r, sched) {
		return
	}

	if err := a.db.WithContext(r.Context()).Omit("Template").Create(sched).Error; err != nil {
		a.logger.Error().Err(err).Msg("create schedule failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishEvent(r, events.EventScheduleCreated, schedulePayload(sched))
	writeJSON(w, http.StatusCreated, sched)
}

func (a *API) handleSchedulesUpdate(w http.ResponseWriter, r *http.Request) {
	sched, ok := a.loadSchedule(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.apply(sched); err != nil {
		writeValidation(w, err)
		return
	}
	if err := sched.Validate(); err != nil {
		writeValidation(w, err)
		return
	}
	if !a.checkScheduleTemplate(w, r, sched) {
		return
	}

	if err := a.db.WithContext(r.Context()).Omit("Template").Save(sched).Error; err != nil {
		a.logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("update schedule failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishEvent(r, events.EventScheduleUpdated, schedulePayload(sched))
	writeJSON(w, http.StatusOK, sched)
}

// handleSchedulesDelete deactivates the schedule; run history keeps
// pointing at it.
func (a *API) handleSchedulesDelete(w http.ResponseWriter, r *http.Request) {
	sched, ok := a.loadSchedule(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	err := a.db.WithContext(r.Context()).Model(&models.BroadcastSchedule{}).
		Where("id = ?", sched.ID).
		Update("lifecycle", models.LifecycleInactive).Error
	if err != nil {
		a.logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("delete schedule failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	sched.Lifecycle = models.LifecycleInactive

	a.publishEvent(r, events.EventScheduleDeleted, schedulePayload(sched))
	writeJSON(w, http.StatusOK, map[string]any{"id": sched.ID, "lifecycle": sched.Lifecycle})
}

// handleSchedulesToday returns the schedules that fire on the organization's
// local date, or on the date given.
func (a *API) handleSchedulesToday(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.organizationFor(w, r, queryOrganization(r))
	if !ok {
		return
	}

	date := a.agenda.LocalDate(a.now())
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := recurrence.ParseDate(raw)
		if err != nil {
			writeValidation(w, err)
			return
		}
		date = parsed
	}

	due, err := a.agenda.Today(r.Context(), orgID, date)
	if err != nil {
		a.logger.Error().Err(err).Str("organization_id", orgID).Msg("agenda failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": orgID,
		"date":            date,
		"schedules":       due,
	})
}

// handleSchedulesOccurrences previews the next firing instants of a
// schedule.
func (a *API) handleSchedulesOccurrences(w http.ResponseWriter, r *http.Request) {
	sched, ok := a.loadSchedule(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	loc := a.agenda.Location()
	from := a.now()
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := parseInstant(raw, loc)
		if err != nil {
			writeValidation(w, err)
			return
		}
		from = parsed
	}

	count, ok := queryInt(r, "count", defaultOccurrenceCount)
	if !ok || count < 1 {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "count must be a positive integer")
		return
	}
	count = min(count, maxOccurrenceCount)

	occ, err := recurrence.Occurrences(sched, from, count, loc)
	if err != nil {
		writeValidation(w, err)
		return
	}
	local := make([]time.Time, len(occ))
	for i, t := range occ {
		local[i] = t.In(loc)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedule_id": sched.ID,
		"timezone":    loc.String(),
		"occurrences": local,
	})
}

// handleSchedulesExportICal serves the organization's active schedules as
// an iCalendar feed.
func (a *API) handleSchedulesExportICal(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.organizationFor(w, r, queryOrganization(r))
	if !ok {
		return
	}

	schedules, err := a.agenda.ActiveSchedules(r.Context(), orgID)
	if err != nil {
		a.logger.Error().Err(err).Str("organization_id", orgID).Msg("export schedules failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	data := export.SchedulesICal("Broadcast schedules", schedules, a.agenda.Location())
	w.Header().Set("Content-Type", export.ICalContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", export.ICalFilename(orgID)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// parseInstant accepts RFC 3339 or a bare date, which means local midnight.
func parseInstant(raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := recurrence.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("from must be RFC 3339 or YYYY-MM-DD: %w", err)
	}
	return d.At(recurrence.TimeOfDay{}, loc), nil
}

func schedulePayload(s *models.BroadcastSchedule) events.Payload {
	return events.Payload{
		"resource_id":     s.ID,
		"organization_id": s.OrganizationID,
		"template_id":     s.TemplateID,
		"name":            s.Name,
		"repeat_type":     string(s.RepeatType),
		"scheduled_time":  s.ScheduledTime.String(),
		"lifecycle":       string(s.Lifecycle),
	}
}
