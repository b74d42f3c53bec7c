package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/export"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
)

const (
	tmplID  = "10000000-0000-0000-0000-000000000001"
	schedID = "20000000-0000-0000-0000-000000000001"
)

func TestTemplates_CreateAppliesDefaults(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(events.EventTemplateCreated)

	rr := h.do(http.MethodPost, "/api/v1/broadcasts/templates", h.token(orgA, "staff"), map[string]any{
		"name":         "Lunch",
		"content_type": "TEXT",
		"text_content": "Lunch is ready",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	tmpl := decode[models.BroadcastTemplate](t, rr)
	assert.Equal(t, models.DefaultTemplateDurationSec, tmpl.DurationSec)
	assert.Equal(t, models.TargetHall, tmpl.TargetType)
	assert.Equal(t, models.DefaultTTSSettings(), tmpl.TTSSettings)
	require.NotNil(t, tmpl.OrganizationID)
	assert.Equal(t, orgA, *tmpl.OrganizationID)

	select {
	case payload := <-sub:
		assert.Equal(t, tmpl.ID, payload.String("resource_id"))
		assert.Equal(t, orgA, payload.String("organization_id"))
	case <-time.After(time.Second):
		t.Fatal("template.created not published")
	}
}

func TestTemplates_Validation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"content_type": "TEXT", "text_content": "x"}},
		{"bad content type", map[string]any{"name": "x", "content_type": "HOLOGRAM"}},
		{"text without content", map[string]any{"name": "x", "content_type": "TEXT"}},
		{"video without url", map[string]any{"name": "x", "content_type": "VIDEO"}},
		{"negative duration", map[string]any{"name": "x", "content_type": "TEXT", "text_content": "x", "duration_sec": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(http.MethodPost, "/api/v1/broadcasts/templates", h.token(orgA, "staff"), tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "validation_failed", errorCode(t, rr))
		})
	}
}

func TestTemplates_ListIncludesSystemTemplates(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	h.seedTemplate("10000000-0000-0000-0000-000000000002", "", false)
	h.seedTemplate("10000000-0000-0000-0000-000000000003", orgB, false)

	rr := h.do(http.MethodGet, "/api/v1/broadcasts/templates", h.token(orgA, "viewer"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Templates []models.BroadcastTemplate `json:"templates"`
	}](t, rr)
	assert.Len(t, body.Templates, 2)
}

func TestTemplates_GetOtherOrganizationIsNotFound(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgB, false)
	rr := h.do(http.MethodGet, "/api/v1/broadcasts/templates/"+tmplID, h.token(orgA, "staff"), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "template_not_found", errorCode(t, rr))
}

func TestTemplates_SystemTemplatesAreAdminOnly(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, "", false)
	rr := h.do(http.MethodPut, "/api/v1/broadcasts/templates/"+tmplID, h.token(orgA, "staff"), map[string]any{"name": "renamed"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestTemplates_DeleteArchivesWhenReferenced(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	h.seedSchedule(schedID, orgA, tmplID, "08:00", recurrence.KindDaily, nil)

	rr := h.do(http.MethodDelete, "/api/v1/broadcasts/templates/"+tmplID, h.token(orgA, "staff"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode[map[string]any](t, rr)["archived"])

	var tmpl models.BroadcastTemplate
	require.NoError(t, h.db.First(&tmpl, "id = ?", tmplID).Error)
	assert.Equal(t, models.LifecycleArchived, tmpl.Lifecycle)

	// Archived templates are read-only.
	rr = h.do(http.MethodPut, "/api/v1/broadcasts/templates/"+tmplID, h.token(orgA, "staff"), map[string]any{"name": "again"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestTemplates_DeleteUnreferencedRemovesRow(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)

	rr := h.do(http.MethodDelete, "/api/v1/broadcasts/templates/"+tmplID, h.token(orgA, "staff"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decode[map[string]any](t, rr)["archived"])

	var count int64
	h.db.Model(&models.BroadcastTemplate{}).Where("id = ?", tmplID).Count(&count)
	assert.Zero(t, count)
}

func TestSchedules_Create(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)

	rr := h.do(http.MethodPost, "/api/v1/broadcasts/schedules", h.token(orgA, "staff"), map[string]any{
		"template_id":    tmplID,
		"name":           "Quarterly drill",
		"repeat_type":    "QUARTERLY",
		"repeat_config":  map[string]any{"monthDay": 15},
		"scheduled_time": "9:05",
		"start_date":     "2025-01-01",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	s := decode[models.BroadcastSchedule](t, rr)
	assert.Equal(t, orgA, s.OrganizationID)
	assert.Equal(t, "09:05", s.ScheduledTime.String())
	assert.Equal(t, models.LifecycleActive, s.Lifecycle)
	// Stored config is canonical snake_case.
	assert.EqualValues(t, 15, s.RepeatConfig["month_day"])
	assert.EqualValues(t, 1, s.RepeatConfig["quarter_month"])
}

func TestSchedules_CreateErrors(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	h.seedTemplate("10000000-0000-0000-0000-000000000009", orgB, false)

	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
		wantErr  string
	}{
		{
			"weekly without days",
			map[string]any{"template_id": tmplID, "name": "s", "repeat_type": "WEEKLY", "repeat_config": map[string]any{}, "scheduled_time": "08:00"},
			http.StatusBadRequest, "validation_failed",
		},
		{
			"bad time",
			map[string]any{"template_id": tmplID, "name": "s", "scheduled_time": "25:00"},
			http.StatusBadRequest, "validation_failed",
		},
		{
			"missing time",
			map[string]any{"template_id": tmplID, "name": "s"},
			http.StatusBadRequest, "validation_failed",
		},
		{
			"start after end",
			map[string]any{"template_id": tmplID, "name": "s", "scheduled_time": "08:00", "start_date": "2025-05-02", "end_date": "2025-05-01"},
			http.StatusBadRequest, "validation_failed",
		},
		{
			"yearly impossible day",
			map[string]any{"template_id": tmplID, "name": "s", "repeat_type": "YEARLY", "repeat_config": map[string]any{"month": 4, "month_day": 31}, "scheduled_time": "08:00"},
			http.StatusBadRequest, "validation_failed",
		},
		{
			"unknown template",
			map[string]any{"template_id": "10000000-0000-0000-0000-0000000000ff", "name": "s", "scheduled_time": "08:00"},
			http.StatusNotFound, "template_not_found",
		},
		{
			"template of another organization",
			map[string]any{"template_id": "10000000-0000-0000-0000-000000000009", "name": "s", "scheduled_time": "08:00"},
			http.StatusNotFound, "template_not_found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(http.MethodPost, "/api/v1/broadcasts/schedules", h.token(orgA, "staff"), tt.body)
			assert.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			assert.Equal(t, tt.wantErr, errorCode(t, rr))
		})
	}
}

func TestSchedules_UpdateAndDelete(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	h.seedSchedule(schedID, orgA, tmplID, "08:00", recurrence.KindDaily, nil)
	tok := h.token(orgA, "staff")

	rr := h.do(http.MethodPut, "/api/v1/broadcasts/schedules/"+schedID, tok, map[string]any{
		"repeat_type":   "WEEKLY",
		"repeat_config": map[string]any{"weekdays": []int{1, 3, 5}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	s := decode[models.BroadcastSchedule](t, rr)
	assert.Equal(t, recurrence.KindWeekly, s.RepeatType)
	assert.Equal(t, "08:00", s.ScheduledTime.String())

	rr = h.do(http.MethodDelete, "/api/v1/broadcasts/schedules/"+schedID, tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var stored models.BroadcastSchedule
	require.NoError(t, h.db.First(&stored, "id = ?", schedID).Error)
	assert.Equal(t, models.LifecycleInactive, stored.Lifecycle)

	rr = h.do(http.MethodGet, "/api/v1/broadcasts/schedules", tok, nil)
	body := decode[struct {
		Schedules []models.BroadcastSchedule `json:"schedules"`
	}](t, rr)
	assert.Empty(t, body.Schedules)

	rr = h.do(http.MethodPut, "/api/v1/broadcasts/schedules/"+"20000000-0000-0000-0000-0000000000ff", tok, map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSchedules_Today(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	h.seedSchedule("20000000-0000-0000-0000-000000000003", orgA, tmplID, "11:30", recurrence.KindDaily, nil)
	h.seedSchedule("20000000-0000-0000-0000-000000000002", orgA, tmplID, "08:00", recurrence.KindWeekly, map[string]any{"weekdays": []any{1.0, 2.0, 3.0, 4.0, 5.0}})
	h.seedSchedule("20000000-0000-0000-0000-000000000001", orgA, tmplID, "07:30", recurrence.KindDaily, nil)

	// Harness clock reads Tuesday in KST.
	rr := h.do(http.MethodGet, "/api/v1/broadcasts/schedules/today", h.token(orgA, "viewer"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Date      string                     `json:"date"`
		Schedules []models.BroadcastSchedule `json:"schedules"`
	}](t, rr)
	assert.Equal(t, "2025-03-04", body.Date)
	require.Len(t, body.Schedules, 3)
	assert.Equal(t, "07:30", body.Schedules[0].ScheduledTime.String())
	assert.Equal(t, "08:00", body.Schedules[1].ScheduledTime.String())
	assert.Equal(t, "11:30", body.Schedules[2].ScheduledTime.String())

	// Sunday drops the weekday schedule.
	rr = h.do(http.MethodGet, "/api/v1/broadcasts/schedules/today?date=2025-03-09", h.token(orgA, "viewer"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body.Schedules = nil
	body = decode[struct {
		Date      string                     `json:"date"`
		Schedules []models.BroadcastSchedule `json:"schedules"`
	}](t, rr)
	assert.Len(t, body.Schedules, 2)

	rr = h.do(http.MethodGet, "/api/v1/broadcasts/schedules/today?date=March", h.token(orgA, "viewer"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSchedules_Occurrences(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	h.seedSchedule(schedID, orgA, tmplID, "09:00", recurrence.KindMonthly, map[string]any{"month_day": 31})

	rr := h.do(http.MethodGet, "/api/v1/broadcasts/schedules/"+schedID+"/occurrences?from=2025-04-01&count=3", h.token(orgA, "viewer"), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode[struct {
		Occurrences []time.Time `json:"occurrences"`
	}](t, rr)
	require.Len(t, body.Occurrences, 3)
	want := []string{"2025-05-31", "2025-07-31", "2025-08-31"}
	for i, occ := range body.Occurrences {
		assert.Equal(t, want[i], occ.In(kst).Format("2006-01-02"))
		assert.Equal(t, 9, occ.In(kst).Hour())
	}

	rr = h.do(http.MethodGet, "/api/v1/broadcasts/schedules/"+schedID+"/occurrences?count=1000", h.token(orgA, "viewer"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body.Occurrences = nil
	body = decode[struct {
		Occurrences []time.Time `json:"occurrences"`
	}](t, rr)
	assert.Len(t, body.Occurrences, maxOccurrenceCount)

	rr = h.do(http.MethodGet, "/api/v1/broadcasts/schedules/"+schedID+"/occurrences?count=zero", h.token(orgA, "viewer"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSchedules_ExportICal(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	h.seedSchedule(schedID, orgA, tmplID, "08:00", recurrence.KindWeekly, map[string]any{"weekdays": []any{1.0}})

	rr := h.do(http.MethodGet, "/api/v1/broadcasts/schedules/export.ics", h.token(orgA, "viewer"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, export.ICalContentType, rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), ".ics")
	out := rr.Body.String()
	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR"))
	assert.Contains(t, out, "UID:"+schedID+"@snd")
	assert.Contains(t, out, "BYDAY=MO")
}
