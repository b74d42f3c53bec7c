package api

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Metaroadcorp/snd-system-test/internal/export"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

func TestRunNow_OpensManualRun(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)

	rr := h.do(http.MethodPost, "/api/v1/broadcasts/run", h.token(orgA, "staff"), map[string]any{"template_id": tmplID})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	run := decode[models.BroadcastRun](t, rr)
	assert.Equal(t, models.RunManual, run.RunType)
	assert.Equal(t, models.RunRunning, run.Status)
	assert.Equal(t, orgA, run.OrganizationID)
	assert.Equal(t, "Morning greeting", run.TemplateName)
	require.NotNil(t, run.TriggeredBy)
	assert.Equal(t, 1, h.dispatcher.count())
}

func TestRunNow_UsesSystemTemplate(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, "", false)

	rr := h.do(http.MethodPost, "/api/v1/broadcasts/run", h.token(orgA, "staff"), map[string]any{"template_id": tmplID})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, orgA, decode[models.BroadcastRun](t, rr).OrganizationID)
}

func TestRunNow_Emergency(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	emergencyID := "10000000-0000-0000-0000-0000000000e1"
	h.seedTemplate(emergencyID, orgA, true)

	rr := h.do(http.MethodPost, "/api/v1/broadcasts/run", h.token(orgA, "staff"), map[string]any{"template_id": tmplID, "emergency": true})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "emergency_not_allowed", errorCode(t, rr))

	rr = h.do(http.MethodPost, "/api/v1/broadcasts/run", h.token(orgA, "staff"), map[string]any{"template_id": emergencyID, "emergency": true})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, models.RunEmergency, decode[models.BroadcastRun](t, rr).RunType)

	// Admins may escalate any template.
	rr = h.do(http.MethodPost, "/api/v1/broadcasts/run", h.token(orgA, "admin"), map[string]any{"template_id": tmplID, "emergency": true})
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 2, h.dispatcher.count())
}

func TestRunNow_Errors(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgB, false)

	rr := h.do(http.MethodPost, "/api/v1/broadcasts/run", h.token(orgA, "staff"), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(http.MethodPost, "/api/v1/broadcasts/run", h.token(orgA, "staff"), map[string]any{"template_id": tmplID})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "template_not_found", errorCode(t, rr))

	rr = h.do(http.MethodPost, "/api/v1/broadcasts/run", h.token(orgA, "viewer"), map[string]any{"template_id": tmplID})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Zero(t, h.dispatcher.count())
}

func TestRuns_CancelIsSingleShot(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	tok := h.token(orgA, "staff")

	rr := h.do(http.MethodPost, "/api/v1/broadcasts/run", tok, map[string]any{"template_id": tmplID})
	require.Equal(t, http.StatusAccepted, rr.Code)
	run := decode[models.BroadcastRun](t, rr)

	rr = h.do(http.MethodPost, "/api/v1/broadcasts/runs/"+run.ID+"/cancel", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	closed := decode[models.BroadcastRun](t, rr)
	assert.Equal(t, models.RunCancelled, closed.Status)
	require.NotNil(t, closed.EndedAt)
	assert.Contains(t, closed.Result.Errors, "cancelled")

	rr = h.do(http.MethodPost, "/api/v1/broadcasts/runs/"+run.ID+"/cancel", tok, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "invalid_state_transition", errorCode(t, rr))

	rr = h.do(http.MethodPost, "/api/v1/broadcasts/runs/30000000-0000-0000-0000-0000000000ff/cancel", tok, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "run_not_found", errorCode(t, rr))
}

func TestRuns_OtherOrganizationIsNotFound(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgB, false)

	rr := h.do(http.MethodPost, "/api/v1/broadcasts/run", h.token(orgB, "staff"), map[string]any{"template_id": tmplID})
	require.Equal(t, http.StatusAccepted, rr.Code)
	run := decode[models.BroadcastRun](t, rr)

	rr = h.do(http.MethodGet, "/api/v1/broadcasts/runs/"+run.ID, h.token(orgA, "staff"), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(http.MethodGet, "/api/v1/broadcasts/runs/"+run.ID, h.token(orgB, "viewer"), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRuns_ListNewestFirst(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	tok := h.token(orgA, "staff")

	var ids []string
	for range 3 {
		rr := h.do(http.MethodPost, "/api/v1/broadcasts/run", tok, map[string]any{"template_id": tmplID})
		require.Equal(t, http.StatusAccepted, rr.Code)
		ids = append(ids, decode[models.BroadcastRun](t, rr).ID)
	}

	rr := h.do(http.MethodGet, "/api/v1/broadcasts/runs?limit=2", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Runs  []models.BroadcastRun `json:"runs"`
		Limit int                   `json:"limit"`
	}](t, rr)
	assert.Equal(t, 2, body.Limit)
	require.Len(t, body.Runs, 2)
	assert.False(t, body.Runs[0].StartedAt.Before(body.Runs[1].StartedAt))

	rr = h.do(http.MethodGet, "/api/v1/broadcasts/runs?limit=ten", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRuns_ExportWorkbook(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(tmplID, orgA, false)
	tok := h.token(orgA, "staff")

	rr := h.do(http.MethodPost, "/api/v1/broadcasts/run", tok, map[string]any{"template_id": tmplID})
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = h.do(http.MethodGet, "/api/v1/broadcasts/runs/export.xlsx", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, export.XLSXContentType, rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "broadcast-runs-2025-03-04.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(export.RunHistorySheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Morning greeting", rows[1][4])
}
