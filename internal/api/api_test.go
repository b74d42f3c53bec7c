package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/agenda"
	"github.com/Metaroadcorp/snd-system-test/internal/audit"
	"github.com/Metaroadcorp/snd-system-test/internal/auth"
	"github.com/Metaroadcorp/snd-system-test/internal/db/dbtest"
	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/ledger"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
)

const (
	orgA = "a0000000-0000-0000-0000-00000000000a"
	orgB = "b0000000-0000-0000-0000-00000000000b"
)

var (
	testSecret = []byte("test-secret")
	kst        = time.FixedZone("KST", 9*3600)
)

type recordingDispatcher struct {
	mu   sync.Mutex
	runs []*models.BroadcastRun
}

func (d *recordingDispatcher) Go(run *models.BroadcastRun, _ *models.BroadcastTemplate) {
	d.mu.Lock()
	d.runs = append(d.runs, run)
	d.mu.Unlock()
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runs)
}

type harness struct {
	t          *testing.T
	db         *gorm.DB
	api        *API
	router     chi.Router
	ledger     *ledger.Ledger
	dispatcher *recordingDispatcher
	bus        *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database := dbtest.Open(t)
	bus := events.NewBus()
	logger := zerolog.Nop()
	l := ledger.New(ledger.NewGormStore(database), logger, ledger.WithPublisher(bus))
	d := &recordingDispatcher{}

	a := New(Deps{
		DB:         database,
		JWTSecret:  testSecret,
		Ledger:     l,
		Agenda:     agenda.New(database, nil, kst, logger),
		Dispatcher: d,
		Bus:        bus,
		Audit:      audit.NewService(database, bus, logger),
		Logger:     logger,
	})
	// 2025-03-04 (Tuesday) 09:00 KST.
	a.now = func() time.Time { return time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC) }

	r := chi.NewRouter()
	a.Routes(r)
	return &harness{t: t, db: database, api: a, router: r, ledger: l, dispatcher: d, bus: bus}
}

func (h *harness) token(org string, roles ...string) string {
	h.t.Helper()
	tok, err := auth.Issue(testSecret, auth.Claims{UserID: "c0000000-0000-0000-0000-00000000000c", Roles: roles, OrganizationID: org}, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rr)["error"]
}

func (h *harness) seedTemplate(id, org string, emergency bool) *models.BroadcastTemplate {
	h.t.Helper()
	tmpl := &models.BroadcastTemplate{
		ID:          id,
		Name:        "Morning greeting",
		ContentType: models.ContentText,
		TextContent: "Good morning",
		IsEmergency: emergency,
	}
	if org != "" {
		tmpl.OrganizationID = &org
	}
	tmpl.ApplyDefaults()
	require.NoError(h.t, h.db.Create(tmpl).Error)
	return tmpl
}

func (h *harness) seedSchedule(id, org, tmplID, at string, kind recurrence.Kind, config map[string]any) *models.BroadcastSchedule {
	h.t.Helper()
	s := &models.BroadcastSchedule{
		ID:             id,
		OrganizationID: org,
		TemplateID:     tmplID,
		Name:           id,
		RepeatType:     kind,
		RepeatConfig:   config,
		ScheduledTime:  recurrence.MustTimeOfDay(at),
	}
	require.NoError(h.t, s.Validate())
	require.NoError(h.t, h.db.Create(s).Error)
	return s
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "snd-system", body["service"])
	assert.NotEmpty(t, body["version"])
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/api/v1/broadcasts/templates", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestViewerCannotWrite(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPost, "/api/v1/broadcasts/templates", h.token(orgA, "viewer"), map[string]any{
		"name": "x", "content_type": "TEXT", "text_content": "hi",
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "insufficient_role", errorCode(t, rr))
}

func TestOrganizationScope(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/api/v1/broadcasts/schedules?organization_id="+orgB, h.token(orgA, "staff"), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Unbound tokens must name an organization.
	rr = h.do(http.MethodGet, "/api/v1/broadcasts/schedules", h.token("", "admin"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "organization_id_required", errorCode(t, rr))

	rr = h.do(http.MethodGet, "/api/v1/broadcasts/schedules?organizationId="+orgB, h.token("", "admin"), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
