package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metaroadcorp/snd-system-test/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment:         "test",
		HTTPBind:            "127.0.0.1",
		HTTPPort:            0,
		DBBackend:           config.DatabaseSQLite,
		DBDSN:               filepath.Join(t.TempDir(), "snd.db"),
		JWTSigningKey:       config.DevJWTSigningKey,
		Timezone:            "Asia/Seoul",
		SchedulerCron:       "@every 1h",
		SchedulerLookback:   90 * time.Second,
		DispatchConcurrency: 2,
		DispatchTimeout:     time.Second,
		EventBus:            config.EventBusMemory,
	}
}

func TestNewWiresRoutes(t *testing.T) {
	srv, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, srv.Close()) })

	assert.Nil(t, srv.MetricsServer())
	assert.NotNil(t, srv.HTTPServer())

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "leader")

	rr = httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/broadcasts/templates", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestNewFailsOnBadBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBBackend = "oracle"
	_, err := New(cfg, zerolog.Nop())
	assert.Error(t, err)
}
