package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metaroadcorp/snd-system-test/internal/db/dbtest"
	"github.com/Metaroadcorp/snd-system-test/internal/events"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

func fastOptions() Options {
	return Options{Timeout: time.Second, RetryCount: 3, RetryWait: time.Millisecond}
}

func TestFireSignsAndRetries(t *testing.T) {
	database := dbtest.Open(t)

	var hits atomic.Int32
	var mu sync.Mutex
	var gotBody []byte
	var gotSig, gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody, gotSig, gotEvent = body, r.Header.Get(HeaderSignature), r.Header.Get(HeaderEvent)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	target := models.NewWebhookTarget("o1", srv.URL, "run_closed")
	require.NoError(t, database.Create(target).Error)
	other := models.NewWebhookTarget("o1", srv.URL, "run_opened")
	require.NoError(t, database.Create(other).Error)

	svc := NewService(database, events.NewBus(), fastOptions(), zerolog.Nop())
	svc.Fire(context.Background(), "o1", models.WebhookEventRunClosed, map[string]any{"run_id": "r1", "status": "COMPLETED"})
	svc.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, "run_closed", gotEvent)
	assert.Equal(t, Sign(gotBody, target.Secret), gotSig)

	var payload Payload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, models.WebhookEventRunClosed, payload.Event)
	assert.Equal(t, "r1", payload.Run["run_id"])

	var logs []models.WebhookLog
	require.NoError(t, database.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, target.ID, logs[0].TargetID)
	assert.Equal(t, http.StatusNoContent, logs[0].StatusCode)
	assert.Equal(t, 2, logs[0].Attempts)
	assert.Empty(t, logs[0].Error)
}

func TestFailedDeliveryIsLogged(t *testing.T) {
	database := dbtest.Open(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	target := models.NewWebhookTarget("o1", srv.URL, "run_opened")
	require.NoError(t, database.Create(target).Error)

	svc := NewService(database, events.NewBus(), fastOptions(), zerolog.Nop())
	err := svc.TestWebhook(context.Background(), target)
	require.Error(t, err)

	var entry models.WebhookLog
	require.NoError(t, database.First(&entry).Error)
	assert.Equal(t, http.StatusNotFound, entry.StatusCode)
	assert.Equal(t, "test", entry.Event)
	assert.Contains(t, entry.Error, "404")
}

func TestStartForwardsBusEvents(t *testing.T) {
	database := dbtest.Open(t)
	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get(HeaderEvent)
	}))
	defer srv.Close()
	require.NoError(t, database.Create(models.NewWebhookTarget("o1", srv.URL, "run_opened,run_closed")).Error)

	bus := events.NewBus()
	svc := NewService(database, bus, fastOptions(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	bus.Publish(events.EventRunOpened, events.Payload{"run_id": "r1", "organization_id": "o1"})
	select {
	case ev := <-received:
		assert.Equal(t, "run_opened", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
	svc.Wait()
}

func TestSign(t *testing.T) {
	assert.Equal(t,
		"sha256=5d5d139563c95b5967b9bd9a8c9b233a9dedb45072794cd232dc1b74832607d0",
		Sign([]byte(""), "key"))
}
