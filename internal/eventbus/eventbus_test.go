package eventbus

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metaroadcorp/snd-system-test/internal/config"
	"github.com/Metaroadcorp/snd-system-test/internal/events"
)

func newRedisBus(t *testing.T, mr *miniredis.Miniredis, node string) *RedisBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rb := NewRedisBusWithClient(client, DefaultRedisConfig(), node, zerolog.Nop())
	t.Cleanup(func() { _ = rb.Close() })
	return rb
}

func receive(t *testing.T, sub events.Subscriber) events.Payload {
	t.Helper()
	select {
	case p := <-sub:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestRedisBusBridgesNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisBus(t, mr, "a")
	b := newRedisBus(t, mr, "b")

	subA := a.Subscribe(events.EventRunClosed)
	subB := b.Subscribe(events.EventRunClosed)

	a.Publish(events.EventRunClosed, events.Payload{"run_id": "r1", "organization_id": "o1"})

	assert.Equal(t, "r1", receive(t, subA).String("run_id"))
	got := receive(t, subB)
	assert.Equal(t, "r1", got.String("run_id"))
	assert.Equal(t, "o1", got.String("organization_id"))

	// No echo back to the publishing node.
	select {
	case p := <-subA:
		t.Fatalf("unexpected echo %v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBusFallsBackWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	rb := NewRedisBusWithClient(client, DefaultRedisConfig(), "n", zerolog.Nop())
	defer rb.Close()

	sub := rb.Subscribe(events.EventRunOpened)
	rb.Publish(events.EventRunOpened, events.Payload{"run_id": "r1"})
	assert.Equal(t, "r1", receive(t, sub).String("run_id"))
}

func TestEnvelopeRejectsGarbage(t *testing.T) {
	_, err := unmarshalEnvelope([]byte("not json"))
	assert.Error(t, err)
	_, err = unmarshalEnvelope([]byte(`{"payload":{}}`))
	assert.Error(t, err)

	data, err := marshalEnvelope(events.EventRunOpened, events.Payload{"run_id": "r"}, "n1")
	require.NoError(t, err)
	env, err := unmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, events.EventRunOpened, env.EventType)
	assert.Equal(t, "n1", env.NodeID)
}

func TestNATSBusWithoutServerDeliversLocally(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond
	nb := NewNATSBus(cfg, "n", zerolog.Nop())
	defer nb.Close()

	assert.False(t, nb.Connected())
	sub := nb.Subscribe(events.EventScheduleCreated)
	nb.Publish(events.EventScheduleCreated, events.Payload{"schedule_id": "s1"})
	assert.Equal(t, "s1", receive(t, sub).String("schedule_id"))
}

func TestNewSelectsBackend(t *testing.T) {
	bus := New(&config.Config{EventBus: config.EventBusMemory}, "n", zerolog.Nop())
	_, ok := bus.(*Local)
	assert.True(t, ok)
	assert.NoError(t, bus.Close())
}
