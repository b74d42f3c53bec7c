package leadership

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newElection(t *testing.T, mr *miniredis.Miniredis, id string) *Election {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	e := NewElectionWithClient(client, ElectionConfig{
		InstanceID:      id,
		LeaseDuration:   time.Second,
		RenewalInterval: 20 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSingleLeaderAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newElection(t, mr, "a")
	b := newElection(t, mr, "b")
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	require.Eventually(t, a.IsLeader, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Start(ctx))

	// b keeps campaigning but never wins while a renews.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	leader, err := b.GetLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", leader)

	// Stopping a releases the lease and b takes over.
	require.NoError(t, a.Stop())
	assert.False(t, a.IsLeader())
	require.Eventually(t, b.IsLeader, time.Second, 5*time.Millisecond)
}

func TestLeaderChReportsChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newElection(t, mr, "solo")
	require.NoError(t, e.Start(context.Background()))

	select {
	case leader := <-e.LeaderCh():
		assert.True(t, leader)
	case <-time.After(time.Second):
		t.Fatal("no leadership notification")
	}

	// Another instance steals the key; the next renewal notices.
	mr.Set(defaultElectionKey, "intruder")
	select {
	case leader := <-e.LeaderCh():
		assert.False(t, leader)
	case <-time.After(time.Second):
		t.Fatal("no loss notification")
	}
}

func TestStartTwiceFails(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newElection(t, mr, "x")
	require.NoError(t, e.Start(context.Background()))
	assert.Error(t, e.Start(context.Background()))
}
