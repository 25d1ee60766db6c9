package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, ttl), mr
}

func TestPutGetRoundtrip(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	stored := &MenuSession{
		ID:             "sess-1",
		State:          StateDeviceControl,
		Phone:          "+256700000001",
		AccountID:      "acct-1",
		SelectedDevice: "pump-1",
		Devices:        []string{"pump-1", "heater-1"},
	}
	require.NoError(t, manager.Put(ctx, stored))

	got, err := manager.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, stored, got)
}

func TestGetMissing(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)

	_, err := manager.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClear(t *testing.T) {
	manager, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, manager.Put(ctx, &MenuSession{ID: "sess-1", State: StateMainMenu}))
	require.NoError(t, manager.Clear(ctx, "sess-1"))

	_, err := manager.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Clearing an already-missing session is not an error.
	assert.NoError(t, manager.Clear(ctx, "sess-1"))
}

func TestSessionExpires(t *testing.T) {
	manager, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, manager.Put(ctx, &MenuSession{ID: "sess-1", State: StateMainMenu}))

	mr.FastForward(61 * time.Second)

	_, err := manager.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPutRefreshesTTL(t *testing.T) {
	manager, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	session := &MenuSession{ID: "sess-1", State: StateMainMenu}
	require.NoError(t, manager.Put(ctx, session))

	mr.FastForward(40 * time.Second)
	require.NoError(t, manager.Put(ctx, session))
	mr.FastForward(40 * time.Second)

	// 80 seconds total, but the second Put reset the clock.
	_, err := manager.Get(ctx, "sess-1")
	assert.NoError(t, err)
}
