package devices

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/pkg/storage/memory"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log := logger.NewLogger(&bytes.Buffer{}, logger.ErrorLevel)
	return NewRegistry(memory.NewStore(), log)
}

func testKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	dev, err := r.Register(ctx, "dev-1", "laptop", testKey())
	require.NoError(t, err)
	require.Equal(t, "dev-1", dev.DeviceID)
	require.Equal(t, dev.RegisteredAt, dev.LastSeen)

	got, err := r.Get(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, dev.DeviceID, got.DeviceID)
	require.Equal(t, dev.PublicKeyB64, got.PublicKeyB64)
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "", "x", testKey())
	require.ErrorIs(t, err, ErrInvalidDevice)

	_, err = r.Register(ctx, "dev-1", "x", "not base64!!")
	require.ErrorIs(t, err, ErrInvalidDevice)

	_, err = r.Register(ctx, "dev-1", "x", "")
	require.ErrorIs(t, err, ErrInvalidDevice)
}

func TestReRegisterKeepsRegistrationTime(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "dev-1", "laptop", testKey())
	require.NoError(t, err)

	again, err := r.Register(ctx, "dev-1", "renamed", testKey())
	require.NoError(t, err)
	require.True(t, first.RegisteredAt.Equal(again.RegisteredAt),
		"registration time changed: %v -> %v", first.RegisteredAt, again.RegisteredAt)
	require.Equal(t, "renamed", again.Label)
}

func TestHeartbeatRefreshes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	dev, err := r.Register(ctx, "dev-1", "", testKey())
	require.NoError(t, err)

	beat, err := r.Heartbeat(ctx, "dev-1")
	require.NoError(t, err)
	require.False(t, beat.ExpiresAt.Before(dev.ExpiresAt))

	_, err = r.Heartbeat(ctx, "missing")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestListSkipsExpired(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "dev-1", "", testKey())
	require.NoError(t, err)
	_, err = r.Register(ctx, "dev-2", "", testKey())
	require.NoError(t, err)

	devs, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 2)

	r.now = func() time.Time { return time.Now().Add(RegistrationTTL + time.Minute) }
	devs, err = r.List(ctx)
	require.NoError(t, err)
	require.Empty(t, devs)
}

func TestDeleteIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "dev-1", "", testKey())
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "dev-1"))
	require.NoError(t, r.Delete(ctx, "dev-1"))

	_, err = r.Get(ctx, "dev-1")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}
