package keys

import (
	"context"
	"errors"
	"testing"
	"time"

	"orproxy-go/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestCheckRateLimitWindow(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	// hourly 120 -> 2 per minute
	d := r.CheckRateLimit(ctx, "u1", 120)
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.Limit)
	require.Equal(t, 1, d.Remaining)

	d = r.CheckRateLimit(ctx, "u1", 120)
	require.True(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)

	d = r.CheckRateLimit(ctx, "u1", 120)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
}

func TestCheckRateLimitMinimumOnePerMinute(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	d := r.CheckRateLimit(ctx, "u2", 10)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Limit)

	d = r.CheckRateLimit(ctx, "u2", 10)
	require.False(t, d.Allowed)
}

func TestCheckRateLimitIsolatedPerUser(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.True(t, r.CheckRateLimit(ctx, "u3", 60).Allowed)
	require.False(t, r.CheckRateLimit(ctx, "u3", 60).Allowed)
	require.True(t, r.CheckRateLimit(ctx, "u4", 60).Allowed)
}

func TestCheckRateLimitNewWindowResets(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	r.now = func() time.Time { return base }

	require.True(t, r.CheckRateLimit(ctx, "u5", 60).Allowed)
	require.False(t, r.CheckRateLimit(ctx, "u5", 60).Allowed)

	r.now = func() time.Time { return base.Add(time.Minute) }
	require.True(t, r.CheckRateLimit(ctx, "u5", 60).Allowed)
}

type failingCounterStore struct {
	storage.Store
}

func (failingCounterStore) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("store down")
}

func TestCheckRateLimitFailsOpen(t *testing.T) {
	r := NewRegistry(failingCounterStore{}, NewMemoryVault(), Options{})

	d := r.CheckRateLimit(context.Background(), "u6", 60)
	require.True(t, d.Allowed, "counter unavailability must not block requests")
	require.Equal(t, 1, d.Limit)
}
