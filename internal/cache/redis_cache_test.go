package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/groviaus/jewellery-software-app/internal/domain"
)

func newTestCache(t *testing.T) (*RedisSettingsCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisSettingsCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisSettingsCacheRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.False(t, ok)

	want := domain.StoreSettings{OwnerID: "owner-1", TaxRate: decimal.RequireFromString("1.5"), LowStockThreshold: 2}
	require.NoError(t, c.Set(ctx, &want, time.Minute))
	require.True(t, mr.Exists("jewelpos:settings:owner-1"))

	got, ok, err := c.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.TaxRate.Equal(want.TaxRate))
	require.Equal(t, 2, got.LowStockThreshold)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisSettingsCacheInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	settings := domain.DefaultSettings("owner-1")
	require.NoError(t, c.Set(ctx, &settings, time.Minute))
	require.NoError(t, c.Invalidate(ctx, "owner-1"))

	_, ok, err := c.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisSettingsCachePing(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, c.Ping(context.Background()))

	mr.Close()
	require.Error(t, c.Ping(context.Background()))
}

func TestRedisSettingsCacheWithTracing(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.InstrumentTracing())

	settings := domain.DefaultSettings("owner-1")
	require.NoError(t, c.Set(context.Background(), &settings, time.Minute))
	_, ok, err := c.Get(context.Background(), "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
}
