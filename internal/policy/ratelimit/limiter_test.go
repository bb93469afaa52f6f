package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiterWaitSpacesRequests(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://catalog.test/product/1/"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://catalog.test/product/2/"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.test/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.test/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(ctx, "https://catalog.test/"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHonorsCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Wait(ctx, "https://slow.test/"))
	cancel()
	require.Error(t, l.Wait(ctx, "https://slow.test/"))
}

func TestLimiterHostOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 5, HostRPS: map[string]float64{"CDN.catalog.test": 0.5, "free.test": 0}})
	require.Equal(t, rate.Limit(5), l.Limit("catalog.test"))
	require.Equal(t, rate.Limit(0.5), l.Limit("cdn.catalog.test"))
	require.Equal(t, rate.Inf, l.Limit("free.test"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Wait(ctx, "https://cdn.catalog.test/a.pdf"))
	require.Error(t, l.Wait(ctx, "https://cdn.catalog.test/b.pdf"))
}

func TestConfigEnabled(t *testing.T) {
	t.Parallel()

	require.False(t, Config{}.Enabled())
	require.False(t, Config{HostRPS: map[string]float64{"a.test": 0}}.Enabled())
	require.True(t, Config{DefaultRPS: 1}.Enabled())
	require.True(t, Config{HostRPS: map[string]float64{"a.test": 2}}.Enabled())
}
