package contextcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchat-dev/finchat/pkg/config"
)

type scriptedBuilder struct {
	mu      sync.Mutex
	calls   int
	err     error
	payload string

	// gate, when set, blocks Build until the channel closes.
	gate chan struct{}
}

func (b *scriptedBuilder) Build(ctx context.Context, userID, accountID string, tier Tier, token string) (string, error) {
	if b.gate != nil {
		<-b.gate
	}

	b.mu.Lock()
	b.calls++
	n := b.calls
	err := b.err
	payload := b.payload
	b.mu.Unlock()

	if err != nil {
		return "", err
	}
	if payload != "" {
		return payload, nil
	}
	return fmt.Sprintf("%s payload %d", tier, n), nil
}

func (b *scriptedBuilder) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *scriptedBuilder) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		KeyPrefix:            "test:ctx:",
		ProfileTTL:           12 * time.Hour,
		BalancesTTL:          time.Hour,
		TransactionsTTL:      time.Hour,
		ProfileFreshFor:      2 * time.Hour,
		BalancesFreshFor:     30 * time.Minute,
		TransactionsFreshFor: 30 * time.Minute,
	}
}

func setupCache(t *testing.T) (*Cache, *scriptedBuilder) {
	t.Helper()

	builder := &scriptedBuilder{}
	cache := NewCache(NewMemoryKV(), builder, testCacheConfig())
	return cache, builder
}

func TestCache_MissRebuilds(t *testing.T) {
	cache, builder := setupCache(t)

	entry, err := cache.Get(context.Background(), "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)
	assert.True(t, entry.Fresh)
	assert.Equal(t, TierBalances, entry.Tier)
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, "a1", entry.AccountID)
	assert.Equal(t, "balances payload 1", entry.Payload)
	assert.False(t, entry.BuiltAt.IsZero())
	assert.Equal(t, 1, builder.callCount())
}

func TestCache_FreshHitServedWithoutRebuild(t *testing.T) {
	cache, builder := setupCache(t)
	ctx := context.Background()

	first, err := cache.Get(ctx, "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)

	second, err := cache.Get(ctx, "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)

	assert.True(t, second.Fresh)
	assert.Equal(t, first.BuiltAt, second.BuiltAt)
	assert.Equal(t, 1, builder.callCount())
}

func TestCache_StaleEntryRebuilt(t *testing.T) {
	cache, builder := setupCache(t)
	ctx := context.Background()

	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }

	first, err := cache.Get(ctx, "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)

	// Past the balances freshness threshold, well inside its TTL.
	clock = clock.Add(31 * time.Minute)

	second, err := cache.Get(ctx, "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)

	assert.True(t, second.Fresh)
	assert.True(t, second.BuiltAt.After(first.BuiltAt))
	assert.Equal(t, 2, builder.callCount())
}

func TestCache_TiersHaveIndependentThresholds(t *testing.T) {
	cache, builder := setupCache(t)
	ctx := context.Background()

	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }

	_, err := cache.Get(ctx, "u1", "a1", TierProfile, "tok")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)
	require.Equal(t, 2, builder.callCount())

	// 31 minutes: balances stale, profile still fresh.
	clock = clock.Add(31 * time.Minute)

	_, err = cache.Get(ctx, "u1", "a1", TierProfile, "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, builder.callCount())

	_, err = cache.Get(ctx, "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)
	assert.Equal(t, 3, builder.callCount())
}

func TestCache_StaleServedWhenRebuildFails(t *testing.T) {
	cache, builder := setupCache(t)
	ctx := context.Background()

	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }

	first, err := cache.Get(ctx, "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)

	clock = clock.Add(31 * time.Minute)
	builder.setErr(errors.New("provider down"))

	second, err := cache.Get(ctx, "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)
	assert.False(t, second.Fresh)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Equal(t, first.BuiltAt, second.BuiltAt)
}

func TestCache_MissAndRebuildFailure(t *testing.T) {
	cache, builder := setupCache(t)
	builder.setErr(errors.New("provider down"))

	_, err := cache.Get(context.Background(), "u1", "a1", TierBalances, "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheUnavailable)
}

func TestCache_UnknownTier(t *testing.T) {
	cache, _ := setupCache(t)

	_, err := cache.Get(context.Background(), "u1", "a1", Tier("bogus"), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestCache_InvalidateUser(t *testing.T) {
	cache, builder := setupCache(t)
	ctx := context.Background()

	for _, tier := range AllTiers() {
		_, err := cache.Get(ctx, "u1", "a1", tier, "tok")
		require.NoError(t, err)
	}
	_, err := cache.Get(ctx, "u2", "a9", TierProfile, "tok")
	require.NoError(t, err)
	require.Equal(t, 4, builder.callCount())

	require.NoError(t, cache.Invalidate(ctx, "u1"))

	// Every u1 tier rebuilds; u2 is untouched.
	for _, tier := range AllTiers() {
		_, err := cache.Get(ctx, "u1", "a1", tier, "tok")
		require.NoError(t, err)
	}
	assert.Equal(t, 7, builder.callCount())

	_, err = cache.Get(ctx, "u2", "a9", TierProfile, "tok")
	require.NoError(t, err)
	assert.Equal(t, 7, builder.callCount())
}

func TestCache_InvalidateAccountScoped(t *testing.T) {
	cache, builder := setupCache(t)
	ctx := context.Background()

	_, err := cache.Get(ctx, "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "u1", "a2", TierBalances, "tok")
	require.NoError(t, err)
	require.Equal(t, 2, builder.callCount())

	require.NoError(t, cache.Invalidate(ctx, "u1", "a1"))

	_, err = cache.Get(ctx, "u1", "a1", TierBalances, "tok")
	require.NoError(t, err)
	assert.Equal(t, 3, builder.callCount())

	_, err = cache.Get(ctx, "u1", "a2", TierBalances, "tok")
	require.NoError(t, err)
	assert.Equal(t, 3, builder.callCount())
}

func TestCache_InvalidateNothingIsNoop(t *testing.T) {
	cache, _ := setupCache(t)

	assert.NoError(t, cache.Invalidate(context.Background(), "nobody"))
}

func TestCache_WarmUpBuildsAllTiers(t *testing.T) {
	cache, builder := setupCache(t)
	ctx := context.Background()

	require.NoError(t, cache.WarmUp(ctx, "u1", "a1", ""))
	assert.Equal(t, len(AllTiers()), builder.callCount())

	// A warmed entry serves without another build.
	entry, err := cache.Get(ctx, "u1", "a1", TierProfile, "tok")
	require.NoError(t, err)
	assert.True(t, entry.Fresh)
	assert.Equal(t, len(AllTiers()), builder.callCount())
}

func TestCache_WarmUpReportsFirstFailure(t *testing.T) {
	cache, builder := setupCache(t)
	boom := errors.New("provider down")
	builder.setErr(boom)

	err := cache.WarmUp(context.Background(), "u1", "a1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	// Every tier was still attempted.
	assert.Equal(t, len(AllTiers()), builder.callCount())
}

func TestCache_ConcurrentRebuildsCollapse(t *testing.T) {
	builder := &scriptedBuilder{gate: make(chan struct{})}
	cache := NewCache(NewMemoryKV(), builder, testCacheConfig())
	ctx := context.Background()

	const callers = 8
	var (
		wg       sync.WaitGroup
		ready    sync.WaitGroup
		failures atomic.Int32
		builts   [callers]time.Time
	)
	wg.Add(callers)
	ready.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			ready.Done()
			entry, err := cache.Get(ctx, "u1", "a1", TierBalances, "tok")
			if err != nil {
				failures.Add(1)
				return
			}
			builts[i] = entry.BuiltAt
		}(i)
	}

	// Let the callers pile up behind the gate, then release.
	ready.Wait()
	time.Sleep(50 * time.Millisecond)
	close(builder.gate)
	wg.Wait()

	require.Zero(t, failures.Load())
	assert.Equal(t, 1, builder.callCount())
	for i := 1; i < callers; i++ {
		assert.Equal(t, builts[0], builts[i])
	}
}
