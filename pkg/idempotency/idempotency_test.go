package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryClaim(t *testing.T) {
	now := time.Now()
	reg := newMemoryRegistry(time.Hour, defaultMaxEntries, func() time.Time { return now })
	ctx := context.Background()

	first, err := reg.Claim(ctx, "delivery-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := reg.Claim(ctx, "delivery-1")
	require.NoError(t, err)
	assert.False(t, second)

	other, err := reg.Claim(ctx, "delivery-2")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemoryRegistryExpiry(t *testing.T) {
	now := time.Now()
	reg := newMemoryRegistry(time.Minute, defaultMaxEntries, func() time.Time { return now })
	ctx := context.Background()

	claimed, err := reg.Claim(ctx, "delivery-1")
	require.NoError(t, err)
	require.True(t, claimed)

	now = now.Add(30 * time.Second)
	claimed, err = reg.Claim(ctx, "delivery-1")
	require.NoError(t, err)
	assert.False(t, claimed, "still inside the window")

	now = now.Add(31 * time.Second)
	claimed, err = reg.Claim(ctx, "delivery-1")
	require.NoError(t, err)
	assert.True(t, claimed, "window elapsed, identifier reusable")
}

func TestMemoryRegistrySweepBoundsGrowth(t *testing.T) {
	now := time.Now()
	reg := newMemoryRegistry(time.Second, defaultMaxEntries, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := reg.Claim(ctx, string(rune('a'+i%26))+time.Duration(i).String())
		require.NoError(t, err)
	}
	require.Greater(t, reg.Len(), 0)

	now = now.Add(2 * time.Second)
	_, err := reg.Claim(ctx, "fresh")
	require.NoError(t, err)
	assert.LessOrEqual(t, reg.Len(), 2, "expired identifiers swept")
}

func TestMemoryRegistryCapsUniqueIdentifiers(t *testing.T) {
	now := time.Now()
	reg := newMemoryRegistry(time.Hour, 3, func() time.Time { return now })
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		fresh, err := reg.Claim(ctx, id)
		require.NoError(t, err)
		assert.True(t, fresh)
	}
	assert.LessOrEqual(t, reg.Len(), 3, "unique identifiers inside the TTL window stay capped")

	// The newest identifiers survive; the oldest were evicted and are
	// claimable again.
	fresh, err := reg.Claim(ctx, "e")
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = reg.Claim(ctx, "a")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestMemoryRegistryEvictionAfterExpiredReclaim(t *testing.T) {
	now := time.Now()
	reg := newMemoryRegistry(time.Minute, 2, func() time.Time { return now })
	ctx := context.Background()

	_, err := reg.Claim(ctx, "a")
	require.NoError(t, err)

	// Expire and re-claim "a": its position in the eviction order must
	// reflect the re-claim, not the original insertion.
	now = now.Add(2 * time.Minute)
	fresh, err := reg.Claim(ctx, "a")
	require.NoError(t, err)
	require.True(t, fresh)

	_, err = reg.Claim(ctx, "b")
	require.NoError(t, err)

	// At capacity: the next claim evicts the re-claimed "a" first.
	_, err = reg.Claim(ctx, "c")
	require.NoError(t, err)

	fresh, err = reg.Claim(ctx, "b")
	require.NoError(t, err)
	assert.False(t, fresh, "b still tracked after eviction")

	fresh, err = reg.Claim(ctx, "a")
	require.NoError(t, err)
	assert.True(t, fresh, "oldest entry evicted")
}

func TestMemoryRegistryZeroTTLDisablesDedup(t *testing.T) {
	reg := NewMemoryRegistry(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		claimed, err := reg.Claim(ctx, "same")
		require.NoError(t, err)
		assert.True(t, claimed)
	}
}

func TestInFlightSerialisesPerTicket(t *testing.T) {
	inflight := NewInFlight()

	release, ok := inflight.TryAcquire(42)
	require.True(t, ok)
	assert.Equal(t, 1, inflight.Active())
	assert.True(t, inflight.Contains(42))
	assert.False(t, inflight.Contains(43))

	_, ok = inflight.TryAcquire(42)
	assert.False(t, ok, "second job for the same ticket must be refused")

	otherRelease, ok := inflight.TryAcquire(43)
	require.True(t, ok, "different ticket is independent")
	otherRelease()

	release()
	assert.Equal(t, 0, inflight.Active())

	_, ok = inflight.TryAcquire(42)
	assert.True(t, ok, "slot reusable after release")
}

func TestInFlightReleaseIdempotent(t *testing.T) {
	inflight := NewInFlight()

	release, ok := inflight.TryAcquire(1)
	require.True(t, ok)
	release()
	release()

	again, ok := inflight.TryAcquire(1)
	require.True(t, ok)
	defer again()
	assert.Equal(t, 1, inflight.Active())
}

func TestInFlightConcurrentAcquire(t *testing.T) {
	inflight := NewInFlight()

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if release, ok := inflight.TryAcquire(7); ok {
				mu.Lock()
				acquired++
				mu.Unlock()
				release()
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, acquired, 1)
	assert.Equal(t, 0, inflight.Active())
}
