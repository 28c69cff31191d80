package rbac

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	groups  map[int64][]int64
	actions map[int64][]string
	err     error

	userCalls  atomic.Int32
	groupCalls atomic.Int32

	// gate, when set, blocks LoadUserGroupIDs until closed or ctx ends.
	gate    chan struct{}
	started chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		groups:  map[int64][]int64{7: {1, 2}},
		actions: map[int64][]string{1: {"changes.view"}, 2: {"Changes.Submit "}},
	}
}

func (f *fakeSource) LoadUserGroupIDs(ctx context.Context, tenantID, userID int64) ([]int64, error) {
	f.userCalls.Add(1)
	f.mu.Lock()
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]int64(nil), f.groups[userID]...), nil
}

func (f *fakeSource) LoadGroupRoleActions(ctx context.Context, tenantID, groupID int64) ([]string, error) {
	f.groupCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.actions[groupID]...), nil
}

func (f *fakeSource) setActions(groupID int64, actions ...string) {
	f.mu.Lock()
	f.actions[groupID] = actions
	f.mu.Unlock()
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) block() (release func()) {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 1)
	gate := f.gate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.gate = nil
		f.mu.Unlock()
		close(gate)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(src Source, clock *fakeClock) *Cache {
	return NewCache(src, CacheConfig{TTL: time.Minute, Now: clock.Now, Registerer: prometheus.NewRegistry()})
}

func TestCacheServesFromMemoryWithinTTL(t *testing.T) {
	src := newFakeSource()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := newTestCache(src, clock)
	ctx := context.Background()

	set, hit, err := cache.Permissions(ctx, 1, 7)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, []string{"changes.submit", "changes.view"}, set.Keys())

	_, hit, err = cache.Permissions(ctx, 1, 7)
	require.NoError(t, err)
	require.True(t, hit)
	require.EqualValues(t, 1, src.userCalls.Load())

	clock.Advance(time.Minute)
	_, hit, err = cache.Permissions(ctx, 1, 7)
	require.NoError(t, err)
	require.False(t, hit)
	require.EqualValues(t, 2, src.userCalls.Load())
}

func TestCacheInvalidateForcesRefetch(t *testing.T) {
	src := newFakeSource()
	cache := newTestCache(src, &fakeClock{now: time.Now()})
	ctx := context.Background()

	require.True(t, cache.GetPermissions(ctx, 1, 7).Has("changes.view"))
	src.setActions(1)
	require.True(t, cache.GetPermissions(ctx, 1, 7).Has("changes.view"))

	require.NoError(t, cache.Invalidate(ctx, 1, 7))
	require.False(t, cache.GetPermissions(ctx, 1, 7).Has("changes.view"))
	require.EqualValues(t, 2, src.userCalls.Load())
}

func TestCacheReturnedSetIsACopy(t *testing.T) {
	src := newFakeSource()
	cache := newTestCache(src, &fakeClock{now: time.Now()})
	ctx := context.Background()

	set := cache.GetPermissions(ctx, 1, 7)
	set.add("changes.approve")
	require.False(t, cache.GetPermissions(ctx, 1, 7).Has("changes.approve"))
}

func TestCacheConcurrentMissesShareOneFetch(t *testing.T) {
	src := newFakeSource()
	cache := newTestCache(src, &fakeClock{now: time.Now()})
	release := src.block()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]PermissionSet, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.GetPermissions(context.Background(), 1, 7)
		}(i)
	}
	<-src.started
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	require.EqualValues(t, 1, src.userCalls.Load())
	for _, set := range results {
		require.Equal(t, []string{"changes.submit", "changes.view"}, set.Keys())
	}
}

func TestCacheLoadFailureFailsClosedAndIsNotCached(t *testing.T) {
	src := newFakeSource()
	src.setErr(errors.New("db down"))
	cache := newTestCache(src, &fakeClock{now: time.Now()})
	ctx := context.Background()

	set, hit, err := cache.Permissions(ctx, 1, 7)
	require.Error(t, err)
	require.False(t, hit)
	require.NotNil(t, set)
	require.Empty(t, set)

	src.setErr(nil)
	set, hit, err = cache.Permissions(ctx, 1, 7)
	require.NoError(t, err)
	require.False(t, hit)
	require.True(t, set.Has("changes.view"))
	require.EqualValues(t, 2, src.userCalls.Load())
}

func TestCacheInvalidateDuringLoadDiscardsStaleResult(t *testing.T) {
	src := newFakeSource()
	cache := newTestCache(src, &fakeClock{now: time.Now()})
	ctx := context.Background()
	release := src.block()

	done := make(chan PermissionSet)
	go func() { done <- cache.GetPermissions(ctx, 1, 7) }()
	<-src.started

	src.setActions(1)
	require.NoError(t, cache.Invalidate(ctx, 1, 7))
	release()
	<-done

	set, hit, err := cache.Permissions(ctx, 1, 7)
	require.NoError(t, err)
	require.False(t, hit)
	require.False(t, set.Has("changes.view"))
	require.EqualValues(t, 2, src.userCalls.Load())
}

func TestCacheCanceledCallerDoesNotPopulate(t *testing.T) {
	src := newFakeSource()
	cache := newTestCache(src, &fakeClock{now: time.Now()})
	release := src.block()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		_, _, err := cache.Permissions(ctx, 1, 7)
		errCh <- err
	}()
	<-src.started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	release()

	require.Eventually(t, func() bool {
		_, ok := cache.lookup(cacheKey{scope: scopeUser, tenantID: 1, id: 7})
		return !ok
	}, time.Second, 10*time.Millisecond)

	set, hit, err := cache.Permissions(context.Background(), 1, 7)
	require.NoError(t, err)
	require.False(t, hit)
	require.True(t, set.Has("changes.view"))
}

func TestCacheWaiterRetriesWhenInitiatorCanceled(t *testing.T) {
	src := newFakeSource()
	cache := newTestCache(src, &fakeClock{now: time.Now()})
	release := src.block()

	initiator, cancel := context.WithCancel(context.Background())
	go func() { _, _, _ = cache.Permissions(initiator, 1, 7) }()
	<-src.started

	waiterDone := make(chan PermissionSet)
	go func() { waiterDone <- cache.GetPermissions(context.Background(), 1, 7) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-src.started
	release()

	set := <-waiterDone
	require.True(t, set.Has("changes.view"))
}

func TestCacheInvalidateGroupDropsTenantUsers(t *testing.T) {
	src := newFakeSource()
	cache := newTestCache(src, &fakeClock{now: time.Now()})
	ctx := context.Background()

	_ = cache.GetPermissions(ctx, 1, 7)
	_ = cache.GetPermissions(ctx, 2, 7)
	groupSet, err := cache.GetGroupPermissions(ctx, 1, 2)
	require.NoError(t, err)
	require.True(t, groupSet.Has("changes.submit"))

	require.NoError(t, cache.InvalidateGroup(ctx, 1, 2))

	_, ok := cache.lookup(cacheKey{scope: scopeUser, tenantID: 1, id: 7})
	require.False(t, ok)
	_, ok = cache.lookup(cacheKey{scope: scopeGroup, tenantID: 1, id: 2})
	require.False(t, ok)
	_, ok = cache.lookup(cacheKey{scope: scopeUser, tenantID: 2, id: 7})
	require.True(t, ok)
}

func (c *Cache) tableSizes() (entries, keyGens, loading int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), len(c.keyGens), len(c.loading)
}

func TestCacheDoesNotRetainExpiredOrInvalidatedKeys(t *testing.T) {
	src := newFakeSource()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := newTestCache(src, clock)
	ctx := context.Background()

	for userID := int64(100); userID < 150; userID++ {
		_ = cache.GetPermissions(ctx, 1, userID)
		require.NoError(t, cache.Invalidate(ctx, 1, userID))
		require.NoError(t, cache.Invalidate(ctx, 3, userID))
	}
	entries, gens, loading := cache.tableSizes()
	require.Zero(t, entries)
	require.Zero(t, gens)
	require.Zero(t, loading)

	_ = cache.GetPermissions(ctx, 1, 7)
	_, err := cache.GetGroupPermissions(ctx, 1, 2)
	require.NoError(t, err)
	require.NoError(t, cache.InvalidateGroup(ctx, 1, 2))
	entries, gens, _ = cache.tableSizes()
	require.Zero(t, entries)
	require.Zero(t, gens)

	_ = cache.GetPermissions(ctx, 1, 7)
	clock.Advance(time.Minute)
	_, ok := cache.lookup(cacheKey{scope: scopeUser, tenantID: 1, id: 7})
	require.False(t, ok)
	entries, gens, _ = cache.tableSizes()
	require.Zero(t, entries)
	require.Zero(t, gens)
}

func TestCacheInvalidatedLoadIsNotJoinedByLaterCallers(t *testing.T) {
	src := newFakeSource()
	cache := newTestCache(src, &fakeClock{now: time.Now()})
	ctx := context.Background()
	release := src.block()

	stale := make(chan PermissionSet)
	go func() { stale <- cache.GetPermissions(ctx, 1, 7) }()
	<-src.started

	src.setActions(1)
	require.NoError(t, cache.Invalidate(ctx, 1, 7))
	fresh := make(chan PermissionSet)
	go func() { fresh <- cache.GetPermissions(ctx, 1, 7) }()
	<-src.started
	release()

	<-stale
	require.False(t, (<-fresh).Has("changes.view"))
	require.EqualValues(t, 2, src.userCalls.Load())
	_, gens, loading := cache.tableSizes()
	require.Equal(t, 1, gens)
	require.Zero(t, loading)
}

func TestCacheInvalidationBroadcastReachesPeers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := newFakeSource()
	clock := &fakeClock{now: time.Now()}
	publisher := NewCache(src, CacheConfig{Now: clock.Now, Redis: client})
	peer := NewCache(src, CacheConfig{Now: clock.Now, Redis: client})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, publisher.ListenForInvalidation(ctx))
	require.NoError(t, peer.ListenForInvalidation(ctx))

	_ = publisher.GetPermissions(ctx, 1, 7)
	_ = peer.GetPermissions(ctx, 1, 7)

	require.NoError(t, publisher.Invalidate(ctx, 1, 7))

	key := cacheKey{scope: scopeUser, tenantID: 1, id: 7}
	require.Eventually(t, func() bool {
		_, ok := peer.lookup(key)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestCacheWithoutRedisSkipsBroadcast(t *testing.T) {
	cache := newTestCache(newFakeSource(), &fakeClock{now: time.Now()})
	require.NoError(t, cache.ListenForInvalidation(context.Background()))
	require.NoError(t, cache.Invalidate(context.Background(), 1, 7))
}
