package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"form-gateway/middleware/ratelimit/domain"
)

type fakeStore struct {
	mu    sync.Mutex
	snap  domain.Snapshot
	calls int
}

func (s *fakeStore) WithExclusiveAccess(_ context.Context, fn func(domain.Snapshot) domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.snap = fn(s.snap.Clone())
	return nil
}

func (s *fakeStore) count(id domain.Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snap[id])
}

type failingStore struct{ err error }

func (s failingStore) WithExclusiveAccess(context.Context, func(domain.Snapshot) domain.Snapshot) error {
	return s.err
}

// blockingStore nunca entrega o lock; só retorna quando ctx encerra.
type blockingStore struct{}

func (blockingStore) WithExclusiveAccess(ctx context.Context, _ func(domain.Snapshot) domain.Snapshot) error {
	<-ctx.Done()
	return fmt.Errorf("%w: %w", domain.ErrLockTimeout, ctx.Err())
}

func newLimiter(store domain.WindowStore, max int) Limiter {
	return Limiter{
		Store:  store,
		Clock:  domain.NewFixedClock(1000),
		Policy: domain.Policy{Window: 120 * time.Second, MaxRequests: max},
	}
}

func TestLimiter_AllowsUpToMaxThenDenies(t *testing.T) {
	store := &fakeStore{}
	l := newLimiter(store, 10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		v, err := l.CheckAndRecordAt(ctx, "1.2.3.4", 1000)
		require.NoError(t, err)
		require.True(t, v.Allowed, "request %d should be allowed", i+1)
		require.Equal(t, 10-(i+1), v.Remaining)
	}

	v, err := l.CheckAndRecordAt(ctx, "1.2.3.4", 1000)
	require.NoError(t, err)
	require.False(t, v.Allowed)
	require.Equal(t, 0, v.Remaining)
}

func TestLimiter_DenialDoesNotRecord(t *testing.T) {
	store := &fakeStore{}
	l := newLimiter(store, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.CheckAndRecordAt(ctx, "k", 500)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		v, err := l.CheckAndRecordAt(ctx, "k", 501)
		require.NoError(t, err)
		require.False(t, v.Allowed)
		require.Equal(t, 2, store.count("k"))
	}
}

func TestLimiter_EvictionBoundary(t *testing.T) {
	ctx := context.Background()

	t.Run("age equal to window is kept", func(t *testing.T) {
		store := &fakeStore{snap: domain.Snapshot{"k": {1000}}}
		l := newLimiter(store, 1)

		v, err := l.CheckAndRecordAt(ctx, "k", 1120)
		require.NoError(t, err)
		require.False(t, v.Allowed)
		require.Equal(t, []domain.Timestamp{1000}, store.snap["k"])
	})

	t.Run("age above window is evicted", func(t *testing.T) {
		store := &fakeStore{snap: domain.Snapshot{"k": {1000}}}
		l := newLimiter(store, 1)

		v, err := l.CheckAndRecordAt(ctx, "k", 1121)
		require.NoError(t, err)
		require.True(t, v.Allowed)
		require.Equal(t, []domain.Timestamp{1121}, store.snap["k"])
	})
}

func TestLimiter_EvictsOnDenialToo(t *testing.T) {
	store := &fakeStore{snap: domain.Snapshot{"k": {100, 1000, 1001}}}
	l := newLimiter(store, 2)

	v, err := l.CheckAndRecordAt(context.Background(), "k", 1010)
	require.NoError(t, err)
	require.False(t, v.Allowed)
	require.Equal(t, []domain.Timestamp{1000, 1001}, store.snap["k"])
}

func TestLimiter_RetryAfterPointsToOldestLiveEntry(t *testing.T) {
	store := &fakeStore{snap: domain.Snapshot{"k": {1000, 1050}}}
	l := newLimiter(store, 2)

	v, err := l.CheckAndRecordAt(context.Background(), "k", 1100)
	require.NoError(t, err)
	require.False(t, v.Allowed)
	// 1000 sai da janela em 1121.
	require.Equal(t, 21*time.Second, v.RetryAfter)
}

func TestLimiter_ClockRegressionKeepsFutureEntries(t *testing.T) {
	store := &fakeStore{snap: domain.Snapshot{"k": {2000}}}
	l := newLimiter(store, 1)

	v, err := l.CheckAndRecordAt(context.Background(), "k", 1500)
	require.NoError(t, err)
	require.False(t, v.Allowed)
	require.Equal(t, []domain.Timestamp{2000}, store.snap["k"])
	require.Equal(t, time.Duration(621)*time.Second, v.RetryAfter)
}

func TestLimiter_IsolatesIdentities(t *testing.T) {
	store := &fakeStore{}
	l := newLimiter(store, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.CheckAndRecordAt(ctx, "a", 1000)
		require.NoError(t, err)
	}
	v, err := l.CheckAndRecordAt(ctx, "a", 1000)
	require.NoError(t, err)
	require.False(t, v.Allowed)

	v, err = l.CheckAndRecordAt(ctx, "b", 1000)
	require.NoError(t, err)
	require.True(t, v.Allowed)
	require.Equal(t, 3, store.count("a"))
	require.Equal(t, 1, store.count("b"))
}

func TestLimiter_ConcurrentCallersNoLostUpdates(t *testing.T) {
	const n = 40
	store := &fakeStore{}
	l := newLimiter(store, n/2)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed, denied := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.CheckAndRecord(context.Background(), "fresh")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if v.Allowed {
				allowed++
			} else {
				denied++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, n/2, allowed)
	require.Equal(t, n/2, denied)
}

func TestLimiter_SweepRemovesAgedOutIdentities(t *testing.T) {
	store := &fakeStore{snap: domain.Snapshot{}}
	for i := 0; i < 50; i++ {
		store.snap[domain.Identity(fmt.Sprintf("old-%d", i))] = []domain.Timestamp{100}
	}
	store.snap["active"] = []domain.Timestamp{990}

	l := newLimiter(store, 10)
	l.Policy.SweepProbability = 0.5
	l.Rand = sequence(0.9, 0.8, 0.7, 0.1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.CheckAndRecordAt(ctx, "active", 1000)
		require.NoError(t, err)
		require.Len(t, store.snap, 51)
	}

	_, err := l.CheckAndRecordAt(ctx, "active", 1000)
	require.NoError(t, err)
	require.Len(t, store.snap, 1)
	require.Len(t, store.snap["active"], 5)
}

func TestLimiter_SweepEventuallyBoundsGrowth(t *testing.T) {
	store := &fakeStore{snap: domain.Snapshot{}}
	for i := 0; i < 100; i++ {
		store.snap[domain.Identity(fmt.Sprintf("old-%d", i))] = []domain.Timestamp{1}
	}

	l := newLimiter(store, 1000)
	l.Policy.SweepProbability = domain.DefaultSweepProbability

	ctx := context.Background()
	for i := 0; i < 2000 && len(store.snap) > 1; i++ {
		_, err := l.CheckAndRecordAt(ctx, "active", 1000)
		require.NoError(t, err)
	}
	require.Len(t, store.snap, 1)
}

func TestLimiter_ZeroProbabilityNeverSweeps(t *testing.T) {
	store := &fakeStore{snap: domain.Snapshot{"old": {1}}}
	l := newLimiter(store, 10)
	l.Rand = func() float64 { return 0 }

	_, err := l.CheckAndRecordAt(context.Background(), "x", 1000)
	require.NoError(t, err)
	require.Contains(t, store.snap, domain.Identity("old"))
}

func TestLimiter_ForcedSweep(t *testing.T) {
	store := &fakeStore{snap: domain.Snapshot{"old": {1}, "mixed": {1, 999}, "empty": {}}}
	l := newLimiter(store, 10)

	removed, err := l.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Equal(t, domain.Snapshot{"mixed": {999}}, store.snap)
}

func TestLimiter_InspectLeavesStateUntouched(t *testing.T) {
	store := &fakeStore{snap: domain.Snapshot{"k": {1, 2}}}
	l := newLimiter(store, 10)

	snap, err := l.Inspect(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.Snapshot{"k": {1, 2}}, snap)

	snap["k"][0] = 42
	require.Equal(t, domain.Timestamp(1), store.snap["k"][0])
}

func TestLimiter_StorageErrorDenies(t *testing.T) {
	l := newLimiter(failingStore{err: errors.New("disk full")}, 10)

	v, err := l.CheckAndRecord(context.Background(), "k")
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrStorageUnavailable))
	require.False(t, v.Allowed)
}

func TestLimiter_NoStoreDenies(t *testing.T) {
	v, err := Limiter{}.CheckAndRecord(context.Background(), "k")
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	require.False(t, v.Allowed)
}

func TestLimiter_LockTimeoutDenies(t *testing.T) {
	l := newLimiter(blockingStore{}, 10)
	l.Policy.LockTimeout = 20 * time.Millisecond

	start := time.Now()
	v, err := l.CheckAndRecord(context.Background(), "k")
	require.False(t, v.Allowed)
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestLimiter_ZeroPolicyUsesReferenceValues(t *testing.T) {
	store := &fakeStore{}
	l := Limiter{Store: store, Clock: domain.NewFixedClock(1)}

	for i := 0; i < domain.DefaultMaxRequests; i++ {
		v, err := l.CheckAndRecord(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, v.Allowed)
	}
	v, err := l.CheckAndRecord(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, v.Allowed)
	require.Equal(t, 121*time.Second, v.RetryAfter)
}

func sequence(vals ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := vals[i%len(vals)]
		i++
		return v
	}
}

func TestLimiter_Forget(t *testing.T) {
	store := &fakeStore{snap: domain.Snapshot{"a": {1}, "b": {2}}}
	l := newLimiter(store, 10)

	found, err := l.Forget(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.Snapshot{"b": {2}}, store.snap)

	found, err = l.Forget(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLimiter_StartJanitorSweepsPeriodically(t *testing.T) {
	store := &fakeStore{snap: domain.Snapshot{"old": {1}}}
	l := newLimiter(store, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartJanitor(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.snap) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestLimiter_EffectivePolicyAppliesDefaults(t *testing.T) {
	p := Limiter{Policy: domain.Policy{SweepProbability: 0.2}}.EffectivePolicy()
	require.Equal(t, domain.DefaultWindow, p.Window)
	require.Equal(t, domain.DefaultMaxRequests, p.MaxRequests)
	require.Equal(t, 0.2, p.SweepProbability)
}
