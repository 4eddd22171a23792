package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/storage"
	"github.com/tjfontaine/grok-gateway/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
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

type fakeProber struct {
	status int
	err    error
}

func (f *fakeProber) Probe(ctx context.Context, token string) (int, error) {
	return f.status, f.err
}

var testConfig = Config{
	Window:      time.Hour,
	BasicLimit:  3,
	SuperLimit:  10,
	BackoffBase: time.Minute,
	BackoffMax:  10 * time.Minute,
	RetryBudget: 2,
}

func newTestPool(t require.TestingT, clock *fakeClock, creds ...*domain.Credential) (*Pool, *memory.Store) {
	store := memory.New()
	for _, c := range creds {
		require.NoError(t, store.CreateCredential(context.Background(), c))
	}
	pool := NewPool(store, testConfig, WithClock(clock.Now))
	require.NoError(t, pool.Load(context.Background()))
	return pool, store
}

func TestPool_AcquireSkipsOverQuota(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock,
		&domain.Credential{ID: "full", Token: "t1", Tier: domain.TierBasic, Usage: 3, WindowStart: clock.Now()},
		&domain.Credential{ID: "free", Token: "t2", Tier: domain.TierBasic},
	)

	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(context.Background(), Requirements{})
		require.NoError(t, err)
		assert.Equal(t, "free", lease.ID)
		pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeSuccess})
	}

	_, err := pool.Acquire(context.Background(), Requirements{})
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestPool_AcquirePrefersLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock,
		&domain.Credential{ID: "a", Token: "ta", Tier: domain.TierSuper},
		&domain.Credential{ID: "b", Token: "tb", Tier: domain.TierSuper},
		&domain.Credential{ID: "c", Token: "tc", Tier: domain.TierSuper},
	)

	var got []string
	for i := 0; i < 6; i++ {
		clock.Advance(time.Second)
		lease, err := pool.Acquire(context.Background(), Requirements{})
		require.NoError(t, err)
		got = append(got, lease.ID)
		pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeSuccess})
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestPool_TierAndTags(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock,
		&domain.Credential{ID: "basic", Token: "t1", Tier: domain.TierBasic, Tags: []string{"eu"}},
		&domain.Credential{ID: "super", Token: "t2", Tier: domain.TierSuper},
	)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, Requirements{Tier: domain.TierSuper})
	require.NoError(t, err)
	assert.Equal(t, "super", lease.ID)
	pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeCanceled})

	lease, err = pool.Acquire(ctx, Requirements{Tags: []string{"eu"}})
	require.NoError(t, err)
	assert.Equal(t, "basic", lease.ID)
	pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeCanceled})

	_, err = pool.Acquire(ctx, Requirements{Tier: domain.TierSuper, Tags: []string{"eu"}})
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestPool_ReservationPreventsOvershoot(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock, &domain.Credential{ID: "only", Token: "t", Tier: domain.TierBasic})
	ctx := context.Background()

	l1, err := pool.Acquire(ctx, Requirements{Cost: 2})
	require.NoError(t, err)

	// Only one call left while the first lease is in flight
	_, err = pool.Acquire(ctx, Requirements{Cost: 2})
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)

	l2, err := pool.Acquire(ctx, Requirements{Cost: 1})
	require.NoError(t, err)

	pool.RecordOutcome(l1, domain.Outcome{Kind: domain.OutcomeCanceled})
	pool.RecordOutcome(l2, domain.Outcome{Kind: domain.OutcomeSuccess})

	snap := pool.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Usage)
}

func TestPool_DemotionAndRecovery(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock,
		&domain.Credential{ID: "a", Token: "ta", Tier: domain.TierSuper},
	)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, Requirements{})
	require.NoError(t, err)
	pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeFatalRateLimited, Code: 429})

	_, err = pool.Acquire(ctx, Requirements{})
	require.ErrorIs(t, err, ErrNoCredentialAvailable, "cooling credential must not be returned")

	snap := pool.Snapshot()
	assert.Equal(t, domain.StatusCoolingDown, snap[0].Status)
	assert.Equal(t, "status 429", snap[0].LastError)

	clock.Advance(time.Minute)
	lease, err = pool.Acquire(ctx, Requirements{})
	require.NoError(t, err, "cool-down elapsed")

	// Second failure doubles the backoff
	pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeFatalAuth, Code: 401})
	clock.Advance(time.Minute)
	_, err = pool.Acquire(ctx, Requirements{})
	require.ErrorIs(t, err, ErrNoCredentialAvailable)
	clock.Advance(time.Minute)
	lease, err = pool.Acquire(ctx, Requirements{})
	require.NoError(t, err)

	// Third consecutive failure exceeds the budget of 2
	pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeFatalAuth, Code: 401})
	clock.Advance(24 * time.Hour)
	_, err = pool.Acquire(ctx, Requirements{})
	require.ErrorIs(t, err, ErrNoCredentialAvailable)
	assert.Equal(t, domain.StatusInvalid, pool.Snapshot()[0].Status)
}

func TestPool_SuccessResetsFailures(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock, &domain.Credential{ID: "a", Token: "ta", Tier: domain.TierSuper})
	ctx := context.Background()

	lease, _ := pool.Acquire(ctx, Requirements{})
	pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeFatalRateLimited})
	clock.Advance(time.Minute)

	lease, err := pool.Acquire(ctx, Requirements{})
	require.NoError(t, err)
	pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeSuccess})

	snap := pool.Snapshot()[0]
	assert.Equal(t, 0, snap.Failures)
	assert.Empty(t, snap.LastError)
}

func TestPool_WindowResetsLazily(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock, &domain.Credential{ID: "a", Token: "ta", Tier: domain.TierBasic})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(ctx, Requirements{})
		require.NoError(t, err)
		pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeSuccess})
	}
	_, err := pool.Acquire(ctx, Requirements{})
	require.ErrorIs(t, err, ErrNoCredentialAvailable)

	clock.Advance(time.Hour)
	lease, err := pool.Acquire(ctx, Requirements{})
	require.NoError(t, err)
	pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeSuccess})

	snap := pool.Snapshot()[0]
	assert.Equal(t, 1, snap.Usage)
	assert.Equal(t, clock.Now(), snap.WindowStart)
}

func TestPool_PerCredentialLimitOverride(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock, &domain.Credential{ID: "a", Token: "ta", Tier: domain.TierBasic, MaxCalls: 1})

	lease, err := pool.Acquire(context.Background(), Requirements{})
	require.NoError(t, err)
	pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeSuccess})

	_, err = pool.Acquire(context.Background(), Requirements{})
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestPool_Backoff(t *testing.T) {
	p := NewPool(memory.New(), Config{BackoffBase: 30 * time.Second, BackoffMax: 5 * time.Minute})

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.backoff(tt.failures), "failures=%d", tt.failures)
	}
}

func TestPool_Test(t *testing.T) {
	tests := []struct {
		name       string
		prober     *fakeProber
		wantResult domain.TestResult
		wantStatus domain.CredentialStatus
	}{
		{"healthy clears cool-down", &fakeProber{status: http.StatusOK}, domain.TestHealthy, domain.StatusActive},
		{"unauthorized invalidates", &fakeProber{status: http.StatusUnauthorized}, domain.TestUnhealthy, domain.StatusInvalid},
		{"rate limited cools down", &fakeProber{status: http.StatusTooManyRequests}, domain.TestUnhealthy, domain.StatusCoolingDown},
		{"network error keeps status", &fakeProber{err: errors.New("dial tcp: refused")}, domain.TestUnhealthy, domain.StatusCoolingDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			store := memory.New()
			require.NoError(t, store.CreateCredential(context.Background(), &domain.Credential{
				ID: "a", Token: "ta", Tier: domain.TierBasic,
				Status: domain.StatusCoolingDown, CoolingUntil: clock.Now().Add(time.Hour), Failures: 1,
			}))

			rec := &recordingRecorder{}
			pool := NewPool(store, testConfig, WithClock(clock.Now), WithProber(tt.prober), WithRecorder(rec))
			require.NoError(t, pool.Load(context.Background()))

			result, err := pool.Test(context.Background(), "a")
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)

			snap := pool.Snapshot()[0]
			assert.Equal(t, tt.wantStatus, snap.Status)
			assert.Equal(t, clock.Now(), snap.LastTestedAt)
			assert.NotEmpty(t, snap.LastTestResult)
			assert.Equal(t, 1, rec.states)
		})
	}

	t.Run("unknown credential", func(t *testing.T) {
		pool := NewPool(memory.New(), testConfig, WithProber(&fakeProber{status: 200}))
		_, err := pool.Test(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrUnknownCredential)
	})
}

func TestPool_AddRemove(t *testing.T) {
	clock := newFakeClock()
	pool, store := newTestPool(t, clock)
	ctx := context.Background()

	require.NoError(t, pool.Add(ctx, &domain.Credential{ID: "n", Token: "tn", Tier: domain.TierBasic}))
	lease, err := pool.Acquire(ctx, Requirements{})
	require.NoError(t, err)
	assert.Equal(t, "n", lease.ID)

	require.NoError(t, pool.Remove(ctx, "n"))
	_, err = store.GetCredential(ctx, "n")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Outcome of a lease on a removed credential is ignored
	pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeSuccess})
	_, err = pool.Acquire(ctx, Requirements{})
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestPool_ConcurrentAcquireNeverOvershoots(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock,
		&domain.Credential{ID: "a", Token: "ta", Tier: domain.TierSuper},
		&domain.Credential{ID: "b", Token: "tb", Tier: domain.TierSuper},
	)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), Requirements{})
			if err != nil {
				return
			}
			pool.RecordOutcome(lease, domain.Outcome{Kind: domain.OutcomeSuccess})
			mu.Lock()
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, successes)
	for _, c := range pool.Snapshot() {
		assert.LessOrEqual(t, c.Usage, 10, c.ID)
	}
}

func TestPool_Quota(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock,
		&domain.Credential{ID: "a", Token: "t1", Tier: domain.TierBasic, Usage: 2, WindowStart: clock.Now()},
		&domain.Credential{ID: "b", Token: "t2", Tier: domain.TierSuper},
		&domain.Credential{ID: "c", Token: "t3", Tier: domain.TierBasic, Status: domain.StatusInvalid},
	)

	limit, remaining := pool.Quota()
	assert.Equal(t, 13, limit)
	assert.Equal(t, 11, remaining)
}

func TestPool_AcquireHonorsCanceledContext(t *testing.T) {
	clock := newFakeClock()
	pool, _ := newTestPool(t, clock, &domain.Credential{ID: "a", Token: "ta"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Acquire(ctx, Requirements{})
	assert.ErrorIs(t, err, context.Canceled)
}

// Usage never exceeds the ceiling, and Acquire never hands out a credential
// that is invalid or still cooling down.
func TestProperty_PoolQuotaAndHealth(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := newFakeClock()
		n := rapid.IntRange(1, 4).Draw(rt, "credentials")

		var creds []*domain.Credential
		for i := 0; i < n; i++ {
			tier := domain.TierBasic
			if rapid.Bool().Draw(rt, fmt.Sprintf("super_%d", i)) {
				tier = domain.TierSuper
			}
			creds = append(creds, &domain.Credential{ID: fmt.Sprintf("c%d", i), Token: fmt.Sprintf("t%d", i), Tier: tier})
		}
		pool, _ := newTestPool(rt, clock, creds...)

		var open []*Lease
		steps := rapid.IntRange(1, 200).Draw(rt, "steps")
		for s := 0; s < steps; s++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				cost := rapid.IntRange(1, 4).Draw(rt, "cost")
				before := pool.Snapshot()
				lease, err := pool.Acquire(context.Background(), Requirements{Cost: cost})
				if err != nil {
					require.ErrorIs(rt, err, ErrNoCredentialAvailable)
					continue
				}
				for _, c := range before {
					if c.ID != lease.ID {
						continue
					}
					require.NotEqual(rt, domain.StatusInvalid, c.Status)
					require.NotEqual(rt, domain.StatusCoolingDown, c.Status)
				}
				open = append(open, lease)
			case 1:
				if len(open) == 0 {
					continue
				}
				i := rapid.IntRange(0, len(open)-1).Draw(rt, "lease")
				kinds := []domain.OutcomeKind{
					domain.OutcomeSuccess, domain.OutcomeSuccess, domain.OutcomeRetryable,
					domain.OutcomeFatalAuth, domain.OutcomeFatalRateLimited, domain.OutcomeCanceled,
				}
				kind := kinds[rapid.IntRange(0, len(kinds)-1).Draw(rt, "outcome")]
				pool.RecordOutcome(open[i], domain.Outcome{Kind: kind})
				open = append(open[:i], open[i+1:]...)
			case 2:
				clock.Advance(time.Duration(rapid.IntRange(0, 90).Draw(rt, "minutes")) * time.Minute)
			case 3:
				// re-read the snapshot only
			}

			for _, c := range pool.Snapshot() {
				require.LessOrEqual(rt, c.Usage, pool.Limit(&c), "credential %s over quota", c.ID)
			}
		}
	})
}

type recordingRecorder struct {
	mu     sync.Mutex
	usage  int
	states int
}

func (r *recordingRecorder) RecordUsage(string, int, time.Time) {
	r.mu.Lock()
	r.usage++
	r.mu.Unlock()
}

func (r *recordingRecorder) RecordState(string, storage.CredentialState) {
	r.mu.Lock()
	r.states++
	r.mu.Unlock()
}
