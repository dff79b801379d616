// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/goleak"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/envoyproxy/credrefresh/internal/credential"
	"github.com/envoyproxy/credrefresh/internal/metrics"
	"github.com/envoyproxy/credrefresh/internal/retry"
	"github.com/envoyproxy/credrefresh/internal/subscriber"
	"github.com/envoyproxy/credrefresh/internal/testing/testotel"
	"github.com/envoyproxy/credrefresh/internal/tokenmanager"
	"github.com/envoyproxy/credrefresh/internal/tokenprovider"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeProvider issues credentials valid for lifetime from the fake clock's now and records the
// fake time of every call. Calls for which fail returns true fail.
type fakeProvider struct {
	clock    *testingclock.FakeClock
	lifetime time.Duration
	gate     chan struct{}

	mu      sync.Mutex
	calls   []time.Time
	fail    func(call int) bool
	ctxErrs []error
}

func (p *fakeProvider) Fetch(ctx context.Context) (credential.Credential, error) {
	p.mu.Lock()
	p.calls = append(p.calls, p.clock.Now())
	n := len(p.calls)
	fail := p.fail
	p.mu.Unlock()

	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	p.mu.Unlock()

	if fail != nil && fail(n) {
		return credential.Credential{}, fmt.Errorf("call %d: identity service unavailable", n)
	}
	now := p.clock.Now()
	return credential.Credential{
		Username:  "user",
		Secret:    fmt.Sprintf("secret-%d", n),
		IssuedAt:  now,
		ExpiresAt: now.Add(p.lifetime),
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) callTime(i int) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func (p *fakeProvider) setFail(fail func(call int) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

type testEnv struct {
	clock     *testingclock.FakeClock
	provider  *fakeProvider
	manager   *tokenmanager.Manager
	scheduler *Scheduler
}

func newTestEnv(t *testing.T, cfg Config, opts ...Option) *testEnv {
	fc := testingclock.NewFakeClock(t0)
	p := &fakeProvider{clock: fc, lifetime: 100 * time.Second}
	m := tokenmanager.New(p, tokenmanager.WithClock(fc), tokenmanager.WithProviderName("fake"))
	s, err := New(m, subscriber.NewRegistry(), cfg, append([]Option{WithClock(fc)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return &testEnv{clock: fc, provider: p, manager: m, scheduler: s}
}

func noJitter(maxAttempts uint) retry.Policy {
	return retry.Policy{
		MaxAttempts:       maxAttempts,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func waitForWaiter(t *testing.T, fc *testingclock.FakeClock) {
	t.Helper()
	require.Eventually(t, fc.HasWaiters, 5*time.Second, time.Millisecond, "scheduler never started waiting")
}

func receive(t *testing.T, sub *subscriber.Subscription) subscriber.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return subscriber.Event{}
	}
}

func requireClosed(t *testing.T, sub *subscriber.Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.False(t, ok, "unexpected event %v", ev)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not closed")
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not exit")
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.Equal(t, 0.8, DefaultConfig().RefreshRatio)

	for _, ratio := range []float64{0, 1, -0.5, 1.5} {
		t.Run(fmt.Sprintf("ratio %v", ratio), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.RefreshRatio = ratio
			require.ErrorContains(t, cfg.Validate(), "refreshRatio must be in (0, 1)")
		})
	}

	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 0
	require.ErrorContains(t, cfg.Validate(), "invalid retry policy: maxAttempts must be at least 1")

	_, err := New(nil, subscriber.NewRegistry(), DefaultConfig())
	require.EqualError(t, err, "token manager is required")
	_, err = New(tokenmanager.New(credential.NewMockProvider(credential.Credential{}, nil)), nil, DefaultConfig())
	require.EqualError(t, err, "subscriber registry is required")
}

func TestState_String(t *testing.T) {
	require.Equal(t, "Stopped", StateStopped.String())
	require.Equal(t, "Running", StateRunning.String())
	require.Equal(t, "Stopping", StateStopping.String())
	require.Equal(t, "State(7)", State(7).String())
}

func TestScheduler_refreshesAtRatio(t *testing.T) {
	for _, tc := range []struct {
		ratio float64
		due   time.Duration
	}{
		{ratio: 0.75, due: 75 * time.Second},
		{ratio: 0.5, due: 50 * time.Second},
		{ratio: 0.9, due: 90 * time.Second},
	} {
		t.Run(fmt.Sprintf("ratio %v", tc.ratio), func(t *testing.T) {
			env := newTestEnv(t, Config{RefreshRatio: tc.ratio, Retry: retry.Default()})
			sub := env.scheduler.Subscribe()
			env.scheduler.Start(t.Context())
			require.Equal(t, StateRunning, env.scheduler.State())

			// No credential yet, so the first refresh is immediate.
			ev := receive(t, sub)
			require.Equal(t, "secret-1", ev.Credential.Secret)
			require.Equal(t, t0, env.provider.callTime(0))

			waitForWaiter(t, env.clock)
			env.clock.Step(tc.due - time.Millisecond)
			require.True(t, env.clock.HasWaiters(), "refreshed too early")
			require.Equal(t, 1, env.provider.callCount())

			env.clock.Step(time.Millisecond)
			ev = receive(t, sub)
			require.Equal(t, "secret-2", ev.Credential.Secret)
			require.Equal(t, t0.Add(tc.due), env.provider.callTime(1))

			// The next cycle is scheduled from the new credential.
			waitForWaiter(t, env.clock)
			env.clock.Step(tc.due)
			ev = receive(t, sub)
			require.Equal(t, "secret-3", ev.Credential.Secret)
			require.Equal(t, t0.Add(2*tc.due), env.provider.callTime(2))
		})
	}
}

func TestScheduler_refreshesImmediatelyWhenPastDue(t *testing.T) {
	env := newTestEnv(t, Config{RefreshRatio: 0.75, Retry: retry.Default()})
	_, err := env.manager.ForceRefresh(t.Context())
	require.NoError(t, err)

	// Due at 75s, still valid until 100s.
	env.clock.SetTime(t0.Add(90 * time.Second))
	sub := env.scheduler.Subscribe()
	require.Equal(t, "secret-1", receive(t, sub).Credential.Secret)

	env.scheduler.Start(t.Context())
	require.Equal(t, "secret-2", receive(t, sub).Credential.Secret)
	require.Equal(t, t0.Add(90*time.Second), env.provider.callTime(1))
}

func TestScheduler_retriesWithBackoff(t *testing.T) {
	policy := retry.Policy{
		MaxAttempts:       5,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
	env := newTestEnv(t, Config{RefreshRatio: 0.8, Retry: policy})
	env.provider.setFail(func(call int) bool { return call <= 3 })
	sub := env.scheduler.Subscribe()
	env.scheduler.Start(t.Context())

	require.Eventually(t, func() bool { return env.provider.callCount() == 1 }, 5*time.Second, time.Millisecond)
	for i, base := range []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond} {
		waitForWaiter(t, env.clock)
		// Lower edge of the jitter envelope.
		env.clock.Step(base*9/10 - time.Millisecond)
		require.True(t, env.clock.HasWaiters(), "retry %d fired before %s", i+1, base*9/10)
		require.Equal(t, i+1, env.provider.callCount())

		// Past the upper edge.
		env.clock.Step(base*2/10 + 2*time.Millisecond)
		require.Eventually(t, func() bool { return env.provider.callCount() == i+2 }, 5*time.Second, time.Millisecond)
	}

	ev := receive(t, sub)
	require.Equal(t, "secret-4", ev.Credential.Secret)
	require.Equal(t, StateRunning, env.scheduler.State())

	// The failure count was reset: the next failure backs off from the initial delay again.
	env.provider.setFail(func(call int) bool { return call == 5 })
	waitForWaiter(t, env.clock)
	env.clock.Step(80 * time.Second)
	require.Eventually(t, func() bool { return env.provider.callCount() == 5 }, 5*time.Second, time.Millisecond)
	waitForWaiter(t, env.clock)
	env.clock.Step(179 * time.Millisecond)
	require.True(t, env.clock.HasWaiters())
	env.clock.Step(42 * time.Millisecond)
	require.Equal(t, "secret-6", receive(t, sub).Credential.Secret)
}

func TestScheduler_terminatesAfterMaxAttempts(t *testing.T) {
	mr := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr)).Meter("test")
	env := newTestEnv(t, Config{RefreshRatio: 0.8, Retry: noJitter(2)}, WithMetrics(metrics.NewRefresh(meter)))
	env.provider.setFail(func(int) bool { return true })
	subs := []*subscriber.Subscription{env.scheduler.Subscribe(), env.scheduler.Subscribe()}

	done := env.scheduler.Start(t.Context())
	waitForWaiter(t, env.clock)
	require.Equal(t, 1, env.provider.callCount())
	env.clock.Step(200 * time.Millisecond)
	waitDone(t, done)

	require.Equal(t, StateStopped, env.scheduler.State())
	for _, sub := range subs {
		ev := receive(t, sub)
		require.True(t, ev.Terminal())
		require.ErrorIs(t, ev.Err, credential.ErrSchedulerTerminated)
		require.ErrorContains(t, ev.Err, "call 2: identity service unavailable")
		requireClosed(t, sub)
	}

	// No third attempt, neither from the scheduler nor from foreground callers.
	env.clock.Step(time.Hour)
	require.False(t, env.clock.HasWaiters())
	_, err := env.manager.GetCurrent(t.Context())
	require.ErrorIs(t, err, credential.ErrSchedulerTerminated)
	require.Equal(t, 2, env.provider.callCount())

	require.Equal(t, int64(1), testotel.GetCounterValue(t, mr, "credrefresh.scheduler.terminations",
		attribute.NewSet(attribute.String("credrefresh.provider", "fake"))))
	require.Equal(t, int64(2), testotel.GetCounterValue(t, mr, "credrefresh.broadcast.deliveries",
		attribute.NewSet(attribute.String("credrefresh.delivery.outcome", "delivered"))))
}

func TestScheduler_restartAfterTermination(t *testing.T) {
	env := newTestEnv(t, Config{RefreshRatio: 0.8, Retry: noJitter(1)})
	env.provider.setFail(func(call int) bool { return call == 1 })

	waitDone(t, env.scheduler.Start(t.Context()))
	require.Equal(t, StateStopped, env.scheduler.State())
	require.True(t, env.manager.Terminated())

	sub := env.scheduler.Subscribe()
	env.scheduler.Start(t.Context())
	require.Equal(t, "secret-2", receive(t, sub).Credential.Secret)
	require.False(t, env.manager.Terminated())
}

func TestScheduler_StopCancelsPendingWait(t *testing.T) {
	env := newTestEnv(t, Config{RefreshRatio: 0.8, Retry: retry.Default()})
	sub := env.scheduler.Subscribe()
	done := env.scheduler.Start(t.Context())
	receive(t, sub)
	waitForWaiter(t, env.clock)

	env.scheduler.Stop()
	waitDone(t, done)
	require.Equal(t, StateStopped, env.scheduler.State())
	require.False(t, env.clock.HasWaiters())
	requireClosed(t, sub)

	// Nothing happens once stopped, even though a refresh becomes due.
	env.clock.Step(time.Hour)
	require.Equal(t, 1, env.provider.callCount())
}

func TestScheduler_StopDoesNotCancelInFlightFetch(t *testing.T) {
	env := newTestEnv(t, Config{RefreshRatio: 0.8, Retry: retry.Default()})
	env.provider.gate = make(chan struct{})
	sub := env.scheduler.Subscribe()
	env.scheduler.Start(t.Context())
	require.Eventually(t, func() bool { return env.provider.callCount() == 1 }, 5*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		env.scheduler.Stop()
		close(stopped)
	}()
	waitDone(t, stopped)
	require.Equal(t, StateStopped, env.scheduler.State())

	close(env.provider.gate)
	require.Eventually(t, func() bool {
		_, ok := env.manager.Current()
		return ok
	}, 5*time.Second, time.Millisecond)

	// The provider saw no cancellation and its result was not broadcast.
	env.provider.mu.Lock()
	require.Equal(t, []error{nil}, env.provider.ctxErrs)
	env.provider.mu.Unlock()
	requireClosed(t, sub)
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{RefreshRatio: 0.8, Retry: retry.Default()})

	env.scheduler.Stop()
	require.Equal(t, StateStopped, env.scheduler.State())

	done1 := env.scheduler.Start(t.Context())
	done2 := env.scheduler.Start(t.Context())
	require.Equal(t, done1, done2)

	env.scheduler.Stop()
	env.scheduler.Stop()
	waitDone(t, done1)
	require.Equal(t, StateStopped, env.scheduler.State())
	require.LessOrEqual(t, env.provider.callCount(), 1)
}

func TestScheduler_parentContextCancellation(t *testing.T) {
	env := newTestEnv(t, Config{RefreshRatio: 0.8, Retry: retry.Default()})
	sub := env.scheduler.Subscribe()
	ctx, cancel := context.WithCancel(t.Context())
	done := env.scheduler.Start(ctx)
	receive(t, sub)

	cancel()
	waitDone(t, done)
	require.Equal(t, StateStopped, env.scheduler.State())
	requireClosed(t, sub)
}

func TestScheduler_Subscribe(t *testing.T) {
	env := newTestEnv(t, Config{RefreshRatio: 0.8, Retry: retry.Default()})

	// Nothing cached yet.
	empty := env.scheduler.Subscribe()
	select {
	case ev := <-empty.C():
		t.Fatalf("unexpected event %v", ev)
	default:
	}

	c, err := env.manager.ForceRefresh(t.Context())
	require.NoError(t, err)
	sub := env.scheduler.Subscribe()
	require.Equal(t, c, receive(t, sub).Credential)

	env.scheduler.Unsubscribe(sub)
	requireClosed(t, sub)
	env.scheduler.Unsubscribe(empty)
}

func TestScheduler_unsubscribeWhileRunning(t *testing.T) {
	env := newTestEnv(t, Config{RefreshRatio: 0.5, Retry: retry.Default()})
	leaving, staying := env.scheduler.Subscribe(), env.scheduler.Subscribe()
	env.scheduler.Start(t.Context())
	receive(t, leaving)
	receive(t, staying)

	env.scheduler.Unsubscribe(leaving)
	waitForWaiter(t, env.clock)
	env.clock.Step(50 * time.Second)
	require.Equal(t, "secret-2", receive(t, staying).Credential.Secret)
	requireClosed(t, leaving)
}

func TestScheduler_terminalFailureReachesBlockedCaller(t *testing.T) {
	env := newTestEnv(t, Config{RefreshRatio: 0.8, Retry: noJitter(1)})
	env.provider.setFail(func(int) bool { return true })
	env.provider.gate = make(chan struct{})
	done := env.scheduler.Start(t.Context())
	require.Eventually(t, func() bool { return env.provider.callCount() == 1 }, 5*time.Second, time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := env.manager.GetCurrent(context.Background())
		errCh <- err
	}()
	close(env.provider.gate)
	waitDone(t, done)

	err := <-errCh
	require.ErrorIs(t, err, credential.ErrSchedulerTerminated)
	var pe *credential.ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "fake", pe.Provider)
	require.True(t, credential.IsSupplyFailure(err))

	// The blocked caller did not start a call past the retry budget.
	_, err = env.manager.GetCurrent(t.Context())
	require.ErrorIs(t, err, credential.ErrSchedulerTerminated)
	require.Equal(t, 1, env.provider.callCount())
}

// cachingTokenSource returns the same token on every call, as SDK token caches do until the
// token is close to expiry.
type cachingTokenSource struct {
	token string
	calls atomic.Int32
}

func (c *cachingTokenSource) GetToken(context.Context) (tokenprovider.TokenExpiry, error) {
	c.calls.Add(1)
	return tokenprovider.TokenExpiry{Token: c.token}, nil
}

func requireNoEvent(t *testing.T, sub *subscriber.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestScheduler_cachedTokenWithOldIssuedAt(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"oid": "object-id",
		"iat": t0.Add(-time.Hour).Unix(),
		"exp": t0.Add(15 * time.Minute).Unix(),
	}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	fc := testingclock.NewFakeClock(t0)
	src := &cachingTokenSource{token: token}
	m := tokenmanager.New(tokenprovider.NewProvider("entra", src, tokenprovider.WithClock(fc)), tokenmanager.WithClock(fc))
	s, err := New(m, subscriber.NewRegistry(), Config{RefreshRatio: 0.8, Retry: retry.Default()}, WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	sub := s.Subscribe()
	s.Start(t.Context())
	ev := receive(t, sub)
	require.Equal(t, token, ev.Credential.Secret)
	require.Equal(t, t0, ev.Credential.IssuedAt)

	// Due 80% of the way from the fetch to exp, not immediately.
	waitForWaiter(t, fc)
	require.Never(t, func() bool { return src.calls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	// The source hands back the same token: it is not broadcast again and the next cycle waits.
	fc.Step(12 * time.Minute)
	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, 5*time.Second, time.Millisecond)
	waitForWaiter(t, fc)
	require.Never(t, func() bool { return src.calls.Load() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	requireNoEvent(t, sub)
	require.False(t, sub.Dropped())
}

func TestScheduler_pastDueCredentialWaitsMinInterval(t *testing.T) {
	var calls atomic.Int32
	stale := credential.Credential{
		Username:  "user",
		Secret:    "stale",
		IssuedAt:  t0.Add(-time.Hour),
		ExpiresAt: t0.Add(15 * time.Minute),
	}
	p := credential.ProviderFunc(func(context.Context) (credential.Credential, error) {
		calls.Add(1)
		return stale, nil
	})
	fc := testingclock.NewFakeClock(t0)
	m := tokenmanager.New(p, tokenmanager.WithClock(fc))
	s, err := New(m, subscriber.NewRegistry(), Config{RefreshRatio: 0.8, Retry: retry.Default()}, WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	sub := s.Subscribe()
	s.Start(t.Context())
	require.Equal(t, "stale", receive(t, sub).Credential.Secret)

	waitForWaiter(t, fc)
	fc.Step(MinRefreshInterval - time.Millisecond)
	require.True(t, fc.HasWaiters())
	require.Equal(t, int32(1), calls.Load())

	fc.Step(time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, time.Millisecond)
	waitForWaiter(t, fc)
	require.Equal(t, int32(2), calls.Load())
	requireNoEvent(t, sub)
}
