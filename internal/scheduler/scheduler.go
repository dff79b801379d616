// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package scheduler runs the background activity that refreshes a credential before it expires
// and pushes every new credential to the registered subscribers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/envoyproxy/credrefresh/internal/credential"
	"github.com/envoyproxy/credrefresh/internal/metrics"
	"github.com/envoyproxy/credrefresh/internal/retry"
	"github.com/envoyproxy/credrefresh/internal/subscriber"
	"github.com/envoyproxy/credrefresh/internal/tokenmanager"
)

// DefaultRefreshRatio is the fraction of a credential's lifetime after which it is refreshed
// when no ratio is configured.
//
// Ratios of 0.5 to 0.7 suit high-churn usage, 0.8 to 0.9 low-churn usage.
const DefaultRefreshRatio = 0.8

// MinRefreshInterval is the shortest time between a successful refresh and the next one. It
// bounds the refresh rate when a provider keeps returning a credential that is already past due.
const MinRefreshInterval = time.Second

// State is the lifecycle state of a Scheduler.
type State int

const (
	// StateStopped means no background activity is running.
	StateStopped State = iota
	// StateRunning means credentials are being refreshed and broadcast.
	StateRunning
	// StateStopping means Stop was called and the background activity is winding down.
	StateStopping
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config controls when refreshes happen and how failures are retried.
type Config struct {
	// RefreshRatio is the fraction of the credential lifetime, in (0, 1), elapsed before a
	// proactive refresh.
	RefreshRatio float64
	// Retry is the backoff applied to consecutive refresh failures.
	Retry retry.Policy
}

// DefaultConfig returns the Config used when none is given.
func DefaultConfig() Config {
	return Config{RefreshRatio: DefaultRefreshRatio, Retry: retry.Default()}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if !(c.RefreshRatio > 0 && c.RefreshRatio < 1) {
		errs = append(errs, fmt.Errorf("refreshRatio must be in (0, 1), got %v", c.RefreshRatio))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid retry policy: %w", err))
	}
	return errors.Join(errs...)
}

// Scheduler refreshes the credential of a [tokenmanager.Manager] ahead of its expiry and
// broadcasts each new credential to a [subscriber.Registry].
//
// The lifecycle is Stopped, Running, Stopping, Stopped. Start and Stop are idempotent.
// Once Stop begins nothing more is broadcast. A provider call already in flight when Stop is
// called is not cancelled; its result is cached by the manager but never broadcast.
type Scheduler struct {
	manager  *tokenmanager.Manager
	registry *subscriber.Registry
	cfg      Config
	clock    clock.Clock
	logger   logr.Logger
	metrics  metrics.Refresh

	// mu guards the fields below and serializes broadcasts with state transitions.
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for waiting. Defaults to the real clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger. Defaults to logr.Discard().
func WithLogger(logger logr.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Refresh) Option {
	return func(s *Scheduler) { s.metrics = r }
}

// New creates a stopped Scheduler.
func New(manager *tokenmanager.Manager, registry *subscriber.Registry, cfg Config, opts ...Option) (*Scheduler, error) {
	if manager == nil {
		return nil, fmt.Errorf("token manager is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("subscriber registry is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	s := &Scheduler{
		manager:  manager,
		registry: registry,
		cfg:      cfg,
		clock:    clock.RealClock{},
		logger:   logr.Discard(),
		state:    StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NoopRefresh()
	}
	s.logger = s.logger.WithName("refresh-scheduler").WithValues("provider", manager.ProviderName())
	return s, nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the background activity and returns a channel closed once it has exited.
// Cancelling ctx has the same effect as Stop. Calling Start while Running returns the existing
// channel.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return s.done
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateRunning
	s.logger.Info("starting credential refresh", "refreshRatio", s.cfg.RefreshRatio, "maxAttempts", s.cfg.Retry.MaxAttempts)
	go s.run(runCtx, s.done)
	return s.done
}

// Stop cancels any pending wait, waits for the background activity to exit and closes every
// subscription. It does not wait for a provider call in flight. Calling Stop while Stopped is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return
	case StateStopping:
		done := s.done
		s.mu.Unlock()
		<-done
		return
	}
	s.state = StateStopping
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.state = StateStopped
	s.registry.Close()
	s.mu.Unlock()
	s.logger.Info("stopped credential refresh")
}

// Subscribe registers a subscriber. If a valid credential is already cached it is delivered
// first, ahead of any later broadcast.
func (s *Scheduler) Subscribe() *subscriber.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.manager.Current(); ok {
		return s.registry.Register(subscriber.Event{Credential: c})
	}
	return s.registry.Register()
}

// Unsubscribe removes sub. It is safe to call at any time.
func (s *Scheduler) Unsubscribe(sub *subscriber.Subscription) {
	s.registry.Unregister(sub)
}

// run is the background activity. It exits when ctx is cancelled or the retry budget is exhausted.
func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		// Cancellation of the parent context rather than Stop.
		if s.state == StateRunning && s.done == done {
			s.state = StateStopped
			s.cancel()
			s.registry.Close()
		}
		s.mu.Unlock()
		close(done)
	}()

	var (
		failures  uint
		lastFetch time.Time
	)
	last, _ := s.manager.Current()
	for {
		wait := s.untilDue(lastFetch)
		if wait > 0 {
			s.logger.V(1).Info("scheduled next credential refresh", "in", wait)
		}
		if !s.sleep(ctx, wait) {
			return
		}

		for {
			refresh := s.manager.ForceRefresh
			if s.cfg.Retry.Exhausted(failures + 1) {
				refresh = s.manager.ForceRefreshOrTerminate
			}
			c, err := refresh(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				failures = 0
				lastFetch = s.clock.Now()
				if c.Username == last.Username && c.Secret == last.Secret && c.ExpiresAt.Equal(last.ExpiresAt) {
					s.logger.V(1).Info("provider returned the current credential, not broadcasting",
						"expiresAt", c.ExpiresAt.Format(time.RFC3339))
				} else {
					s.broadcast(ctx, c)
				}
				last = c
				break
			}

			failures++
			if s.cfg.Retry.Exhausted(failures) {
				s.terminate(ctx, failures, err)
				return
			}
			delay := s.cfg.Retry.DelayFor(failures)
			s.logger.Error(err, "credential refresh failed, retrying", "attempt", failures, "retryIn", delay)
			if !s.sleep(ctx, delay) {
				return
			}
		}
	}
}

// untilDue returns how long to wait before the next refresh, zero if it is due now. A refresh
// is never due sooner than MinRefreshInterval after lastFetch.
func (s *Scheduler) untilDue(lastFetch time.Time) time.Duration {
	now := s.clock.Now()
	var wait time.Duration
	if c, ok := s.manager.Current(); ok {
		wait = c.RefreshDue(s.cfg.RefreshRatio).Sub(now)
	}
	if !lastFetch.IsZero() {
		wait = max(wait, lastFetch.Add(MinRefreshInterval).Sub(now))
	}
	return max(wait, 0)
}

// sleep waits for d or ctx, and reports whether the wait completed.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

func (s *Scheduler) broadcast(ctx context.Context, c credential.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	res := s.registry.Broadcast(subscriber.Event{Credential: c})
	s.metrics.RecordBroadcast(ctx, res.Delivered, res.Dropped)
	s.logger.Info("refreshed credential", "username", c.Username,
		"expiresAt", c.ExpiresAt.Format(time.RFC3339), "delivered", res.Delivered, "dropped", res.Dropped)
}

// terminate surfaces the exhausted retry budget to subscribers and waiting callers, then stops.
func (s *Scheduler) terminate(ctx context.Context, failures uint, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	termErr := cause
	if !errors.Is(cause, credential.ErrSchedulerTerminated) {
		s.manager.Terminate(cause)
		termErr = s.manager.TerminationErr()
	}
	res := s.registry.Broadcast(subscriber.Event{Err: termErr})
	s.metrics.RecordBroadcast(ctx, res.Delivered, res.Dropped)
	s.metrics.RecordTermination(ctx, s.manager.ProviderName())
	s.registry.Close()
	s.state = StateStopped
	s.cancel()
	s.logger.Error(cause, "giving up on credential refresh", "attempts", failures)
}
