// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tokenmanager holds the current credential and de-duplicates concurrent refreshes of it.
package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/envoyproxy/credrefresh/internal/credential"
	"github.com/envoyproxy/credrefresh/internal/metrics"
)

// refreshKey is the single-flight key shared by every refresh of a Manager.
const refreshKey = "refresh"

// Manager owns the single current credential issued by a [credential.Provider].
//
// All methods are safe for concurrent use. At most one provider call is outstanding at any
// instant; callers arriving while it runs wait for its outcome instead of issuing their own.
type Manager struct {
	provider     credential.Provider
	providerName string
	logger       logr.Logger
	clock        clock.PassiveClock
	fetchTimeout time.Duration
	metrics      metrics.Refresh

	group   singleflight.Group
	current atomic.Pointer[credential.Credential]
	// terminated holds the terminal error reported through Terminate, if any.
	terminated atomic.Pointer[error]
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to logr.Discard().
func WithLogger(logger logr.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock sets the clock used to judge expiry. Defaults to the real clock.
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithFetchTimeout bounds every provider call. Zero, the default, means no bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) { m.fetchTimeout = d }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Refresh) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithProviderName sets the name used in errors, logs and metrics. Defaults to "provider".
func WithProviderName(name string) Option {
	return func(m *Manager) { m.providerName = name }
}

// New creates a Manager that obtains credentials from provider.
func New(provider credential.Provider, opts ...Option) *Manager {
	m := &Manager{
		provider:     provider,
		providerName: "provider",
		logger:       logr.Discard(),
		clock:        clock.RealClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.NoopRefresh()
	}
	m.logger = m.logger.WithName("token-manager")
	return m
}

// ProviderName returns the name the Manager reports its provider under.
func (m *Manager) ProviderName() string { return m.providerName }

// Current returns the cached credential if there is one and it has not expired.
// It never calls the provider.
func (m *Manager) Current() (credential.Credential, bool) {
	c := m.current.Load()
	if c == nil || c.Expired(m.clock.Now()) {
		return credential.Credential{}, false
	}
	return *c, true
}

// GetCurrent returns the cached credential if it has not expired, and otherwise refreshes it.
//
// A failed refresh is reported only when no valid cached credential exists. The error then wraps
// credential.ErrExpiredCredential if an expired credential was cached, and
// credential.ErrSchedulerTerminated if the refresh scheduler gave up.
//
// Cancelling ctx abandons the wait but not the provider call, which completes for the
// benefit of the other waiters.
func (m *Manager) GetCurrent(ctx context.Context) (credential.Credential, error) {
	if c, ok := m.Current(); ok {
		return c, nil
	}
	if err := m.TerminationErr(); err != nil {
		return credential.Credential{}, err
	}

	c, err := m.refresh(ctx, false, false)
	if err == nil {
		return c, nil
	}
	// Another caller may have refreshed successfully while this one failed to wait.
	if c, ok := m.Current(); ok {
		return c, nil
	}
	if errors.Is(err, credential.ErrSchedulerTerminated) {
		return credential.Credential{}, err
	}
	if terr := m.TerminationErr(); terr != nil {
		return credential.Credential{}, fmt.Errorf("%w: %w", terr, err)
	}
	if m.current.Load() != nil {
		return credential.Credential{}, fmt.Errorf("%w: %w", credential.ErrExpiredCredential, err)
	}
	return credential.Credential{}, err
}

// ForceRefresh calls the provider regardless of the cached credential and replaces it on success.
// Concurrent refreshes share one provider call. A successful refresh clears a terminated state.
func (m *Manager) ForceRefresh(ctx context.Context) (credential.Credential, error) {
	return m.refresh(ctx, true, false)
}

// ForceRefreshOrTerminate is ForceRefresh for the last attempt the retry budget allows. If the
// provider call fails, Terminate is recorded before any waiter observes the failure, so every
// caller sharing the call gets an error wrapping credential.ErrSchedulerTerminated and no later
// GetCurrent starts another call. Nothing is terminated once ctx is done.
func (m *Manager) ForceRefreshOrTerminate(ctx context.Context) (credential.Credential, error) {
	c, err := m.refresh(ctx, true, true)
	if err == nil || ctx.Err() != nil || errors.Is(err, credential.ErrSchedulerTerminated) {
		return c, err
	}
	// Joined a flight started without the last-attempt flag.
	m.Terminate(err)
	return credential.Credential{}, m.TerminationErr()
}

// Terminate records that no further refreshes will be scheduled. Until the next successful
// ForceRefresh, GetCurrent fails with an error wrapping both credential.ErrSchedulerTerminated
// and cause whenever no valid credential is cached.
func (m *Manager) Terminate(cause error) {
	err := fmt.Errorf("%w: %w", credential.ErrSchedulerTerminated, cause)
	m.terminated.Store(&err)
}

// Terminated reports whether Terminate was called since the last successful refresh.
func (m *Manager) Terminated() bool {
	return m.terminated.Load() != nil
}

// TerminationErr returns the error recorded by Terminate, or nil when refreshing is live.
func (m *Manager) TerminationErr() error {
	if p := m.terminated.Load(); p != nil {
		return *p
	}
	return nil
}

// outcome is the value shared by the waiters of one refresh.
type outcome struct {
	cred credential.Credential
	// fetched is false when the flight found a valid cached credential and skipped the provider.
	fetched bool
}

// refresh joins or starts the single in-flight refresh and waits for it or ctx.
//
// Without force, the flight first re-checks the cache so that a caller that lost the race
// against a completed refresh does not trigger another one. A forced refresh that joined such
// a flight starts a new one, so it always observes a provider call. A final flight records
// Terminate on failure before releasing its waiters.
func (m *Manager) refresh(ctx context.Context, force, final bool) (credential.Credential, error) {
	for {
		ch := m.group.DoChan(refreshKey, func() (any, error) {
			if !force {
				if c, ok := m.Current(); ok {
					return outcome{cred: c}, nil
				}
			}
			// Detached from the caller so that one waiter giving up does not fail the others.
			fetchCtx := context.WithoutCancel(ctx)
			if m.fetchTimeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(fetchCtx, m.fetchTimeout)
				defer cancel()
			}
			c, err := m.fetch(fetchCtx)
			if err != nil && final && ctx.Err() == nil {
				m.Terminate(err)
				return outcome{}, m.TerminationErr()
			}
			return outcome{cred: c, fetched: true}, err
		})

		select {
		case <-ctx.Done():
			return credential.Credential{}, fmt.Errorf("failed to wait for credential refresh: %w", ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				return credential.Credential{}, res.Err
			}
			o := res.Val.(outcome)
			if force && !o.fetched {
				continue
			}
			return o.cred, nil
		}
	}
}

// fetch performs one provider call and installs its result.
func (m *Manager) fetch(ctx context.Context) (credential.Credential, error) {
	start := m.clock.Now()
	c, err := m.provider.Fetch(ctx)
	if err == nil {
		if verr := c.Validate(); verr != nil {
			err = fmt.Errorf("invalid credential: %w", verr)
		} else if c.Expired(m.clock.Now()) {
			err = fmt.Errorf("credential already expired at %s", c.ExpiresAt.Format(time.RFC3339))
		}
	}
	m.metrics.RecordFetch(ctx, m.providerName, m.clock.Since(start), err)
	if err != nil {
		m.logger.Error(err, "failed to fetch credential", "provider", m.providerName)
		return credential.Credential{}, credential.NewProviderError(m.providerName, err)
	}

	m.current.Store(&c)
	m.terminated.Store(nil)
	m.metrics.RecordCredentialExpiry(ctx, m.providerName, c.ExpiresAt)
	m.logger.V(1).Info("fetched credential", "provider", m.providerName,
		"username", c.Username, "expiresAt", c.ExpiresAt.Format(time.RFC3339))
	return c, nil
}
