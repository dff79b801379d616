// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package credential

import (
	"context"
	"time"
)

// Provider obtains one fresh credential from an external identity system.
//
// Implementations must not retry internally and must never return a credential whose
// ExpiresAt is not after its IssuedAt. Failures should be returned as *ProviderError.
type Provider interface {
	// Fetch issues a new credential.
	Fetch(ctx context.Context) (Credential, error)
}

// ProviderFunc adapts an ordinary function to a [Provider].
type ProviderFunc func(ctx context.Context) (Credential, error)

// Fetch implements [Provider.Fetch].
func (f ProviderFunc) Fetch(ctx context.Context) (Credential, error) { return f(ctx) }

var _ Provider = (*staticProvider)(nil)

// staticProvider re-issues the same username and secret with a fresh validity window on every fetch.
type staticProvider struct {
	username string
	secret   string
	lifetime time.Duration
	now      func() time.Time
}

// NewStaticProvider returns a Provider that always issues username and secret, valid for lifetime
// from the moment of the fetch.
func NewStaticProvider(username, secret string, lifetime time.Duration) Provider {
	return &staticProvider{username: username, secret: secret, lifetime: lifetime, now: time.Now}
}

// Fetch implements [Provider.Fetch].
func (s *staticProvider) Fetch(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, NewProviderError("static", err)
	}
	now := s.now()
	return Credential{Username: s.username, Secret: s.secret, IssuedAt: now, ExpiresAt: now.Add(s.lifetime)}, nil
}

// mockProvider is used for unit tests to return a fixed credential and error.
type mockProvider struct {
	cred Credential
	err  error
}

// Fetch implements [Provider.Fetch].
func (m *mockProvider) Fetch(context.Context) (Credential, error) {
	return m.cred, m.err
}

// NewMockProvider creates a Provider that always returns cred and err.
func NewMockProvider(cred Credential, err error) Provider {
	return &mockProvider{cred: cred, err: err}
}
