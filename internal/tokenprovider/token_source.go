// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tokenprovider implements the token flow: a bearer token is obtained from an identity
// service and the subject it carries becomes the username.
package tokenprovider

import (
	"context"
	"time"
)

// TokenExpiry represents a token and its expiration time.
type TokenExpiry struct {
	Token     string    // The raw token string.
	ExpiresAt time.Time // The expiration time of the token. Zero when the source does not report one.
}

// TokenSource retrieves bearer tokens from an identity service.
type TokenSource interface {
	// GetToken retrieves a token and its expiration time.
	GetToken(ctx context.Context) (TokenExpiry, error)
}

// mockTokenSource is used for unit tests to allow passing in a token string and expiry.
type mockTokenSource struct {
	token     string
	expiresAt time.Time
	err       error
}

// GetToken implements [TokenSource.GetToken].
func (m *mockTokenSource) GetToken(context.Context) (TokenExpiry, error) {
	return TokenExpiry{Token: m.token, ExpiresAt: m.expiresAt}, m.err
}

// NewMockTokenSource creates a TokenSource that returns the given token, expiration time and error.
func NewMockTokenSource(token string, expiresAt time.Time, err error) TokenSource {
	return &mockTokenSource{token: token, expiresAt: expiresAt, err: err}
}
