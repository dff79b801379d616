// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tokenprovider

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"

	"github.com/envoyproxy/credrefresh/internal/credential"
)

// DefaultSubjectClaims are the claims searched, in order, for the username.
// Entra ID puts the stable object ID of the principal in "oid".
var DefaultSubjectClaims = []string{"oid", "sub"}

var _ credential.Provider = (*tokenProvider)(nil)

// tokenProvider turns the tokens of a TokenSource into credentials.
type tokenProvider struct {
	name           string
	source         TokenSource
	subjectClaims  []string
	staticUsername string
	clock          clock.PassiveClock
	parser         *jwt.Parser
}

// Option configures the provider returned by NewProvider.
type Option func(*tokenProvider)

// WithSubjectClaims overrides DefaultSubjectClaims.
func WithSubjectClaims(claims ...string) Option {
	return func(p *tokenProvider) { p.subjectClaims = claims }
}

// WithStaticUsername uses username instead of a claim, which allows opaque, non-JWT tokens.
func WithStaticUsername(username string) Option {
	return func(p *tokenProvider) { p.staticUsername = username }
}

// WithClock sets the clock that stamps issued credentials.
func WithClock(c clock.PassiveClock) Option {
	return func(p *tokenProvider) { p.clock = c }
}

// NewProvider returns a credential.Provider that fetches a token from source and uses the first
// non-empty subject claim as username and the raw token as secret.
//
// Claims are read without verifying the signature: the token is only forwarded to the service
// that verifies it.
func NewProvider(name string, source TokenSource, opts ...Option) credential.Provider {
	p := &tokenProvider{
		name:          name,
		source:        source,
		subjectClaims: DefaultSubjectClaims,
		clock:         clock.RealClock{},
		parser:        jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch implements [credential.Provider.Fetch].
func (p *tokenProvider) Fetch(ctx context.Context) (credential.Credential, error) {
	tok, err := p.source.GetToken(ctx)
	if err != nil {
		return credential.Credential{}, credential.NewProviderError(p.name, fmt.Errorf("failed to get token: %w", err))
	}
	if tok.Token == "" {
		return credential.Credential{}, credential.NewProviderError(p.name, fmt.Errorf("identity service returned an empty token"))
	}
	c, err := p.toCredential(tok)
	if err != nil {
		return credential.Credential{}, credential.NewProviderError(p.name, err)
	}
	return c, nil
}

func (p *tokenProvider) toCredential(tok TokenExpiry) (credential.Credential, error) {
	now := p.clock.Now()
	c := credential.Credential{
		Username:  p.staticUsername,
		Secret:    tok.Token,
		// Sources hand out cached tokens until close to expiry, so the lifetime counts from
		// the fetch, not from the iat claim.
		IssuedAt:  now,
		ExpiresAt: tok.ExpiresAt,
	}

	claims := jwt.MapClaims{}
	if _, _, err := p.parser.ParseUnverified(tok.Token, claims); err != nil {
		if c.Username == "" {
			return credential.Credential{}, fmt.Errorf("failed to parse token claims: %w", err)
		}
		claims = nil
	}

	if c.Username == "" {
		for _, name := range p.subjectClaims {
			if v, ok := claims[name].(string); ok && v != "" {
				c.Username = v
				break
			}
		}
		if c.Username == "" {
			return credential.Credential{}, fmt.Errorf("token has none of the subject claims %v", p.subjectClaims)
		}
	}

	if claims != nil {
		if c.ExpiresAt.IsZero() {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				c.ExpiresAt = exp.Time
			}
		}
	}

	if c.ExpiresAt.IsZero() {
		return credential.Credential{}, fmt.Errorf("token has no expiration time")
	}
	if err := c.Validate(); err != nil {
		return credential.Credential{}, err
	}
	return c, nil
}
