// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tokenprovider

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2/clientcredentials"
	"k8s.io/utils/clock"
)

// OIDCConfig configures an OAuth2 client credentials token source.
type OIDCConfig struct {
	// Issuer is the OIDC issuer whose discovery document supplies the token endpoint and
	// supported scopes. Optional when TokenURL is set.
	Issuer string
	// TokenURL overrides the discovered token endpoint.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// Clock turns the expires_in of a token response into an expiry. Defaults to the real clock.
	Clock clock.PassiveClock
}

// oidcTokenSource implements the standard OAuth2 client credentials flow, discovering the token
// endpoint from the issuer on first use.
type oidcTokenSource struct {
	cfg OIDCConfig

	mu         sync.Mutex
	discovered bool
	tokenURL   string
	scopes     []string
}

// NewOIDCTokenSource creates a client credentials TokenSource.
func NewOIDCTokenSource(cfg OIDCConfig) (TokenSource, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.Issuer == "" && cfg.TokenURL == "" {
		return nil, fmt.Errorf("either issuer or token URL is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &oidcTokenSource{cfg: cfg, tokenURL: cfg.TokenURL, scopes: slices.Clone(cfg.Scopes)}, nil
}

// GetToken implements [TokenSource.GetToken].
func (p *oidcTokenSource) GetToken(ctx context.Context) (TokenExpiry, error) {
	tokenURL, scopes, err := p.endpoint(ctx)
	if err != nil {
		return TokenExpiry{}, fmt.Errorf("failed to get OIDC config: %w", err)
	}

	oauth2Config := clientcredentials.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Scopes:       scopes,
		TokenURL:     tokenURL,
	}
	token, err := oauth2Config.Token(ctx)
	if err != nil {
		return TokenExpiry{}, fmt.Errorf("failed to get oauth2 token: %w", err)
	}
	expiry := token.Expiry
	if token.ExpiresIn > 0 {
		expiry = p.cfg.Clock.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	return TokenExpiry{Token: token.AccessToken, ExpiresAt: expiry}, nil
}

// endpoint returns the token URL and the scopes to request, running discovery once if needed.
func (p *oidcTokenSource) endpoint(ctx context.Context) (string, []string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discovered || p.cfg.Issuer == "" {
		return p.tokenURL, p.scopes, nil
	}

	config, supportedScopes, err := discover(ctx, p.cfg.Issuer)
	if err != nil {
		return "", nil, err
	}
	if p.tokenURL == "" {
		p.tokenURL = config.TokenURL
	}
	for _, scope := range supportedScopes {
		if !slices.Contains(p.scopes, scope) {
			p.scopes = append(p.scopes, scope)
		}
	}
	p.discovered = true
	return p.tokenURL, p.scopes, nil
}

// discover fetches the provider configuration and supported scopes of issuerURL.
func discover(ctx context.Context, issuerURL string) (*oidc.ProviderConfig, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("context error before discovery: %w", err)
	}

	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create go-oidc provider %q: %w", issuerURL, err)
	}

	var config oidc.ProviderConfig
	if err = provider.Claims(&config); err != nil {
		return nil, nil, fmt.Errorf("failed to decode provider config claims %q: %w", issuerURL, err)
	}
	var claims struct {
		SupportedScopes []string `json:"scopes_supported"`
	}
	if err = provider.Claims(&claims); err != nil {
		return nil, nil, fmt.Errorf("failed to decode provider scope supported claims: %w", err)
	}

	if config.IssuerURL == "" {
		return nil, nil, fmt.Errorf("issuer is required in OIDC provider config")
	}
	if config.TokenURL == "" {
		return nil, nil, fmt.Errorf("token_endpoint is required in OIDC provider config")
	}
	return &config, claims.SupportedScopes, nil
}
