// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package sigprovider implements the signature flow: the secret is an AWS SigV4 presigned
// connect request for ElastiCache or MemoryDB, and the username is supplied by the caller.
package sigprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"k8s.io/utils/clock"

	"github.com/envoyproxy/credrefresh/internal/credential"
)

// Service is the AWS service a presigned token authenticates against.
type Service string

const (
	ServiceElastiCache Service = "elasticache"
	ServiceMemoryDB    Service = "memorydb"
)

const (
	// MaxTokenLifetime is how long the service accepts a presigned token.
	MaxTokenLifetime = 15 * time.Minute
	// emptyPayloadHash is the hex encoded SHA-256 of an empty body.
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	providerName     = "aws-iam"
)

// IAMAuthConfig describes the cache and user a token is generated for.
type IAMAuthConfig struct {
	// UserID is the cache user ID. It is also the username of the issued credential.
	UserID string
	// CacheName is the replication group, cluster or serverless cache name.
	CacheName string
	Region    string
	// Service defaults to ServiceElastiCache.
	Service Service
	// Serverless marks an ElastiCache serverless cache.
	Serverless bool
}

// Validate checks that every field required to sign a token is set.
func (c IAMAuthConfig) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, fmt.Errorf("userID is required"))
	}
	if c.CacheName == "" {
		errs = append(errs, fmt.Errorf("cacheName is required"))
	}
	if c.Region == "" {
		errs = append(errs, fmt.Errorf("region is required"))
	}
	switch c.Service {
	case "", ServiceElastiCache, ServiceMemoryDB:
	default:
		errs = append(errs, fmt.Errorf("unsupported service %q", c.Service))
	}
	if c.Serverless && c.Service == ServiceMemoryDB {
		errs = append(errs, fmt.Errorf("serverless is only supported for %s", ServiceElastiCache))
	}
	return errors.Join(errs...)
}

var _ credential.Provider = (*iamAuthProvider)(nil)

// iamAuthProvider issues presigned connect requests as credentials.
type iamAuthProvider struct {
	cfg         IAMAuthConfig
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	clock       clock.PassiveClock
}

// Option configures the provider returned by NewIAMAuthProvider.
type Option func(*iamAuthProvider)

// WithClock sets the clock used as signing time.
func WithClock(c clock.PassiveClock) Option {
	return func(p *iamAuthProvider) { p.clock = c }
}

// NewIAMAuthProvider returns a credential.Provider whose secrets are IAM authentication tokens
// signed with the AWS credentials retrieved from creds.
func NewIAMAuthProvider(cfg IAMAuthConfig, creds aws.CredentialsProvider, opts ...Option) (credential.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid IAM auth config: %w", err)
	}
	if creds == nil {
		return nil, fmt.Errorf("AWS credentials provider is required")
	}
	if cfg.Service == "" {
		cfg.Service = ServiceElastiCache
	}
	p := &iamAuthProvider{
		cfg:         cfg,
		credentials: creds,
		signer:      v4.NewSigner(),
		clock:       clock.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Fetch implements [credential.Provider.Fetch].
func (p *iamAuthProvider) Fetch(ctx context.Context) (credential.Credential, error) {
	awsCreds, err := p.credentials.Retrieve(ctx)
	if err != nil {
		return credential.Credential{}, credential.NewProviderError(providerName, fmt.Errorf("cannot retrieve AWS credentials: %w", err))
	}

	now := p.clock.Now()
	token, err := p.presign(ctx, awsCreds, now)
	if err != nil {
		return credential.Credential{}, credential.NewProviderError(providerName, err)
	}
	return credential.Credential{
		Username:  p.cfg.UserID,
		Secret:    token,
		IssuedAt:  now,
		ExpiresAt: now.Add(MaxTokenLifetime),
	}, nil
}

// presign builds the connect request for the cache and returns its presigned URL without scheme.
func (p *iamAuthProvider) presign(ctx context.Context, awsCreds aws.Credentials, signingTime time.Time) (string, error) {
	query := url.Values{}
	query.Set("Action", "connect")
	query.Set("User", p.cfg.UserID)
	if p.cfg.Serverless {
		query.Set("ResourceType", "ServerlessCache")
	}
	query.Set("X-Amz-Expires", fmt.Sprintf("%d", int(MaxTokenLifetime.Seconds())))

	u := url.URL{Scheme: "http", Host: p.cfg.CacheName, Path: "/", RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return "", fmt.Errorf("cannot create request: %w", err)
	}

	signed, _, err := p.signer.PresignHTTP(ctx, awsCreds, req, emptyPayloadHash,
		string(p.cfg.Service), p.cfg.Region, signingTime.UTC())
	if err != nil {
		return "", fmt.Errorf("cannot presign request: %w", err)
	}
	return strings.TrimPrefix(signed, "http://"), nil
}
