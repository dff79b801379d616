// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/envoyproxy/credrefresh/internal/credential"
	"github.com/envoyproxy/credrefresh/internal/sigprovider"
	"github.com/envoyproxy/credrefresh/internal/tokenprovider"
)

// ProviderConfig selects exactly one credential provider.
type ProviderConfig struct {
	// Name labels logs and metrics. Defaults to the kind of the configured provider.
	Name   string                `json:"name,omitempty"`
	Static *StaticProviderConfig `json:"static,omitempty"`
	Azure  *AzureProviderConfig  `json:"azure,omitempty"`
	OIDC   *OIDCProviderConfig   `json:"oidc,omitempty"`
	AWS    *AWSProviderConfig    `json:"aws,omitempty"`
}

// StaticProviderConfig re-issues a fixed username and secret with a fresh validity window.
type StaticProviderConfig struct {
	Username string          `json:"username"`
	Secret   string          `json:"secret"`
	Lifetime metav1.Duration `json:"lifetime"`
}

// TokenClaimsConfig controls how the username is derived from a bearer token.
type TokenClaimsConfig struct {
	// SubjectClaims overrides the claims searched for the username.
	SubjectClaims []string `json:"subjectClaims,omitempty"`
	// Username replaces the claim lookup, allowing opaque tokens.
	Username string `json:"username,omitempty"`
}

// AzureProviderConfig obtains Entra ID tokens.
type AzureProviderConfig struct {
	TokenClaimsConfig `json:",inline"`

	Kind     tokenprovider.AzureCredentialKind `json:"kind,omitempty"`
	TenantID string                            `json:"tenantID,omitempty"`
	ClientID string                            `json:"clientID,omitempty"`
	// ClientSecret or ClientSecretFile is used by the ClientSecret kind.
	ClientSecret     string `json:"clientSecret,omitempty"`
	ClientSecretFile string `json:"clientSecretFile,omitempty"`
	// CertificateFile holds the PEM certificate and key used by the ClientCertificate kind.
	CertificateFile string   `json:"certificateFile,omitempty"`
	TokenFilePath   string   `json:"tokenFilePath,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
}

// OIDCProviderConfig obtains tokens with the OAuth2 client credentials grant.
type OIDCProviderConfig struct {
	TokenClaimsConfig `json:",inline"`

	Issuer           string   `json:"issuer,omitempty"`
	TokenURL         string   `json:"tokenURL,omitempty"`
	ClientID         string   `json:"clientID"`
	ClientSecret     string   `json:"clientSecret,omitempty"`
	ClientSecretFile string   `json:"clientSecretFile,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
}

// AWSProviderConfig issues ElastiCache or MemoryDB IAM authentication tokens.
type AWSProviderConfig struct {
	UserID      string               `json:"userID"`
	CacheName   string               `json:"cacheName"`
	Region      string               `json:"region"`
	Service     sigprovider.Service  `json:"service,omitempty"`
	Serverless  bool                 `json:"serverless,omitempty"`
	Credentials AWSCredentialsConfig `json:"credentials"`
}

// AWSCredentialsConfig is the YAML form of [sigprovider.AWSCredentialsConfig].
type AWSCredentialsConfig struct {
	Kind            sigprovider.AWSCredentialsKind `json:"kind,omitempty"`
	AccessKeyID     string                         `json:"accessKeyID,omitempty"`
	SecretAccessKey string                         `json:"secretAccessKey,omitempty"`
	SessionToken    string                         `json:"sessionToken,omitempty"`
	RoleARN         string                         `json:"roleARN,omitempty"`
	TokenFilePath   string                         `json:"tokenFilePath,omitempty"`
	SessionName     string                         `json:"sessionName,omitempty"`
}

// Kind returns the name of the configured provider block, or "" if none is set.
func (p *ProviderConfig) Kind() string {
	switch {
	case p.Static != nil:
		return "static"
	case p.Azure != nil:
		return "azure"
	case p.OIDC != nil:
		return "oidc"
	case p.AWS != nil:
		return "aws"
	}
	return ""
}

// DisplayName returns Name, defaulting to Kind.
func (p *ProviderConfig) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Kind()
}

// Validate checks that exactly one provider is configured and that it is complete.
func (p *ProviderConfig) Validate() error {
	n := 0
	for _, set := range []bool{p.Static != nil, p.Azure != nil, p.OIDC != nil, p.AWS != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of static, azure, oidc or aws must be set, got %d", n)
	}

	var errs []error
	switch {
	case p.Static != nil:
		if p.Static.Username == "" || p.Static.Secret == "" {
			errs = append(errs, fmt.Errorf("static username and secret are required"))
		}
		if p.Static.Lifetime.Duration <= 0 {
			errs = append(errs, fmt.Errorf("static lifetime must be positive"))
		}
	case p.Azure != nil:
		if p.Azure.Scopes != nil {
			if err := tokenprovider.ValidateScopes(p.Azure.Scopes); err != nil {
				errs = append(errs, err)
			}
		}
		if p.Azure.ClientSecret != "" && p.Azure.ClientSecretFile != "" {
			errs = append(errs, fmt.Errorf("only one of clientSecret and clientSecretFile may be set"))
		}
	case p.OIDC != nil:
		if p.OIDC.ClientID == "" {
			errs = append(errs, fmt.Errorf("oidc clientID is required"))
		}
		if p.OIDC.Issuer == "" && p.OIDC.TokenURL == "" {
			errs = append(errs, fmt.Errorf("oidc issuer or tokenURL is required"))
		}
		if p.OIDC.ClientSecret != "" && p.OIDC.ClientSecretFile != "" {
			errs = append(errs, fmt.Errorf("only one of clientSecret and clientSecretFile may be set"))
		}
	case p.AWS != nil:
		if err := p.AWS.iamAuthConfig().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build creates the configured credential provider.
func (p *ProviderConfig) Build(ctx context.Context) (credential.Provider, error) {
	switch {
	case p.Static != nil:
		return credential.NewStaticProvider(p.Static.Username, p.Static.Secret, p.Static.Lifetime.Duration), nil
	case p.Azure != nil:
		return p.buildAzure()
	case p.OIDC != nil:
		return p.buildOIDC()
	case p.AWS != nil:
		creds, err := sigprovider.NewCredentialsProvider(ctx, p.AWS.credentialsConfig(), p.AWS.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS credentials provider: %w", err)
		}
		return sigprovider.NewIAMAuthProvider(p.AWS.iamAuthConfig(), creds)
	}
	return nil, fmt.Errorf("no provider configured")
}

func (p *ProviderConfig) buildAzure() (credential.Provider, error) {
	a := p.Azure
	secret, err := secretValue(a.ClientSecret, a.ClientSecretFile)
	if err != nil {
		return nil, err
	}
	var cert []byte
	if a.CertificateFile != "" {
		if cert, err = os.ReadFile(a.CertificateFile); err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
	}
	src, err := tokenprovider.NewAzureTokenSource(tokenprovider.AzureConfig{
		Kind:          a.Kind,
		TenantID:      a.TenantID,
		ClientID:      a.ClientID,
		ClientSecret:  secret,
		Certificate:   cert,
		TokenFilePath: a.TokenFilePath,
		Scopes:        a.Scopes,
	})
	if err != nil {
		return nil, err
	}
	return tokenprovider.NewProvider(p.DisplayName(), src, a.options()...), nil
}

func (p *ProviderConfig) buildOIDC() (credential.Provider, error) {
	o := p.OIDC
	secret, err := secretValue(o.ClientSecret, o.ClientSecretFile)
	if err != nil {
		return nil, err
	}
	src, err := tokenprovider.NewOIDCTokenSource(tokenprovider.OIDCConfig{
		Issuer:       o.Issuer,
		TokenURL:     o.TokenURL,
		ClientID:     o.ClientID,
		ClientSecret: secret,
		Scopes:       o.Scopes,
	})
	if err != nil {
		return nil, err
	}
	return tokenprovider.NewProvider(p.DisplayName(), src, o.options()...), nil
}

func (t TokenClaimsConfig) options() []tokenprovider.Option {
	var opts []tokenprovider.Option
	if len(t.SubjectClaims) > 0 {
		opts = append(opts, tokenprovider.WithSubjectClaims(t.SubjectClaims...))
	}
	if t.Username != "" {
		opts = append(opts, tokenprovider.WithStaticUsername(t.Username))
	}
	return opts
}

func (a *AWSProviderConfig) iamAuthConfig() sigprovider.IAMAuthConfig {
	return sigprovider.IAMAuthConfig{
		UserID:     a.UserID,
		CacheName:  a.CacheName,
		Region:     a.Region,
		Service:    a.Service,
		Serverless: a.Serverless,
	}
}

func (a *AWSProviderConfig) credentialsConfig() sigprovider.AWSCredentialsConfig {
	c := a.Credentials
	return sigprovider.AWSCredentialsConfig{
		Kind:            c.Kind,
		Region:          a.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		RoleARN:         c.RoleARN,
		TokenFilePath:   c.TokenFilePath,
		SessionName:     c.SessionName,
	}
}

// secretValue returns inline, or the trimmed content of file when set.
func secretValue(inline, file string) (string, error) {
	if file == "" {
		return inline, nil
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
