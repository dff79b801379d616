// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tokenprovider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// DefaultAzureScope is the scope of Azure Cache for Redis and Azure Managed Redis.
const DefaultAzureScope = "https://redis.azure.com/.default"

// azureProxyURLEnv names the environment variable holding an optional proxy for Entra ID requests.
const azureProxyURLEnv = "CREDREFRESH_AZURE_PROXY_URL"

// AzureCredentialKind selects how the Entra ID credential is obtained.
type AzureCredentialKind string

const (
	// AzureCredentialDefault uses DefaultAzureCredential: environment, workload identity,
	// managed identity and developer tool credentials, in that order.
	AzureCredentialDefault AzureCredentialKind = "Default"
	// AzureCredentialClientSecret authenticates a service principal with a client secret.
	AzureCredentialClientSecret AzureCredentialKind = "ClientSecret"
	// AzureCredentialClientCertificate authenticates a service principal with a PEM certificate and key.
	AzureCredentialClientCertificate AzureCredentialKind = "ClientCertificate"
	// AzureCredentialManagedIdentity uses the system-assigned managed identity, or the
	// user-assigned one when ClientID is set.
	AzureCredentialManagedIdentity AzureCredentialKind = "ManagedIdentity"
	// AzureCredentialWorkloadIdentity exchanges a federated Kubernetes service account token.
	AzureCredentialWorkloadIdentity AzureCredentialKind = "WorkloadIdentity"
)

// AzureConfig configures an Entra ID token source.
type AzureConfig struct {
	Kind     AzureCredentialKind
	TenantID string
	ClientID string
	// ClientSecret is used by AzureCredentialClientSecret.
	ClientSecret string
	// Certificate is the PEM encoded certificate and private key used by AzureCredentialClientCertificate.
	Certificate []byte
	// CertificatePassword decrypts Certificate, if it is encrypted.
	CertificatePassword []byte
	// TokenFilePath is the federated token file used by AzureCredentialWorkloadIdentity.
	// Defaults to AZURE_FEDERATED_TOKEN_FILE.
	TokenFilePath string
	// Scopes requested for the token. Defaults to DefaultAzureScope.
	Scopes []string
}

// ValidateScopes rejects an empty scope list and blank scopes.
func ValidateScopes(scopes []string) error {
	if len(scopes) == 0 {
		return fmt.Errorf("scopes cannot be empty for Entra ID authentication")
	}
	for i, scope := range scopes {
		if strings.TrimSpace(scope) == "" {
			return fmt.Errorf("scope at index %d cannot be empty or whitespace-only", i)
		}
	}
	return nil
}

// azureTokenSource implements TokenSource for any Entra ID credential.
type azureTokenSource struct {
	credential  azcore.TokenCredential
	tokenOption policy.TokenRequestOptions
}

// NewAzureTokenSource creates a TokenSource for the Entra ID credential described by cfg.
func NewAzureTokenSource(cfg AzureConfig) (TokenSource, error) {
	scopes := cfg.Scopes
	if scopes == nil {
		scopes = []string{DefaultAzureScope}
	}
	if err := ValidateScopes(scopes); err != nil {
		return nil, err
	}

	clientOptions := azureClientOptions()
	var (
		cred azcore.TokenCredential
		err  error
	)
	switch cfg.Kind {
	case AzureCredentialDefault, "":
		cred, err = azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			ClientOptions: clientOptions,
			TenantID:      cfg.TenantID,
		})
	case AzureCredentialClientSecret:
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret,
			&azidentity.ClientSecretCredentialOptions{ClientOptions: clientOptions})
	case AzureCredentialClientCertificate:
		certs, key, perr := azidentity.ParseCertificates(cfg.Certificate, cfg.CertificatePassword)
		if perr != nil {
			return nil, fmt.Errorf("failed to parse client certificate: %w", perr)
		}
		cred, err = azidentity.NewClientCertificateCredential(cfg.TenantID, cfg.ClientID, certs, key,
			&azidentity.ClientCertificateCredentialOptions{ClientOptions: clientOptions})
	case AzureCredentialManagedIdentity:
		opts := &azidentity.ManagedIdentityCredentialOptions{ClientOptions: clientOptions}
		if cfg.ClientID != "" {
			// User-assigned managed identity.
			opts.ID = azidentity.ClientID(cfg.ClientID)
		}
		cred, err = azidentity.NewManagedIdentityCredential(opts)
	case AzureCredentialWorkloadIdentity:
		tokenFile := cfg.TokenFilePath
		if tokenFile == "" {
			tokenFile = os.Getenv("AZURE_FEDERATED_TOKEN_FILE")
		}
		cred, err = azidentity.NewWorkloadIdentityCredential(&azidentity.WorkloadIdentityCredentialOptions{
			ClientOptions: clientOptions,
			ClientID:      cfg.ClientID,
			TenantID:      cfg.TenantID,
			TokenFilePath: tokenFile,
		})
	default:
		return nil, fmt.Errorf("unknown Azure credential kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure %s credential: %w", cfg.Kind, err)
	}
	return newAzureTokenSource(cred, scopes), nil
}

func newAzureTokenSource(cred azcore.TokenCredential, scopes []string) *azureTokenSource {
	return &azureTokenSource{credential: cred, tokenOption: policy.TokenRequestOptions{Scopes: scopes}}
}

// GetToken implements [TokenSource.GetToken].
func (a *azureTokenSource) GetToken(ctx context.Context) (TokenExpiry, error) {
	azureToken, err := a.credential.GetToken(ctx, a.tokenOption)
	if err != nil {
		return TokenExpiry{}, err
	}
	return TokenExpiry{Token: azureToken.Token, ExpiresAt: azureToken.ExpiresOn}, nil
}

// azureClientOptions returns the client options shared by every Entra ID credential, routing
// requests through the proxy named by CREDREFRESH_AZURE_PROXY_URL when set.
func azureClientOptions() azcore.ClientOptions {
	if proxy := os.Getenv(azureProxyURLEnv); proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil {
			return azcore.ClientOptions{
				Transport: &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}},
			}
		}
	}
	return azcore.ClientOptions{}
}
