// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package credential defines the credential value handed to connections, the
// provider abstraction that issues it, and the error taxonomy shared by the
// refresh machinery.
package credential

import (
	"fmt"
	"time"
)

// maskedSecretPrefixLen is the number of leading secret characters kept by [Credential.String].
const maskedSecretPrefixLen = 8

// Credential is a username/secret pair plus its validity window.
//
// A Credential is never mutated once issued. A refresh produces a new value which supersedes
// the previous one.
type Credential struct {
	// Username is the identity presented to the remote service.
	Username string
	// Secret is the token or signed request presented as the password.
	Secret string
	// IssuedAt is when the provider produced the credential.
	IssuedAt time.Time
	// ExpiresAt is the instant from which the credential must no longer be used.
	ExpiresAt time.Time
}

// IsZero reports whether c is the zero Credential.
func (c Credential) IsZero() bool {
	return c.Username == "" && c.Secret == "" && c.IssuedAt.IsZero() && c.ExpiresAt.IsZero()
}

// Expired reports whether the credential must not be handed to a new connection attempt at now.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Lifetime returns the total validity window of the credential.
func (c Credential) Lifetime() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// RefreshDue returns the instant at which ratio of the lifetime has elapsed.
func (c Credential) RefreshDue(ratio float64) time.Time {
	return c.IssuedAt.Add(time.Duration(float64(c.Lifetime()) * ratio))
}

// Validate checks the validity window of the credential.
func (c Credential) Validate() error {
	if c.IssuedAt.IsZero() || c.ExpiresAt.IsZero() {
		return fmt.Errorf("credential validity window is not set")
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return fmt.Errorf("credential expires at %s which is not after issued at %s",
			c.ExpiresAt.Format(time.RFC3339), c.IssuedAt.Format(time.RFC3339))
	}
	return nil
}

// String implements fmt.Stringer without leaking the secret.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{Username: %q, Secret: %q, IssuedAt: %s, ExpiresAt: %s}",
		c.Username, MaskSecret(c.Secret), c.IssuedAt.Format(time.RFC3339), c.ExpiresAt.Format(time.RFC3339))
}

// MaskSecret returns a printable form of secret that keeps only its first few characters.
func MaskSecret(secret string) string {
	if len(secret) <= maskedSecretPrefixLen {
		return "***"
	}
	return secret[:maskedSecretPrefixLen] + "..."
}
