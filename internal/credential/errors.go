// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package credential

import (
	"errors"
	"fmt"
)

var (
	// ErrExpiredCredential is returned when a credential is requested past its expiry and no
	// refreshed credential could be obtained.
	ErrExpiredCredential = errors.New("credential expired and no refreshed credential is available")
	// ErrSchedulerTerminated is returned once the refresh scheduler has exhausted its retry budget.
	ErrSchedulerTerminated = errors.New("credential refresh terminated after exhausting retries")
)

// ProviderError is returned when the identity system would not issue a credential.
type ProviderError struct {
	// Provider is the name of the provider that failed.
	Provider string
	// Err is the underlying failure.
	Err error
}

// NewProviderError wraps err as a *ProviderError attributed to provider.
// An err that already is a *ProviderError is returned unchanged.
func NewProviderError(provider string, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Err: err}
}

// Error implements [error.Error].
func (e *ProviderError) Error() string {
	return fmt.Sprintf("credential provider %q failed: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying failure.
func (e *ProviderError) Unwrap() error { return e.Err }

// AuthenticationRejectedError is reported by a transport when the remote service rejected a
// credential that was successfully supplied.
type AuthenticationRejectedError struct {
	// Username is the identity that was rejected.
	Username string
	// Err is the error returned by the remote service.
	Err error
}

// Error implements [error.Error].
func (e *AuthenticationRejectedError) Error() string {
	return fmt.Sprintf("remote service rejected credential for %q: %v", e.Username, e.Err)
}

// Unwrap returns the error returned by the remote service.
func (e *AuthenticationRejectedError) Unwrap() error { return e.Err }

// IsSupplyFailure reports whether err means no usable credential could be supplied,
// as opposed to the remote service rejecting a supplied one.
func IsSupplyFailure(err error) bool {
	if err == nil || IsAuthenticationRejected(err) {
		return false
	}
	var pe *ProviderError
	return errors.As(err, &pe) || errors.Is(err, ErrExpiredCredential) || errors.Is(err, ErrSchedulerTerminated)
}

// IsAuthenticationRejected reports whether err carries an [AuthenticationRejectedError].
func IsAuthenticationRejected(err error) bool {
	var ae *AuthenticationRejectedError
	return errors.As(err, &ae)
}
