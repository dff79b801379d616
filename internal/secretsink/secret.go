// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package secretsink mirrors refreshed credentials into a Kubernetes Secret so that workloads
// which cannot subscribe in process can mount them.
package secretsink

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/envoyproxy/credrefresh/internal/credential"
	"github.com/envoyproxy/credrefresh/internal/subscriber"
)

const (
	// ExpirationTimeAnnotationKey holds the RFC3339 expiry of the credential stored in the secret.
	ExpirationTimeAnnotationKey = "credrefresh/expiration-time"
	// UsernameKey is the secret data key of the username.
	UsernameKey = "username"
	// PasswordKey is the secret data key of the secret.
	PasswordKey = "password"

	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "credrefresh"
)

// Sink writes credentials into one Secret.
type Sink struct {
	client    client.Client
	namespace string
	name      string
	logger    logr.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// New returns a Sink writing to the secret namespace/name.
func New(c client.Client, namespace, name string, opts ...Option) (*Sink, error) {
	if c == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if namespace == "" || name == "" {
		return nil, fmt.Errorf("secret namespace and name are required")
	}
	s := &Sink{client: c, namespace: namespace, name: name, logger: logr.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("secret-sink").WithValues("namespace", namespace, "name", name)
	return s, nil
}

// Write stores c in the secret, creating it if needed. Data keys other than UsernameKey and
// PasswordKey are preserved. A secret that already holds c is left untouched.
func (s *Sink) Write(ctx context.Context, c credential.Credential) error {
	secret, err := LookupSecret(ctx, s.client, s.namespace, s.name)
	switch {
	case apierrors.IsNotFound(err):
		secret = newSecret(s.namespace, s.name)
	case err != nil:
		return err
	case holds(secret, c):
		s.logger.V(1).Info("secret is up to date", "expiresAt", c.ExpiresAt)
		return nil
	}
	if secret.Data == nil {
		secret.Data = make(map[string][]byte)
	}
	if secret.Labels == nil {
		secret.Labels = make(map[string]string)
	}
	secret.Labels[managedByLabel] = managedByValue
	secret.Data[UsernameKey] = []byte(c.Username)
	secret.Data[PasswordKey] = []byte(c.Secret)
	updateExpirationSecretAnnotation(secret, c.ExpiresAt)
	return updateSecret(ctx, s.client, secret)
}

// Run writes every credential received from events until events is closed, ctx is done or a
// terminal failure arrives, which is returned. Write failures are logged and the next
// credential is awaited.
func (s *Sink) Run(ctx context.Context, events <-chan subscriber.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				s.logger.Info("subscription closed")
				return nil
			}
			if ev.Terminal() {
				s.logger.Error(ev.Err, "credential refresh terminated")
				return ev.Err
			}
			if err := s.Write(ctx, ev.Credential); err != nil {
				s.logger.Error(err, "failed to write credential to secret")
				continue
			}
			s.logger.V(1).Info("wrote credential to secret", "expiresAt", ev.Credential.ExpiresAt)
		}
	}
}

// newSecret creates a new secret struct (does not persist to k8s).
func newSecret(namespace, name string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
		Type: corev1.SecretTypeOpaque,
		Data: make(map[string][]byte),
	}
}

// updateSecret updates an existing secret or creates a new one.
func updateSecret(ctx context.Context, k8sClient client.Client, secret *corev1.Secret) error {
	if secret.ResourceVersion == "" {
		if err := k8sClient.Create(ctx, secret); err != nil {
			return fmt.Errorf("failed to create secret: %w", err)
		}
	} else {
		if err := k8sClient.Update(ctx, secret); err != nil {
			return fmt.Errorf("failed to update secret: %w", err)
		}
	}
	return nil
}

// LookupSecret retrieves an existing secret. A missing secret yields the NotFound error unwrapped.
func LookupSecret(ctx context.Context, k8sClient client.Client, namespace, name string) (*corev1.Secret, error) {
	secret := &corev1.Secret{}
	if err := k8sClient.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	return secret, nil
}

func updateExpirationSecretAnnotation(secret *corev1.Secret, expiresAt time.Time) {
	if secret.Annotations == nil {
		secret.Annotations = make(map[string]string)
	}
	secret.Annotations[ExpirationTimeAnnotationKey] = expiresAt.UTC().Format(time.RFC3339)
}

// holds reports whether secret already stores c, as after a restart that replays the credential.
func holds(secret *corev1.Secret, c credential.Credential) bool {
	if string(secret.Data[UsernameKey]) != c.Username || string(secret.Data[PasswordKey]) != c.Secret {
		return false
	}
	expiresAt, err := GetExpirationSecretAnnotation(secret)
	return err == nil && expiresAt.Equal(c.ExpiresAt.Truncate(time.Second))
}

// GetExpirationSecretAnnotation returns the credential expiry recorded on secret.
func GetExpirationSecretAnnotation(secret *corev1.Secret) (time.Time, error) {
	value, ok := secret.Annotations[ExpirationTimeAnnotationKey]
	if !ok {
		return time.Time{}, fmt.Errorf("secret %s/%s missing expiration time annotation", secret.Namespace, secret.Name)
	}
	expirationTime, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse expiration time annotation: %w", err)
	}
	return expirationTime, nil
}
