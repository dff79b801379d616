// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config loads the YAML configuration of the credrefresh binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/envoyproxy/credrefresh/internal/retry"
	"github.com/envoyproxy/credrefresh/internal/scheduler"
	"github.com/envoyproxy/credrefresh/internal/subscriber"
)

// DefaultFetchTimeout bounds a single provider call.
const DefaultFetchTimeout = 30 * time.Second

// Config is the top level configuration.
type Config struct {
	// RefreshRatio is the fraction of the credential lifetime elapsed before a proactive refresh.
	RefreshRatio float64 `json:"refreshRatio"`
	// FetchTimeout bounds a single provider call. Zero disables the bound.
	FetchTimeout metav1.Duration `json:"fetchTimeout"`
	Retry        RetryConfig     `json:"retry"`
	// SubscriberBufferSize is the per subscriber event buffer.
	SubscriberBufferSize int               `json:"subscriberBufferSize"`
	Provider             ProviderConfig    `json:"provider"`
	SecretSink           *SecretSinkConfig `json:"secretSink,omitempty"`
	Metrics              MetricsConfig     `json:"metrics"`
}

// RetryConfig is the YAML form of [retry.Policy].
type RetryConfig struct {
	MaxAttempts       uint            `json:"maxAttempts"`
	InitialDelay      metav1.Duration `json:"initialDelay"`
	MaxDelay          metav1.Duration `json:"maxDelay"`
	BackoffMultiplier float64         `json:"backoffMultiplier"`
	JitterFraction    float64         `json:"jitterFraction"`
}

// SecretSinkConfig names the Kubernetes Secret credentials are mirrored into.
type SecretSinkConfig struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	// Kubeconfig is optional; the in-cluster configuration is used when empty.
	Kubeconfig string `json:"kubeconfig,omitempty"`
}

// MetricsConfig configures the admin server.
type MetricsConfig struct {
	// Address serves /metrics when set, for example ":9090".
	Address string `json:"address,omitempty"`
}

// Default returns the configuration that Load starts from.
func Default() Config {
	p := retry.Default()
	return Config{
		RefreshRatio: scheduler.DefaultRefreshRatio,
		FetchTimeout: metav1.Duration{Duration: DefaultFetchTimeout},
		Retry: RetryConfig{
			MaxAttempts:       p.MaxAttempts,
			InitialDelay:      metav1.Duration{Duration: p.InitialDelay},
			MaxDelay:          metav1.Duration{Duration: p.MaxDelay},
			BackoffMultiplier: p.BackoffMultiplier,
			JitterFraction:    p.JitterFraction,
		},
		SubscriberBufferSize: subscriber.DefaultBufferSize,
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes raw over Default and validates the result. Unknown fields are rejected.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem of the configuration.
func (c *Config) Validate() error {
	var errs []error
	if err := c.SchedulerConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.FetchTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("fetchTimeout must not be negative"))
	}
	if c.SubscriberBufferSize < 1 {
		errs = append(errs, fmt.Errorf("subscriberBufferSize must be at least 1"))
	}
	if err := c.Provider.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid provider: %w", err))
	}
	if s := c.SecretSink; s != nil && (s.Namespace == "" || s.Name == "") {
		errs = append(errs, fmt.Errorf("secretSink requires namespace and name"))
	}
	return errors.Join(errs...)
}

// SchedulerConfig converts the refresh settings to a [scheduler.Config].
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		RefreshRatio: c.RefreshRatio,
		Retry: retry.Policy{
			MaxAttempts:       c.Retry.MaxAttempts,
			InitialDelay:      c.Retry.InitialDelay.Duration,
			MaxDelay:          c.Retry.MaxDelay.Duration,
			BackoffMultiplier: c.Retry.BackoffMultiplier,
			JitterFraction:    c.Retry.JitterFraction,
		},
	}
}
