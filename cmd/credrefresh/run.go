// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/envoyproxy/credrefresh/internal/admin"
	"github.com/envoyproxy/credrefresh/internal/config"
	"github.com/envoyproxy/credrefresh/internal/credential"
	"github.com/envoyproxy/credrefresh/internal/metrics"
	"github.com/envoyproxy/credrefresh/internal/scheduler"
	"github.com/envoyproxy/credrefresh/internal/secretsink"
	"github.com/envoyproxy/credrefresh/internal/subscriber"
	"github.com/envoyproxy/credrefresh/internal/tokenmanager"
)

// newKubeClient is replaceable in tests.
var newKubeClient = func(sink *config.SecretSinkConfig) (client.Client, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if sink.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", sink.Kubeconfig)
	} else {
		restCfg, err = ctrl.GetConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get k8s config: %w", err)
	}
	scheme := runtime.NewScheme()
	if err = corev1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to build scheme: %w", err)
	}
	return client.New(restCfg, client.Options{Scheme: scheme})
}

func run(ctx context.Context, c cmdRun, _, stderr io.Writer) error {
	logger, err := newLogger(c.LogLevel, stderr)
	if err != nil {
		return err
	}
	setupLog := logger.WithName("setup")

	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	m, err := metrics.NewMetricsFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() {
		if err := m.Shutdown(context.WithoutCancel(ctx)); err != nil {
			setupLog.Error(err, "failed to shut down metrics")
		}
	}()
	refreshMetrics := metrics.NewRefresh(m.Meter())

	provider, err := cfg.Provider.Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to create credential provider: %w", err)
	}
	providerName := cfg.Provider.DisplayName()
	manager := tokenmanager.New(provider,
		tokenmanager.WithLogger(logger),
		tokenmanager.WithFetchTimeout(cfg.FetchTimeout.Duration),
		tokenmanager.WithMetrics(refreshMetrics),
		tokenmanager.WithProviderName(providerName),
	)
	registry := subscriber.NewRegistry(
		subscriber.WithBufferSize(cfg.SubscriberBufferSize),
		subscriber.WithLogger(logger),
	)
	sched, err := scheduler.New(manager, registry, cfg.SchedulerConfig(),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(refreshMetrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	var sink *secretsink.Sink
	if cfg.SecretSink != nil {
		k8sClient, err := newKubeClient(cfg.SecretSink)
		if err != nil {
			return err
		}
		sink, err = secretsink.New(k8sClient, cfg.SecretSink.Namespace, cfg.SecretSink.Name, secretsink.WithLogger(logger))
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	logSub := sched.Subscribe()
	var sinkSub *subscriber.Subscription
	if sink != nil {
		sinkSub = sched.Subscribe()
	}

	setupLog.Info("starting", "provider", providerName)
	done := sched.Start(gctx)

	g.Go(func() error {
		logCredentials(gctx, logger.WithName("credentials"), logSub)
		return nil
	})
	if sink != nil {
		g.Go(func() error { return sink.Run(gctx, sinkSub.C()) })
	}
	if cfg.Metrics.Address != "" {
		srv := admin.New(cfg.Metrics.Address, m.Registry(), health(sched, manager), logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-done
		sched.Stop()
		if err := manager.TerminationErr(); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("credential refresh stopped: %w", err)
	}
	setupLog.Info("shut down")
	return nil
}

// logCredentials logs every event of sub until it is closed or ctx is done.
func logCredentials(ctx context.Context, logger logr.Logger, sub *subscriber.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Terminal() {
				logger.Error(ev.Err, "credential refresh terminated")
				continue
			}
			logger.Info("credential refreshed", "username", ev.Credential.Username,
				"secret", credential.MaskSecret(ev.Credential.Secret), "expiresAt", ev.Credential.ExpiresAt)
		}
	}
}

// health reports unhealthy once refreshing has stopped.
func health(sched *scheduler.Scheduler, manager *tokenmanager.Manager) admin.HealthFunc {
	return func() error {
		if err := manager.TerminationErr(); err != nil {
			return err
		}
		if state := sched.State(); state != scheduler.StateRunning {
			return fmt.Errorf("scheduler is %s", state)
		}
		if _, ok := manager.Current(); !ok {
			return errors.New("no valid credential")
		}
		return nil
	}
}

// newLogger returns a JSON logr.Logger backed by zap writing to w.
func newLogger(level string, w io.Writer) (logr.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return logr.Logger{}, fmt.Errorf("invalid log level: %s", level)
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(w), zapLevel)
	return zapr.NewLogger(zap.New(core)), nil
}
