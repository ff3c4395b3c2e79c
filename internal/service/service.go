// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guildhall-io/guildhall"
	"github.com/guildhall-io/guildhall/event"
	"github.com/guildhall-io/guildhall/gateway"
	"github.com/guildhall-io/guildhall/internal/config"
	"github.com/guildhall-io/guildhall/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run starts the service with an in-process gateway and blocks until a
// termination signal arrives. Deployments that bridge a real chat
// platform embed the library and supply their own gateway instead.
func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "service")

	// Parse shutdown timeout
	shutdownTimeout := 30 * time.Second // Default timeout
	if cfg.ShutdownTimeout != "" {
		var err error
		shutdownTimeout, err = time.ParseDuration(cfg.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid shutdown timeout: %w", err)
		}
	}

	guildDefaults, err := buildGuildDefaults(cfg)
	if err != nil {
		return err
	}

	gw, err := gateway.NewMemoryGateway(logger)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	opts := []guildhall.ConfigOptionFunc{
		guildhall.WithLogger(logger),
		guildhall.WithDatabasePath(cfg.DatabasePath),
		guildhall.WithBlobPlugin(cfg.BlobPlugin),
		guildhall.WithMetadataPlugin(cfg.MetadataPlugin),
		guildhall.WithGateway(gw),
		guildhall.WithDefaultGuildConfig(guildDefaults),
		guildhall.WithShutdownTimeout(shutdownTimeout),
		// Enable metrics with default prometheus registry
		guildhall.WithPrometheusRegistry(prometheus.DefaultRegisterer),
	}
	if cfg.SweepInterval != "" {
		interval, err := time.ParseDuration(cfg.SweepInterval)
		if err != nil {
			return fmt.Errorf("invalid sweep interval: %w", err)
		}
		opts = append(opts, guildhall.WithSweepInterval(interval))
	}
	if cfg.SnapshotInterval != "" {
		interval, err := time.ParseDuration(cfg.SnapshotInterval)
		if err != nil {
			return fmt.Errorf("invalid snapshot interval: %w", err)
		}
		opts = append(opts, guildhall.WithSnapshotInterval(interval))
	}

	svc, err := guildhall.New(guildhall.NewConfig(opts...))
	if err != nil {
		return err
	}

	// Metrics listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		"component", "service",
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "service",
			)
			os.Exit(1)
		}
	}()

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		err := svc.Run()
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	// The in-process gateway has no session handshake; mark the session
	// up as soon as the service is wired so the periodic loops start
	select {
	case <-svc.Ready():
		svc.EventBus().Publish(
			guildhall.ConnectedEventType,
			event.NewEvent(
				guildhall.ConnectedEventType,
				guildhall.ConnectedEvent{},
			),
		)
	case err := <-errChan:
		return err
	case <-signalCtx.Done():
	}

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")

		// Shutdown metrics server
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}

		// Shutdown service
		return svc.Stop()
	case err := <-errChan:
		return err
	}
}

// buildGuildDefaults translates the process-level guild defaults into a
// runtime guild config
func buildGuildDefaults(cfg *config.Config) (*registry.Config, error) {
	defaults := registry.DefaultConfig()
	defaults.ReclaimForeign = cfg.Guild.ReclaimForeign
	if cfg.Guild.ReclaimDelay != "" {
		d, err := time.ParseDuration(cfg.Guild.ReclaimDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid reclaim delay: %w", err)
		}
		defaults.ReclaimDelay = d
	}
	if cfg.Guild.ApplyInterval != "" {
		d, err := time.ParseDuration(cfg.Guild.ApplyInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid apply interval: %w", err)
		}
		defaults.ApplyInterval = d
	}
	if cfg.Guild.PunishThreshold != "" {
		d, err := time.ParseDuration(cfg.Guild.PunishThreshold)
		if err != nil {
			return nil, fmt.Errorf("invalid punish threshold: %w", err)
		}
		defaults.PunishThreshold = d
	}
	return defaults, nil
}
