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

package guildhall

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/guildhall-io/guildhall/clock"
	"github.com/guildhall-io/guildhall/gateway"
	"github.com/guildhall-io/guildhall/registry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultSweepInterval is how often the reconciliation sweep runs
	// while connected
	DefaultSweepInterval = 15 * time.Minute
	// DefaultSnapshotInterval is how often volatile accrual state is
	// snapshotted to the blob store while connected
	DefaultSnapshotInterval = 60 * time.Second
)

// Gateway bundles the chat-platform capabilities the service requires
type Gateway interface {
	gateway.Provisioner
	gateway.Occupancy
}

type Config struct {
	promRegistry       prometheus.Registerer
	logger             *slog.Logger
	clock              clock.Clock
	gateway            Gateway
	notifier           gateway.Notifier
	defaultGuildConfig *registry.Config
	dataDir            string
	blobPlugin         string
	metadataPlugin     string
	sweepInterval      time.Duration
	snapshotInterval   time.Duration
	safetyMargin       time.Duration
	shutdownTimeout    time.Duration
}

func (s *Service) configValidate() error {
	if s.config.gateway == nil {
		return errors.New("no gateway defined")
	}
	if s.config.sweepInterval < 0 {
		return errors.New("negative sweep interval")
	}
	if s.config.snapshotInterval < 0 {
		return errors.New("negative snapshot interval")
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the service config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new guildhall config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:           slog.New(slog.NewJSONHandler(io.Discard, nil)),
		clock:            clock.System{},
		sweepInterval:    DefaultSweepInterval,
		snapshotInterval: DefaultSnapshotInterval,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus registry for metrics
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithClock specifies the clock to use for scheduling and accrual. This
// is mostly used by tests to control time.
func WithClock(clk clock.Clock) ConfigOptionFunc {
	return func(c *Config) {
		c.clock = clk
	}
}

// WithGateway specifies the chat-platform gateway
func WithGateway(gw Gateway) ConfigOptionFunc {
	return func(c *Config) {
		c.gateway = gw
	}
}

// WithNotifier specifies the operator notifier
func WithNotifier(notifier gateway.Notifier) ConfigOptionFunc {
	return func(c *Config) {
		c.notifier = notifier
	}
}

// WithDatabasePath specifies the data directory for persistent storage.
// An empty path selects in-memory storage.
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithBlobPlugin specifies the blob store plugin by name
func WithBlobPlugin(plugin string) ConfigOptionFunc {
	return func(c *Config) {
		c.blobPlugin = plugin
	}
}

// WithMetadataPlugin specifies the metadata store plugin by name
func WithMetadataPlugin(plugin string) ConfigOptionFunc {
	return func(c *Config) {
		c.metadataPlugin = plugin
	}
}

// WithDefaultGuildConfig specifies the config applied to guilds without
// persisted settings
func WithDefaultGuildConfig(cfg *registry.Config) ConfigOptionFunc {
	return func(c *Config) {
		c.defaultGuildConfig = cfg
	}
}

// WithSweepInterval specifies how often the reconciliation sweep runs
func WithSweepInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.sweepInterval = interval
	}
}

// WithSnapshotInterval specifies how often accrual state is snapshotted
func WithSnapshotInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.snapshotInterval = interval
	}
}

// WithReclaimSafetyMargin specifies the margin added to reclaim deadlines
func WithReclaimSafetyMargin(margin time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.safetyMargin = margin
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
