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

package registry

import (
	"io"
	"log/slog"
	"sync"

	"github.com/guildhall-io/guildhall/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const registryShards = 16

// ConfigSource resolves the stored configuration for a guild on first
// reference. Returning nil config (and nil error) selects defaults.
type ConfigSource func(gateway.GuildID) (*Config, error)

type RegistryConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	ConfigSource ConfigSource
}

// Registry holds one GuildState per guild, created lazily on first
// reference and retained for the process lifetime. Guilds are spread over
// shards so lookups for unrelated guilds do not contend.
type Registry struct {
	config  RegistryConfig
	logger  *slog.Logger
	shards  [registryShards]registryShard
	metrics struct {
		guilds prometheus.Gauge
	}
}

type registryShard struct {
	guilds map[gateway.GuildID]*GuildState
	mu     sync.RWMutex
}

func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		config: cfg,
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		r.logger = cfg.Logger
	}
	for i := range r.shards {
		r.shards[i].guilds = make(map[gateway.GuildID]*GuildState)
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	r.metrics.guilds = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "guildhall_guilds",
		Help: "current count of registered guild states",
	})
	return r
}

func (r *Registry) shard(id gateway.GuildID) *registryShard {
	return &r.shards[uint64(id)%registryShards]
}

// Get returns the state for a guild, creating it on first reference
func (r *Registry) Get(id gateway.GuildID) *GuildState {
	shard := r.shard(id)
	shard.mu.RLock()
	gs, ok := shard.guilds[id]
	shard.mu.RUnlock()
	if ok {
		return gs
	}
	// Resolve stored config outside the shard lock
	cfg := DefaultConfig()
	if r.config.ConfigSource != nil {
		storedCfg, err := r.config.ConfigSource(id)
		if err != nil {
			r.logger.Warn(
				"failed to load guild config, using defaults",
				"guild", id.String(),
				"error", err,
			)
		} else if storedCfg != nil {
			cfg = storedCfg
		}
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	// Re-check under write lock, another caller may have won the race
	if gs, ok := shard.guilds[id]; ok {
		return gs
	}
	gs = newGuildState(id, cfg)
	shard.guilds[id] = gs
	r.metrics.guilds.Inc()
	return gs
}

// Lookup returns the state for a guild without creating it
func (r *Registry) Lookup(id gateway.GuildID) (*GuildState, bool) {
	shard := r.shard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	gs, ok := shard.guilds[id]
	return gs, ok
}

// Range calls f for each registered guild state until f returns false
func (r *Registry) Range(f func(*GuildState) bool) {
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.RLock()
		states := make([]*GuildState, 0, len(shard.guilds))
		for _, gs := range shard.guilds {
			states = append(states, gs)
		}
		shard.mu.RUnlock()
		for _, gs := range states {
			if !f(gs) {
				return
			}
		}
	}
}
