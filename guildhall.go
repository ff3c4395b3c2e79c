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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guildhall-io/guildhall/accrual"
	"github.com/guildhall-io/guildhall/database"
	"github.com/guildhall-io/guildhall/database/plugin/blob"
	"github.com/guildhall-io/guildhall/event"
	"github.com/guildhall-io/guildhall/gateway"
	"github.com/guildhall-io/guildhall/reclaim"
	"github.com/guildhall-io/guildhall/registry"
)

// Service wires the guild registry, the reclamation scheduler, and the
// accrual engine to a gateway and durable storage
type Service struct {
	config       Config
	eventBus     *event.EventBus
	registry     *registry.Registry
	scheduler    *reclaim.Scheduler
	engine       *accrual.Engine
	db           *database.Database
	sweeper      *sweeper
	done         chan struct{}
	ready        chan struct{}
	shutdownOnce sync.Once
}

func New(cfg Config) (*Service, error) {
	eventBus := event.NewEventBus(cfg.promRegistry, cfg.logger)
	s := &Service{
		config:   cfg,
		eventBus: eventBus,
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
	if err := s.configValidate(); err != nil {
		eventBus.Stop()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// EventBus returns the service event bus. Gateway adapters publish their
// events here.
func (s *Service) EventBus() *event.EventBus {
	return s.eventBus
}

// Database returns the service database, nil before Run
func (s *Service) Database() *database.Database {
	return s.db
}

func (s *Service) Run() error {
	// Load database
	db, err := database.New(database.Config{
		DataDir:        s.config.dataDir,
		Logger:         s.config.logger,
		PromRegistry:   s.config.promRegistry,
		MetadataPlugin: s.config.metadataPlugin,
		BlobPlugin:     s.config.blobPlugin,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db
	// Configure guild registry
	s.registry = registry.NewRegistry(registry.RegistryConfig{
		PromRegistry: s.config.promRegistry,
		Logger:       s.config.logger,
		ConfigSource: s.guildConfigSource,
	})
	// Configure reclamation scheduler
	s.scheduler = reclaim.NewScheduler(reclaim.SchedulerConfig{
		PromRegistry: s.config.promRegistry,
		Logger:       s.config.logger,
		Clock:        s.config.clock,
		Provisioner:  s.config.gateway,
		Occupancy:    s.config.gateway,
		Notifier:     s.config.notifier,
		Store:        s.db,
		SafetyMargin: s.config.safetyMargin,
	})
	// Configure accrual engine
	s.engine = accrual.NewEngine(accrual.EngineConfig{
		PromRegistry: s.config.promRegistry,
		Logger:       s.config.logger,
		Clock:        s.config.clock,
		Store:        s.db,
	})
	// Configure reconciliation sweep and snapshot loops
	s.sweeper = newSweeper(s)
	// Restore guild state from storage
	if err := s.restore(context.Background()); err != nil {
		return fmt.Errorf("failed to restore guild state: %w", err)
	}
	// Subscribe to gateway events
	s.eventBus.SubscribeFunc(
		OccupancyChangedEventType,
		s.handleOccupancyChangedEvent,
	)
	s.eventBus.SubscribeFunc(
		DiscreteActivityEventType,
		s.handleDiscreteActivityEvent,
	)
	s.eventBus.SubscribeFunc(
		ConnectedEventType,
		s.handleConnectedEvent,
	)
	s.eventBus.SubscribeFunc(
		DisconnectedEventType,
		s.handleDisconnectedEvent,
	)
	s.eventBus.SubscribeFunc(
		GuildConfigChangedEventType,
		s.handleGuildConfigChangedEvent,
	)

	close(s.ready)

	// Wait for shutdown signal
	<-s.done
	return nil
}

// Ready returns a channel closed once Run has finished wiring components
// and event subscriptions are live
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// guildConfigSource loads a guild's persisted settings for the registry,
// falling back to the configured defaults for unknown guilds
func (s *Service) guildConfigSource(
	guild gateway.GuildID,
) (*registry.Config, error) {
	cfg, err := s.db.GetGuildConfig(context.Background(), guild)
	if err != nil {
		if errors.Is(err, database.ErrGuildNotFound) {
			if s.config.defaultGuildConfig != nil {
				return s.config.defaultGuildConfig.Clone(), nil
			}
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// restore rebuilds in-memory guild state from the metadata store and the
// most recent snapshots
func (s *Service) restore(ctx context.Context) error {
	guilds, err := s.restoreGuilds(ctx)
	if err != nil {
		return err
	}
	for _, guild := range guilds {
		gs := s.registry.Get(guild)
		// Tracked-channel inventory
		infos, err := s.db.GetTrackedChannels(ctx, guild)
		if err != nil {
			return err
		}
		s.scheduler.Restore(gs, infos)
		// Volatile accrual state
		snapshot, err := s.db.GetGuildSnapshot(guild)
		if err != nil {
			if errors.Is(err, blob.ErrSnapshotNotFound) {
				continue
			}
			s.config.logger.Warn(
				"failed to load guild snapshot, starting empty",
				"guild", guild.String(),
				"error", err,
			)
			continue
		}
		for userId, start := range snapshot.Sessions {
			gs.BeginSession(gateway.UserID(userId), start)
		}
		for userId, batch := range snapshot.Batches {
			gs.OpenBatch(gateway.UserID(userId), registry.Batch{
				Since:  batch.Since,
				Amount: batch.Amount,
			})
		}
		s.config.logger.Debug(
			"restored guild state",
			"guild", guild.String(),
			"tracked", len(infos),
			"sessions", len(snapshot.Sessions),
			"batches", len(snapshot.Batches),
		)
	}
	return nil
}

// restoreGuilds returns every guild with any persisted state. Settings,
// tracked channels, and snapshots are written independently, so a guild
// running on default settings may only appear in one of the three sets.
func (s *Service) restoreGuilds(
	ctx context.Context,
) ([]gateway.GuildID, error) {
	seen := make(map[gateway.GuildID]struct{})
	var ret []gateway.GuildID
	add := func(guilds []gateway.GuildID) {
		for _, guild := range guilds {
			if _, ok := seen[guild]; ok {
				continue
			}
			seen[guild] = struct{}{}
			ret = append(ret, guild)
		}
	}
	settingsGuilds, err := s.db.GetGuilds(ctx)
	if err != nil {
		return nil, err
	}
	add(settingsGuilds)
	trackedGuilds, err := s.db.GetTrackedGuilds(ctx)
	if err != nil {
		return nil, err
	}
	add(trackedGuilds)
	snapshotGuilds, err := s.db.GetSnapshotGuilds()
	if err != nil {
		return nil, err
	}
	add(snapshotGuilds)
	return ret, nil
}

func (s *Service) Stop() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.shutdown()
	})
	return err
}

func (s *Service) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if s.config.shutdownTimeout > 0 {
		shutdownTimeout = s.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	s.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	s.config.logger.Debug("shutdown phase 1: stopping new work")

	if s.sweeper != nil {
		s.sweeper.stop()
	}

	if s.eventBus != nil {
		s.eventBus.Stop()
	}

	// Phase 2: Cancel in-flight reclaim waits
	s.config.logger.Debug("shutdown phase 2: cancelling reclaim timers")

	if s.scheduler != nil {
		if stopErr := s.scheduler.Stop(ctx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
	}

	// Phase 3: Flush accrual state and snapshot
	s.config.logger.Debug("shutdown phase 3: flushing state")

	if s.engine != nil && s.registry != nil {
		s.registry.Range(func(gs *registry.GuildState) bool {
			s.engine.RefreshAll(ctx, gs)
			s.engine.FlushAll(ctx, gs)
			if snapErr := s.snapshotGuild(gs); snapErr != nil {
				err = errors.Join(
					err,
					fmt.Errorf("snapshot guild %s: %w", gs.ID(), snapErr),
				)
			}
			return true
		})
	}

	// Phase 4: Close database
	s.config.logger.Debug("shutdown phase 4: closing database")

	if s.db != nil {
		if closeErr := s.db.Close(); closeErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("database close: %w", closeErr),
			)
		}
	}

	s.config.logger.Debug("graceful shutdown complete")
	close(s.done)
	return err
}

// snapshotGuild captures a guild's volatile accrual state to the blob store
func (s *Service) snapshotGuild(gs *registry.GuildState) error {
	snapshot := database.GuildSnapshot{
		SavedAt:  s.config.clock.Now(),
		Sessions: make(map[uint64]time.Time),
		Batches:  make(map[uint64]database.SnapshotBatch),
	}
	gs.RangeSessions(func(user gateway.UserID, start time.Time) bool {
		snapshot.Sessions[uint64(user)] = start
		return true
	})
	gs.RangeBatches(func(user gateway.UserID, batch registry.Batch) bool {
		snapshot.Batches[uint64(user)] = database.SnapshotBatch{
			Since:  batch.Since,
			Amount: batch.Amount,
		}
		return true
	})
	// Nothing volatile left: drop any stale snapshot instead of writing
	// an empty one, so restore skips the guild entirely
	if len(snapshot.Sessions) == 0 && len(snapshot.Batches) == 0 {
		return s.db.DeleteGuildSnapshot(gs.ID())
	}
	return s.db.PutGuildSnapshot(gs.ID(), &snapshot)
}

// RunReconciliationSweep runs one reconciliation pass over every known
// guild: re-arming reclaim timers for channels that emptied unobserved,
// refreshing presence sessions, and flushing pending point batches
func (s *Service) RunReconciliationSweep(ctx context.Context) {
	s.registry.Range(func(gs *registry.GuildState) bool {
		if err := s.scheduler.Reconcile(ctx, gs); err != nil {
			s.config.logger.Warn(
				"reconciliation pass failed",
				"guild", gs.ID().String(),
				"error", err,
			)
		}
		s.engine.RefreshAll(ctx, gs)
		s.engine.FlushAll(ctx, gs)
		return true
	})
}
