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

package reclaim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/guildhall-io/guildhall/clock"
	"github.com/guildhall-io/guildhall/gateway"
	"github.com/guildhall-io/guildhall/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultSafetyMargin pads every reclaim deadline. Occupancy changes and
// timer expiry are observed through different channels with different
// latencies; without the pad, a leave event and a timer firing at the same
// instant can race past each other.
const DefaultSafetyMargin = 50 * time.Millisecond

// Store persists the tracked-channel inventory
type Store interface {
	UpsertTrackedChannel(
		ctx context.Context,
		guild gateway.GuildID,
		info gateway.ChannelInfo,
	) error
	DeleteTrackedChannel(
		ctx context.Context,
		guild gateway.GuildID,
		id gateway.ChannelID,
	) error
}

type SchedulerConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	Clock        clock.Clock
	Provisioner  gateway.Provisioner
	Occupancy    gateway.Occupancy
	Notifier     gateway.Notifier
	Store        Store
	SafetyMargin time.Duration
}

// Scheduler owns creation of ephemeral channels and their debounced,
// race-safe destruction. A scheduled deletion sleeps without holding any
// lock; the fencing token stored in the guild state is re-validated on
// wake before anything irreversible happens.
type Scheduler struct {
	config  SchedulerConfig
	logger  *slog.Logger
	clock   clock.Clock
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics struct {
		channelsCreated prometheus.Counter
		channelsDeleted prometheus.Counter
		pendingTimers   prometheus.Gauge
	}
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		config: cfg,
		clock:  cfg.Clock,
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = cfg.Logger
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.config.SafetyMargin <= 0 {
		s.config.SafetyMargin = DefaultSafetyMargin
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.channelsCreated = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "guildhall_channels_created_total",
			Help: "total ephemeral channels created",
		},
	)
	s.metrics.channelsDeleted = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "guildhall_channels_deleted_total",
			Help: "total ephemeral channels deleted",
		},
	)
	s.metrics.pendingTimers = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "guildhall_reclaim_timers",
		Help: "current count of in-flight reclaim timers",
	})
	return s
}

// Stop cancels all in-flight reclaim waits and blocks until they exit or
// the context expires. Scheduled marks are left in place; the tracked
// inventory is rebuilt from the store at next startup and the sweep
// re-schedules anything that emptied while down.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reclaim scheduler shutdown: %w", ctx.Err())
	}
}

// HandleOccupancyChanged routes a single user occupancy change. Entering
// the creator channel provisions a fresh channel; entering a tracked
// channel cancels any pending deletion for it; leaving a channel arms a
// reclaim timer for it.
func (s *Scheduler) HandleOccupancyChanged(
	ctx context.Context,
	gs *registry.GuildState,
	user gateway.UserID,
	oldChannel, newChannel gateway.ChannelID,
) {
	cfg := gs.Config()
	if newChannel != 0 {
		if newChannel == cfg.CreatorChannel && cfg.CreatorChannel != 0 {
			s.Create(ctx, gs, user)
		} else if gs.CancelReclaim(newChannel) {
			s.logger.Debug(
				"cancelled pending reclaim on join",
				"guild", gs.ID().String(),
				"channel", newChannel.String(),
			)
		}
	}
	if oldChannel != 0 && oldChannel != newChannel {
		s.TryScheduleReclaim(ctx, gs, oldChannel)
	}
}

// Create provisions a new ephemeral channel owned by the requesting user
// and moves them into it. A failed move rolls the creation back rather
// than leaving an orphaned channel behind.
func (s *Scheduler) Create(
	ctx context.Context,
	gs *registry.GuildState,
	user gateway.UserID,
) {
	cfg := gs.Config()
	if cfg.CreatorChannel == 0 {
		// Creation is not configured for this guild
		s.logger.Debug(
			"channel creation not configured",
			"guild", gs.ID().String(),
		)
		return
	}
	name := "New Channel"
	displayName, nameErr := s.config.Provisioner.MemberDisplayName(
		ctx,
		gs.ID(),
		user,
	)
	if nameErr == nil {
		name = displayName + "'s Channel"
	}
	info, err := s.config.Provisioner.CreateChannel(
		ctx,
		gateway.CreateChannelRequest{
			Guild:    gs.ID(),
			Name:     name,
			Parent:   cfg.Category,
			Owner:    user,
			Position: len(cfg.IgnoredChannels) + 1,
		},
	)
	if err != nil {
		s.logger.Error(
			"failed to create channel",
			"guild", gs.ID().String(),
			"user", user.String(),
			"error", err,
		)
		return
	}
	if nameErr != nil {
		s.notifyOperator(
			ctx,
			gs.ID(),
			fmt.Sprintf(
				"could not resolve display name for user %s: %s",
				user,
				nameErr,
			),
		)
	}
	if err := s.config.Provisioner.MoveMember(
		ctx,
		gs.ID(),
		user,
		info.ID,
	); err != nil {
		// Roll the creation back rather than leaving an empty channel
		// that nothing tracks
		s.logger.Error(
			"failed to move user into created channel, rolling back",
			"guild", gs.ID().String(),
			"channel", info.ID.String(),
			"error", err,
		)
		if delErr := s.config.Provisioner.DeleteChannel(
			ctx,
			gs.ID(),
			info.ID,
		); delErr != nil {
			s.logger.Error(
				"failed to delete channel during rollback",
				"guild", gs.ID().String(),
				"channel", info.ID.String(),
				"error", delErr,
			)
		}
		return
	}
	gs.Track(info)
	if err := s.config.Store.UpsertTrackedChannel(
		ctx,
		gs.ID(),
		info,
	); err != nil {
		s.logger.Warn(
			"failed to persist tracked channel",
			"guild", gs.ID().String(),
			"channel", info.ID.String(),
			"error", err,
		)
	}
	s.metrics.channelsCreated.Inc()
	s.logger.Info(
		"created channel",
		"guild", gs.ID().String(),
		"channel", info.ID.String(),
		"user", user.String(),
	)
}

// TryScheduleReclaim arms a deletion timer for a channel if it is eligible
// and none is already armed. Safe to call redundantly: the sweep relies on
// that to repair lost timers.
func (s *Scheduler) TryScheduleReclaim(
	ctx context.Context,
	gs *registry.GuildState,
	id gateway.ChannelID,
) {
	cfg := gs.Config()
	if cfg.IsIgnored(id) {
		return
	}
	if id == cfg.CreatorChannel {
		return
	}
	if !gs.IsTracked(id) {
		if !cfg.ReclaimForeign {
			return
		}
		// Foreign mode: eligibility is derived from the category, so the
		// reclaim entry may not exist yet
		gs.EnsureReclaimEntry(id)
	}
	deadline := s.clock.Now().
		Add(cfg.ReclaimDelay + s.config.SafetyMargin)
	if !gs.ScheduleReclaim(id, deadline) {
		// Already scheduled, or entry vanished concurrently
		return
	}
	s.metrics.pendingTimers.Inc()
	s.logger.Debug(
		"scheduled reclaim",
		"guild", gs.ID().String(),
		"channel", id.String(),
		"deadline", deadline,
	)
	s.wg.Add(1)
	go s.waitAndReclaim(gs, id, deadline)
}

func (s *Scheduler) waitAndReclaim(
	gs *registry.GuildState,
	id gateway.ChannelID,
	deadline time.Time,
) {
	defer s.wg.Done()
	defer s.metrics.pendingTimers.Dec()
	timer := s.clock.NewTimer(deadline.Sub(s.clock.Now()))
	select {
	case <-timer.C():
	case <-s.ctx.Done():
		timer.Stop()
		return
	}
	// Re-read the mark: if it is gone, unscheduled, or owned by a
	// different deadline, the reclamation decision has moved elsewhere
	// (user rejoined, or rejoined and left again under a new token)
	mark, ok := gs.ReclaimMarkFor(id)
	if !ok || !mark.Scheduled || !mark.Deadline.Equal(deadline) {
		s.logger.Debug(
			"reclaim superseded",
			"guild", gs.ID().String(),
			"channel", id.String(),
		)
		return
	}
	ctx := s.ctx
	cfg := gs.Config()
	if cfg.Category != 0 {
		info, infoOk := gs.TrackedChannel(id)
		if !infoOk {
			upstream, err := s.config.Occupancy.ChannelInfo(ctx, gs.ID(), id)
			if err != nil {
				s.logger.Warn(
					"failed to look up channel, abandoning reclaim attempt",
					"guild", gs.ID().String(),
					"channel", id.String(),
					"error", err,
				)
				gs.RetireReclaim(id, deadline)
				return
			}
			info = upstream
		}
		if info.Parent != cfg.Category {
			s.logger.Debug(
				"channel not in configured category",
				"guild", gs.ID().String(),
				"channel", id.String(),
			)
			return
		}
	}
	occupants, err := s.config.Occupancy.ChannelOccupants(ctx, gs.ID(), id)
	if err != nil {
		s.logger.Warn(
			"failed to read channel occupancy, abandoning reclaim attempt",
			"guild", gs.ID().String(),
			"channel", id.String(),
			"error", err,
		)
		// Retire the token so a future leave or sweep can retry
		gs.RetireReclaim(id, deadline)
		return
	}
	if len(occupants) > 0 {
		// Someone is in the channel; retire this attempt so a future
		// leave can arm a fresh timer
		gs.RetireReclaim(id, deadline)
		return
	}
	if !gs.FinishReclaim(id, deadline) {
		// Lost the final claim to a concurrent actor
		return
	}
	if err := s.config.Store.DeleteTrackedChannel(
		ctx,
		gs.ID(),
		id,
	); err != nil {
		s.logger.Warn(
			"failed to remove tracked channel row",
			"guild", gs.ID().String(),
			"channel", id.String(),
			"error", err,
		)
	}
	if err := s.config.Provisioner.DeleteChannel(ctx, gs.ID(), id); err != nil {
		// The channel is already untracked; deletion is not retried here
		s.logger.Error(
			"failed to delete channel",
			"guild", gs.ID().String(),
			"channel", id.String(),
			"error", err,
		)
		s.notifyOperator(
			ctx,
			gs.ID(),
			fmt.Sprintf("failed to delete channel %s: %s", id, err),
		)
		return
	}
	s.metrics.channelsDeleted.Inc()
	s.logger.Info(
		"deleted channel",
		"guild", gs.ID().String(),
		"channel", id.String(),
	)
}

// Reconcile re-derives reclaim candidates from the authoritative occupancy
// source and arms timers for every tracked (or, in foreign mode, every
// in-category) channel that is currently empty. Safe against channels that
// are already scheduled or ineligible.
func (s *Scheduler) Reconcile(
	ctx context.Context,
	gs *registry.GuildState,
) error {
	cfg := gs.Config()
	occupied, err := s.config.Occupancy.OccupiedChannels(ctx, gs.ID())
	if err != nil {
		return fmt.Errorf("failed to read occupied channels: %w", err)
	}
	candidates := make(map[gateway.ChannelID]struct{})
	for _, info := range gs.TrackedChannels() {
		candidates[info.ID] = struct{}{}
	}
	if cfg.Category != 0 {
		inCategory, err := s.config.Occupancy.ChannelsInParent(
			ctx,
			gs.ID(),
			cfg.Category,
		)
		if err != nil {
			return fmt.Errorf("failed to list category channels: %w", err)
		}
		upstream := make(map[gateway.ChannelID]struct{}, len(inCategory))
		for _, info := range inCategory {
			upstream[info.ID] = struct{}{}
			if cfg.ReclaimForeign && info.ID != cfg.CreatorChannel {
				candidates[info.ID] = struct{}{}
			}
		}
		// Drop tracked channels that no longer exist upstream
		for id := range candidates {
			if _, ok := upstream[id]; ok {
				continue
			}
			if gs.IsTracked(id) {
				s.logger.Warn(
					"tracked channel no longer exists upstream, dropping",
					"guild", gs.ID().String(),
					"channel", id.String(),
				)
				gs.Untrack(id)
				if err := s.config.Store.DeleteTrackedChannel(
					ctx,
					gs.ID(),
					id,
				); err != nil {
					s.logger.Warn(
						"failed to remove tracked channel row",
						"guild", gs.ID().String(),
						"channel", id.String(),
						"error", err,
					)
				}
			}
			delete(candidates, id)
		}
	}
	for id := range candidates {
		if _, ok := occupied[id]; ok {
			continue
		}
		s.TryScheduleReclaim(ctx, gs, id)
	}
	return nil
}

// Restore re-registers tracked channels loaded from persistence at startup
func (s *Scheduler) Restore(
	gs *registry.GuildState,
	infos []gateway.ChannelInfo,
) {
	for _, info := range infos {
		gs.Track(info)
	}
}

func (s *Scheduler) notifyOperator(
	ctx context.Context,
	guild gateway.GuildID,
	message string,
) {
	if s.config.Notifier == nil {
		return
	}
	if err := s.config.Notifier.NotifyOperator(ctx, guild, message); err != nil {
		s.logger.Warn(
			"failed to notify operator",
			"guild", guild.String(),
			"error", err,
		)
	}
}
