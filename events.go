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

	"github.com/guildhall-io/guildhall/accrual"
	"github.com/guildhall-io/guildhall/database"
	"github.com/guildhall-io/guildhall/event"
	"github.com/guildhall-io/guildhall/gateway"
	"github.com/guildhall-io/guildhall/registry"
)

const (
	// OccupancyChangedEventType is the event type for voice occupancy changes
	OccupancyChangedEventType = event.EventType("gateway.occupancy-changed")
	// DiscreteActivityEventType is the event type for scored discrete activity
	DiscreteActivityEventType = event.EventType("gateway.discrete-activity")
	// ConnectedEventType is the event type for gateway session establishment
	ConnectedEventType = event.EventType("gateway.connected")
	// DisconnectedEventType is the event type for gateway session loss
	DisconnectedEventType = event.EventType("gateway.disconnected")
	// GuildConfigChangedEventType is the event type for external guild
	// settings changes
	GuildConfigChangedEventType = event.EventType("guild.config-changed")
)

// OccupancyChangedEvent reports one user moving between voice channels.
// A zero OldChannel means the user was nowhere; a zero NewChannel means
// the user disconnected from voice.
type OccupancyChangedEvent struct {
	Guild      gateway.GuildID
	User       gateway.UserID
	OldChannel gateway.ChannelID
	NewChannel gateway.ChannelID
}

// DiscreteActivityEvent reports one scored burst of discrete activity
type DiscreteActivityEvent struct {
	Guild  gateway.GuildID
	User   gateway.UserID
	Points uint64
}

// ConnectedEvent is published when the gateway session is established
type ConnectedEvent struct{}

// DisconnectedEvent is published when the gateway session is lost
type DisconnectedEvent struct{}

// GuildConfigChangedEvent reports that a guild's persisted settings were
// changed outside this process
type GuildConfigChangedEvent struct {
	Guild gateway.GuildID
}

// OnOccupancyChanged routes a voice occupancy change to the reclamation
// scheduler and the presence accrual stream
func (s *Service) OnOccupancyChanged(
	ctx context.Context,
	guild gateway.GuildID,
	user gateway.UserID,
	oldChannel, newChannel gateway.ChannelID,
) {
	gs := s.registry.Get(guild)
	// Presence accrual first so leaving flushes before any reclaim runs
	if newChannel != 0 {
		s.engine.Enter(ctx, gs, user, newChannel)
	} else {
		s.engine.Leave(ctx, gs, user)
	}
	s.scheduler.HandleOccupancyChanged(ctx, gs, user, oldChannel, newChannel)
}

// OnMessage scores a message and admits it to the activity stream
func (s *Service) OnMessage(
	ctx context.Context,
	guild gateway.GuildID,
	user gateway.UserID,
	contentLength, attachments, embeds int,
) {
	s.OnActivity(
		ctx,
		guild,
		user,
		accrual.ScoreMessage(contentLength, attachments, embeds),
	)
}

// OnReaction admits a reaction to the activity stream
func (s *Service) OnReaction(
	ctx context.Context,
	guild gateway.GuildID,
	user gateway.UserID,
) {
	s.OnActivity(ctx, guild, user, accrual.ScoreReaction())
}

// OnActivity admits an already-scored discrete event to the activity stream
func (s *Service) OnActivity(
	ctx context.Context,
	guild gateway.GuildID,
	user gateway.UserID,
	points uint64,
) {
	gs := s.registry.Get(guild)
	s.engine.OnEvent(ctx, gs, user, points)
}

// OnConnected starts the periodic reconciliation sweep and snapshot loops
func (s *Service) OnConnected() {
	s.sweeper.start()
}

// OnDisconnected stops the periodic loops until the session is
// re-established. In-flight reclaim timers keep running; their deletions
// fail harmlessly while disconnected and the next sweep re-arms them.
func (s *Service) OnDisconnected() {
	s.sweeper.stop()
}

// UpdateGuildConfig persists new settings for a guild and applies them to
// the running state
func (s *Service) UpdateGuildConfig(
	ctx context.Context,
	guild gateway.GuildID,
	cfg *registry.Config,
) error {
	if cfg == nil {
		return errors.New("nil guild config")
	}
	if err := s.db.SetGuildConfig(ctx, guild, cfg); err != nil {
		return err
	}
	s.registry.Get(guild).SetConfig(cfg.Clone())
	return nil
}

// reloadGuildConfig re-reads a guild's persisted settings into the
// running state
func (s *Service) reloadGuildConfig(
	ctx context.Context,
	guild gateway.GuildID,
) {
	gs, ok := s.registry.Lookup(guild)
	if !ok {
		// Guild not referenced yet; settings load on first reference
		return
	}
	cfg, err := s.db.GetGuildConfig(ctx, guild)
	if err != nil {
		if !errors.Is(err, database.ErrGuildNotFound) {
			s.config.logger.Warn(
				"failed to reload guild config",
				"guild", guild.String(),
				"error", err,
			)
		}
		return
	}
	gs.SetConfig(cfg)
}

func (s *Service) handleOccupancyChangedEvent(evt event.Event) {
	e, ok := evt.Data.(OccupancyChangedEvent)
	if !ok {
		return
	}
	s.OnOccupancyChanged(
		context.Background(),
		e.Guild,
		e.User,
		e.OldChannel,
		e.NewChannel,
	)
}

func (s *Service) handleDiscreteActivityEvent(evt event.Event) {
	e, ok := evt.Data.(DiscreteActivityEvent)
	if !ok {
		return
	}
	s.OnActivity(context.Background(), e.Guild, e.User, e.Points)
}

func (s *Service) handleConnectedEvent(event.Event) {
	s.OnConnected()
}

func (s *Service) handleDisconnectedEvent(event.Event) {
	s.OnDisconnected()
}

func (s *Service) handleGuildConfigChangedEvent(evt event.Event) {
	e, ok := evt.Data.(GuildConfigChangedEvent)
	if !ok {
		return
	}
	s.reloadGuildConfig(context.Background(), e.Guild)
}
