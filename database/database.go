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

package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/guildhall-io/guildhall/database/models"
	"github.com/guildhall-io/guildhall/database/plugin/blob"
	"github.com/guildhall-io/guildhall/database/plugin/metadata"
	"github.com/guildhall-io/guildhall/gateway"
	"github.com/guildhall-io/guildhall/registry"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrGuildNotFound is returned when a guild has no persisted settings
var ErrGuildNotFound = models.ErrGuildNotFound

type Config struct {
	Logger         *slog.Logger
	PromRegistry   prometheus.Registerer
	DataDir        string
	MetadataPlugin string
	BlobPlugin     string
}

// Database combines the relational metadata store (guild settings, the
// tracked-channel inventory, point totals) with the blob store used for
// periodic guild-state snapshots
type Database struct {
	logger   *slog.Logger
	metadata metadata.MetadataStore
	blob     blob.BlobStore
}

// New creates a new database with the configured plugins. An empty
// DataDir selects in-memory storage for both sides.
func New(cfg Config) (*Database, error) {
	logger := cfg.Logger
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	metadataStore, err := metadata.New(
		cfg.MetadataPlugin,
		cfg.DataDir,
		logger,
		cfg.PromRegistry,
	)
	if err != nil {
		return nil, err
	}
	blobStore, err := blob.New(
		cfg.BlobPlugin,
		cfg.DataDir,
		logger,
		cfg.PromRegistry,
	)
	if err != nil {
		// Don't leak the metadata handle on partial construction
		err = errors.Join(err, metadataStore.Close())
		return nil, err
	}
	return &Database{
		logger:   logger,
		metadata: metadataStore,
		blob:     blobStore,
	}, nil
}

// Metadata returns the underlying metadata store
func (d *Database) Metadata() metadata.MetadataStore {
	return d.metadata
}

// Blob returns the underlying blob store
func (d *Database) Blob() blob.BlobStore {
	return d.blob
}

func (d *Database) Close() error {
	return errors.Join(
		d.metadata.Close(),
		d.blob.Close(),
	)
}

// GetGuildConfig loads a guild's persisted settings as a runtime config,
// or ErrGuildNotFound
func (d *Database) GetGuildConfig(
	ctx context.Context,
	guild gateway.GuildID,
) (*registry.Config, error) {
	settings, err := d.metadata.GetGuildSettings(ctx, uint64(guild))
	if err != nil {
		return nil, err
	}
	ignored, err := d.metadata.GetIgnoredChannels(ctx, uint64(guild))
	if err != nil {
		return nil, err
	}
	cfg := registry.Config{
		CreatorChannel:  gateway.ChannelID(settings.CreatorChannel),
		Category:        gateway.ChannelID(settings.Category),
		ReclaimForeign:  settings.ReclaimForeign,
		ReclaimDelay:    time.Duration(settings.ReclaimDelayMs) * time.Millisecond,
		ApplyInterval:   time.Duration(settings.ApplyIntervalMs) * time.Millisecond,
		PunishThreshold: time.Duration(settings.PunishThreshMs) * time.Millisecond,
	}
	if len(ignored) > 0 {
		cfg.IgnoredChannels = make(
			map[gateway.ChannelID]struct{},
			len(ignored),
		)
		for _, channelId := range ignored {
			cfg.IgnoredChannels[gateway.ChannelID(channelId)] = struct{}{}
		}
	}
	return &cfg, nil
}

// SetGuildConfig persists a guild's runtime config
func (d *Database) SetGuildConfig(
	ctx context.Context,
	guild gateway.GuildID,
	cfg *registry.Config,
) error {
	if cfg == nil {
		return errors.New("nil guild config")
	}
	settings := models.GuildSettings{
		GuildID:         uint64(guild),
		CreatorChannel:  uint64(cfg.CreatorChannel),
		Category:        uint64(cfg.Category),
		ReclaimForeign:  cfg.ReclaimForeign,
		ReclaimDelayMs:  cfg.ReclaimDelay.Milliseconds(),
		ApplyIntervalMs: cfg.ApplyInterval.Milliseconds(),
		PunishThreshMs:  cfg.PunishThreshold.Milliseconds(),
	}
	if err := d.metadata.SetGuildSettings(ctx, &settings); err != nil {
		return err
	}
	ignored := make([]uint64, 0, len(cfg.IgnoredChannels))
	for channelId := range cfg.IgnoredChannels {
		ignored = append(ignored, uint64(channelId))
	}
	return d.metadata.SetIgnoredChannels(ctx, uint64(guild), ignored)
}

// GetGuilds returns the IDs of all guilds with persisted settings
func (d *Database) GetGuilds(ctx context.Context) ([]gateway.GuildID, error) {
	guildIds, err := d.metadata.GetGuilds(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]gateway.GuildID, 0, len(guildIds))
	for _, guildId := range guildIds {
		ret = append(ret, gateway.GuildID(guildId))
	}
	return ret, nil
}

// GetTrackedGuilds returns the IDs of all guilds with at least one
// persisted tracked channel. Guilds running on default settings never
// appear in GetGuilds, so startup restore unions both.
func (d *Database) GetTrackedGuilds(
	ctx context.Context,
) ([]gateway.GuildID, error) {
	guildIds, err := d.metadata.GetTrackedGuilds(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]gateway.GuildID, 0, len(guildIds))
	for _, guildId := range guildIds {
		ret = append(ret, gateway.GuildID(guildId))
	}
	return ret, nil
}

// UpsertTrackedChannel persists a tracked-channel inventory entry
func (d *Database) UpsertTrackedChannel(
	ctx context.Context,
	guild gateway.GuildID,
	info gateway.ChannelInfo,
) error {
	return d.metadata.UpsertTrackedChannel(
		ctx,
		&models.TrackedChannel{
			GuildID:   uint64(guild),
			ChannelID: uint64(info.ID),
			ParentID:  uint64(info.Parent),
			Name:      info.Name,
			Kind:      uint8(info.Kind),
		},
	)
}

// DeleteTrackedChannel removes a tracked-channel inventory entry
func (d *Database) DeleteTrackedChannel(
	ctx context.Context,
	guild gateway.GuildID,
	id gateway.ChannelID,
) error {
	return d.metadata.DeleteTrackedChannel(ctx, uint64(guild), uint64(id))
}

// GetTrackedChannels returns a guild's persisted tracked-channel inventory
func (d *Database) GetTrackedChannels(
	ctx context.Context,
	guild gateway.GuildID,
) ([]gateway.ChannelInfo, error) {
	rows, err := d.metadata.GetTrackedChannels(ctx, uint64(guild))
	if err != nil {
		return nil, err
	}
	ret := make([]gateway.ChannelInfo, 0, len(rows))
	for _, row := range rows {
		ret = append(ret, gateway.ChannelInfo{
			ID:     gateway.ChannelID(row.ChannelID),
			Parent: gateway.ChannelID(row.ParentID),
			Name:   row.Name,
			Kind:   gateway.ChannelKind(row.Kind),
		})
	}
	return ret, nil
}

// AddPoints adds to a user's durable point total in one stream
func (d *Database) AddPoints(
	ctx context.Context,
	guild gateway.GuildID,
	user gateway.UserID,
	stream string,
	amount uint64,
) error {
	return d.metadata.AddPoints(
		ctx,
		uint64(guild),
		uint64(user),
		stream,
		amount,
	)
}

// GetPointTotal returns a user's durable point total in one stream
func (d *Database) GetPointTotal(
	ctx context.Context,
	guild gateway.GuildID,
	user gateway.UserID,
	stream string,
) (uint64, error) {
	return d.metadata.GetPointTotal(
		ctx,
		uint64(guild),
		uint64(user),
		stream,
	)
}

// GetTopPointTotals returns a guild's leaderboard for one stream. The
// service keeps no leaderboard state of its own; embedders query this
// directly to render rankings.
func (d *Database) GetTopPointTotals(
	ctx context.Context,
	guild gateway.GuildID,
	stream string,
	limit int,
) ([]models.PointTotal, error) {
	return d.metadata.GetTopPointTotals(
		ctx,
		uint64(guild),
		stream,
		limit,
	)
}
