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

package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/guildhall-io/guildhall/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetGuildSettings returns the settings row for a guild
func (d *MetadataStoreSqlite) GetGuildSettings(
	ctx context.Context,
	guildId uint64,
) (*models.GuildSettings, error) {
	var ret models.GuildSettings
	result := d.DB().WithContext(ctx).
		Where("guild_id = ?", guildId).
		First(&ret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, models.ErrGuildNotFound
		}
		return nil, fmt.Errorf(
			"GetGuildSettings: query: %w", result.Error,
		)
	}
	return &ret, nil
}

// SetGuildSettings creates or replaces the settings row for a guild
func (d *MetadataStoreSqlite) SetGuildSettings(
	ctx context.Context,
	settings *models.GuildSettings,
) error {
	if settings == nil {
		return errors.New("SetGuildSettings: nil settings")
	}
	result := d.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"creator_channel",
				"category",
				"reclaim_foreign",
				"reclaim_delay_ms",
				"apply_interval_ms",
				"punish_thresh_ms",
			}),
		}).
		Create(settings)
	if result.Error != nil {
		return fmt.Errorf(
			"SetGuildSettings: upsert: %w", result.Error,
		)
	}
	return nil
}

// GetIgnoredChannels returns the set of ignored channels for a guild
func (d *MetadataStoreSqlite) GetIgnoredChannels(
	ctx context.Context,
	guildId uint64,
) ([]uint64, error) {
	var rows []models.IgnoredChannel
	result := d.DB().WithContext(ctx).
		Where("guild_id = ?", guildId).
		Order("channel_id").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf(
			"GetIgnoredChannels: query: %w", result.Error,
		)
	}
	ret := make([]uint64, 0, len(rows))
	for _, row := range rows {
		ret = append(ret, row.ChannelID)
	}
	return ret, nil
}

// SetIgnoredChannels replaces the set of ignored channels for a guild
func (d *MetadataStoreSqlite) SetIgnoredChannels(
	ctx context.Context,
	guildId uint64,
	channelIds []uint64,
) error {
	return d.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.
			Where("guild_id = ?", guildId).
			Delete(&models.IgnoredChannel{}); result.Error != nil {
			return fmt.Errorf(
				"SetIgnoredChannels: delete: %w", result.Error,
			)
		}
		for _, channelId := range channelIds {
			row := models.IgnoredChannel{
				GuildID:   guildId,
				ChannelID: channelId,
			}
			if result := tx.Create(&row); result.Error != nil {
				return fmt.Errorf(
					"SetIgnoredChannels: insert: %w", result.Error,
				)
			}
		}
		return nil
	})
}

// GetGuilds returns the IDs of all guilds with a settings row
func (d *MetadataStoreSqlite) GetGuilds(
	ctx context.Context,
) ([]uint64, error) {
	var rows []models.GuildSettings
	result := d.DB().WithContext(ctx).
		Order("guild_id").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf(
			"GetGuilds: query: %w", result.Error,
		)
	}
	ret := make([]uint64, 0, len(rows))
	for _, row := range rows {
		ret = append(ret, row.GuildID)
	}
	return ret, nil
}
