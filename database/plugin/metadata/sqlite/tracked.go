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
	"gorm.io/gorm/clause"
)

// UpsertTrackedChannel creates or updates a tracked-channel row
func (d *MetadataStoreSqlite) UpsertTrackedChannel(
	ctx context.Context,
	channel *models.TrackedChannel,
) error {
	if channel == nil {
		return errors.New("UpsertTrackedChannel: nil channel")
	}
	result := d.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "guild_id"},
				{Name: "channel_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"parent_id",
				"name",
				"kind",
			}),
		}).
		Create(channel)
	if result.Error != nil {
		return fmt.Errorf(
			"UpsertTrackedChannel: upsert: %w", result.Error,
		)
	}
	return nil
}

// DeleteTrackedChannel removes a tracked-channel row. Deleting a row that
// does not exist is not an error.
func (d *MetadataStoreSqlite) DeleteTrackedChannel(
	ctx context.Context,
	guildId uint64,
	channelId uint64,
) error {
	result := d.DB().WithContext(ctx).
		Where("guild_id = ? AND channel_id = ?", guildId, channelId).
		Delete(&models.TrackedChannel{})
	if result.Error != nil {
		return fmt.Errorf(
			"DeleteTrackedChannel: delete: %w", result.Error,
		)
	}
	return nil
}

// GetTrackedChannels returns the tracked-channel inventory for a guild
func (d *MetadataStoreSqlite) GetTrackedChannels(
	ctx context.Context,
	guildId uint64,
) ([]models.TrackedChannel, error) {
	var ret []models.TrackedChannel
	result := d.DB().WithContext(ctx).
		Where("guild_id = ?", guildId).
		Order("channel_id").
		Find(&ret)
	if result.Error != nil {
		return nil, fmt.Errorf(
			"GetTrackedChannels: query: %w", result.Error,
		)
	}
	return ret, nil
}

// GetTrackedGuilds returns the guilds that have at least one tracked
// channel, whether or not they have stored settings
func (d *MetadataStoreSqlite) GetTrackedGuilds(
	ctx context.Context,
) ([]uint64, error) {
	var ret []uint64
	result := d.DB().WithContext(ctx).
		Model(&models.TrackedChannel{}).
		Distinct("guild_id").
		Order("guild_id").
		Pluck("guild_id", &ret)
	if result.Error != nil {
		return nil, fmt.Errorf(
			"GetTrackedGuilds: query: %w", result.Error,
		)
	}
	return ret, nil
}
