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

package models

import "errors"

// MigrateModels contains a list of model objects that should have DB migrations applied
var MigrateModels = []any{
	&GuildSettings{},
	&IgnoredChannel{},
	&TrackedChannel{},
	&PointTotal{},
}

var ErrGuildNotFound = errors.New("guild not found")

// GuildSettings is the persisted per-guild configuration
type GuildSettings struct {
	ID              uint   `gorm:"primarykey"`
	GuildID         uint64 `gorm:"uniqueIndex;not null"`
	CreatorChannel  uint64
	Category        uint64
	ReclaimForeign  bool
	ReclaimDelayMs  int64
	ApplyIntervalMs int64
	PunishThreshMs  int64
}

func (GuildSettings) TableName() string {
	return "guild_settings"
}

// IgnoredChannel is a channel exempt from reclamation and presence accrual
type IgnoredChannel struct {
	ID        uint   `gorm:"primarykey"`
	GuildID   uint64 `gorm:"index:idx_ignored_guild_channel,unique;not null"`
	ChannelID uint64 `gorm:"index:idx_ignored_guild_channel,unique;not null"`
}

func (IgnoredChannel) TableName() string {
	return "ignored_channel"
}

// TrackedChannel is a provisioned ephemeral channel subject to reclamation
type TrackedChannel struct {
	ID        uint   `gorm:"primarykey"`
	GuildID   uint64 `gorm:"index:idx_tracked_guild_channel,unique;not null"`
	ChannelID uint64 `gorm:"index:idx_tracked_guild_channel,unique;not null"`
	ParentID  uint64
	Name      string `gorm:"size:255"`
	Kind      uint8
}

func (TrackedChannel) TableName() string {
	return "tracked_channel"
}

// PointTotal is a user's accumulated points in one stream. Totals only
// ever grow; writes saturate instead of wrapping.
type PointTotal struct {
	ID      uint   `gorm:"primarykey"`
	GuildID uint64 `gorm:"index:idx_points_guild_user_stream,unique;not null"`
	UserID  uint64 `gorm:"index:idx_points_guild_user_stream,unique;not null"`
	Stream  string `gorm:"index:idx_points_guild_user_stream,unique;size:32;not null"`
	Amount  uint64
}

func (PointTotal) TableName() string {
	return "point_total"
}
