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

package metadata

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/guildhall-io/guildhall/database/models"
	"github.com/guildhall-io/guildhall/database/plugin/metadata/memory"
	"github.com/guildhall-io/guildhall/database/plugin/metadata/sqlite"
	"github.com/prometheus/client_golang/prometheus"
)

// MetadataStore is the relational side of the database: guild settings,
// the tracked-channel inventory, and point totals
type MetadataStore interface {
	// Database
	Close() error

	// Guild settings
	GetGuildSettings(
		context.Context,
		uint64, // guildId
	) (*models.GuildSettings, error)
	SetGuildSettings(context.Context, *models.GuildSettings) error
	GetIgnoredChannels(
		context.Context,
		uint64, // guildId
	) ([]uint64, error)
	SetIgnoredChannels(
		context.Context,
		uint64, // guildId
		[]uint64, // channelIds
	) error
	GetGuilds(context.Context) ([]uint64, error)

	// Tracked channels
	UpsertTrackedChannel(context.Context, *models.TrackedChannel) error
	DeleteTrackedChannel(
		context.Context,
		uint64, // guildId
		uint64, // channelId
	) error
	GetTrackedChannels(
		context.Context,
		uint64, // guildId
	) ([]models.TrackedChannel, error)
	GetTrackedGuilds(context.Context) ([]uint64, error)

	// Point totals
	AddPoints(
		context.Context,
		uint64, // guildId
		uint64, // userId
		string, // stream
		uint64, // amount
	) error
	GetPointTotal(
		context.Context,
		uint64, // guildId
		uint64, // userId
		string, // stream
	) (uint64, error)
	GetTopPointTotals(
		context.Context,
		uint64, // guildId
		string, // stream
		int, // limit
	) ([]models.PointTotal, error)
}

// New returns the metadata plugin selected by name. An empty name selects
// sqlite, which falls back to an in-memory database when dataDir is empty.
func New(
	pluginName, dataDir string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (MetadataStore, error) {
	switch pluginName {
	case "", "sqlite":
		return sqlite.New(dataDir, logger, promRegistry)
	case "memory":
		return memory.New(logger), nil
	default:
		return nil, fmt.Errorf("unknown metadata plugin: %s", pluginName)
	}
}
