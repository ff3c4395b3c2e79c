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

package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/guildhall-io/guildhall/database/models"
)

// maxStoredPoints matches the sqlite plugin's saturation bound for
// durable totals.
const maxStoredPoints = uint64(math.MaxInt64)

type pointsKey struct {
	userId uint64
	stream string
}

type guildRecord struct {
	settings models.GuildSettings
	ignored  map[uint64]struct{}
	tracked  map[uint64]models.TrackedChannel
	points   map[pointsKey]uint64
}

// MetadataStoreMemory is a map-backed implementation of the metadata
// store. Nothing survives process restart; it exists for tests and for
// deployments that accept losing state on restart.
type MetadataStoreMemory struct {
	mutex  sync.RWMutex
	guilds map[uint64]*guildRecord
	logger *slog.Logger
	closed bool
}

func New(logger *slog.Logger) *MetadataStoreMemory {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &MetadataStoreMemory{
		guilds: make(map[uint64]*guildRecord),
		logger: logger,
	}
}

func (d *MetadataStoreMemory) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.closed = true
	return nil
}

// guild returns the record for a guild, creating it when requested
func (d *MetadataStoreMemory) guild(
	guildId uint64,
	create bool,
) *guildRecord {
	g, ok := d.guilds[guildId]
	if !ok && create {
		g = &guildRecord{
			settings: models.GuildSettings{GuildID: guildId},
			ignored:  make(map[uint64]struct{}),
			tracked:  make(map[uint64]models.TrackedChannel),
			points:   make(map[pointsKey]uint64),
		}
		d.guilds[guildId] = g
	}
	return g
}

func (d *MetadataStoreMemory) GetGuildSettings(
	_ context.Context,
	guildId uint64,
) (*models.GuildSettings, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	g := d.guild(guildId, false)
	if g == nil {
		return nil, models.ErrGuildNotFound
	}
	ret := g.settings
	return &ret, nil
}

func (d *MetadataStoreMemory) SetGuildSettings(
	_ context.Context,
	settings *models.GuildSettings,
) error {
	if settings == nil {
		return errors.New("SetGuildSettings: nil settings")
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	g := d.guild(settings.GuildID, true)
	g.settings = *settings
	return nil
}

func (d *MetadataStoreMemory) GetIgnoredChannels(
	_ context.Context,
	guildId uint64,
) ([]uint64, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	g := d.guild(guildId, false)
	if g == nil {
		return nil, nil
	}
	ret := make([]uint64, 0, len(g.ignored))
	for channelId := range g.ignored {
		ret = append(ret, channelId)
	}
	slices.Sort(ret)
	return ret, nil
}

func (d *MetadataStoreMemory) SetIgnoredChannels(
	_ context.Context,
	guildId uint64,
	channelIds []uint64,
) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	g := d.guild(guildId, true)
	g.ignored = make(map[uint64]struct{}, len(channelIds))
	for _, channelId := range channelIds {
		g.ignored[channelId] = struct{}{}
	}
	return nil
}

func (d *MetadataStoreMemory) GetGuilds(
	_ context.Context,
) ([]uint64, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	ret := make([]uint64, 0, len(d.guilds))
	for guildId := range d.guilds {
		ret = append(ret, guildId)
	}
	slices.Sort(ret)
	return ret, nil
}

func (d *MetadataStoreMemory) UpsertTrackedChannel(
	_ context.Context,
	channel *models.TrackedChannel,
) error {
	if channel == nil {
		return errors.New("UpsertTrackedChannel: nil channel")
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	g := d.guild(channel.GuildID, true)
	g.tracked[channel.ChannelID] = *channel
	return nil
}

func (d *MetadataStoreMemory) DeleteTrackedChannel(
	_ context.Context,
	guildId uint64,
	channelId uint64,
) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	g := d.guild(guildId, false)
	if g == nil {
		return nil
	}
	delete(g.tracked, channelId)
	return nil
}

func (d *MetadataStoreMemory) GetTrackedChannels(
	_ context.Context,
	guildId uint64,
) ([]models.TrackedChannel, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	g := d.guild(guildId, false)
	if g == nil {
		return nil, nil
	}
	ret := make([]models.TrackedChannel, 0, len(g.tracked))
	for _, channel := range g.tracked {
		ret = append(ret, channel)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ChannelID < ret[j].ChannelID
	})
	return ret, nil
}

func (d *MetadataStoreMemory) GetTrackedGuilds(
	_ context.Context,
) ([]uint64, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	var ret []uint64
	for guildId, g := range d.guilds {
		if len(g.tracked) > 0 {
			ret = append(ret, guildId)
		}
	}
	slices.Sort(ret)
	return ret, nil
}

func (d *MetadataStoreMemory) AddPoints(
	_ context.Context,
	guildId uint64,
	userId uint64,
	stream string,
	amount uint64,
) error {
	if amount == 0 {
		return nil
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	g := d.guild(guildId, true)
	key := pointsKey{userId: userId, stream: stream}
	// Saturate at the same bound as the sqlite plugin so totals behave
	// identically across backends.
	if amount > maxStoredPoints {
		amount = maxStoredPoints
	}
	cur := g.points[key]
	if cur > maxStoredPoints-amount {
		g.points[key] = maxStoredPoints
	} else {
		g.points[key] = cur + amount
	}
	return nil
}

func (d *MetadataStoreMemory) GetPointTotal(
	_ context.Context,
	guildId uint64,
	userId uint64,
	stream string,
) (uint64, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	g := d.guild(guildId, false)
	if g == nil {
		return 0, nil
	}
	return g.points[pointsKey{userId: userId, stream: stream}], nil
}

func (d *MetadataStoreMemory) GetTopPointTotals(
	_ context.Context,
	guildId uint64,
	stream string,
	limit int,
) ([]models.PointTotal, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	g := d.guild(guildId, false)
	if g == nil {
		return nil, nil
	}
	var ret []models.PointTotal
	for key, amount := range g.points {
		if key.stream != stream {
			continue
		}
		ret = append(ret, models.PointTotal{
			GuildID: guildId,
			UserID:  key.userId,
			Stream:  stream,
			Amount:  amount,
		})
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Amount != ret[j].Amount {
			return ret[i].Amount > ret[j].Amount
		}
		return ret[i].UserID < ret[j].UserID
	})
	if limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}
