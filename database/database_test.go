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
	"math"
	"testing"
	"time"

	"github.com/guildhall-io/guildhall/database/plugin/blob"
	"github.com/guildhall-io/guildhall/gateway"
	"github.com/guildhall-io/guildhall/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuild = gateway.GuildID(1000)
	testUser  = gateway.UserID(77)
)

// newTestDatabase builds an in-memory database for each configured
// metadata plugin so both backends get exercised
func newTestDatabase(t *testing.T, metadataPlugin string) *Database {
	t.Helper()
	db, err := New(Config{
		PromRegistry:   prometheus.NewRegistry(),
		MetadataPlugin: metadataPlugin,
		BlobPlugin:     "badger",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func metadataPlugins(t *testing.T, f func(*testing.T, *Database)) {
	for _, plugin := range []string{"sqlite", "memory"} {
		t.Run(plugin, func(t *testing.T) {
			f(t, newTestDatabase(t, plugin))
		})
	}
}

func TestGuildConfigRoundTrip(t *testing.T) {
	metadataPlugins(t, func(t *testing.T, db *Database) {
		ctx := context.Background()

		_, err := db.GetGuildConfig(ctx, testGuild)
		require.ErrorIs(t, err, ErrGuildNotFound)

		cfg := &registry.Config{
			IgnoredChannels: map[gateway.ChannelID]struct{}{
				gateway.ChannelID(11): {},
				gateway.ChannelID(12): {},
			},
			CreatorChannel:  gateway.ChannelID(1),
			Category:        gateway.ChannelID(2),
			ReclaimForeign:  true,
			ReclaimDelay:    30 * time.Second,
			ApplyInterval:   100 * time.Millisecond,
			PunishThreshold: 5 * time.Minute,
		}
		require.NoError(t, db.SetGuildConfig(ctx, testGuild, cfg))

		got, err := db.GetGuildConfig(ctx, testGuild)
		require.NoError(t, err)
		assert.Equal(t, cfg, got)

		// Updating settings replaces the previous values
		cfg.ReclaimDelay = time.Minute
		cfg.IgnoredChannels = map[gateway.ChannelID]struct{}{
			gateway.ChannelID(13): {},
		}
		require.NoError(t, db.SetGuildConfig(ctx, testGuild, cfg))
		got, err = db.GetGuildConfig(ctx, testGuild)
		require.NoError(t, err)
		assert.Equal(t, cfg, got)

		guilds, err := db.GetGuilds(ctx)
		require.NoError(t, err)
		assert.Equal(t, []gateway.GuildID{testGuild}, guilds)
	})
}

func TestTrackedChannels(t *testing.T) {
	metadataPlugins(t, func(t *testing.T, db *Database) {
		ctx := context.Background()

		infos := []gateway.ChannelInfo{
			{
				ID:     gateway.ChannelID(10),
				Parent: gateway.ChannelID(2),
				Name:   "Alice's Channel",
				Kind:   gateway.ChannelKindVoice,
			},
			{
				ID:     gateway.ChannelID(11),
				Parent: gateway.ChannelID(2),
				Name:   "Bob's Channel",
				Kind:   gateway.ChannelKindVoice,
			},
		}
		for _, info := range infos {
			require.NoError(t, db.UpsertTrackedChannel(ctx, testGuild, info))
		}
		// Upserting an existing channel updates it in place
		infos[0].Name = "renamed"
		require.NoError(t, db.UpsertTrackedChannel(ctx, testGuild, infos[0]))

		got, err := db.GetTrackedChannels(ctx, testGuild)
		require.NoError(t, err)
		assert.Equal(t, infos, got)

		require.NoError(
			t,
			db.DeleteTrackedChannel(ctx, testGuild, infos[0].ID),
		)
		// Deleting an absent channel is a no-op
		require.NoError(
			t,
			db.DeleteTrackedChannel(ctx, testGuild, infos[0].ID),
		)
		got, err = db.GetTrackedChannels(ctx, testGuild)
		require.NoError(t, err)
		assert.Equal(t, infos[1:], got)
	})
}

func TestTrackedGuilds(t *testing.T) {
	metadataPlugins(t, func(t *testing.T, db *Database) {
		ctx := context.Background()

		guilds, err := db.GetTrackedGuilds(ctx)
		require.NoError(t, err)
		assert.Empty(t, guilds)

		// A guild with a tracked channel and no settings row still shows up
		otherGuild := gateway.GuildID(2000)
		info := gateway.ChannelInfo{
			ID:     gateway.ChannelID(10),
			Parent: gateway.ChannelID(2),
			Name:   "Alice's Channel",
			Kind:   gateway.ChannelKindVoice,
		}
		require.NoError(t, db.UpsertTrackedChannel(ctx, testGuild, info))
		require.NoError(t, db.UpsertTrackedChannel(ctx, otherGuild, info))

		guilds, err = db.GetTrackedGuilds(ctx)
		require.NoError(t, err)
		assert.Equal(
			t,
			[]gateway.GuildID{testGuild, otherGuild},
			guilds,
		)

		require.NoError(
			t,
			db.DeleteTrackedChannel(ctx, otherGuild, info.ID),
		)
		guilds, err = db.GetTrackedGuilds(ctx)
		require.NoError(t, err)
		assert.Equal(t, []gateway.GuildID{testGuild}, guilds)
	})
}

func TestPointTotals(t *testing.T) {
	metadataPlugins(t, func(t *testing.T, db *Database) {
		ctx := context.Background()

		total, err := db.GetPointTotal(ctx, testGuild, testUser, "presence")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), total)

		require.NoError(
			t,
			db.AddPoints(ctx, testGuild, testUser, "presence", 10),
		)
		require.NoError(
			t,
			db.AddPoints(ctx, testGuild, testUser, "presence", 5),
		)
		// Streams are independent ledgers
		require.NoError(
			t,
			db.AddPoints(ctx, testGuild, testUser, "activity", 3),
		)

		total, err = db.GetPointTotal(ctx, testGuild, testUser, "presence")
		require.NoError(t, err)
		assert.Equal(t, uint64(15), total)
		total, err = db.GetPointTotal(ctx, testGuild, testUser, "activity")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), total)
	})
}

func TestPointTotalsSaturate(t *testing.T) {
	metadataPlugins(t, func(t *testing.T, db *Database) {
		ctx := context.Background()

		// Amounts above the storage bound clamp rather than fail: the
		// sql layer cannot bind uint64 values with the high bit set.
		require.NoError(
			t,
			db.AddPoints(
				ctx,
				testGuild,
				testUser,
				"activity",
				math.MaxUint64-1,
			),
		)
		require.NoError(
			t,
			db.AddPoints(ctx, testGuild, testUser, "activity", 10),
		)
		total, err := db.GetPointTotal(ctx, testGuild, testUser, "activity")
		require.NoError(t, err)
		assert.Equal(t, uint64(math.MaxInt64), total)
	})
}

func TestTopPointTotals(t *testing.T) {
	metadataPlugins(t, func(t *testing.T, db *Database) {
		ctx := context.Background()

		for i, amount := range []uint64{5, 50, 25} {
			require.NoError(
				t,
				db.AddPoints(
					ctx,
					testGuild,
					gateway.UserID(uint64(i+1)), //nolint:gosec
					"presence",
					amount,
				),
			)
		}
		top, err := db.GetTopPointTotals(ctx, testGuild, "presence", 2)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, uint64(50), top[0].Amount)
		assert.Equal(t, uint64(2), top[0].UserID)
		assert.Equal(t, uint64(25), top[1].Amount)
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := newTestDatabase(t, "memory")

	_, err := db.GetGuildSnapshot(testGuild)
	require.ErrorIs(t, err, blob.ErrSnapshotNotFound)

	snapshot := &GuildSnapshot{
		SavedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Sessions: map[uint64]time.Time{
			uint64(testUser): time.Date(2025, 6, 1, 11, 30, 0, 0, time.UTC),
		},
		Batches: map[uint64]SnapshotBatch{
			uint64(testUser): {
				Since:  time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
				Amount: 12,
			},
		},
	}
	require.NoError(t, db.PutGuildSnapshot(testGuild, snapshot))

	got, err := db.GetGuildSnapshot(testGuild)
	require.NoError(t, err)
	assert.Equal(t, snapshot, got)

	guilds, err := db.GetSnapshotGuilds()
	require.NoError(t, err)
	assert.Equal(t, []gateway.GuildID{testGuild}, guilds)

	require.NoError(t, db.DeleteGuildSnapshot(testGuild))
	_, err = db.GetGuildSnapshot(testGuild)
	require.ErrorIs(t, err, blob.ErrSnapshotNotFound)
	// Deleting again is a no-op
	require.NoError(t, db.DeleteGuildSnapshot(testGuild))
}

func TestUnknownPlugins(t *testing.T) {
	_, err := New(Config{
		PromRegistry:   prometheus.NewRegistry(),
		MetadataPlugin: "bogus",
	})
	require.Error(t, err)
	_, err = New(Config{
		PromRegistry: prometheus.NewRegistry(),
		BlobPlugin:   "bogus",
	})
	require.Error(t, err)
}
