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
	"encoding/json"
	"fmt"
	"time"

	"github.com/guildhall-io/guildhall/gateway"
)

// SnapshotBatch is one pending discrete-point batch in a snapshot
type SnapshotBatch struct {
	Since  time.Time `json:"since"`
	Amount uint64    `json:"amount"`
}

// GuildSnapshot captures the volatile accrual state of one guild so that
// open sessions and pending batches survive a restart
type GuildSnapshot struct {
	SavedAt  time.Time                `json:"savedAt"`
	Sessions map[uint64]time.Time     `json:"sessions,omitempty"`
	Batches  map[uint64]SnapshotBatch `json:"batches,omitempty"`
}

// PutGuildSnapshot stores a guild's snapshot, replacing any previous one
func (d *Database) PutGuildSnapshot(
	guild gateway.GuildID,
	snapshot *GuildSnapshot,
) error {
	if snapshot == nil {
		return fmt.Errorf("nil snapshot for guild %s", guild)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return d.blob.PutSnapshot(uint64(guild), data)
}

// GetGuildSnapshot returns a guild's snapshot, or blob.ErrSnapshotNotFound
func (d *Database) GetGuildSnapshot(
	guild gateway.GuildID,
) (*GuildSnapshot, error) {
	data, err := d.blob.GetSnapshot(uint64(guild))
	if err != nil {
		return nil, err
	}
	var ret GuildSnapshot
	if err := json.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &ret, nil
}

// DeleteGuildSnapshot removes a guild's snapshot, if present
func (d *Database) DeleteGuildSnapshot(guild gateway.GuildID) error {
	return d.blob.DeleteSnapshot(uint64(guild))
}

// GetSnapshotGuilds returns the IDs of all guilds with a stored snapshot
func (d *Database) GetSnapshotGuilds() ([]gateway.GuildID, error) {
	guildIds, err := d.blob.SnapshotGuilds()
	if err != nil {
		return nil, err
	}
	ret := make([]gateway.GuildID, 0, len(guildIds))
	for _, guildId := range guildIds {
		ret = append(ret, gateway.GuildID(guildId))
	}
	return ret, nil
}
