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

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var ErrChannelNotFound = errors.New("channel not found")

// MemoryGateway is an in-process implementation of the Provisioner,
// Occupancy and Notifier contracts. It backs dev mode and tests, where no
// real platform connection exists. Channel IDs are snowflakes so they are
// shaped like the real platform's IDs.
type MemoryGateway struct {
	logger    *slog.Logger
	node      *snowflake.Node
	channels  map[GuildID]map[ChannelID]ChannelInfo
	occupants map[GuildID]map[ChannelID]map[UserID]struct{}
	names     map[UserID]string
	mu        sync.RWMutex
}

func NewMemoryGateway(logger *slog.Logger) (*MemoryGateway, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &MemoryGateway{
		logger:    logger,
		node:      node,
		channels:  make(map[GuildID]map[ChannelID]ChannelInfo),
		occupants: make(map[GuildID]map[ChannelID]map[UserID]struct{}),
		names:     make(map[UserID]string),
	}, nil
}

// AddChannel registers a pre-existing channel, e.g. a creator channel or a
// foreign channel that the service did not provision
func (m *MemoryGateway) AddChannel(guild GuildID, info ChannelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[guild] == nil {
		m.channels[guild] = make(map[ChannelID]ChannelInfo)
	}
	m.channels[guild][info.ID] = info
}

// SetDisplayName registers a member display name for channel naming
func (m *MemoryGateway) SetDisplayName(user UserID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[user] = name
}

// Join places a user into a channel, removing them from any previous one.
// It returns the channel the user left, or 0.
func (m *MemoryGateway) Join(
	guild GuildID,
	user UserID,
	id ChannelID,
) ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.removeLocked(guild, user)
	if m.occupants[guild] == nil {
		m.occupants[guild] = make(map[ChannelID]map[UserID]struct{})
	}
	if m.occupants[guild][id] == nil {
		m.occupants[guild][id] = make(map[UserID]struct{})
	}
	m.occupants[guild][id][user] = struct{}{}
	return old
}

// Leave removes a user from whatever channel they occupy and returns it, or 0
func (m *MemoryGateway) Leave(guild GuildID, user UserID) ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(guild, user)
}

func (m *MemoryGateway) removeLocked(guild GuildID, user UserID) ChannelID {
	for id, users := range m.occupants[guild] {
		if _, ok := users[user]; ok {
			delete(users, user)
			if len(users) == 0 {
				delete(m.occupants[guild], id)
			}
			return id
		}
	}
	return 0
}

func (m *MemoryGateway) CreateChannel(
	_ context.Context,
	req CreateChannelRequest,
) (ChannelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := ChannelInfo{
		ID:     ChannelID(m.node.Generate().Int64()), //nolint:gosec // snowflakes are non-negative
		Name:   req.Name,
		Kind:   ChannelKindVoice,
		Parent: req.Parent,
	}
	if m.channels[req.Guild] == nil {
		m.channels[req.Guild] = make(map[ChannelID]ChannelInfo)
	}
	m.channels[req.Guild][info.ID] = info
	return info, nil
}

func (m *MemoryGateway) DeleteChannel(
	_ context.Context,
	guild GuildID,
	id ChannelID,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[guild][id]; !ok {
		return ErrChannelNotFound
	}
	delete(m.channels[guild], id)
	delete(m.occupants[guild], id)
	return nil
}

func (m *MemoryGateway) MoveMember(
	_ context.Context,
	guild GuildID,
	user UserID,
	id ChannelID,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[guild][id]; !ok {
		return ErrChannelNotFound
	}
	m.removeLocked(guild, user)
	if m.occupants[guild] == nil {
		m.occupants[guild] = make(map[ChannelID]map[UserID]struct{})
	}
	if m.occupants[guild][id] == nil {
		m.occupants[guild][id] = make(map[UserID]struct{})
	}
	m.occupants[guild][id][user] = struct{}{}
	return nil
}

func (m *MemoryGateway) MemberDisplayName(
	_ context.Context,
	_ GuildID,
	user UserID,
) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.names[user]
	if !ok {
		return "", fmt.Errorf("no display name for user %s", user)
	}
	return name, nil
}

func (m *MemoryGateway) ChannelOccupants(
	_ context.Context,
	guild GuildID,
	id ChannelID,
) ([]UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := m.occupants[guild][id]
	ret := make([]UserID, 0, len(users))
	for user := range users {
		ret = append(ret, user)
	}
	return ret, nil
}

func (m *MemoryGateway) OccupiedChannels(
	_ context.Context,
	guild GuildID,
) (map[ChannelID]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make(map[ChannelID]struct{})
	for id, users := range m.occupants[guild] {
		if len(users) > 0 {
			ret[id] = struct{}{}
		}
	}
	return ret, nil
}

func (m *MemoryGateway) ChannelsInParent(
	_ context.Context,
	guild GuildID,
	parent ChannelID,
) ([]ChannelInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ret []ChannelInfo
	for _, info := range m.channels[guild] {
		if info.Kind == ChannelKindVoice && info.Parent == parent {
			ret = append(ret, info)
		}
	}
	return ret, nil
}

func (m *MemoryGateway) ChannelInfo(
	_ context.Context,
	guild GuildID,
	id ChannelID,
) (ChannelInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.channels[guild][id]
	if !ok {
		return ChannelInfo{}, ErrChannelNotFound
	}
	return info, nil
}

func (m *MemoryGateway) NotifyOperator(
	_ context.Context,
	guild GuildID,
	message string,
) error {
	m.logger.Info(
		"operator notification",
		"guild", guild.String(),
		"message", message,
	)
	return nil
}
