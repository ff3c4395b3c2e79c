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
	"strconv"
)

// GuildID identifies a community on the chat platform
type GuildID uint64

func (g GuildID) String() string {
	return strconv.FormatUint(uint64(g), 10)
}

// ChannelID identifies a channel within a guild
type ChannelID uint64

func (c ChannelID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// UserID identifies a platform user
type UserID uint64

func (u UserID) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

type ChannelKind int

const (
	ChannelKindVoice ChannelKind = iota
	ChannelKindText
	ChannelKindCategory
)

// ChannelInfo is the subset of upstream channel state the service tracks
type ChannelInfo struct {
	Name   string
	ID     ChannelID
	Parent ChannelID // 0 = no parent category
	Kind   ChannelKind
}

// CreateChannelRequest describes a new ephemeral voice channel. Owner is
// granted management permissions on the created channel via an opaque
// permission grant applied by the platform binding.
type CreateChannelRequest struct {
	Name     string
	Guild    GuildID
	Parent   ChannelID
	Owner    UserID
	Position int
}

// Provisioner creates and destroys channels on the upstream platform
type Provisioner interface {
	CreateChannel(
		ctx context.Context,
		req CreateChannelRequest,
	) (ChannelInfo, error)
	DeleteChannel(ctx context.Context, guild GuildID, id ChannelID) error
	MoveMember(
		ctx context.Context,
		guild GuildID,
		user UserID,
		id ChannelID,
	) error
	MemberDisplayName(
		ctx context.Context,
		guild GuildID,
		user UserID,
	) (string, error)
}

// Occupancy is the authoritative source for current channel membership
type Occupancy interface {
	// ChannelOccupants returns the users currently in the given channel
	ChannelOccupants(
		ctx context.Context,
		guild GuildID,
		id ChannelID,
	) ([]UserID, error)
	// OccupiedChannels returns the set of channels with at least one occupant
	OccupiedChannels(
		ctx context.Context,
		guild GuildID,
	) (map[ChannelID]struct{}, error)
	// ChannelsInParent returns all voice channels under the given category
	ChannelsInParent(
		ctx context.Context,
		guild GuildID,
		parent ChannelID,
	) ([]ChannelInfo, error)
	// ChannelInfo returns the current upstream view of a single channel
	ChannelInfo(
		ctx context.Context,
		guild GuildID,
		id ChannelID,
	) (ChannelInfo, error)
}

// Notifier delivers best-effort messages to a guild's operator channel.
// Failures are logged by callers and never propagated.
type Notifier interface {
	NotifyOperator(ctx context.Context, guild GuildID, message string) error
}
