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

package registry

import (
	"time"

	"github.com/guildhall-io/guildhall/gateway"
)

const (
	DefaultReclaimDelay    = 15 * time.Second
	DefaultApplyInterval   = 50 * time.Millisecond
	DefaultPunishThreshold = 120 * time.Second
)

// Config is the per-guild tuning read by both subsystems. Instances are
// immutable once stored in a GuildState; changes go through
// GuildState.SetConfig with a fresh instance.
type Config struct {
	// IgnoredChannels are never reclaimed and never accrue presence points
	IgnoredChannels map[gateway.ChannelID]struct{}
	// CreatorChannel is the channel that spawns ephemeral channels when
	// joined. Zero disables creation.
	CreatorChannel gateway.ChannelID
	// Category is the destination category for created channels. Zero
	// means no category, and disables the category eligibility check.
	Category gateway.ChannelID
	// ReclaimForeign extends reclamation to channels in the category that
	// this service did not create
	ReclaimForeign bool
	// ReclaimDelay is how long a channel must stay empty before deletion
	ReclaimDelay time.Duration
	// ApplyInterval is the legitimate-earn rate for discrete accrual: one
	// point per interval of real time
	ApplyInterval time.Duration
	// PunishThreshold is the legitimate-earn duration beyond which a
	// pending batch is classified as spam and its excess discarded
	PunishThreshold time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		ReclaimDelay:    DefaultReclaimDelay,
		ApplyInterval:   DefaultApplyInterval,
		PunishThreshold: DefaultPunishThreshold,
	}
}

// IsIgnored returns whether a channel is in the ignored set
func (c *Config) IsIgnored(id gateway.ChannelID) bool {
	_, ok := c.IgnoredChannels[id]
	return ok
}

// Clone returns a deep copy, for building a modified config to swap in
func (c *Config) Clone() *Config {
	ret := *c
	if c.IgnoredChannels != nil {
		ret.IgnoredChannels = make(
			map[gateway.ChannelID]struct{},
			len(c.IgnoredChannels),
		)
		for id := range c.IgnoredChannels {
			ret.IgnoredChannels[id] = struct{}{}
		}
	}
	return &ret
}
