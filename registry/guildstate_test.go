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
	"testing"
	"time"

	"github.com/guildhall-io/guildhall/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuildState() *GuildState {
	return newGuildState(gateway.GuildID(100), DefaultConfig())
}

func TestGuildStateTrack(t *testing.T) {
	gs := testGuildState()
	info := gateway.ChannelInfo{
		ID:   gateway.ChannelID(1),
		Name: "test's Channel",
		Kind: gateway.ChannelKindVoice,
	}
	require.False(t, gs.IsTracked(info.ID))
	gs.Track(info)
	require.True(t, gs.IsTracked(info.ID))
	got, ok := gs.TrackedChannel(info.ID)
	require.True(t, ok)
	assert.Equal(t, info, got)
	// Tracking also creates an idle reclaim entry
	mark, ok := gs.ReclaimMarkFor(info.ID)
	require.True(t, ok)
	assert.False(t, mark.Scheduled)
	gs.Untrack(info.ID)
	assert.False(t, gs.IsTracked(info.ID))
}

func TestGuildStateScheduleReclaim(t *testing.T) {
	gs := testGuildState()
	id := gateway.ChannelID(5)
	deadline := time.Now().Add(15 * time.Second)

	// Scheduling without an entry fails
	require.False(t, gs.ScheduleReclaim(id, deadline))

	gs.EnsureReclaimEntry(id)
	require.True(t, gs.ScheduleReclaim(id, deadline))

	// A second schedule must not displace the armed timer
	require.False(t, gs.ScheduleReclaim(id, deadline.Add(time.Second)))
	mark, ok := gs.ReclaimMarkFor(id)
	require.True(t, ok)
	assert.True(t, mark.Scheduled)
	assert.True(t, mark.Deadline.Equal(deadline))
}

func TestGuildStateCancelReclaim(t *testing.T) {
	gs := testGuildState()
	id := gateway.ChannelID(5)
	gs.EnsureReclaimEntry(id)
	deadline := time.Now().Add(15 * time.Second)

	// Nothing scheduled yet
	require.False(t, gs.CancelReclaim(id))

	require.True(t, gs.ScheduleReclaim(id, deadline))
	require.True(t, gs.CancelReclaim(id))

	// The entry survives cancellation for re-arming
	mark, ok := gs.ReclaimMarkFor(id)
	require.True(t, ok)
	assert.False(t, mark.Scheduled)
	require.True(t, gs.ScheduleReclaim(id, deadline.Add(time.Minute)))
}

func TestGuildStateRetireReclaim(t *testing.T) {
	gs := testGuildState()
	id := gateway.ChannelID(5)
	gs.EnsureReclaimEntry(id)
	deadline := time.Now().Add(15 * time.Second)
	require.True(t, gs.ScheduleReclaim(id, deadline))

	// Retiring with a stale deadline fails
	require.False(t, gs.RetireReclaim(id, deadline.Add(time.Second)))
	require.True(t, gs.RetireReclaim(id, deadline))
	mark, ok := gs.ReclaimMarkFor(id)
	require.True(t, ok)
	assert.False(t, mark.Scheduled)
}

func TestGuildStateFinishReclaim(t *testing.T) {
	gs := testGuildState()
	info := gateway.ChannelInfo{ID: gateway.ChannelID(7)}
	gs.Track(info)
	deadline := time.Now().Add(15 * time.Second)
	require.True(t, gs.ScheduleReclaim(info.ID, deadline))

	// Finishing with a stale deadline fails and leaves state intact
	require.False(t, gs.FinishReclaim(info.ID, deadline.Add(time.Second)))
	require.True(t, gs.IsTracked(info.ID))

	require.True(t, gs.FinishReclaim(info.ID, deadline))
	assert.False(t, gs.IsTracked(info.ID))
	_, ok := gs.ReclaimMarkFor(info.ID)
	assert.False(t, ok)

	// The decision is single-shot
	require.False(t, gs.FinishReclaim(info.ID, deadline))
}

func TestGuildStateSessions(t *testing.T) {
	gs := testGuildState()
	user := gateway.UserID(42)
	start := time.Now()

	gs.BeginSession(user, start)
	// Re-entry keeps the original start
	gs.BeginSession(user, start.Add(time.Minute))

	got, ok := gs.EndSession(user)
	require.True(t, ok)
	assert.True(t, got.Equal(start))

	// Session is gone after ending
	_, ok = gs.EndSession(user)
	assert.False(t, ok)
}

func TestGuildStateResetSession(t *testing.T) {
	gs := testGuildState()
	user := gateway.UserID(42)
	start := time.Now()
	gs.BeginSession(user, start)

	next := start.Add(time.Minute)
	require.True(t, gs.ResetSession(user, start, next))
	// Old anchor no longer matches
	require.False(t, gs.ResetSession(user, start, next.Add(time.Minute)))

	got, ok := gs.EndSession(user)
	require.True(t, ok)
	assert.True(t, got.Equal(next))
}

func TestGuildStateBatches(t *testing.T) {
	gs := testGuildState()
	user := gateway.UserID(42)
	now := time.Now()

	_, ok := gs.LoadBatch(user)
	require.False(t, ok)

	first := Batch{Since: now, Amount: 10}
	_, loaded := gs.OpenBatch(user, first)
	require.False(t, loaded)

	// OpenBatch does not displace an existing batch
	existing, loaded := gs.OpenBatch(user, Batch{Since: now, Amount: 99})
	require.True(t, loaded)
	assert.Equal(t, first, existing)

	second := Batch{Since: now.Add(time.Second), Amount: 3}
	require.True(t, gs.SwapBatch(user, first, second))
	// Stale swap fails
	require.False(t, gs.SwapBatch(user, first, second))

	// Stale close fails, matching close removes
	require.False(t, gs.CloseBatch(user, first))
	require.True(t, gs.CloseBatch(user, second))
	_, ok = gs.LoadBatch(user)
	assert.False(t, ok)
}
