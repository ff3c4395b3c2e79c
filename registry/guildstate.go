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
	"sync"
	"sync/atomic"
	"time"

	"github.com/guildhall-io/guildhall/gateway"
)

// ReclaimMark is the per-channel reclamation state. A zero mark means the
// channel is tracked but no deletion is scheduled. A scheduled mark carries
// the wake deadline, which doubles as the fencing token: the sleeping
// reclaim task re-reads the mark on wake and acts only if the deadline it
// recorded is still there.
type ReclaimMark struct {
	Deadline  time.Time
	Scheduled bool
}

// Batch is the pending un-flushed discrete accrual for one user
type Batch struct {
	Since  time.Time
	Amount uint64
}

// GuildState is the per-guild mutable state shared by the reclamation
// scheduler and the accrual engine. All per-key maps are sync.Map so that
// check-then-act sequences on one key are single CAS operations and
// operations on unrelated keys never contend.
type GuildState struct {
	id       gateway.GuildID
	config   atomic.Pointer[Config]
	tracked  sync.Map // gateway.ChannelID -> gateway.ChannelInfo
	pending  sync.Map // gateway.ChannelID -> ReclaimMark
	sessions sync.Map // gateway.UserID -> time.Time (session start)
	batches  sync.Map // gateway.UserID -> Batch
}

func newGuildState(id gateway.GuildID, cfg *Config) *GuildState {
	gs := &GuildState{
		id: id,
	}
	gs.config.Store(cfg)
	return gs
}

func (g *GuildState) ID() gateway.GuildID {
	return g.id
}

// Config returns the current guild configuration. The returned value must
// be treated as read-only.
func (g *GuildState) Config() *Config {
	return g.config.Load()
}

// SetConfig swaps the guild configuration. Readers pick up the new value on
// their next Config() call, nothing is invalidated.
func (g *GuildState) SetConfig(cfg *Config) {
	g.config.Store(cfg)
}

// Track registers a channel with the scheduler, with no deletion scheduled.
// Re-tracking an already-tracked channel updates the snapshot but preserves
// any pending reclaim mark.
func (g *GuildState) Track(info gateway.ChannelInfo) {
	g.tracked.Store(info.ID, info)
	g.pending.LoadOrStore(info.ID, ReclaimMark{})
}

// Untrack removes a channel and any reclaim mark. Used for rollback paths,
// not for the reclaim completion path (see FinishReclaim).
func (g *GuildState) Untrack(id gateway.ChannelID) {
	g.pending.Delete(id)
	g.tracked.Delete(id)
}

func (g *GuildState) IsTracked(id gateway.ChannelID) bool {
	_, ok := g.tracked.Load(id)
	return ok
}

func (g *GuildState) TrackedChannel(
	id gateway.ChannelID,
) (gateway.ChannelInfo, bool) {
	v, ok := g.tracked.Load(id)
	if !ok {
		return gateway.ChannelInfo{}, false
	}
	return v.(gateway.ChannelInfo), true
}

// TrackedChannels returns a snapshot of all tracked channels
func (g *GuildState) TrackedChannels() []gateway.ChannelInfo {
	var ret []gateway.ChannelInfo
	g.tracked.Range(func(_, v any) bool {
		ret = append(ret, v.(gateway.ChannelInfo))
		return true
	})
	return ret
}

// EnsureReclaimEntry creates an unscheduled reclaim mark for a channel if
// none exists. Used in reclaim-foreign mode, where eligibility is derived
// from the category rather than from the tracked set.
func (g *GuildState) EnsureReclaimEntry(id gateway.ChannelID) {
	g.pending.LoadOrStore(id, ReclaimMark{})
}

// ReclaimMarkFor returns the current reclaim mark for a channel. The second
// return is false if the channel has no entry at all (not tracked).
func (g *GuildState) ReclaimMarkFor(
	id gateway.ChannelID,
) (ReclaimMark, bool) {
	v, ok := g.pending.Load(id)
	if !ok {
		return ReclaimMark{}, false
	}
	return v.(ReclaimMark), true
}

// ScheduleReclaim transitions a channel's mark from unscheduled to
// scheduled-at-deadline. It fails if the channel has no entry or a deletion
// is already scheduled, which is what makes two live timers for one channel
// impossible.
func (g *GuildState) ScheduleReclaim(
	id gateway.ChannelID,
	deadline time.Time,
) bool {
	v, ok := g.pending.Load(id)
	if !ok {
		return false
	}
	mark := v.(ReclaimMark)
	if mark.Scheduled {
		return false
	}
	return g.pending.CompareAndSwap(
		id,
		mark,
		ReclaimMark{Scheduled: true, Deadline: deadline},
	)
}

// CancelReclaim clears any scheduled deletion for a channel, leaving it
// tracked. Returns whether a scheduled mark was actually cleared, so
// callers can tell a real cancellation from a no-op.
func (g *GuildState) CancelReclaim(id gateway.ChannelID) bool {
	for {
		v, ok := g.pending.Load(id)
		if !ok {
			return false
		}
		mark := v.(ReclaimMark)
		if !mark.Scheduled {
			return false
		}
		if g.pending.CompareAndSwap(id, mark, ReclaimMark{}) {
			return true
		}
	}
}

// RetireReclaim resets a scheduled mark back to unscheduled, but only if
// the given deadline still owns it. Used when a timer wakes and finds the
// channel occupied: a future leave can then schedule a fresh timer.
func (g *GuildState) RetireReclaim(
	id gateway.ChannelID,
	deadline time.Time,
) bool {
	return g.pending.CompareAndSwap(
		id,
		ReclaimMark{Scheduled: true, Deadline: deadline},
		ReclaimMark{},
	)
}

// FinishReclaim atomically claims the final deletion decision for a
// channel: it removes the pending entry only if the given deadline still
// owns it, then drops the tracked snapshot. Returns false if ownership of
// the reclamation has moved elsewhere.
func (g *GuildState) FinishReclaim(
	id gateway.ChannelID,
	deadline time.Time,
) bool {
	if !g.pending.CompareAndDelete(
		id,
		ReclaimMark{Scheduled: true, Deadline: deadline},
	) {
		return false
	}
	g.tracked.Delete(id)
	return true
}

// BeginSession opens a continuous accrual session if the user has none.
// Returns false if a session was already open (the start time is kept).
func (g *GuildState) BeginSession(
	user gateway.UserID,
	start time.Time,
) bool {
	_, loaded := g.sessions.LoadOrStore(user, start)
	return !loaded
}

// EndSession closes the user's session and returns its start time
func (g *GuildState) EndSession(user gateway.UserID) (time.Time, bool) {
	v, ok := g.sessions.LoadAndDelete(user)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// RangeSessions calls f for each open session
func (g *GuildState) RangeSessions(
	f func(user gateway.UserID, start time.Time) bool,
) {
	g.sessions.Range(func(k, v any) bool {
		return f(k.(gateway.UserID), v.(time.Time))
	})
}

// ResetSession replaces a session's start time, but only if the old start
// is still current (the session was not closed or refreshed concurrently)
func (g *GuildState) ResetSession(
	user gateway.UserID,
	oldStart, newStart time.Time,
) bool {
	return g.sessions.CompareAndSwap(user, oldStart, newStart)
}

// LoadBatch returns the user's pending discrete batch
func (g *GuildState) LoadBatch(user gateway.UserID) (Batch, bool) {
	v, ok := g.batches.Load(user)
	if !ok {
		return Batch{}, false
	}
	return v.(Batch), true
}

// OpenBatch stores a new batch if the user has none. Returns the current
// batch and whether it was already present.
func (g *GuildState) OpenBatch(
	user gateway.UserID,
	batch Batch,
) (Batch, bool) {
	v, loaded := g.batches.LoadOrStore(user, batch)
	return v.(Batch), loaded
}

// SwapBatch replaces a batch, but only if old is still current
func (g *GuildState) SwapBatch(user gateway.UserID, old, new Batch) bool {
	return g.batches.CompareAndSwap(user, old, new)
}

// CloseBatch removes a batch, but only if old is still current
func (g *GuildState) CloseBatch(user gateway.UserID, old Batch) bool {
	return g.batches.CompareAndDelete(user, old)
}

// RangeBatches calls f for each pending batch
func (g *GuildState) RangeBatches(
	f func(user gateway.UserID, batch Batch) bool,
) {
	g.batches.Range(func(k, v any) bool {
		return f(k.(gateway.UserID), v.(Batch))
	})
}
