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

package reclaim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guildhall-io/guildhall/clock"
	"github.com/guildhall-io/guildhall/gateway"
	"github.com/guildhall-io/guildhall/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuild   = gateway.GuildID(1000)
	testCreator = gateway.ChannelID(1)
	testParent  = gateway.ChannelID(2)
	testUser    = gateway.UserID(77)
)

// memStore records tracked channel persistence calls
type memStore struct {
	mu        sync.Mutex
	tracked   map[gateway.ChannelID]gateway.ChannelInfo
	upsertErr error
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{
		tracked: make(map[gateway.ChannelID]gateway.ChannelInfo),
	}
}

func (m *memStore) UpsertTrackedChannel(
	_ context.Context,
	_ gateway.GuildID,
	info gateway.ChannelInfo,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.tracked[info.ID] = info
	return nil
}

func (m *memStore) DeleteTrackedChannel(
	_ context.Context,
	_ gateway.GuildID,
	id gateway.ChannelID,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.tracked, id)
	return nil
}

func (m *memStore) has(id gateway.ChannelID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracked[id]
	return ok
}

type testHarness struct {
	scheduler *Scheduler
	clock     *clock.Mock
	gw        *gateway.MemoryGateway
	store     *memStore
	gs        *registry.GuildState
}

func newTestHarness(t *testing.T, cfg *registry.Config) *testHarness {
	t.Helper()
	gw, err := gateway.NewMemoryGateway(nil)
	require.NoError(t, err)
	mock := clock.NewMock()
	store := newMemStore()
	s := NewScheduler(SchedulerConfig{
		PromRegistry: prometheus.NewRegistry(),
		Clock:        mock,
		Provisioner:  gw,
		Occupancy:    gw,
		Notifier:     gw,
		Store:        store,
		SafetyMargin: 50 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		_ = s.Stop(ctx)
	})
	reg := registry.NewRegistry(registry.RegistryConfig{
		PromRegistry: prometheus.NewRegistry(),
		ConfigSource: func(gateway.GuildID) (*registry.Config, error) {
			return cfg, nil
		},
	})
	gw.AddChannel(testGuild, gateway.ChannelInfo{
		ID:   testCreator,
		Name: "Create Channel",
		Kind: gateway.ChannelKindVoice,
	})
	return &testHarness{
		scheduler: s,
		clock:     mock,
		gw:        gw,
		store:     store,
		gs:        reg.Get(testGuild),
	}
}

func testConfig() *registry.Config {
	cfg := registry.DefaultConfig()
	cfg.CreatorChannel = testCreator
	cfg.Category = testParent
	return cfg
}

// channelExists reports whether the gateway still knows the channel
func (h *testHarness) channelExists(
	t *testing.T,
	id gateway.ChannelID,
) bool {
	t.Helper()
	_, err := h.gw.ChannelInfo(context.Background(), testGuild, id)
	if err == nil {
		return true
	}
	require.ErrorIs(t, err, gateway.ErrChannelNotFound)
	return false
}

// joinCreator drives a creator-channel join through the scheduler and
// returns the created channel
func (h *testHarness) joinCreator(
	t *testing.T,
	user gateway.UserID,
) gateway.ChannelInfo {
	t.Helper()
	old := h.gw.Join(testGuild, user, testCreator)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		user,
		old,
		testCreator,
	)
	channels := h.gs.TrackedChannels()
	require.NotEmpty(t, channels)
	// Find the channel holding the user
	for _, info := range channels {
		occupants, err := h.gw.ChannelOccupants(
			context.Background(),
			testGuild,
			info.ID,
		)
		require.NoError(t, err)
		for _, occupant := range occupants {
			if occupant == user {
				return info
			}
		}
	}
	t.Fatal("user not found in any tracked channel")
	return gateway.ChannelInfo{}
}

func TestCreateOnCreatorJoin(t *testing.T) {
	h := newTestHarness(t, testConfig())
	h.gw.SetDisplayName(testUser, "Alice")

	info := h.joinCreator(t, testUser)
	assert.Equal(t, "Alice's Channel", info.Name)
	assert.Equal(t, testParent, info.Parent)
	require.True(t, h.gs.IsTracked(info.ID))
	require.True(t, h.store.has(info.ID))

	// The user was moved out of the creator channel
	occupants, err := h.gw.ChannelOccupants(
		context.Background(),
		testGuild,
		testCreator,
	)
	require.NoError(t, err)
	assert.Empty(t, occupants)
}

func TestCreateNameFallback(t *testing.T) {
	h := newTestHarness(t, testConfig())
	// No display name registered for the user
	info := h.joinCreator(t, testUser)
	assert.Equal(t, "New Channel", info.Name)
}

func TestCreateNotConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.CreatorChannel = 0
	h := newTestHarness(t, cfg)
	h.scheduler.Create(context.Background(), h.gs, testUser)
	assert.Empty(t, h.gs.TrackedChannels())
}

// failingMover wraps the in-memory gateway with a MoveMember that always
// fails, to exercise creation rollback
type failingMover struct {
	*gateway.MemoryGateway
}

func (f *failingMover) MoveMember(
	context.Context,
	gateway.GuildID,
	gateway.UserID,
	gateway.ChannelID,
) error {
	return errors.New("missing permission")
}

func TestCreateRollbackOnFailedMove(t *testing.T) {
	gw, err := gateway.NewMemoryGateway(nil)
	require.NoError(t, err)
	store := newMemStore()
	s := NewScheduler(SchedulerConfig{
		PromRegistry: prometheus.NewRegistry(),
		Clock:        clock.NewMock(),
		Provisioner:  &failingMover{MemoryGateway: gw},
		Occupancy:    gw,
		Store:        store,
	})
	defer func() {
		_ = s.Stop(context.Background())
	}()
	reg := registry.NewRegistry(registry.RegistryConfig{
		PromRegistry: prometheus.NewRegistry(),
		ConfigSource: func(gateway.GuildID) (*registry.Config, error) {
			return testConfig(), nil
		},
	})
	gs := reg.Get(testGuild)

	s.Create(context.Background(), gs, testUser)

	// The created channel was rolled back, nothing is tracked
	assert.Empty(t, gs.TrackedChannels())
	channels, err := gw.ChannelsInParent(
		context.Background(),
		testGuild,
		testParent,
	)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestReclaimAfterDelay(t *testing.T) {
	h := newTestHarness(t, testConfig())
	info := h.joinCreator(t, testUser)

	// The user leaves; a reclaim timer is armed
	old := h.gw.Leave(testGuild, testUser)
	require.Equal(t, info.ID, old)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		testUser,
		old,
		0,
	)
	mark, ok := h.gs.ReclaimMarkFor(info.ID)
	require.True(t, ok)
	require.True(t, mark.Scheduled)

	// Nothing happens before the deadline
	h.clock.Advance(10 * time.Second)
	require.True(t, h.channelExists(t, info.ID))

	h.clock.Advance(6 * time.Second)
	require.Eventually(t, func() bool {
		return !h.channelExists(t, info.ID)
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, h.gs.IsTracked(info.ID))
	assert.False(t, h.store.has(info.ID))
}

func TestReclaimCancelledOnRejoin(t *testing.T) {
	h := newTestHarness(t, testConfig())
	info := h.joinCreator(t, testUser)

	old := h.gw.Leave(testGuild, testUser)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		testUser,
		old,
		0,
	)

	// Rejoining before the deadline cancels the pending deletion
	h.gw.Join(testGuild, testUser, info.ID)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		testUser,
		0,
		info.ID,
	)
	mark, ok := h.gs.ReclaimMarkFor(info.ID)
	require.True(t, ok)
	require.False(t, mark.Scheduled)

	h.clock.Advance(time.Minute)
	// The woken timer finds its token revoked and does nothing
	require.Never(t, func() bool {
		return !h.channelExists(t, info.ID)
	}, 200*time.Millisecond, 20*time.Millisecond)
	assert.True(t, h.gs.IsTracked(info.ID))
}

func TestReclaimSuperseded(t *testing.T) {
	h := newTestHarness(t, testConfig())
	info := h.joinCreator(t, testUser)

	// First leave arms a timer
	old := h.gw.Leave(testGuild, testUser)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		testUser,
		old,
		0,
	)
	firstMark, ok := h.gs.ReclaimMarkFor(info.ID)
	require.True(t, ok)

	// Rejoin and leave again after some time, arming a later deadline
	h.clock.Advance(5 * time.Second)
	h.gw.Join(testGuild, testUser, info.ID)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		testUser,
		0,
		info.ID,
	)
	old = h.gw.Leave(testGuild, testUser)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		testUser,
		old,
		0,
	)
	secondMark, ok := h.gs.ReclaimMarkFor(info.ID)
	require.True(t, ok)
	require.False(t, secondMark.Deadline.Equal(firstMark.Deadline))

	// Passing only the first deadline must not delete the channel
	h.clock.Advance(11 * time.Second)
	require.Never(t, func() bool {
		return !h.channelExists(t, info.ID)
	}, 200*time.Millisecond, 20*time.Millisecond)

	// Passing the second deadline does
	h.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return !h.channelExists(t, info.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReclaimOccupiedRetries(t *testing.T) {
	h := newTestHarness(t, testConfig())
	info := h.joinCreator(t, testUser)

	// A second user joins, then the owner leaves
	other := gateway.UserID(88)
	h.gw.Join(testGuild, other, info.ID)
	old := h.gw.Leave(testGuild, testUser)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		testUser,
		old,
		0,
	)

	// The timer fires, finds the channel occupied and retires the attempt
	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		mark, ok := h.gs.ReclaimMarkFor(info.ID)
		return ok && !mark.Scheduled
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, h.channelExists(t, info.ID))
	require.True(t, h.gs.IsTracked(info.ID))

	// The remaining user leaving arms a fresh timer that completes
	old = h.gw.Leave(testGuild, other)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		other,
		old,
		0,
	)
	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return !h.channelExists(t, info.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduleIsIdempotent(t *testing.T) {
	h := newTestHarness(t, testConfig())
	info := h.joinCreator(t, testUser)
	h.gw.Leave(testGuild, testUser)

	h.scheduler.TryScheduleReclaim(context.Background(), h.gs, info.ID)
	firstMark, ok := h.gs.ReclaimMarkFor(info.ID)
	require.True(t, ok)
	require.True(t, firstMark.Scheduled)

	// A redundant call with a later clock must not displace the deadline
	h.clock.Advance(time.Second)
	h.scheduler.TryScheduleReclaim(context.Background(), h.gs, info.ID)
	mark, ok := h.gs.ReclaimMarkFor(info.ID)
	require.True(t, ok)
	assert.True(t, mark.Deadline.Equal(firstMark.Deadline))
}

func TestScheduleIneligible(t *testing.T) {
	cfg := testConfig()
	ignored := gateway.ChannelID(33)
	cfg.IgnoredChannels = map[gateway.ChannelID]struct{}{
		ignored: {},
	}
	h := newTestHarness(t, cfg)

	// Ignored channels never get a mark
	h.scheduler.TryScheduleReclaim(context.Background(), h.gs, ignored)
	_, ok := h.gs.ReclaimMarkFor(ignored)
	assert.False(t, ok)

	// Neither does the creator channel
	h.scheduler.TryScheduleReclaim(context.Background(), h.gs, testCreator)
	_, ok = h.gs.ReclaimMarkFor(testCreator)
	assert.False(t, ok)

	// Untracked channels are skipped unless foreign reclaim is enabled
	foreign := gateway.ChannelID(44)
	h.scheduler.TryScheduleReclaim(context.Background(), h.gs, foreign)
	_, ok = h.gs.ReclaimMarkFor(foreign)
	assert.False(t, ok)
}

func TestReclaimForeignChannel(t *testing.T) {
	cfg := testConfig()
	cfg.ReclaimForeign = true
	h := newTestHarness(t, cfg)

	// A channel in the category that the service did not create
	foreign := gateway.ChannelInfo{
		ID:     gateway.ChannelID(55),
		Name:   "general",
		Parent: testParent,
		Kind:   gateway.ChannelKindVoice,
	}
	h.gw.AddChannel(testGuild, foreign)
	h.gw.Join(testGuild, testUser, foreign.ID)
	old := h.gw.Leave(testGuild, testUser)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		testUser,
		old,
		0,
	)
	mark, ok := h.gs.ReclaimMarkFor(foreign.ID)
	require.True(t, ok)
	require.True(t, mark.Scheduled)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return !h.channelExists(t, foreign.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReclaimOutsideCategorySkipped(t *testing.T) {
	cfg := testConfig()
	cfg.ReclaimForeign = true
	h := newTestHarness(t, cfg)

	// A channel outside the configured category, tracked through restore
	outside := gateway.ChannelInfo{
		ID:     gateway.ChannelID(66),
		Name:   "lobby",
		Parent: gateway.ChannelID(9),
		Kind:   gateway.ChannelKindVoice,
	}
	h.gw.AddChannel(testGuild, outside)
	h.scheduler.Restore(h.gs, []gateway.ChannelInfo{outside})

	h.scheduler.TryScheduleReclaim(context.Background(), h.gs, outside.ID)
	mark, ok := h.gs.ReclaimMarkFor(outside.ID)
	require.True(t, ok)
	require.True(t, mark.Scheduled)

	// The woken timer refuses to delete a channel outside the category
	h.clock.Advance(time.Minute)
	require.Never(t, func() bool {
		return !h.channelExists(t, outside.ID)
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestReconcileArmsLostTimers(t *testing.T) {
	h := newTestHarness(t, testConfig())

	// A tracked, empty channel with no armed timer (as after a restart)
	stale := gateway.ChannelInfo{
		ID:     gateway.ChannelID(70),
		Name:   "Bob's Channel",
		Parent: testParent,
		Kind:   gateway.ChannelKindVoice,
	}
	h.gw.AddChannel(testGuild, stale)
	h.scheduler.Restore(h.gs, []gateway.ChannelInfo{stale})

	require.NoError(
		t,
		h.scheduler.Reconcile(context.Background(), h.gs),
	)
	mark, ok := h.gs.ReclaimMarkFor(stale.ID)
	require.True(t, ok)
	require.True(t, mark.Scheduled)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return !h.channelExists(t, stale.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconcileSkipsOccupied(t *testing.T) {
	h := newTestHarness(t, testConfig())
	info := h.joinCreator(t, testUser)

	require.NoError(
		t,
		h.scheduler.Reconcile(context.Background(), h.gs),
	)
	mark, ok := h.gs.ReclaimMarkFor(info.ID)
	require.True(t, ok)
	assert.False(t, mark.Scheduled)
}

func TestReconcileDropsVanishedChannels(t *testing.T) {
	h := newTestHarness(t, testConfig())

	// Tracked channel that no longer exists upstream
	ghost := gateway.ChannelInfo{
		ID:     gateway.ChannelID(80),
		Name:   "Carol's Channel",
		Parent: testParent,
		Kind:   gateway.ChannelKindVoice,
	}
	h.scheduler.Restore(h.gs, []gateway.ChannelInfo{ghost})
	require.NoError(
		t,
		h.store.UpsertTrackedChannel(context.Background(), testGuild, ghost),
	)

	require.NoError(
		t,
		h.scheduler.Reconcile(context.Background(), h.gs),
	)
	assert.False(t, h.gs.IsTracked(ghost.ID))
	assert.False(t, h.store.has(ghost.ID))
}

func TestReconcileForeign(t *testing.T) {
	cfg := testConfig()
	cfg.ReclaimForeign = true
	h := newTestHarness(t, cfg)

	foreign := gateway.ChannelInfo{
		ID:     gateway.ChannelID(90),
		Name:   "stray",
		Parent: testParent,
		Kind:   gateway.ChannelKindVoice,
	}
	h.gw.AddChannel(testGuild, foreign)

	require.NoError(
		t,
		h.scheduler.Reconcile(context.Background(), h.gs),
	)
	mark, ok := h.gs.ReclaimMarkFor(foreign.ID)
	require.True(t, ok)
	require.True(t, mark.Scheduled)
	// The creator channel is never a candidate
	_, ok = h.gs.ReclaimMarkFor(testCreator)
	assert.False(t, ok)
}

func TestStopInterruptsPendingTimers(t *testing.T) {
	h := newTestHarness(t, testConfig())
	info := h.joinCreator(t, testUser)
	old := h.gw.Leave(testGuild, testUser)
	h.scheduler.HandleOccupancyChanged(
		context.Background(),
		h.gs,
		testUser,
		old,
		0,
	)

	ctx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()
	require.NoError(t, h.scheduler.Stop(ctx))
	// The channel survives shutdown with its timer unexpired
	assert.True(t, h.channelExists(t, info.ID))
}
