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

package accrual

import (
	"context"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/guildhall-io/guildhall/clock"
	"github.com/guildhall-io/guildhall/gateway"
	"github.com/guildhall-io/guildhall/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream is an independent accrual ledger
type Stream string

const (
	// StreamPresence accrues seconds of presence in tracked voice channels
	StreamPresence Stream = "presence"
	// StreamActivity accrues points from discrete events (messages,
	// reactions), rate-limited against bursts
	StreamActivity Stream = "activity"
)

// Store is the durable, monotonic point ledger. AddPoints must saturate
// rather than wrap.
type Store interface {
	AddPoints(
		ctx context.Context,
		guild gateway.GuildID,
		user gateway.UserID,
		stream string,
		amount uint64,
	) error
}

type EngineConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	Clock        clock.Clock
	Store        Store
}

// Engine converts activity into per-user point totals. Presence time is
// tracked as open sessions flushed on leave or by the sweep; discrete
// points are batched per user and admitted against a configured
// legitimate-earn rate, with abusive bursts discarded.
type Engine struct {
	config  EngineConfig
	logger  *slog.Logger
	clock   clock.Clock
	metrics struct {
		pointsCredited *prometheus.CounterVec
		spamDiscarded  prometheus.Counter
	}
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		config: cfg,
		clock:  cfg.Clock,
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		e.logger = cfg.Logger
	}
	if e.clock == nil {
		e.clock = clock.System{}
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	e.metrics.pointsCredited = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildhall_points_credited_total",
			Help: "total points flushed into durable totals by stream",
		},
		[]string{"stream"},
	)
	e.metrics.spamDiscarded = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "guildhall_spam_points_discarded_total",
			Help: "total pending points discarded as spam",
		},
	)
	return e
}

// Enter marks a user as present in a voice channel. Entering an ignored
// channel is an implicit leave: the open session, if any, is flushed.
// Moving between two non-ignored channels does not reset the session clock.
func (e *Engine) Enter(
	ctx context.Context,
	gs *registry.GuildState,
	user gateway.UserID,
	channel gateway.ChannelID,
) {
	if gs.Config().IsIgnored(channel) {
		e.Leave(ctx, gs, user)
		return
	}
	gs.BeginSession(user, e.clock.Now())
}

// Leave closes the user's presence session, if any, and credits the
// elapsed seconds
func (e *Engine) Leave(
	ctx context.Context,
	gs *registry.GuildState,
	user gateway.UserID,
) {
	start, ok := gs.EndSession(user)
	if !ok {
		return
	}
	e.creditElapsed(ctx, gs, user, start, e.clock.Now())
}

// RefreshAll re-anchors every open session at now and credits the elapsed
// seconds, without closing the sessions. This bounds the un-persisted
// presence accrual to one sweep interval.
func (e *Engine) RefreshAll(ctx context.Context, gs *registry.GuildState) {
	now := e.clock.Now()
	gs.RangeSessions(func(user gateway.UserID, start time.Time) bool {
		if !gs.ResetSession(user, start, now) {
			// Session closed or refreshed concurrently; that path
			// accounts for the elapsed time itself
			return true
		}
		e.creditElapsed(ctx, gs, user, start, now)
		return true
	})
}

func (e *Engine) creditElapsed(
	ctx context.Context,
	gs *registry.GuildState,
	user gateway.UserID,
	start, now time.Time,
) {
	elapsed := now.Sub(start)
	if elapsed < 0 {
		// Clock went backwards; discard rather than corrupt the total
		e.logger.Warn(
			"negative presence duration, skipping",
			"guild", gs.ID().String(),
			"user", user.String(),
			"elapsed", elapsed,
		)
		return
	}
	seconds := uint64(elapsed / time.Second)
	if seconds == 0 {
		return
	}
	e.credit(ctx, gs.ID(), user, StreamPresence, seconds)
}

// OnEvent admits a discrete activity event worth the given points. The
// user's pending batch is first reconciled against the legitimate-earn
// rate, then the new points are added to the pending batch.
func (e *Engine) OnEvent(
	ctx context.Context,
	gs *registry.GuildState,
	user gateway.UserID,
	points uint64,
) {
	if points == 0 {
		return
	}
	cfg := gs.Config()
	now := e.clock.Now()
	for {
		cur, ok := gs.LoadBatch(user)
		if !ok {
			if _, loaded := gs.OpenBatch(
				user,
				registry.Batch{Since: now, Amount: points},
			); !loaded {
				return
			}
			// Another writer opened a batch first; reconcile against it
			continue
		}
		credit, carry, spam := reconcileBatch(cfg, cur, now)
		amount, overflowed := satAdd(carry, points)
		if overflowed {
			e.logger.Warn(
				"pending batch saturated",
				"guild", gs.ID().String(),
				"user", user.String(),
			)
		}
		if !gs.SwapBatch(
			user,
			cur,
			registry.Batch{Since: now, Amount: amount},
		) {
			continue
		}
		e.settle(ctx, gs, user, cur, credit, spam)
		return
	}
}

// FlushAll reconciles every pending batch against the legitimate-earn rate
// without admitting new points, so accrued-but-unflushed points are
// periodically committed to the durable totals
func (e *Engine) FlushAll(ctx context.Context, gs *registry.GuildState) {
	cfg := gs.Config()
	now := e.clock.Now()
	gs.RangeBatches(func(user gateway.UserID, cur registry.Batch) bool {
		credit, carry, spam := reconcileBatch(cfg, cur, now)
		if credit == 0 && !spam {
			// Nothing affordable yet; leave the batch anchored where it
			// is so elapsed time keeps counting toward it
			return true
		}
		if carry == 0 {
			if !gs.CloseBatch(user, cur) {
				return true
			}
		} else {
			if !gs.SwapBatch(
				user,
				cur,
				registry.Batch{Since: now, Amount: carry},
			) {
				return true
			}
		}
		e.settle(ctx, gs, user, cur, credit, spam)
		return true
	})
}

func (e *Engine) settle(
	ctx context.Context,
	gs *registry.GuildState,
	user gateway.UserID,
	prior registry.Batch,
	credit uint64,
	spam bool,
) {
	if spam {
		discarded := prior.Amount - credit
		e.metrics.spamDiscarded.Add(float64(discarded))
		e.logger.Warn(
			"discarded pending points as spam",
			"guild", gs.ID().String(),
			"user", user.String(),
			"discarded", discarded,
			"credited", credit,
		)
	}
	if credit > 0 {
		e.credit(ctx, gs.ID(), user, StreamActivity, credit)
	}
}

func (e *Engine) credit(
	ctx context.Context,
	guild gateway.GuildID,
	user gateway.UserID,
	stream Stream,
	amount uint64,
) {
	if err := e.config.Store.AddPoints(
		ctx,
		guild,
		user,
		string(stream),
		amount,
	); err != nil {
		e.logger.Warn(
			"failed to persist points",
			"guild", guild.String(),
			"user", user.String(),
			"stream", string(stream),
			"amount", amount,
			"error", err,
		)
		return
	}
	e.metrics.pointsCredited.WithLabelValues(string(stream)).
		Add(float64(amount))
}

// reconcileBatch applies the admission rate to a pending batch. It returns
// the points to credit now, the remainder to keep pending, and whether the
// discarded excess was classified as spam.
func reconcileBatch(
	cfg *registry.Config,
	cur registry.Batch,
	now time.Time,
) (credit, carry uint64, spam bool) {
	if cfg.ApplyInterval <= 0 {
		// Rate limiting disabled; the whole batch is legitimate
		return cur.Amount, 0, false
	}
	elapsed := now.Sub(cur.Since)
	if elapsed < 0 {
		// Tolerate clock skew between the batch anchor and now
		elapsed = -elapsed
	}
	affordable := uint64(elapsed / cfg.ApplyInterval)
	if cur.Amount <= affordable {
		return cur.Amount, 0, false
	}
	if legitEarnExceeds(cur.Amount, cfg.ApplyInterval, cfg.PunishThreshold) {
		// Earning this batch legitimately would take longer than the
		// punish threshold: credit what real time affords, permanently
		// discard the rest
		return affordable, 0, true
	}
	// Slightly ahead of the rate limit, not abusive: spread the burst out
	// over time instead of discarding it
	return affordable, cur.Amount - affordable, false
}

// legitEarnExceeds reports whether amount*interval > threshold, guarding
// against duration overflow for absurd pending amounts
func legitEarnExceeds(
	amount uint64,
	interval, threshold time.Duration,
) bool {
	if interval <= 0 {
		return false
	}
	if amount > uint64(math.MaxInt64)/uint64(interval) {
		return true
	}
	return time.Duration(amount)*interval > threshold //nolint:gosec // bounded above
}

// satAdd adds two point amounts, saturating at the maximum representable
// value instead of wrapping
func satAdd(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return math.MaxUint64, true
	}
	return a + b, false
}
