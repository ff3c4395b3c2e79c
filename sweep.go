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

package guildhall

import (
	"context"
	"sync"
	"time"

	"github.com/guildhall-io/guildhall/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sweeper runs the periodic reconciliation sweep and snapshot loops while
// the gateway session is up. The loops start on connect and stop on
// disconnect, so repair work only happens against live occupancy data.
type sweeper struct {
	service *Service
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics struct {
		sweeps    prometheus.Counter
		snapshots prometheus.Counter
	}
}

func newSweeper(s *Service) *sweeper {
	w := &sweeper{
		service: s,
	}
	promautoFactory := promauto.With(s.config.promRegistry)
	w.metrics.sweeps = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "guildhall_sweeps_total",
		Help: "total reconciliation sweeps run",
	})
	w.metrics.snapshots = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "guildhall_snapshots_total",
		Help: "total guild-state snapshot passes run",
	})
	return w
}

// start launches the periodic loops. Starting an already-started sweeper
// is a no-op.
func (w *sweeper) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	if w.service.config.sweepInterval > 0 {
		w.wg.Add(1)
		go w.sweepLoop(ctx)
	}
	if w.service.config.snapshotInterval > 0 {
		w.wg.Add(1)
		go w.snapshotLoop(ctx)
	}
	w.service.config.logger.Debug("sweeper started")
}

// stop halts the periodic loops and waits for in-flight passes to finish.
// Stopping an already-stopped sweeper is a no-op.
func (w *sweeper) stop() {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.cancel = nil
	w.mu.Unlock()
	w.wg.Wait()
	w.service.config.logger.Debug("sweeper stopped")
}

func (w *sweeper) sweepLoop(ctx context.Context) {
	defer w.wg.Done()
	sweep := func() {
		w.service.RunReconciliationSweep(ctx)
		w.metrics.sweeps.Inc()
	}
	// A session (re)connect starts the loop, and anything missed while
	// disconnected must be repaired now rather than a full interval later
	sweep()
	w.runEvery(ctx, w.service.config.sweepInterval, sweep)
}

func (w *sweeper) snapshotLoop(ctx context.Context) {
	defer w.wg.Done()
	w.runEvery(ctx, w.service.config.snapshotInterval, func() {
		w.service.registry.Range(func(gs *registry.GuildState) bool {
			if err := w.service.snapshotGuild(gs); err != nil {
				w.service.config.logger.Warn(
					"failed to snapshot guild state",
					"guild", gs.ID().String(),
					"error", err,
				)
			}
			return true
		})
		w.metrics.snapshots.Inc()
	})
}

func (w *sweeper) runEvery(
	ctx context.Context,
	interval time.Duration,
	f func(),
) {
	for {
		timer := w.service.config.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
			f()
		}
	}
}
