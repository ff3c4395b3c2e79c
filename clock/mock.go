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

package clock

import (
	"sync"
	"time"
)

// Mock is a manually-advanced Clock for tests. Timers fire when Advance
// moves the mock time past their deadline.
type Mock struct {
	now    time.Time
	timers []*mockTimer
	mu     sync.Mutex
}

func NewMock() *Mock {
	return &Mock{
		// Arbitrary non-zero start time
		now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Mock) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{
		ch:       make(chan time.Time, 1),
		deadline: m.now.Add(d),
	}
	if d <= 0 {
		t.fired = true
		t.ch <- m.now
	} else {
		m.timers = append(m.timers, t)
	}
	return t
}

// Advance moves the mock time forward and fires any timers whose deadline
// has been reached
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	remaining := m.timers[:0]
	var fired []*mockTimer
	for _, t := range m.timers {
		if !t.deadline.After(now) {
			fired = append(fired, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	m.mu.Unlock()
	for _, t := range fired {
		t.fire(now)
	}
}

type mockTimer struct {
	deadline time.Time
	ch       chan time.Time
	mu       sync.Mutex
	fired    bool
	stopped  bool
}

func (t *mockTimer) C() <-chan time.Time {
	return t.ch
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *mockTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return
	}
	t.fired = true
	t.ch <- now
}
