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

import "time"

// Clock abstracts time for components that schedule future work. The
// time.Time values returned by Now carry a monotonic reading within a
// process run, which serves both the scheduling math and the accrual math.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
}

// Timer is the waitable handle returned by Clock.NewTimer
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// System is a Clock backed by the runtime clock
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

func (System) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (System) NewTimer(d time.Duration) Timer {
	return systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) C() <-chan time.Time {
	return s.t.C
}

func (s systemTimer) Stop() bool {
	return s.t.Stop()
}
