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

package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testEventType = EventType("test.event")

func TestSubscribePublish(t *testing.T) {
	bus := NewEventBus(prometheus.NewRegistry(), nil)
	defer bus.Stop()

	_, ch := bus.Subscribe(testEventType)
	bus.Publish(testEventType, NewEvent(testEventType, "payload"))

	select {
	case evt := <-ch:
		assert.Equal(t, testEventType, evt.Type)
		assert.Equal(t, "payload", evt.Data)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := NewEventBus(prometheus.NewRegistry(), nil)
	defer bus.Stop()
	// Must not block or panic
	bus.Publish(testEventType, NewEvent(testEventType, nil))
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus(prometheus.NewRegistry(), nil)
	defer bus.Stop()

	_, ch1 := bus.Subscribe(testEventType)
	_, ch2 := bus.Subscribe(testEventType)
	bus.Publish(testEventType, NewEvent(testEventType, 42))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, 42, evt.Data)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestSubscribeFunc(t *testing.T) {
	bus := NewEventBus(prometheus.NewRegistry(), nil)
	defer bus.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	var got atomic.Value
	bus.SubscribeFunc(testEventType, func(evt Event) {
		got.Store(evt.Data)
		wg.Done()
	})
	bus.Publish(testEventType, NewEvent(testEventType, "via-func"))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		assert.Equal(t, "via-func", got.Load())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for handler")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus(prometheus.NewRegistry(), nil)
	defer bus.Stop()

	subId, ch := bus.Subscribe(testEventType)
	bus.Unsubscribe(testEventType, subId)

	// The channel is closed on unsubscribe
	_, open := <-ch
	require.False(t, open)

	// Publishing afterwards must not panic
	bus.Publish(testEventType, NewEvent(testEventType, nil))
}

func TestPublishAsync(t *testing.T) {
	bus := NewEventBus(prometheus.NewRegistry(), nil)
	defer bus.Stop()

	_, ch := bus.Subscribe(testEventType)
	require.True(
		t,
		bus.PublishAsync(testEventType, NewEvent(testEventType, "async")),
	)

	select {
	case evt := <-ch:
		assert.Equal(t, "async", evt.Data)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for async event")
	}
}

func TestPublishAsyncAfterStop(t *testing.T) {
	bus := NewEventBus(prometheus.NewRegistry(), nil)
	bus.Stop()
	assert.False(
		t,
		bus.PublishAsync(testEventType, NewEvent(testEventType, nil)),
	)
}

func TestStopIdempotent(t *testing.T) {
	bus := NewEventBus(prometheus.NewRegistry(), nil)
	bus.Stop()
	bus.Stop()
}

func TestStopTerminatesWorkers(t *testing.T) {
	// Stop is terminal: the async worker pool and all handler goroutines
	// must be gone afterwards, including across repeated Stop calls
	defer goleak.VerifyNone(t)
	bus := NewEventBus(prometheus.NewRegistry(), nil)
	bus.SubscribeFunc(testEventType, func(Event) {})
	require.True(
		t,
		bus.PublishAsync(testEventType, NewEvent(testEventType, nil)),
	)
	bus.Stop()
	bus.Stop()
}

func TestEventTypeIsolation(t *testing.T) {
	bus := NewEventBus(prometheus.NewRegistry(), nil)
	defer bus.Stop()

	otherType := EventType("test.other")
	_, ch := bus.Subscribe(otherType)
	bus.Publish(testEventType, NewEvent(testEventType, nil))

	select {
	case <-ch:
		t.Fatal("received event for a different type")
	case <-time.After(100 * time.Millisecond):
	}
}
