package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCallback(t *testing.T) {
	bus := New()
	bus.Subscribe("round.completed", func(interface{}) {})
	assert.False(t, bus.HasCallback("round.failed"))
	assert.True(t, bus.HasCallback("round.completed"))
}

func TestSubscribeOnceAndMany(t *testing.T) {
	bus := New()
	count := 0
	fn := func(interface{}) { count++ }
	bus.SubscribeOnce("topic", fn)
	bus.Subscribe("topic", fn)
	bus.Subscribe("topic", fn)
	bus.Publish("topic", nil)
	assert.Equal(t, 3, count)
	bus.Publish("topic", nil)
	assert.Equal(t, 5, count)
}

func TestUnsubscribe(t *testing.T) {
	bus := New()
	id := bus.Subscribe("topic", func(interface{}) {})
	require.NoError(t, bus.Unsubscribe("topic", id))
	assert.Error(t, bus.Unsubscribe("topic", id))
	assert.False(t, bus.HasCallback("topic"))
}

func TestPublishPassesData(t *testing.T) {
	bus := New()
	var got interface{}
	bus.Subscribe("topic", func(v interface{}) { got = v })
	bus.Publish("topic", "round-1")
	assert.Equal(t, "round-1", got)
}

func TestPublishFromCallbackDoesNotDeadlock(t *testing.T) {
	bus := New()
	var second int32
	bus.Subscribe("second", func(interface{}) { atomic.AddInt32(&second, 1) })
	bus.Subscribe("first", func(interface{}) { bus.Publish("second", nil) })
	bus.Publish("first", nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
}

func TestSubscribeAsyncTransactional(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	var running, maxRunning, total int
	bus.SubscribeAsync("topic", func(interface{}) {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		total++
		mu.Unlock()
	}, true)
	for i := 0; i < 5; i++ {
		bus.Publish("topic", i)
	}
	bus.WaitAsync()
	assert.Equal(t, 5, total)
	assert.Equal(t, 1, maxRunning)
}

func TestChannel(t *testing.T) {
	bus := New()
	ch, cancel := bus.Channel("topic", 1)
	bus.Publish("topic", "a")
	bus.Publish("topic", "b")
	assert.Equal(t, "a", <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected %v, buffer should have dropped it", v)
	default:
	}
	cancel()
	assert.False(t, bus.HasCallback("topic"))
}
