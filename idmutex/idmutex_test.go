package idmutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type guarded struct {
	Mutex
}

func TestMutexRelockPanics(t *testing.T) {
	g := &guarded{}
	g.Lock()
	defer g.Unlock()
	assert.Panics(t, func() { g.Lock() })
}

func TestMutexOtherGoroutineWaits(t *testing.T) {
	g := &guarded{}
	g.Lock()
	acquired := make(chan struct{})
	go func() {
		g.Lock()
		defer g.Unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	g.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never handed over")
	}
}

func TestKeyedSerializesPerKey(t *testing.T) {
	k := NewKeyed()
	var wg sync.WaitGroup
	counts := map[string]int{}
	var mu sync.Mutex
	active := map[string]int{}
	for i := 0; i < 40; i++ {
		key := []string{"round-a", "round-b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Lock(key)
			defer k.Unlock(key)
			mu.Lock()
			active[key]++
			assert.Equal(t, 1, active[key])
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active[key]--
			counts[key]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counts["round-a"])
	assert.Equal(t, 20, counts["round-b"])
	assert.Equal(t, 0, k.Len())
}
