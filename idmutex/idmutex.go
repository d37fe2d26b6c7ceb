// Package idmutex has locks that are aware of who holds them.
package idmutex

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
)

type goroutineID uint64

// Mutex panics when the goroutine holding it tries to take it again, which would
// otherwise deadlock silently. Event handlers that publish from inside a callback hit this.
type Mutex struct {
	sync.Mutex
	holder goroutineID
}

func (m *Mutex) Lock() {
	id := currentGoroutine()
	if m.holder == id {
		panic("goroutine " + fmt.Sprint(id) + " already holds this mutex")
	}
	m.Mutex.Lock()
	m.holder = id
}

func (m *Mutex) Unlock() {
	m.holder = 0
	m.Mutex.Unlock()
}

// debugging aid only, never use the id for logic
func currentGoroutine() goroutineID {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return goroutineID(n)
}

// Keyed serializes work per key, e.g. per round id, while letting different keys proceed
// in parallel. Entries are dropped once nobody holds or waits for them.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	Mutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

func (k *Keyed) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()
	e.Lock()
}

func (k *Keyed) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("idmutex: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
	e.Unlock()
}

// Len is the number of keys currently held or waited on.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
