// Package eventbus fans out in-process notifications, such as round outcomes, to
// whoever subscribed to a topic.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/torusresearch/peg-signer/idmutex"
)

// Bus is the publish/subscribe surface.
type Bus interface {
	Subscribe(topic string, fn func(interface{})) uint64
	SubscribeAsync(topic string, fn func(interface{}), transactional bool) uint64
	SubscribeOnce(topic string, fn func(interface{})) uint64
	Unsubscribe(topic string, id uint64) error
	Channel(topic string, buffer int) (<-chan interface{}, func())
	Publish(topic string, data interface{})
	HasCallback(topic string) bool
	WaitAsync()
}

type EventBus struct {
	lock     idmutex.Mutex
	handlers map[string][]*handler
	nextID   uint64
	wg       sync.WaitGroup
}

type handler struct {
	id            uint64
	callback      func(interface{})
	once          bool
	async         bool
	transactional bool
	serial        sync.Mutex // runs transactional async callbacks one at a time
}

func New() *EventBus {
	return &EventBus{handlers: make(map[string][]*handler)}
}

func (bus *EventBus) add(topic string, h *handler) uint64 {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	bus.nextID++
	h.id = bus.nextID
	bus.handlers[topic] = append(bus.handlers[topic], h)
	return h.id
}

// Subscribe runs fn synchronously inside Publish.
func (bus *EventBus) Subscribe(topic string, fn func(interface{})) uint64 {
	return bus.add(topic, &handler{callback: fn})
}

// SubscribeAsync runs fn on its own goroutine. Transactional callbacks for the same
// subscription never overlap.
func (bus *EventBus) SubscribeAsync(topic string, fn func(interface{}), transactional bool) uint64 {
	return bus.add(topic, &handler{callback: fn, async: true, transactional: transactional})
}

// SubscribeOnce removes the subscription after its first delivery.
func (bus *EventBus) SubscribeOnce(topic string, fn func(interface{})) uint64 {
	return bus.add(topic, &handler{callback: fn, once: true})
}

func (bus *EventBus) Unsubscribe(topic string, id uint64) error {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	if !bus.remove(topic, id) {
		return fmt.Errorf("no subscription %d on topic %s", id, topic)
	}
	return nil
}

// Channel delivers every event on topic to a buffered channel. Events are dropped when
// the buffer is full. The returned func unsubscribes.
func (bus *EventBus) Channel(topic string, buffer int) (<-chan interface{}, func()) {
	ch := make(chan interface{}, buffer)
	id := bus.Subscribe(topic, func(data interface{}) {
		select {
		case ch <- data:
		default:
		}
	})
	return ch, func() { _ = bus.Unsubscribe(topic, id) }
}

func (bus *EventBus) Publish(topic string, data interface{}) {
	bus.lock.Lock()
	handlers := make([]*handler, len(bus.handlers[topic]))
	copy(handlers, bus.handlers[topic])
	for _, h := range handlers {
		if h.once {
			bus.remove(topic, h.id)
		}
	}
	bus.lock.Unlock()

	for _, h := range handlers {
		if !h.async {
			h.callback(data)
			continue
		}
		bus.wg.Add(1)
		go func(h *handler) {
			defer bus.wg.Done()
			if h.transactional {
				h.serial.Lock()
				defer h.serial.Unlock()
			}
			h.callback(data)
		}(h)
	}
}

func (bus *EventBus) HasCallback(topic string) bool {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	return len(bus.handlers[topic]) > 0
}

// WaitAsync blocks until every async callback started so far has returned.
func (bus *EventBus) WaitAsync() {
	bus.wg.Wait()
}

func (bus *EventBus) remove(topic string, id uint64) bool {
	list := bus.handlers[topic]
	for i, h := range list {
		if h.id != id {
			continue
		}
		bus.handlers[topic] = append(list[:i:i], list[i+1:]...)
		if len(bus.handlers[topic]) == 0 {
			delete(bus.handlers, topic)
		}
		return true
	}
	return false
}
