package transport

import (
	"context"
	"sync"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/telemetry"
)

const localInboxSize = 1024

// Middleware rewrites an envelope in flight to a given receiver. Returning nil drops it,
// returning several envelopes duplicates it.
type Middleware func(to common.SignerID, env *messages.Envelope) []*messages.Envelope

// DropFrom drops every envelope sent by one of the senders.
func DropFrom(senders ...common.SignerID) Middleware {
	drop := make(map[common.SignerID]struct{}, len(senders))
	for _, s := range senders {
		drop[s] = struct{}{}
	}
	return func(_ common.SignerID, env *messages.Envelope) []*messages.Envelope {
		if _, ok := drop[env.SenderID]; ok {
			return nil
		}
		return []*messages.Envelope{env}
	}
}

// Duplicate delivers every envelope twice.
func Duplicate() Middleware {
	return func(_ common.SignerID, env *messages.Envelope) []*messages.Envelope {
		dup := *env
		return []*messages.Envelope{env, &dup}
	}
}

// LocalNetwork connects in-process endpoints. It is used by tests and single process
// devnets.
type LocalNetwork struct {
	mu         sync.RWMutex
	endpoints  map[common.SignerID]*LocalTransport
	middleware []Middleware
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{endpoints: make(map[common.SignerID]*LocalTransport)}
}

// Use appends a middleware applied to every later delivery.
func (n *LocalNetwork) Use(mw Middleware) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.middleware = append(n.middleware, mw)
}

// Join attaches an endpoint for id, replacing any previous one.
func (n *LocalNetwork) Join(id common.SignerID) *LocalTransport {
	t := &LocalTransport{
		id:     id,
		net:    n,
		inbox:  make(chan *messages.Envelope, localInboxSize),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[id] = t
	n.mu.Unlock()
	return t
}

func (n *LocalNetwork) leave(id common.SignerID, t *LocalTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[id] == t {
		delete(n.endpoints, id)
	}
}

func (n *LocalNetwork) broadcast(ctx context.Context, from common.SignerID, env *messages.Envelope) error {
	n.mu.RLock()
	targets := make([]*LocalTransport, 0, len(n.endpoints))
	for id, t := range n.endpoints {
		if id != from {
			targets = append(targets, t)
		}
	}
	middleware := n.middleware
	n.mu.RUnlock()

	for _, t := range targets {
		batch := []*messages.Envelope{env}
		for _, mw := range middleware {
			var next []*messages.Envelope
			for _, e := range batch {
				next = append(next, mw(t.id, e)...)
			}
			batch = next
		}
		if len(batch) == 0 {
			telemetry.IncrementCounter(common.TelemetryConstants.Transport.DroppedCounter, common.TelemetryConstants.Transport.Prefix)
		}
		for _, e := range batch {
			copied := *e
			if err := t.deliver(ctx, &copied); err != nil {
				return err
			}
		}
	}
	return nil
}

// LocalTransport is one endpoint of a LocalNetwork.
type LocalTransport struct {
	id        common.SignerID
	net       *LocalNetwork
	inbox     chan *messages.Envelope
	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.RWMutex
}

func (t *LocalTransport) Send(ctx context.Context, env *messages.Envelope) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	telemetry.IncrementCounter(common.TelemetryConstants.Transport.SentCounter, common.TelemetryConstants.Transport.Prefix)
	return t.net.broadcast(ctx, t.id, env)
}

func (t *LocalTransport) deliver(ctx context.Context, env *messages.Envelope) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	select {
	case <-t.closed:
		// a closed peer is the same as an unreachable one
		telemetry.IncrementCounter(common.TelemetryConstants.Transport.UndeliverableCounter, common.TelemetryConstants.Transport.Prefix)
		return nil
	default:
	}
	select {
	case t.inbox <- env:
		return nil
	case <-t.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *LocalTransport) Receive() <-chan *messages.Envelope {
	return t.inbox
}

func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() {
		t.net.leave(t.id, t)
		close(t.closed)
		t.mu.Lock()
		close(t.inbox)
		t.mu.Unlock()
	})
	return nil
}
