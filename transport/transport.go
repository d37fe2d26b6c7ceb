// Package transport moves signed envelopes between the coordinator and the signers.
// Every send is a broadcast and a node never receives its own envelopes.
package transport

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/telemetry"
)

var ErrClosed = errors.New("transport is closed")

// Transport is a broadcast channel between the coordinator and the signers.
type Transport interface {
	Send(ctx context.Context, env *messages.Envelope) error
	Receive() <-chan *messages.Envelope
	Close() error
}

// KeyResolver returns the network key a sender signs with. keyregistry.Registry is one.
type KeyResolver interface {
	PublicKeyFor(sender common.SignerID) (*btcec.PublicKey, error)
}

// Authenticated signs every outgoing envelope and drops incoming envelopes whose signature
// does not verify against the sender's registered key.
type Authenticated struct {
	inner Transport
	key   *btcec.PrivateKey
	keys  KeyResolver
	out   chan *messages.Envelope
	done  chan struct{}
}

func NewAuthenticated(inner Transport, key *btcec.PrivateKey, keys KeyResolver) *Authenticated {
	a := &Authenticated{
		inner: inner,
		key:   key,
		keys:  keys,
		out:   make(chan *messages.Envelope, cap(inner.Receive())),
		done:  make(chan struct{}),
	}
	go a.filter()
	return a
}

func (a *Authenticated) Send(ctx context.Context, env *messages.Envelope) error {
	env.Sign(a.key)
	return a.inner.Send(ctx, env)
}

func (a *Authenticated) Receive() <-chan *messages.Envelope {
	return a.out
}

func (a *Authenticated) Close() error {
	err := a.inner.Close()
	<-a.done
	return err
}

func (a *Authenticated) filter() {
	defer close(a.done)
	defer close(a.out)
	for env := range a.inner.Receive() {
		if err := a.verify(env); err != nil {
			telemetry.IncrementCounter(common.TelemetryConstants.Transport.UnauthenticatedCounter, common.TelemetryConstants.Transport.Prefix)
			logging.WithFields(logging.Fields{
				"round":  env.RoundID,
				"sender": env.SenderID,
				"kind":   env.Kind,
			}).WithError(err).Warn("dropping unauthenticated envelope")
			continue
		}
		telemetry.IncrementCounter(common.TelemetryConstants.Transport.ReceivedCounter, common.TelemetryConstants.Transport.Prefix)
		a.out <- env
	}
}

func (a *Authenticated) verify(env *messages.Envelope) error {
	pub, err := a.keys.PublicKeyFor(env.SenderID)
	if err != nil {
		return err
	}
	return env.Verify(pub)
}
