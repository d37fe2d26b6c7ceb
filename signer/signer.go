// Package signer is the signer side of the protocol: it deals DKG shares, holds key
// shares and answers nonce and sign requests from the coordinator.
package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/keyregistry"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/msgqueue"
	"github.com/torusresearch/peg-signer/stacks"
	"github.com/torusresearch/peg-signer/taproot"
	"github.com/torusresearch/peg-signer/telemetry"
	"github.com/torusresearch/peg-signer/transport"
)

var (
	ErrRefusedSigningRequest = errors.New("refused signing request")
	ErrUnknownGroupKey       = errors.New("no key shares for the requested group key")
	ErrNotCoordinator        = errors.New("request was not sent by the coordinator")
)

type Config struct {
	ID common.SignerID
	// AllowRawMessages lets the coordinator request signatures over messages that come
	// without a transaction context.
	AllowRawMessages bool
	Policy           taproot.SighashPolicy
	// StacksFunctions are the peg contract functions the signer approves calls of.
	StacksFunctions map[string]struct{}
	CacheTTL        time.Duration
	Queue           msgqueue.Options
}

func DefaultConfig(id common.SignerID) Config {
	q := msgqueue.DefaultOptions()
	q.Workers = 1
	return Config{
		ID:              id,
		Policy:          taproot.DefaultSighashPolicy(),
		StacksFunctions: DefaultStacksFunctions(),
		CacheTTL:        time.Hour,
		Queue:           q,
	}
}

// DefaultStacksFunctions allows registering the peg wallet and minting.
func DefaultStacksFunctions() map[string]struct{} {
	return map[string]struct{}{
		stacks.FunctionSetBitcoinWallet: {},
		stacks.FunctionMint:             {},
	}
}

type Signer struct {
	id        common.SignerID
	key       *btcec.PrivateKey
	keys      *keyregistry.Registry
	transport transport.Transport
	queue     *msgqueue.MessageQueue
	cfg       Config

	rounds   map[string]*roundState
	pending  *cache.Cache // peer messages that arrived before the coordinator's request
	finished *cache.Cache // rounds that must not be restarted
	signed   *cache.Cache // last attempt a share was sent for, per round
	seen     *cache.Cache // exact duplicates

	mu       sync.RWMutex
	keyRing  map[string]*KeyShares
	latestGK string
}

// New builds a signer. key is the signer's network key, it authenticates envelopes and
// decrypts the private DKG shares sent to it.
func New(t transport.Transport, key *btcec.PrivateKey, keys *keyregistry.Registry, cfg Config) (*Signer, error) {
	s, ok := keys.Signer(cfg.ID)
	if !ok {
		return nil, errors.Wrapf(keyregistry.ErrUnknownSigner, "%s", cfg.ID)
	}
	if !s.PublicKey.IsEqual(key.PubKey()) {
		return nil, errors.Errorf("network key does not match the roster entry of %s", cfg.ID)
	}
	if cfg.Policy == nil {
		cfg.Policy = taproot.DefaultSighashPolicy()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Signer{
		id:        cfg.ID,
		key:       key,
		keys:      keys,
		transport: t,
		queue:     msgqueue.NewMessageQueue(t.Send, cfg.Queue),
		cfg:       cfg,
		rounds:    make(map[string]*roundState),
		pending:   cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		finished:  cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		signed:    cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		seen:      cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		keyRing:   make(map[string]*KeyShares),
	}, nil
}

func (s *Signer) ID() common.SignerID {
	return s.id
}

// Run handles envelopes until ctx is done or the transport closes.
func (s *Signer) Run(ctx context.Context) error {
	s.queue.RunMsgEngine(ctx)
	logging.WithField("signer", s.id).Info("signer running")
	for {
		select {
		case <-ctx.Done():
			s.wipe()
			return nil
		case env, ok := <-s.transport.Receive():
			if !ok {
				s.wipe()
				return transport.ErrClosed
			}
			s.handle(ctx, env)
		}
	}
}

func duplicateKey(env *messages.Envelope) string {
	h := sha256.Sum256(env.Payload)
	return fmt.Sprintf("%s/%d/%s/%d/%s", env.RoundID, env.SenderID, env.Kind, env.Attempt, hex.EncodeToString(h[:]))
}

func (s *Signer) handle(ctx context.Context, env *messages.Envelope) {
	if err := s.seen.Add(duplicateKey(env), struct{}{}, cache.DefaultExpiration); err != nil {
		return
	}
	switch env.Kind {
	case messages.KindDkgRequest, messages.KindNonceRequest, messages.KindSignRequest, messages.KindCancel:
		if env.SenderID != common.CoordinatorID {
			telemetry.IncrementCounter(common.TelemetryConstants.Signer.RefusedRequestCounter, common.TelemetryConstants.Signer.Prefix)
			s.log(env).WithError(ErrNotCoordinator).Warn("ignoring request")
			return
		}
	}

	switch env.Kind {
	case messages.KindDkgRequest:
		s.onDkgRequest(ctx, env)
	case messages.KindDkgShare:
		s.onDkgShare(ctx, env)
	case messages.KindDkgPrivateShares:
		s.onDkgPrivateShares(ctx, env)
	case messages.KindNonceRequest:
		s.onNonceRequest(ctx, env)
	case messages.KindSignRequest:
		s.onSignRequest(ctx, env)
	case messages.KindCancel:
		s.onCancel(ctx, env)
	default:
		// other signers' replies to the coordinator
	}
}

func (s *Signer) log(env *messages.Envelope) *logging.Entry {
	return logging.WithFields(logging.Fields{
		"signer":  s.id,
		"round":   env.RoundID,
		"sender":  env.SenderID,
		"kind":    env.Kind,
		"attempt": env.Attempt,
	})
}

func (s *Signer) send(ctx context.Context, roundID string, kind messages.Kind, attempt uint32, payload interface{}) {
	env, err := messages.New(roundID, kind, s.id, attempt, payload)
	if err != nil {
		logging.WithField("round", roundID).WithError(err).Error("could not encode message")
		return
	}
	if err := s.queue.Enqueue(ctx, env); err != nil {
		logging.WithField("round", roundID).WithError(err).Error("could not enqueue message")
	}
}

func (s *Signer) ack(ctx context.Context, roundID string, attempt uint32, ack messages.Ack) {
	s.send(ctx, roundID, messages.KindAck, attempt, ack)
}

// refuse reports a refused request back to the coordinator.
func (s *Signer) refuse(ctx context.Context, env *messages.Envelope, cause error) {
	telemetry.IncrementCounter(common.TelemetryConstants.Signer.RefusedRequestCounter, common.TelemetryConstants.Signer.Prefix)
	err := errors.Wrap(ErrRefusedSigningRequest, cause.Error())
	s.log(env).WithError(err).Warn("refusing request")
	s.ack(ctx, env.RoundID, env.Attempt, messages.Ack{Status: messages.AckRefused, Reason: err.Error()})
}

// buffer keeps a peer message for a round whose request has not arrived yet.
func (s *Signer) buffer(env *messages.Envelope) {
	var list []*messages.Envelope
	if v, ok := s.pending.Get(env.RoundID); ok {
		list = v.([]*messages.Envelope)
	}
	s.pending.SetDefault(env.RoundID, append(list, env))
}

func (s *Signer) replay(ctx context.Context, roundID string) {
	v, ok := s.pending.Get(roundID)
	if !ok {
		return
	}
	s.pending.Delete(roundID)
	for _, env := range v.([]*messages.Envelope) {
		s.handlePeer(ctx, env)
	}
}

func (s *Signer) handlePeer(ctx context.Context, env *messages.Envelope) {
	switch env.Kind {
	case messages.KindDkgShare:
		s.onDkgShare(ctx, env)
	case messages.KindDkgPrivateShares:
		s.onDkgPrivateShares(ctx, env)
	}
}

func (s *Signer) isFinished(roundID string) bool {
	_, ok := s.finished.Get(roundID)
	return ok
}

// closeRound wipes the round's secrets and remembers it so late requests are ignored.
func (s *Signer) closeRound(roundID string) {
	if rs, ok := s.rounds[roundID]; ok {
		rs.wipe()
		delete(s.rounds, roundID)
	}
	s.pending.Delete(roundID)
	s.finished.SetDefault(roundID, struct{}{})
}

// signedAttempt reports whether a share was already sent for attempt or a later one.
func (s *Signer) signedAttempt(roundID string, attempt uint32) bool {
	v, ok := s.signed.Get(roundID)
	return ok && attempt <= v.(uint32)
}

// closeAttempt wipes the round after its share was sent. The coordinator may still open
// a later nonce attempt of the round when it drops a misbehaving signer.
func (s *Signer) closeAttempt(roundID string, attempt uint32) {
	if rs, ok := s.rounds[roundID]; ok {
		rs.wipe()
		delete(s.rounds, roundID)
	}
	s.signed.SetDefault(roundID, attempt)
}

func (s *Signer) onCancel(ctx context.Context, env *messages.Envelope) {
	var c messages.Cancel
	_ = env.Decode(&c)
	if s.isFinished(env.RoundID) {
		return
	}
	telemetry.IncrementCounter(common.TelemetryConstants.Signer.CancelCounter, common.TelemetryConstants.Signer.Prefix)
	s.log(env).WithField("reason", c.Reason).Info("round cancelled by coordinator")
	_, known := s.rounds[env.RoundID]
	s.closeRound(env.RoundID)
	if known {
		s.ack(ctx, env.RoundID, env.Attempt, messages.Ack{Status: messages.AckCancelled})
	}
}

// wipe zeroes every in-flight secret.
func (s *Signer) wipe() {
	for id, rs := range s.rounds {
		rs.wipe()
		delete(s.rounds, id)
	}
}
