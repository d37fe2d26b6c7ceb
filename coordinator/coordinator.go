// Package coordinator drives DKG and signing rounds. A single Run loop owns every round,
// public calls are queued into that loop and wait for its answer.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/eventbus"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/keyregistry"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/msgqueue"
	"github.com/torusresearch/peg-signer/round"
	"github.com/torusresearch/peg-signer/telemetry"
	"github.com/torusresearch/peg-signer/transport"
)

// TopicRoundFinished carries a *round.Outcome every time a round is archived.
const TopicRoundFinished = "round.finished"

const DefaultMaxNonceAttempts = 8

type Config struct {
	// Timeout bounds every Awaiting state of a round.
	Timeout          time.Duration
	MaxNonceAttempts int
	ArchiveTTL       time.Duration
	Queue            msgqueue.Options
}

func DefaultConfig() Config {
	q := msgqueue.DefaultOptions()
	// one worker keeps requests in the order they were issued
	q.Workers = 1
	return Config{
		Timeout:          30 * time.Second,
		MaxNonceAttempts: DefaultMaxNonceAttempts,
		ArchiveTTL:       round.DefaultArchiveTTL,
		Queue:            q,
	}
}

// SignOptions tune a sign round.
type SignOptions struct {
	Tweak *frost.TaprootTweak
	// Tx lets signers recompute the sighash. Without it signers see a raw message.
	Tx *messages.TxContext
	// StacksTx is the stacks counterpart of Tx. Setting both is an error.
	StacksTx *messages.StacksTxContext
	// DkgResult overrides the result of the latest DKG, e.g. one loaded from storage.
	DkgResult *frost.DkgResult
}

type command struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

type timeoutEvent struct {
	roundID string
	gen     uint64
}

type roundTimer struct {
	timer *time.Timer
	gen   uint64
}

type Coordinator struct {
	transport transport.Transport
	keys      *keyregistry.Registry
	rounds    *round.Registry
	bus       eventbus.Bus
	queue     *msgqueue.MessageQueue
	cfg       Config

	commands chan command
	timeouts chan timeoutEvent
	stopped  chan struct{}
	timers   map[string]*roundTimer
	timerGen uint64
	waiters  map[string][]chan *round.Outcome

	mu      sync.RWMutex
	lastDkg *frost.DkgResult
}

func New(t transport.Transport, keys *keyregistry.Registry, bus eventbus.Bus, cfg Config) *Coordinator {
	if cfg.MaxNonceAttempts <= 0 {
		cfg.MaxNonceAttempts = DefaultMaxNonceAttempts
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Coordinator{
		transport: t,
		keys:      keys,
		rounds:    round.NewRegistry(cfg.ArchiveTTL),
		bus:       bus,
		queue:     msgqueue.NewMessageQueue(t.Send, cfg.Queue),
		cfg:       cfg,
		commands:  make(chan command),
		timeouts:  make(chan timeoutEvent, 16),
		stopped:   make(chan struct{}),
		timers:    make(map[string]*roundTimer),
		waiters:   make(map[string][]chan *round.Outcome),
	}
}

// Bus is where round outcomes are published.
func (c *Coordinator) Bus() eventbus.Bus {
	return c.bus
}

// SetDkgResult installs a DKG result, typically restored from storage, as the default
// for later sign rounds.
func (c *Coordinator) SetDkgResult(result *frost.DkgResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDkg = result
}

// DkgResult returns the result of the latest completed DKG, if any.
func (c *Coordinator) DkgResult() *frost.DkgResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDkg
}

// Run processes transport messages, timers and commands until ctx is done or the
// transport closes.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	c.queue.RunMsgEngine(ctx)
	logging.WithField("roster", c.keys.String()).Info("coordinator running")

	for {
		select {
		case <-ctx.Done():
			c.stopTimers()
			return nil
		case cmd := <-c.commands:
			cmd.fn(ctx)
			close(cmd.done)
		case ev := <-c.timeouts:
			c.onTimeout(ctx, ev)
		case env, ok := <-c.transport.Receive():
			if !ok {
				c.stopTimers()
				return transport.ErrClosed
			}
			c.handle(ctx, env)
		}
	}
}

// do runs fn inside the loop and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func(ctx context.Context)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-cmd.done:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// StartDkgRound asks the participants to run a DKG for a threshold counted in key ids.
func (c *Coordinator) StartDkgRound(ctx context.Context, participants []common.SignerID, threshold uint32) (string, error) {
	var id string
	var err error
	if doErr := c.do(ctx, func(loop context.Context) {
		id, err = c.startDkg(loop, participants, threshold)
	}); doErr != nil {
		return "", doErr
	}
	return id, err
}

// StartSignRound asks the participants to sign a 32 byte message. Without any DKG result
// the round first runs its own DKG among the participants.
func (c *Coordinator) StartSignRound(ctx context.Context, message []byte, participants []common.SignerID, opts SignOptions) (string, error) {
	var id string
	var err error
	if doErr := c.do(ctx, func(loop context.Context) {
		id, err = c.startSign(loop, message, participants, opts)
	}); doErr != nil {
		return "", doErr
	}
	return id, err
}

// Cancel aborts an active round and tells the signers. Cancelling a finished round is a
// no-op.
func (c *Coordinator) Cancel(ctx context.Context, roundID, reason string) error {
	var err error
	if doErr := c.do(ctx, func(loop context.Context) {
		err = c.cancel(loop, roundID, reason)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Wait blocks until the round finishes and returns its outcome.
func (c *Coordinator) Wait(ctx context.Context, roundID string) (*round.Outcome, error) {
	ch := make(chan *round.Outcome, 1)
	var err error
	if doErr := c.do(ctx, func(context.Context) {
		if outcome, ok := c.rounds.Archived(roundID); ok {
			ch <- outcome
			return
		}
		if _, ok := c.rounds.Get(roundID); !ok {
			err = errors.Wrap(round.ErrRoundNotFound, roundID)
			return
		}
		c.waiters[roundID] = append(c.waiters[roundID], ch)
	}); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, err
	}
	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, ErrStopped
	}
}

// Outcome returns the archived outcome of a finished round.
func (c *Coordinator) Outcome(roundID string) (*round.Outcome, bool) {
	return c.rounds.Archived(roundID)
}

func (c *Coordinator) handle(ctx context.Context, env *messages.Envelope) {
	r, ok := c.rounds.Get(env.RoundID)
	if !ok {
		fields := logging.Fields{"round": env.RoundID, "sender": env.SenderID, "kind": env.Kind}
		if _, archived := c.rounds.Archived(env.RoundID); archived {
			logging.WithFields(fields).Debug("ignoring late message for finished round")
		} else {
			logging.WithFields(fields).Debug("ignoring message for unknown round")
		}
		return
	}
	if !r.IsParticipant(env.SenderID) {
		c.reject(r, env, ErrUnknownParticipant)
		return
	}
	// acks are deduplicated by their handler since one round can carry several
	if env.Kind != messages.KindAck && !r.MarkSeen(env.Key()) {
		telemetry.IncrementCounter(common.TelemetryConstants.Coordinator.DuplicateMessageCounter, common.TelemetryConstants.Coordinator.Prefix)
		logging.WithFields(logging.Fields{
			"round":  env.RoundID,
			"sender": env.SenderID,
			"kind":   env.Kind,
		}).Debug("duplicate message")
		return
	}

	switch env.Kind {
	case messages.KindDkgShare:
		c.onDkgShare(ctx, r, env)
	case messages.KindAck:
		c.onAck(ctx, r, env)
	case messages.KindNonceCommitment:
		c.onNonce(ctx, r, env)
	case messages.KindSignatureShare:
		c.onSignatureShare(ctx, r, env)
	case messages.KindDkgPrivateShares:
		// addressed to the signers, nothing to check here
	default:
		c.reject(r, env, errors.Errorf("unexpected message kind %s", env.Kind))
	}
}

// reject logs and counts a rejected contribution.
func (c *Coordinator) reject(r *round.SigningRound, env *messages.Envelope, cause error) *ProtocolViolation {
	v := &ProtocolViolation{RoundID: r.ID, SignerID: env.SenderID, Kind: env.Kind, Err: cause}
	telemetry.IncrementCounter(common.TelemetryConstants.Coordinator.RejectedContributionCount, common.TelemetryConstants.Coordinator.Prefix)
	logging.WithFields(logging.Fields{
		"round":   r.ID,
		"sender":  env.SenderID,
		"kind":    env.Kind,
		"attempt": env.Attempt,
		"state":   r.State(),
	}).WithError(cause).Warn("rejected contribution")
	return v
}

func (c *Coordinator) broadcast(ctx context.Context, r *round.SigningRound, kind messages.Kind, payload interface{}) error {
	env, err := messages.New(r.ID, kind, common.CoordinatorID, r.Attempt, payload)
	if err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, env)
}

// fail terminates r with the given event and cause, then archives it.
func (c *Coordinator) fail(ctx context.Context, r *round.SigningRound, event string, cause error, culprits ...common.SignerID) {
	if err := r.Terminate(ctx, event, cause, culprits...); err != nil {
		logging.WithField("round", r.ID).WithError(err).Error("could not terminate round")
		return
	}
	if event != round.EventCancel {
		if err := c.broadcast(ctx, r, messages.KindCancel, messages.Cancel{Reason: cause.Error()}); err != nil {
			logging.WithField("round", r.ID).WithError(err).Warn("could not tell signers to abandon round")
		}
	}
	c.finish(r)
}

// finish archives a done round, publishes its outcome and wakes waiters.
func (c *Coordinator) finish(r *round.SigningRound) {
	c.disarm(r.ID)
	outcome, err := c.rounds.Archive(r.ID)
	if err != nil {
		logging.WithField("round", r.ID).WithError(err).Error("could not archive round")
		return
	}

	prefix := common.TelemetryConstants.Coordinator.Prefix
	switch outcome.State {
	case round.StateTimedOut:
		telemetry.IncrementCounter(common.TelemetryConstants.Coordinator.RoundsTimedOutCounter, prefix)
	case round.StateCancelled:
		telemetry.IncrementCounter(common.TelemetryConstants.Coordinator.RoundsCancelledCounter, prefix)
	case round.StateFailed:
		telemetry.IncrementCounter(common.TelemetryConstants.Coordinator.RoundsFailedCounter, prefix)
	default:
		telemetry.IncrementCounter(common.TelemetryConstants.Coordinator.RoundsCompletedCounter, prefix)
	}
	telemetry.DecrementGauge(common.TelemetryConstants.Coordinator.ActiveRoundsGauge, prefix)
	telemetry.ObserveDuration(common.TelemetryConstants.Coordinator.RoundDurationHistogram, prefix, outcome.FinishedAt.Sub(outcome.StartedAt))

	entry := logging.WithFields(logging.Fields{
		"round":    outcome.RoundID,
		"kind":     outcome.Kind,
		"state":    outcome.State,
		"attempts": outcome.Attempts,
	})
	if outcome.Succeeded() {
		entry.Info("round finished")
	} else {
		entry.WithField("culprits", outcome.Culprits).WithError(outcome.Err()).Warn("round did not complete")
	}

	c.bus.Publish(TopicRoundFinished, outcome)
	for _, ch := range c.waiters[r.ID] {
		ch <- outcome
	}
	delete(c.waiters, r.ID)
}

// arm (re)starts the deadline of the round's current Awaiting state.
func (c *Coordinator) arm(r *round.SigningRound) {
	c.disarm(r.ID)
	c.timerGen++
	gen := c.timerGen
	r.Deadline = time.Now().Add(c.cfg.Timeout)
	id := r.ID
	t := time.AfterFunc(c.cfg.Timeout, func() {
		select {
		case c.timeouts <- timeoutEvent{roundID: id, gen: gen}:
		case <-c.stopped:
		}
	})
	c.timers[id] = &roundTimer{timer: t, gen: gen}
}

func (c *Coordinator) disarm(id string) {
	if rt, ok := c.timers[id]; ok {
		rt.timer.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) stopTimers() {
	for id := range c.timers {
		c.disarm(id)
	}
}

func (c *Coordinator) onTimeout(ctx context.Context, ev timeoutEvent) {
	rt, ok := c.timers[ev.roundID]
	if !ok || rt.gen != ev.gen {
		// stale timer, the round moved on
		return
	}
	delete(c.timers, ev.roundID)
	r, ok := c.rounds.Get(ev.roundID)
	if !ok || r.Done() {
		return
	}
	cause := errors.Wrapf(ErrRoundTimedOut, "in state %s", r.State())
	missing := c.missing(r)
	if c.canSignWithout(r, missing) {
		c.exclude(ctx, r, cause, missing...)
		return
	}
	c.fail(ctx, r, round.EventTimeout, cause, missing...)
}

// canSignWithout reports whether a signing round still reaches its threshold once the
// given signers are dropped.
func (c *Coordinator) canSignWithout(r *round.SigningRound, ids []common.SignerID) bool {
	switch r.State() {
	case round.StateAwaitingNonces, round.StateAwaitingSignatureShares:
	default:
		return false
	}
	if len(ids) == 0 {
		return false
	}
	var remaining []common.SignerID
next:
	for _, id := range c.signingSet(r) {
		for _, out := range ids {
			if id == out {
				continue next
			}
		}
		remaining = append(remaining, id)
	}
	return uint32(c.keys.KeyCount(remaining)) >= r.Sign.Result.Threshold
}

// missing lists the signers the current state is still waiting on.
func (c *Coordinator) missing(r *round.SigningRound) []common.SignerID {
	var out []common.SignerID
	switch r.State() {
	case round.StateAwaitingDkgShares:
		// a dealer that never published stalls every other signer's ack, so only the
		// silent dealers are blamed when there are any
		for _, p := range r.LiveParticipants() {
			if _, ok := r.Dkg.Shares[p]; !ok {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
		for _, p := range r.LiveParticipants() {
			if _, ok := r.Dkg.Ends[p]; !ok {
				out = append(out, p)
			}
		}
	case round.StateAwaitingNonces:
		for _, p := range r.Sign.Participants {
			if _, ok := r.Sign.Nonces[p.SignerID]; !ok {
				out = append(out, p.SignerID)
			}
		}
	case round.StateAwaitingSignatureShares:
		for _, p := range r.Sign.Participants {
			if _, ok := r.Sign.Shares[p.SignerID]; !ok {
				out = append(out, p.SignerID)
			}
		}
	}
	return out
}

func (c *Coordinator) cancel(ctx context.Context, roundID, reason string) error {
	r, ok := c.rounds.Get(roundID)
	if !ok {
		if _, archived := c.rounds.Archived(roundID); archived {
			return nil
		}
		return errors.Wrap(round.ErrRoundNotFound, roundID)
	}
	if err := c.broadcast(ctx, r, messages.KindCancel, messages.Cancel{Reason: reason}); err != nil {
		logging.WithField("round", roundID).WithError(err).Warn("could not tell signers to abandon round")
	}
	c.fail(ctx, r, round.EventCancel, errors.Wrap(ErrRoundCancelled, reason))
	return nil
}

// checkParticipants verifies every participant is in the roster and that together they
// hold at least threshold key ids.
func (c *Coordinator) checkParticipants(participants []common.SignerID, threshold uint32) error {
	if len(participants) == 0 {
		return ErrInsufficientParticipants
	}
	seen := make(map[common.SignerID]struct{}, len(participants))
	for _, p := range participants {
		if _, ok := c.keys.Signer(p); !ok {
			return errors.Wrapf(ErrUnknownParticipant, "%s", p)
		}
		if _, dup := seen[p]; dup {
			return errors.Errorf("participant %s listed twice", p)
		}
		seen[p] = struct{}{}
	}
	if threshold == 0 {
		return frost.ErrInvalidThreshold
	}
	if uint32(c.keys.KeyCount(participants)) < threshold {
		return ErrInsufficientParticipants
	}
	return nil
}

func (c *Coordinator) register(r *round.SigningRound) error {
	if err := c.rounds.Add(r); err != nil {
		return err
	}
	telemetry.IncrementGauge(common.TelemetryConstants.Coordinator.ActiveRoundsGauge, common.TelemetryConstants.Coordinator.Prefix)
	return nil
}
