package coordinator

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/round"
	"github.com/torusresearch/peg-signer/telemetry"
)

func (c *Coordinator) startSign(ctx context.Context, message []byte, participants []common.SignerID, opts SignOptions) (string, error) {
	if len(message) != 32 {
		return "", frost.ErrInvalidMessage
	}
	if opts.Tx != nil && opts.StacksTx != nil {
		return "", errors.Wrap(ErrMessageMismatch, "a round signs either a bitcoin or a stacks transaction")
	}
	var sighash []byte
	var err error
	switch {
	case opts.Tx != nil:
		sighash, err = opts.Tx.Sighash()
	case opts.StacksTx != nil:
		sighash, err = opts.StacksTx.Sighash()
	}
	if err != nil {
		return "", err
	}
	if sighash != nil && !bytes.Equal(sighash, message) {
		return "", ErrMessageMismatch
	}
	result := opts.DkgResult
	if result == nil {
		result = c.DkgResult()
	}
	threshold := c.keys.Threshold()
	if result != nil {
		threshold = result.Threshold
	}
	if err := c.checkParticipants(participants, threshold); err != nil {
		return "", err
	}

	r := round.NewSignRound(round.NewRoundID(), threshold, participants, &round.SignState{
		Message:  message,
		Tweak:    opts.Tweak,
		Tx:       opts.Tx,
		StacksTx: opts.StacksTx,
		Result:   result,
	})
	if err := c.register(r); err != nil {
		return "", err
	}
	telemetry.IncrementCounter(common.TelemetryConstants.Coordinator.SignRoundsStartedCounter, common.TelemetryConstants.Coordinator.Prefix)

	if result == nil {
		logging.WithField("round", r.ID).Info("no dkg result yet, running dkg first")
		if err := c.requestDkg(ctx, r); err != nil {
			return "", err
		}
		return r.ID, nil
	}
	c.startSigning(ctx, r)
	return r.ID, nil
}

// startSigning moves a round with a DKG result to nonce collection.
func (c *Coordinator) startSigning(ctx context.Context, r *round.SigningRound) {
	live := r.LiveParticipants()
	if uint32(c.keys.KeyCount(live)) < r.Sign.Result.Threshold {
		c.fail(ctx, r, round.EventFail, ErrInsufficientParticipants)
		return
	}
	participants, err := c.keys.Participants(live)
	if err != nil {
		c.fail(ctx, r, round.EventFail, err)
		return
	}
	r.Sign.Participants = participants
	if err := r.Transition(ctx, round.EventStartSign); err != nil {
		logging.WithField("round", r.ID).WithError(err).Error("could not start signing")
		return
	}
	c.requestNonces(ctx, r)
}

func (c *Coordinator) signingSet(r *round.SigningRound) []common.SignerID {
	ids := make([]common.SignerID, len(r.Sign.Participants))
	for i, p := range r.Sign.Participants {
		ids[i] = p.SignerID
	}
	return ids
}

func (c *Coordinator) isSigner(r *round.SigningRound, id common.SignerID) bool {
	for _, p := range r.Sign.Participants {
		if p.SignerID == id {
			return true
		}
	}
	return false
}

func (c *Coordinator) requestNonces(ctx context.Context, r *round.SigningRound) {
	c.arm(r)
	err := c.broadcast(ctx, r, messages.KindNonceRequest, messages.NonceRequest{
		Participants: c.signingSet(r),
		GroupKey:     r.Sign.Result.GroupKey,
	})
	if err != nil {
		c.fail(ctx, r, round.EventFail, errors.Wrap(err, "could not send nonce request"))
		return
	}
	logging.WithFields(logging.Fields{
		"round":   r.ID,
		"attempt": r.Attempt,
	}).Debug("nonce request sent")
}

// onNonce collects nonce commitments of the current attempt. A malformed commitment
// excludes its sender, the others carry on when they still reach the threshold.
func (c *Coordinator) onNonce(ctx context.Context, r *round.SigningRound, env *messages.Envelope) {
	if r.State() != round.StateAwaitingNonces || env.Attempt != r.Attempt {
		logging.WithFields(logging.Fields{
			"round":   r.ID,
			"sender":  env.SenderID,
			"attempt": env.Attempt,
			"current": r.Attempt,
		}).Debug("ignoring stale nonce commitment")
		return
	}
	if !c.isSigner(r, env.SenderID) {
		c.reject(r, env, ErrUnknownParticipant)
		return
	}
	var payload messages.NonceCommitment
	err := env.Decode(&payload)
	if err == nil && (payload.Commitment == nil || payload.Commitment.SignerID != env.SenderID) {
		err = ErrInvalidNonceCommitment
	}
	if err == nil {
		err = payload.Commitment.Validate()
	}
	if err != nil {
		v := c.reject(r, env, wrapCause(ErrInvalidNonceCommitment, err))
		c.exclude(ctx, r, v, env.SenderID)
		return
	}
	r.Sign.Nonces[env.SenderID] = payload.Commitment
	c.noncesCollected(ctx, r)
}

// noncesCollected builds the signing package once every signer of the attempt sent its
// commitment. An odd aggregate nonce starts a new attempt, up to MaxNonceAttempts.
func (c *Coordinator) noncesCollected(ctx context.Context, r *round.SigningRound) {
	if len(r.Sign.Nonces) < len(r.Sign.Participants) {
		return
	}
	commitments := make([]*frost.NonceCommitment, 0, len(r.Sign.Nonces))
	for _, id := range c.signingSet(r) {
		commitments = append(commitments, r.Sign.Nonces[id])
	}
	pkg := &frost.SigningPackage{
		Message:      r.Sign.Message,
		Participants: r.Sign.Participants,
		Commitments:  commitments,
		Tweak:        r.Sign.Tweak,
	}
	groupKey, err := r.Sign.Result.PublicKey()
	if err != nil {
		c.fail(ctx, r, round.EventFail, err)
		return
	}
	session, err := frost.NewSession(groupKey, r.Sign.Result.Threshold, pkg)
	if err != nil {
		// every commitment was validated on arrival
		c.fail(ctx, r, round.EventFail, wrapCause(ErrInvalidNonceCommitment, err))
		return
	}
	if !session.NonceIsEven() {
		r.Sign.OddNonces++
		if r.Sign.OddNonces >= c.cfg.MaxNonceAttempts {
			c.fail(ctx, r, round.EventFail, ErrNonceParityExhausted)
			return
		}
		telemetry.IncrementCounter(common.TelemetryConstants.Coordinator.NonceRetryCounter, common.TelemetryConstants.Coordinator.Prefix)
		logging.WithFields(logging.Fields{
			"round":   r.ID,
			"attempt": r.Attempt,
		}).Info("aggregate nonce is odd, collecting new nonces")
		r.NewAttempt()
		c.requestNonces(ctx, r)
		return
	}

	r.Sign.Package = pkg
	r.Sign.Session = session
	if err := r.Transition(ctx, round.EventNoncesCollected); err != nil {
		logging.WithField("round", r.ID).WithError(err).Error("could not move to signature collection")
		return
	}
	c.arm(r)
	err = c.broadcast(ctx, r, messages.KindSignRequest, messages.SignRequest{Package: pkg, Tx: r.Sign.Tx, StacksTx: r.Sign.StacksTx})
	if err != nil {
		c.fail(ctx, r, round.EventFail, errors.Wrap(err, "could not send sign request"))
	}
}

// onSignatureShare verifies a share before accepting it. The signing set is fixed by the
// nonce commitments, so a bad share excludes its signer and restarts nonce collection
// with the others.
func (c *Coordinator) onSignatureShare(ctx context.Context, r *round.SigningRound, env *messages.Envelope) {
	if r.State() != round.StateAwaitingSignatureShares || env.Attempt != r.Attempt {
		return
	}
	if !c.isSigner(r, env.SenderID) {
		c.reject(r, env, ErrUnknownParticipant)
		return
	}
	var payload messages.SignatureShare
	err := env.Decode(&payload)
	if err == nil && (payload.Share == nil || payload.Share.SignerID != env.SenderID) {
		err = ErrInvalidSignatureShare
	}
	if err == nil {
		var publicShares map[common.KeyID]*btcec.JacobianPoint
		publicShares, err = r.Sign.Result.PublicShares(c.keys.KeyIDs([]common.SignerID{env.SenderID}))
		if err == nil {
			err = r.Sign.Session.VerifyShare(payload.Share, publicShares)
		}
	}
	if err != nil {
		v := c.reject(r, env, wrapCause(ErrInvalidSignatureShare, err))
		c.exclude(ctx, r, v, env.SenderID)
		return
	}
	r.Sign.Shares[env.SenderID] = payload.Share
	if len(r.Sign.Shares) < len(r.Sign.Participants) {
		return
	}

	shares := make([]*frost.SignatureShare, 0, len(r.Sign.Shares))
	for _, id := range c.signingSet(r) {
		shares = append(shares, r.Sign.Shares[id])
	}
	sig, err := r.Sign.Session.Aggregate(shares)
	if err != nil {
		c.fail(ctx, r, round.EventFail, err)
		return
	}
	r.Sign.Signature = sig
	if err := r.Transition(ctx, round.EventSignDone); err != nil {
		logging.WithField("round", r.ID).WithError(err).Error("could not complete signing")
		return
	}
	c.finish(r)
}

// exclude drops signers that sent a bad contribution or none at all. The round goes on
// with the rest when they still hold threshold key ids and fails otherwise. Nonces
// already collected stay valid, a signing package that named the excluded signers does
// not, so signature collection restarts with a new nonce attempt.
func (c *Coordinator) exclude(ctx context.Context, r *round.SigningRound, cause error, ids ...common.SignerID) {
	for _, id := range ids {
		if r.ExcludeSigner(id, cause) {
			telemetry.IncrementCounter(common.TelemetryConstants.Coordinator.ExcludedSignerCounter, common.TelemetryConstants.Coordinator.Prefix)
		}
		delete(r.Sign.Nonces, id)
	}
	remaining := c.signingSet(r)
	if uint32(c.keys.KeyCount(remaining)) < r.Sign.Result.Threshold {
		c.fail(ctx, r, round.EventFail, errors.Wrapf(ErrInsufficientParticipants, "after excluding %v: %v", ids, cause))
		return
	}
	logging.WithFields(logging.Fields{
		"round":     r.ID,
		"attempt":   r.Attempt,
		"state":     r.State(),
		"excluded":  ids,
		"remaining": remaining,
	}).WithError(cause).Warn("excluding signers from the round")

	switch r.State() {
	case round.StateAwaitingNonces:
		c.noncesCollected(ctx, r)
	case round.StateAwaitingSignatureShares:
		if err := r.Transition(ctx, round.EventRestartNonces); err != nil {
			c.fail(ctx, r, round.EventFail, err)
			return
		}
		r.NewAttempt()
		c.requestNonces(ctx, r)
	}
}

// wrapCause keeps sentinel as the cause and adds err's text unless it says the same.
func wrapCause(sentinel, err error) error {
	if err == sentinel || err.Error() == sentinel.Error() {
		return sentinel
	}
	return errors.Wrap(sentinel, err.Error())
}
