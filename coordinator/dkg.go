package coordinator

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/round"
	"github.com/torusresearch/peg-signer/telemetry"
)

func (c *Coordinator) startDkg(ctx context.Context, participants []common.SignerID, threshold uint32) (string, error) {
	if err := c.checkParticipants(participants, threshold); err != nil {
		return "", err
	}
	r := round.NewDkgRound(round.NewRoundID(), threshold, participants)
	if err := c.register(r); err != nil {
		return "", err
	}
	telemetry.IncrementCounter(common.TelemetryConstants.Coordinator.DkgRoundsStartedCounter, common.TelemetryConstants.Coordinator.Prefix)
	if err := c.requestDkg(ctx, r); err != nil {
		return "", err
	}
	return r.ID, nil
}

func (c *Coordinator) requestDkg(ctx context.Context, r *round.SigningRound) error {
	if err := r.Transition(ctx, round.EventStartDkg); err != nil {
		return err
	}
	c.arm(r)
	err := c.broadcast(ctx, r, messages.KindDkgRequest, messages.DkgRequest{
		Threshold:    r.Dkg.Threshold,
		Participants: r.Participants,
	})
	if err != nil {
		c.fail(ctx, r, round.EventFail, errors.Wrap(err, "could not send dkg request"))
		return err
	}
	logging.WithFields(logging.Fields{
		"round":        r.ID,
		"threshold":    r.Dkg.Threshold,
		"participants": r.Participants,
	}).Info("dkg round started")
	return nil
}

// checkDealer validates a dealer's commitments: one per owned key id, each of degree
// threshold-1 with a valid proof bound to the round.
func (c *Coordinator) checkDealer(r *round.SigningRound, sender common.SignerID, share *messages.DkgShare) error {
	owned := c.keys.KeyIDs([]common.SignerID{sender})
	if len(share.Commitments) != len(owned) {
		return errors.Errorf("expected %d commitments, got %d", len(owned), len(share.Commitments))
	}
	got := make([]common.KeyID, 0, len(share.Commitments))
	for _, pc := range share.Commitments {
		if pc == nil {
			return frost.ErrInvalidCommitment
		}
		got = append(got, pc.KeyID)
	}
	common.SortKeyIDs(got)
	for i := range owned {
		if owned[i] != got[i] {
			return errors.Wrapf(frost.ErrUnknownKeyID, "%s is not owned by %s", got[i], sender)
		}
	}
	for _, pc := range share.Commitments {
		if err := pc.Validate(r.Dkg.Threshold, []byte(r.ID)); err != nil {
			return errors.Wrapf(err, "commitment for %s", pc.KeyID)
		}
	}
	return nil
}

// onDkgShare accepts or rejects a dealer's public commitments. A rejected dealer is
// excluded from the round, which continues as long as the remaining dealers hold at
// least threshold key ids.
func (c *Coordinator) onDkgShare(ctx context.Context, r *round.SigningRound, env *messages.Envelope) {
	if r.State() != round.StateAwaitingDkgShares {
		logging.WithFields(logging.Fields{"round": r.ID, "sender": env.SenderID, "state": r.State()}).Debug("dkg share outside dkg phase")
		return
	}
	if _, excluded := r.Dkg.Excluded[env.SenderID]; excluded {
		return
	}
	var share messages.DkgShare
	err := env.Decode(&share)
	if err == nil {
		err = c.checkDealer(r, env.SenderID, &share)
	}
	if err != nil {
		c.reject(r, env, err)
		r.Dkg.Excluded[env.SenderID] = err
		delete(r.Dkg.Ends, env.SenderID)
		r.Culprits = append(r.Culprits, env.SenderID)
		if uint32(c.keys.KeyCount(r.LiveParticipants())) < r.Dkg.Threshold {
			c.fail(ctx, r, round.EventFail, ErrInsufficientParticipants)
			return
		}
		c.maybeCompleteDkg(ctx, r)
		return
	}
	r.Dkg.Shares[env.SenderID] = share.Commitments
	c.maybeCompleteDkg(ctx, r)
}

func (c *Coordinator) onAck(ctx context.Context, r *round.SigningRound, env *messages.Envelope) {
	var ack messages.Ack
	if err := env.Decode(&ack); err != nil {
		c.reject(r, env, err)
		return
	}
	fields := logging.Fields{"round": r.ID, "sender": env.SenderID, "status": ack.Status}
	switch ack.Status {
	case messages.AckDkgEnd:
		if r.State() != round.StateAwaitingDkgShares {
			return
		}
		if _, excluded := r.Dkg.Excluded[env.SenderID]; excluded {
			return
		}
		if _, dup := r.Dkg.Ends[env.SenderID]; dup {
			return
		}
		r.Dkg.Ends[env.SenderID] = ack.GroupKey
		c.maybeCompleteDkg(ctx, r)
	case messages.AckDkgFailed:
		if r.State() != round.StateAwaitingDkgShares {
			return
		}
		logging.WithFields(fields).WithField("bad_dealers", ack.BadDealers).Warn("signer reported bad private shares")
		c.fail(ctx, r, round.EventFail, errors.Wrap(ErrDkgFailed, ack.Reason), ack.BadDealers...)
	case messages.AckRefused:
		if r.Kind != common.RoundKindSign || env.Attempt != r.Attempt {
			return
		}
		c.fail(ctx, r, round.EventFail, errors.Wrap(ErrSigningRefused, ack.Reason), env.SenderID)
	case messages.AckCancelled:
		logging.WithFields(fields).Debug("signer abandoned round")
	default:
		c.reject(r, env, errors.Errorf("unknown ack status %q", ack.Status))
	}
}

// maybeCompleteDkg finishes the DKG once every live participant delivered its
// commitments and a matching group key.
func (c *Coordinator) maybeCompleteDkg(ctx context.Context, r *round.SigningRound) {
	live := r.LiveParticipants()
	var commitments []*frost.PolyCommitment
	for _, p := range live {
		shares, ok := r.Dkg.Shares[p]
		if !ok {
			return
		}
		if _, ok := r.Dkg.Ends[p]; !ok {
			return
		}
		commitments = append(commitments, shares...)
	}
	result, err := frost.NewDkgResult(r.Dkg.Threshold, commitments)
	if err != nil {
		c.fail(ctx, r, round.EventFail, errors.Wrap(err, "could not aggregate dkg"))
		return
	}
	var mismatched []common.SignerID
	for _, p := range live {
		if !bytes.Equal(r.Dkg.Ends[p], result.GroupKey) {
			mismatched = append(mismatched, p)
		}
	}
	if len(mismatched) > 0 {
		c.fail(ctx, r, round.EventFail, ErrGroupKeyMismatch, mismatched...)
		return
	}

	r.Dkg.Result = result
	if err := r.Transition(ctx, round.EventDkgDone); err != nil {
		logging.WithField("round", r.ID).WithError(err).Error("could not complete dkg")
		return
	}
	c.SetDkgResult(result)
	logging.WithFields(logging.Fields{
		"round":     r.ID,
		"group_key": hex.EncodeToString(result.GroupKey),
		"excluded":  len(r.Dkg.Excluded),
	}).Info("dkg complete")

	if r.Kind == common.RoundKindDKG {
		c.finish(r)
		return
	}
	r.Sign.Result = result
	c.startSigning(ctx, r)
}
