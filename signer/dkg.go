package signer

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"
	"github.com/torusresearch/bijson"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/secp256k1"
	"github.com/torusresearch/peg-signer/telemetry"
)

func contains(ids []common.SignerID, id common.SignerID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (s *Signer) onDkgRequest(ctx context.Context, env *messages.Envelope) {
	telemetry.IncrementCounter(common.TelemetryConstants.Signer.DkgRequestCounter, common.TelemetryConstants.Signer.Prefix)
	if s.isFinished(env.RoundID) {
		return
	}
	if _, ok := s.rounds[env.RoundID]; ok {
		return
	}
	var req messages.DkgRequest
	if err := env.Decode(&req); err != nil {
		s.log(env).WithError(err).Warn("malformed dkg request")
		return
	}
	if !contains(req.Participants, s.id) {
		s.closeRound(env.RoundID)
		return
	}
	for _, p := range req.Participants {
		if _, ok := s.keys.Signer(p); !ok {
			s.log(env).WithField("participant", p).Warn("dkg request names an unknown signer")
			s.closeRound(env.RoundID)
			return
		}
	}
	if req.Threshold == 0 || int(req.Threshold) > s.keys.KeyCount(req.Participants) {
		s.log(env).WithField("threshold", req.Threshold).Warn("dkg request threshold out of range")
		s.closeRound(env.RoundID)
		return
	}

	rs := newRoundState(env.RoundID)
	rs.dkg = &dkgState{
		threshold:     req.Threshold,
		participants:  common.SortSignerIDs(append([]common.SignerID(nil), req.Participants...)),
		commitments:   make(map[common.SignerID][]*frost.PolyCommitment),
		excluded:      make(map[common.SignerID]error),
		private:       make(map[common.SignerID][]frost.DealtShare),
		undecryptable: make(map[common.SignerID]error),
	}
	if err := rs.fire(eventDkgRequest); err != nil {
		s.log(env).WithError(err).Error("could not start dkg")
		return
	}
	s.rounds[env.RoundID] = rs

	if err := s.deal(ctx, env, rs); err != nil {
		s.log(env).WithError(err).Error("could not deal dkg shares")
		_ = rs.fire(eventAbort)
		s.closeRound(env.RoundID)
		return
	}
	s.replay(ctx, env.RoundID)
	s.tryFinishDkg(ctx, rs, env.Attempt)
}

// deal creates one polynomial per owned key id, publishes the commitments and sends
// every other participant its encrypted evaluations. The polynomials are zeroed before
// returning.
func (s *Signer) deal(ctx context.Context, env *messages.Envelope, rs *roundState) error {
	dkgCtx := []byte(rs.id)
	me, _ := s.keys.Signer(s.id)
	defer func() {
		for _, d := range rs.dkg.dealers {
			d.Zeroize()
		}
		rs.dkg.dealers = nil
	}()

	commitments := make([]*frost.PolyCommitment, 0, len(me.KeyIDs))
	for _, k := range me.KeyIDs {
		d, err := frost.NewDealer(k, rs.dkg.threshold)
		if err != nil {
			return err
		}
		rs.dkg.dealers = append(rs.dkg.dealers, d)
		c, err := d.Commitment(dkgCtx)
		if err != nil {
			return err
		}
		commitments = append(commitments, c)
	}

	var sealed []messages.SealedShares
	for _, p := range rs.dkg.participants {
		recipient, _ := s.keys.Signer(p)
		dealt := s.dealTo(rs, recipient.KeyIDs)
		if p == s.id {
			rs.dkg.private[s.id] = dealt
			continue
		}
		plaintext, err := bijson.Marshal(dealt)
		if err != nil {
			return err
		}
		wipeShares(dealt)
		ciphertext, err := frost.SealShares(s.key, recipient.PublicKey, dkgCtx, plaintext)
		for i := range plaintext {
			plaintext[i] = 0
		}
		if err != nil {
			return err
		}
		sealed = append(sealed, messages.SealedShares{To: p, Ciphertext: ciphertext})
	}
	rs.dkg.commitments[s.id] = commitments

	s.send(ctx, rs.id, messages.KindDkgShare, env.Attempt, messages.DkgShare{Commitments: commitments})
	s.send(ctx, rs.id, messages.KindDkgPrivateShares, env.Attempt, messages.DkgPrivateShares{Shares: sealed})
	return nil
}

func (s *Signer) dealTo(rs *roundState, to []common.KeyID) []frost.DealtShare {
	out := make([]frost.DealtShare, 0, len(to)*len(rs.dkg.dealers))
	for _, d := range rs.dkg.dealers {
		for _, k := range to {
			v := d.Share(k)
			out = append(out, frost.DealtShare{From: d.KeyID, To: k, Value: secp256k1.ScalarBytes(v)})
			v.Zero()
		}
	}
	return out
}

func wipeShares(list []frost.DealtShare) {
	for _, share := range list {
		for i := range share.Value {
			share.Value[i] = 0
		}
	}
}

// dkgRound returns the DKG state a peer message belongs to, buffering the message when
// the coordinator's request has not arrived yet.
func (s *Signer) dkgRound(env *messages.Envelope) (*roundState, bool) {
	if s.isFinished(env.RoundID) {
		return nil, false
	}
	rs, ok := s.rounds[env.RoundID]
	if !ok {
		s.buffer(env)
		return nil, false
	}
	if rs.dkg == nil || rs.state() != StateGeneratingDkgShare {
		return nil, false
	}
	if !contains(rs.dkg.participants, env.SenderID) {
		s.log(env).Warn("dkg message from a non participant")
		return nil, false
	}
	return rs, true
}

// checkDealer applies the same deterministic checks as the coordinator so every honest
// party excludes the same dealers.
func (s *Signer) checkDealer(rs *roundState, sender common.SignerID, commitments []*frost.PolyCommitment) error {
	owned := s.keys.KeyIDs([]common.SignerID{sender})
	if len(commitments) != len(owned) {
		return errors.Errorf("expected %d commitments, got %d", len(owned), len(commitments))
	}
	got := make([]common.KeyID, 0, len(commitments))
	for _, c := range commitments {
		if c == nil {
			return frost.ErrInvalidCommitment
		}
		got = append(got, c.KeyID)
	}
	common.SortKeyIDs(got)
	for i := range owned {
		if owned[i] != got[i] {
			return frost.ErrUnknownKeyID
		}
	}
	for _, c := range commitments {
		if err := c.Validate(rs.dkg.threshold, []byte(rs.id)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Signer) onDkgShare(ctx context.Context, env *messages.Envelope) {
	rs, ok := s.dkgRound(env)
	if !ok {
		return
	}
	if _, done := rs.dkg.commitments[env.SenderID]; done {
		return
	}
	if _, done := rs.dkg.excluded[env.SenderID]; done {
		return
	}
	var share messages.DkgShare
	err := env.Decode(&share)
	if err == nil {
		err = s.checkDealer(rs, env.SenderID, share.Commitments)
	}
	if err != nil {
		s.log(env).WithError(err).Warn("excluding dealer with invalid commitments")
		rs.dkg.excluded[env.SenderID] = err
		if secrets, ok := rs.dkg.private[env.SenderID]; ok {
			wipeShares(secrets)
			delete(rs.dkg.private, env.SenderID)
		}
	} else {
		rs.dkg.commitments[env.SenderID] = share.Commitments
	}
	s.tryFinishDkg(ctx, rs, env.Attempt)
}

func (s *Signer) onDkgPrivateShares(ctx context.Context, env *messages.Envelope) {
	rs, ok := s.dkgRound(env)
	if !ok {
		return
	}
	if _, done := rs.dkg.private[env.SenderID]; done {
		return
	}
	if _, excluded := rs.dkg.excluded[env.SenderID]; excluded {
		return
	}
	var payload messages.DkgPrivateShares
	if err := env.Decode(&payload); err != nil {
		rs.dkg.undecryptable[env.SenderID] = err
		s.tryFinishDkg(ctx, rs, env.Attempt)
		return
	}
	for _, sealed := range payload.Shares {
		if sealed.To != s.id {
			continue
		}
		dealt, err := s.open(rs, env.SenderID, sealed.Ciphertext)
		if err != nil {
			rs.dkg.undecryptable[env.SenderID] = err
		} else {
			rs.dkg.private[env.SenderID] = dealt
		}
		s.tryFinishDkg(ctx, rs, env.Attempt)
		return
	}
	rs.dkg.undecryptable[env.SenderID] = errors.New("no shares addressed to this signer")
	s.tryFinishDkg(ctx, rs, env.Attempt)
}

func (s *Signer) open(rs *roundState, dealer common.SignerID, ciphertext []byte) ([]frost.DealtShare, error) {
	sender, ok := s.keys.Signer(dealer)
	if !ok {
		return nil, errors.Errorf("unknown dealer %s", dealer)
	}
	plaintext, err := frost.OpenShares(s.key, sender.PublicKey, []byte(rs.id), ciphertext)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()
	var dealt []frost.DealtShare
	if err := bijson.Unmarshal(plaintext, &dealt); err != nil {
		return nil, err
	}
	return dealt, nil
}

// tryFinishDkg completes the DKG once every live dealer delivered commitments and private
// shares. Each private share is checked against its dealer's commitment, any mismatch
// is reported to the coordinator instead of finishing.
func (s *Signer) tryFinishDkg(ctx context.Context, rs *roundState, attempt uint32) {
	var live []common.SignerID
	for _, p := range rs.dkg.participants {
		if _, out := rs.dkg.excluded[p]; out {
			continue
		}
		live = append(live, p)
		if _, ok := rs.dkg.commitments[p]; !ok {
			return
		}
		_, ok := rs.dkg.private[p]
		_, bad := rs.dkg.undecryptable[p]
		if !ok && !bad {
			return
		}
	}
	if uint32(s.keys.KeyCount(live)) < rs.dkg.threshold {
		logging.WithFields(logging.Fields{"signer": s.id, "round": rs.id}).Warn("too few dealers left, abandoning dkg")
		_ = rs.fire(eventAbort)
		s.closeRound(rs.id)
		return
	}

	me, _ := s.keys.Signer(s.id)
	sums := make(map[common.KeyID]*btcec.ModNScalar, len(me.KeyIDs))
	for _, k := range me.KeyIDs {
		sums[k] = new(btcec.ModNScalar)
	}
	var badDealers []common.SignerID
	var all []*frost.PolyCommitment
	for _, p := range live {
		all = append(all, rs.dkg.commitments[p]...)
		if err := s.accumulate(sums, me.KeyIDs, rs.dkg.commitments[p], rs.dkg.private[p], rs.dkg.undecryptable[p]); err != nil {
			logging.WithFields(logging.Fields{"signer": s.id, "round": rs.id, "dealer": p}).WithError(err).Warn("invalid private shares")
			badDealers = append(badDealers, p)
		}
	}

	if len(badDealers) > 0 {
		for _, x := range sums {
			x.Zero()
		}
		telemetry.IncrementCounter(common.TelemetryConstants.Signer.InvalidPrivateShareCounter, common.TelemetryConstants.Signer.Prefix)
		s.ack(ctx, rs.id, attempt, messages.Ack{
			Status:     messages.AckDkgFailed,
			Reason:     frost.ErrInvalidShare.Error(),
			BadDealers: badDealers,
		})
		_ = rs.fire(eventAbort)
		s.closeRound(rs.id)
		return
	}

	result, err := frost.NewDkgResult(rs.dkg.threshold, all)
	if err != nil {
		logging.WithFields(logging.Fields{"signer": s.id, "round": rs.id}).WithError(err).Error("could not derive group key")
		_ = rs.fire(eventAbort)
		s.closeRound(rs.id)
		return
	}
	s.storeKeyShares(&KeyShares{GroupKey: result.GroupKey, Threshold: rs.dkg.threshold, Shares: sums})
	if err := rs.fire(eventDkgEnd); err != nil {
		logging.WithField("round", rs.id).WithError(err).Error("could not end dkg")
	}
	rs.wipe()
	rs.dkg = nil
	// the round may continue with signing, it is not marked finished
	delete(s.rounds, rs.id)

	logging.WithFields(logging.Fields{"signer": s.id, "round": rs.id}).Info("dkg complete")
	s.ack(ctx, rs.id, attempt, messages.Ack{Status: messages.AckDkgEnd, GroupKey: result.GroupKey})
}

// accumulate verifies one dealer's shares for our key ids and adds them to sums.
func (s *Signer) accumulate(sums map[common.KeyID]*btcec.ModNScalar, mine []common.KeyID, commitments []*frost.PolyCommitment, dealt []frost.DealtShare, openErr error) error {
	if openErr != nil {
		return openErr
	}
	byKey := make(map[common.KeyID]*frost.PolyCommitment, len(commitments))
	for _, c := range commitments {
		byKey[c.KeyID] = c
	}
	type pair struct{ from, to common.KeyID }
	got := make(map[pair]*btcec.ModNScalar, len(dealt))
	for _, d := range dealt {
		if _, ok := byKey[d.From]; !ok {
			return frost.ErrUnknownKeyID
		}
		v, err := secp256k1.ScalarFromBytes(d.Value)
		if err != nil {
			return frost.ErrInvalidShare
		}
		got[pair{d.From, d.To}] = v
	}
	if len(got) != len(commitments)*len(mine) {
		return frost.ErrInvalidShare
	}
	for _, k := range mine {
		for from, c := range byKey {
			v, ok := got[pair{from, k}]
			if !ok {
				return frost.ErrInvalidShare
			}
			if err := frost.VerifyPrivateShare(v, k, c); err != nil {
				return err
			}
		}
	}
	for p, v := range got {
		sums[p.to].Add(v)
		v.Zero()
	}
	return nil
}
