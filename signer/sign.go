package signer

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/stacks"
	"github.com/torusresearch/peg-signer/telemetry"
)

var (
	errNoNonce          = errors.New("no nonce was generated for this round")
	errStaleAttempt     = errors.New("request does not match the current nonce attempt")
	errAlreadySigned    = errors.New("a signature share was already produced for this attempt")
	errRawMessage       = errors.New("raw message signing is disabled")
	errSighashMismatch  = errors.New("message does not match the transaction sighash")
	errParticipantsKeys = errors.New("participant key ids do not match the roster")
	errStacksFunction   = errors.New("stacks contract function is not allowed")
	errWalletKey        = errors.New("wallet registration is not for the signing group key")
)

func (s *Signer) onNonceRequest(ctx context.Context, env *messages.Envelope) {
	telemetry.IncrementCounter(common.TelemetryConstants.Signer.NonceRequestCounter, common.TelemetryConstants.Signer.Prefix)
	if s.isFinished(env.RoundID) || s.signedAttempt(env.RoundID, env.Attempt) {
		return
	}
	var req messages.NonceRequest
	if err := env.Decode(&req); err != nil {
		s.log(env).WithError(err).Warn("malformed nonce request")
		return
	}
	if !contains(req.Participants, s.id) {
		return
	}
	if _, ok := s.KeyShares(req.GroupKey); !ok {
		s.refuse(ctx, env, ErrUnknownGroupKey)
		return
	}

	rs, ok := s.rounds[env.RoundID]
	if !ok {
		rs = newRoundState(env.RoundID)
		s.rounds[env.RoundID] = rs
	}
	if rs.dkg != nil {
		s.log(env).Warn("nonce request while the round is still dealing")
		return
	}
	if rs.sign == nil {
		rs.sign = &signState{signed: make(map[uint32]struct{})}
	}
	if rs.sign.nonce != nil && env.Attempt <= rs.sign.attempt {
		// an older or repeated attempt, the current nonce stays
		return
	}
	if err := rs.fire(eventNonceReq); err != nil {
		s.log(env).WithError(err).Warn("unexpected nonce request")
		return
	}
	if rs.sign.nonce != nil {
		rs.sign.nonce.Zeroize()
		rs.sign.nonce = nil
	}
	nonce, err := frost.NewNonce()
	if err != nil {
		s.log(env).WithError(err).Error("could not generate nonce")
		_ = rs.fire(eventAbort)
		return
	}
	rs.sign.nonce = nonce
	rs.sign.attempt = env.Attempt
	rs.sign.groupKey = hex.EncodeToString(req.GroupKey)

	s.send(ctx, env.RoundID, messages.KindNonceCommitment, env.Attempt, messages.NonceCommitment{Commitment: nonce.Commitment(s.id)})
	if err := rs.fire(eventNonceSent); err != nil {
		s.log(env).WithError(err).Error("could not record sent nonce")
	}
}

func (s *Signer) onSignRequest(ctx context.Context, env *messages.Envelope) {
	telemetry.IncrementCounter(common.TelemetryConstants.Signer.SignRequestCounter, common.TelemetryConstants.Signer.Prefix)
	if s.isFinished(env.RoundID) || s.signedAttempt(env.RoundID, env.Attempt) {
		s.refuse(ctx, env, frost.ErrNonceReused)
		return
	}
	rs, ok := s.rounds[env.RoundID]
	if !ok || rs.sign == nil || rs.sign.nonce == nil {
		s.refuse(ctx, env, errNoNonce)
		return
	}
	if _, done := rs.sign.signed[env.Attempt]; done {
		s.refuse(ctx, env, errAlreadySigned)
		return
	}
	if env.Attempt != rs.sign.attempt || rs.state() != StateAwaitingSignRequest {
		s.refuse(ctx, env, errStaleAttempt)
		return
	}
	if err := rs.fire(eventSignRequest); err != nil {
		s.refuse(ctx, env, err)
		return
	}

	share, err := s.signShare(rs, env)
	if err != nil {
		rs.sign.nonce.Zeroize()
		rs.sign.nonce = nil
		_ = rs.fire(eventAbort)
		s.refuse(ctx, env, err)
		return
	}
	rs.sign.signed[env.Attempt] = struct{}{}
	s.send(ctx, env.RoundID, messages.KindSignatureShare, env.Attempt, messages.SignatureShare{Share: share})
	if err := rs.fire(eventShareSent); err != nil {
		s.log(env).WithError(err).Error("could not record sent share")
	}
	s.log(env).Info("signature share sent")
	s.closeAttempt(env.RoundID, env.Attempt)
}

// signShare validates the request and produces the share. The nonce is consumed by any
// call that reaches frost.Session.Sign.
func (s *Signer) signShare(rs *roundState, env *messages.Envelope) (*frost.SignatureShare, error) {
	var req messages.SignRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	pkg := req.Package
	if pkg == nil {
		return nil, errors.New("sign request carries no signing package")
	}
	groupKey, err := hex.DecodeString(rs.sign.groupKey)
	if err != nil {
		return nil, err
	}
	ks, ok := s.KeyShares(groupKey)
	if !ok {
		return nil, ErrUnknownGroupKey
	}
	if err := s.checkMessage(pkg, &req, ks.GroupKey); err != nil {
		return nil, err
	}
	if err := s.checkParticipants(pkg.Participants); err != nil {
		return nil, err
	}
	pub, err := btcec.ParsePubKey(ks.GroupKey)
	if err != nil {
		return nil, err
	}
	session, err := frost.NewSession(pub, ks.Threshold, pkg)
	if err != nil {
		return nil, err
	}
	return session.Sign(s.id, ks.Shares, rs.sign.nonce)
}

// checkMessage recomputes the sighash when a transaction context is attached and
// enforces the sighash type fixed for the transaction's flow.
func (s *Signer) checkMessage(pkg *frost.SigningPackage, req *messages.SignRequest, groupKey []byte) error {
	tx := req.Tx
	if tx != nil && req.StacksTx != nil {
		return errSighashMismatch
	}
	if req.StacksTx != nil {
		return s.checkStacksTx(pkg, req.StacksTx, groupKey)
	}
	if tx == nil {
		if !s.cfg.AllowRawMessages {
			return errRawMessage
		}
		return nil
	}
	if err := s.cfg.Policy.Check(tx.Kind, txscript.SigHashType(tx.HashType)); err != nil {
		return err
	}
	sighash, err := tx.Sighash()
	if err != nil {
		return err
	}
	if !bytes.Equal(sighash, pkg.Message) {
		return errSighashMismatch
	}
	return nil
}

// checkStacksTx only approves calls of allowed peg contract functions. Registering a peg
// wallet is only approved for the key being signed with.
func (s *Signer) checkStacksTx(pkg *frost.SigningPackage, stx *messages.StacksTxContext, groupKey []byte) error {
	tx, err := stx.Transaction()
	if err != nil {
		return err
	}
	sighash, err := tx.SigHash()
	if err != nil {
		return err
	}
	if !bytes.Equal(sighash, pkg.Message) {
		return errSighashMismatch
	}
	if _, ok := s.cfg.StacksFunctions[tx.Call.FunctionName]; !ok {
		return errors.Wrap(errStacksFunction, tx.Call.FunctionName)
	}
	if tx.Call.FunctionName == stacks.FunctionSetBitcoinWallet {
		if len(tx.Call.Args) != 1 {
			return errors.Wrap(errStacksFunction, "wallet registration takes one argument")
		}
		key, err := tx.Call.Args[0].Buffer()
		if err != nil || len(groupKey) != 33 || !bytes.Equal(key, groupKey[1:]) {
			return errWalletKey
		}
	}
	return nil
}

// checkParticipants makes sure every participant claims exactly the key ids the roster
// gives it, so the Lagrange weights cannot be skewed.
func (s *Signer) checkParticipants(participants []frost.Participant) error {
	self := false
	for _, p := range participants {
		signer, ok := s.keys.Signer(p.SignerID)
		if !ok || len(signer.KeyIDs) != len(p.KeyIDs) {
			return errParticipantsKeys
		}
		claimed := common.SortKeyIDs(append([]common.KeyID(nil), p.KeyIDs...))
		owned := common.SortKeyIDs(append([]common.KeyID(nil), signer.KeyIDs...))
		for i := range owned {
			if owned[i] != claimed[i] {
				return errParticipantsKeys
			}
		}
		if p.SignerID == s.id {
			self = true
		}
	}
	if !self {
		return frost.ErrNotParticipant
	}
	return nil
}
