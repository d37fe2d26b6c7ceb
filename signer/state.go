package signer

import (
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/looplab/fsm"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/frost"
)

// Signer side states of one round.
const (
	StateIdle                     = "idle"
	StateGeneratingDkgShare       = "generating_dkg_share"
	StateGeneratingNonce          = "generating_nonce"
	StateAwaitingSignRequest      = "awaiting_sign_request"
	StateGeneratingSignatureShare = "generating_signature_share"
)

const (
	eventDkgRequest  = "dkg_request"
	eventDkgEnd      = "dkg_end"
	eventNonceReq    = "nonce_request"
	eventNonceSent   = "nonce_sent"
	eventSignRequest = "sign_request"
	eventShareSent   = "share_sent"
	eventAbort       = "abort"
)

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventDkgRequest, Src: []string{StateIdle}, Dst: StateGeneratingDkgShare},
			{Name: eventDkgEnd, Src: []string{StateGeneratingDkgShare}, Dst: StateIdle},
			{Name: eventNonceReq, Src: []string{StateIdle, StateAwaitingSignRequest}, Dst: StateGeneratingNonce},
			{Name: eventNonceSent, Src: []string{StateGeneratingNonce}, Dst: StateAwaitingSignRequest},
			{Name: eventSignRequest, Src: []string{StateAwaitingSignRequest}, Dst: StateGeneratingSignatureShare},
			{Name: eventShareSent, Src: []string{StateGeneratingSignatureShare}, Dst: StateIdle},
			{Name: eventAbort, Src: []string{StateGeneratingDkgShare, StateGeneratingNonce, StateAwaitingSignRequest, StateGeneratingSignatureShare}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}

// KeyShares are the signer's secret shares for one group key.
type KeyShares struct {
	GroupKey  []byte
	Threshold uint32
	Shares    map[common.KeyID]*btcec.ModNScalar
}

func (k *KeyShares) zeroize() {
	for _, x := range k.Shares {
		x.Zero()
	}
}

type dkgState struct {
	threshold     uint32
	participants  []common.SignerID
	dealers       []*frost.Dealer
	commitments   map[common.SignerID][]*frost.PolyCommitment
	excluded      map[common.SignerID]error
	private       map[common.SignerID][]frost.DealtShare
	undecryptable map[common.SignerID]error
}

type signState struct {
	groupKey string
	nonce    *frost.Nonce
	attempt  uint32
	signed   map[uint32]struct{}
}

type roundState struct {
	id      string
	machine *fsm.FSM
	dkg     *dkgState
	sign    *signState
}

func newRoundState(id string) *roundState {
	return &roundState{id: id, machine: newMachine()}
}

func (r *roundState) fire(event string) error {
	return r.machine.Event(context.Background(), event)
}

func (r *roundState) state() string {
	return r.machine.Current()
}

func (r *roundState) wipe() {
	if r.dkg != nil {
		for _, d := range r.dkg.dealers {
			d.Zeroize()
		}
		r.dkg.dealers = nil
		for _, list := range r.dkg.private {
			for _, share := range list {
				for i := range share.Value {
					share.Value[i] = 0
				}
			}
		}
		r.dkg.private = nil
	}
	if r.sign != nil && r.sign.nonce != nil {
		r.sign.nonce.Zeroize()
		r.sign.nonce = nil
	}
}

// KeyShares returns the shares held for a group key.
func (s *Signer) KeyShares(groupKey []byte) (*KeyShares, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keyRing[hex.EncodeToString(groupKey)]
	return k, ok
}

// GroupKey returns the group key of the latest completed DKG.
func (s *Signer) GroupKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.keyRing[s.latestGK]; ok {
		return k.GroupKey
	}
	return nil
}

func (s *Signer) storeKeyShares(k *KeyShares) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := hex.EncodeToString(k.GroupKey)
	if old, ok := s.keyRing[id]; ok {
		old.zeroize()
	}
	s.keyRing[id] = k
	s.latestGK = id
}
