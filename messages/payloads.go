package messages

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/stacks"
	"github.com/torusresearch/peg-signer/taproot"
)

var ErrInvalidTxContext = errors.New("invalid transaction context")

// DkgRequest starts a DKG round among the participants.
type DkgRequest struct {
	Threshold    uint32            `json:"threshold"`
	Participants []common.SignerID `json:"participants"`
}

// DkgShare is a signer's public contribution, one commitment per owned key id.
type DkgShare struct {
	Commitments []*frost.PolyCommitment `json:"commitments"`
}

// SealedShares is the encrypted list of frost.DealtShare destined to one signer.
type SealedShares struct {
	To         common.SignerID `json:"to"`
	Ciphertext []byte          `json:"ciphertext"`
}

// DkgPrivateShares carries a dealer's encrypted evaluations for every other participant.
type DkgPrivateShares struct {
	Shares []SealedShares `json:"shares"`
}

// NonceRequest asks the participants for a fresh nonce pair for signing under GroupKey.
// Each retry bumps the envelope attempt.
type NonceRequest struct {
	Participants []common.SignerID `json:"participants"`
	GroupKey     []byte            `json:"group_key"`
}

// NonceCommitment is the public half of a signer's nonce pair.
type NonceCommitment struct {
	Commitment *frost.NonceCommitment `json:"commitment"`
}

// Prevout is a spent output as carried on the wire.
type Prevout struct {
	Hash     string `json:"hash"`
	Index    uint32 `json:"index"`
	Value    int64  `json:"value"`
	PkScript []byte `json:"pk_script"`
}

// TxContext lets a signer recompute the sighash it is asked to sign.
type TxContext struct {
	Kind       taproot.TxKind `json:"kind"`
	RawTx      []byte         `json:"raw_tx"`
	Prevouts   []Prevout      `json:"prevouts"`
	InputIndex int            `json:"input_index"`
	HashType   uint8          `json:"hash_type"`
	LeafScript []byte         `json:"leaf_script,omitempty"`
}

// NewTxContext captures tx and its prevouts for input idx.
func NewTxContext(kind taproot.TxKind, tx *wire.MsgTx, prevouts taproot.Prevouts, idx int, hashType txscript.SigHashType, leafScript []byte) (*TxContext, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	ctx := &TxContext{
		Kind:       kind,
		RawTx:      buf.Bytes(),
		InputIndex: idx,
		HashType:   uint8(hashType),
		LeafScript: leafScript,
	}
	for op, out := range prevouts {
		ctx.Prevouts = append(ctx.Prevouts, Prevout{
			Hash:     op.Hash.String(),
			Index:    op.Index,
			Value:    out.Value,
			PkScript: out.PkScript,
		})
	}
	return ctx, nil
}

// Decode parses the transaction and prevouts back.
func (c *TxContext) Decode() (*wire.MsgTx, taproot.Prevouts, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(c.RawTx)); err != nil {
		return nil, nil, ErrInvalidTxContext
	}
	prevouts := make(taproot.Prevouts, len(c.Prevouts))
	for _, p := range c.Prevouts {
		hash, err := chainhash.NewHashFromStr(p.Hash)
		if err != nil {
			return nil, nil, ErrInvalidTxContext
		}
		prevouts[wire.OutPoint{Hash: *hash, Index: p.Index}] = wire.NewTxOut(p.Value, p.PkScript)
	}
	return tx, prevouts, nil
}

// Sighash recomputes the message the context commits to.
func (c *TxContext) Sighash() ([]byte, error) {
	tx, prevouts, err := c.Decode()
	if err != nil {
		return nil, err
	}
	hashType := txscript.SigHashType(c.HashType)
	if len(c.LeafScript) > 0 {
		return taproot.ComputeScriptSpendSighash(tx, prevouts, c.InputIndex, c.LeafScript, hashType)
	}
	return taproot.ComputeKeySpendSighash(tx, prevouts, c.InputIndex, hashType)
}

// StacksTxContext carries an unsigned stacks contract call whose sighash is the message.
type StacksTxContext struct {
	RawTx []byte `json:"raw_tx"`
}

func NewStacksTxContext(tx *stacks.Transaction) (*StacksTxContext, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return nil, err
	}
	return &StacksTxContext{RawTx: raw}, nil
}

func (c *StacksTxContext) Transaction() (*stacks.Transaction, error) {
	tx, err := stacks.ParseTransaction(c.RawTx)
	if err != nil {
		return nil, ErrInvalidTxContext
	}
	return tx, nil
}

func (c *StacksTxContext) Sighash() ([]byte, error) {
	tx, err := c.Transaction()
	if err != nil {
		return nil, err
	}
	return tx.SigHash()
}

// SignRequest carries the signing package. Tx and StacksTx are absent for raw message
// signing, and at most one of them is set.
type SignRequest struct {
	Package  *frost.SigningPackage `json:"package"`
	Tx       *TxContext            `json:"tx,omitempty"`
	StacksTx *StacksTxContext      `json:"stacks_tx,omitempty"`
}

// SignatureShare is a signer's share for the request.
type SignatureShare struct {
	Share *frost.SignatureShare `json:"share"`
}

// AckStatus says what an Ack acknowledges.
type AckStatus string

const (
	AckDkgEnd    AckStatus = "dkg_end"
	AckDkgFailed AckStatus = "dkg_failed"
	AckRefused   AckStatus = "refused"
	AckCancelled AckStatus = "cancelled"
)

// Ack closes a signer's part of a step. For a finished DKG it carries the group key the
// signer derived, for a failure the dealers it blames.
type Ack struct {
	Status     AckStatus         `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	GroupKey   []byte            `json:"group_key,omitempty"`
	BadDealers []common.SignerID `json:"bad_dealers,omitempty"`
}

// Cancel tells signers to abandon a round.
type Cancel struct {
	Reason string `json:"reason"`
}
