// Package taproot holds the stateless BIP-340/341 pieces: spend scripts, the two leaf
// script tree, sighash computation, key tweaking and witness assembly.
package taproot

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

var (
	ErrTreeConstruction    = errors.New("taproot tree construction failed")
	ErrInvalidUnlockHeight = errors.New("unlock height must be a positive block height")
	ErrUnknownLeaf         = errors.New("script is not a leaf of this tree")
)

// LockTimeThreshold separates block heights from unix timestamps in nLockTime.
const LockTimeThreshold = txscript.LockTimeThreshold

// BuildRefundScript returns <h> OP_CHECKLOCKTIMEVERIFY OP_DROP <xonly key> OP_CHECKSIG.
// The script is only satisfiable by a transaction whose lock time is at least unlockHeight.
func BuildRefundScript(pub *btcec.PublicKey, unlockHeight int64) ([]byte, error) {
	if unlockHeight <= 0 || unlockHeight >= LockTimeThreshold {
		return nil, ErrInvalidUnlockHeight
	}
	return txscript.NewScriptBuilder().
		AddInt64(unlockHeight).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(schnorr.SerializePubKey(pub)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// BuildUnspendableScript returns a bare OP_RETURN, a filler leaf with no spending path.
func BuildUnspendableScript() []byte {
	return []byte{txscript.OP_RETURN}
}

// SpendInfo is a built two leaf taproot output.
type SpendInfo struct {
	InternalKey *btcec.PublicKey
	OutputKey   *btcec.PublicKey
	MerkleRoot  []byte
	Leaves      [2][]byte

	tree *txscript.IndexedTapScriptTree
}

func validateLeaf(script []byte) error {
	if len(script) == 0 {
		return ErrTreeConstruction
	}
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
	}
	if tokenizer.Err() != nil {
		return ErrTreeConstruction
	}
	return nil
}

// BuildTaprootTree builds the equal weight tree over both leaves, tweaks the internal key by
// its merkle root and derives the bech32m P2TR address for params.
func BuildTaprootTree(internalKey *btcec.PublicKey, leaves [2][]byte, params *chaincfg.Params) (*SpendInfo, *btcutil.AddressTaproot, error) {
	if internalKey == nil {
		return nil, nil, ErrTreeConstruction
	}
	for _, leaf := range leaves {
		if err := validateLeaf(leaf); err != nil {
			return nil, nil, err
		}
	}
	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(leaves[0]),
		txscript.NewBaseTapLeaf(leaves[1]),
	)
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, root[:])
	address, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return nil, nil, ErrTreeConstruction
	}
	return &SpendInfo{
		InternalKey: internalKey,
		OutputKey:   outputKey,
		MerkleRoot:  root[:],
		Leaves:      leaves,
		tree:        tree,
	}, address, nil
}

// PkScript is the segwit v1 output script paying to the output key.
func (s *SpendInfo) PkScript() ([]byte, error) {
	return txscript.PayToTaprootScript(s.OutputKey)
}

// ControlBlock serializes the inclusion proof of leafScript under the internal key.
func (s *SpendInfo) ControlBlock(leafScript []byte) ([]byte, error) {
	hash := txscript.NewBaseTapLeaf(leafScript).TapHash()
	idx, ok := s.tree.LeafProofIndex[hash]
	if !ok {
		return nil, ErrUnknownLeaf
	}
	controlBlock := s.tree.LeafMerkleProofs[idx].ToControlBlock(s.InternalKey)
	return controlBlock.ToBytes()
}
