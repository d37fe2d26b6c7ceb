package taproot

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrSelfVerification   = errors.New("freshly produced signature does not verify")
	ErrCommitmentMismatch = errors.New("control block does not commit to the script under the output key")
)

// ApplyTaprootTweak adds the BIP-341 tweak of the internal key and merkleRoot to priv.
// A nil merkleRoot tweaks for a key path only output.
func ApplyTaprootTweak(priv *btcec.PrivateKey, merkleRoot []byte) *btcec.PrivateKey {
	return txscript.TweakTaprootPrivKey(*priv, merkleRoot)
}

// SignSchnorr signs a 32 byte message and verifies the result before returning it.
func SignSchnorr(priv *btcec.PrivateKey, message []byte) (*schnorr.Signature, error) {
	sig, err := schnorr.Sign(priv, message)
	if err != nil {
		return nil, err
	}
	if !sig.Verify(message, priv.PubKey()) {
		return nil, ErrSelfVerification
	}
	return sig, nil
}

// VerifySchnorr checks a BIP-340 signature against the x-only form of pub.
func VerifySchnorr(pub *btcec.PublicKey, message []byte, sig *schnorr.Signature) bool {
	if pub == nil || sig == nil {
		return false
	}
	return sig.Verify(message, pub)
}

func encodeSignature(sig *schnorr.Signature, hashType txscript.SigHashType) []byte {
	b := sig.Serialize()
	if hashType != SigHashDefault {
		b = append(b, byte(hashType))
	}
	return b
}

// AssembleKeyPathWitness is the single element key path witness. SIGHASH_DEFAULT keeps the
// bare 64 byte signature, any other type is appended as a trailing byte.
func AssembleKeyPathWitness(sig *schnorr.Signature, hashType txscript.SigHashType) wire.TxWitness {
	return wire.TxWitness{encodeSignature(sig, hashType)}
}

// VerifyTaprootCommitment checks that controlBlock proves script is a leaf of the tree
// committed to by outputKey.
func VerifyTaprootCommitment(outputKey *btcec.PublicKey, script, controlBlock []byte) error {
	cb, err := txscript.ParseControlBlock(controlBlock)
	if err != nil {
		return ErrCommitmentMismatch
	}
	if err := txscript.VerifyTaprootLeafCommitment(cb, schnorr.SerializePubKey(outputKey), script); err != nil {
		return ErrCommitmentMismatch
	}
	return nil
}

// AssembleScriptPathWitness is [signature, script, control block]. A control block that does
// not commit to script under outputKey is refused.
func AssembleScriptPathWitness(sig *schnorr.Signature, hashType txscript.SigHashType, script, controlBlock []byte, outputKey *btcec.PublicKey) (wire.TxWitness, error) {
	if err := VerifyTaprootCommitment(outputKey, script, controlBlock); err != nil {
		return nil, err
	}
	witness := make(wire.TxWitness, 3)
	witness[0] = encodeSignature(sig, hashType)
	witness[1] = script
	witness[2] = controlBlock
	return witness, nil
}

// VerifyInputScript runs the script engine over a fully witnessed input, lock time and
// sequence rules included.
func VerifyInputScript(tx *wire.MsgTx, idx int, prevouts Prevouts) error {
	if idx < 0 || idx >= len(tx.TxIn) {
		return ErrInputIndex
	}
	fetcher, err := prevouts.fetcher(tx)
	if err != nil {
		return err
	}
	prev := fetcher.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint)
	vm, err := txscript.NewEngine(
		prev.PkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), prev.Value, fetcher,
	)
	if err != nil {
		return err
	}
	return vm.Execute()
}
