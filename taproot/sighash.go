package taproot

import (
	"errors"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrPrevoutsMismatch   = errors.New("prevouts do not cover every transaction input")
	ErrInputIndex         = errors.New("input index out of range")
	ErrInvalidSighashType = errors.New("unsupported sighash type")
)

// Sighash types a signer will put its key to.
const (
	SigHashDefault         = txscript.SigHashDefault
	SigHashAll             = txscript.SigHashAll
	SigHashAllAnyoneCanPay = txscript.SigHashAll | txscript.SigHashAnyOneCanPay
)

// TxKind names a transaction flow. Every flow has exactly one sighash type so cooperating
// signers never mix types within a transaction.
type TxKind string

const (
	TxKindPegOut TxKind = "peg-out"
	TxKindRefund TxKind = "refund"
	TxKindSweep  TxKind = "sweep"
)

// SighashPolicy maps each flow to its sighash type.
type SighashPolicy map[TxKind]txscript.SigHashType

// DefaultSighashPolicy signs refunds with ALL|ANYONECANPAY and threshold spends with ALL.
func DefaultSighashPolicy() SighashPolicy {
	return SighashPolicy{
		TxKindPegOut: SigHashAll,
		TxKindRefund: SigHashAllAnyoneCanPay,
		TxKindSweep:  SigHashAll,
	}
}

// Check fails when hashType is not the one fixed for kind.
func (p SighashPolicy) Check(kind TxKind, hashType txscript.SigHashType) error {
	expected, ok := p[kind]
	if !ok || expected != hashType {
		return ErrInvalidSighashType
	}
	return nil
}

// Prevouts maps every spent outpoint to the output it spends.
type Prevouts map[wire.OutPoint]*wire.TxOut

func checkSighashType(hashType txscript.SigHashType) error {
	switch hashType {
	case SigHashDefault, SigHashAll, SigHashAllAnyoneCanPay:
		return nil
	}
	return ErrInvalidSighashType
}

// fetcher builds the prevout fetcher, refusing transactions with an input prevouts misses.
func (p Prevouts) fetcher(tx *wire.MsgTx) (*txscript.MultiPrevOutFetcher, error) {
	outputs := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	for _, in := range tx.TxIn {
		out, ok := p[in.PreviousOutPoint]
		if !ok || out == nil {
			return nil, ErrPrevoutsMismatch
		}
		outputs[in.PreviousOutPoint] = out
	}
	return txscript.NewMultiPrevOutFetcher(outputs), nil
}

func (p Prevouts) prepare(tx *wire.MsgTx, idx int, hashType txscript.SigHashType) (*txscript.MultiPrevOutFetcher, *txscript.TxSigHashes, error) {
	if err := checkSighashType(hashType); err != nil {
		return nil, nil, err
	}
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, nil, ErrInputIndex
	}
	fetcher, err := p.fetcher(tx)
	if err != nil {
		return nil, nil, err
	}
	return fetcher, txscript.NewTxSigHashes(tx, fetcher), nil
}

// ComputeKeySpendSighash is the BIP-341 key path message for input idx.
func ComputeKeySpendSighash(tx *wire.MsgTx, prevouts Prevouts, idx int, hashType txscript.SigHashType) ([]byte, error) {
	fetcher, sigHashes, err := prevouts.prepare(tx, idx, hashType)
	if err != nil {
		return nil, err
	}
	return txscript.CalcTaprootSignatureHash(sigHashes, hashType, tx, idx, fetcher)
}

// ComputeScriptSpendSighash is the BIP-341 script path message for input idx bound to leafScript.
func ComputeScriptSpendSighash(tx *wire.MsgTx, prevouts Prevouts, idx int, leafScript []byte, hashType txscript.SigHashType) ([]byte, error) {
	fetcher, sigHashes, err := prevouts.prepare(tx, idx, hashType)
	if err != nil {
		return nil, err
	}
	return txscript.CalcTapscriptSignaturehash(sigHashes, hashType, tx, idx, fetcher, txscript.NewBaseTapLeaf(leafScript))
}
