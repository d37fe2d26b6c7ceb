// Package wallet builds the unsigned bitcoin transactions the signers are asked to sign.
package wallet

import (
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/bitcoin"
	"github.com/torusresearch/peg-signer/taproot"
)

// DustLimit is the smallest output the wallet creates. Smaller change goes to the fee.
const DustLimit btcutil.Amount = 5500

// RBFSequence signals replaceability on every input.
const RBFSequence uint32 = 0xFFFFFFFD

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDustOutput        = errors.New("output amount is below the dust limit")
	ErrNegativeFee       = errors.New("fee must not be negative")
)

// Wallet is the peg wallet: a key-path-only taproot output of the group key.
type Wallet struct {
	groupKey *btcec.PublicKey
	address  *btcutil.AddressTaproot
	pkScript []byte
}

func New(groupKey *btcec.PublicKey, params *chaincfg.Params) (*Wallet, error) {
	outputKey := txscript.ComputeTaprootKeyNoScript(groupKey)
	address, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}
	return &Wallet{groupKey: groupKey, address: address, pkScript: pkScript}, nil
}

func (w *Wallet) Address() *btcutil.AddressTaproot { return w.address }

func (w *Wallet) PkScript() []byte { return w.pkScript }

func (w *Wallet) GroupKey() *btcec.PublicKey { return w.groupKey }

// UnsignedTx is a transaction spending wallet outputs together with what signers need to
// recompute its sighashes.
type UnsignedTx struct {
	Tx       *wire.MsgTx
	Prevouts taproot.Prevouts
	Spent    []*bitcoin.UTXO
	Change   btcutil.Amount
	Fee      btcutil.Amount
}

// BuildFundScriptTx pays amount to the taproot address of a script tree, e.g. one built
// with taproot.BuildTaprootTree.
func (w *Wallet) BuildFundScriptTx(utxos []*bitcoin.UTXO, amount, fee btcutil.Amount, scriptAddress btcutil.Address) (*UnsignedTx, error) {
	return w.build(utxos, amount, fee, scriptAddress)
}

// BuildPegOutTx pays a peg-out recipient from the wallet.
func (w *Wallet) BuildPegOutTx(utxos []*bitcoin.UTXO, recipient btcutil.Address, amount, fee btcutil.Amount) (*UnsignedTx, error) {
	return w.build(utxos, amount, fee, recipient)
}

func (w *Wallet) build(utxos []*bitcoin.UTXO, amount, fee btcutil.Amount, to btcutil.Address) (*UnsignedTx, error) {
	if amount < DustLimit {
		return nil, errors.Wrapf(ErrDustOutput, "%v", amount)
	}
	if fee < 0 {
		return nil, ErrNegativeFee
	}
	pkScript, err := txscript.PayToAddrScript(to)
	if err != nil {
		return nil, err
	}
	needed := amount + fee
	spent, total := selectUTXOs(utxos, needed)
	if total < needed {
		logging.WithFields(logging.Fields{
			"available": total,
			"needed":    needed,
		}).Warn("not enough funds in wallet")
		return nil, errors.Wrapf(ErrInsufficientFunds, "have %v, need %v", total, needed)
	}

	tx := wire.NewMsgTx(2)
	prevouts := make(taproot.Prevouts, len(spent))
	for _, u := range spent {
		op, err := u.OutPoint()
		if err != nil {
			return nil, err
		}
		out, err := u.TxOut()
		if err != nil {
			return nil, err
		}
		in := wire.NewTxIn(op, nil, nil)
		in.Sequence = RBFSequence
		tx.AddTxIn(in)
		prevouts[*op] = out
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	unsigned := &UnsignedTx{Tx: tx, Prevouts: prevouts, Spent: spent, Fee: fee}
	change := total - needed
	if change >= DustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(change), w.pkScript))
		unsigned.Change = change
	} else {
		logging.WithField("change", change).Debug("change below dust limit, leaving it to the fee")
		unsigned.Fee += change
	}
	return unsigned, nil
}

// selectUTXOs takes the single smallest output covering needed if there is one, and
// otherwise accumulates outputs largest first.
func selectUTXOs(utxos []*bitcoin.UTXO, needed btcutil.Amount) ([]*bitcoin.UTXO, btcutil.Amount) {
	sorted := append([]*bitcoin.UTXO(nil), utxos...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var single *bitcoin.UTXO
	for _, u := range sorted {
		if u.Amount >= needed {
			single = u
		}
	}
	if single != nil {
		return []*bitcoin.UTXO{single}, single.Amount
	}
	var picked []*bitcoin.UTXO
	var total btcutil.Amount
	for _, u := range sorted {
		if total >= needed {
			break
		}
		picked = append(picked, u)
		total += u.Amount
	}
	return picked, total
}
