package stacks

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"
)

// TransactionVersion selects mainnet or testnet.
type TransactionVersion byte

const (
	TransactionVersionMainnet TransactionVersion = 0x00
	TransactionVersionTestnet TransactionVersion = 0x80
)

const (
	ChainIDMainnet uint32 = 0x00000001
	ChainIDTestnet uint32 = 0x80000000
)

const (
	authStandard        byte = 0x04
	hashModeP2PKH       byte = 0x00
	keyCompressed       byte = 0x00
	anchorAny           byte = 0x03
	postConditionsAllow byte = 0x01
	payloadContractCall byte = 0x02
	maxNameLength            = 128
)

var (
	ErrMalformedTransaction = errors.New("malformed stacks transaction")
	ErrUnsupportedPayload   = errors.New("only contract calls are supported")
	ErrNotSigned            = errors.New("transaction is not signed")
)

// Network ties the transaction version, chain id and address version together.
type Network struct {
	Version        TransactionVersion
	ChainID        uint32
	AddressVersion byte
}

var (
	Mainnet = Network{Version: TransactionVersionMainnet, ChainID: ChainIDMainnet, AddressVersion: AddressVersionMainnet}
	Testnet = Network{Version: TransactionVersionTestnet, ChainID: ChainIDTestnet, AddressVersion: AddressVersionTestnet}
)

// ContractCall is a call of a public contract function.
type ContractCall struct {
	Contract     Address
	ContractName string
	FunctionName string
	Args         []*Value
}

// Transaction is a single-sig, standard-auth contract call. Post conditions are left in
// allow mode with none attached.
type Transaction struct {
	Version   TransactionVersion
	ChainID   uint32
	Signer    [20]byte
	Nonce     uint64
	Fee       uint64
	Signature [65]byte
	Call      *ContractCall
}

// NewContractCall builds an unsigned transaction paid for by the owner of pub.
func NewContractCall(network Network, pub *btcec.PublicKey, call *ContractCall, nonce, fee uint64) *Transaction {
	return &Transaction{
		Version: network.Version,
		ChainID: network.ChainID,
		Signer:  AddressFromPublicKey(network.AddressVersion, pub).Hash160,
		Nonce:   nonce,
		Fee:     fee,
		Call:    call,
	}
}

// Serialize encodes the transaction in the consensus format.
func (tx *Transaction) Serialize() ([]byte, error) {
	if tx.Call == nil {
		return nil, ErrUnsupportedPayload
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(tx.Version))
	writeUint32(&buf, tx.ChainID)

	buf.WriteByte(authStandard)
	buf.WriteByte(hashModeP2PKH)
	buf.Write(tx.Signer[:])
	writeUint64(&buf, tx.Nonce)
	writeUint64(&buf, tx.Fee)
	buf.WriteByte(keyCompressed)
	buf.Write(tx.Signature[:])

	buf.WriteByte(anchorAny)
	buf.WriteByte(postConditionsAllow)
	writeUint32(&buf, 0)

	buf.WriteByte(payloadContractCall)
	buf.WriteByte(tx.Call.Contract.Version)
	buf.Write(tx.Call.Contract.Hash160[:])
	for _, name := range []string{tx.Call.ContractName, tx.Call.FunctionName} {
		if len(name) == 0 || len(name) > maxNameLength {
			return nil, errors.Wrapf(ErrMalformedTransaction, "name %q", name)
		}
		buf.WriteByte(byte(len(name)))
		buf.WriteString(name)
	}
	writeUint32(&buf, uint32(len(tx.Call.Args)))
	for _, arg := range tx.Call.Args {
		raw, err := arg.Serialize()
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

// TxID is the SHA-512/256 of the serialized transaction, hex encoded.
func (tx *Transaction) TxID() (string, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return "", err
	}
	h := sha512.Sum512_256(raw)
	return hex.EncodeToString(h[:]), nil
}

// SigHash is the presign sighash of the spending condition: the txid of the transaction
// with nonce, fee and signature cleared, hashed with the auth type, fee and nonce.
func (tx *Transaction) SigHash() ([]byte, error) {
	cleared := *tx
	cleared.Nonce, cleared.Fee = 0, 0
	cleared.Signature = [65]byte{}
	raw, err := cleared.Serialize()
	if err != nil {
		return nil, err
	}
	initial := sha512.Sum512_256(raw)

	var buf bytes.Buffer
	buf.Write(initial[:])
	buf.WriteByte(authStandard)
	writeUint64(&buf, tx.Fee)
	writeUint64(&buf, tx.Nonce)
	h := sha512.Sum512_256(buf.Bytes())
	return h[:], nil
}

// Sign fills the spending condition with a recoverable signature of key over SigHash.
func (tx *Transaction) Sign(key *btcec.PrivateKey) error {
	if AddressFromPublicKey(0, key.PubKey()).Hash160 != tx.Signer {
		return errors.New("key does not match the transaction signer")
	}
	sighash, err := tx.SigHash()
	if err != nil {
		return err
	}
	compact, err := ecdsa.SignCompact(key, sighash, true)
	if err != nil {
		return err
	}
	// btcec prefixes 27 + recovery id + 4 for compressed keys, the chain wants the bare id
	tx.Signature[0] = compact[0] - 27 - 4
	copy(tx.Signature[1:], compact[1:])
	return nil
}

// VerifySignature recovers the signing key and checks it matches the signer hash.
func (tx *Transaction) VerifySignature() error {
	if tx.Signature == ([65]byte{}) {
		return ErrNotSigned
	}
	sighash, err := tx.SigHash()
	if err != nil {
		return err
	}
	compact := make([]byte, 65)
	compact[0] = tx.Signature[0] + 27 + 4
	copy(compact[1:], tx.Signature[1:])
	pub, _, err := ecdsa.RecoverCompact(compact, sighash)
	if err != nil {
		return err
	}
	if AddressFromPublicKey(0, pub).Hash160 != tx.Signer {
		return errors.New("signature does not belong to the transaction signer")
	}
	return nil
}

// ParseTransaction decodes what Serialize produces.
func ParseTransaction(raw []byte) (*Transaction, error) {
	r := bytes.NewReader(raw)
	tx := &Transaction{}
	head, err := readN(r, 1+4+1+1)
	if err != nil {
		return nil, malformed(err)
	}
	tx.Version = TransactionVersion(head[0])
	tx.ChainID = binary.BigEndian.Uint32(head[1:5])
	if head[5] != authStandard || head[6] != hashModeP2PKH {
		return nil, errors.Wrap(ErrMalformedTransaction, "only standard single-sig auth is supported")
	}
	signer, err := readN(r, 20)
	if err != nil {
		return nil, malformed(err)
	}
	copy(tx.Signer[:], signer)
	amounts, err := readN(r, 16)
	if err != nil {
		return nil, malformed(err)
	}
	tx.Nonce = binary.BigEndian.Uint64(amounts[:8])
	tx.Fee = binary.BigEndian.Uint64(amounts[8:])
	sig, err := readN(r, 1+65)
	if err != nil {
		return nil, malformed(err)
	}
	if sig[0] != keyCompressed {
		return nil, errors.Wrap(ErrMalformedTransaction, "uncompressed key")
	}
	copy(tx.Signature[:], sig[1:])

	modes, err := readN(r, 2+4)
	if err != nil {
		return nil, malformed(err)
	}
	if modes[0] != anchorAny || modes[1] != postConditionsAllow || binary.BigEndian.Uint32(modes[2:]) != 0 {
		return nil, errors.Wrap(ErrMalformedTransaction, "unexpected anchor mode or post conditions")
	}

	kind, err := readN(r, 1)
	if err != nil {
		return nil, malformed(err)
	}
	if kind[0] != payloadContractCall {
		return nil, ErrUnsupportedPayload
	}
	contract, err := readN(r, 21)
	if err != nil {
		return nil, malformed(err)
	}
	call := &ContractCall{Contract: Address{Version: contract[0]}}
	copy(call.Contract.Hash160[:], contract[1:])
	if call.ContractName, err = readName(r); err != nil {
		return nil, err
	}
	if call.FunctionName, err = readName(r); err != nil {
		return nil, err
	}
	count, err := readN(r, 4)
	if err != nil {
		return nil, malformed(err)
	}
	for n := binary.BigEndian.Uint32(count); n > 0; n-- {
		v, err := decode(r, 0)
		if err != nil {
			return nil, malformed(err)
		}
		call.Args = append(call.Args, v)
	}
	if r.Len() != 0 {
		return nil, errors.Wrapf(ErrMalformedTransaction, "%d trailing bytes", r.Len())
	}
	tx.Call = call
	return tx, nil
}

func readName(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", malformed(err)
	}
	if n == 0 || n > maxNameLength {
		return "", errors.Wrapf(ErrMalformedTransaction, "name length %d", n)
	}
	b, err := readN(r, int(n))
	if err != nil {
		return "", malformed(err)
	}
	return string(b), nil
}

func malformed(err error) error {
	return errors.Wrap(ErrMalformedTransaction, err.Error())
}

func writeUint32(buf *bytes.Buffer, n uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, n uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	buf.Write(b[:])
}
