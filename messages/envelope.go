package messages

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/torusresearch/bijson"

	"github.com/torusresearch/peg-signer/common"
)

var (
	ErrUnsigned         = errors.New("envelope is not signed")
	ErrInvalidSignature = errors.New("envelope signature does not verify")
)

var tagEnvelope = []byte("peg-signer/envelope")

// Kind identifies what an envelope carries.
type Kind string

const (
	KindDkgRequest       Kind = "dkg_request"
	KindDkgShare         Kind = "dkg_share"
	KindDkgPrivateShares Kind = "dkg_private_shares"
	KindNonceRequest     Kind = "nonce_request"
	KindNonceCommitment  Kind = "nonce_commitment"
	KindSignRequest      Kind = "sign_request"
	KindSignatureShare   Kind = "signature_share"
	KindAck              Kind = "ack"
	KindCancel           Kind = "cancel"
)

// Envelope is what crosses the transport. Payload is the bijson encoding of one of the
// payload structs in this package and Signature is the sender's ECDSA signature over
// everything else.
type Envelope struct {
	RoundID   string          `json:"round_id"`
	Kind      Kind            `json:"kind"`
	SenderID  common.SignerID `json:"sender_id"`
	Attempt   uint32          `json:"attempt"`
	Timestamp int64           `json:"timestamp"`
	Payload   []byte          `json:"payload"`
	Signature []byte          `json:"signature,omitempty"`
}

// Key identifies a contribution for duplicate suppression.
type Key struct {
	RoundID  string
	SenderID common.SignerID
	Kind     Kind
	Attempt  uint32
}

// New encodes payload into an unsigned envelope.
func New(roundID string, kind Kind, sender common.SignerID, attempt uint32, payload interface{}) (*Envelope, error) {
	data, err := bijson.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		RoundID:   roundID,
		Kind:      kind,
		SenderID:  sender,
		Attempt:   attempt,
		Timestamp: time.Now().Unix(),
		Payload:   data,
	}, nil
}

func (e *Envelope) Key() Key {
	return Key{RoundID: e.RoundID, SenderID: e.SenderID, Kind: e.Kind, Attempt: e.Attempt}
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	return bijson.Unmarshal(e.Payload, v)
}

func (e *Envelope) digest() []byte {
	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(e.SenderID))
	binary.BigEndian.PutUint32(header[4:8], e.Attempt)
	binary.BigEndian.PutUint64(header[8:16], uint64(e.Timestamp))
	h := chainhash.TaggedHash(tagEnvelope, []byte(e.RoundID), []byte{0}, []byte(e.Kind), []byte{0}, header[:], e.Payload)
	return h[:]
}

// Sign sets the signature with the sender's network key.
func (e *Envelope) Sign(priv *btcec.PrivateKey) {
	e.Signature = ecdsa.Sign(priv, e.digest()).Serialize()
}

// Verify checks the signature against the sender's registered key.
func (e *Envelope) Verify(pub *btcec.PublicKey) error {
	if len(e.Signature) == 0 {
		return ErrUnsigned
	}
	sig, err := ecdsa.ParseDERSignature(e.Signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !sig.Verify(e.digest(), pub) {
		return ErrInvalidSignature
	}
	return nil
}

// Marshal encodes a whole envelope for the wire.
func Marshal(e *Envelope) ([]byte, error) {
	return bijson.Marshal(e)
}

func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := bijson.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
