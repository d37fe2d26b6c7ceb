package frost

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/torusresearch/peg-signer/common"
)

var privateSharesInfo = []byte("peg-signer dkg private shares")

// DealtShare is one dealer key id's evaluation for one receiving key id.
type DealtShare struct {
	From  common.KeyID `json:"from"`
	To    common.KeyID `json:"to"`
	Value []byte       `json:"value"`
}

func shareKey(priv *btcec.PrivateKey, pub *btcec.PublicKey, context []byte) ([]byte, error) {
	shared := btcec.GenerateSharedSecret(priv, pub)
	defer func() {
		for i := range shared {
			shared[i] = 0
		}
	}()
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, context, privateSharesInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}

func sealAAD(context []byte, sender, recipient *btcec.PublicKey) []byte {
	aad := make([]byte, 0, len(context)+66)
	aad = append(aad, context...)
	aad = append(aad, sender.SerializeCompressed()...)
	return append(aad, recipient.SerializeCompressed()...)
}

// SealShares encrypts plaintext to recipient under a key derived from ECDH of the two
// network keys. The nonce is prepended to the ciphertext.
func SealShares(sender *btcec.PrivateKey, recipient *btcec.PublicKey, context, plaintext []byte) ([]byte, error) {
	key, err := shareKey(sender, recipient, context)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, sealAAD(context, sender.PubKey(), recipient)), nil
}

// OpenShares reverses SealShares on the recipient side.
func OpenShares(recipient *btcec.PrivateKey, sender *btcec.PublicKey, context, sealed []byte) ([]byte, error) {
	key, err := shareKey(recipient, sender, context)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptPrivateShares
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, sealAAD(context, sender, recipient.PubKey()))
	if err != nil {
		return nil, ErrDecryptPrivateShares
	}
	return plaintext, nil
}
