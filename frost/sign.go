package frost

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/secp256k1"
)

var tagBinding = []byte("peg-signer/frost-binding")

// Participant is one signer and the key ids it signs for.
type Participant struct {
	SignerID common.SignerID `json:"signer_id"`
	KeyIDs   []common.KeyID  `json:"key_ids"`
}

// NonceCommitment is the public half (D, E) of a signer's nonce pair.
type NonceCommitment struct {
	SignerID common.SignerID `json:"signer_id"`
	D        []byte          `json:"d"`
	E        []byte          `json:"e"`
}

// Validate checks that D and E are points on the curve.
func (c *NonceCommitment) Validate() error {
	if _, err := secp256k1.ParsePoint(c.D); err != nil {
		return ErrInvalidNonce
	}
	if _, err := secp256k1.ParsePoint(c.E); err != nil {
		return ErrInvalidNonce
	}
	return nil
}

// Nonce is the secret nonce pair (d, e). It can be used for exactly one signature share.
type Nonce struct {
	d, e btcec.ModNScalar
	used bool
}

func NewNonce() (*Nonce, error) {
	d, err := secp256k1.RandomScalar()
	if err != nil {
		return nil, err
	}
	e, err := secp256k1.RandomScalar()
	if err != nil {
		return nil, err
	}
	n := &Nonce{}
	n.d.Set(d)
	n.e.Set(e)
	d.Zero()
	e.Zero()
	return n, nil
}

func (n *Nonce) Commitment(signerID common.SignerID) *NonceCommitment {
	d, _ := secp256k1.SerializePoint(secp256k1.BaseMul(&n.d))
	e, _ := secp256k1.SerializePoint(secp256k1.BaseMul(&n.e))
	return &NonceCommitment{SignerID: signerID, D: d, E: e}
}

func (n *Nonce) Zeroize() {
	n.d.Zero()
	n.e.Zero()
	n.used = true
}

// TaprootTweak requests a signature under the BIP-341 output key of the group key.
// An empty MerkleRoot commits to no script tree.
type TaprootTweak struct {
	MerkleRoot []byte `json:"merkle_root"`
}

// SigningPackage is everything a signer needs to produce its share.
type SigningPackage struct {
	Message      []byte             `json:"message"`
	Participants []Participant      `json:"participants"`
	Commitments  []*NonceCommitment `json:"commitments"`
	Tweak        *TaprootTweak      `json:"tweak,omitempty"`
}

// SignatureShare is z_s for one signer.
type SignatureShare struct {
	SignerID common.SignerID `json:"signer_id"`
	Z        []byte          `json:"z"`
}

type nonceCommitment struct {
	d, e *btcec.JacobianPoint
}

// Session holds the values derived from a signing package: binding factors, the aggregate
// nonce R, the challenge and the parity corrections. Both sides build the same session.
type Session struct {
	pkg       *SigningPackage
	threshold uint32
	keyIDs    []common.KeyID
	owners    map[common.SignerID][]common.KeyID
	nonces    map[common.SignerID]nonceCommitment
	binding   map[common.SignerID]*btcec.ModNScalar
	r         *btcec.JacobianPoint
	outputKey *btcec.PublicKey
	challenge btcec.ModNScalar
	parity    btcec.ModNScalar
	tweakTerm btcec.ModNScalar
}

// NewSession validates pkg against the group key and threshold and derives the session values.
func NewSession(groupKey *btcec.PublicKey, threshold uint32, pkg *SigningPackage) (*Session, error) {
	if threshold == 0 {
		return nil, ErrInvalidThreshold
	}
	if len(pkg.Message) != 32 {
		return nil, ErrInvalidMessage
	}
	s := &Session{
		pkg:       pkg,
		threshold: threshold,
		owners:    make(map[common.SignerID][]common.KeyID, len(pkg.Participants)),
		nonces:    make(map[common.SignerID]nonceCommitment, len(pkg.Commitments)),
		binding:   make(map[common.SignerID]*btcec.ModNScalar, len(pkg.Commitments)),
	}
	for _, p := range pkg.Participants {
		if _, ok := s.owners[p.SignerID]; ok {
			return nil, ErrMissingCommitment
		}
		s.owners[p.SignerID] = p.KeyIDs
		s.keyIDs = append(s.keyIDs, p.KeyIDs...)
	}
	if err := common.ValidateKeyIDs(s.keyIDs); err != nil {
		return nil, ErrDuplicateKeyID
	}
	common.SortKeyIDs(s.keyIDs)
	if uint32(len(s.keyIDs)) < threshold {
		return nil, ErrBelowThreshold
	}

	commitments := sortedCommitments(pkg.Commitments)
	if len(commitments) != len(s.owners) {
		return nil, ErrMissingCommitment
	}
	for _, c := range commitments {
		if _, ok := s.owners[c.SignerID]; !ok {
			return nil, ErrMissingCommitment
		}
		if _, ok := s.nonces[c.SignerID]; ok {
			return nil, ErrMissingCommitment
		}
		d, err := secp256k1.ParsePoint(c.D)
		if err != nil {
			return nil, ErrInvalidNonce
		}
		e, err := secp256k1.ParsePoint(c.E)
		if err != nil {
			return nil, ErrInvalidNonce
		}
		s.nonces[c.SignerID] = nonceCommitment{d: d, e: e}
	}

	encoded := encodeCommitments(commitments)
	groupBytes := groupKey.SerializeCompressed()
	var r btcec.JacobianPoint
	for _, c := range commitments {
		rho := bindingFactor(c.SignerID, pkg.Message, groupBytes, encoded)
		s.binding[c.SignerID] = rho
		nc := s.nonces[c.SignerID]
		r = *secp256k1.Add(&r, secp256k1.Add(nc.d, secp256k1.Mul(rho, nc.e)))
	}
	if secp256k1.IsInfinity(&r) {
		return nil, ErrInvalidNonce
	}
	s.r = secp256k1.Affine(&r)

	if err := s.deriveKeyParity(groupKey); err != nil {
		return nil, err
	}
	return s, nil
}

// deriveKeyParity folds the BIP-340 even-y rules for the group key and the optional
// taproot output key into a single sign factor and a tweak term.
func (s *Session) deriveKeyParity(groupKey *btcec.PublicKey) error {
	p := secp256k1.Jacobian(groupKey)
	one := secp256k1.ScalarFromUint32(1)
	var gp, gq btcec.ModNScalar
	gp.Set(one)
	gq.Set(one)
	if !secp256k1.HasEvenY(p) {
		gp.Negate()
		p = secp256k1.Negate(p)
	}

	q := p
	var t btcec.ModNScalar
	if s.pkg.Tweak != nil {
		xOnly := schnorr.SerializePubKey(groupKey)
		h := chainhash.TaggedHash(chainhash.TagTapTweak, xOnly, s.pkg.Tweak.MerkleRoot)
		if overflow := t.SetByteSlice(h[:]); overflow {
			return ErrInvalidTweak
		}
		q = secp256k1.Add(p, secp256k1.BaseMul(&t))
		if secp256k1.IsInfinity(q) {
			return ErrInvalidTweak
		}
		if !secp256k1.HasEvenY(q) {
			gq.Negate()
		}
	}
	outputKey, err := secp256k1.PublicKey(q)
	if err != nil {
		return err
	}
	s.outputKey = outputKey

	rx := s.r.X.Bytes()
	h := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, rx[:], schnorr.SerializePubKey(outputKey), s.pkg.Message)
	s.challenge.Set(secp256k1.HashToScalar(h[:]))
	s.parity.Mul2(&gp, &gq)
	s.tweakTerm.Mul2(&s.challenge, &gq).Mul(&t)
	return nil
}

func sortedCommitments(in []*NonceCommitment) []*NonceCommitment {
	out := make([]*NonceCommitment, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].SignerID < out[j].SignerID })
	return out
}

func encodeCommitments(commitments []*NonceCommitment) []byte {
	var buf bytes.Buffer
	var id [4]byte
	for _, c := range commitments {
		binary.BigEndian.PutUint32(id[:], uint32(c.SignerID))
		buf.Write(id[:])
		buf.Write(c.D)
		buf.Write(c.E)
	}
	return buf.Bytes()
}

func bindingFactor(signerID common.SignerID, message, groupKey, encoded []byte) *btcec.ModNScalar {
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], uint32(signerID))
	h := chainhash.TaggedHash(tagBinding, id[:], message, groupKey, encoded)
	return secp256k1.HashToScalar(h[:])
}

// Nonce returns the aggregate nonce point R in affine form.
func (s *Session) Nonce() *btcec.JacobianPoint {
	return s.r
}

// NonceIsEven reports whether R can be used for a BIP-340 signature as is.
func (s *Session) NonceIsEven() bool {
	return secp256k1.HasEvenY(s.r)
}

// OutputKey is the key the aggregate signature verifies under.
func (s *Session) OutputKey() *btcec.PublicKey {
	return s.outputKey
}

// KeyIDs lists every key id taking part, sorted.
func (s *Session) KeyIDs() []common.KeyID {
	return s.keyIDs
}

// lambdas returns c * parity * lambda_k for each of the signer's key ids.
func (s *Session) lambdas(signerID common.SignerID) (map[common.KeyID]*btcec.ModNScalar, error) {
	ids, ok := s.owners[signerID]
	if !ok {
		return nil, ErrNotParticipant
	}
	out := make(map[common.KeyID]*btcec.ModNScalar, len(ids))
	for _, id := range ids {
		l, err := LagrangeCoefficient(id, s.keyIDs)
		if err != nil {
			return nil, err
		}
		l.Mul(&s.challenge).Mul(&s.parity)
		out[id] = l
	}
	return out, nil
}

// Sign produces the signer's share. The nonce is zeroed whether or not signing succeeds.
func (s *Session) Sign(signerID common.SignerID, keyShares map[common.KeyID]*btcec.ModNScalar, nonce *Nonce) (*SignatureShare, error) {
	if nonce.used {
		return nil, ErrNonceReused
	}
	defer nonce.Zeroize()

	if !s.NonceIsEven() {
		return nil, ErrOddNonce
	}
	published, ok := s.nonces[signerID]
	if !ok {
		return nil, ErrNotParticipant
	}
	if !secp256k1.Equal(published.d, secp256k1.BaseMul(&nonce.d)) || !secp256k1.Equal(published.e, secp256k1.BaseMul(&nonce.e)) {
		return nil, ErrNonceMismatch
	}
	weights, err := s.lambdas(signerID)
	if err != nil {
		return nil, err
	}
	if len(weights) != len(keyShares) {
		return nil, ErrKeySharesMismatch
	}

	var z btcec.ModNScalar
	z.Mul2(s.binding[signerID], &nonce.e).Add(&nonce.d)
	for id, w := range weights {
		x, ok := keyShares[id]
		if !ok {
			return nil, ErrKeySharesMismatch
		}
		var term btcec.ModNScalar
		term.Mul2(w, x)
		z.Add(&term)
	}
	return &SignatureShare{SignerID: signerID, Z: secp256k1.ScalarBytes(&z)}, nil
}

// VerifyShare checks z*G == D + rho*E + c*parity*sum(lambda_k * Y_k).
func (s *Session) VerifyShare(share *SignatureShare, publicShares map[common.KeyID]*btcec.JacobianPoint) error {
	published, ok := s.nonces[share.SignerID]
	if !ok {
		return ErrNotParticipant
	}
	z, err := secp256k1.ScalarFromBytes(share.Z)
	if err != nil {
		return ErrPartialSigInvalid
	}
	weights, err := s.lambdas(share.SignerID)
	if err != nil {
		return err
	}
	expected := secp256k1.Add(published.d, secp256k1.Mul(s.binding[share.SignerID], published.e))
	for id, w := range weights {
		y, ok := publicShares[id]
		if !ok {
			return ErrUnknownKeyID
		}
		expected = secp256k1.Add(expected, secp256k1.Mul(w, y))
	}
	if !secp256k1.Equal(secp256k1.BaseMul(z), expected) {
		return ErrPartialSigInvalid
	}
	return nil
}

// Aggregate sums one verified share per participant into a BIP-340 signature and verifies it
// under the output key. The result depends only on the set of shares.
func (s *Session) Aggregate(shares []*SignatureShare) (*schnorr.Signature, error) {
	if !s.NonceIsEven() {
		return nil, ErrOddNonce
	}
	seen := make(map[common.SignerID]struct{}, len(shares))
	var sum btcec.ModNScalar
	for _, share := range shares {
		if _, ok := s.owners[share.SignerID]; !ok {
			return nil, ErrNotParticipant
		}
		if _, ok := seen[share.SignerID]; ok {
			return nil, ErrDuplicateShare
		}
		seen[share.SignerID] = struct{}{}
		z, err := secp256k1.ScalarFromBytes(share.Z)
		if err != nil {
			return nil, ErrPartialSigInvalid
		}
		sum.Add(z)
	}
	if len(seen) != len(s.owners) {
		return nil, ErrMissingShares
	}
	sum.Add(&s.tweakTerm)

	sig := schnorr.NewSignature(&s.r.X, &sum)
	if !sig.Verify(s.pkg.Message, s.outputKey) {
		return nil, ErrSelfVerification
	}
	return sig, nil
}
