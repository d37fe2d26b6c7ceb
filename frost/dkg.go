package frost

import (
	"encoding/binary"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/secp256k1"
)

var tagDkgProof = []byte("peg-signer/dkg-proof")

// PolyCommitment is the public Feldman commitment to one key id's DKG polynomial,
// with a Schnorr proof of knowledge of the constant term bound to the round.
type PolyCommitment struct {
	KeyID  common.KeyID `json:"key_id"`
	Points [][]byte     `json:"points"`
	ProofR []byte       `json:"proof_r"`
	ProofZ []byte       `json:"proof_z"`
}

func (c *PolyCommitment) parsePoints() ([]*btcec.JacobianPoint, error) {
	points := make([]*btcec.JacobianPoint, len(c.Points))
	for i, b := range c.Points {
		p, err := secp256k1.ParsePoint(b)
		if err != nil {
			return nil, ErrInvalidCommitment
		}
		points[i] = p
	}
	return points, nil
}

// Validate checks the degree against threshold-1, every point encoding and the proof.
func (c *PolyCommitment) Validate(threshold uint32, context []byte) error {
	if threshold == 0 {
		return ErrInvalidThreshold
	}
	if c.KeyID == 0 {
		return ErrUnknownKeyID
	}
	if uint32(len(c.Points)) != threshold {
		return ErrWrongDegree
	}
	points, err := c.parsePoints()
	if err != nil {
		return err
	}
	r, err := secp256k1.ParsePoint(c.ProofR)
	if err != nil {
		return ErrInvalidProof
	}
	z, err := secp256k1.ScalarFromBytes(c.ProofZ)
	if err != nil {
		return ErrInvalidProof
	}
	challenge := proofChallenge(context, c.KeyID, c.Points[0], c.ProofR)
	expected := secp256k1.Add(r, secp256k1.Mul(challenge, points[0]))
	if !secp256k1.Equal(secp256k1.BaseMul(z), expected) {
		return ErrInvalidProof
	}
	return nil
}

func proofChallenge(context []byte, keyID common.KeyID, a0, r []byte) *btcec.ModNScalar {
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], uint32(keyID))
	h := chainhash.TaggedHash(tagDkgProof, context, id[:], a0, r)
	return secp256k1.HashToScalar(h[:])
}

// Dealer holds the secret polynomial of one key id for the duration of a DKG round.
type Dealer struct {
	KeyID common.KeyID
	poly  *Polynomial
}

func NewDealer(keyID common.KeyID, threshold uint32) (*Dealer, error) {
	if threshold == 0 {
		return nil, ErrInvalidThreshold
	}
	if keyID == 0 {
		return nil, ErrUnknownKeyID
	}
	poly, err := NewRandomPolynomial(threshold - 1)
	if err != nil {
		return nil, err
	}
	return &Dealer{KeyID: keyID, poly: poly}, nil
}

// Commitment publishes the polynomial commitment and proves knowledge of a_0.
func (d *Dealer) Commitment(context []byte) (*PolyCommitment, error) {
	points := d.poly.Commit()
	encoded := make([][]byte, len(points))
	for i, p := range points {
		b, err := secp256k1.SerializePoint(p)
		if err != nil {
			return nil, err
		}
		encoded[i] = b
	}

	k, err := secp256k1.RandomScalar()
	if err != nil {
		return nil, err
	}
	defer secp256k1.ZeroScalar(k)
	r, err := secp256k1.SerializePoint(secp256k1.BaseMul(k))
	if err != nil {
		return nil, err
	}
	var z btcec.ModNScalar
	z.Mul2(proofChallenge(context, d.KeyID, encoded[0], r), &d.poly.Coeffs[0]).Add(k)

	return &PolyCommitment{
		KeyID:  d.KeyID,
		Points: encoded,
		ProofR: r,
		ProofZ: secp256k1.ScalarBytes(&z),
	}, nil
}

// Share evaluates the polynomial for the receiving key id.
func (d *Dealer) Share(to common.KeyID) *btcec.ModNScalar {
	return d.poly.Evaluate(to)
}

func (d *Dealer) Zeroize() {
	if d.poly != nil {
		d.poly.Zeroize()
		d.poly = nil
	}
}

// VerifyPrivateShare checks share*G against the dealer's commitment evaluated at to.
func VerifyPrivateShare(share *btcec.ModNScalar, to common.KeyID, c *PolyCommitment) error {
	points, err := c.parsePoints()
	if err != nil {
		return err
	}
	if !secp256k1.Equal(secp256k1.BaseMul(share), EvaluateCommitment(points, to)) {
		return ErrInvalidShare
	}
	return nil
}

// GroupKey sums the constant terms of the accepted commitments. The result depends only on
// the set of commitments, not their order.
func GroupKey(commitments []*PolyCommitment) (*btcec.PublicKey, error) {
	if len(commitments) == 0 {
		return nil, ErrNoCommitments
	}
	var sum btcec.JacobianPoint
	for _, c := range commitments {
		if len(c.Points) == 0 {
			return nil, ErrWrongDegree
		}
		a0, err := secp256k1.ParsePoint(c.Points[0])
		if err != nil {
			return nil, ErrInvalidCommitment
		}
		sum = *secp256k1.Add(&sum, a0)
	}
	return secp256k1.PublicKey(&sum)
}

// PublicKeyShare computes Y_k, the verification key of key id k, from all accepted commitments.
func PublicKeyShare(keyID common.KeyID, commitments []*PolyCommitment) (*btcec.JacobianPoint, error) {
	var sum btcec.JacobianPoint
	for _, c := range commitments {
		points, err := c.parsePoints()
		if err != nil {
			return nil, err
		}
		sum = *secp256k1.Add(&sum, EvaluateCommitment(points, keyID))
	}
	return &sum, nil
}

// DkgResult is the public outcome of a DKG round, enough to verify signature shares later.
type DkgResult struct {
	Threshold   uint32            `json:"threshold"`
	GroupKey    []byte            `json:"group_key"`
	Commitments []*PolyCommitment `json:"commitments"`
}

// NewDkgResult aggregates the accepted commitments into a result sorted by key id.
func NewDkgResult(threshold uint32, commitments []*PolyCommitment) (*DkgResult, error) {
	sorted := make([]*PolyCommitment, len(commitments))
	copy(sorted, commitments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].KeyID < sorted[j].KeyID })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].KeyID == sorted[i-1].KeyID {
			return nil, ErrDuplicateKeyID
		}
	}
	groupKey, err := GroupKey(sorted)
	if err != nil {
		return nil, err
	}
	return &DkgResult{
		Threshold:   threshold,
		GroupKey:    groupKey.SerializeCompressed(),
		Commitments: sorted,
	}, nil
}

func (r *DkgResult) PublicKey() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(r.GroupKey)
}

// PublicShares derives the verification key of every listed key id.
func (r *DkgResult) PublicShares(keyIDs []common.KeyID) (map[common.KeyID]*btcec.JacobianPoint, error) {
	shares := make(map[common.KeyID]*btcec.JacobianPoint, len(keyIDs))
	for _, id := range keyIDs {
		y, err := PublicKeyShare(id, r.Commitments)
		if err != nil {
			return nil, err
		}
		shares[id] = y
	}
	return shares, nil
}
