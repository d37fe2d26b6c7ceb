package frost

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/secp256k1"
)

// Polynomial is a secret sharing polynomial over the secp256k1 scalar field.
// Coeffs[0] is the shared secret.
type Polynomial struct {
	Coeffs []btcec.ModNScalar
}

// NewRandomPolynomial creates a polynomial of the given degree with random coefficients.
func NewRandomPolynomial(degree uint32) (*Polynomial, error) {
	coeffs := make([]btcec.ModNScalar, degree+1)
	for i := range coeffs {
		s, err := secp256k1.RandomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[i].Set(s)
		secp256k1.ZeroScalar(s)
	}
	return &Polynomial{Coeffs: coeffs}, nil
}

func (p *Polynomial) Degree() int {
	return len(p.Coeffs) - 1
}

// Evaluate computes p(x) with Horner's rule.
func (p *Polynomial) Evaluate(x common.KeyID) *btcec.ModNScalar {
	xs := secp256k1.ScalarFromUint32(uint32(x))
	var sum btcec.ModNScalar
	for i := len(p.Coeffs) - 1; i >= 0; i-- {
		sum.Mul(xs)
		sum.Add(&p.Coeffs[i])
	}
	return &sum
}

// Commit returns the Feldman commitment [a_0*G, ..., a_t-1*G].
func (p *Polynomial) Commit() []*btcec.JacobianPoint {
	points := make([]*btcec.JacobianPoint, len(p.Coeffs))
	for i := range p.Coeffs {
		points[i] = secp256k1.BaseMul(&p.Coeffs[i])
	}
	return points
}

// Zeroize overwrites every coefficient.
func (p *Polynomial) Zeroize() {
	for i := range p.Coeffs {
		p.Coeffs[i].Zero()
	}
	p.Coeffs = nil
}

// EvaluateCommitment computes sum(A_j * x^j), the public image of p(x).
func EvaluateCommitment(points []*btcec.JacobianPoint, x common.KeyID) *btcec.JacobianPoint {
	var result btcec.JacobianPoint
	if len(points) == 0 {
		return &result
	}
	xs := secp256k1.ScalarFromUint32(uint32(x))
	result.Set(points[len(points)-1])
	for i := len(points) - 2; i >= 0; i-- {
		result = *secp256k1.Add(secp256k1.Mul(xs, &result), points[i])
	}
	return &result
}

// LagrangeCoefficient computes the coefficient of key id i for interpolation at zero
// over the set ids: prod_{j != i} j / (j - i).
func LagrangeCoefficient(i common.KeyID, ids []common.KeyID) (*btcec.ModNScalar, error) {
	num := secp256k1.ScalarFromUint32(1)
	den := secp256k1.ScalarFromUint32(1)
	found := false
	for _, j := range ids {
		if j == i {
			found = true
			continue
		}
		js := secp256k1.ScalarFromUint32(uint32(j))
		num.Mul(js)

		var diff btcec.ModNScalar
		diff.NegateVal(secp256k1.ScalarFromUint32(uint32(i)))
		diff.Add(js)
		if diff.IsZero() {
			return nil, ErrDuplicateKeyID
		}
		den.Mul(&diff)
	}
	if !found {
		return nil, ErrUnknownKeyID
	}
	den.InverseNonConst()
	return num.Mul(den), nil
}
