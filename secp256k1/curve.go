package secp256k1

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	ErrInvalidScalar = errors.New("invalid scalar encoding")
	ErrInvalidPoint  = errors.New("invalid point encoding")
	ErrInfinity      = errors.New("point at infinity")
)

// RandomScalar draws a uniformly random non-zero scalar from crypto/rand.
func RandomScalar() (*btcec.ModNScalar, error) {
	return RandomScalarFrom(rand.Reader)
}

// RandomScalarFrom draws a non-zero scalar from r, rejecting values >= n.
func RandomScalarFrom(r io.Reader) (*btcec.ModNScalar, error) {
	var buf [32]byte
	defer zeroBytes(buf[:])
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		var s btcec.ModNScalar
		if overflow := s.SetBytes(&buf); overflow != 0 || s.IsZero() {
			continue
		}
		return &s, nil
	}
}

func ScalarFromUint32(v uint32) *btcec.ModNScalar {
	var s btcec.ModNScalar
	s.SetInt(v)
	return &s
}

// ScalarFromBytes parses a canonical 32 byte big endian scalar.
func ScalarFromBytes(b []byte) (*btcec.ModNScalar, error) {
	if len(b) != 32 {
		return nil, ErrInvalidScalar
	}
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return nil, ErrInvalidScalar
	}
	return &s, nil
}

// HashToScalar reduces a 32 byte digest modulo n.
func HashToScalar(digest []byte) *btcec.ModNScalar {
	var s btcec.ModNScalar
	s.SetByteSlice(digest)
	return &s
}

func ScalarBytes(s *btcec.ModNScalar) []byte {
	b := s.Bytes()
	return b[:]
}

// ZeroScalar overwrites s in place.
func ZeroScalar(s *btcec.ModNScalar) {
	if s != nil {
		s.Zero()
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// BaseMul returns k*G.
func BaseMul(k *btcec.ModNScalar) *btcec.JacobianPoint {
	var result btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k, &result)
	return &result
}

// Mul returns k*p.
func Mul(k *btcec.ModNScalar, p *btcec.JacobianPoint) *btcec.JacobianPoint {
	var result btcec.JacobianPoint
	btcec.ScalarMultNonConst(k, p, &result)
	return &result
}

// Add returns a+b.
func Add(a, b *btcec.JacobianPoint) *btcec.JacobianPoint {
	var result btcec.JacobianPoint
	btcec.AddNonConst(a, b, &result)
	return &result
}

// Negate returns -p in affine coordinates.
func Negate(p *btcec.JacobianPoint) *btcec.JacobianPoint {
	result := Affine(p)
	result.Y.Negate(1)
	result.Y.Normalize()
	return result
}

// Affine returns a normalized affine copy of p.
func Affine(p *btcec.JacobianPoint) *btcec.JacobianPoint {
	var result btcec.JacobianPoint
	result.Set(p)
	result.ToAffine()
	return &result
}

// IsInfinity reports whether p is the identity. The zero JacobianPoint is the identity.
func IsInfinity(p *btcec.JacobianPoint) bool {
	if p.Z.IsZero() {
		return true
	}
	a := Affine(p)
	return a.X.IsZero() && a.Y.IsZero()
}

func Equal(a, b *btcec.JacobianPoint) bool {
	if IsInfinity(a) || IsInfinity(b) {
		return IsInfinity(a) && IsInfinity(b)
	}
	aa, bb := Affine(a), Affine(b)
	return aa.X.Equals(&bb.X) && aa.Y.Equals(&bb.Y)
}

// HasEvenY reports whether the affine y coordinate of p is even.
func HasEvenY(p *btcec.JacobianPoint) bool {
	return !Affine(p).Y.IsOdd()
}

// PublicKey converts a non-identity point into a btcec public key.
func PublicKey(p *btcec.JacobianPoint) (*btcec.PublicKey, error) {
	if IsInfinity(p) {
		return nil, ErrInfinity
	}
	a := Affine(p)
	return btcec.NewPublicKey(&a.X, &a.Y), nil
}

// Jacobian converts a public key into a point.
func Jacobian(pub *btcec.PublicKey) *btcec.JacobianPoint {
	var result btcec.JacobianPoint
	pub.AsJacobian(&result)
	return &result
}

// SerializePoint encodes p as a 33 byte compressed point.
func SerializePoint(p *btcec.JacobianPoint) ([]byte, error) {
	pub, err := PublicKey(p)
	if err != nil {
		return nil, err
	}
	return pub.SerializeCompressed(), nil
}

// ParsePoint decodes a compressed or uncompressed point, rejecting points off the curve.
func ParsePoint(b []byte) (*btcec.JacobianPoint, error) {
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	return Jacobian(pub), nil
}

// XOnly encodes p as a BIP-340 32 byte x-only key.
func XOnly(p *btcec.JacobianPoint) ([]byte, error) {
	pub, err := PublicKey(p)
	if err != nil {
		return nil, err
	}
	return schnorr.SerializePubKey(pub), nil
}

// ParsePublicKeyHex decodes a hex encoded compressed public key.
func ParsePublicKeyHex(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	return pub, nil
}

// ParsePrivateKeyHex decodes a hex encoded 32 byte private key.
func ParsePrivateKeyHex(s string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidScalar
	}
	scalar, err := ScalarFromBytes(b)
	if err != nil || scalar.IsZero() {
		return nil, ErrInvalidScalar
	}
	return secp.NewPrivateKey(scalar), nil
}
