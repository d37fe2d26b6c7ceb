package stacks

import (
	"bytes"
	"crypto/sha256"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"
)

// Single-sig address versions.
const (
	AddressVersionMainnet byte = 22
	AddressVersionTestnet byte = 26
)

var ErrInvalidAddress = errors.New("invalid stacks address")

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Address is a standard principal: a version and the hash160 of its key.
type Address struct {
	Version byte
	Hash160 [20]byte
}

// AddressFromPublicKey is the single-sig address of a compressed public key.
func AddressFromPublicKey(version byte, pub *btcec.PublicKey) Address {
	a := Address{Version: version}
	copy(a.Hash160[:], btcutil.Hash160(pub.SerializeCompressed()))
	return a
}

// ParseAddress decodes a c32check address such as SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) < 3 || s[0] != 'S' {
		return a, errors.Wrap(ErrInvalidAddress, s)
	}
	normalized := strings.NewReplacer("O", "0", "L", "1", "I", "1").Replace(strings.ToUpper(s[1:]))
	version := strings.IndexByte(c32Alphabet, normalized[0])
	if version < 0 {
		return a, errors.Wrap(ErrInvalidAddress, s)
	}
	decoded, err := c32Decode(normalized[1:])
	if err != nil {
		return a, errors.Wrap(ErrInvalidAddress, s)
	}
	if len(decoded) != 24 {
		return a, errors.Wrapf(ErrInvalidAddress, "%s: %d bytes", s, len(decoded))
	}
	payload, sum := decoded[:20], decoded[20:]
	if !bytes.Equal(sum, c32Checksum(byte(version), payload)) {
		return a, errors.Wrapf(ErrInvalidAddress, "%s: bad checksum", s)
	}
	a.Version = byte(version)
	copy(a.Hash160[:], payload)
	return a, nil
}

func (a Address) String() string {
	data := append(append([]byte(nil), a.Hash160[:]...), c32Checksum(a.Version, a.Hash160[:])...)
	return "S" + string(c32Alphabet[a.Version&0x1f]) + c32Encode(data)
}

// Principal is the clarity value of the address.
func (a Address) Principal() *Value {
	return StandardPrincipal(a.Version, a.Hash160)
}

// ParsePrincipal reads "address" or "address.contract-name".
func ParsePrincipal(s string) (*Value, error) {
	addr, name := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		addr, name = s[:i], s[i+1:]
	}
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return a.Principal(), nil
	}
	return ContractPrincipal(a.Version, a.Hash160, name), nil
}

func c32Checksum(version byte, payload []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, payload...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

// c32Encode writes data five bits at a time from the least significant end. Leading zero
// bytes become leading zero digits.
func c32Encode(data []byte) string {
	var out []byte
	carry, carryBits := 0, 0
	for i := len(data) - 1; i >= 0; i-- {
		current := int(data[i])
		take := 5 - carryBits
		out = append(out, c32Alphabet[((current&(1<<take-1))<<carryBits)+carry])
		carryBits += 8 - 5
		carry = current >> (8 - carryBits)
		if carryBits >= 5 {
			out = append(out, c32Alphabet[carry&0x1f])
			carryBits -= 5
			carry >>= 5
		}
	}
	if carryBits > 0 {
		out = append(out, c32Alphabet[carry])
	}
	for len(out) > 0 && out[len(out)-1] == c32Alphabet[0] {
		out = out[:len(out)-1]
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, c32Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func c32Decode(s string) ([]byte, error) {
	digits := make([]int, len(s))
	for i := range s {
		d := strings.IndexByte(c32Alphabet, s[len(s)-1-i])
		if d < 0 {
			return nil, errors.Errorf("invalid c32 character %q", s[len(s)-1-i])
		}
		digits[i] = d
	}
	var out []byte
	carry, carryBits := 0, 0
	for _, d := range digits {
		carry += d << carryBits
		carryBits += 5
		if carryBits >= 8 {
			out = append(out, byte(carry&0xff))
			carryBits -= 8
			carry >>= 8
		}
	}
	if carryBits > 0 {
		out = append(out, byte(carry))
	}
	for len(out) > 0 && out[len(out)-1] == 0 {
		out = out[:len(out)-1]
	}
	for i := len(digits) - 1; i >= 0 && digits[i] == 0; i-- {
		out = append(out, 0)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
