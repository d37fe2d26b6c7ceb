package stacks

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformedValue = errors.New("malformed clarity value")

// Type is the consensus type prefix of a serialized Clarity value.
type Type byte

const (
	TypeInt               Type = 0x00
	TypeUInt              Type = 0x01
	TypeBuffer            Type = 0x02
	TypeTrue              Type = 0x03
	TypeFalse             Type = 0x04
	TypeStandardPrincipal Type = 0x05
	TypeContractPrincipal Type = 0x06
	TypeResponseOk        Type = 0x07
	TypeResponseErr       Type = 0x08
	TypeNone              Type = 0x09
	TypeSome              Type = 0x0a
	TypeList              Type = 0x0b
	TypeTuple             Type = 0x0c
	TypeStringASCII       Type = 0x0d
	TypeStringUTF8        Type = 0x0e
)

// maxDepth matches the nesting limit enforced by stacks nodes.
const maxDepth = 32

// Principal is a standard or contract principal in its raw form.
type Principal struct {
	Version  byte
	Hash160  [20]byte
	Contract string
}

// Value is a decoded Clarity value. Which fields are set depends on Type.
type Value struct {
	Type      Type
	Int       *big.Int
	Bytes     []byte
	Inner     *Value
	List      []*Value
	Tuple     map[string]*Value
	Principal *Principal
}

var (
	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	minInt128  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxInt128  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	two128     = new(big.Int).Lsh(big.NewInt(1), 128)
)

func UInt(n uint64) *Value { return &Value{Type: TypeUInt, Int: new(big.Int).SetUint64(n)} }
func Int(n int64) *Value   { return &Value{Type: TypeInt, Int: big.NewInt(n)} }
func Buffer(b []byte) *Value {
	return &Value{Type: TypeBuffer, Bytes: append([]byte(nil), b...)}
}
func StringASCII(s string) *Value { return &Value{Type: TypeStringASCII, Bytes: []byte(s)} }
func StringUTF8(s string) *Value  { return &Value{Type: TypeStringUTF8, Bytes: []byte(s)} }
func None() *Value                { return &Value{Type: TypeNone} }
func Some(v *Value) *Value        { return &Value{Type: TypeSome, Inner: v} }
func Ok(v *Value) *Value          { return &Value{Type: TypeResponseOk, Inner: v} }
func Err(v *Value) *Value         { return &Value{Type: TypeResponseErr, Inner: v} }
func List(items ...*Value) *Value { return &Value{Type: TypeList, List: items} }

func Bool(b bool) *Value {
	if b {
		return &Value{Type: TypeTrue}
	}
	return &Value{Type: TypeFalse}
}

func Tuple(fields map[string]*Value) *Value {
	return &Value{Type: TypeTuple, Tuple: fields}
}

func StandardPrincipal(version byte, hash160 [20]byte) *Value {
	return &Value{Type: TypeStandardPrincipal, Principal: &Principal{Version: version, Hash160: hash160}}
}

func ContractPrincipal(version byte, hash160 [20]byte, name string) *Value {
	return &Value{Type: TypeContractPrincipal, Principal: &Principal{Version: version, Hash160: hash160, Contract: name}}
}

// Serialize encodes v in the consensus wire format.
func (v *Value) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hex is the 0x-prefixed form read-only calls take as arguments.
func (v *Value) Hex() (string, error) {
	raw, err := v.Serialize()
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(raw), nil
}

func writeLen(buf *bytes.Buffer, n int) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(n))
	buf.Write(l[:])
}

func (v *Value) encode(buf *bytes.Buffer, depth int) error {
	if depth > maxDepth {
		return errors.Wrap(ErrMalformedValue, "value nested too deeply")
	}
	buf.WriteByte(byte(v.Type))
	switch v.Type {
	case TypeUInt:
		if v.Int == nil || v.Int.Sign() < 0 || v.Int.Cmp(maxUint128) > 0 {
			return errors.Wrap(ErrMalformedValue, "uint out of range")
		}
		var b [16]byte
		v.Int.FillBytes(b[:])
		buf.Write(b[:])
	case TypeInt:
		if v.Int == nil || v.Int.Cmp(minInt128) < 0 || v.Int.Cmp(maxInt128) > 0 {
			return errors.Wrap(ErrMalformedValue, "int out of range")
		}
		n := new(big.Int).Set(v.Int)
		if n.Sign() < 0 {
			n.Add(n, two128)
		}
		var b [16]byte
		n.FillBytes(b[:])
		buf.Write(b[:])
	case TypeBuffer, TypeStringASCII, TypeStringUTF8:
		writeLen(buf, len(v.Bytes))
		buf.Write(v.Bytes)
	case TypeTrue, TypeFalse, TypeNone:
	case TypeStandardPrincipal, TypeContractPrincipal:
		if v.Principal == nil {
			return errors.Wrap(ErrMalformedValue, "principal missing")
		}
		buf.WriteByte(v.Principal.Version)
		buf.Write(v.Principal.Hash160[:])
		if v.Type == TypeContractPrincipal {
			if len(v.Principal.Contract) == 0 || len(v.Principal.Contract) > 128 {
				return errors.Wrap(ErrMalformedValue, "contract name length")
			}
			buf.WriteByte(byte(len(v.Principal.Contract)))
			buf.WriteString(v.Principal.Contract)
		}
	case TypeResponseOk, TypeResponseErr, TypeSome:
		if v.Inner == nil {
			return errors.Wrap(ErrMalformedValue, "wrapped value missing")
		}
		return v.Inner.encode(buf, depth+1)
	case TypeList:
		writeLen(buf, len(v.List))
		for _, item := range v.List {
			if err := item.encode(buf, depth+1); err != nil {
				return err
			}
		}
	case TypeTuple:
		names := make([]string, 0, len(v.Tuple))
		for name := range v.Tuple {
			names = append(names, name)
		}
		sort.Strings(names)
		writeLen(buf, len(names))
		for _, name := range names {
			if len(name) == 0 || len(name) > 128 {
				return errors.Wrapf(ErrMalformedValue, "tuple field name %q", name)
			}
			buf.WriteByte(byte(len(name)))
			buf.WriteString(name)
			if err := v.Tuple[name].encode(buf, depth+1); err != nil {
				return err
			}
		}
	default:
		return errors.Wrapf(ErrMalformedValue, "unknown type 0x%02x", byte(v.Type))
	}
	return nil
}

// DecodeHex parses a serialized value with or without the 0x prefix.
func DecodeHex(s string) (*Value, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, errors.Wrap(ErrMalformedValue, err.Error())
	}
	return Deserialize(raw)
}

// Deserialize parses exactly one value; trailing bytes are an error.
func Deserialize(raw []byte) (*Value, error) {
	r := bytes.NewReader(raw)
	v, err := decode(r, 0)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errors.Wrapf(ErrMalformedValue, "%d trailing bytes", r.Len())
	}
	return v, nil
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	if n > r.Len() {
		return nil, errors.Wrap(ErrMalformedValue, "value truncated")
	}
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b, nil
}

func readLen(r *bytes.Reader) (int, error) {
	b, err := readN(r, 4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b)), nil
}

func decode(r *bytes.Reader, depth int) (*Value, error) {
	if depth > maxDepth {
		return nil, errors.Wrap(ErrMalformedValue, "value nested too deeply")
	}
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(ErrMalformedValue, "value truncated")
	}
	v := &Value{Type: Type(prefix)}
	switch v.Type {
	case TypeUInt, TypeInt:
		b, err := readN(r, 16)
		if err != nil {
			return nil, err
		}
		v.Int = new(big.Int).SetBytes(b)
		if v.Type == TypeInt && b[0]&0x80 != 0 {
			v.Int.Sub(v.Int, two128)
		}
	case TypeBuffer, TypeStringASCII, TypeStringUTF8:
		n, err := readLen(r)
		if err != nil {
			return nil, err
		}
		if v.Bytes, err = readN(r, n); err != nil {
			return nil, err
		}
	case TypeTrue, TypeFalse, TypeNone:
	case TypeStandardPrincipal, TypeContractPrincipal:
		b, err := readN(r, 21)
		if err != nil {
			return nil, err
		}
		p := &Principal{Version: b[0]}
		copy(p.Hash160[:], b[1:])
		if v.Type == TypeContractPrincipal {
			n, err := r.ReadByte()
			if err != nil {
				return nil, errors.Wrap(ErrMalformedValue, "value truncated")
			}
			name, err := readN(r, int(n))
			if err != nil {
				return nil, err
			}
			p.Contract = string(name)
		}
		v.Principal = p
	case TypeResponseOk, TypeResponseErr, TypeSome:
		if v.Inner, err = decode(r, depth+1); err != nil {
			return nil, err
		}
	case TypeList:
		n, err := readLen(r)
		if err != nil {
			return nil, err
		}
		// every item takes at least one byte
		if n > r.Len() {
			return nil, errors.Wrap(ErrMalformedValue, "list length exceeds input")
		}
		v.List = make([]*Value, 0, n)
		for i := 0; i < n; i++ {
			item, err := decode(r, depth+1)
			if err != nil {
				return nil, err
			}
			v.List = append(v.List, item)
		}
	case TypeTuple:
		n, err := readLen(r)
		if err != nil {
			return nil, err
		}
		if n > r.Len() {
			return nil, errors.Wrap(ErrMalformedValue, "tuple length exceeds input")
		}
		v.Tuple = make(map[string]*Value, n)
		for i := 0; i < n; i++ {
			l, err := r.ReadByte()
			if err != nil {
				return nil, errors.Wrap(ErrMalformedValue, "value truncated")
			}
			name, err := readN(r, int(l))
			if err != nil {
				return nil, err
			}
			field, err := decode(r, depth+1)
			if err != nil {
				return nil, err
			}
			v.Tuple[string(name)] = field
		}
	default:
		return nil, errors.Wrapf(ErrMalformedValue, "unknown type 0x%02x", prefix)
	}
	return v, nil
}

func (v *Value) mismatch(want string) error {
	return errors.Wrapf(ErrMalformedValue, "expected %s, got type 0x%02x", want, byte(v.Type))
}

// Uint64 reads a uint that must fit 64 bits.
func (v *Value) Uint64() (uint64, error) {
	if v.Type != TypeUInt {
		return 0, v.mismatch("uint")
	}
	if !v.Int.IsUint64() {
		return 0, errors.Wrap(ErrMalformedValue, "uint does not fit 64 bits")
	}
	return v.Int.Uint64(), nil
}

func (v *Value) Buffer() ([]byte, error) {
	if v.Type != TypeBuffer {
		return nil, v.mismatch("buffer")
	}
	return v.Bytes, nil
}

// Optional returns the wrapped value of a some, or nil for none.
func (v *Value) Optional() (*Value, error) {
	switch v.Type {
	case TypeNone:
		return nil, nil
	case TypeSome:
		return v.Inner, nil
	}
	return nil, v.mismatch("optional")
}

// Unwrap strips an ok response. An err response becomes an error.
func (v *Value) Unwrap() (*Value, error) {
	switch v.Type {
	case TypeResponseOk:
		return v.Inner, nil
	case TypeResponseErr:
		return nil, errors.Wrapf(ErrMalformedValue, "contract returned err %s", v.Inner)
	}
	return v, nil
}

// Field looks up a tuple entry.
func (v *Value) Field(name string) (*Value, error) {
	if v.Type != TypeTuple {
		return nil, v.mismatch("tuple")
	}
	f, ok := v.Tuple[name]
	if !ok {
		return nil, errors.Wrapf(ErrMalformedValue, "tuple has no field %q", name)
	}
	return f, nil
}

// String renders v roughly the way Clarity prints values.
func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	switch v.Type {
	case TypeUInt:
		return "u" + v.Int.String()
	case TypeInt:
		return v.Int.String()
	case TypeBuffer:
		return "0x" + hex.EncodeToString(v.Bytes)
	case TypeStringASCII, TypeStringUTF8:
		return fmt.Sprintf("%q", v.Bytes)
	case TypeTrue:
		return "true"
	case TypeFalse:
		return "false"
	case TypeNone:
		return "none"
	case TypeSome:
		return "(some " + v.Inner.String() + ")"
	case TypeResponseOk:
		return "(ok " + v.Inner.String() + ")"
	case TypeResponseErr:
		return "(err " + v.Inner.String() + ")"
	case TypeStandardPrincipal, TypeContractPrincipal:
		s := fmt.Sprintf("'%d:%x", v.Principal.Version, v.Principal.Hash160)
		if v.Type == TypeContractPrincipal {
			s += "." + v.Principal.Contract
		}
		return s
	case TypeList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.String()
		}
		return "(list " + strings.Join(parts, " ") + ")"
	case TypeTuple:
		names := make([]string, 0, len(v.Tuple))
		for name := range v.Tuple {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = "(" + name + " " + v.Tuple[name].String() + ")"
		}
		return "(tuple " + strings.Join(parts, " ") + ")"
	}
	return fmt.Sprintf("<type 0x%02x>", byte(v.Type))
}
