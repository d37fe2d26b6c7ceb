package stacks

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUIntEncoding(t *testing.T) {
	h, err := UInt(1).Hex()
	require.NoError(t, err)
	assert.Equal(t, "0x0100000000000000000000000000000001", h)

	h, err = Int(-1).Hex()
	require.NoError(t, err)
	assert.Equal(t, "0x00ffffffffffffffffffffffffffffffff", h)
}

func TestDecodeSignerData(t *testing.T) {
	pub := make([]byte, 33)
	pub[0] = 0x02
	v := Some(Tuple(map[string]*Value{
		"public-key": Buffer(pub),
		"key-ids":    List(UInt(1), UInt(2)),
	}))
	h, err := v.Hex()
	require.NoError(t, err)

	got, err := DecodeHex(h)
	require.NoError(t, err)
	inner, err := got.Optional()
	require.NoError(t, err)
	require.NotNil(t, inner)
	keys, err := inner.Field("key-ids")
	require.NoError(t, err)
	require.Len(t, keys.List, 2)
	k, err := keys.List[1].Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), k)
	assert.Equal(t, "(some (tuple (key-ids (list u1 u2)) (public-key 0x"+hex.EncodeToString(pub)+")))", got.String())
}

func TestTupleFieldsAreSorted(t *testing.T) {
	a, err := Tuple(map[string]*Value{"b": Bool(true), "a": Bool(false)}).Serialize()
	require.NoError(t, err)
	// prefix, count, then "a" before "b"
	assert.Equal(t, []byte{0x0c, 0, 0, 0, 2, 1, 'a', 0x04, 1, 'b', 0x03}, a)
}

func TestRoundTripOtherTypes(t *testing.T) {
	var hash [20]byte
	hash[19] = 7
	for _, v := range []*Value{
		Int(-42),
		{Type: TypeUInt, Int: new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))},
		StringASCII("peg"),
		StringUTF8("ünïcode"),
		None(),
		Ok(UInt(3)),
		Err(UInt(4)),
		StandardPrincipal(26, hash),
		ContractPrincipal(26, hash, "peg-wallet"),
		List(),
	} {
		raw, err := v.Serialize()
		require.NoError(t, err, v.String())
		got, err := Deserialize(raw)
		require.NoError(t, err, v.String())
		assert.Equal(t, v.String(), got.String())
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":         {},
		"unknown type":  {0x20},
		"short uint":    {0x01, 0, 0},
		"short buffer":  {0x02, 0, 0, 0, 5, 1},
		"trailing":      {0x03, 0x03},
		"huge list":     {0x0b, 0xff, 0xff, 0xff, 0xff},
		"truncated ctp": append(append([]byte{0x06, 26}, make([]byte, 20)...), 4, 'a'),
	} {
		_, err := Deserialize(raw)
		assert.Equal(t, ErrMalformedValue, errors.Cause(err), name)
	}

	deep := make([]byte, 0, 64)
	for i := 0; i < 40; i++ {
		deep = append(deep, byte(TypeSome))
	}
	deep = append(deep, byte(TypeNone))
	_, err := Deserialize(deep)
	assert.Equal(t, ErrMalformedValue, errors.Cause(err))
}

func TestAccessorsCheckTypes(t *testing.T) {
	_, err := Bool(true).Uint64()
	assert.Equal(t, ErrMalformedValue, errors.Cause(err))
	_, err = UInt(1).Buffer()
	assert.Equal(t, ErrMalformedValue, errors.Cause(err))
	_, err = UInt(1).Optional()
	assert.Equal(t, ErrMalformedValue, errors.Cause(err))
	_, err = Err(UInt(1)).Unwrap()
	assert.Equal(t, ErrMalformedValue, errors.Cause(err))
	v, err := UInt(1).Unwrap()
	require.NoError(t, err)
	assert.Equal(t, TypeUInt, v.Type)
}
