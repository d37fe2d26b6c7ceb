package stacks

import (
	"context"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressEncoding(t *testing.T) {
	raw, err := hex.DecodeString("a46ff88886c2ef9762d970b4d2c63678835bd39d")
	require.NoError(t, err)
	var hash [20]byte
	copy(hash[:], raw)

	for version, want := range map[byte]string{
		AddressVersionMainnet: "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7",
		AddressVersionTestnet: "ST2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKQ9H6DPR",
	} {
		a := Address{Version: version, Hash160: hash}
		assert.Equal(t, want, a.String())
		parsed, err := ParseAddress(want)
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}

	// leading zero bytes survive the round trip
	zero := Address{Version: AddressVersionTestnet}
	zero.Hash160[19] = 1
	parsed, err := ParseAddress(zero.String())
	require.NoError(t, err)
	assert.Equal(t, zero, parsed)

	parsed, err = ParseAddress(contractAddress)
	require.NoError(t, err)
	assert.Equal(t, contractAddress, parsed.String())

	for _, bad := range []string{"", "SP", "XP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7", "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ8", "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJU"} {
		_, err := ParseAddress(bad)
		assert.Equal(t, ErrInvalidAddress, errors.Cause(err), bad)
	}
}

func TestParsePrincipal(t *testing.T) {
	v, err := ParsePrincipal(contractAddress + "." + contractName)
	require.NoError(t, err)
	assert.Equal(t, TypeContractPrincipal, v.Type)
	assert.Equal(t, contractName, v.Principal.Contract)

	v, err = ParsePrincipal(contractAddress)
	require.NoError(t, err)
	assert.Equal(t, TypeStandardPrincipal, v.Type)
}

func testCall(t *testing.T) *ContractCall {
	contract, err := ParseAddress(contractAddress)
	require.NoError(t, err)
	call, err := SetBitcoinWalletCall(contract, contractName, make([]byte, 32))
	require.NoError(t, err)
	return call
}

func TestTransactionSignAndParse(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	tx := NewContractCall(Testnet, key.PubKey(), testCall(t), 4, 2000)

	unsigned, err := tx.SigHash()
	require.NoError(t, err)
	assert.Len(t, unsigned, 32)
	assert.Equal(t, ErrNotSigned, tx.VerifySignature())

	require.NoError(t, tx.Sign(key))
	require.NoError(t, tx.VerifySignature())
	signed, err := tx.SigHash()
	require.NoError(t, err)
	assert.Equal(t, unsigned, signed, "the signature is not part of the sighash")

	raw, err := tx.Serialize()
	require.NoError(t, err)
	assert.Equal(t, byte(TransactionVersionTestnet), raw[0])
	parsed, err := ParseTransaction(raw)
	require.NoError(t, err)
	assert.Equal(t, tx, parsed)
	require.NoError(t, parsed.VerifySignature())

	_, err = ParseTransaction(append(raw, 0))
	assert.Equal(t, ErrMalformedTransaction, errors.Cause(err))
	_, err = ParseTransaction(raw[:40])
	assert.Equal(t, ErrMalformedTransaction, errors.Cause(err))

	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	assert.Error(t, tx.Sign(other))
}

func TestSigHashCoversFeeAndNonce(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	base := NewContractCall(Testnet, key.PubKey(), testCall(t), 1, 100)
	want, err := base.SigHash()
	require.NoError(t, err)

	for _, tx := range []*Transaction{
		NewContractCall(Testnet, key.PubKey(), testCall(t), 2, 100),
		NewContractCall(Testnet, key.PubKey(), testCall(t), 1, 101),
		NewContractCall(Mainnet, key.PubKey(), testCall(t), 1, 100),
	} {
		got, err := tx.SigHash()
		require.NoError(t, err)
		assert.NotEqual(t, want, got)
	}
}

func TestPegOps(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/burn_ops/120/peg_in":
			_, _ = w.Write([]byte(`{"peg_in":[{"amount":1337,"block_height":120,"burn_header_hash":"aa","memo":"","peg_wallet_address":"bcrt1pwallet","recipient":"` + contractAddress + `","txid":"` + "0f" + `","vtxindex":2}]}`))
		case "/v2/burn_ops/120/peg_out_request":
			_, _ = w.Write([]byte(`{"peg_out_request":[{"amount":500,"recipient":"bcrt1qrecipient","fulfillment_fee":30,"signature":"00","peg_wallet_address":"bcrt1pwallet","memo":"","txid":"0e","vtxindex":1,"block_height":120,"burn_header_hash":"aa"}]}`))
		case "/v2/burn_ops/121/peg_in":
			_, _ = w.Write([]byte(`{"peg_in":{}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	ctx := context.Background()

	ins, err := client.PegInOps(ctx, 120)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, uint64(1337), ins[0].Amount)
	assert.Equal(t, contractAddress, ins[0].Recipient)
	assert.Equal(t, uint32(2), ins[0].VoutIndex)

	outs, err := client.PegOutRequestOps(ctx, 120)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "bcrt1qrecipient", outs[0].Recipient)
	assert.Equal(t, uint64(30), outs[0].FulfillmentFee)

	_, err = client.PegInOps(ctx, 121)
	assert.Equal(t, ErrInvalidJSONEntry, errors.Cause(err))
	_, err = client.PegInOps(ctx, 999)
	assert.Equal(t, ErrUnknownBlockHeight, errors.Cause(err))

	contract, _, err := client.Contract()
	require.NoError(t, err)
	call, err := MintCall(contract, contractName, &ins[0])
	require.NoError(t, err)
	assert.Equal(t, FunctionMint, call.FunctionName)
	require.Len(t, call.Args, 3)
	assert.Equal(t, TypeStandardPrincipal, call.Args[1].Type)
}
