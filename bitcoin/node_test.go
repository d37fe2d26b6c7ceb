package bitcoin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int               `json:"id"`
}

type rpcReply struct {
	result interface{}
	code   int
	msg    string
}

// rpcServer answers bitcoind calls from a table and records every method called.
type rpcServer struct {
	mu      sync.Mutex
	calls   []string
	replies map[string][]rpcReply
}

func newRPCServer(t *testing.T, replies map[string][]rpcReply) (*rpcServer, *Client) {
	s := &rpcServer{replies: replies}
	srv := httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL)
	c.backoff = time.Millisecond
	return s, c
}

func (s *rpcServer) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.calls = append(s.calls, req.Method)
	queue := s.replies[req.Method]
	var reply rpcReply
	if len(queue) > 0 {
		reply = queue[0]
		if len(queue) > 1 {
			s.replies[req.Method] = queue[1:]
		}
	}
	s.mu.Unlock()

	body := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if reply.code != 0 {
		body["error"] = map[string]interface{}{"code": reply.code, "message": reply.msg}
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		body["result"] = reply.result
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *rpcServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func testAddress(t *testing.T) btcutil.Address {
	addr, err := btcutil.NewAddressTaproot(make([]byte, 32), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr
}

const testTxID = "9a2cda3d4b7c2f1e3e6a0b1c2d3e4f5061728394a5b6c7d8e9fa0b1c2d3e4f50"

func utxoJSON(amount float64) map[string]interface{} {
	return map[string]interface{}{
		"txid":          testTxID,
		"vout":          1,
		"address":       "bcrt1p...",
		"label":         "",
		"scriptPubKey":  "51200000000000000000000000000000000000000000000000000000000000000000",
		"amount":        amount,
		"confirmations": 3,
		"spendable":     false,
		"solvable":      false,
		"safe":          true,
	}
}

func TestListUnspent(t *testing.T) {
	_, c := newRPCServer(t, map[string][]rpcReply{
		"listunspent": {{result: []interface{}{utxoJSON(0.0001)}}},
	})
	utxos, err := c.ListUnspent(context.Background(), testAddress(t))
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, btcutil.Amount(10000), utxos[0].Amount)
	assert.Equal(t, uint32(1), utxos[0].Vout)
	assert.True(t, utxos[0].Safe)

	op, err := utxos[0].OutPoint()
	require.NoError(t, err)
	assert.Equal(t, testTxID, op.Hash.String())
	out, err := utxos[0].TxOut()
	require.NoError(t, err)
	assert.Equal(t, int64(10000), out.Value)
	assert.Len(t, out.PkScript, 34)
}

func TestParseUnspentRejectsMalformed(t *testing.T) {
	_, err := ParseUnspent([]byte(`{"txid":"x"}`))
	assert.Equal(t, ErrInvalidResponseJSON, errors.Cause(err))

	_, err = ParseUnspent([]byte(`[{"txid":"` + testTxID + `","vout":"one"}]`))
	assert.Equal(t, ErrInvalidResponseJSON, errors.Cause(err))

	bad := utxoJSON(1)
	bad["txid"] = "not-a-hash"
	raw, _ := json.Marshal([]interface{}{bad})
	_, err = ParseUnspent(raw)
	assert.Equal(t, ErrInvalidUTXO, errors.Cause(err))
}

func TestBroadcastTransaction(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	s, c := newRPCServer(t, map[string][]rpcReply{
		"sendrawtransaction": {{result: tx.TxHash().String()}},
	})
	hash, err := c.BroadcastTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash(), *hash)
	assert.Equal(t, []string{"sendrawtransaction"}, s.methods())

	_, c = newRPCServer(t, map[string][]rpcReply{
		"sendrawtransaction": {{result: "zz"}},
	})
	_, err = c.BroadcastTransaction(context.Background(), tx)
	assert.Equal(t, ErrInvalidTxHash, err)

	_, c = newRPCServer(t, map[string][]rpcReply{
		"sendrawtransaction": {{code: -26, msg: "min relay fee not met"}},
	})
	_, err = c.BroadcastTransaction(context.Background(), tx)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -26, rpcErr.Code)
	assert.False(t, Retryable(err))
}

func TestLoadWalletCreatesWallet(t *testing.T) {
	s, c := newRPCServer(t, map[string][]rpcReply{
		"createwallet":  {{result: map[string]interface{}{"name": WalletName}}},
		"importaddress": {{result: nil}},
	})
	require.NoError(t, c.LoadWallet(context.Background(), testAddress(t)))
	assert.Equal(t, []string{"createwallet", "importaddress"}, s.methods())
}

func TestLoadWalletLoadsExisting(t *testing.T) {
	s, c := newRPCServer(t, map[string][]rpcReply{
		"createwallet":  {{code: -4, msg: "Wallet file verification failed. SQLiteDatabase: Database already exists."}},
		"listwallets":   {{result: []string{"other"}}},
		"loadwallet":    {{result: map[string]interface{}{"name": WalletName}}},
		"importaddress": {{result: nil}},
	})
	require.NoError(t, c.LoadWallet(context.Background(), testAddress(t)))
	assert.Equal(t, []string{"createwallet", "listwallets", "loadwallet", "importaddress"}, s.methods())

	s, c = newRPCServer(t, map[string][]rpcReply{
		"createwallet":  {{code: -4, msg: "Database already exists."}},
		"listwallets":   {{result: []string{WalletName}}},
		"importaddress": {{result: nil}},
	})
	require.NoError(t, c.LoadWallet(context.Background(), testAddress(t)))
	assert.Equal(t, []string{"createwallet", "listwallets", "importaddress"}, s.methods())
}

func TestLoadWalletRetriesWarmup(t *testing.T) {
	s, c := newRPCServer(t, map[string][]rpcReply{
		"createwallet": {
			{code: rpcInWarmup, msg: "Loading block index..."},
			{result: map[string]interface{}{"name": WalletName}},
		},
		"importaddress": {{result: nil}},
	})
	require.NoError(t, c.LoadWallet(context.Background(), testAddress(t)))
	assert.Equal(t, []string{"createwallet", "createwallet", "importaddress"}, s.methods())
}

func TestLoadWalletStopsOnPermanentError(t *testing.T) {
	s, c := newRPCServer(t, map[string][]rpcReply{
		"createwallet": {{code: -18, msg: "Requested wallet does not exist"}},
	})
	err := c.LoadWallet(context.Background(), testAddress(t))
	require.Error(t, err)
	assert.Equal(t, []string{"createwallet"}, s.methods())
}

func TestBlockCount(t *testing.T) {
	_, c := newRPCServer(t, map[string][]rpcReply{
		"getblockcount": {{result: 812345}},
	})
	n, err := c.BlockCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(812345), n)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(errors.New("connection refused")))
	assert.True(t, Retryable(&RPCError{Code: rpcInWarmup}))
	assert.False(t, Retryable(&RPCError{Code: -25}))
	assert.False(t, Retryable(errors.Wrap(ErrInvalidUTXO, "x")))
	assert.False(t, Retryable(context.Canceled))
}

func TestFakeNode(t *testing.T) {
	f := NewFakeNode()
	f.BroadcastErrs = []error{errors.New("unreachable")}
	tx := wire.NewMsgTx(2)
	_, err := f.BroadcastTransaction(context.Background(), tx)
	require.Error(t, err)
	hash, err := f.BroadcastTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash(), *hash)
	assert.Len(t, f.Broadcasted(), 1)
}
