// Package bitcoin talks to a bitcoind JSON-RPC endpoint.
package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	jsonrpcclient "github.com/ybbus/jsonrpc"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/telemetry"
)

var (
	ErrInvalidResponseJSON = errors.New("invalid response json")
	ErrInvalidUTXO         = errors.New("invalid utxo")
	ErrInvalidTxHash       = errors.New("invalid transaction hash")
)

// WalletName is the watch-only wallet the peg address is imported into.
const WalletName = "peg-signer"

// bitcoind error codes worth retrying
const (
	rpcInWarmup     = -28
	rpcClientInIBD  = -10
	walletExistsMsg = "Database already exists."
)

// RPCError is an error object returned by bitcoind.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("bitcoin rpc %s failed (%d): %s", e.Method, e.Code, e.Message)
}

// Retryable reports whether err is a transient failure: the node is unreachable, still
// warming up or still syncing.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if rpcErr, ok := errors.Cause(err).(*RPCError); ok {
		return rpcErr.Code == rpcInWarmup || rpcErr.Code == rpcClientInIBD
	}
	switch errors.Cause(err) {
	case ErrInvalidResponseJSON, ErrInvalidUTXO, ErrInvalidTxHash, context.Canceled, context.DeadlineExceeded:
		return false
	}
	return true
}

// UTXO is an unspent output as reported by listunspent.
type UTXO struct {
	TxID          string         `json:"txid"`
	Vout          uint32         `json:"vout"`
	Address       string         `json:"address"`
	Label         string         `json:"label"`
	ScriptPubKey  string         `json:"scriptPubKey"`
	Amount        btcutil.Amount `json:"amount"`
	Confirmations int64          `json:"confirmations"`
	Spendable     bool           `json:"spendable"`
	Solvable      bool           `json:"solvable"`
	Safe          bool           `json:"safe"`
}

// OutPoint returns the outpoint the utxo refers to.
func (u *UTXO) OutPoint() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(u.TxID)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidUTXO, "txid %q", u.TxID)
	}
	return wire.NewOutPoint(hash, u.Vout), nil
}

// TxOut rebuilds the spent output, used for sighash computation.
func (u *UTXO) TxOut() (*wire.TxOut, error) {
	script, err := hex.DecodeString(u.ScriptPubKey)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidUTXO, "script %q", u.ScriptPubKey)
	}
	return wire.NewTxOut(int64(u.Amount), script), nil
}

// Node is what the rest of the system needs from a bitcoin node.
type Node interface {
	BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
	LoadWallet(ctx context.Context, address btcutil.Address) error
	ListUnspent(ctx context.Context, address btcutil.Address) ([]*UTXO, error)
	BlockCount(ctx context.Context) (int64, error)
}

// Client is a Node backed by bitcoind.
type Client struct {
	rpc      jsonrpcclient.RPCClient
	attempts uint
	backoff  time.Duration
}

// NewClient connects to a bitcoind RPC url. Credentials may be part of the url.
func NewClient(endpoint string) *Client {
	return &Client{
		rpc:      jsonrpcclient.NewClient(endpoint),
		attempts: 5,
		backoff:  100 * time.Millisecond,
	}
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (*jsonrpcclient.RPCResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := common.TelemetryConstants.Bitcoin.Prefix
	telemetry.IncrementCounter(common.TelemetryConstants.Bitcoin.RPCCallCounter, prefix)
	logging.WithField("method", method).Debug("bitcoin rpc call")

	resp, err := c.rpc.Call(method, params...)
	if resp != nil && resp.Error != nil {
		telemetry.IncrementCounter(common.TelemetryConstants.Bitcoin.RPCErrorCounter, prefix)
		return nil, &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if err != nil {
		telemetry.IncrementCounter(common.TelemetryConstants.Bitcoin.RPCErrorCounter, prefix)
		return nil, errors.Wrapf(err, "bitcoin rpc %s", method)
	}
	if resp == nil {
		return nil, errors.Wrapf(ErrInvalidResponseJSON, "%s returned no response", method)
	}
	return resp, nil
}

// BroadcastTransaction submits tx with sendrawtransaction and returns its txid.
func (c *Client) BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, "sendrawtransaction", hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	txid, err := resp.GetString()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidResponseJSON, "no transaction hash in sendrawtransaction response")
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, ErrInvalidTxHash
	}
	return hash, nil
}

// LoadWallet makes sure the watch-only wallet exists and is loaded, then imports address.
// The sequence is retried while the node is warming up.
func (c *Client) LoadWallet(ctx context.Context, address btcutil.Address) error {
	var lastErr error
	action := func(attempt uint) error {
		lastErr = c.loadWallet(ctx, address)
		if lastErr != nil {
			logging.WithField("attempt", attempt).WithError(lastErr).Debug("could not load wallet")
		}
		return lastErr
	}
	return retry.Retry(
		action,
		strategy.Limit(c.attempts),
		func(attempt uint) bool { return attempt == 0 || Retryable(lastErr) },
		strategy.Backoff(backoff.Fibonacci(c.backoff)),
	)
}

func (c *Client) loadWallet(ctx context.Context, address btcutil.Address) error {
	// name, disable_private_keys, blank, passphrase, avoid_reuse, descriptors, load_on_startup
	_, err := c.call(ctx, "createwallet", WalletName, false, true, "", false, false, true)
	if err != nil {
		rpcErr, ok := errors.Cause(err).(*RPCError)
		if !ok || !strings.HasSuffix(rpcErr.Message, walletExistsMsg) {
			return err
		}
		logging.WithField("wallet", WalletName).Warn(rpcErr.Message)
		wallets, err := c.listWallets(ctx)
		if err != nil {
			return err
		}
		if !contains(wallets, WalletName) {
			if _, err := c.call(ctx, "loadwallet", WalletName, false); err != nil {
				return err
			}
		}
	}
	// address, label, rescan, p2sh
	_, err = c.call(ctx, "importaddress", address.EncodeAddress(), "", true, false)
	return err
}

func (c *Client) listWallets(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, "listwallets")
	if err != nil {
		return nil, err
	}
	var wallets []string
	if err := resp.GetObject(&wallets); err != nil {
		return nil, errors.Wrap(ErrInvalidResponseJSON, err.Error())
	}
	return wallets, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// ListUnspent lists every output paying to address, confirmed or not.
func (c *Client) ListUnspent(ctx context.Context, address btcutil.Address) ([]*UTXO, error) {
	resp, err := c.call(ctx, "listunspent", 0, 9999999, []string{address.EncodeAddress()})
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := resp.GetObject(&raw); err != nil {
		return nil, errors.Wrap(ErrInvalidResponseJSON, err.Error())
	}
	return ParseUnspent(raw)
}

// ParseUnspent parses a listunspent result array.
func ParseUnspent(raw []byte) ([]*UTXO, error) {
	result := gjson.ParseBytes(raw)
	if !result.IsArray() {
		return nil, errors.Wrap(ErrInvalidResponseJSON, "listunspent response is not an array")
	}
	var utxos []*UTXO
	var parseErr error
	result.ForEach(func(_, value gjson.Result) bool {
		utxo, err := parseUTXO(value)
		if err != nil {
			parseErr = err
			return false
		}
		utxos = append(utxos, utxo)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return utxos, nil
}

func parseUTXO(v gjson.Result) (*UTXO, error) {
	// gjson.True stands for either boolean
	field := func(name string, kind gjson.Type) (gjson.Result, error) {
		f := v.Get(name)
		typ := f.Type
		if typ == gjson.False {
			typ = gjson.True
		}
		if !f.Exists() || typ != kind {
			return f, errors.Wrapf(ErrInvalidResponseJSON, "could not parse %s", name)
		}
		return f, nil
	}
	var u UTXO
	for _, p := range []struct {
		name string
		kind gjson.Type
		set  func(gjson.Result) error
	}{
		{"txid", gjson.String, func(r gjson.Result) error { u.TxID = r.String(); return nil }},
		{"vout", gjson.Number, func(r gjson.Result) error { u.Vout = uint32(r.Uint()); return nil }},
		{"address", gjson.String, func(r gjson.Result) error { u.Address = r.String(); return nil }},
		{"label", gjson.String, func(r gjson.Result) error { u.Label = r.String(); return nil }},
		{"scriptPubKey", gjson.String, func(r gjson.Result) error { u.ScriptPubKey = r.String(); return nil }},
		{"amount", gjson.Number, func(r gjson.Result) error {
			amount, err := btcutil.NewAmount(r.Float())
			u.Amount = amount
			return err
		}},
		{"confirmations", gjson.Number, func(r gjson.Result) error { u.Confirmations = r.Int(); return nil }},
		{"spendable", gjson.True, func(r gjson.Result) error { u.Spendable = r.Bool(); return nil }},
		{"solvable", gjson.True, func(r gjson.Result) error { u.Solvable = r.Bool(); return nil }},
		{"safe", gjson.True, func(r gjson.Result) error { u.Safe = r.Bool(); return nil }},
	} {
		r, err := field(p.name, p.kind)
		if err != nil {
			return nil, err
		}
		if err := p.set(r); err != nil {
			return nil, errors.Wrapf(ErrInvalidUTXO, "%s: %v", p.name, err)
		}
	}
	if _, err := chainhash.NewHashFromStr(u.TxID); err != nil {
		return nil, errors.Wrapf(ErrInvalidUTXO, "txid %q", u.TxID)
	}
	return &u, nil
}

// BlockCount returns the height of the node's best chain.
func (c *Client) BlockCount(ctx context.Context) (int64, error) {
	resp, err := c.call(ctx, "getblockcount")
	if err != nil {
		return 0, err
	}
	n, err := resp.GetInt()
	if err != nil {
		return 0, errors.Wrap(ErrInvalidResponseJSON, "block count is not a number")
	}
	return n, nil
}
