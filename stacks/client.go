// Package stacks reads the peg contract and submits transactions through a stacks node's
// RPC API.
package stacks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/torusresearch/bijson"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/keyregistry"
	"github.com/torusresearch/peg-signer/telemetry"
)

var (
	ErrReadOnlyFailure  = errors.New("read-only call failed")
	ErrInvalidJSONEntry = errors.New("invalid json entry")
	ErrUnknownAddress   = errors.New("unknown address")
	ErrNoSignerData     = errors.New("no signer data")
	ErrUnexpectedStatus = errors.New("unexpected http status")
)

// BroadcastReason classifies a rejected transaction.
type BroadcastReason string

const (
	ReasonFeeTooLow                 BroadcastReason = "FeeTooLow"
	ReasonNotEnoughFunds            BroadcastReason = "NotEnoughFunds"
	ReasonConflictingNonceInMempool BroadcastReason = "ConflictingNonceInMempool"
)

// BroadcastError is a transaction rejected by the node.
type BroadcastError struct {
	Reason   BroadcastReason
	Expected uint64
	Actual   uint64
	Data     string
}

func (e *BroadcastError) Error() string {
	switch e.Reason {
	case ReasonFeeTooLow:
		return fmt.Sprintf("fee too low. expected: %d, actual: %d", e.Expected, e.Actual)
	case ReasonNotEnoughFunds:
		return "not enough funds: " + e.Data
	case ReasonConflictingNonceInMempool:
		return "conflicting nonce in mempool"
	}
	return string(e.Reason)
}

func parseBroadcastError(body []byte) *BroadcastError {
	reason := gjson.GetBytes(body, "reason")
	if !reason.Exists() {
		return &BroadcastError{Reason: "unknown reason"}
	}
	e := &BroadcastError{Reason: BroadcastReason(reason.String())}
	data := gjson.GetBytes(body, "reason_data")
	switch e.Reason {
	case ReasonFeeTooLow:
		// older nodes put the amounts next to the reason
		for _, prefix := range []string{"reason_data.", ""} {
			if v := gjson.GetBytes(body, prefix+"expected"); v.Exists() {
				e.Expected = v.Uint()
				e.Actual = gjson.GetBytes(body, prefix+"actual").Uint()
				break
			}
		}
	case ReasonNotEnoughFunds:
		e.Data = "No Reason Data"
		if data.Exists() {
			e.Data = data.Raw
		}
	}
	return e
}

// ClientConfig locates the node and the peg contract.
type ClientConfig struct {
	URL             string
	ContractAddress string
	ContractName    string
	// Sender is the principal read-only calls are made as. Defaults to ContractAddress.
	Sender   string
	Timeout  time.Duration
	Attempts uint
}

type Client struct {
	cfg      ClientConfig
	endpoint *url.URL
	http     *http.Client

	mu        sync.Mutex
	nextNonce map[string]uint64
}

func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "stacks node url")
	}
	if cfg.Sender == "" {
		cfg.Sender = cfg.ContractAddress
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	return &Client{
		cfg:       cfg,
		endpoint:  endpoint,
		http:      &http.Client{Timeout: cfg.Timeout},
		nextNonce: make(map[string]uint64),
	}, nil
}

func (c *Client) buildURL(route string) string {
	ref, _ := url.Parse(route)
	return c.endpoint.ResolveReference(ref).String()
}

type response struct {
	status int
	body   []byte
}

// do performs one request, retrying connection failures and 5xx answers.
func (c *Client) do(ctx context.Context, method, route, contentType string, body []byte) (*response, error) {
	target := c.buildURL(route)
	var resp *response
	err := retry.Do(func() error {
		req, err := http.NewRequest(method, target, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req = req.WithContext(ctx)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		raw, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		if res.StatusCode >= http.StatusInternalServerError {
			return errors.Wrapf(ErrUnexpectedStatus, "%s %s: %d", method, route, res.StatusCode)
		}
		resp = &response{status: res.StatusCode, body: raw}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(2*time.Millisecond),
		retry.MaxDelay(128*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logging.WithFields(logging.Fields{"route": route, "attempt": n}).WithError(err).Debug("stacks node request failed")
		}),
	)
	if err != nil {
		telemetry.IncrementCounter(common.TelemetryConstants.Stacks.RequestErrorCounter, common.TelemetryConstants.Stacks.Prefix)
		return nil, err
	}
	return resp, nil
}

// CallReadOnly calls a read-only function of the peg contract.
func (c *Client) CallReadOnly(ctx context.Context, function string, args ...*Value) (*Value, error) {
	telemetry.IncrementCounter(common.TelemetryConstants.Stacks.ReadOnlyCallCounter, common.TelemetryConstants.Stacks.Prefix)
	encoded := make([]string, len(args))
	for i, arg := range args {
		h, err := arg.Hex()
		if err != nil {
			return nil, err
		}
		encoded[i] = h
	}
	body, err := bijson.Marshal(map[string]interface{}{"sender": c.cfg.Sender, "arguments": encoded})
	if err != nil {
		return nil, err
	}
	route := fmt.Sprintf("/v2/contracts/call-read/%s/%s/%s",
		url.PathEscape(c.cfg.ContractAddress), url.PathEscape(c.cfg.ContractName), url.PathEscape(function))
	logging.WithField("function", function).Debug("calling read-only function")
	resp, err := c.do(ctx, http.MethodPost, route, "application/json", body)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, errors.Wrapf(ErrReadOnlyFailure, "%s: http %d", function, resp.status)
	}
	if !gjson.GetBytes(resp.body, "okay").Bool() {
		cause := gjson.GetBytes(resp.body, "cause")
		if !cause.Exists() {
			return nil, errors.Wrap(ErrInvalidJSONEntry, "cause")
		}
		return nil, errors.Wrapf(ErrReadOnlyFailure, "%s: %s", function, cause.String())
	}
	result := gjson.GetBytes(resp.body, "result")
	if result.Type != gjson.String {
		return nil, errors.Wrap(ErrInvalidJSONEntry, "result")
	}
	v, err := DecodeHex(result.String())
	if err != nil {
		return nil, errors.Wrap(err, function)
	}
	return v.Unwrap()
}

func (c *Client) readUint32(ctx context.Context, function string) (uint32, error) {
	v, err := c.CallReadOnly(ctx, function)
	if err != nil {
		return 0, err
	}
	n, err := v.Uint64()
	if err != nil {
		return 0, errors.Wrap(err, function)
	}
	if n > uint64(^uint32(0)) {
		return 0, errors.Wrapf(ErrMalformedValue, "%s: %d does not fit 32 bits", function, n)
	}
	return uint32(n), nil
}

// KeysThreshold reads the signing threshold, counted in key ids.
func (c *Client) KeysThreshold(ctx context.Context) (uint32, error) {
	return c.readUint32(ctx, "get-threshold")
}

func (c *Client) NumSigners(ctx context.Context) (uint32, error) {
	return c.readUint32(ctx, "get-num-signers")
}

// SignerData reads the public key and key ids registered for a signer.
func (c *Client) SignerData(ctx context.Context, signerID uint32) (*keyregistry.SignerData, error) {
	const function = "get-signer-data"
	v, err := c.CallReadOnly(ctx, function, UInt(uint64(signerID)))
	if err != nil {
		return nil, err
	}
	tuple, err := v.Optional()
	if err != nil {
		return nil, errors.Wrap(err, function)
	}
	if tuple == nil {
		return nil, errors.Wrapf(ErrNoSignerData, "signer %d", signerID)
	}
	pubField, err := tuple.Field("public-key")
	if err != nil {
		return nil, errors.Wrap(err, function)
	}
	pub, err := pubField.Buffer()
	if err != nil {
		return nil, errors.Wrap(err, function)
	}
	keysField, err := tuple.Field("key-ids")
	if err != nil {
		return nil, errors.Wrap(err, function)
	}
	if keysField.Type != TypeList {
		return nil, errors.Wrap(keysField.mismatch("list"), function)
	}
	data := &keyregistry.SignerData{PublicKey: pub}
	for _, item := range keysField.List {
		k, err := item.Uint64()
		if err != nil || k > uint64(^uint32(0)) {
			return nil, errors.Wrapf(ErrMalformedValue, "%s: key id %s", function, item)
		}
		data.KeyIDs = append(data.KeyIDs, uint32(k))
	}
	return data, nil
}

// CoordinatorPublicKey returns nil when no coordinator is registered.
func (c *Client) CoordinatorPublicKey(ctx context.Context) ([]byte, error) {
	const function = "get-coordinator-data"
	v, err := c.CallReadOnly(ctx, function)
	if err != nil {
		return nil, err
	}
	tuple, err := v.Optional()
	if err != nil || tuple == nil {
		return nil, errors.Wrap(err, function)
	}
	key, err := tuple.Field("key")
	if err != nil {
		return nil, errors.Wrap(err, function)
	}
	b, err := key.Buffer()
	return b, errors.Wrap(err, function)
}

// BitcoinWalletPublicKey returns the x-only key of the peg wallet, or nil if unset.
func (c *Client) BitcoinWalletPublicKey(ctx context.Context) ([]byte, error) {
	const function = "get-bitcoin-wallet-public-key"
	v, err := c.CallReadOnly(ctx, function)
	if err != nil {
		return nil, err
	}
	inner, err := v.Optional()
	if err != nil || inner == nil {
		return nil, errors.Wrap(err, function)
	}
	b, err := inner.Buffer()
	if err != nil {
		return nil, errors.Wrap(err, function)
	}
	if len(b) != 32 {
		return nil, errors.Wrapf(ErrMalformedValue, "%s: x-only key has %d bytes", function, len(b))
	}
	return b, nil
}

func (c *Client) getJSON(ctx context.Context, route string) (*response, error) {
	resp, err := c.do(ctx, http.MethodGet, route, "", nil)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusOK && !gjson.ValidBytes(resp.body) {
		return nil, errors.Wrapf(ErrInvalidJSONEntry, "%s returned invalid json", route)
	}
	return resp, nil
}

// BurnBlockHeight is the bitcoin height the stacks node has processed.
func (c *Client) BurnBlockHeight(ctx context.Context) (uint64, error) {
	resp, err := c.getJSON(ctx, "/v2/info")
	if err != nil {
		return 0, err
	}
	if resp.status != http.StatusOK {
		return 0, errors.Wrapf(ErrUnexpectedStatus, "/v2/info: %d", resp.status)
	}
	h := gjson.GetBytes(resp.body, "burn_block_height")
	if h.Type != gjson.Number {
		return 0, errors.Wrap(ErrInvalidJSONEntry, "burn_block_height")
	}
	return h.Uint(), nil
}

// NextNonce returns the account nonce from the node the first time and increments a local
// copy afterwards, so several transactions can be queued before the first one confirms.
func (c *Client) NextNonce(ctx context.Context, address string) (uint64, error) {
	c.mu.Lock()
	if n, ok := c.nextNonce[address]; ok {
		n++
		c.nextNonce[address] = n
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	resp, err := c.getJSON(ctx, "/v2/accounts/"+url.PathEscape(address)+"?proof=0")
	if err != nil {
		return 0, err
	}
	if resp.status == http.StatusNotFound {
		return 0, errors.Wrap(ErrUnknownAddress, address)
	}
	if resp.status != http.StatusOK {
		return 0, errors.Wrapf(ErrUnexpectedStatus, "accounts: %d", resp.status)
	}
	nonce := gjson.GetBytes(resp.body, "nonce")
	if nonce.Type != gjson.Number {
		return 0, errors.Wrap(ErrInvalidJSONEntry, "nonce")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// a concurrent caller may have fetched it first
	if n, ok := c.nextNonce[address]; ok {
		n++
		c.nextNonce[address] = n
		return n, nil
	}
	c.nextNonce[address] = nonce.Uint()
	return nonce.Uint(), nil
}

// ResetNonce forgets the cached nonce, e.g. after a ConflictingNonceInMempool rejection.
func (c *Client) ResetNonce(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nextNonce, address)
}

// BroadcastTransaction submits a serialized stacks transaction and returns its txid.
func (c *Client) BroadcastTransaction(ctx context.Context, rawTx []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v2/transactions", "application/octet-stream", rawTx)
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusOK {
		berr := parseBroadcastError(resp.body)
		logging.WithField("reason", berr.Reason).Warn("stacks node rejected transaction")
		return "", berr
	}
	txid := strings.Trim(strings.TrimSpace(string(resp.body)), `"`)
	return txid, nil
}

var _ keyregistry.RosterReader = (*Client)(nil)
