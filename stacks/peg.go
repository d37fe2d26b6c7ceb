package stacks

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Peg contract functions the coordinator calls.
const (
	FunctionSetBitcoinWallet = "set-bitcoin-wallet-public-key"
	FunctionMint             = "mint!"
)

var ErrUnknownBlockHeight = errors.New("stacks node has no burn ops at that height")

// PegInOp is a bitcoin deposit to the peg wallet seen by the stacks node.
type PegInOp struct {
	Recipient        string
	PegWalletAddress string
	Amount           uint64
	Memo             string
	TxID             string
	VoutIndex        uint32
	BlockHeight      uint64
	BurnHeaderHash   string
}

// PegOutRequestOp asks for amount sats to be sent to Recipient, a bitcoin address.
type PegOutRequestOp struct {
	Recipient        string
	PegWalletAddress string
	Amount           uint64
	FulfillmentFee   uint64
	Signature        string
	Memo             string
	TxID             string
	VoutIndex        uint32
	BlockHeight      uint64
	BurnHeaderHash   string
}

// PegInOps lists the peg-in operations mined at a burn block height.
func (c *Client) PegInOps(ctx context.Context, height uint64) ([]PegInOp, error) {
	items, err := c.burnOps(ctx, height, "peg_in")
	if err != nil {
		return nil, err
	}
	ops := make([]PegInOp, 0, len(items))
	for _, item := range items {
		if !item.Get("recipient").Exists() || item.Get("amount").Type != gjson.Number {
			return nil, errors.Wrapf(ErrInvalidJSONEntry, "peg_in at %d: %s", height, item.Raw)
		}
		ops = append(ops, PegInOp{
			Recipient:        item.Get("recipient").String(),
			PegWalletAddress: item.Get("peg_wallet_address").String(),
			Amount:           item.Get("amount").Uint(),
			Memo:             item.Get("memo").String(),
			TxID:             item.Get("txid").String(),
			VoutIndex:        uint32(item.Get("vtxindex").Uint()),
			BlockHeight:      item.Get("block_height").Uint(),
			BurnHeaderHash:   item.Get("burn_header_hash").String(),
		})
	}
	return ops, nil
}

// PegOutRequestOps lists the peg-out requests mined at a burn block height.
func (c *Client) PegOutRequestOps(ctx context.Context, height uint64) ([]PegOutRequestOp, error) {
	items, err := c.burnOps(ctx, height, "peg_out_request")
	if err != nil {
		return nil, err
	}
	ops := make([]PegOutRequestOp, 0, len(items))
	for _, item := range items {
		if !item.Get("recipient").Exists() || item.Get("amount").Type != gjson.Number {
			return nil, errors.Wrapf(ErrInvalidJSONEntry, "peg_out_request at %d: %s", height, item.Raw)
		}
		ops = append(ops, PegOutRequestOp{
			Recipient:        item.Get("recipient").String(),
			PegWalletAddress: item.Get("peg_wallet_address").String(),
			Amount:           item.Get("amount").Uint(),
			FulfillmentFee:   item.Get("fulfillment_fee").Uint(),
			Signature:        item.Get("signature").String(),
			Memo:             item.Get("memo").String(),
			TxID:             item.Get("txid").String(),
			VoutIndex:        uint32(item.Get("vtxindex").Uint()),
			BlockHeight:      item.Get("block_height").Uint(),
			BurnHeaderHash:   item.Get("burn_header_hash").String(),
		})
	}
	return ops, nil
}

func (c *Client) burnOps(ctx context.Context, height uint64, op string) ([]gjson.Result, error) {
	route := fmt.Sprintf("/v2/burn_ops/%d/%s", height, op)
	logging.WithFields(logging.Fields{"height": height, "op": op}).Debug("retrieving burn ops")
	resp, err := c.getJSON(ctx, route)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, errors.Wrapf(ErrUnknownBlockHeight, "%d: http %d", height, resp.status)
	}
	list := gjson.GetBytes(resp.body, op)
	if !list.IsArray() {
		return nil, errors.Wrap(ErrInvalidJSONEntry, op)
	}
	return list.Array(), nil
}

// Contract returns the address and name of the peg contract the client reads.
func (c *Client) Contract() (Address, string, error) {
	a, err := ParseAddress(c.cfg.ContractAddress)
	return a, c.cfg.ContractName, err
}

// SetBitcoinWalletCall registers the x-only key of the peg wallet on the contract.
func SetBitcoinWalletCall(contract Address, contractName string, xOnlyKey []byte) (*ContractCall, error) {
	if len(xOnlyKey) != 32 {
		return nil, errors.Errorf("x-only key has %d bytes", len(xOnlyKey))
	}
	return &ContractCall{
		Contract:     contract,
		ContractName: contractName,
		FunctionName: FunctionSetBitcoinWallet,
		Args:         []*Value{Buffer(xOnlyKey)},
	}, nil
}

// MintCall credits the recipient of a peg-in. The bitcoin txid only shows up in the
// contract's print event.
func MintCall(contract Address, contractName string, op *PegInOp) (*ContractCall, error) {
	recipient, err := ParsePrincipal(op.Recipient)
	if err != nil {
		return nil, errors.Wrap(err, "peg-in recipient")
	}
	return &ContractCall{
		Contract:     contract,
		ContractName: contractName,
		FunctionName: FunctionMint,
		Args:         []*Value{UInt(op.Amount), recipient, StringASCII(op.TxID)},
	}, nil
}
