package dispatch

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/coordinator"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/stacks"
	"github.com/torusresearch/peg-signer/taproot"
	"github.com/torusresearch/peg-signer/telemetry"
)

var ErrNoStacksNode = errors.New("dispatcher has no stacks node")

// StacksNode is the part of stacks.Client used to submit contract calls.
type StacksNode interface {
	NextNonce(ctx context.Context, address string) (uint64, error)
	ResetNonce(address string)
	BroadcastTransaction(ctx context.Context, rawTx []byte) (string, error)
}

// StacksPendingTx is a contract call paid for and signed by the coordinator key once the
// signers approved it.
type StacksPendingTx struct {
	Call *stacks.ContractCall
	Fee  uint64
}

type stacksSender struct {
	node    StacksNode
	key     *btcec.PrivateKey
	network stacks.Network
	address string
}

// WithStacks lets the dispatcher submit contract calls from the address of key.
func (d *Dispatcher) WithStacks(node StacksNode, key *btcec.PrivateKey, network stacks.Network) *Dispatcher {
	d.stacks = &stacksSender{
		node:    node,
		key:     key,
		network: network,
		address: stacks.AddressFromPublicKey(network.AddressVersion, key.PubKey()).String(),
	}
	return d
}

// StacksAddress is the address contract calls are sent from, empty without a stacks node.
func (d *Dispatcher) StacksAddress() string {
	if d.stacks == nil {
		return ""
	}
	return d.stacks.address
}

// RunStacks has the signers approve the sighash of the call with a threshold signature
// under the untweaked group key, then signs the transaction with the coordinator key and
// broadcasts it. The node's rejections are final and drop the cached nonce.
func (d *Dispatcher) RunStacks(ctx context.Context, p *StacksPendingTx) (string, error) {
	defer common.TimeTrack(time.Now(), "dispatch stacks")
	prefix := common.TelemetryConstants.Dispatch.Prefix
	telemetry.IncrementCounter(common.TelemetryConstants.Dispatch.StacksRunsCounter, prefix)

	txid, err := d.runStacks(ctx, p)
	if err != nil {
		telemetry.IncrementCounter(common.TelemetryConstants.Dispatch.FailuresCounter, prefix)
		fields := logging.Fields{}
		if p != nil && p.Call != nil {
			fields["function"] = p.Call.FunctionName
		}
		logging.WithError(err).WithFields(fields).Error("could not dispatch stacks transaction")
		return "", err
	}
	return txid, nil
}

func (d *Dispatcher) runStacks(ctx context.Context, p *StacksPendingTx) (string, error) {
	s := d.stacks
	if s == nil {
		return "", ErrNoStacksNode
	}
	if p == nil || p.Call == nil {
		return "", stacks.ErrUnsupportedPayload
	}
	result, err := d.EnsureDkg(ctx)
	if err != nil {
		return "", err
	}
	groupKey, err := result.PublicKey()
	if err != nil {
		return "", err
	}

	nonce, err := s.node.NextNonce(ctx, s.address)
	if err != nil {
		return "", errors.Wrap(err, "stacks nonce")
	}
	txid, err := d.signAndBroadcastStacks(ctx, s, p, nonce, result, groupKey)
	if err != nil {
		// the nonce was not used, the next call must fetch it again
		s.node.ResetNonce(s.address)
		return "", err
	}
	return txid, nil
}

func (d *Dispatcher) signAndBroadcastStacks(ctx context.Context, s *stacksSender, p *StacksPendingTx, nonce uint64, result *frost.DkgResult, groupKey *btcec.PublicKey) (string, error) {
	tx := stacks.NewContractCall(s.network, s.key.PubKey(), p.Call, nonce, p.Fee)
	sighash, err := tx.SigHash()
	if err != nil {
		return "", err
	}
	stx, err := messages.NewStacksTxContext(tx)
	if err != nil {
		return "", err
	}
	id, err := d.coord.StartSignRound(ctx, sighash, d.cfg.Participants, coordinator.SignOptions{DkgResult: result, StacksTx: stx})
	if err != nil {
		return "", err
	}
	log := logging.WithFields(logging.Fields{"round": id, "function": p.Call.FunctionName, "nonce": nonce})
	log.Debug("stacks approval round started")
	outcome, err := d.wait(ctx, id)
	if err != nil {
		return "", err
	}
	approval, err := outcome.SchnorrSignature()
	if err != nil {
		return "", err
	}
	if !taproot.VerifySchnorr(groupKey, sighash, approval) {
		return "", frost.ErrSelfVerification
	}

	if err := tx.Sign(s.key); err != nil {
		return "", err
	}
	raw, err := tx.Serialize()
	if err != nil {
		return "", err
	}
	var txid string
	prefix := common.TelemetryConstants.Dispatch.Prefix
	err = retry.Do(func() error {
		var err error
		txid, err = s.node.BroadcastTransaction(ctx, raw)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(d.cfg.BroadcastAttempts),
		retry.Delay(d.cfg.BroadcastDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var rejected *stacks.BroadcastError
			return !errors.As(err, &rejected)
		}),
		retry.OnRetry(func(n uint, err error) {
			telemetry.IncrementCounter(common.TelemetryConstants.Dispatch.BroadcastRetryCounter, prefix)
			log.WithField("attempt", n+1).WithError(err).Warn("stacks broadcast failed, retrying")
		}),
	)
	if err != nil {
		var rejected *stacks.BroadcastError
		if errors.As(err, &rejected) {
			telemetry.IncrementCounter(common.TelemetryConstants.Dispatch.StacksRejectedCounter, prefix)
		}
		return "", errors.Wrap(err, "stacks broadcast")
	}
	telemetry.IncrementCounter(common.TelemetryConstants.Dispatch.BroadcastCounter, prefix)
	log.WithField("txid", txid).Info("stacks transaction broadcast")
	return txid, nil
}
