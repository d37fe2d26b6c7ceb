// Package dispatch drives a pending bitcoin transaction through DKG, one sign round per
// input, witness assembly and broadcast. Stacks contract calls go through one approval
// round before the coordinator signs and broadcasts them.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/bitcoin"
	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/coordinator"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/round"
	"github.com/torusresearch/peg-signer/taproot"
	"github.com/torusresearch/peg-signer/telemetry"
)

var (
	ErrNoInputs       = errors.New("transaction has no inputs to sign")
	ErrNotTaproot     = errors.New("spent output is not a taproot output")
	ErrDuplicateInput = errors.New("input listed twice")
)

// Coordinator is the part of coordinator.Coordinator the dispatcher drives.
type Coordinator interface {
	StartDkgRound(ctx context.Context, participants []common.SignerID, threshold uint32) (string, error)
	StartSignRound(ctx context.Context, message []byte, participants []common.SignerID, opts coordinator.SignOptions) (string, error)
	Wait(ctx context.Context, roundID string) (*round.Outcome, error)
	DkgResult() *frost.DkgResult
}

// RoundError reports a round that ended Failed, TimedOut or Cancelled. These are not
// retried here; the caller decides whether to start over, possibly without the culprits.
type RoundError struct {
	RoundID  string
	Kind     common.RoundKind
	State    round.State
	Culprits []common.SignerID
	Err      error
}

func (e *RoundError) Error() string {
	return fmt.Sprintf("%s round %s ended %s (culprits %v): %v", e.Kind, e.RoundID, e.State, e.Culprits, e.Err)
}

func (e *RoundError) Unwrap() error { return e.Err }

// Input says how one transaction input is spent. Without a LeafScript the input is a
// key-path spend under the group key tweaked with MerkleRoot.
type Input struct {
	Index        int
	MerkleRoot   []byte
	LeafScript   []byte
	ControlBlock []byte
}

func (in *Input) scriptPath() bool { return len(in.LeafScript) > 0 }

// PendingTx is an unsigned transaction waiting for threshold signatures.
type PendingTx struct {
	Kind     taproot.TxKind
	Tx       *wire.MsgTx
	Prevouts taproot.Prevouts
	// Inputs defaults to a key-path spend of every input with no script tree.
	Inputs []Input
}

type Config struct {
	Participants      []common.SignerID
	Threshold         uint32
	Policy            taproot.SighashPolicy
	BroadcastAttempts uint
	BroadcastDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policy:            taproot.DefaultSighashPolicy(),
		BroadcastAttempts: 5,
		BroadcastDelay:    500 * time.Millisecond,
	}
}

type Dispatcher struct {
	coord  Coordinator
	node   bitcoin.Node
	cfg    Config
	stacks *stacksSender
}

func New(coord Coordinator, node bitcoin.Node, cfg Config) *Dispatcher {
	if cfg.Policy == nil {
		cfg.Policy = taproot.DefaultSighashPolicy()
	}
	if cfg.BroadcastAttempts == 0 {
		cfg.BroadcastAttempts = 1
	}
	return &Dispatcher{coord: coord, node: node, cfg: cfg}
}

func roundError(outcome *round.Outcome) error {
	return &RoundError{
		RoundID:  outcome.RoundID,
		Kind:     outcome.Kind,
		State:    outcome.State,
		Culprits: outcome.Culprits,
		Err:      outcome.Err(),
	}
}

func (d *Dispatcher) wait(ctx context.Context, roundID string) (*round.Outcome, error) {
	outcome, err := d.coord.Wait(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if !outcome.Succeeded() {
		return nil, roundError(outcome)
	}
	return outcome, nil
}

// EnsureDkg returns the current DKG result, running a DKG round first if there is none.
func (d *Dispatcher) EnsureDkg(ctx context.Context) (*frost.DkgResult, error) {
	if result := d.coord.DkgResult(); result != nil {
		return result, nil
	}
	logging.Info("no group key yet, running dkg")
	id, err := d.coord.StartDkgRound(ctx, d.cfg.Participants, d.cfg.Threshold)
	if err != nil {
		return nil, err
	}
	outcome, err := d.wait(ctx, id)
	if err != nil {
		return nil, err
	}
	return outcome.DkgResult, nil
}

// Run signs every input of p, verifies the witnessed transaction with the script engine
// and broadcasts it. Only broadcast failures the node classifies as transient are retried.
func (d *Dispatcher) Run(ctx context.Context, p *PendingTx) (*chainhash.Hash, error) {
	defer common.TimeTrack(time.Now(), "dispatch")
	prefix := common.TelemetryConstants.Dispatch.Prefix
	telemetry.IncrementCounter(common.TelemetryConstants.Dispatch.RunsCounter, prefix)

	hash, err := d.run(ctx, p)
	if err != nil {
		telemetry.IncrementCounter(common.TelemetryConstants.Dispatch.FailuresCounter, prefix)
		logging.WithError(err).WithField("kind", p.Kind).Error("could not dispatch transaction")
		return nil, err
	}
	return hash, nil
}

func (d *Dispatcher) run(ctx context.Context, p *PendingTx) (*chainhash.Hash, error) {
	hashType, ok := d.cfg.Policy[p.Kind]
	if !ok {
		return nil, errors.Wrapf(taproot.ErrInvalidSighashType, "no sighash type for %s", p.Kind)
	}
	inputs, err := p.inputs()
	if err != nil {
		return nil, err
	}
	result, err := d.EnsureDkg(ctx)
	if err != nil {
		return nil, err
	}
	groupKey, err := result.PublicKey()
	if err != nil {
		return nil, err
	}

	tx := p.Tx.Copy()
	for _, in := range inputs {
		witness, err := d.signInput(ctx, p, in, hashType, result, groupKey)
		if err != nil {
			return nil, errors.Wrapf(err, "input %d", in.Index)
		}
		tx.TxIn[in.Index].Witness = witness
	}
	for _, in := range inputs {
		if err := taproot.VerifyInputScript(tx, in.Index, p.Prevouts); err != nil {
			return nil, errors.Wrapf(err, "input %d", in.Index)
		}
	}
	return d.broadcast(ctx, tx)
}

func (p *PendingTx) inputs() ([]Input, error) {
	if p.Tx == nil || len(p.Tx.TxIn) == 0 {
		return nil, ErrNoInputs
	}
	if len(p.Inputs) == 0 {
		all := make([]Input, len(p.Tx.TxIn))
		for i := range all {
			all[i].Index = i
		}
		return all, nil
	}
	seen := make(map[int]bool, len(p.Inputs))
	for _, in := range p.Inputs {
		if in.Index < 0 || in.Index >= len(p.Tx.TxIn) {
			return nil, taproot.ErrInputIndex
		}
		if seen[in.Index] {
			return nil, errors.Wrapf(ErrDuplicateInput, "%d", in.Index)
		}
		seen[in.Index] = true
	}
	return p.Inputs, nil
}

func (d *Dispatcher) signInput(ctx context.Context, p *PendingTx, in Input, hashType txscript.SigHashType, result *frost.DkgResult, groupKey *btcec.PublicKey) (wire.TxWitness, error) {
	opts := coordinator.SignOptions{DkgResult: result}
	var message []byte
	var err error
	if in.scriptPath() {
		message, err = taproot.ComputeScriptSpendSighash(p.Tx, p.Prevouts, in.Index, in.LeafScript, hashType)
	} else {
		message, err = taproot.ComputeKeySpendSighash(p.Tx, p.Prevouts, in.Index, hashType)
		opts.Tweak = &frost.TaprootTweak{MerkleRoot: in.MerkleRoot}
	}
	if err != nil {
		return nil, err
	}
	opts.Tx, err = messages.NewTxContext(p.Kind, p.Tx, p.Prevouts, in.Index, hashType, in.LeafScript)
	if err != nil {
		return nil, err
	}

	id, err := d.coord.StartSignRound(ctx, message, d.cfg.Participants, opts)
	if err != nil {
		return nil, err
	}
	logging.WithFields(logging.Fields{"round": id, "input": in.Index}).Debug("sign round started")
	outcome, err := d.wait(ctx, id)
	if err != nil {
		return nil, err
	}
	sig, err := outcome.SchnorrSignature()
	if err != nil {
		return nil, err
	}

	if !in.scriptPath() {
		return taproot.AssembleKeyPathWitness(sig, hashType), nil
	}
	outputKey, err := outputKeyOf(p, in.Index)
	if err != nil {
		return nil, err
	}
	if !taproot.VerifySchnorr(groupKey, message, sig) {
		return nil, frost.ErrSelfVerification
	}
	return taproot.AssembleScriptPathWitness(sig, hashType, in.LeafScript, in.ControlBlock, outputKey)
}

func outputKeyOf(p *PendingTx, idx int) (*btcec.PublicKey, error) {
	prev, ok := p.Prevouts[p.Tx.TxIn[idx].PreviousOutPoint]
	if !ok {
		return nil, taproot.ErrPrevoutsMismatch
	}
	if txscript.GetScriptClass(prev.PkScript) != txscript.WitnessV1TaprootTy {
		return nil, ErrNotTaproot
	}
	return schnorr.ParsePubKey(prev.PkScript[2:])
}

func (d *Dispatcher) broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	prefix := common.TelemetryConstants.Dispatch.Prefix
	var hash *chainhash.Hash
	err := retry.Do(func() error {
		var err error
		hash, err = d.node.BroadcastTransaction(ctx, tx)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(d.cfg.BroadcastAttempts),
		retry.Delay(d.cfg.BroadcastDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(bitcoin.Retryable),
		retry.OnRetry(func(n uint, err error) {
			telemetry.IncrementCounter(common.TelemetryConstants.Dispatch.BroadcastRetryCounter, prefix)
			logging.WithField("attempt", n+1).WithError(err).Warn("broadcast failed, retrying")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "broadcast")
	}
	telemetry.IncrementCounter(common.TelemetryConstants.Dispatch.BroadcastCounter, prefix)
	logging.WithField("txid", hash.String()).Info("transaction broadcast")
	return hash, nil
}
