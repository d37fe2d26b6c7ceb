package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/bitcoin"
	"github.com/torusresearch/peg-signer/config"
	"github.com/torusresearch/peg-signer/coordinator"
	"github.com/torusresearch/peg-signer/db"
	"github.com/torusresearch/peg-signer/dispatch"
	"github.com/torusresearch/peg-signer/eventbus"
	"github.com/torusresearch/peg-signer/keyregistry"
	"github.com/torusresearch/peg-signer/service"
	"github.com/torusresearch/peg-signer/stacks"
	"github.com/torusresearch/peg-signer/taproot"
	"github.com/torusresearch/peg-signer/transport"
	"github.com/torusresearch/peg-signer/wallet"
)

var ErrNotStarted = errors.New("coordinator node has no group key yet")

// closer closes a transport when the services above it have stopped.
type closer struct {
	name string
	t    transport.Transport
}

func (c *closer) Name() string                      { return c.name }
func (c *closer) OnStart(ctx context.Context) error { return nil }
func (c *closer) OnStop() error                     { return c.t.Close() }

// Coordinator is the coordinator process: the round driver, its sqlite archive, the
// bitcoin wallet of the group key and the dispatcher that spends from it.
type Coordinator struct {
	cfg        *config.Config
	keys       *keyregistry.Registry
	coord      *coordinator.Coordinator
	store      *db.SqliteDB
	btc        bitcoin.Node
	stx        *stacks.Client
	dispatcher *dispatch.Dispatcher
	services   *service.Registry
	unrecord   func()

	mu     sync.RWMutex
	wallet *wallet.Wallet
}

// NewCoordinator wires the coordinator over t. The returned node owns t and store.
func NewCoordinator(cfg *config.Config, t transport.Transport, keys *keyregistry.Registry, btc bitcoin.Node, store *db.SqliteDB) *Coordinator {
	ccfg := coordinator.DefaultConfig()
	if cfg.RoundTimeoutSeconds > 0 {
		ccfg.Timeout = cfg.RoundTimeout()
	}
	if cfg.MaxNonceAttempts > 0 {
		ccfg.MaxNonceAttempts = cfg.MaxNonceAttempts
	}
	coord := coordinator.New(t, keys, eventbus.New(), ccfg)

	dcfg := dispatch.DefaultConfig()
	dcfg.Participants = keys.SignerIDs()
	dcfg.Threshold = keys.Threshold()
	if cfg.BroadcastAttempts > 0 {
		dcfg.BroadcastAttempts = uint(cfg.BroadcastAttempts)
	}

	services := service.NewRegistry(
		service.NewBaseService(&closer{name: "transport", t: t}),
		service.NewBaseService(service.NewRunner("coordinator", coord.Run)),
	)
	if cfg.MetricsAddress != "" {
		services.Register(service.NewBaseService(newMetrics(cfg.MetricsAddress)))
	}
	return &Coordinator{
		cfg:        cfg,
		keys:       keys,
		coord:      coord,
		store:      store,
		btc:        btc,
		dispatcher: dispatch.New(coord, btc, dcfg),
		services:   services,
	}
}

// WithStacks lets the coordinator keep the peg contract's wallet key current and mint
// peg-ins. Contract calls are paid for by the address of key.
func (c *Coordinator) WithStacks(client *stacks.Client, key *btcec.PrivateKey) *Coordinator {
	c.stx = client
	c.dispatcher.WithStacks(client, key, StacksNetwork(c.cfg))
	return c
}

// Start runs the services, restores the latest stored DKG result or runs a new DKG, and
// registers the group key wallet with the bitcoin node and the peg contract.
func (c *Coordinator) Start(ctx context.Context) error {
	c.unrecord = c.store.Record(c.coord.Bus(), coordinator.TopicRoundFinished)
	if err := c.services.StartAll(ctx); err != nil {
		return err
	}

	stored, err := c.store.RetrieveDkgResult()
	switch {
	case err == nil:
		logging.WithField("groupKey", hex.EncodeToString(stored.GroupKey)).Info("restored dkg result")
		c.coord.SetDkgResult(stored)
	case errors.Cause(err) != db.ErrNotFound:
		return err
	}

	result, err := c.dispatcher.EnsureDkg(ctx)
	if err != nil {
		return errors.Wrap(err, "could not establish group key")
	}
	groupKey, err := result.PublicKey()
	if err != nil {
		return err
	}
	params, err := c.cfg.ChainParams()
	if err != nil {
		return err
	}
	w, err := wallet.New(groupKey, params)
	if err != nil {
		return err
	}
	if err := c.btc.LoadWallet(ctx, w.Address()); err != nil {
		return errors.Wrap(err, "could not load peg wallet")
	}
	if c.stx != nil {
		if err := c.registerWallet(ctx, groupKey); err != nil {
			return errors.Wrap(err, "could not register peg wallet on the contract")
		}
	}
	c.mu.Lock()
	c.wallet = w
	c.mu.Unlock()
	logging.WithField("address", w.Address().EncodeAddress()).Info("peg wallet ready")
	return nil
}

// registerWallet sets the contract's wallet key to the group key unless it already is.
func (c *Coordinator) registerWallet(ctx context.Context, groupKey *btcec.PublicKey) error {
	xOnly := schnorr.SerializePubKey(groupKey)
	current, err := c.stx.BitcoinWalletPublicKey(ctx)
	if err != nil {
		return err
	}
	if bytes.Equal(current, xOnly) {
		logging.Debug("peg wallet key already registered")
		return nil
	}
	contract, name, err := c.stx.Contract()
	if err != nil {
		return err
	}
	call, err := stacks.SetBitcoinWalletCall(contract, name, xOnly)
	if err != nil {
		return err
	}
	txid, err := c.dispatcher.RunStacks(ctx, &dispatch.StacksPendingTx{Call: call, Fee: c.cfg.StacksTransactionFee})
	if err != nil {
		return err
	}
	logging.WithFields(logging.Fields{
		"txid":     txid,
		"previous": hex.EncodeToString(current),
	}).Info("peg wallet key submitted to the contract")
	return nil
}

// Mint credits the peg-ins to the group key wallet mined at a burn height and returns the
// stacks txids of the mint calls.
func (c *Coordinator) Mint(ctx context.Context, height uint64) ([]string, error) {
	w := c.Wallet()
	if w == nil {
		return nil, ErrNotStarted
	}
	if c.stx == nil {
		return nil, dispatch.ErrNoStacksNode
	}
	ops, err := c.stx.PegInOps(ctx, height)
	if err != nil {
		return nil, err
	}
	contract, name, err := c.stx.Contract()
	if err != nil {
		return nil, err
	}
	walletAddr := w.Address().EncodeAddress()
	var txids []string
	for i := range ops {
		op := &ops[i]
		fields := logging.Fields{"peg_in": op.TxID, "recipient": op.Recipient, "amount": op.Amount}
		if op.PegWalletAddress != walletAddr {
			logging.WithFields(fields).WithField("wallet", op.PegWalletAddress).Debug("peg-in to another wallet")
			continue
		}
		call, err := stacks.MintCall(contract, name, op)
		if err != nil {
			return txids, errors.Wrapf(err, "peg-in %s", op.TxID)
		}
		txid, err := c.dispatcher.RunStacks(ctx, &dispatch.StacksPendingTx{Call: call, Fee: c.cfg.StacksTransactionFee})
		if err != nil {
			return txids, errors.Wrapf(err, "peg-in %s", op.TxID)
		}
		logging.WithFields(fields).WithField("txid", txid).Info("mint submitted")
		txids = append(txids, txid)
	}
	return txids, nil
}

// Wallet is nil until Start has established a group key.
func (c *Coordinator) Wallet() *wallet.Wallet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wallet
}

// PegOut pays amount to recipient from the group key wallet at the configured fee.
func (c *Coordinator) PegOut(ctx context.Context, recipient btcutil.Address, amount btcutil.Amount) (*chainhash.Hash, error) {
	w := c.Wallet()
	if w == nil {
		return nil, ErrNotStarted
	}
	utxos, err := c.btc.ListUnspent(ctx, w.Address())
	if err != nil {
		return nil, err
	}
	unsigned, err := w.BuildPegOutTx(utxos, recipient, amount, btcutil.Amount(c.cfg.TransactionFee))
	if err != nil {
		return nil, err
	}
	logging.WithFields(logging.Fields{
		"recipient": recipient.EncodeAddress(),
		"amount":    amount,
		"inputs":    len(unsigned.Tx.TxIn),
		"fee":       unsigned.Fee,
	}).Info("dispatching peg-out")
	return c.dispatcher.Run(ctx, &dispatch.PendingTx{Kind: taproot.TxKindPegOut, Tx: unsigned.Tx, Prevouts: unsigned.Prevouts})
}

// Stop stops the services in reverse order and closes the store once the archive has
// caught up.
func (c *Coordinator) Stop() {
	c.services.StopAll()
	if c.unrecord != nil {
		c.unrecord()
	}
	waitAsync(c.coord.Bus(), shutdownTimeout)
	if err := c.store.Close(); err != nil {
		logging.WithError(err).Error("could not close database")
	}
}

func waitAsync(bus eventbus.Bus, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		bus.WaitAsync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logging.Warn("timed out waiting for round archive")
	}
}
