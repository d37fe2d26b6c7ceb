package dispatch

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torusresearch/peg-signer/bitcoin"
	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/coordinator"
	"github.com/torusresearch/peg-signer/eventbus"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/keyregistry"
	"github.com/torusresearch/peg-signer/round"
	"github.com/torusresearch/peg-signer/signer"
	"github.com/torusresearch/peg-signer/taproot"
	"github.com/torusresearch/peg-signer/transport"
	"github.com/torusresearch/peg-signer/wallet"
)

var participants = []common.SignerID{1, 2, 3}

type cluster struct {
	ctx   context.Context
	coord *coordinator.Coordinator
	node  *bitcoin.FakeNode
	d     *Dispatcher
}

// newCluster runs a coordinator and three signers holding one key id each, threshold 2.
func newCluster(t *testing.T) *cluster {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	coordKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	privKeys := make(map[common.SignerID]*btcec.PrivateKey)
	var roster []*keyregistry.Signer
	for _, id := range participants {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		privKeys[id] = priv
		roster = append(roster, &keyregistry.Signer{ID: id, PublicKey: priv.PubKey(), KeyIDs: []common.KeyID{common.KeyID(id)}})
	}
	keys, err := keyregistry.New(2, coordKey.PubKey(), roster)
	require.NoError(t, err)

	net := transport.NewLocalNetwork()
	cfg := coordinator.DefaultConfig()
	cfg.Timeout = 10 * time.Second
	cfg.MaxNonceAttempts = 20
	coord := coordinator.New(net.Join(common.CoordinatorID), keys, eventbus.New(), cfg)
	run := func(f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f(ctx)
		}()
	}
	run(coord.Run)
	for _, id := range participants {
		s, err := signer.New(net.Join(id), privKeys[id], keys, signer.DefaultConfig(id))
		require.NoError(t, err)
		run(s.Run)
	}

	node := bitcoin.NewFakeNode()
	dcfg := DefaultConfig()
	dcfg.Participants = participants
	dcfg.Threshold = 2
	dcfg.BroadcastDelay = time.Millisecond
	return &cluster{ctx: ctx, coord: coord, node: node, d: New(coord, node, dcfg)}
}

func (c *cluster) groupKey(t *testing.T) *btcec.PublicKey {
	result, err := c.d.EnsureDkg(c.ctx)
	require.NoError(t, err)
	pub, err := result.PublicKey()
	require.NoError(t, err)
	return pub
}

func fundingOutPoint(seed string) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.DoubleHashH([]byte(seed)), Index: 0}
}

func walletUTXO(w *wallet.Wallet, seed string, amount btcutil.Amount) *bitcoin.UTXO {
	op := fundingOutPoint(seed)
	return &bitcoin.UTXO{
		TxID:         op.Hash.String(),
		Vout:         op.Index,
		ScriptPubKey: hex.EncodeToString(w.PkScript()),
		Amount:       amount,
	}
}

func recipient(t *testing.T) btcutil.Address {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressTaproot(priv.PubKey().SerializeCompressed()[1:], &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr
}

func TestRunPegOutKeyPath(t *testing.T) {
	c := newCluster(t)
	w, err := wallet.New(c.groupKey(t), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	unsigned, err := w.BuildPegOutTx([]*bitcoin.UTXO{
		walletUTXO(w, "a", 30000),
		walletUTXO(w, "b", 25000),
	}, recipient(t), 50000, 1000)
	require.NoError(t, err)
	require.Len(t, unsigned.Tx.TxIn, 2)

	hash, err := c.d.Run(c.ctx, &PendingTx{Kind: taproot.TxKindPegOut, Tx: unsigned.Tx, Prevouts: unsigned.Prevouts})
	require.NoError(t, err)

	sent := c.node.Broadcasted()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].TxHash(), *hash)
	for i, in := range sent[0].TxIn {
		require.Len(t, in.Witness, 1)
		// 64 byte signature plus the SIGHASH_ALL byte
		assert.Len(t, in.Witness[0], 65)
		require.NoError(t, taproot.VerifyInputScript(sent[0], i, unsigned.Prevouts))
	}
	// the caller's transaction stays unsigned
	assert.Empty(t, unsigned.Tx.TxIn[0].Witness)
}

func TestRunRefundScriptPath(t *testing.T) {
	c := newCluster(t)
	groupKey := c.groupKey(t)
	const unlockHeight = 120

	refund, err := taproot.BuildRefundScript(groupKey, unlockHeight)
	require.NoError(t, err)
	info, _, err := taproot.BuildTaprootTree(groupKey, [2][]byte{refund, taproot.BuildUnspendableScript()}, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	treeScript, err := info.PkScript()
	require.NoError(t, err)
	controlBlock, err := info.ControlBlock(refund)
	require.NoError(t, err)

	w, err := wallet.New(groupKey, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	scriptOut, walletOut := fundingOutPoint("tree"), fundingOutPoint("wallet")
	prevouts := taproot.Prevouts{
		scriptOut: wire.NewTxOut(40000, treeScript),
		walletOut: wire.NewTxOut(10000, w.PkScript()),
	}
	tx := wire.NewMsgTx(2)
	tx.LockTime = unlockHeight
	for _, op := range []wire.OutPoint{scriptOut, walletOut} {
		in := wire.NewTxIn(&wire.OutPoint{Hash: op.Hash, Index: op.Index}, nil, nil)
		in.Sequence = wallet.RBFSequence
		tx.AddTxIn(in)
	}
	tx.AddTxOut(wire.NewTxOut(48000, w.PkScript()))

	_, err = c.d.Run(c.ctx, &PendingTx{
		Kind:     taproot.TxKindRefund,
		Tx:       tx,
		Prevouts: prevouts,
		Inputs: []Input{
			{Index: 0, LeafScript: refund, ControlBlock: controlBlock},
			{Index: 1},
		},
	})
	require.NoError(t, err)

	sent := c.node.Broadcasted()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].TxIn[0].Witness, 3)
	assert.Equal(t, refund, []byte(sent[0].TxIn[0].Witness[1]))
	require.Len(t, sent[0].TxIn[1].Witness, 1)
	// ALL|ANYONECANPAY is appended to both signatures
	assert.Equal(t, byte(taproot.SigHashAllAnyoneCanPay), sent[0].TxIn[1].Witness[0][64])
}

func TestBroadcastRetriesTransientErrors(t *testing.T) {
	c := newCluster(t)
	w, err := wallet.New(c.groupKey(t), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	unsigned, err := w.BuildPegOutTx([]*bitcoin.UTXO{walletUTXO(w, "a", 30000)}, recipient(t), 20000, 1000)
	require.NoError(t, err)
	pending := &PendingTx{Kind: taproot.TxKindPegOut, Tx: unsigned.Tx, Prevouts: unsigned.Prevouts}

	c.node.BroadcastErrs = []error{errors.New("connection refused"), &bitcoin.RPCError{Code: -28, Message: "Loading"}}
	_, err = c.d.Run(c.ctx, pending)
	require.NoError(t, err)
	assert.Len(t, c.node.Broadcasted(), 1)

	c.node.BroadcastErrs = []error{&bitcoin.RPCError{Code: -26, Message: "min relay fee not met"}}
	_, err = c.d.Run(c.ctx, pending)
	var rpcErr *bitcoin.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -26, rpcErr.Code)
	assert.Len(t, c.node.Broadcasted(), 1)
}

// stubCoordinator ends every round with a fixed outcome.
type stubCoordinator struct {
	mu      sync.Mutex
	result  *frost.DkgResult
	outcome round.Outcome
	signs   int
	dkgs    int
}

func (s *stubCoordinator) StartDkgRound(ctx context.Context, participants []common.SignerID, threshold uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dkgs++
	return "dkg", nil
}

func (s *stubCoordinator) StartSignRound(ctx context.Context, message []byte, participants []common.SignerID, opts coordinator.SignOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signs++
	return "sign", nil
}

func (s *stubCoordinator) Wait(ctx context.Context, roundID string) (*round.Outcome, error) {
	o := s.outcome
	o.RoundID = roundID
	return &o, nil
}

func (s *stubCoordinator) DkgResult() *frost.DkgResult { return s.result }

func stubPending(t *testing.T) *PendingTx {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	w, err := wallet.New(priv.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	unsigned, err := w.BuildPegOutTx([]*bitcoin.UTXO{walletUTXO(w, "a", 30000)}, recipient(t), 20000, 1000)
	require.NoError(t, err)
	return &PendingTx{Kind: taproot.TxKindPegOut, Tx: unsigned.Tx, Prevouts: unsigned.Prevouts}
}

func TestFailedRoundIsNotRetried(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	stub := &stubCoordinator{
		result: &frost.DkgResult{Threshold: 2, GroupKey: priv.PubKey().SerializeCompressed()},
		outcome: round.Outcome{
			Kind:     common.RoundKindSign,
			State:    round.StateTimedOut,
			Culprits: []common.SignerID{3},
			Error:    "round timed out",
		},
	}
	node := bitcoin.NewFakeNode()
	d := New(stub, node, DefaultConfig())

	_, err = d.Run(context.Background(), stubPending(t))
	var roundErr *RoundError
	require.True(t, errors.As(err, &roundErr))
	assert.Equal(t, round.StateTimedOut, roundErr.State)
	assert.Equal(t, []common.SignerID{3}, roundErr.Culprits)
	assert.Equal(t, 1, stub.signs)
	assert.Equal(t, 0, stub.dkgs)
	assert.Empty(t, node.Broadcasted())
}

func TestFailedDkgStopsRun(t *testing.T) {
	stub := &stubCoordinator{outcome: round.Outcome{Kind: common.RoundKindDKG, State: round.StateFailed, Error: "boom"}}
	d := New(stub, bitcoin.NewFakeNode(), DefaultConfig())
	_, err := d.Run(context.Background(), stubPending(t))
	var roundErr *RoundError
	require.True(t, errors.As(err, &roundErr))
	assert.Equal(t, common.RoundKindDKG, roundErr.Kind)
	assert.Equal(t, 1, stub.dkgs)
	assert.Equal(t, 0, stub.signs)
}

func TestRunValidatesPendingTx(t *testing.T) {
	stub := &stubCoordinator{}
	d := New(stub, bitcoin.NewFakeNode(), DefaultConfig())
	ctx := context.Background()

	p := stubPending(t)
	p.Kind = "unknown"
	_, err := d.Run(ctx, p)
	assert.Equal(t, taproot.ErrInvalidSighashType, errors.Cause(err))

	_, err = d.Run(ctx, &PendingTx{Kind: taproot.TxKindPegOut, Tx: wire.NewMsgTx(2)})
	assert.Equal(t, ErrNoInputs, err)

	p = stubPending(t)
	p.Inputs = []Input{{Index: 0}, {Index: 0}}
	_, err = d.Run(ctx, p)
	assert.Equal(t, ErrDuplicateInput, errors.Cause(err))

	p.Inputs = []Input{{Index: 4}}
	_, err = d.Run(ctx, p)
	assert.Equal(t, taproot.ErrInputIndex, err)
	assert.Equal(t, 0, stub.dkgs)
}
