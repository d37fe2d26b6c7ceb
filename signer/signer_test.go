package signer

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/torusresearch/bijson"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/keyregistry"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/secp256k1"
	"github.com/torusresearch/peg-signer/stacks"
	"github.com/torusresearch/peg-signer/taproot"
	"github.com/torusresearch/peg-signer/transport"
)

var testMessage = func() []byte {
	h := sha256.Sum256([]byte("signer test message"))
	return h[:]
}()

type fixture struct {
	t        *testing.T
	ctx      context.Context
	net      *transport.LocalNetwork
	keys     *keyregistry.Registry
	privKeys map[common.SignerID]*btcec.PrivateKey
	coord    *transport.LocalTransport
	nodes    map[common.SignerID]*Signer
}

// newFixture builds a roster of n signers with one key id each and runs the signers
// listed in live. The test drives the coordinator side by hand.
func newFixture(t *testing.T, n int, live []common.SignerID, configure func(*Config)) *fixture {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	coordKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	f := &fixture{
		t:        t,
		ctx:      ctx,
		net:      transport.NewLocalNetwork(),
		privKeys: make(map[common.SignerID]*btcec.PrivateKey),
		nodes:    make(map[common.SignerID]*Signer),
	}
	var signers []*keyregistry.Signer
	for i := 1; i <= n; i++ {
		id := common.SignerID(i)
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		f.privKeys[id] = priv
		signers = append(signers, &keyregistry.Signer{ID: id, PublicKey: priv.PubKey(), KeyIDs: []common.KeyID{common.KeyID(i)}})
	}
	f.keys, err = keyregistry.New(uint32(n), coordKey.PubKey(), signers)
	require.NoError(t, err)
	f.coord = f.net.Join(common.CoordinatorID)

	for _, id := range live {
		cfg := DefaultConfig(id)
		if configure != nil {
			configure(&cfg)
		}
		node, err := New(f.net.Join(id), f.privKeys[id], f.keys, cfg)
		require.NoError(t, err)
		f.nodes[id] = node
		go func() { _ = node.Run(ctx) }()
	}
	return f
}

func (f *fixture) send(roundID string, kind messages.Kind, attempt uint32, payload interface{}) {
	env, err := messages.New(roundID, kind, common.CoordinatorID, attempt, payload)
	require.NoError(f.t, err)
	require.NoError(f.t, f.coord.Send(f.ctx, env))
}

// expect returns the next envelope of kind sent by one of the signers.
func (f *fixture) expect(kind messages.Kind) *messages.Envelope {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-f.coord.Receive():
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			f.t.Fatalf("no %s received", kind)
			return nil
		}
	}
}

func (f *fixture) expectNothing(kind messages.Kind) {
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case env := <-f.coord.Receive():
			if env.Kind == kind {
				f.t.Fatalf("unexpected %s from %s", kind, env.SenderID)
			}
		case <-deadline:
			return
		}
	}
}

func (f *fixture) expectAck(status messages.AckStatus) (*messages.Envelope, messages.Ack) {
	deadline := time.After(5 * time.Second)
	for {
		env := f.expect(messages.KindAck)
		var ack messages.Ack
		require.NoError(f.t, env.Decode(&ack))
		if ack.Status == status {
			return env, ack
		}
		select {
		case <-deadline:
			f.t.Fatalf("no %s ack received", status)
		default:
		}
	}
}

// runDkg drives a DKG among the live signers and returns the group key they agree on.
func (f *fixture) runDkg(roundID string, participants []common.SignerID, threshold uint32) []byte {
	f.send(roundID, messages.KindDkgRequest, 1, messages.DkgRequest{Threshold: threshold, Participants: participants})
	var groupKey []byte
	for range participants {
		env, ack := f.expectAck(messages.AckDkgEnd)
		require.Equal(f.t, roundID, env.RoundID)
		if groupKey == nil {
			groupKey = ack.GroupKey
		}
		require.Equal(f.t, groupKey, ack.GroupKey)
	}
	return groupKey
}

// collectNonces requests nonces until their aggregate is even and returns the package.
func (f *fixture) collectNonces(roundID string, message, groupKey []byte, signers []common.SignerID, threshold uint32) (*frost.SigningPackage, uint32) {
	return f.collectNoncesFrom(roundID, 1, message, groupKey, signers, threshold)
}

func (f *fixture) collectNoncesFrom(roundID string, first uint32, message, groupKey []byte, signers []common.SignerID, threshold uint32) (*frost.SigningPackage, uint32) {
	participants, err := f.keys.Participants(signers)
	require.NoError(f.t, err)
	pub, err := btcec.ParsePubKey(groupKey)
	require.NoError(f.t, err)
	for attempt := first; attempt < first+32; attempt++ {
		f.send(roundID, messages.KindNonceRequest, attempt, messages.NonceRequest{Participants: signers, GroupKey: groupKey})
		pkg := &frost.SigningPackage{Message: message, Participants: participants}
		for range signers {
			env := f.expect(messages.KindNonceCommitment)
			require.Equal(f.t, attempt, env.Attempt)
			var nc messages.NonceCommitment
			require.NoError(f.t, env.Decode(&nc))
			pkg.Commitments = append(pkg.Commitments, nc.Commitment)
		}
		session, err := frost.NewSession(pub, threshold, pkg)
		require.NoError(f.t, err)
		if session.NonceIsEven() {
			return pkg, attempt
		}
	}
	f.t.Fatal("no even nonce")
	return nil, 0
}

func TestDkgAndSign(t *testing.T) {
	ids := []common.SignerID{1, 2, 3}
	f := newFixture(t, 3, ids, func(cfg *Config) { cfg.AllowRawMessages = true })
	groupKey := f.runDkg("dkg-1", ids, 2)
	for _, id := range ids {
		assert.Equal(t, groupKey, f.nodes[id].GroupKey())
		shares, ok := f.nodes[id].KeyShares(groupKey)
		require.True(t, ok)
		assert.Len(t, shares.Shares, 1)
	}

	signers := []common.SignerID{1, 3}
	pkg, attempt := f.collectNonces("sign-1", testMessage, groupKey, signers, 2)
	f.send("sign-1", messages.KindSignRequest, attempt, messages.SignRequest{Package: pkg})

	var shares []*frost.SignatureShare
	for range signers {
		env := f.expect(messages.KindSignatureShare)
		var payload messages.SignatureShare
		require.NoError(t, env.Decode(&payload))
		shares = append(shares, payload.Share)
	}
	pub, err := btcec.ParsePubKey(groupKey)
	require.NoError(t, err)
	session, err := frost.NewSession(pub, 2, pkg)
	require.NoError(t, err)
	sig, err := session.Aggregate(shares)
	require.NoError(t, err)
	assert.True(t, sig.Verify(testMessage, pub))
}

func TestRequestsFromPeersAreIgnored(t *testing.T) {
	f := newFixture(t, 2, []common.SignerID{1}, nil)
	impostor := f.net.Join(2)
	env, err := messages.New("dkg-1", messages.KindDkgRequest, 2, 1, messages.DkgRequest{Threshold: 2, Participants: []common.SignerID{1, 2}})
	require.NoError(t, err)
	require.NoError(t, impostor.Send(f.ctx, env))
	f.expectNothing(messages.KindDkgShare)
}

// maliciousDealer publishes valid commitments for signer 3 but sends private shares
// produced by tamper.
func maliciousDealer(t *testing.T, f *fixture, roundID string, tamper func(to common.SignerID, dealt []frost.DealtShare) []byte) {
	ep := f.net.Join(3)
	t.Cleanup(func() { _ = ep.Close() })
	dealer, err := frost.NewDealer(3, 2)
	require.NoError(t, err)
	c, err := dealer.Commitment([]byte(roundID))
	require.NoError(t, err)

	share, err := messages.New(roundID, messages.KindDkgShare, 3, 1, messages.DkgShare{Commitments: []*frost.PolyCommitment{c}})
	require.NoError(t, err)
	require.NoError(t, ep.Send(f.ctx, share))

	var sealed []messages.SealedShares
	for _, to := range []common.SignerID{1, 2} {
		v := dealer.Share(common.KeyID(to))
		dealt := []frost.DealtShare{{From: 3, To: common.KeyID(to), Value: secp256k1.ScalarBytes(v)}}
		sealed = append(sealed, messages.SealedShares{To: to, Ciphertext: tamper(to, dealt)})
	}
	private, err := messages.New(roundID, messages.KindDkgPrivateShares, 3, 1, messages.DkgPrivateShares{Shares: sealed})
	require.NoError(t, err)
	require.NoError(t, ep.Send(f.ctx, private))
}

func TestBadPrivateSharesAreReported(t *testing.T) {
	cases := []struct {
		name   string
		tamper func(f *fixture) func(common.SignerID, []frost.DealtShare) []byte
	}{
		{
			name: "undecryptable",
			tamper: func(*fixture) func(common.SignerID, []frost.DealtShare) []byte {
				return func(common.SignerID, []frost.DealtShare) []byte { return []byte("not a ciphertext") }
			},
		},
		{
			name: "wrong value",
			tamper: func(f *fixture) func(common.SignerID, []frost.DealtShare) []byte {
				return func(to common.SignerID, dealt []frost.DealtShare) []byte {
					dealt[0].Value[31] ^= 0x01
					plaintext, err := bijson.Marshal(dealt)
					require.NoError(t, err)
					sealed, err := frost.SealShares(f.privKeys[3], f.privKeys[to].PubKey(), []byte("dkg-bad"), plaintext)
					require.NoError(t, err)
					return sealed
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 3, []common.SignerID{1, 2}, nil)
			// the request goes out first so the dealer's messages are not buffered
			f.send("dkg-bad", messages.KindDkgRequest, 1, messages.DkgRequest{Threshold: 2, Participants: []common.SignerID{1, 2, 3}})
			maliciousDealer(t, f, "dkg-bad", tc.tamper(f))

			for i := 0; i < 2; i++ {
				_, ack := f.expectAck(messages.AckDkgFailed)
				assert.Equal(t, []common.SignerID{3}, ack.BadDealers)
			}
			assert.Nil(t, f.nodes[1].GroupKey())
		})
	}
}

func TestDkgMessagesBeforeRequestAreReplayed(t *testing.T) {
	f := newFixture(t, 2, []common.SignerID{1}, nil)
	peer := f.net.Join(2)
	t.Cleanup(func() { _ = peer.Close() })

	// signer 2 is played by hand and deals before the coordinator's request reaches signer 1
	dealer, err := frost.NewDealer(2, 2)
	require.NoError(t, err)
	c, err := dealer.Commitment([]byte("dkg-early"))
	require.NoError(t, err)
	v := dealer.Share(1)
	plaintext, err := bijson.Marshal([]frost.DealtShare{{From: 2, To: 1, Value: secp256k1.ScalarBytes(v)}})
	require.NoError(t, err)
	sealed, err := frost.SealShares(f.privKeys[2], f.privKeys[1].PubKey(), []byte("dkg-early"), plaintext)
	require.NoError(t, err)
	for _, m := range []struct {
		kind    messages.Kind
		payload interface{}
	}{
		{messages.KindDkgShare, messages.DkgShare{Commitments: []*frost.PolyCommitment{c}}},
		{messages.KindDkgPrivateShares, messages.DkgPrivateShares{Shares: []messages.SealedShares{{To: 1, Ciphertext: sealed}}}},
	} {
		env, err := messages.New("dkg-early", m.kind, 2, 1, m.payload)
		require.NoError(t, err)
		require.NoError(t, peer.Send(f.ctx, env))
	}
	time.Sleep(50 * time.Millisecond)

	f.send("dkg-early", messages.KindDkgRequest, 1, messages.DkgRequest{Threshold: 2, Participants: []common.SignerID{1, 2}})
	_, ack := f.expectAck(messages.AckDkgEnd)
	assert.Equal(t, ack.GroupKey, f.nodes[1].GroupKey())
}

func taprootSpend(t *testing.T, groupKey []byte) (*wire.MsgTx, taproot.Prevouts) {
	pub, err := btcec.ParsePubKey(groupKey)
	require.NoError(t, err)
	pkScript, err := txscript.PayToTaprootScript(txscript.ComputeTaprootKeyNoScript(pub))
	require.NoError(t, err)
	prev := wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(9000, pkScript))
	return tx, taproot.Prevouts{prev: wire.NewTxOut(10000, pkScript)}
}

func TestSignRequestRefusals(t *testing.T) {
	ids := []common.SignerID{1, 2}
	f := newFixture(t, 2, ids, nil)
	groupKey := f.runDkg("dkg-1", ids, 2)
	tx, prevouts := taprootSpend(t, groupKey)

	pegOut, err := messages.NewTxContext(taproot.TxKindPegOut, tx, prevouts, 0, txscript.SigHashAll, nil)
	require.NoError(t, err)
	sighash, err := pegOut.Sighash()
	require.NoError(t, err)
	wrongType, err := messages.NewTxContext(taproot.TxKindPegOut, tx, prevouts, 0, txscript.SigHashDefault, nil)
	require.NoError(t, err)

	cases := []struct {
		name    string
		message []byte
		tx      *messages.TxContext
	}{
		{name: "raw message", message: testMessage},
		{name: "sighash mismatch", message: testMessage, tx: pegOut},
		{name: "sighash type", message: sighash, tx: wrongType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			roundID := "sign-" + tc.name
			pkg, attempt := f.collectNonces(roundID, tc.message, groupKey, ids, 2)
			f.send(roundID, messages.KindSignRequest, attempt, messages.SignRequest{Package: pkg, Tx: tc.tx})
			for range ids {
				_, ack := f.expectAck(messages.AckRefused)
				assert.Contains(t, ack.Reason, ErrRefusedSigningRequest.Error())
			}
		})
	}

	t.Run("without nonce", func(t *testing.T) {
		participants, err := f.keys.Participants(ids)
		require.NoError(t, err)
		f.send("sign-fresh", messages.KindSignRequest, 1, messages.SignRequest{
			Package: &frost.SigningPackage{Message: sighash, Participants: participants},
			Tx:      pegOut,
		})
		for range ids {
			f.expectAck(messages.AckRefused)
		}
	})

	t.Run("unknown group key", func(t *testing.T) {
		other, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		f.send("sign-unknown", messages.KindNonceRequest, 1, messages.NonceRequest{
			Participants: ids,
			GroupKey:     other.PubKey().SerializeCompressed(),
		})
		for range ids {
			_, ack := f.expectAck(messages.AckRefused)
			assert.Contains(t, ack.Reason, ErrUnknownGroupKey.Error())
		}
	})
}

func TestSecondSignRequestIsRefused(t *testing.T) {
	ids := []common.SignerID{1, 2}
	f := newFixture(t, 2, ids, nil)
	groupKey := f.runDkg("dkg-1", ids, 2)
	tx, prevouts := taprootSpend(t, groupKey)
	txCtx, err := messages.NewTxContext(taproot.TxKindPegOut, tx, prevouts, 0, txscript.SigHashAll, nil)
	require.NoError(t, err)
	sighash, err := txCtx.Sighash()
	require.NoError(t, err)

	pkg, attempt := f.collectNonces("sign-1", sighash, groupKey, ids, 2)
	f.send("sign-1", messages.KindSignRequest, attempt, messages.SignRequest{Package: pkg, Tx: txCtx})
	for range ids {
		f.expect(messages.KindSignatureShare)
	}

	// same attempt, different package: the nonce is gone
	pkg.Tweak = &frost.TaprootTweak{}
	f.send("sign-1", messages.KindSignRequest, attempt, messages.SignRequest{Package: pkg, Tx: txCtx})
	for range ids {
		f.expectAck(messages.AckRefused)
	}
	f.expectNothing(messages.KindSignatureShare)
}

func TestCancelAcknowledgedForKnownRound(t *testing.T) {
	f := newFixture(t, 2, []common.SignerID{1}, nil)
	f.send("dkg-1", messages.KindDkgRequest, 1, messages.DkgRequest{Threshold: 2, Participants: []common.SignerID{1, 2}})
	f.expect(messages.KindDkgShare)

	f.send("dkg-1", messages.KindCancel, 1, messages.Cancel{Reason: "timeout"})
	env, _ := f.expectAck(messages.AckCancelled)
	assert.Equal(t, common.SignerID(1), env.SenderID)

	// a request for the cancelled round is not restarted
	f.send("dkg-1", messages.KindDkgRequest, 2, messages.DkgRequest{Threshold: 2, Participants: []common.SignerID{1, 2}})
	f.expectNothing(messages.KindDkgShare)
}

func TestLaterAttemptAfterSigning(t *testing.T) {
	ids := []common.SignerID{1, 2, 3}
	f := newFixture(t, 3, ids, nil)
	groupKey := f.runDkg("dkg-1", ids, 2)
	tx, prevouts := taprootSpend(t, groupKey)
	txCtx, err := messages.NewTxContext(taproot.TxKindPegOut, tx, prevouts, 0, txscript.SigHashAll, nil)
	require.NoError(t, err)
	sighash, err := txCtx.Sighash()
	require.NoError(t, err)

	pkg, attempt := f.collectNonces("sign-1", sighash, groupKey, ids, 2)
	f.send("sign-1", messages.KindSignRequest, attempt, messages.SignRequest{Package: pkg, Tx: txCtx})
	for range ids {
		f.expect(messages.KindSignatureShare)
	}

	// the coordinator dropped signer 2 and starts over with the other two
	rest := []common.SignerID{1, 3}
	pkg, next := f.collectNoncesFrom("sign-1", attempt+1, sighash, groupKey, rest, 2)
	f.send("sign-1", messages.KindSignRequest, next, messages.SignRequest{Package: pkg, Tx: txCtx})
	for range rest {
		env := f.expect(messages.KindSignatureShare)
		assert.NotEqual(t, common.SignerID(2), env.SenderID)
		assert.Equal(t, next, env.Attempt)
	}

	// an attempt that was already signed stays closed
	f.send("sign-1", messages.KindNonceRequest, attempt, messages.NonceRequest{Participants: rest, GroupKey: groupKey})
	f.expectNothing(messages.KindNonceCommitment)
}

func stacksContext(t *testing.T, call *stacks.ContractCall) (*messages.StacksTxContext, []byte) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	stx, err := messages.NewStacksTxContext(stacks.NewContractCall(stacks.Testnet, key.PubKey(), call, 0, 2000))
	require.NoError(t, err)
	sighash, err := stx.Sighash()
	require.NoError(t, err)
	return stx, sighash
}

func TestStacksContractCalls(t *testing.T) {
	ids := []common.SignerID{1, 2}
	f := newFixture(t, 2, ids, nil)
	groupKey := f.runDkg("dkg-1", ids, 2)
	contract, err := stacks.ParseAddress("ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM")
	require.NoError(t, err)

	register, err := stacks.SetBitcoinWalletCall(contract, "peg-signers", groupKey[1:])
	require.NoError(t, err)
	stx, sighash := stacksContext(t, register)
	pkg, attempt := f.collectNonces("stacks-ok", sighash, groupKey, ids, 2)
	f.send("stacks-ok", messages.KindSignRequest, attempt, messages.SignRequest{Package: pkg, StacksTx: stx})
	for range ids {
		f.expect(messages.KindSignatureShare)
	}

	otherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	wrongWallet, err := stacks.SetBitcoinWalletCall(contract, "peg-signers", otherKey.PubKey().SerializeCompressed()[1:])
	require.NoError(t, err)
	wrongWalletCtx, wrongWalletHash := stacksContext(t, wrongWallet)
	transferCtx, transferHash := stacksContext(t, &stacks.ContractCall{
		Contract:     contract,
		ContractName: "peg-signers",
		FunctionName: "transfer",
		Args:         []*stacks.Value{stacks.UInt(1)},
	})
	tx, prevouts := taprootSpend(t, groupKey)
	btcCtx, err := messages.NewTxContext(taproot.TxKindPegOut, tx, prevouts, 0, txscript.SigHashAll, nil)
	require.NoError(t, err)

	cases := []struct {
		name    string
		message []byte
		req     messages.SignRequest
		reason  string
	}{
		{name: "wallet key", message: wrongWalletHash, req: messages.SignRequest{StacksTx: wrongWalletCtx}, reason: errWalletKey.Error()},
		{name: "function", message: transferHash, req: messages.SignRequest{StacksTx: transferCtx}, reason: errStacksFunction.Error()},
		{name: "sighash", message: testMessage, req: messages.SignRequest{StacksTx: stx}, reason: errSighashMismatch.Error()},
		{name: "both contexts", message: sighash, req: messages.SignRequest{StacksTx: stx, Tx: btcCtx}, reason: errSighashMismatch.Error()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			roundID := "stacks-" + tc.name
			pkg, attempt := f.collectNonces(roundID, tc.message, groupKey, ids, 2)
			tc.req.Package = pkg
			f.send(roundID, messages.KindSignRequest, attempt, tc.req)
			for range ids {
				_, ack := f.expectAck(messages.AckRefused)
				assert.Contains(t, ack.Reason, tc.reason)
			}
		})
	}
}
