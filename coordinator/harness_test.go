package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/eventbus"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/keyregistry"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/round"
	"github.com/torusresearch/peg-signer/signer"
	"github.com/torusresearch/peg-signer/transport"
)

type testRoster struct {
	keys     *keyregistry.Registry
	privKeys map[common.SignerID]*btcec.PrivateKey
}

// newRoster builds a roster where signer i owns the key ids listed in owners[i].
func newRoster(t *testing.T, threshold uint32, owners map[common.SignerID][]common.KeyID) *testRoster {
	coordKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	r := &testRoster{privKeys: make(map[common.SignerID]*btcec.PrivateKey)}
	var signers []*keyregistry.Signer
	for id, keyIDs := range owners {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		r.privKeys[id] = priv
		signers = append(signers, &keyregistry.Signer{ID: id, PublicKey: priv.PubKey(), KeyIDs: keyIDs})
	}
	r.keys, err = keyregistry.New(threshold, coordKey.PubKey(), signers)
	require.NoError(t, err)
	return r
}

func oneKeyEach(n int) map[common.SignerID][]common.KeyID {
	owners := make(map[common.SignerID][]common.KeyID, n)
	for i := 1; i <= n; i++ {
		owners[common.SignerID(i)] = []common.KeyID{common.KeyID(i)}
	}
	return owners
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	cancel context.CancelFunc
	net    *transport.LocalNetwork
	roster *testRoster
	coord  *Coordinator
	nodes  map[common.SignerID]*signer.Signer
	wg     sync.WaitGroup
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	// random nonces give an odd R half of the time
	cfg.MaxNonceAttempts = 20
	return cfg
}

func newHarness(t *testing.T, roster *testRoster, cfg Config) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		ctx:    ctx,
		cancel: cancel,
		net:    transport.NewLocalNetwork(),
		roster: roster,
		nodes:  make(map[common.SignerID]*signer.Signer),
	}
	h.coord = New(h.net.Join(common.CoordinatorID), roster.keys, eventbus.New(), cfg)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_ = h.coord.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	h.wg.Wait()
}

// startSigner runs a real signer, configure can adjust its settings.
func (h *harness) startSigner(id common.SignerID, configure func(*signer.Config)) *signer.Signer {
	cfg := signer.DefaultConfig(id)
	cfg.AllowRawMessages = true
	if configure != nil {
		configure(&cfg)
	}
	node, err := signer.New(h.net.Join(id), h.roster.privKeys[id], h.roster.keys, cfg)
	require.NoError(h.t, err)
	h.nodes[id] = node
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_ = node.Run(h.ctx)
	}()
	return node
}

func (h *harness) startSigners(ids ...common.SignerID) {
	for _, id := range ids {
		h.startSigner(id, nil)
	}
}

func (h *harness) wait(roundID string) *round.Outcome {
	ctx, cancel := context.WithTimeout(h.ctx, 20*time.Second)
	defer cancel()
	outcome, err := h.coord.Wait(ctx, roundID)
	require.NoError(h.t, err)
	return outcome
}

func (h *harness) runDkg(participants []common.SignerID, threshold uint32) *frost.DkgResult {
	id, err := h.coord.StartDkgRound(h.ctx, participants, threshold)
	require.NoError(h.t, err)
	outcome := h.wait(id)
	require.True(h.t, outcome.Succeeded(), "dkg failed: %v", outcome.Err())
	require.NotNil(h.t, outcome.DkgResult)
	return outcome.DkgResult
}

func verifyUnder(t *testing.T, result *frost.DkgResult, tweak *frost.TaprootTweak, message []byte, o *round.Outcome) {
	sig, err := o.SchnorrSignature()
	require.NoError(t, err)
	pub, err := result.PublicKey()
	require.NoError(t, err)
	if tweak != nil {
		pub = txscript.ComputeTaprootOutputKey(pub, tweak.MerkleRoot)
	}
	require.True(t, sig.Verify(message, pub))
}

// scriptedSigners answers for several signers at once with key shares from a local
// dealer. It chooses the nonces so the aggregate nonce has the parity wanted for each
// attempt.
type scriptedSigners struct {
	t         *testing.T
	threshold uint32
	keys      *keyregistry.Registry
	result    *frost.DkgResult
	secrets   map[common.KeyID]*btcec.ModNScalar
	endpoints map[common.SignerID]*transport.LocalTransport
	inbox     chan *messages.Envelope

	// evenAt reports whether the nonces of an attempt should aggregate to an even R.
	evenAt  func(attempt uint32) bool
	corrupt map[common.SignerID]bool
	// badNonce signers publish a commitment that is not a curve point
	badNonce map[common.SignerID]bool
	// silent signers send nonces but never a signature share
	silent map[common.SignerID]bool

	mu            sync.Mutex
	nonceRequests []uint32
	signRequests  int
	nonces        map[uint32]map[common.SignerID]*frost.Nonce
	handled       map[messages.Key]struct{}
}

func newScriptedSigners(t *testing.T, net *transport.LocalNetwork, keys *keyregistry.Registry, threshold uint32, ids []common.SignerID) *scriptedSigners {
	s := &scriptedSigners{
		t:         t,
		threshold: threshold,
		keys:      keys,
		secrets:   make(map[common.KeyID]*btcec.ModNScalar),
		endpoints: make(map[common.SignerID]*transport.LocalTransport),
		inbox:     make(chan *messages.Envelope, 1024),
		evenAt:    func(uint32) bool { return true },
		corrupt:   make(map[common.SignerID]bool),
		badNonce:  make(map[common.SignerID]bool),
		silent:    make(map[common.SignerID]bool),
		nonces:    make(map[uint32]map[common.SignerID]*frost.Nonce),
		handled:   make(map[messages.Key]struct{}),
	}
	keyIDs := keys.KeyIDs(ids)
	for _, k := range keyIDs {
		s.secrets[k] = new(btcec.ModNScalar)
	}
	var commitments []*frost.PolyCommitment
	for _, k := range keyIDs {
		dealer, err := frost.NewDealer(k, threshold)
		require.NoError(t, err)
		c, err := dealer.Commitment([]byte("scripted"))
		require.NoError(t, err)
		commitments = append(commitments, c)
		for _, to := range keyIDs {
			s.secrets[to].Add(dealer.Share(to))
		}
		dealer.Zeroize()
	}
	result, err := frost.NewDkgResult(threshold, commitments)
	require.NoError(t, err)
	s.result = result
	for _, id := range ids {
		s.endpoints[id] = net.Join(id)
	}
	return s
}

func (s *scriptedSigners) run(ctx context.Context) {
	for _, ep := range s.endpoints {
		go func(ep *transport.LocalTransport) {
			for env := range ep.Receive() {
				select {
				case s.inbox <- env:
				case <-ctx.Done():
					return
				}
			}
		}(ep)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				for _, ep := range s.endpoints {
					_ = ep.Close()
				}
				return
			case env := <-s.inbox:
				s.handle(ctx, env)
			}
		}
	}()
}

func (s *scriptedSigners) shares(id common.SignerID) map[common.KeyID]*btcec.ModNScalar {
	out := make(map[common.KeyID]*btcec.ModNScalar)
	for _, k := range s.keys.KeyIDs([]common.SignerID{id}) {
		var x btcec.ModNScalar
		x.Set(s.secrets[k])
		out[k] = &x
	}
	return out
}

func (s *scriptedSigners) send(ctx context.Context, from common.SignerID, roundID string, kind messages.Kind, attempt uint32, payload interface{}) {
	env, err := messages.New(roundID, kind, from, attempt, payload)
	if err != nil {
		s.t.Errorf("encode: %v", err)
		return
	}
	if err := s.endpoints[from].Send(ctx, env); err != nil {
		s.t.Errorf("send: %v", err)
	}
}

func (s *scriptedSigners) handle(ctx context.Context, env *messages.Envelope) {
	if env.SenderID != common.CoordinatorID {
		return
	}
	s.mu.Lock()
	// every endpoint receives the same broadcast
	if _, ok := s.handled[env.Key()]; ok {
		s.mu.Unlock()
		return
	}
	s.handled[env.Key()] = struct{}{}
	s.mu.Unlock()

	switch env.Kind {
	case messages.KindNonceRequest:
		var req messages.NonceRequest
		if err := env.Decode(&req); err != nil {
			s.t.Errorf("decode: %v", err)
			return
		}
		s.onNonceRequest(ctx, env, req)
	case messages.KindSignRequest:
		var req messages.SignRequest
		if err := env.Decode(&req); err != nil {
			s.t.Errorf("decode: %v", err)
			return
		}
		s.onSignRequest(ctx, env, req)
	}
}

func (s *scriptedSigners) onNonceRequest(ctx context.Context, env *messages.Envelope, req messages.NonceRequest) {
	s.mu.Lock()
	s.nonceRequests = append(s.nonceRequests, env.Attempt)
	s.mu.Unlock()

	participants, err := s.keys.Participants(req.Participants)
	if err != nil {
		s.t.Errorf("participants: %v", err)
		return
	}
	groupKey, err := s.result.PublicKey()
	if err != nil {
		s.t.Errorf("group key: %v", err)
		return
	}
	// the message is not known yet, parity is checked against the one under test and
	// over the signers the coordinator will keep
	want := s.evenAt(env.Attempt)
	for i := 0; i < 256; i++ {
		nonces := make(map[common.SignerID]*frost.Nonce)
		pkg := &frost.SigningPackage{Message: testMessage}
		for _, p := range participants {
			n, err := frost.NewNonce()
			if err != nil {
				s.t.Errorf("nonce: %v", err)
				return
			}
			nonces[p.SignerID] = n
			if s.badNonce[p.SignerID] {
				continue
			}
			pkg.Participants = append(pkg.Participants, p)
			pkg.Commitments = append(pkg.Commitments, n.Commitment(p.SignerID))
		}
		session, err := frost.NewSession(groupKey, s.threshold, pkg)
		if err != nil {
			s.t.Errorf("session: %v", err)
			return
		}
		if session.NonceIsEven() != want {
			continue
		}
		s.mu.Lock()
		s.nonces[env.Attempt] = nonces
		s.mu.Unlock()
		for _, p := range participants {
			commitment := nonces[p.SignerID].Commitment(p.SignerID)
			if s.badNonce[p.SignerID] {
				commitment.E[0] = 0x05
			}
			s.send(ctx, p.SignerID, env.RoundID, messages.KindNonceCommitment, env.Attempt,
				messages.NonceCommitment{Commitment: commitment})
		}
		return
	}
	s.t.Errorf("no nonces with the wanted parity")
}

func (s *scriptedSigners) onSignRequest(ctx context.Context, env *messages.Envelope, req messages.SignRequest) {
	s.mu.Lock()
	s.signRequests++
	nonces := s.nonces[env.Attempt]
	s.mu.Unlock()

	groupKey, err := s.result.PublicKey()
	if err != nil {
		s.t.Errorf("group key: %v", err)
		return
	}
	session, err := frost.NewSession(groupKey, s.threshold, req.Package)
	if err != nil {
		s.t.Errorf("session: %v", err)
		return
	}
	for _, p := range req.Package.Participants {
		if s.silent[p.SignerID] {
			continue
		}
		share, err := session.Sign(p.SignerID, s.shares(p.SignerID), nonces[p.SignerID])
		if err != nil {
			s.t.Errorf("sign: %v", err)
			return
		}
		if s.corrupt[p.SignerID] {
			share.Z[31] ^= 0x01
		}
		s.send(ctx, p.SignerID, env.RoundID, messages.KindSignatureShare, env.Attempt, messages.SignatureShare{Share: share})
	}
}

func (s *scriptedSigners) nonceAttempts() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.nonceRequests...)
}

func (s *scriptedSigners) signRequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signRequests
}
