package transport

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/messages"
)

func testEnvelope(t *testing.T, sender common.SignerID) *messages.Envelope {
	env, err := messages.New("round-1", messages.KindNonceRequest, sender, 1, messages.NonceRequest{
		Participants: []common.SignerID{1, 2},
	})
	require.NoError(t, err)
	return env
}

func receiveOne(t *testing.T, tr Transport) *messages.Envelope {
	select {
	case env := <-tr.Receive():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
		return nil
	}
}

func assertSilent(t *testing.T, tr Transport) {
	select {
	case env := <-tr.Receive():
		t.Fatalf("unexpected envelope from %s", env.SenderID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalNetworkBroadcastExcludesSender(t *testing.T) {
	n := NewLocalNetwork()
	coord := n.Join(common.CoordinatorID)
	s1 := n.Join(1)
	s2 := n.Join(2)

	require.NoError(t, coord.Send(context.Background(), testEnvelope(t, common.CoordinatorID)))
	assert.Equal(t, common.CoordinatorID, receiveOne(t, s1).SenderID)
	assert.Equal(t, common.CoordinatorID, receiveOne(t, s2).SenderID)
	assertSilent(t, coord)
}

func TestLocalNetworkMiddleware(t *testing.T) {
	n := NewLocalNetwork()
	coord := n.Join(common.CoordinatorID)
	s1 := n.Join(1)
	s2 := n.Join(2)
	n.Use(DropFrom(2))
	n.Use(Duplicate())

	require.NoError(t, s2.Send(context.Background(), testEnvelope(t, 2)))
	assertSilent(t, coord)

	require.NoError(t, s1.Send(context.Background(), testEnvelope(t, 1)))
	first := receiveOne(t, coord)
	second := receiveOne(t, coord)
	assert.Equal(t, first.Key(), second.Key())
}

func TestLocalTransportClose(t *testing.T) {
	n := NewLocalNetwork()
	coord := n.Join(common.CoordinatorID)
	s1 := n.Join(1)
	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())

	_, open := <-s1.Receive()
	assert.False(t, open)
	assert.Equal(t, ErrClosed, s1.Send(context.Background(), testEnvelope(t, 1)))
	assert.NoError(t, coord.Send(context.Background(), testEnvelope(t, common.CoordinatorID)))
}

type staticKeys map[common.SignerID]*btcec.PublicKey

func (k staticKeys) PublicKeyFor(id common.SignerID) (*btcec.PublicKey, error) {
	pub, ok := k[id]
	if !ok {
		return nil, assert.AnError
	}
	return pub, nil
}

func TestAuthenticatedDropsForgedEnvelopes(t *testing.T) {
	coordKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	signerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	impostor, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	keys := staticKeys{common.CoordinatorID: coordKey.PubKey(), 1: signerKey.PubKey()}

	n := NewLocalNetwork()
	coord := NewAuthenticated(n.Join(common.CoordinatorID), coordKey, keys)
	defer coord.Close()
	signer := NewAuthenticated(n.Join(1), signerKey, keys)
	defer signer.Close()
	forger := NewAuthenticated(n.Join(3), impostor, keys)
	defer forger.Close()

	// claims to be the coordinator but signs with another key
	require.NoError(t, forger.Send(context.Background(), testEnvelope(t, common.CoordinatorID)))
	assertSilent(t, signer)

	require.NoError(t, coord.Send(context.Background(), testEnvelope(t, common.CoordinatorID)))
	env := receiveOne(t, signer)
	assert.NoError(t, env.Verify(coordKey.PubKey()))
}

func TestP2PTransportRoundTrip(t *testing.T) {
	ctx := context.Background()
	keyA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	keyB, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	a, err := NewP2PTransport(ctx, "/ip4/127.0.0.1/tcp/0", keyA, nil)
	require.NoError(t, err)
	defer a.Close()
	addrs := a.Addrs()
	require.NotEmpty(t, addrs)

	b, err := NewP2PTransport(ctx, "/ip4/127.0.0.1/tcp/0", keyB, []string{addrs[0].String()})
	require.NoError(t, err)
	defer b.Close()

	sent := testEnvelope(t, 1)
	sent.Sign(keyB)
	require.NoError(t, b.Send(ctx, sent))

	got := receiveOne(t, a)
	assert.Equal(t, sent.Key(), got.Key())
	assert.Equal(t, sent.Payload, got.Payload)
	assert.NoError(t, got.Verify(keyB.PubKey()))

	require.NoError(t, a.Send(ctx, testEnvelope(t, common.CoordinatorID)))
	assert.Equal(t, common.CoordinatorID, receiveOne(t, b).SenderID)
}
