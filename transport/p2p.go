package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/messages"
	"github.com/torusresearch/peg-signer/telemetry"
	"github.com/torusresearch/peg-signer/version"
)

// EnvelopeProtocol is the libp2p protocol id envelopes travel on.
var EnvelopeProtocol = protocol.ID("/peg-signer/envelope/" + version.EnvelopeProtocolVersion)

const (
	maxEnvelopeSize = 4 << 20
	p2pInboxSize    = 1024
	dialTimeout     = 10 * time.Second
)

// P2PTransport broadcasts envelopes to every connected peer over one libp2p stream per
// envelope, framed with a varint length prefix.
type P2PTransport struct {
	host  host.Host
	inbox chan *messages.Envelope
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewP2PTransport starts a libp2p host whose identity is the node's network key and
// connects to the given peers. Peers are full multiaddresses ending in /p2p/<peer id>.
func NewP2PTransport(ctx context.Context, listen string, key *btcec.PrivateKey, peers []string) (*P2PTransport, error) {
	priv, err := crypto.UnmarshalSecp256k1PrivateKey(key.Serialize())
	if err != nil {
		return nil, errors.Wrap(err, "could not convert network key")
	}
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listen),
		libp2p.Identity(priv),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not start libp2p host")
	}
	t := &P2PTransport{
		host:  h,
		inbox: make(chan *messages.Envelope, p2pInboxSize),
		done:  make(chan struct{}),
	}
	h.SetStreamHandler(EnvelopeProtocol, t.handleStream)

	for _, addr := range t.Addrs() {
		logging.WithField("address", addr.String()).Info("p2p transport listening")
	}
	for _, p := range peers {
		if err := t.Connect(ctx, p); err != nil {
			logging.WithField("peer", p).WithError(err).Warn("could not connect to peer, will rely on it dialing in")
		}
	}
	return t, nil
}

// ID is this node's libp2p peer id.
func (t *P2PTransport) ID() peer.ID {
	return t.host.ID()
}

// Addrs returns dialable addresses including the /p2p component.
func (t *P2PTransport) Addrs() []ma.Multiaddr {
	self, err := ma.NewMultiaddr(fmt.Sprintf("/p2p/%s", t.host.ID()))
	if err != nil {
		return nil
	}
	out := make([]ma.Multiaddr, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, a.Encapsulate(self))
	}
	return out
}

func (t *P2PTransport) Connect(ctx context.Context, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return errors.Wrapf(err, "invalid peer address %s", addr)
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return t.host.Connect(ctx, *info)
}

func (t *P2PTransport) Send(ctx context.Context, env *messages.Envelope) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	data, err := messages.Marshal(env)
	if err != nil {
		return err
	}
	peers := t.host.Network().Peers()
	var failures int
	for _, p := range peers {
		if err := t.sendTo(ctx, p, data); err != nil {
			failures++
			telemetry.IncrementCounter(common.TelemetryConstants.Transport.PeerSendFailureCounter, common.TelemetryConstants.Transport.Prefix)
			logging.WithFields(logging.Fields{
				"peer":  p.String(),
				"round": env.RoundID,
				"kind":  env.Kind,
			}).WithError(err).Warn("could not send envelope to peer")
		}
	}
	telemetry.IncrementCounter(common.TelemetryConstants.Transport.SentCounter, common.TelemetryConstants.Transport.Prefix)
	if len(peers) > 0 && failures == len(peers) {
		return errors.Errorf("envelope reached none of %d peers", len(peers))
	}
	return nil
}

func (t *P2PTransport) sendTo(ctx context.Context, p peer.ID, data []byte) error {
	s, err := t.host.NewStream(ctx, p, EnvelopeProtocol)
	if err != nil {
		return err
	}
	w := msgio.NewVarintWriter(s)
	if err := w.WriteMsg(data); err != nil {
		_ = s.Reset()
		return err
	}
	return s.Close()
}

func (t *P2PTransport) handleStream(s network.Stream) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		_ = s.Reset()
		return
	}
	t.wg.Add(1)
	t.mu.RUnlock()
	defer t.wg.Done()
	defer s.Close()

	r := msgio.NewVarintReaderSize(s, maxEnvelopeSize)
	for {
		data, err := r.ReadMsg()
		if err != nil {
			return
		}
		env, err := messages.Unmarshal(data)
		r.ReleaseMsg(data)
		if err != nil {
			telemetry.IncrementCounter(common.TelemetryConstants.Transport.DroppedCounter, common.TelemetryConstants.Transport.Prefix)
			logging.WithField("peer", s.Conn().RemotePeer().String()).WithError(err).Warn("dropping malformed envelope")
			continue
		}
		select {
		case t.inbox <- env:
		case <-t.done:
			return
		}
	}
}

func (t *P2PTransport) Receive() <-chan *messages.Envelope {
	return t.inbox
}

// Close stops the host and closes the receive channel once in-flight streams finish.
func (t *P2PTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.host.RemoveStreamHandler(EnvelopeProtocol)
	err := t.host.Close()
	t.wg.Wait()
	close(t.inbox)
	return err
}
