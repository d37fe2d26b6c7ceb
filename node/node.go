// Package node assembles the coordinator and signer processes from configuration.
package node

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/config"
	"github.com/torusresearch/peg-signer/keyregistry"
	"github.com/torusresearch/peg-signer/stacks"
	"github.com/torusresearch/peg-signer/telemetry"
	"github.com/torusresearch/peg-signer/transport"
)

const shutdownTimeout = 5 * time.Second

// NewStacksClient builds the peg contract client from cfg.
func NewStacksClient(cfg *config.Config) (*stacks.Client, error) {
	return stacks.NewClient(stacks.ClientConfig{
		URL:             cfg.StacksNodeRPCURL,
		ContractAddress: cfg.ContractAddress,
		ContractName:    cfg.ContractName,
		Sender:          cfg.StacksSenderAddress,
	})
}

// StacksNetwork is the stacks chain anchored to the configured bitcoin network.
func StacksNetwork(cfg *config.Config) stacks.Network {
	if cfg.Network == "mainnet" {
		return stacks.Mainnet
	}
	return stacks.Testnet
}

// LoadRegistry reads the roster from the config file or from the peg contract. Malformed
// contract data fails startup the same way a malformed config file does.
func LoadRegistry(ctx context.Context, cfg *config.Config) (*keyregistry.Registry, error) {
	switch cfg.RosterSource {
	case config.RosterFromStacks:
		client, err := NewStacksClient(cfg)
		if err != nil {
			return nil, err
		}
		keys, err := keyregistry.FromStacks(ctx, client)
		if err != nil {
			return nil, &config.Error{Kind: config.InvalidContract, Field: "contractAddress", Cause: err}
		}
		return keys, nil
	default:
		return keyregistry.FromConfig(cfg)
	}
}

// NewP2PTransport starts libp2p under the network key and wraps it so every envelope is
// signed on the way out and checked against the roster on the way in.
func NewP2PTransport(ctx context.Context, cfg *config.Config, key *btcec.PrivateKey, keys *keyregistry.Registry) (transport.Transport, error) {
	p2p, err := transport.NewP2PTransport(ctx, cfg.P2PListenAddress, key, cfg.P2PPeers)
	if err != nil {
		return nil, err
	}
	logging.WithField("peerID", p2p.ID().String()).Info("p2p transport started")
	return transport.NewAuthenticated(p2p, key, keys), nil
}

// metrics serves the prometheus registry as a service.
type metrics struct {
	addr string
	errs chan error
}

func newMetrics(addr string) *metrics {
	return &metrics{addr: addr, errs: make(chan error, 1)}
}

func (m *metrics) Name() string { return "metrics" }

func (m *metrics) OnStart(ctx context.Context) error {
	go func() {
		m.errs <- telemetry.Serve(m.addr)
	}()
	// surface an immediate bind failure
	select {
	case err := <-m.errs:
		if err != nil {
			return errors.Wrapf(err, "metrics server on %s", m.addr)
		}
		return nil
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (m *metrics) OnStop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return telemetry.Shutdown(ctx)
}
