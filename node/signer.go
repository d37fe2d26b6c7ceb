package node

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/config"
	"github.com/torusresearch/peg-signer/keyregistry"
	"github.com/torusresearch/peg-signer/service"
	"github.com/torusresearch/peg-signer/signer"
	"github.com/torusresearch/peg-signer/transport"
)

// Signer is the signer process: the signer loop over its transport plus metrics.
type Signer struct {
	signer   *signer.Signer
	runner   *service.Runner
	services *service.Registry
}

// NewSigner wires signer cfg.SignerID over t. The returned node owns t.
func NewSigner(cfg *config.Config, t transport.Transport, key *btcec.PrivateKey, keys *keyregistry.Registry) (*Signer, error) {
	scfg := signer.DefaultConfig(common.SignerID(cfg.SignerID))
	scfg.AllowRawMessages = cfg.AllowRawMessages
	s, err := signer.New(t, key, keys, scfg)
	if err != nil {
		return nil, err
	}
	runner := service.NewRunner("signer", s.Run)
	services := service.NewRegistry(
		service.NewBaseService(&closer{name: "transport", t: t}),
		service.NewBaseService(runner),
	)
	if cfg.MetricsAddress != "" {
		services.Register(service.NewBaseService(newMetrics(cfg.MetricsAddress)))
	}
	return &Signer{signer: s, runner: runner, services: services}, nil
}

func (s *Signer) ID() common.SignerID {
	return s.signer.ID()
}

// Start runs the signer. exited is called if the loop ends on its own, e.g. when the
// transport fails.
func (s *Signer) Start(ctx context.Context, exited func(err error)) error {
	s.runner.OnExit = exited
	return s.services.StartAll(ctx)
}

func (s *Signer) Stop() {
	s.services.StopAll()
}
