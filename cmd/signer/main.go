package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/config"
	"github.com/torusresearch/peg-signer/node"
	"github.com/torusresearch/peg-signer/secp256k1"
	"github.com/torusresearch/peg-signer/version"
)

const usage = `usage: signer run [flags]
       signer private-key
       signer public-key <private key hex>`

func main() {
	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	var err error
	switch cmd {
	case "run":
		err = run(args)
	case "private-key":
		err = privateKey()
	case "public-key":
		if len(args) != 1 {
			err = errors.New(usage)
			break
		}
		err = publicKey(args[0])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logging.WithError(err).Fatal("signer failed")
	}
}

// privateKey prints a fresh network key.
func privateKey() error {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(priv.Serialize()))
	return nil
}

func publicKey(privHex string) error {
	priv, err := secp256k1.ParsePrivateKeyHex(privHex)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(priv.PubKey().SerializeCompressed()))
	return nil
}

func run(args []string) error {
	logging.WithField("version", version.String()).Info("PEG SIGNER STARTING...")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig("", args)
	if err != nil {
		return err
	}
	key, err := cfg.NetworkKey()
	if err != nil {
		return err
	}
	keys, err := node.LoadRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	t, err := node.NewP2PTransport(ctx, cfg, key, keys)
	if err != nil {
		return err
	}
	s, err := node.NewSigner(cfg, t, key, keys)
	if err != nil {
		t.Close()
		return err
	}
	exited := make(chan error, 1)
	if err := s.Start(ctx, func(err error) { exited <- err }); err != nil {
		s.Stop()
		return err
	}
	logging.WithField("signer", s.ID()).Info("signer started")
	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case err = <-exited:
	}
	s.Stop()
	return err
}
