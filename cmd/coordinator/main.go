package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/bitcoin"
	"github.com/torusresearch/peg-signer/config"
	"github.com/torusresearch/peg-signer/db"
	"github.com/torusresearch/peg-signer/node"
	"github.com/torusresearch/peg-signer/version"
)

const usage = `usage: coordinator [run] [flags]
       coordinator peg-out <address> <satoshis> [flags]
       coordinator mint <burn-height> [flags]`

func main() {
	logging.WithField("version", version.String()).Info("PEG COORDINATOR STARTING...")
	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "run":
		err = run(ctx, args)
	case "peg-out":
		err = pegOut(ctx, args)
	case "mint":
		err = mint(ctx, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logging.WithError(err).Fatal("coordinator failed")
	}
}

func start(ctx context.Context, args []string) (*node.Coordinator, *config.Config, error) {
	cfg, err := config.LoadConfig("", args)
	if err != nil {
		return nil, nil, err
	}
	key, err := cfg.NetworkKey()
	if err != nil {
		return nil, nil, err
	}
	keys, err := node.LoadRegistry(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if coordKey := keys.Coordinator(); coordKey != nil && !coordKey.IsEqual(key.PubKey()) {
		return nil, nil, errors.New("network key is not the roster's coordinator key")
	}
	store, err := db.NewSqliteDB(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	t, err := node.NewP2PTransport(ctx, cfg, key, keys)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	c := node.NewCoordinator(cfg, t, keys, bitcoin.NewClient(cfg.BitcoinNodeRPCURL), store)
	if cfg.StacksNodeRPCURL != "" && cfg.ContractAddress != "" {
		client, err := node.NewStacksClient(cfg)
		if err != nil {
			c.Stop()
			return nil, nil, err
		}
		c.WithStacks(client, key)
	}
	if err := c.Start(ctx); err != nil {
		c.Stop()
		return nil, nil, err
	}
	return c, cfg, nil
}

func run(ctx context.Context, args []string) error {
	c, _, err := start(ctx, args)
	if err != nil {
		return err
	}
	<-ctx.Done()
	logging.Info("shutting down")
	c.Stop()
	return nil
}

func pegOut(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New(usage)
	}
	sats, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return errors.Wrap(err, "amount")
	}
	c, cfg, err := start(ctx, args[2:])
	if err != nil {
		return err
	}
	defer c.Stop()
	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}
	recipient, err := btcutil.DecodeAddress(args[0], params)
	if err != nil {
		return errors.Wrap(err, "recipient")
	}
	txid, err := c.PegOut(ctx, recipient, btcutil.Amount(sats))
	if err != nil {
		return err
	}
	fmt.Println(txid.String())
	return nil
}

func mint(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New(usage)
	}
	height, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return errors.Wrap(err, "burn height")
	}
	c, _, err := start(ctx, args[1:])
	if err != nil {
		return err
	}
	defer c.Stop()
	txids, err := c.Mint(ctx, height)
	for _, txid := range txids {
		fmt.Println(txid)
	}
	return err
}
