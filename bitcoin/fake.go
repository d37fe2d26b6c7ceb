package bitcoin

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// FakeNode is an in-memory Node for tests. BroadcastErrs are returned, in order, by the
// first broadcasts before any transaction is accepted.
type FakeNode struct {
	mu            sync.Mutex
	UTXOs         map[string][]*UTXO
	Height        int64
	BroadcastErrs []error
	Broadcasts    []*wire.MsgTx
	Wallets       []string
}

func NewFakeNode() *FakeNode {
	return &FakeNode{UTXOs: make(map[string][]*UTXO)}
}

func (f *FakeNode) BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.BroadcastErrs) > 0 {
		err := f.BroadcastErrs[0]
		f.BroadcastErrs = f.BroadcastErrs[1:]
		return nil, err
	}
	f.Broadcasts = append(f.Broadcasts, tx.Copy())
	hash := tx.TxHash()
	return &hash, nil
}

func (f *FakeNode) LoadWallet(ctx context.Context, address btcutil.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Wallets = append(f.Wallets, address.EncodeAddress())
	return nil
}

func (f *FakeNode) ListUnspent(ctx context.Context, address btcutil.Address) ([]*UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*UTXO(nil), f.UTXOs[address.EncodeAddress()]...), nil
}

func (f *FakeNode) BlockCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Height, nil
}

// Broadcasted returns copies of the accepted transactions.
func (f *FakeNode) Broadcasted() []*wire.MsgTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.MsgTx(nil), f.Broadcasts...)
}

var _ Node = (*FakeNode)(nil)
var _ Node = (*Client)(nil)
