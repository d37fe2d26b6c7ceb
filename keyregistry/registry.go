// Package keyregistry is the read-only roster of who holds which key ids.
package keyregistry

import (
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/peg-signer/common"
	"github.com/torusresearch/peg-signer/config"
	"github.com/torusresearch/peg-signer/frost"
	"github.com/torusresearch/peg-signer/secp256k1"
)

var (
	ErrInvalidKeyID     = errors.New("key id must be greater than zero")
	ErrDuplicateKeyID   = errors.New("key id is owned by more than one signer")
	ErrInvalidThreshold = errors.New("threshold must be between 1 and the number of key ids")
	ErrInvalidSignerID  = errors.New("signer id must be greater than zero")
	ErrNoKeyIDs         = errors.New("signer owns no key ids")
	ErrUnknownSigner    = errors.New("unknown signer")
)

// Signer is one roster entry.
type Signer struct {
	ID        common.SignerID
	PublicKey *btcec.PublicKey
	KeyIDs    []common.KeyID
}

type Registry struct {
	threshold   uint32
	coordinator *btcec.PublicKey
	signers     map[common.SignerID]*Signer
	owners      map[common.KeyID]common.SignerID
}

// New validates the roster. The coordinator key may be nil for a signer that only
// needs to know its peers.
func New(threshold uint32, coordinator *btcec.PublicKey, signers []*Signer) (*Registry, error) {
	r := &Registry{
		threshold:   threshold,
		coordinator: coordinator,
		signers:     make(map[common.SignerID]*Signer, len(signers)),
		owners:      make(map[common.KeyID]common.SignerID),
	}
	for _, s := range signers {
		if s.ID == common.CoordinatorID {
			return nil, ErrInvalidSignerID
		}
		if _, ok := r.signers[s.ID]; ok {
			return nil, errors.Wrapf(ErrInvalidSignerID, "signer %s listed twice", s.ID)
		}
		if len(s.KeyIDs) == 0 {
			return nil, errors.Wrapf(ErrNoKeyIDs, "signer %s", s.ID)
		}
		ids := make([]common.KeyID, len(s.KeyIDs))
		copy(ids, s.KeyIDs)
		for _, k := range common.SortKeyIDs(ids) {
			if k == 0 {
				return nil, ErrInvalidKeyID
			}
			if _, ok := r.owners[k]; ok {
				return nil, errors.Wrapf(ErrDuplicateKeyID, "key id %s", k)
			}
			r.owners[k] = s.ID
		}
		r.signers[s.ID] = &Signer{ID: s.ID, PublicKey: s.PublicKey, KeyIDs: ids}
	}
	if threshold == 0 || int(threshold) > len(r.owners) {
		return nil, ErrInvalidThreshold
	}
	return r, nil
}

func (r *Registry) Threshold() uint32 {
	return r.threshold
}

func (r *Registry) Coordinator() *btcec.PublicKey {
	return r.coordinator
}

func (r *Registry) Signer(id common.SignerID) (*Signer, bool) {
	s, ok := r.signers[id]
	return s, ok
}

// SignerIDs returns every signer id, sorted.
func (r *Registry) SignerIDs() []common.SignerID {
	ids := make([]common.SignerID, 0, len(r.signers))
	for id := range r.signers {
		ids = append(ids, id)
	}
	return common.SortSignerIDs(ids)
}

// KeyIDs returns the key ids owned by the given signers, sorted.
func (r *Registry) KeyIDs(signers []common.SignerID) []common.KeyID {
	var ids []common.KeyID
	for _, id := range signers {
		if s, ok := r.signers[id]; ok {
			ids = append(ids, s.KeyIDs...)
		}
	}
	return common.SortKeyIDs(ids)
}

// KeyCount is the number of key ids owned by the given signers.
func (r *Registry) KeyCount(signers []common.SignerID) int {
	return len(r.KeyIDs(signers))
}

func (r *Registry) Owner(k common.KeyID) (common.SignerID, bool) {
	id, ok := r.owners[k]
	return id, ok
}

// Participants maps signer ids to their frost participants, ordered by signer id.
func (r *Registry) Participants(signers []common.SignerID) ([]frost.Participant, error) {
	sorted := make([]common.SignerID, len(signers))
	copy(sorted, signers)
	common.SortSignerIDs(sorted)
	out := make([]frost.Participant, 0, len(sorted))
	for _, id := range sorted {
		s, ok := r.signers[id]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownSigner, "signer %s", id)
		}
		out = append(out, frost.Participant{SignerID: id, KeyIDs: s.KeyIDs})
	}
	return out, nil
}

// PublicKeyFor returns the network key envelopes from sender must be signed with.
func (r *Registry) PublicKeyFor(sender common.SignerID) (*btcec.PublicKey, error) {
	if sender == common.CoordinatorID {
		if r.coordinator == nil {
			return nil, errors.Wrap(ErrUnknownSigner, "no coordinator key configured")
		}
		return r.coordinator, nil
	}
	s, ok := r.signers[sender]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSigner, "signer %s", sender)
	}
	return s.PublicKey, nil
}

// FromConfig builds the roster from the signers list in the config. Signer ids are the
// 1-based position in the list.
func FromConfig(cfg *config.Config) (*Registry, error) {
	var coordinator *btcec.PublicKey
	if cfg.CoordinatorPublicKey != "" {
		pub, err := cfg.Coordinator()
		if err != nil {
			return nil, err
		}
		coordinator = pub
	}
	signers := make([]*Signer, 0, len(cfg.Signers))
	for i, sc := range cfg.Signers {
		pub, err := secp256k1.ParsePublicKeyHex(sc.PublicKey)
		if err != nil {
			return nil, errors.Wrapf(err, "signer %d public key", i+1)
		}
		ids := make([]common.KeyID, len(sc.KeyIDs))
		for j, k := range sc.KeyIDs {
			ids[j] = common.KeyID(k)
		}
		signers = append(signers, &Signer{ID: common.SignerID(i + 1), PublicKey: pub, KeyIDs: ids})
	}
	return New(cfg.KeysThreshold, coordinator, signers)
}

// SignerData is one signer entry as stored in the peg contract.
type SignerData struct {
	PublicKey []byte
	KeyIDs    []uint32
}

// RosterReader reads the roster from the peg contract on the Stacks chain.
type RosterReader interface {
	KeysThreshold(ctx context.Context) (uint32, error)
	NumSigners(ctx context.Context) (uint32, error)
	SignerData(ctx context.Context, signerID uint32) (*SignerData, error)
	CoordinatorPublicKey(ctx context.Context) ([]byte, error)
}

// FromStacks builds the roster from the peg contract. Signer ids run from 1 to the
// number of signers the contract reports.
func FromStacks(ctx context.Context, reader RosterReader) (*Registry, error) {
	threshold, err := reader.KeysThreshold(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not read keys threshold")
	}
	n, err := reader.NumSigners(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not read number of signers")
	}
	var coordinator *btcec.PublicKey
	raw, err := reader.CoordinatorPublicKey(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not read coordinator data")
	}
	if len(raw) > 0 {
		coordinator, err = btcec.ParsePubKey(raw)
		if err != nil {
			return nil, errors.Wrap(err, "coordinator public key")
		}
	}

	signers := make([]*Signer, 0, n)
	for id := uint32(1); id <= n; id++ {
		data, err := reader.SignerData(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read signer %d", id)
		}
		pub, err := btcec.ParsePubKey(data.PublicKey)
		if err != nil {
			return nil, errors.Wrapf(err, "signer %d public key", id)
		}
		ids := make([]common.KeyID, len(data.KeyIDs))
		for j, k := range data.KeyIDs {
			ids[j] = common.KeyID(k)
		}
		signers = append(signers, &Signer{ID: common.SignerID(id), PublicKey: pub, KeyIDs: ids})
	}
	logging.WithFields(logging.Fields{
		"threshold": threshold,
		"signers":   n,
	}).Info("loaded signer roster from stacks")
	return New(threshold, coordinator, signers)
}

// String summarises the roster for logs.
func (r *Registry) String() string {
	ids := r.SignerIDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s:%v", id, r.signers[id].KeyIDs))
	}
	sort.Strings(parts)
	return fmt.Sprintf("threshold=%d signers=%v", r.threshold, parts)
}
