package common

import (
	"fmt"
	"sort"
	"strconv"
)

// SignerID identifies one participating party. Signers are 1-indexed by roster position,
// CoordinatorID is reserved for the coordinator.
type SignerID uint32

// KeyID identifies one share of the aggregate secret. Key ids are 1-indexed and never 0.
type KeyID uint32

// CoordinatorID is the sender id used by the coordinator on the wire.
const CoordinatorID SignerID = 0

func (id SignerID) String() string {
	if id == CoordinatorID {
		return "coordinator"
	}
	return "signer-" + strconv.FormatUint(uint64(id), 10)
}

func (id KeyID) String() string {
	return "key-" + strconv.FormatUint(uint64(id), 10)
}

// RoundKind is the kind of protocol instance a round runs.
type RoundKind string

const (
	RoundKindDKG  RoundKind = "dkg"
	RoundKindSign RoundKind = "sign"
)

// SortSignerIDs sorts in place and returns ids for chaining.
func SortSignerIDs(ids []SignerID) []SignerID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SortKeyIDs sorts in place and returns ids for chaining.
func SortKeyIDs(ids []KeyID) []KeyID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ValidateKeyIDs rejects a zero key id or a key id listed twice.
func ValidateKeyIDs(ids []KeyID) error {
	seen := make(map[KeyID]struct{}, len(ids))
	for _, id := range ids {
		if id == 0 {
			return fmt.Errorf("key id 0 is not allowed")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate key id %d", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
