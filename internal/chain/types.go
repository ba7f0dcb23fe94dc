// Package chain holds the domain types shared across the ingestion,
// storage, resolver and read-API layers. None of these types perform
// I/O; they are the nouns the rest of the engine operates on.
package chain

import (
	"fmt"
)

// PubKey is a 32-byte sr25519/ed25519-style public key, the common
// shape for AURA and GRANDPA session keys on this chain.
type PubKey [32]byte

func (k PubKey) String() string {
	return fmt.Sprintf("0x%x", [32]byte(k))
}

func (k PubKey) IsZero() bool {
	return k == PubKey{}
}

// RegistrationStatus classifies a validator candidate as seen by the
// Registration Source.
type RegistrationStatus string

const (
	StatusPermissioned     RegistrationStatus = "permissioned"
	StatusRegisteredValid  RegistrationStatus = "registered-valid"
	StatusRegisteredInvalid RegistrationStatus = "registered-invalid"
	StatusUnknown          RegistrationStatus = "unknown"
)

// Block is a single materialized row of the blocks table (§3).
type Block struct {
	Number           uint64
	Hash             [32]byte
	ParentHash       [32]byte
	StateRoot        [32]byte
	ExtrinsicsRoot   [32]byte
	Slot             uint64
	SidechainEpoch   uint64
	MainchainEpoch   uint64
	TimestampMs      uint64
	Finalized        bool
	Author           *PubKey
	ExtrinsicsCount  uint32
}

// Validator is a row of the validators table (§3).
type Validator struct {
	SidechainKey       PubKey
	AuraKey            PubKey
	GrandpaKey         PubKey
	Label              string
	IsOurs             bool
	Status             RegistrationStatus
	FirstSeenMainEpoch uint64
	TotalBlocks        uint64
}

// CommitteeSnapshot is the materialized authority list for one
// sidechain epoch, indexed by position (§3, §4.4).
type CommitteeSnapshot struct {
	SidechainEpoch uint64
	AuraKeys       []PubKey
	CapturedAtMs   int64
}

func (s CommitteeSnapshot) Size() int { return len(s.AuraKeys) }

// SyncProgress is the singleton sync_status row (§3).
type SyncProgress struct {
	LastSynced      uint64
	LastFinalized   uint64
	ChainTip        uint64
	CurrentEpoch    uint64
	LastUpdatedMs   int64
}

// RegistrationCandidate is one entry of a CandidateSet (§4.5).
type RegistrationCandidate struct {
	SidechainKey PubKey
	AuraKey      PubKey
	GrandpaKey   PubKey
	IsValid      bool
	Stake        *uint64
}

// CandidateSet is the result of fetching validator candidates for a
// mainchain epoch (§4.5).
type CandidateSet struct {
	MainchainEpoch uint64
	Permissioned   []RegistrationCandidate
	Registered     []RegistrationCandidate
}

// ChainStatus is the sidechain-specific status RPC result (§6).
type ChainStatus struct {
	SidechainEpoch            uint64
	SidechainSlot             uint64
	SidechainNextEpochTsMs    uint64
	MainchainEpoch            uint64
	MainchainSlot             uint64
	MainchainNextEpochTsMs    uint64
}
