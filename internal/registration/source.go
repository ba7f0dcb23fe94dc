// Package registration fetches the validator candidate set for a
// mainchain epoch (spec §4.5) and normalizes it into a deterministically
// ordered chain.CandidateSet.
package registration

import (
	"bytes"
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/partnerwatch/sentryd/internal/chain"
	"github.com/partnerwatch/sentryd/internal/rpcclient"
)

// NodeClient is the subset of rpcclient.Client the Source needs.
type NodeClient interface {
	SidechainGetRegistrations(ctx context.Context, mainchainEpoch uint64) (rpcclient.RegistrationsResult, error)
}

// Source implements §4.5: a thin read-through over the sidechain
// registration RPC, with no caching of its own — candidate sets change
// mainchain-epoch to mainchain-epoch and the ingestion engine only
// calls this once per mainchain epoch boundary it crosses.
type Source struct {
	node NodeClient
}

func New(node NodeClient) *Source {
	return &Source{node: node}
}

// Fetch returns every permissioned and registered candidate for
// mainchainEpoch, deterministically ordered (§4.5: permissioned
// candidates are always considered valid; registered candidates carry
// an explicit validity flag from the runtime).
func (s *Source) Fetch(ctx context.Context, mainchainEpoch uint64) (chain.CandidateSet, error) {
	res, err := s.node.SidechainGetRegistrations(ctx, mainchainEpoch)
	if err != nil {
		return chain.CandidateSet{}, errors.Wrap(err, "registration: sidechain_getRegistrations")
	}

	set := chain.CandidateSet{MainchainEpoch: mainchainEpoch}

	for _, entry := range res.Permissioned {
		c, err := toCandidate(entry)
		if err != nil {
			return chain.CandidateSet{}, errors.Wrap(err, "registration: decode permissioned candidate")
		}
		set.Permissioned = append(set.Permissioned, c)
	}

	// Map iteration order is randomized by the runtime; flatten every
	// mainchain key's entries first, then sort the whole slice by aura
	// key lexicographic bytes (§4.5) so the resulting CandidateSet is
	// reproducible across runs regardless of wire/transport ordering.
	for _, entries := range res.Registrations {
		for _, entry := range entries {
			c, err := toCandidate(entry)
			if err != nil {
				return chain.CandidateSet{}, errors.Wrap(err, "registration: decode registered candidate")
			}
			set.Registered = append(set.Registered, c)
		}
	}
	sort.Slice(set.Registered, func(i, j int) bool {
		return bytes.Compare(set.Registered[i].AuraKey[:], set.Registered[j].AuraKey[:]) < 0
	})

	return set, nil
}

func toCandidate(e rpcclient.RegistrationEntry) (chain.RegistrationCandidate, error) {
	sidechainKey, err := decodeKey(e.SidechainPubKey)
	if err != nil {
		return chain.RegistrationCandidate{}, err
	}
	auraKey, err := decodeKey(e.AuraPubKey)
	if err != nil {
		return chain.RegistrationCandidate{}, err
	}
	grandpaKey, err := decodeKey(e.GrandpaPubKey)
	if err != nil {
		return chain.RegistrationCandidate{}, err
	}
	return chain.RegistrationCandidate{
		SidechainKey: sidechainKey,
		AuraKey:      auraKey,
		GrandpaKey:   grandpaKey,
		IsValid:      e.IsValid,
		Stake:        e.Stake,
	}, nil
}

func decodeKey(hexStr string) (chain.PubKey, error) {
	b, err := rpcclient.DecodeHex(hexStr)
	if err != nil {
		return chain.PubKey{}, errors.Wrapf(err, "registration: decode key %q", hexStr)
	}
	if len(b) != 32 {
		return chain.PubKey{}, errors.Errorf("registration: expected 32-byte key, got %d bytes", len(b))
	}
	var k chain.PubKey
	copy(k[:], b)
	return k, nil
}
