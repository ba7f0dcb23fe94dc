// Package committee resolves the ordered authority list valid at a
// given sidechain epoch and producing block hash (spec §4.4), caching
// per epoch and falling back explicitly when historical state has been
// pruned by a non-archive node.
package committee

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/partnerwatch/sentryd/internal/chain"
	"github.com/partnerwatch/sentryd/internal/codec"
	"github.com/partnerwatch/sentryd/internal/rpcclient"
)

// NodeClient is the subset of rpcclient.Client the Resolver needs;
// narrowed to an interface so tests can supply a fake node.
type NodeClient interface {
	StateCallAuraAuthorities(ctx context.Context, atBlockHash string) (string, error)
}

// SnapshotStore is the subset of store.Store the Resolver persists
// through.
type SnapshotStore interface {
	HasCommitteeSnapshot(ctx context.Context, epoch uint64) (bool, error)
	StoreCommitteeSnapshot(ctx context.Context, epoch uint64, auraKeys []chain.PubKey, nowMs int64) error
}

// ErrDecode marks a malformed authority payload (bad hex, or a §4.2
// compact-length/key-count mismatch). Per §4.4/§7 this is fatal only
// for the block being attributed, never for the ingestion run; callers
// should check errors.Is(err, ErrDecode) and skip the block rather than
// treat the failure as a retryable or run-ending error.
var ErrDecode = errors.New("committee: malformed authority payload")

// Clock abstracts wall-clock time so tests can supply deterministic
// timestamps without Date.now()-style nondeterminism leaking into the
// cache.
type Clock func() int64

// Resolver implements §4.4. The committee cache is append-only for the
// lifetime of one process — an epoch's committee is immutable once
// observed (§4.4 cache invalidation), so a generously sized LRU never
// actually evicts a live epoch in practice; it exists as a resource
// bound, not an eviction policy.
type Resolver struct {
	node  NodeClient
	store SnapshotStore
	clock Clock
	log   *zap.Logger

	mu          sync.Mutex
	cache       *lru.Cache[uint64, chain.CommitteeSnapshot]
	warnedEpoch map[uint64]bool
}

const defaultCacheSize = 100_000 // generous: one entry per sidechain epoch ever observed in a run

func New(node NodeClient, store SnapshotStore, clock Clock, log *zap.Logger) (*Resolver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = func() int64 { return 0 }
	}
	c, err := lru.New[uint64, chain.CommitteeSnapshot](defaultCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "committee: create cache")
	}
	return &Resolver{node: node, store: store, clock: clock, log: log, cache: c, warnedEpoch: make(map[uint64]bool)}, nil
}

// Result is the output of Fetch (§4.4 contract).
type Result struct {
	Committee    chain.CommitteeSnapshot
	UsedFallback bool
}

// Fetch returns the ordered authority list for sidechain epoch E,
// resolved at the producing block's hash H. The primary path queries
// historical state at H; if the node reports pruned state, the
// fallback path queries the current tip instead and UsedFallback is
// true. A fallback result is never cached and never persisted as a
// snapshot (§4.4).
func (r *Resolver) Fetch(ctx context.Context, epoch uint64, blockHash string) (Result, error) {
	r.mu.Lock()
	if cached, ok := r.cache.Get(epoch); ok {
		r.mu.Unlock()
		return Result{Committee: cached, UsedFallback: false}, nil
	}
	r.mu.Unlock()

	payloadHex, err := r.node.StateCallAuraAuthorities(ctx, blockHash)
	usedFallback := false
	if err != nil {
		if !rpcclient.IsPrunedState(err) {
			return Result{}, errors.Wrap(err, "committee: state_call")
		}
		r.mu.Lock()
		alreadyWarned := r.warnedEpoch[epoch]
		r.warnedEpoch[epoch] = true
		r.mu.Unlock()
		if !alreadyWarned {
			// Fallback results are never cached (§4.4), so Fetch is called
			// once per block in this epoch; warn once per epoch, not once
			// per block (§8 S2).
			r.log.Warn("historical state pruned, falling back to tip authorities for this epoch",
				zap.Uint64("sidechain_epoch", epoch))
		}
		usedFallback = true
		payloadHex, err = r.node.StateCallAuraAuthorities(ctx, "")
		if err != nil {
			return Result{}, errors.Wrap(err, "committee: state_call fallback")
		}
	}

	payload, err := rpcclient.DecodeHex(payloadHex)
	if err != nil {
		return Result{}, errors.Wrapf(ErrDecode, "decode hex payload: %v", err)
	}
	keys, err := codec.DecodeAuthorities(payload)
	if err != nil {
		return Result{}, errors.Wrapf(ErrDecode, "decode authorities: %v", err)
	}

	snap := chain.CommitteeSnapshot{SidechainEpoch: epoch, AuraKeys: toPubKeys(keys), CapturedAtMs: r.clock()}

	if usedFallback {
		return Result{Committee: snap, UsedFallback: true}, nil
	}

	r.mu.Lock()
	r.cache.Add(epoch, snap)
	r.mu.Unlock()

	if err := r.store.StoreCommitteeSnapshot(ctx, epoch, snap.AuraKeys, snap.CapturedAtMs); err != nil {
		return Result{}, errors.Wrap(err, "committee: persist snapshot")
	}
	return Result{Committee: snap, UsedFallback: false}, nil
}

func toPubKeys(keys [][32]byte) []chain.PubKey {
	out := make([]chain.PubKey, len(keys))
	for i, k := range keys {
		out[i] = chain.PubKey(k)
	}
	return out
}
