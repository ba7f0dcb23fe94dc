// Package ingest drives the Ingestion Engine (spec §4.7): discovery of
// the chain tip and finalized head, batched historical catch-up,
// attribution via the Committee Resolver, and a polling follow loop.
// It is the one writer of the blocks table.
package ingest

import (
	"context"
	"strconv"
	"strings"
	"time"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/partnerwatch/sentryd/internal/chain"
	"github.com/partnerwatch/sentryd/internal/committee"
	"github.com/partnerwatch/sentryd/internal/digest"
	"github.com/partnerwatch/sentryd/internal/rpcclient"
	"github.com/partnerwatch/sentryd/internal/store"
)

// headerCacheSize bounds the adaptive-replacement header cache below:
// generous relative to a single catch-up batch (default 100 blocks).
// The cache serves repeat chain_getHeader lookups of the same hash,
// such as an unchanged finalized head across batches or a block
// re-fetched when a batch is retried.
const headerCacheSize = 4096

// NodeClient is the subset of rpcclient.Client the engine drives.
type NodeClient interface {
	ChainGetHeader(ctx context.Context, hash string) (rpcclient.HeaderResult, error)
	ChainGetBlock(ctx context.Context, hash string) (rpcclient.BlockResult, error)
	ChainGetBlockHash(ctx context.Context, number *uint64) (string, error)
	ChainGetFinalizedHead(ctx context.Context) (string, error)
	SidechainGetStatus(ctx context.Context) (rpcclient.SidechainStatus, error)
}

// ResolverClient is the Committee Resolver's Fetch operation, narrowed
// to an interface so tests can supply a fake.
type ResolverClient interface {
	Fetch(ctx context.Context, epoch uint64, blockHash string) (committee.Result, error)
}

// RegistrationClient is the Registration Source's Fetch operation.
type RegistrationClient interface {
	Fetch(ctx context.Context, mainchainEpoch uint64) (chain.CandidateSet, error)
}

// Store is the subset of store.Store the engine writes and reads
// through during ingestion.
type Store interface {
	GetSyncStatus(ctx context.Context) (chain.SyncProgress, error)
	UpdateSyncStatus(ctx context.Context, p chain.SyncProgress) error
	SetFinalizedUpTo(ctx context.Context, n uint64) error
	UpsertBlock(ctx context.Context, b chain.Block, nowMs int64) error
	UpsertValidator(ctx context.Context, v chain.Validator, nowMs int64) error
	FindValidatorByAuraKey(ctx context.Context, auraKey chain.PubKey) (chain.Validator, bool, error)
	GetBlockByNumber(ctx context.Context, number uint64) (chain.Block, bool, error)
	DeleteBlock(ctx context.Context, number uint64) error
}

// Config mirrors the operator-configurable values named in §6 that
// shape this engine's behavior.
type Config struct {
	StartBlock         *uint64
	BatchSize          uint64
	PollInterval       time.Duration
	FinalizedOnly      bool
	GenesisTimestampMs uint64
	SlotDurationMs     uint64
}

// Clock returns the current wall-clock time in milliseconds; injected
// so tests can supply deterministic timestamps for created_at/updated_at.
type Clock func() int64

type Engine struct {
	node         NodeClient
	store        Store
	resolver     ResolverClient
	registration RegistrationClient
	cfg          Config
	clock        Clock
	log          *zap.Logger
	headers      *arc.ARCCache[string, rpcclient.HeaderResult]
}

func New(node NodeClient, st Store, resolver ResolverClient, reg RegistrationClient, cfg Config, clock Clock, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = func() int64 { return 0 }
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	headers, err := arc.NewARC[string, rpcclient.HeaderResult](headerCacheSize)
	if err != nil {
		// Only fails on a non-positive size, which headerCacheSize never is.
		panic(err)
	}
	return &Engine{node: node, store: st, resolver: resolver, registration: reg, cfg: cfg, clock: clock, log: log, headers: headers}
}

// getHeader fetches a block header by hash, serving from the engine's
// header cache when possible; the cache lives as long as the Engine and
// is not cleared between batches (§11 domain stack:
// hashicorp/golang-lru/arc). The empty-hash "current tip" query is
// never cached since its answer changes on every call.
func (e *Engine) getHeader(ctx context.Context, hash string) (rpcclient.HeaderResult, error) {
	if hash == "" {
		return e.node.ChainGetHeader(ctx, hash)
	}
	if h, ok := e.headers.Get(hash); ok {
		return h, nil
	}
	h, err := e.node.ChainGetHeader(ctx, hash)
	if err != nil {
		return h, err
	}
	e.headers.Add(hash, h)
	return h, nil
}

// epochStatus is the per-batch epoch context obtained from a single
// sidechain_getStatus call (§4.7 step 2): reused across blocks in a
// batch and refreshed only when a block's derived timestamp crosses
// the recorded epoch boundary.
type epochStatus struct {
	sidechainEpoch    uint64
	sidechainBoundary uint64
	mainchainEpoch    uint64
	mainchainBoundary uint64
}

func (e *Engine) fetchStatus(ctx context.Context) (epochStatus, error) {
	st, err := e.node.SidechainGetStatus(ctx)
	if err != nil {
		return epochStatus{}, err
	}
	return epochStatus{
		sidechainEpoch:    st.Sidechain.Epoch,
		sidechainBoundary: st.Sidechain.NextEpochTimestamp,
		mainchainEpoch:    st.Mainchain.Epoch,
		mainchainBoundary: st.Mainchain.NextEpochTimestamp,
	}, nil
}

// Run executes Boot → Determine N0 → CatchUp → Follow (§4.7). It
// returns when ctx is cancelled (cooperative shutdown, nil error) or a
// fatal, non-retryable error occurs.
func (e *Engine) Run(ctx context.Context) error {
	n0, err := e.determineStart(ctx)
	if err != nil {
		return errors.Wrap(err, "ingest: determine start")
	}

	tip, err := e.tipNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "ingest: fetch tip")
	}

	discovery, err := e.safeStartProbe(ctx, n0, tip)
	if err != nil {
		return errors.Wrap(err, "ingest: safe-start probe")
	}
	if discovery > n0 {
		e.log.Warn("historical state unavailable for part of the requested range; affected blocks will be ingested with a null author",
			zap.Uint64("start", n0), zap.Uint64("discovery_block", discovery))
	}

	if err := e.refreshRegistration(ctx); err != nil {
		return errors.Wrap(err, "ingest: initial registration refresh")
	}

	if err := e.catchUpFrom(ctx, n0, tip); err != nil {
		return err
	}

	return e.followLoop(ctx)
}

func (e *Engine) tipNumber(ctx context.Context) (uint64, error) {
	header, err := e.node.ChainGetHeader(ctx, "")
	if err != nil {
		return 0, err
	}
	return parseHexNumber(header.Number)
}

func (e *Engine) finalizedNumber(ctx context.Context) (uint64, error) {
	hash, err := e.node.ChainGetFinalizedHead(ctx)
	if err != nil {
		return 0, err
	}
	header, err := e.getHeader(ctx, hash)
	if err != nil {
		return 0, err
	}
	return parseHexNumber(header.Number)
}

func parseHexNumber(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func (e *Engine) determineStart(ctx context.Context) (uint64, error) {
	if e.cfg.StartBlock != nil {
		return *e.cfg.StartBlock, nil
	}
	progress, err := e.store.GetSyncStatus(ctx)
	if err != nil {
		return 0, err
	}
	if progress.LastSynced == 0 {
		return 0, nil
	}
	return progress.LastSynced + 1, nil
}

// safeStartProbe binary-searches [n0, tip] for the oldest block whose
// producing state is still retrievable without Resolver fallback
// (§4.7 step 4). It assumes resolvability is monotonic over the
// range: once a historical state becomes available it stays available
// for every later block, which holds for a node pruning strictly by
// age.
func (e *Engine) safeStartProbe(ctx context.Context, n0, tip uint64) (uint64, error) {
	if n0 > tip {
		return n0, nil
	}
	resolvable := func(n uint64) (bool, error) {
		hash, err := e.node.ChainGetBlockHash(ctx, &n)
		if err != nil {
			return false, err
		}
		status, err := e.fetchStatus(ctx)
		if err != nil {
			return false, err
		}
		res, err := e.resolver.Fetch(ctx, status.sidechainEpoch, hash)
		if err != nil {
			return false, err
		}
		return !res.UsedFallback, nil
	}

	lo, hi := n0, tip
	hiOK, err := resolvable(hi)
	if err != nil {
		return n0, err
	}
	if !hiOK {
		// Nothing in range is resolvable; every block will be ingested
		// with a null author until the node's prune horizon recedes.
		return tip + 1, nil
	}
	loOK, err := resolvable(lo)
	if err != nil {
		return n0, err
	}
	if loOK {
		return n0, nil
	}
	for lo < hi {
		mid := lo + (hi-lo)/2
		ok, err := resolvable(mid)
		if err != nil {
			return n0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

func (e *Engine) refreshRegistration(ctx context.Context) error {
	status, err := e.fetchStatus(ctx)
	if err != nil {
		return err
	}
	set, err := e.registration.Fetch(ctx, status.mainchainEpoch)
	if err != nil {
		return err
	}
	now := e.clock()
	for _, c := range set.Permissioned {
		if err := e.store.UpsertValidator(ctx, chain.Validator{
			SidechainKey:       c.SidechainKey,
			AuraKey:            c.AuraKey,
			GrandpaKey:         c.GrandpaKey,
			Status:             chain.StatusPermissioned,
			FirstSeenMainEpoch: status.mainchainEpoch,
		}, now); err != nil {
			return err
		}
	}
	for _, c := range set.Registered {
		st := chain.StatusRegisteredValid
		if !c.IsValid {
			st = chain.StatusRegisteredInvalid
		}
		if err := e.store.UpsertValidator(ctx, chain.Validator{
			SidechainKey:       c.SidechainKey,
			AuraKey:            c.AuraKey,
			GrandpaKey:         c.GrandpaKey,
			Status:             st,
			FirstSeenMainEpoch: status.mainchainEpoch,
		}, now); err != nil {
			return err
		}
	}
	return nil
}

// blockOutcome classifies what happened to one candidate block number.
type blockOutcome int

const (
	outcomeWritten blockOutcome = iota
	outcomeSkipped              // decode/attribution failure: do not advance past this number
)

// catchUpFrom runs CatchUp batches (§4.7) starting at next, advancing
// past each successfully written batch, until next exceeds tip, ctx is
// cancelled, or a block is skipped. A skipped block ends this pass;
// the follow loop retries it from last_synced+1 on its next tick. A
// retryable RPC error during a batch does not move next forward; the
// batch is retried after a backoff.
func (e *Engine) catchUpFrom(ctx context.Context, next, tip uint64) error {
	for next <= tip {
		if ctx.Err() != nil {
			return nil
		}
		batchEnd := next + e.cfg.BatchSize - 1
		if batchEnd > tip {
			batchEnd = tip
		}

		lastWritten, err := e.runBatch(ctx, next, batchEnd, tip)
		if err != nil {
			if isRetryable(err) {
				e.log.Warn("catch-up batch failed on a retryable RPC error, backing off", zap.Error(err))
				if sleepErr := sleepCtx(ctx, e.cfg.PollInterval); sleepErr != nil {
					return nil
				}
				continue
			}
			return errors.Wrap(err, "ingest: catch-up batch")
		}
		if lastWritten < next {
			// The batch's first block was skipped (e.g. it failed to
			// decode); end this pass so the next one retries it rather
			// than spinning on the same range.
			return nil
		}
		next = lastWritten + 1
	}
	return nil
}

// catchUpTo resumes from the store's persisted sync progress, used by
// the follow loop once the initial N0 catch-up has completed.
func (e *Engine) catchUpTo(ctx context.Context, tip uint64) error {
	progress, err := e.store.GetSyncStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "ingest: read sync status")
	}
	return e.catchUpFrom(ctx, progress.LastSynced+1, tip)
}

// runBatch ingests [from, to] in ascending order, stopping at the
// first skipped block (§4.7, S5): last_synced only ever advances to
// the last contiguously-written block in the batch.
// runBatch returns the highest block number successfully written in
// [from, to]; a return value of from-1 means nothing in the batch
// advanced (either the first block was skipped or a fatal/retryable
// error aborted the batch, in which case err is non-nil).
func (e *Engine) runBatch(ctx context.Context, from, to, tip uint64) (uint64, error) {
	status, err := e.fetchStatus(ctx)
	if err != nil {
		return from - 1, err
	}
	finalized, err := e.finalizedNumber(ctx)
	if err != nil {
		return from - 1, err
	}

	lastWritten := from - 1
	for n := from; n <= to; n++ {
		if ctx.Err() != nil {
			return lastWritten, nil
		}
		outcome, err := e.ingestBlock(ctx, n, &status, finalized)
		if err != nil {
			return lastWritten, err
		}
		if outcome == outcomeSkipped {
			break
		}
		lastWritten = n
	}

	if lastWritten < from {
		return lastWritten, nil
	}
	if err := e.store.SetFinalizedUpTo(ctx, finalized); err != nil {
		return lastWritten, err
	}
	if err := e.store.UpdateSyncStatus(ctx, chain.SyncProgress{
		LastSynced:    lastWritten,
		LastFinalized: finalized,
		ChainTip:      tip,
		CurrentEpoch:  status.sidechainEpoch,
		LastUpdatedMs: e.clock(),
	}); err != nil {
		return lastWritten, err
	}
	return lastWritten, nil
}

// ingestBlock fetches, decodes, attributes and persists a single
// block (§4.7 steps 1-4).
func (e *Engine) ingestBlock(ctx context.Context, number uint64, status *epochStatus, finalizedHead uint64) (blockOutcome, error) {
	n := number
	hash, err := e.node.ChainGetBlockHash(ctx, &n)
	if err != nil {
		return outcomeSkipped, err
	}
	header, err := e.getHeader(ctx, hash)
	if err != nil {
		return outcomeSkipped, err
	}
	body, err := e.node.ChainGetBlock(ctx, hash)
	if err != nil {
		return outcomeSkipped, err
	}

	logs := make([][]byte, 0, len(header.Digest.Logs))
	for _, l := range header.Digest.Logs {
		b, err := rpcclient.DecodeHex(l)
		if err != nil {
			e.log.Error("decode digest log, skipping block", zap.Uint64("number", number), zap.Error(err))
			return outcomeSkipped, nil
		}
		logs = append(logs, b)
	}

	slot, err := digest.ExtractSlot(logs)
	if err != nil {
		e.log.Error("extract slot, skipping block", zap.Uint64("number", number), zap.Error(err))
		return outcomeSkipped, nil
	}

	tsMs := e.cfg.GenesisTimestampMs + slot*e.cfg.SlotDurationMs
	if status.sidechainBoundary != 0 && tsMs >= status.sidechainBoundary ||
		status.mainchainBoundary != 0 && tsMs >= status.mainchainBoundary {
		fresh, err := e.fetchStatus(ctx)
		if err != nil {
			return outcomeSkipped, err
		}
		*status = fresh
	}

	blockHash, err := fromHexHash(hash)
	if err != nil {
		e.log.Error("decode block hash, skipping block", zap.Uint64("number", number), zap.Error(err))
		return outcomeSkipped, nil
	}
	parentHash, err := fromHexHash(header.ParentHash)
	if err != nil {
		e.log.Error("decode parent hash, skipping block", zap.Uint64("number", number), zap.Error(err))
		return outcomeSkipped, nil
	}
	stateRoot, err := fromHexHash(header.StateRoot)
	if err != nil {
		return outcomeSkipped, nil
	}
	extrinsicsRoot, err := fromHexHash(header.ExtrinsicsRoot)
	if err != nil {
		return outcomeSkipped, nil
	}

	if err := e.checkReorg(ctx, number, parentHash); err != nil {
		return outcomeSkipped, err
	}

	b := chain.Block{
		Number:          number,
		Hash:            blockHash,
		ParentHash:      parentHash,
		StateRoot:       stateRoot,
		ExtrinsicsRoot:  extrinsicsRoot,
		Slot:            slot,
		SidechainEpoch:  status.sidechainEpoch,
		MainchainEpoch:  status.mainchainEpoch,
		TimestampMs:     tsMs,
		Finalized:       number <= finalizedHead,
		ExtrinsicsCount: uint32(len(body.Block.Extrinsics)),
	}

	res, err := e.resolver.Fetch(ctx, status.sidechainEpoch, hash)
	if err != nil {
		if errors.Is(err, committee.ErrDecode) {
			// A malformed authority payload is fatal only for this block
			// (§4.4/§7): log and skip, don't advance last_synced past it,
			// don't abort the run.
			e.log.Error("resolve committee, skipping block", zap.Uint64("number", number), zap.Error(err))
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}
	if !res.UsedFallback && len(res.Committee.AuraKeys) > 0 {
		pos := int(slot % uint64(len(res.Committee.AuraKeys)))
		auraKey := res.Committee.AuraKeys[pos]
		v, ok, err := e.store.FindValidatorByAuraKey(ctx, auraKey)
		if err != nil {
			return outcomeSkipped, err
		}
		if ok {
			sk := v.SidechainKey
			b.Author = &sk
		} else {
			e.log.Warn("committee position has no registered validator, storing with null author",
				zap.Uint64("number", number), zap.String("aura_key", auraKey.String()))
		}
	}

	if err := e.store.UpsertBlock(ctx, b, e.clock()); err != nil {
		if errors.Is(err, store.ErrConflictingAuthor) {
			e.log.Error("conflicting author for block, keeping existing row", zap.Uint64("number", number), zap.Error(err))
			return outcomeWritten, nil
		}
		return outcomeSkipped, err
	}
	return outcomeWritten, nil
}

// checkReorg implements the §8-property-2 supplement: if the block
// already stored at number-1 has a different hash than the incoming
// block's parent hash, that stale row is removed so the new chain's
// block can take its place.
func (e *Engine) checkReorg(ctx context.Context, number uint64, parentHash [32]byte) error {
	if number == 0 {
		return nil
	}
	prev, ok, err := e.store.GetBlockByNumber(ctx, number-1)
	if err != nil || !ok {
		return err
	}
	if prev.Hash != parentHash {
		e.log.Warn("reorg detected: stored parent does not match incoming block's parent hash, removing stale ancestor",
			zap.Uint64("number", number-1))
		return e.store.DeleteBlock(ctx, number-1)
	}
	return nil
}

func fromHexHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := rpcclient.DecodeHex(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errors.Errorf("ingest: expected 32-byte hash, got %d bytes", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func isRetryable(err error) bool {
	return rpcclient.Retryable(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// followLoop polls for new blocks at cfg.PollInterval, ingesting any
// that have appeared since the last tick, and refreshes the
// registration snapshot whenever the mainchain epoch advances (§4.7
// Follow loop).
func (e *Engine) followLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	lastMainchainEpoch := uint64(0)
	if status, err := e.fetchStatus(ctx); err == nil {
		lastMainchainEpoch = status.mainchainEpoch
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tip, err := e.tipNumber(ctx)
			if err != nil {
				e.log.Warn("follow loop: could not fetch tip, will retry next tick", zap.Error(err))
				continue
			}
			if err := e.catchUpTo(ctx, tip); err != nil {
				return errors.Wrap(err, "ingest: follow loop catch-up")
			}
			status, err := e.fetchStatus(ctx)
			if err != nil {
				continue
			}
			if status.mainchainEpoch != lastMainchainEpoch {
				if err := e.refreshRegistration(ctx); err != nil {
					e.log.Warn("follow loop: registration refresh failed, will retry next epoch change", zap.Error(err))
					continue
				}
				lastMainchainEpoch = status.mainchainEpoch
			}
		}
	}
}
