package ingest

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/partnerwatch/sentryd/internal/chain"
	"github.com/partnerwatch/sentryd/internal/committee"
	"github.com/partnerwatch/sentryd/internal/rpcclient"
	"github.com/partnerwatch/sentryd/internal/store"
)

const (
	engineID          = "aura"
	logKindPreRuntime = 0x06
)

func digestLog(slot uint64) string {
	b := make([]byte, 1+4+8)
	b[0] = logKindPreRuntime
	copy(b[1:5], engineID)
	for i := 0; i < 8; i++ {
		b[5+i] = byte(slot >> (8 * i))
	}
	return "0x" + hex.EncodeToString(b)
}

func hashFor(n uint64) string {
	var h [32]byte
	h[31] = byte(n)
	return "0x" + hex.EncodeToString(h[:])
}

func keyHexOf(b byte) string {
	var k [32]byte
	k[0] = b
	return "0x" + hex.EncodeToString(k[:])
}

type fakeNode struct {
	tipNumber       uint64
	finalizedNumber uint64
	slotOf          map[uint64]uint64 // block number -> slot
}

func (n *fakeNode) ChainGetHeader(ctx context.Context, hash string) (rpcclient.HeaderResult, error) {
	var out rpcclient.HeaderResult
	if hash == "" {
		out.Number = hexNum(n.tipNumber)
		return out, nil
	}
	num := numberFromHash(hash)
	out.Number = hexNum(num)
	out.ParentHash = hashFor(num - 1)
	out.StateRoot = hashFor(num + 1000)
	out.ExtrinsicsRoot = hashFor(num + 2000)
	if slot, ok := n.slotOf[num]; ok {
		out.Digest.Logs = []string{digestLog(slot)}
	}
	return out, nil
}

func (n *fakeNode) ChainGetBlock(ctx context.Context, hash string) (rpcclient.BlockResult, error) {
	var out rpcclient.BlockResult
	out.Block.Extrinsics = []string{"0x01", "0x02"}
	return out, nil
}

func (n *fakeNode) ChainGetBlockHash(ctx context.Context, number *uint64) (string, error) {
	if number == nil {
		return hashFor(n.tipNumber), nil
	}
	return hashFor(*number), nil
}

func (n *fakeNode) ChainGetFinalizedHead(ctx context.Context) (string, error) {
	return hashFor(n.finalizedNumber), nil
}

func (n *fakeNode) SidechainGetStatus(ctx context.Context) (rpcclient.SidechainStatus, error) {
	var out rpcclient.SidechainStatus
	out.Sidechain.Epoch = 1
	out.Sidechain.NextEpochTimestamp = 1 << 62
	out.Mainchain.Epoch = 1
	out.Mainchain.NextEpochTimestamp = 1 << 62
	return out, nil
}

func hexNum(n uint64) string {
	return "0x" + hex.EncodeToString([]byte{byte(n)})
}

func numberFromHash(hash string) uint64 {
	b, _ := rpcclient.DecodeHex(hash)
	return uint64(b[31])
}

type fakeResolver struct {
	keys []chain.PubKey
	// errOnHash, if non-empty, makes Fetch return err for that block
	// hash instead of a committee (used to simulate a malformed
	// authority payload from the node).
	errOnHash string
	err       error
}

func (r *fakeResolver) Fetch(ctx context.Context, epoch uint64, blockHash string) (committee.Result, error) {
	if r.errOnHash != "" && blockHash == r.errOnHash {
		return committee.Result{}, r.err
	}
	return committee.Result{Committee: chain.CommitteeSnapshot{SidechainEpoch: epoch, AuraKeys: r.keys}}, nil
}

type fakeRegistration struct {
	set chain.CandidateSet
}

func (r *fakeRegistration) Fetch(ctx context.Context, mainchainEpoch uint64) (chain.CandidateSet, error) {
	return r.set, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "sentryd.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pub(b byte) chain.PubKey {
	var k chain.PubKey
	k[0] = b
	return k
}

func TestEngine_CatchUp_AttributesAndAdvancesSyncStatus(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	node := &fakeNode{tipNumber: 3, finalizedNumber: 2, slotOf: map[uint64]uint64{1: 10, 2: 11, 3: 12}}
	resolver := &fakeResolver{keys: []chain.PubKey{pub(1), pub(2)}} // committee size 2
	reg := &fakeRegistration{set: chain.CandidateSet{
		Permissioned: []chain.RegistrationCandidate{
			{SidechainKey: pub(100), AuraKey: pub(1), GrandpaKey: pub(1), IsValid: true},
			{SidechainKey: pub(200), AuraKey: pub(2), GrandpaKey: pub(2), IsValid: true},
		},
	}}

	clock := func() int64 { return 1000 }
	e := New(node, st, resolver, reg, Config{
		BatchSize:          10,
		PollInterval:       10 * time.Millisecond,
		GenesisTimestampMs: 1_704_067_200_000,
		SlotDurationMs:     6000,
	}, clock, nil)

	require.NoError(t, e.refreshRegistration(ctx))
	require.NoError(t, e.catchUpFrom(ctx, 1, 3))

	progress, err := st.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), progress.LastSynced)
	require.Equal(t, uint64(2), progress.LastFinalized)

	b1, ok, err := st.GetBlockByNumber(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	// slot 10 mod 2 == 0 -> aura key pub(1) -> sidechain key pub(100)
	require.NotNil(t, b1.Author)
	require.Equal(t, pub(100), *b1.Author)
	require.True(t, b1.Finalized)

	b2, ok, err := st.GetBlockByNumber(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	// slot 11 mod 2 == 1 -> aura key pub(2) -> sidechain key pub(200)
	require.Equal(t, pub(200), *b2.Author)

	b3, ok, err := st.GetBlockByNumber(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, b3.Finalized)
}

func TestEngine_CatchUp_StopsAtFirstSkippedBlock(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	// block 2 has no digest log entry registered -> ExtractSlot fails -> skipped.
	node := &fakeNode{tipNumber: 3, finalizedNumber: 3, slotOf: map[uint64]uint64{1: 10, 3: 12}}
	resolver := &fakeResolver{keys: []chain.PubKey{pub(1)}}
	reg := &fakeRegistration{}

	e := New(node, st, resolver, reg, Config{
		BatchSize:          10,
		PollInterval:       10 * time.Millisecond,
		GenesisTimestampMs: 0,
		SlotDurationMs:     1,
	}, func() int64 { return 1 }, nil)

	require.NoError(t, e.catchUpFrom(ctx, 1, 3))

	progress, err := st.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), progress.LastSynced)

	_, ok, err := st.GetBlockByNumber(ctx, 2)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = st.GetBlockByNumber(ctx, 3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngine_CatchUp_ResolverDecodeErrorSkipsBlockWithoutAbortingRun(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	// block 2's committee resolution returns a malformed-payload error;
	// per §4.4/§7 this is fatal only for that block, not the run.
	node := &fakeNode{tipNumber: 3, finalizedNumber: 3, slotOf: map[uint64]uint64{1: 10, 2: 11, 3: 12}}
	resolver := &fakeResolver{
		keys:      []chain.PubKey{pub(1)},
		errOnHash: hashFor(2),
		err:       errors.Wrapf(committee.ErrDecode, "decode authorities: %v", "bad payload"),
	}
	reg := &fakeRegistration{}

	e := New(node, st, resolver, reg, Config{
		BatchSize:          10,
		PollInterval:       10 * time.Millisecond,
		GenesisTimestampMs: 0,
		SlotDurationMs:     1,
	}, func() int64 { return 1 }, nil)

	require.NoError(t, e.catchUpFrom(ctx, 1, 3))

	progress, err := st.GetSyncStatus(ctx)
	require.NoError(t, err)
	// last_synced stops at 1 (the block before the skipped one), the
	// run is not aborted, and blocks 2 and 3 are not yet ingested.
	require.Equal(t, uint64(1), progress.LastSynced)

	_, ok, err := st.GetBlockByNumber(ctx, 2)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = st.GetBlockByNumber(ctx, 3)
	require.NoError(t, err)
	require.False(t, ok)
}
