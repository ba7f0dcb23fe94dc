package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partnerwatch/sentryd/internal/chain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "sentryd.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func key(b byte) chain.PubKey {
	var k chain.PubKey
	k[0] = b
	return k
}

func asHash(k chain.PubKey) [32]byte { return [32]byte(k) }

func TestUpsertBlock_AuthorNullToValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	author := key(1)

	b := chain.Block{Number: 1, Hash: asHash(key(0xaa)), Slot: 10, SidechainEpoch: 1}
	require.NoError(t, s.UpsertBlock(ctx, b, 1000))

	b.Author = &author
	require.NoError(t, s.UpsertBlock(ctx, b, 1001))

	got, ok, err := s.GetBlockByNumber(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.Author)
	require.Equal(t, author, *got.Author)
}

func TestUpsertBlock_SameAuthorTwiceIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	author := key(1)
	b := chain.Block{Number: 1, Hash: asHash(key(0xaa)), Author: &author}
	require.NoError(t, s.UpsertBlock(ctx, b, 1000))
	require.NoError(t, s.UpsertBlock(ctx, b, 1001))
}

func TestUpsertBlock_ConflictingAuthorRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a1, a2 := key(1), key(2)
	b := chain.Block{Number: 1, Hash: asHash(key(0xaa)), Author: &a1}
	require.NoError(t, s.UpsertBlock(ctx, b, 1000))

	b.Author = &a2
	err := s.UpsertBlock(ctx, b, 1001)
	require.ErrorIs(t, err, ErrConflictingAuthor)

	got, _, err := s.GetBlockByNumber(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, a1, *got.Author)
}

func TestUpsertBlock_FinalizedMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := chain.Block{Number: 1, Hash: asHash(key(0xaa)), Finalized: true}
	require.NoError(t, s.UpsertBlock(ctx, b, 1000))
	b.Finalized = false
	require.NoError(t, s.UpsertBlock(ctx, b, 1001))

	got, _, err := s.GetBlockByNumber(ctx, 1)
	require.NoError(t, err)
	require.True(t, got.Finalized)
}

func TestUpsertValidator_IsOursMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sk := key(5)
	require.NoError(t, s.UpsertValidator(ctx, chain.Validator{SidechainKey: sk, IsOurs: true}, 1000))
	require.NoError(t, s.UpsertValidator(ctx, chain.Validator{SidechainKey: sk, IsOurs: false}, 1001))

	v, ok, err := s.GetValidator(ctx, sk)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, v.IsOurs)
}

func TestSetIsOurs_OperatorCanClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sk := key(5)
	require.NoError(t, s.UpsertValidator(ctx, chain.Validator{SidechainKey: sk, IsOurs: true}, 1000))
	require.NoError(t, s.SetIsOurs(ctx, sk, false, 1001))

	v, _, err := s.GetValidator(ctx, sk)
	require.NoError(t, err)
	require.False(t, v.IsOurs)
}

func TestTotalBlocksInvariant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sk := key(7)
	require.NoError(t, s.UpsertValidator(ctx, chain.Validator{SidechainKey: sk}, 1000))

	for i := uint64(1); i <= 3; i++ {
		b := chain.Block{Number: i, Hash: asHash(key(byte(i))), Author: &sk}
		require.NoError(t, s.UpsertBlock(ctx, b, 1000))
	}
	v, _, err := s.GetValidator(ctx, sk)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v.TotalBlocks)
}

func TestSetFinalizedUpTo_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.UpsertBlock(ctx, chain.Block{Number: i, Hash: asHash(key(byte(i)))}, 1000))
	}
	require.NoError(t, s.SetFinalizedUpTo(ctx, 3))
	require.NoError(t, s.SetFinalizedUpTo(ctx, 3))
	require.NoError(t, s.SetFinalizedUpTo(ctx, 5))

	for i := uint64(1); i <= 5; i++ {
		b, _, err := s.GetBlockByNumber(ctx, i)
		require.NoError(t, err)
		require.Equal(t, i <= 5, b.Finalized)
	}
}

func TestGetGaps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, n := range []uint64{1, 2, 3, 7, 8, 12} {
		require.NoError(t, s.UpsertBlock(ctx, chain.Block{Number: n, Hash: asHash(key(byte(n)))}, 1000))
	}
	gaps, err := s.GetGaps(ctx)
	require.NoError(t, err)
	require.Equal(t, []Gap{{From: 4, To: 6}, {From: 9, To: 11}}, gaps)
}

func TestGetGaps_Dense(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, n := range []uint64{1, 2, 3} {
		require.NoError(t, s.UpsertBlock(ctx, chain.Block{Number: n, Hash: asHash(key(byte(n)))}, 1000))
	}
	gaps, err := s.GetGaps(ctx)
	require.NoError(t, err)
	require.Empty(t, gaps)
}

func TestStoreCommitteeSnapshot_NoopIfExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	keys := []chain.PubKey{key(1), key(2), key(3)}
	require.NoError(t, s.StoreCommitteeSnapshot(ctx, 10, keys, 1000))
	require.NoError(t, s.StoreCommitteeSnapshot(ctx, 10, []chain.PubKey{key(9)}, 2000))

	snap, ok, err := s.GetCommitteeSnapshot(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, keys, snap.AuraKeys)
}

