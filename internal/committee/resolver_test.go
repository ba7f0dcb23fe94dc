package committee

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/partnerwatch/sentryd/internal/chain"
	"github.com/partnerwatch/sentryd/internal/codec"
	"github.com/partnerwatch/sentryd/internal/rpcclient"
)

var errPruned = &rpcclient.Error{Kind: rpcclient.KindResponse, Method: "state_call", Message: "state already discarded"}

type fakeNode struct {
	primary  map[string]string // blockHash -> hex payload
	tip      string
	prunedAt map[string]bool
	calls    []string
}

func (n *fakeNode) StateCallAuraAuthorities(ctx context.Context, atBlockHash string) (string, error) {
	n.calls = append(n.calls, atBlockHash)
	if atBlockHash == "" {
		return n.tip, nil
	}
	if n.prunedAt[atBlockHash] {
		return "", errPruned
	}
	return n.primary[atBlockHash], nil
}

type fakeStore struct {
	snapshots map[uint64][]chain.PubKey
}

func (s *fakeStore) HasCommitteeSnapshot(ctx context.Context, epoch uint64) (bool, error) {
	_, ok := s.snapshots[epoch]
	return ok, nil
}

func (s *fakeStore) StoreCommitteeSnapshot(ctx context.Context, epoch uint64, auraKeys []chain.PubKey, nowMs int64) error {
	if s.snapshots == nil {
		s.snapshots = map[uint64][]chain.PubKey{}
	}
	if _, ok := s.snapshots[epoch]; ok {
		return nil
	}
	s.snapshots[epoch] = auraKeys
	return nil
}

func key(b byte) chain.PubKey {
	var k chain.PubKey
	k[0] = b
	return k
}

func encodedPayload(t *testing.T, n int) string {
	t.Helper()
	keys := make([][32]byte, n)
	for i := range keys {
		keys[i][0] = byte(i + 1)
	}
	return "0x" + hex.EncodeToString(codec.EncodeAuthorities(keys))
}

func TestFetch_PrimaryPathCachesAndPersists(t *testing.T) {
	node := &fakeNode{primary: map[string]string{"0xabc": encodedPayload(t, 3)}}
	st := &fakeStore{}
	r, err := New(node, st, nil, nil)
	require.NoError(t, err)

	res, err := r.Fetch(context.Background(), 5, "0xabc")
	require.NoError(t, err)
	require.False(t, res.UsedFallback)
	require.Len(t, res.Committee.AuraKeys, 3)

	require.Contains(t, st.snapshots, uint64(5))

	// second fetch hits the cache, no further node call
	callsBefore := len(node.calls)
	res2, err := r.Fetch(context.Background(), 5, "0xabc")
	require.NoError(t, err)
	require.Equal(t, res.Committee, res2.Committee)
	require.Equal(t, callsBefore, len(node.calls))
}

func TestFetch_FallbackOnPrunedState(t *testing.T) {
	node := &fakeNode{
		prunedAt: map[string]bool{"0xold": true},
		tip:      encodedPayload(t, 2),
	}
	st := &fakeStore{}
	r, err := New(node, st, nil, nil)
	require.NoError(t, err)

	res, err := r.Fetch(context.Background(), 9, "0xold")
	require.NoError(t, err)
	require.True(t, res.UsedFallback)
	require.Len(t, res.Committee.AuraKeys, 2)

	require.NotContains(t, st.snapshots, uint64(9))
}

func TestFetch_FallbackWarningOncePerEpoch(t *testing.T) {
	node := &fakeNode{
		prunedAt: map[string]bool{"0xold1": true, "0xold2": true},
		tip:      encodedPayload(t, 2),
	}
	st := &fakeStore{}
	core, logs := observer.New(zap.WarnLevel)
	r, err := New(node, st, nil, zap.New(core))
	require.NoError(t, err)

	_, err = r.Fetch(context.Background(), 9, "0xold1")
	require.NoError(t, err)
	_, err = r.Fetch(context.Background(), 9, "0xold2")
	require.NoError(t, err)

	prunedWarnings := logs.FilterMessage("historical state pruned, falling back to tip authorities for this epoch").
		FilterField(zapcore.Field{Key: "sidechain_epoch", Type: zapcore.Uint64Type, Integer: 9}).All()
	require.Len(t, prunedWarnings, 1)
}
