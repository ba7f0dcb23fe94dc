package digest

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func slotEntry(slot uint64) []byte {
	e := make([]byte, 13)
	e[0] = logKindPreRuntime
	copy(e[1:5], EngineID)
	binary.LittleEndian.PutUint64(e[5:13], slot)
	return e
}

func otherEntry() []byte {
	return []byte{0x04, 'o', 't', 'h', 'r', 1, 2, 3, 4}
}

func TestExtractSlot_First(t *testing.T) {
	logs := [][]byte{slotEntry(294_763_983), otherEntry()}
	got, err := ExtractSlot(logs)
	require.NoError(t, err)
	require.Equal(t, uint64(294_763_983), got)
}

func TestExtractSlot_Middle(t *testing.T) {
	logs := [][]byte{otherEntry(), slotEntry(42), otherEntry()}
	got, err := ExtractSlot(logs)
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
}

func TestExtractSlot_Last(t *testing.T) {
	logs := [][]byte{otherEntry(), otherEntry(), slotEntry(99)}
	got, err := ExtractSlot(logs)
	require.NoError(t, err)
	require.Equal(t, uint64(99), got)
}

func TestExtractSlot_Absent(t *testing.T) {
	logs := [][]byte{otherEntry(), otherEntry()}
	_, err := ExtractSlot(logs)
	require.ErrorIs(t, err, ErrInvalidDigest)
}

func TestExtractSlot_TooShort(t *testing.T) {
	logs := [][]byte{{logKindPreRuntime, 'a', 'u', 'r'}}
	_, err := ExtractSlot(logs)
	require.ErrorIs(t, err, ErrInvalidDigest)
}

func TestExtractSlot_Empty(t *testing.T) {
	_, err := ExtractSlot(nil)
	require.ErrorIs(t, err, ErrInvalidDigest)
}
