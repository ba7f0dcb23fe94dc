package keystore

import (
	"encoding/hex"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func filename(keyType string, b byte) string {
	pk := make([]byte, 32)
	pk[0] = b
	return hex.EncodeToString([]byte(keyType)) + hex.EncodeToString(pk)
}

func TestScan_DecodesValidFilenames(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ks/"+filename("aura", 1), nil, 0o600))
	require.NoError(t, afero.WriteFile(fs, "/ks/"+filename("gran", 2), nil, 0o600))
	require.NoError(t, afero.WriteFile(fs, "/ks/not-a-key-file.txt", nil, 0o600))

	entries, err := Scan(fs, "/ks")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, HasKeyType(entries, KeyTypeAura))
	require.True(t, HasKeyType(entries, KeyTypeGrandpa))
	require.False(t, HasKeyType(entries, "babe"))
}

func TestScan_SkipsMalformedNames(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ks/zz", nil, 0o600))
	require.NoError(t, afero.WriteFile(fs, "/ks/"+filename("aura", 1)+"extra", nil, 0o600))

	entries, err := Scan(fs, "/ks")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestScan_MissingDirErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Scan(fs, "/nope")
	require.Error(t, err)
}
