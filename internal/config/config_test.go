package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileOverridesDefault(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg.toml", []byte(`
[rpc]
url = "http://node.example:9933"
timeout_ms = 5000

[sync]
batch_size = 50
`), 0o644))

	cfg, err := Load(fs, "/cfg.toml")
	require.NoError(t, err)
	require.Equal(t, "http://node.example:9933", cfg.RPC.URL)
	require.Equal(t, 5000, cfg.RPC.TimeoutMs)
	require.Equal(t, 50, cfg.Sync.BatchSize)
	// Untouched keys retain their defaults.
	require.Equal(t, Default().RPC.MaxRetries, cfg.RPC.MaxRetries)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Load(fs, "/does/not/exist.toml")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg.toml", []byte(`
[rpc]
url = "http://file-configured:9933"
`), 0o644))

	t.Setenv("SENTRYD_RPC_URL", "http://env-configured:9933")
	t.Setenv("SENTRYD_SYNC_BATCH_SIZE", "7")

	cfg, err := Load(fs, "/cfg.toml")
	require.NoError(t, err)
	require.Equal(t, "http://env-configured:9933", cfg.RPC.URL)
	require.Equal(t, 7, cfg.Sync.BatchSize)
}

func TestValidate_RejectsMissingRPCURL(t *testing.T) {
	cfg := Default()
	cfg.RPC.URL = ""
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	require.Contains(t, err.Error(), "rpc.url")
}

func TestValidate_AcceptsDefault(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestExampleTOML_ParsesBackToDefault(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/example.toml", []byte(ExampleTOML()), 0o644))
	cfg, err := Load(fs, "/example.toml")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
