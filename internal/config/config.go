// Package config loads sentryd's operator-facing configuration (spec
// §6): a TOML file, overridable by SENTRYD_-prefixed environment
// variables, overridable in turn by explicit CLI flags. File discovery
// goes through afero so tests can substitute an in-memory filesystem.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// EnvPrefix is prepended to every dotted config key, uppercased with
// dots turned into underscores, e.g. rpc.url -> SENTRYD_RPC_URL.
const EnvPrefix = "SENTRYD"

// Config mirrors every recognized option enumerated in §6.
type Config struct {
	RPC struct {
		URL                string        `toml:"url"`
		TimeoutMs          int           `toml:"timeout_ms"`
		MaxRetries         int           `toml:"max_retries"`
		RetryInitialDelayMs int          `toml:"retry_initial_delay_ms"`
		RetryMaxDelayMs    int           `toml:"retry_max_delay_ms"`
	} `toml:"rpc"`

	Database struct {
		Path string `toml:"path"`
	} `toml:"database"`

	Validator struct {
		KeystorePath string `toml:"keystore_path"`
		Name         string `toml:"name"`
	} `toml:"validator"`

	Sync struct {
		BatchSize       int  `toml:"batch_size"`
		PollIntervalSecs int `toml:"poll_interval_secs"`
		FinalizedOnly   bool `toml:"finalized_only"`
	} `toml:"sync"`

	Chain struct {
		GenesisTimestampMs uint64 `toml:"genesis_timestamp_ms"`
		SlotDurationMs     uint64 `toml:"slot_duration_ms"`
		MainchainEpochMs   uint64 `toml:"mainchain_epoch_ms"`
		SidechainEpochMs   uint64 `toml:"sidechain_epoch_ms"`
	} `toml:"chain"`

	Daemon struct {
		PIDFile string `toml:"pid_file"`
	} `toml:"daemon"`

	View struct {
		RefreshIntervalMs int    `toml:"refresh_interval_ms"`
		ExpectedIP        string `toml:"expected_ip"`
	} `toml:"view"`
}

// Default returns the baseline configuration used when no file or
// override supplies a value; mirrors the shape `config example` prints.
func Default() Config {
	var c Config
	c.RPC.URL = "http://127.0.0.1:9933"
	c.RPC.TimeoutMs = 10_000
	c.RPC.MaxRetries = 5
	c.RPC.RetryInitialDelayMs = 250
	c.RPC.RetryMaxDelayMs = 10_000
	c.Database.Path = "sentryd.db"
	c.Sync.BatchSize = 100
	c.Sync.PollIntervalSecs = 6
	c.Chain.SlotDurationMs = 6_000
	c.Daemon.PIDFile = "sentryd.pid"
	c.View.RefreshIntervalMs = 2_000
	return c
}

// Load reads path (if it exists) into Default(), applies SENTRYD_*
// environment overrides, and returns the merged result. A missing file
// is not an error: Default() plus environment overrides is a valid
// configuration for `config example`-style bootstrapping.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()

	if path != "" {
		exists, err := afero.Exists(fs, path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "config: stat %s", path)
		}
		if exists {
			raw, err := afero.ReadFile(fs, path)
			if err != nil {
				return Config{}, errors.Wrapf(err, "config: read %s", path)
			}
			if err := toml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "config: parse %s", path)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overlays SENTRYD_*-prefixed environment variables (§6): each
// dotted TOML key maps to SENTRYD_<KEY-WITH-UNDERSCORES>.
func applyEnv(cfg *Config) {
	strVar := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok {
			*dst = v
		}
	}
	intVar := func(key string, dst *int) {
		if v, ok := lookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	uintVar := func(key string, dst *uint64) {
		if v, ok := lookupEnv(key); ok {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	boolVar := func(key string, dst *bool) {
		if v, ok := lookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	strVar("rpc.url", &cfg.RPC.URL)
	intVar("rpc.timeout_ms", &cfg.RPC.TimeoutMs)
	intVar("rpc.max_retries", &cfg.RPC.MaxRetries)
	intVar("rpc.retry_initial_delay_ms", &cfg.RPC.RetryInitialDelayMs)
	intVar("rpc.retry_max_delay_ms", &cfg.RPC.RetryMaxDelayMs)
	strVar("database.path", &cfg.Database.Path)
	strVar("validator.keystore_path", &cfg.Validator.KeystorePath)
	strVar("validator.name", &cfg.Validator.Name)
	intVar("sync.batch_size", &cfg.Sync.BatchSize)
	intVar("sync.poll_interval_secs", &cfg.Sync.PollIntervalSecs)
	boolVar("sync.finalized_only", &cfg.Sync.FinalizedOnly)
	uintVar("chain.genesis_timestamp_ms", &cfg.Chain.GenesisTimestampMs)
	uintVar("chain.slot_duration_ms", &cfg.Chain.SlotDurationMs)
	uintVar("chain.mainchain_epoch_ms", &cfg.Chain.MainchainEpochMs)
	uintVar("chain.sidechain_epoch_ms", &cfg.Chain.SidechainEpochMs)
	strVar("daemon.pid_file", &cfg.Daemon.PIDFile)
	intVar("view.refresh_interval_ms", &cfg.View.RefreshIntervalMs)
	strVar("view.expected_ip", &cfg.View.ExpectedIP)
}

func lookupEnv(dottedKey string) (string, bool) {
	envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(dottedKey, ".", "_"))
	return os.LookupEnv(envKey)
}

// Validate reports the first ConfigInvalid condition found (§7):
// configuration errors prevent startup and name the offending field.
func (c Config) Validate() error {
	switch {
	case c.RPC.URL == "":
		return errors.Wrap(ErrInvalid, "rpc.url is required")
	case c.RPC.TimeoutMs <= 0:
		return errors.Wrap(ErrInvalid, "rpc.timeout_ms must be positive")
	case c.Database.Path == "":
		return errors.Wrap(ErrInvalid, "database.path is required")
	case c.Sync.BatchSize <= 0:
		return errors.Wrap(ErrInvalid, "sync.batch_size must be positive")
	case c.Sync.PollIntervalSecs <= 0:
		return errors.Wrap(ErrInvalid, "sync.poll_interval_secs must be positive")
	case c.Chain.SlotDurationMs == 0:
		return errors.Wrap(ErrInvalid, "chain.slot_duration_ms must be positive")
	}
	return nil
}

// ErrInvalid is the ConfigInvalid sentinel (§7).
var ErrInvalid = errors.New("config: invalid configuration")

func (c Config) RPCTimeout() time.Duration { return time.Duration(c.RPC.TimeoutMs) * time.Millisecond }
func (c Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.RPC.RetryInitialDelayMs) * time.Millisecond
}
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RPC.RetryMaxDelayMs) * time.Millisecond
}
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSecs) * time.Second
}

// ExampleTOML renders a fully-commented default configuration, used by
// `config example` (SPEC_FULL §12).
func ExampleTOML() string {
	return fmt.Sprintf(`# sentryd configuration. All keys may be overridden by SENTRYD_<KEY>
# environment variables, which are in turn overridden by CLI flags.

[rpc]
url = %q                        # node JSON-RPC endpoint
timeout_ms = %d                 # per-request timeout
max_retries = %d                # retry policy: retries after the first attempt
retry_initial_delay_ms = %d     # retry policy: initial backoff
retry_max_delay_ms = %d         # retry policy: backoff cap

[database]
path = %q                       # sqlite store file path

[validator]
keystore_path = ""              # node keystore directory (filenames only)
name = ""                       # operator label for "ours" validators

[sync]
batch_size = %d                 # blocks fetched per catch-up batch
poll_interval_secs = %d         # follow-loop cadence
finalized_only = %v             # never ingest non-finalized blocks

[chain]
genesis_timestamp_ms = %d       # network genesis wall-clock time
slot_duration_ms = %d           # network slot duration
mainchain_epoch_ms = %d         # mainchain epoch length
sidechain_epoch_ms = %d         # sidechain epoch length

[daemon]
pid_file = %q                   # scoped PID-file resource path

[view]
refresh_interval_ms = %d        # dashboard collaborator refresh hint
expected_ip = ""                # dashboard collaborator hint
`,
		Default().RPC.URL, Default().RPC.TimeoutMs, Default().RPC.MaxRetries,
		Default().RPC.RetryInitialDelayMs, Default().RPC.RetryMaxDelayMs,
		Default().Database.Path,
		Default().Sync.BatchSize, Default().Sync.PollIntervalSecs, Default().Sync.FinalizedOnly,
		Default().Chain.GenesisTimestampMs, Default().Chain.SlotDurationMs,
		Default().Chain.MainchainEpochMs, Default().Chain.SidechainEpochMs,
		Default().Daemon.PIDFile,
		Default().View.RefreshIntervalMs,
	)
}
