package main

import (
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/partnerwatch/sentryd/internal/config"
	"github.com/partnerwatch/sentryd/internal/logging"
)

// exitError carries the §7/§6 process exit code alongside a normal
// error so main can translate it without every command calling
// os.Exit directly (which would skip deferred cleanup).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ee *exitError
	if as, ok := err.(*exitError); ok {
		ee = as
	}
	if ee != nil {
		return ee.code
	}
	return 2
}

func failUnhealthy(err error) error { return &exitError{code: 1, err: err} }
func failRPCOrStore(err error) error { return &exitError{code: 2, err: err} }

// globalFlags are the persistent flags every subcommand shares:
// config-file discovery plus the handful of overrides common enough to
// set without editing the file (§6: CLI flags override environment,
// which overrides the config file).
type globalFlags struct {
	configPath string
	rpcURL     string
	dbPath     string
	debug      bool
}

func rootCmd() *cobra.Command {
	gf := &globalFlags{}

	root := &cobra.Command{
		Use:           "sentryd",
		Short:         "Validator-node observability engine for a partner chain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&gf.configPath, "config", defaultConfigPath(), "path to sentryd.toml")
	pf.StringVar(&gf.rpcURL, "rpc.url", "", "override rpc.url from config")
	pf.StringVar(&gf.dbPath, "database.path", "", "override database.path from config")
	pf.BoolVar(&gf.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		syncCmd(gf),
		statusCmd(gf),
		queryCmd(gf),
		keysCmd(gf),
		configCmd(gf),
		viewCmd(gf),
		installCmd(gf),
	)
	return root
}

func defaultConfigPath() string {
	if v := os.Getenv("SENTRYD_CONFIG"); v != "" {
		return v
	}
	return "sentryd.toml"
}

// loadConfig applies the §6 precedence: file, then environment (inside
// config.Load), then explicit CLI flags layered on top here.
func loadConfig(gf *globalFlags) (config.Config, error) {
	cfg, err := config.Load(afero.NewOsFs(), gf.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if gf.rpcURL != "" {
		cfg.RPC.URL = gf.rpcURL
	}
	if gf.dbPath != "" {
		cfg.Database.Path = gf.dbPath
	}
	return cfg, nil
}

func newLogger(gf *globalFlags, fileCfg *logging.FileConfig) (*zap.Logger, error) {
	return logging.New(gf.debug, fileCfg)
}
