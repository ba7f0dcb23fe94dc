package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/partnerwatch/sentryd/internal/config"
)

func configCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the resolved configuration (§6)",
	}
	cmd.AddCommand(
		configShowCmd(gf),
		configValidateCmd(gf),
		configExampleCmd(gf),
		configPathsCmd(gf),
	)
	return cmd
}

func configShowCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the fully-resolved configuration (file, then environment, then flags)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return failRPCOrStore(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rpc.url = %q\n", cfg.RPC.URL)
			fmt.Fprintf(cmd.OutOrStdout(), "rpc.timeout_ms = %d\n", cfg.RPC.TimeoutMs)
			fmt.Fprintf(cmd.OutOrStdout(), "rpc.max_retries = %d\n", cfg.RPC.MaxRetries)
			fmt.Fprintf(cmd.OutOrStdout(), "rpc.retry_initial_delay_ms = %d\n", cfg.RPC.RetryInitialDelayMs)
			fmt.Fprintf(cmd.OutOrStdout(), "rpc.retry_max_delay_ms = %d\n", cfg.RPC.RetryMaxDelayMs)
			fmt.Fprintf(cmd.OutOrStdout(), "database.path = %q\n", cfg.Database.Path)
			fmt.Fprintf(cmd.OutOrStdout(), "validator.keystore_path = %q\n", cfg.Validator.KeystorePath)
			fmt.Fprintf(cmd.OutOrStdout(), "validator.name = %q\n", cfg.Validator.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "sync.batch_size = %d\n", cfg.Sync.BatchSize)
			fmt.Fprintf(cmd.OutOrStdout(), "sync.poll_interval_secs = %d\n", cfg.Sync.PollIntervalSecs)
			fmt.Fprintf(cmd.OutOrStdout(), "sync.finalized_only = %v\n", cfg.Sync.FinalizedOnly)
			fmt.Fprintf(cmd.OutOrStdout(), "chain.genesis_timestamp_ms = %d\n", cfg.Chain.GenesisTimestampMs)
			fmt.Fprintf(cmd.OutOrStdout(), "chain.slot_duration_ms = %d\n", cfg.Chain.SlotDurationMs)
			fmt.Fprintf(cmd.OutOrStdout(), "chain.mainchain_epoch_ms = %d\n", cfg.Chain.MainchainEpochMs)
			fmt.Fprintf(cmd.OutOrStdout(), "chain.sidechain_epoch_ms = %d\n", cfg.Chain.SidechainEpochMs)
			fmt.Fprintf(cmd.OutOrStdout(), "daemon.pid_file = %q\n", cfg.Daemon.PIDFile)
			fmt.Fprintf(cmd.OutOrStdout(), "view.refresh_interval_ms = %d\n", cfg.View.RefreshIntervalMs)
			fmt.Fprintf(cmd.OutOrStdout(), "view.expected_ip = %q\n", cfg.View.ExpectedIP)
			return nil
		},
	}
}

func configValidateCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the resolved configuration and exit non-zero on failure (§7)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return failRPCOrStore(err)
			}
			if err := cfg.Validate(); err != nil {
				return failRPCOrStore(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config: ok")
			return nil
		},
	}
}

func configExampleCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "example",
		Short: "Print a fully-commented example sentryd.toml",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), config.ExampleTOML())
			return nil
		},
	}
}

func configPathsCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the resolved config, database, PID-file, and keystore paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return failRPCOrStore(err)
			}
			exists, err := afero.Exists(osFS(), gf.configPath)
			if err != nil {
				return failRPCOrStore(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config_path = %q (exists=%v)\n", gf.configPath, exists)
			fmt.Fprintf(cmd.OutOrStdout(), "database.path = %q\n", cfg.Database.Path)
			fmt.Fprintf(cmd.OutOrStdout(), "daemon.pid_file = %q\n", cfg.Daemon.PIDFile)
			fmt.Fprintf(cmd.OutOrStdout(), "validator.keystore_path = %q\n", cfg.Validator.KeystorePath)
			return nil
		},
	}
}
