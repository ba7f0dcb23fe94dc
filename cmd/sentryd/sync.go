package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/partnerwatch/sentryd/internal/committee"
	"github.com/partnerwatch/sentryd/internal/daemon"
	"github.com/partnerwatch/sentryd/internal/ingest"
	"github.com/partnerwatch/sentryd/internal/logging"
	"github.com/partnerwatch/sentryd/internal/query"
	"github.com/partnerwatch/sentryd/internal/registration"
)

func syncCmd(gf *globalFlags) *cobra.Command {
	var (
		startBlock uint64
		pidFile    string
		adminAddr  string
		logFile    string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the ingestion engine (catch-up then follow) as a long-lived daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return failRPCOrStore(err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if pidFile != "" {
				cfg.Daemon.PIDFile = pidFile
			}

			var fileCfg *logging.FileConfig
			if logFile != "" {
				fileCfg = &logging.FileConfig{Path: logFile}
			}
			log, err := newLogger(gf, fileCfg)
			if err != nil {
				return failRPCOrStore(err)
			}
			defer log.Sync() //nolint:errcheck

			ctx := cmd.Context()
			st, err := openStore(ctx, cfg, log)
			if err != nil {
				return failRPCOrStore(err)
			}
			defer st.Close()

			node := newRPCClient(cfg, log)

			resolver, err := committee.New(node, st, nowMs, log)
			if err != nil {
				return failRPCOrStore(err)
			}
			regSource := registration.New(node)

			var startPtr *uint64
			if startBlock != 0 {
				startPtr = &startBlock
			}

			engine := ingest.New(node, st, resolver, regSource, ingest.Config{
				StartBlock:         startPtr,
				BatchSize:          uint64(cfg.Sync.BatchSize),
				PollInterval:       cfg.PollInterval(),
				FinalizedOnly:      cfg.Sync.FinalizedOnly,
				GenesisTimestampMs: cfg.Chain.GenesisTimestampMs,
				SlotDurationMs:     cfg.Chain.SlotDurationMs,
			}, nowMs, log)

			api := query.New(st)
			rt := daemon.New(engine, api, daemon.Config{
				PIDFilePath: cfg.Daemon.PIDFile,
				AdminAddr:   adminAddr,
			}, log)
			if err := rt.Run(ctx); err != nil {
				return failRPCOrStore(err)
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&startBlock, "start-block", 0, "override N0 (§4.7 startup): start ingesting from this block number")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "override daemon.pid_file from config")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "listen address for the admin /healthz and /stats.json endpoints (empty disables)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "rotate logs to this path in addition to stderr")
	return cmd
}

func nowMs() int64 { return time.Now().UnixMilli() }
