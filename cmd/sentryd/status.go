package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/partnerwatch/sentryd/internal/chain"
	"github.com/partnerwatch/sentryd/internal/keystore"
	"github.com/partnerwatch/sentryd/internal/rpcclient"
)

// healthLagBlocks mirrors daemon's admin /healthz threshold; duplicated
// here since `status` has no access to a running daemon's admin server
// and computes the same judgment directly against the store.
const healthLagBlocks = 50

func statusCmd(gf *globalFlags) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report node health, sync progress, and keystore coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return failRPCOrStore(err)
			}
			log, err := newLogger(gf, nil)
			if err != nil {
				return failRPCOrStore(err)
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, cfg, log)
			if err != nil {
				return failRPCOrStore(err)
			}
			defer st.Close()

			node := newRPCClient(cfg, log)

			health, healthErr := node.SystemHealth(ctx)
			progress, err := st.GetSyncStatus(ctx)
			if err != nil {
				return failRPCOrStore(err)
			}

			notSyncing := healthErr == nil && !health.IsSyncing && progress.ChainTip > progress.LastSynced
			laggingTip := progress.ChainTip > 0 && progress.ChainTip-progress.LastSynced > healthLagBlocks
			unhealthy := healthErr != nil || laggingTip

			keysMissing := false
			if cfg.Validator.KeystorePath != "" {
				entries, err := keystore.Scan(osFS(), cfg.Validator.KeystorePath)
				if err == nil {
					keysMissing = !keystore.HasKeyType(entries, keystore.KeyTypeAura) ||
						!keystore.HasKeyType(entries, keystore.KeyTypeGrandpa)
				}
			}

			printStatusTable(cmd, health, healthErr, progress, unhealthy, notSyncing, keysMissing)

			if once && (unhealthy || notSyncing || keysMissing) {
				return failUnhealthy(fmt.Errorf("status: unhealthy=%v not_syncing=%v keys_missing=%v", unhealthy, notSyncing, keysMissing))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "check once and exit non-zero if unhealthy, not syncing, or keys are missing (§7)")
	return cmd
}

func printStatusTable(cmd *cobra.Command, health rpcclient.HealthResult, healthErr error, progress chain.SyncProgress, unhealthy, notSyncing, keysMissing bool) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Field", "Value"})
	peersCol := "unknown"
	if healthErr == nil {
		peersCol = fmt.Sprintf("%d", health.Peers)
	}
	t.AppendRow(table.Row{"peers", peersCol})
	t.AppendRow(table.Row{"last_synced", progress.LastSynced})
	t.AppendRow(table.Row{"last_finalized", progress.LastFinalized})
	t.AppendRow(table.Row{"chain_tip", progress.ChainTip})
	t.AppendRow(table.Row{"current_epoch", progress.CurrentEpoch})
	t.AppendRow(table.Row{"unhealthy", unhealthy})
	t.AppendRow(table.Row{"not_syncing", notSyncing})
	t.AppendRow(table.Row{"keys_missing", keysMissing})
	t.Render()
}
