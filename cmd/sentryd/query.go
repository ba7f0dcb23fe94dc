package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/partnerwatch/sentryd/internal/chain"
	"github.com/partnerwatch/sentryd/internal/query"
	"github.com/partnerwatch/sentryd/internal/rpcclient"
)

func queryCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read-only projections of store state (§4.9)",
	}
	cmd.AddCommand(
		queryStatsCmd(gf),
		queryBlocksCmd(gf),
		queryGapsCmd(gf),
		queryValidatorsCmd(gf),
		queryValidatorCmd(gf),
		queryPerformanceCmd(gf),
	)
	return cmd
}

// openAPI opens the store read-only for the duration of one query
// subcommand and wraps it in the Read API.
func openAPI(ctx context.Context, gf *globalFlags) (*query.API, func(), error) {
	cfg, err := loadConfig(gf)
	if err != nil {
		return nil, nil, failRPCOrStore(err)
	}
	log, err := newLogger(gf, nil)
	if err != nil {
		return nil, nil, failRPCOrStore(err)
	}
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, failRPCOrStore(err)
	}
	return query.New(st), func() { st.Close() }, nil
}

func queryStatsCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Totals, finalized/unfinalized counts, observed range, gap count",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, closeFn, err := openAPI(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer closeFn()
			stats, err := api.Stats(cmd.Context())
			if err != nil {
				return failRPCOrStore(err)
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Field", "Value"})
			t.AppendRow(table.Row{"total_blocks", stats.TotalBlocks})
			t.AppendRow(table.Row{"finalized_blocks", stats.FinalizedBlocks})
			t.AppendRow(table.Row{"unfinalized_blocks", stats.UnfinalizedBlocks})
			t.AppendRow(table.Row{"min_block", stats.MinBlock})
			t.AppendRow(table.Row{"max_block", stats.MaxBlock})
			t.AppendRow(table.Row{"gap_count", stats.GapCount})
			t.Render()
			return nil
		},
	}
}

func queryBlocksCmd(gf *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "Most recent blocks with author and epochs",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, closeFn, err := openAPI(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer closeFn()
			blocks, err := api.RecentBlocks(cmd.Context(), limit)
			if err != nil {
				return failRPCOrStore(err)
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Number", "Slot", "Sidechain Epoch", "Finalized", "Author", "Extrinsics"})
			for _, b := range blocks {
				t.AppendRow(table.Row{b.Number, b.Slot, b.SidechainEpoch, b.Finalized, authorCol(b.Author), b.ExtrinsicsCount})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent blocks to show")
	return cmd
}

func queryGapsCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gaps",
		Short: "Maximal contiguous ranges of missing block numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, closeFn, err := openAPI(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer closeFn()
			gaps, err := api.Gaps(cmd.Context())
			if err != nil {
				return failRPCOrStore(err)
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"From", "To", "Size"})
			for _, g := range gaps {
				t.AppendRow(table.Row{g.From, g.To, g.To - g.From + 1})
			}
			t.Render()
			return nil
		},
	}
}

func queryValidatorsCmd(gf *globalFlags) *cobra.Command {
	var oursOnly bool
	var limit int
	var orderBy string
	cmd := &cobra.Command{
		Use:   "validators",
		Short: "Validator records with computed performance share",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, closeFn, err := openAPI(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer closeFn()
			vals, err := api.ListValidators(cmd.Context(), query.ListValidatorsOpts{
				OursOnly: oursOnly, Limit: limit, OrderBy: orderBy,
			})
			if err != nil {
				return failRPCOrStore(err)
			}
			printValidatorsTable(cmd, vals)
			return nil
		},
	}
	cmd.Flags().BoolVar(&oursOnly, "ours-only", false, "only show validators flagged is_ours")
	cmd.Flags().IntVar(&limit, "limit", 0, "limit rows (0 = all)")
	cmd.Flags().StringVar(&orderBy, "order-by", "total_blocks", "total_blocks or first_seen")
	return cmd
}

func queryValidatorCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validator <sidechain-key-hex>",
		Short: "Validator record, recent blocks, and per-epoch history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parsePubKeyArg(args[0])
			if err != nil {
				return errors.Wrap(err, "query validator")
			}
			api, closeFn, err := openAPI(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer closeFn()
			detail, err := api.ValidatorDetail(cmd.Context(), key)
			if err != nil {
				return failRPCOrStore(err)
			}
			printValidatorsTable(cmd, []chain.Validator{detail.Validator})

			rb := table.NewWriter()
			rb.SetOutputMirror(cmd.OutOrStdout())
			rb.AppendHeader(table.Row{"Number", "Slot", "Sidechain Epoch", "Finalized", "Extrinsics"})
			for _, b := range detail.RecentBlocks {
				rb.AppendRow(table.Row{b.Number, b.Slot, b.SidechainEpoch, b.Finalized, b.ExtrinsicsCount})
			}
			rb.Render()

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Sidechain Epoch", "Seats", "Committee Size", "Blocks Produced"})
			for _, h := range detail.EpochHistory {
				t.AppendRow(table.Row{h.SidechainEpoch, h.Seats, h.CommitteeSize, h.BlocksProduced})
			}
			t.Render()
			return nil
		},
	}
}

func queryPerformanceCmd(gf *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "performance",
		Short: "Validators ordered by total blocks produced, descending",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, closeFn, err := openAPI(cmd.Context(), gf)
			if err != nil {
				return err
			}
			defer closeFn()
			vals, err := api.PerformanceRanking(cmd.Context(), limit)
			if err != nil {
				return failRPCOrStore(err)
			}
			printValidatorsTable(cmd, vals)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of top validators to show")
	return cmd
}

func printValidatorsTable(cmd *cobra.Command, vals []chain.Validator) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Sidechain Key", "Label", "Ours", "Status", "First Seen (mainchain epoch)", "Total Blocks"})
	for _, v := range vals {
		t.AppendRow(table.Row{v.SidechainKey.String(), v.Label, v.IsOurs, v.Status, v.FirstSeenMainEpoch, v.TotalBlocks})
	}
	t.Render()
}

func authorCol(author *chain.PubKey) string {
	if author == nil {
		return "-"
	}
	return author.String()
}

func parsePubKeyArg(s string) (chain.PubKey, error) {
	b, err := rpcclient.DecodeHex(s)
	if err != nil {
		return chain.PubKey{}, errors.Wrap(err, "decode key")
	}
	if len(b) != 32 {
		return chain.PubKey{}, fmt.Errorf("expected 32-byte key, got %d bytes", len(b))
	}
	var out chain.PubKey
	copy(out[:], b)
	return out, nil
}
