package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mev-engine/arb-economics/internal/app"
	"github.com/mev-engine/arb-economics/internal/config"
	"github.com/mev-engine/arb-economics/pkg/bidding"
	"github.com/mev-engine/arb-economics/pkg/report"
	"github.com/mev-engine/arb-economics/pkg/types"
)

var tipsCmd = &cobra.Command{
	Use:   "tips",
	Short: "Show landed-tip percentiles",
	Long: `Fetch landed-tip percentiles from the configured tip feed, or from a
running engine with --remote. When the feed is unavailable the fallback
percentiles are shown along with the feed error.`,
	RunE: runTips,
}

var (
	tipsRemote bool
	tipsJSON   bool
)

func init() {
	rootCmd.AddCommand(tipsCmd)

	tipsCmd.Flags().BoolVar(&tipsRemote, "remote", false, "ask the running engine instead of the feed")
	tipsCmd.Flags().BoolVarP(&tipsJSON, "json", "j", false, "output in JSON format")
}

func runTips(cmd *cobra.Command, args []string) error {
	var (
		result types.TipSnapshotResult
		err    error
	)
	if tipsRemote {
		result, err = remoteTips(cmd.Context())
	} else {
		result, err = localTips(cmd.Context())
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if tipsJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}
	fmt.Fprint(out, report.TipReport(result))
	return nil
}

func remoteTips(ctx context.Context) (types.TipSnapshotResult, error) {
	resp, err := newClient().Tips(ctx, true)
	if err != nil {
		return types.TipSnapshotResult{}, fmt.Errorf("failed to get tips: %w", err)
	}
	result := types.TipSnapshotResult{Snapshot: resp.Snapshot, Source: resp.Source}
	if resp.Error != "" {
		result.Err = errors.New(resp.Error)
	}
	return result, nil
}

func localTips(ctx context.Context) (types.TipSnapshotResult, error) {
	cfg, err := loadConfig()
	if err != nil {
		return types.TipSnapshotResult{}, err
	}

	bidder, closeFeed, err := newOfflineOptimizer(ctx, cfg)
	if err != nil {
		return types.TipSnapshotResult{}, err
	}
	defer closeFeed()

	return bidder.FetchTipSnapshot(ctx, true), nil
}

// newOfflineOptimizer builds an optimizer on the configured feed for one-shot
// commands. The returned func closes a websocket feed.
func newOfflineOptimizer(ctx context.Context, cfg *config.Config) (*bidding.Optimizer, func(), error) {
	logger := zap.NewNop()
	feed, err := app.NewTipFeed(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	closeFeed := func() {}
	if feed.Stream != nil {
		if err := feed.Stream.Connect(ctx); err == nil {
			closeFeed = func() { _ = feed.Stream.Close() }
		}
	}

	biddingCfg := cfg.Bidding.Config
	bidder, err := bidding.NewOptimizer(&biddingCfg, feed.Feed, bidding.WithLogger(logger))
	if err != nil {
		closeFeed()
		return nil, nil, err
	}
	return bidder, closeFeed, nil
}
