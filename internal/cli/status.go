package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mev-engine/arb-economics/internal/api"
	"github.com/mev-engine/arb-economics/pkg/metrics"
	"github.com/mev-engine/arb-economics/pkg/report"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check engine status",
	Long: `Check the health of a running engine along with its evaluation, bidding
and bundle counters.`,
	RunE: runStatus,
}

var (
	jsonOutput    bool
	watchMode     bool
	watchInterval time.Duration
)

// EngineStatus combines health and activity for display
type EngineStatus struct {
	Status  string              `json:"status"`
	Health  *api.HealthResponse `json:"health,omitempty"`
	Summary *metrics.Summary    `json:"summary,omitempty"`
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "output in JSON format")
	statusCmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "watch mode (continuous updates)")
	statusCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "watch interval duration")
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	client := newClient()

	if !watchMode {
		return showStatus(cmd.Context(), out, client)
	}

	fmt.Fprintf(out, "Watching %s (interval: %v). Press Ctrl+C to stop.\n\n", client.BaseURL(), watchInterval)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		if err := showStatus(cmd.Context(), out, client); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
			fmt.Fprint(out, "\033[H\033[2J") // Clear screen
		}
	}
}

func showStatus(ctx context.Context, out io.Writer, client *api.Client) error {
	status := getEngineStatus(ctx, client)
	if jsonOutput {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(status)
	}
	outputFormatted(out, status)
	return nil
}

// getEngineStatus reports "offline" when the API cannot be reached
func getEngineStatus(ctx context.Context, client *api.Client) *EngineStatus {
	health, err := client.Health(ctx)
	if err != nil {
		return &EngineStatus{Status: "offline"}
	}
	status := &EngineStatus{Status: health.Status, Health: health}
	// The summary is missing when metrics are disabled
	status.Summary, _ = client.Summary(ctx)
	return status
}

func outputFormatted(out io.Writer, status *EngineStatus) {
	fmt.Fprintln(out, "Arbitrage Engine Status")
	fmt.Fprintln(out, "=======================")

	style := failStyle
	switch status.Status {
	case "healthy":
		style = okStyle
	case "degraded":
		style = warnStyle
	}
	fmt.Fprintf(out, "Status:        %s\n", style.Render(status.Status))

	if h := status.Health; h != nil {
		fmt.Fprintf(out, "Version:       %s\n", h.Version)
		fmt.Fprintf(out, "Uptime:        %s\n", h.Uptime)
		fmt.Fprintf(out, "Breaker:       %s (health %d/100)\n", h.BreakerState, h.HealthScore)
	}

	s := status.Summary
	if s == nil {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Activity")
	fmt.Fprintln(out, "--------")
	fmt.Fprintf(out, "Evaluations:   %d (%d approved)\n", s.Evaluations, s.Executed)
	fmt.Fprintf(out, "Bundles:       %d landed, %d failed\n", s.BundlesSucceeded, s.BundlesFailed)
	fmt.Fprintf(out, "Average bid:   %.0f lamports\n", s.AverageBid)
	fmt.Fprintf(out, "Hourly P&L:    +%s / -%s\n", report.FormatSOL(s.HourlyProfit), report.FormatSOL(s.HourlyLoss))
	fmt.Fprintf(out, "Breaker trips: %d\n", s.BreakerTrips)
	if s.LastTripReason != "" {
		fmt.Fprintf(out, "Last trip:     %s\n", s.LastTripReason)
	}

	stages := make([]string, 0, len(s.RejectionsBy))
	for stage := range s.RejectionsBy {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		fmt.Fprintf(out, "Rejected at %s: %d\n", stage, s.RejectionsBy[stage])
	}
}
