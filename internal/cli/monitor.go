package cli

import (
	"github.com/spf13/cobra"

	"github.com/mev-engine/arb-economics/internal/tui"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Start terminal-based monitoring interface",
	Long: `Launch an interactive terminal UI showing breaker state, tip percentiles
and evaluation activity of a running engine. Press 'r' to refresh, 'c' for
compact mode and 'q' to quit.`,
	RunE: runMonitor,
}

var (
	refreshRate int
	compactMode bool
)

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().IntVarP(&refreshRate, "refresh", "r", 1000, "refresh rate in milliseconds")
	monitorCmd.Flags().BoolVarP(&compactMode, "compact", "c", false, "compact display mode")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	return tui.StartMonitor(tui.Config{
		APIURL:      apiURL,
		RefreshRate: refreshRate,
		CompactMode: compactMode,
		Debug:       level == "debug",
	})
}
