package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mev-engine/arb-economics/pkg/report"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and control the circuit breaker",
	Long: `Inspect and control the circuit breaker of a running engine. The breaker
halts trading after consecutive failures, hourly losses or a low success rate.`,
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show breaker state and counters",
	RunE:  runBreakerStatus,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Force the breaker closed and clear its counters",
	Long: `Force the breaker closed and clear its counters. This resumes trading
immediately and bypasses the cooldown and half-open test period.`,
	RunE: runBreakerReset,
}

var breakerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export breaker state for restoring at startup",
	Long: `Export the breaker state, including the remaining cooldown, as JSON. Pass
the file to "start --restore" to carry the state across a restart.`,
	RunE: runBreakerExport,
}

var (
	confirmReset bool
	exportOutput string
)

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerStatusCmd)
	breakerCmd.AddCommand(breakerResetCmd)
	breakerCmd.AddCommand(breakerExportCmd)

	breakerResetCmd.Flags().BoolVar(&confirmReset, "confirm", false, "skip the confirmation prompt")
	breakerExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write the snapshot to a file instead of stdout")
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	status, err := newClient().Breaker(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get breaker status: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, report.BreakerReport(status.Snapshot, status.HealthScore))
	if status.ShouldBreak {
		fmt.Fprintln(out, failStyle.Render("Trip condition met: "+status.BreakReason))
	}
	return nil
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if !confirmReset {
		fmt.Fprintln(out, "Resetting the breaker resumes trading immediately and")
		fmt.Fprintln(out, "bypasses the cooldown and half-open test period.")
		fmt.Fprint(out, "Type 'RESET' to confirm: ")

		input, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if strings.TrimSpace(input) != "RESET" {
			fmt.Fprintln(out, "Reset cancelled")
			return nil
		}
	}

	status, err := newClient().ResetBreaker(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to reset breaker: %w", err)
	}

	fmt.Fprintf(out, "Circuit breaker reset, state %s\n", okStyle.Render(strings.ToUpper(string(status.State))))
	return nil
}

func runBreakerExport(cmd *cobra.Command, args []string) error {
	snapshot, err := newClient().ExportBreaker(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to export breaker: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if exportOutput == "" {
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	if err := os.WriteFile(exportOutput, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Breaker snapshot (%s) written to %s\n", snapshot.State, exportOutput)
	return nil
}
