package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the arbitrage engine",
	Long: `Stop an engine started with --pid-file. SIGTERM lets the engine stop its
API, close the tip stream and log the final breaker state.`,
	RunE: runStop,
}

var (
	forceKill   bool
	stopPIDFile string
)

func init() {
	rootCmd.AddCommand(stopCmd)

	stopCmd.Flags().BoolVarP(&forceKill, "force", "f", false, "force kill the process (SIGKILL)")
	stopCmd.Flags().StringVar(&stopPIDFile, "pid-file", "./arb-engine.pid", "path to PID file")
}

func runStop(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(stopPIDFile)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no PID file at %s; was the engine started with --pid-file?", stopPIDFile)
	}
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid PID in file %s", stopPIDFile)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	var signal os.Signal = syscall.SIGTERM
	if forceKill {
		signal = syscall.SIGKILL
		fmt.Fprintln(out, "Force killing engine...")
	} else {
		fmt.Fprintln(out, "Sending graceful shutdown signal...")
	}

	if err := process.Signal(signal); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	fmt.Fprintf(out, "Stop signal sent to process %d\n", pid)
	return nil
}
