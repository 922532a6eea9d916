package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/mev-engine/arb-economics/internal/app"
)

const lifecycleTimeout = 15 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the arbitrage engine",
	Long: `Start the engine and its operator API. The engine evaluates opportunities
posted by the executor, records execution outcomes and serves breaker and tip
telemetry until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

var (
	restoreFile string
	pidFile     string
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVar(&restoreFile, "restore", "", "restore the circuit breaker from an exported snapshot")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "write the process ID to this file")
	startCmd.Flags().String("bind", "", "bind address for API server (overrides config)")
	startCmd.Flags().Int("port", 0, "port for API server (overrides config)")
}

func runStart(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if flag := cmd.Flags().Lookup("bind"); flag.Changed {
		viper.Set("server.host", flag.Value.String())
	}
	if flag := cmd.Flags().Lookup("port"); flag.Changed {
		viper.Set("server.port", flag.Value.String())
	}
	if restoreFile != "" {
		viper.Set("circuit_breaker.restore_file", restoreFile)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Starting arbitrage engine...")

	application := fx.New(
		fx.Supply(cfg),
		app.Module,
	)
	if err := application.Err(); err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, lifecycleTimeout)
	defer cancelStart()
	if err := application.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			fmt.Fprintf(out, "Warning: failed to write PID file: %v\n", err)
		} else {
			defer os.Remove(pidFile)
		}
	}

	fmt.Fprintf(out, "Engine running, API on %s. Press Ctrl+C to stop.\n", cfg.Server.Addr())

	// Wait for shutdown
	<-ctx.Done()
	fmt.Fprintln(out, "Shutdown signal received, stopping engine...")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancelStop()
	if err := application.Stop(stopCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	fmt.Fprintln(out, "Arbitrage engine stopped")
	return nil
}
