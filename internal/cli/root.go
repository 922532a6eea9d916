package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mev-engine/arb-economics/internal/api"
	"github.com/mev-engine/arb-economics/internal/config"
)

var (
	cfgFile string
	apiURL  string
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "arb-engine",
	Short: "Economic decision core for on-chain arbitrage",
	Long: `arb-engine decides whether a detected arbitrage opportunity is worth
executing. It prices transaction costs, analyzes net profit, applies risk
gates, sizes a competitive bid from landed-tip percentiles and halts trading
through a circuit breaker when losses accumulate.`,
	Version:      api.Version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", api.DefaultBaseURL, "operator API of a running engine")
}

// initConfig binds global flags to viper. It runs before every command so
// the bindings survive a viper reset.
func initConfig() {
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// loadConfig loads the engine configuration from --config, .env and ARB_*
// environment variables
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newClient() *api.Client {
	return api.NewClient(apiURL, 10*time.Second)
}
