package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mev-engine/arb-economics/internal/api"
	"github.com/mev-engine/arb-economics/internal/app"
	"github.com/mev-engine/arb-economics/internal/config"
	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/engine"
	"github.com/mev-engine/arb-economics/pkg/report"
	"github.com/mev-engine/arb-economics/pkg/types"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate opportunities from a JSON file",
	Long: `Run the decision pipeline on an opportunity, or on a JSON array of
opportunities to pick the best one. Opportunities without discovered_at are
treated as just discovered. Evaluation runs locally with a fresh circuit
breaker unless --remote asks a running engine.`,
	RunE: runEvaluate,
}

var (
	opportunityFile string
	competition     float64
	urgency         float64
	evaluateRemote  bool
	evaluateJSON    bool
)

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVarP(&opportunityFile, "file", "f", "", "opportunity JSON file (- for stdin)")
	evaluateCmd.Flags().Float64Var(&competition, "competition", 0.5, "competition score in [0, 1]")
	evaluateCmd.Flags().Float64Var(&urgency, "urgency", 0.5, "urgency in [0, 1]")
	evaluateCmd.Flags().BoolVar(&evaluateRemote, "remote", false, "evaluate on the running engine")
	evaluateCmd.Flags().BoolVarP(&evaluateJSON, "json", "j", false, "output the decision as JSON")
	_ = evaluateCmd.MarkFlagRequired("file")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	req, err := readOpportunities(cmd.InOrStdin(), opportunityFile)
	if err != nil {
		return err
	}
	req.Signals = engine.Signals{Competition: competition, Urgency: urgency}

	var decision *engine.Decision
	if evaluateRemote {
		decision, err = newClient().Evaluate(cmd.Context(), req)
	} else {
		decision, err = evaluateLocally(cmd.Context(), req)
	}
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if evaluateJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(decision)
	}
	printDecision(out, decision)
	return nil
}

// readOpportunities parses a single opportunity object or an array of them
func readOpportunities(stdin io.Reader, path string) (api.EvaluateRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return api.EvaluateRequest{}, fmt.Errorf("failed to read opportunities: %w", err)
	}

	var req api.EvaluateRequest
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &req.Opportunities); err != nil {
			return req, fmt.Errorf("failed to decode opportunities: %w", err)
		}
		if len(req.Opportunities) == 0 {
			return req, fmt.Errorf("no opportunities in %s", path)
		}
	} else {
		req.Opportunity = &types.ArbitrageOpportunity{}
		if err := json.Unmarshal(data, req.Opportunity); err != nil {
			return req, fmt.Errorf("failed to decode opportunity: %w", err)
		}
	}

	now := time.Now()
	stamp := func(opp *types.ArbitrageOpportunity) {
		if opp != nil && opp.DiscoveredAt.IsZero() {
			opp.DiscoveredAt = now
		}
	}
	stamp(req.Opportunity)
	for _, opp := range req.Opportunities {
		stamp(opp)
	}
	return req, nil
}

func evaluateLocally(ctx context.Context, req api.EvaluateRequest) (*engine.Decision, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	eng, closeFeed, err := newOfflineEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeFeed()

	if len(req.Opportunities) > 0 {
		return eng.SelectBest(ctx, req.Opportunities, req.Signals)
	}
	return eng.Evaluate(ctx, req.Opportunity, req.Signals)
}

// newOfflineEngine assembles the pipeline without the API, metrics or alerts
func newOfflineEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, func(), error) {
	gate, err := app.NewGate(cfg)
	if err != nil {
		return nil, nil, err
	}
	analyzer, err := app.NewAnalyzer(cfg)
	if err != nil {
		return nil, nil, err
	}
	breakerCfg := cfg.CircuitBreaker.Config
	breaker, err := circuit.New(&breakerCfg)
	if err != nil {
		return nil, nil, err
	}
	bidder, closeFeed, err := newOfflineOptimizer(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(cfg.Pipeline(), gate, analyzer, breaker, bidder)
	if err != nil {
		closeFeed()
		return nil, nil, err
	}
	return eng, closeFeed, nil
}

func printDecision(out io.Writer, d *engine.Decision) {
	if d.Execute {
		fmt.Fprintf(out, "%s  bid %d lamports (tips: %s)\n\n", okStyle.Render("EXECUTE"), d.Bid, d.TipSource)
	} else {
		fmt.Fprintf(out, "%s at %s: %s\n\n", failStyle.Render("REJECTED"), d.Stage, d.Reason)
	}

	if d.Analysis != nil {
		fmt.Fprintln(out, report.CostBreakdown(d.Analysis.Costs))
	}
	if d.Analysis != nil || d.Opportunity != nil {
		fmt.Fprintln(out, report.ProfitReport(d.Opportunity, d.Analysis))
	}
	if d.RiskCheck != nil {
		fmt.Fprintln(out, report.RiskReport(*d.RiskCheck, d.RiskLevel, d.RiskScore))
	}
	if d.RecommendedAmount > 0 {
		fmt.Fprintf(out, "Recommended trade size: %s\n", report.FormatSOL(d.RecommendedAmount))
	}
}
