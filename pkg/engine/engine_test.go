package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mev-engine/arb-economics/pkg/bidding"
	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/interfaces"
	"github.com/mev-engine/arb-economics/pkg/profit"
	"github.com/mev-engine/arb-economics/pkg/risk"
	"github.com/mev-engine/arb-economics/pkg/types"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) ObserveEvaluation(stage string, executed bool, d time.Duration) {
	m.Called(stage, executed, d)
}

func (m *MockObserver) ObserveBid(bid, netProfit int64) {
	m.Called(bid, netProfit)
}

func (m *MockObserver) ObserveTipSnapshot(source types.SnapshotSource) {
	m.Called(source)
}

func (m *MockObserver) ObserveBundle(pair string, success bool) {
	m.Called(pair, success)
}

func (m *MockObserver) ObserveBreakerState(state string, hourlyProfit, hourlyLoss int64) {
	m.Called(state, hourlyProfit, hourlyLoss)
}

func (m *MockObserver) ObserveBreakerTrip(reason string) {
	m.Called(reason)
}

type MockAlertManager struct {
	mock.Mock
}

func (m *MockAlertManager) SendAlert(ctx context.Context, alert *interfaces.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *MockAlertManager) GetActiveAlerts() ([]*interfaces.Alert, error) {
	args := m.Called()
	return args.Get(0).([]*interfaces.Alert), args.Error(1)
}

func (m *MockAlertManager) AcknowledgeAlert(alertID string) error {
	return m.Called(alertID).Error(0)
}

func scenarioCost() types.CostConfig {
	return types.CostConfig{SignatureCount: 3, ComputeUnits: 300_000, ComputeUnitPrice: 10_000}
}

func riskConfig() types.RiskCheckConfig {
	return types.RiskCheckConfig{
		MinProfitThreshold: 50_000,
		MaxPriorityFee:     100_000,
		MaxBid:             200_000,
		MaxSlippage:        0.01,
		MinLiquidity:       20_000,
		MinROI:             50,
	}
}

func opportunity(pair string, gross int64, age time.Duration) *types.ArbitrageOpportunity {
	return &types.ArbitrageOpportunity{
		TokenPair:         pair,
		InputMint:         "So11111111111111111111111111111111111111112",
		OutputMint:        "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		InputAmount:       1_000_000_000,
		ExpectedOutput:    1_000_000_000 + gross,
		GrossProfit:       gross,
		Route:             []string{"raydium", "orca"},
		PoolLiquidity:     100_000,
		EstimatedSlippage: 0.005,
		DiscoveredAt:      fixedNow.Add(-age),
	}
}

func newTestEngine(t *testing.T, config Config, opts ...Option) *Engine {
	t.Helper()

	gate, err := risk.NewGate(nil, risk.WithClock(clock))
	require.NoError(t, err)
	analyzer, err := profit.NewAnalyzer(nil)
	require.NoError(t, err)
	breaker, err := circuit.New(nil, circuit.WithClock(clock))
	require.NoError(t, err)
	bidder, err := bidding.NewOptimizer(nil, nil, bidding.WithClock(clock))
	require.NoError(t, err)

	if config.Cost == (types.CostConfig{}) {
		config.Cost = scenarioCost()
	}
	if config.Risk == (types.RiskCheckConfig{}) {
		config.Risk = riskConfig()
	}

	e, err := New(config, gate, analyzer, breaker, bidder, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return e
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil)
	assert.Error(t, err)

	gate, _ := risk.NewGate(nil)
	analyzer, _ := profit.NewAnalyzer(nil)
	breaker, _ := circuit.New(nil)
	bidder, _ := bidding.NewOptimizer(nil, nil)

	_, err = New(Config{CapitalTier: "whale"}, gate, analyzer, breaker, bidder)
	assert.Error(t, err)

	_, err = New(Config{RiskTolerance: 2}, gate, analyzer, breaker, bidder)
	assert.Error(t, err)

	e, err := New(Config{}, gate, analyzer, breaker, bidder)
	require.NoError(t, err)
	assert.Equal(t, types.CapitalSmall, e.Config().CapitalTier)
}

func TestEvaluate_Approved(t *testing.T) {
	observer := new(MockObserver)
	observer.On("ObserveEvaluation", "approved", true, mock.Anything).Once()
	observer.On("ObserveBid", int64(10_000), int64(469_400)).Once()

	e := newTestEngine(t, Config{}, WithObserver(observer))

	decision, err := e.Evaluate(context.Background(), opportunity("SOL/USDC", 500_000, time.Second), Signals{})
	require.NoError(t, err)

	assert.True(t, decision.Execute)
	assert.Equal(t, StageApproved, decision.Stage)
	assert.Equal(t, int64(10_000), decision.Bid)
	assert.Equal(t, types.SourceFallback, decision.TipSource)
	require.NotNil(t, decision.Analysis)
	assert.True(t, decision.Analysis.IsProfitable)
	assert.Equal(t, int64(28_100), decision.Analysis.TotalCost)
	assert.Equal(t, int64(469_400), decision.Analysis.NetProfit)
	require.NotNil(t, decision.RiskCheck)
	assert.True(t, decision.RiskCheck.Passed)
	assert.Equal(t, types.RiskLow, decision.RiskLevel)
	assert.Equal(t, fixedNow, decision.EvaluatedAt)
	observer.AssertExpectations(t)
}

func TestEvaluate_StaleOpportunity(t *testing.T) {
	e := newTestEngine(t, Config{})

	stale, err := e.Evaluate(context.Background(), opportunity("SOL/USDC", 500_000, 6*time.Second), Signals{})
	require.NoError(t, err)
	assert.False(t, stale.Execute)
	assert.Equal(t, StageValidation, stale.Stage)
	assert.Contains(t, stale.Reason, "expired")
	assert.Nil(t, stale.Analysis)

	fresh, err := e.Evaluate(context.Background(), opportunity("SOL/USDC", 500_000, 4*time.Second), Signals{})
	require.NoError(t, err)
	assert.True(t, fresh.Execute)
}

func TestEvaluate_Unprofitable(t *testing.T) {
	e := newTestEngine(t, Config{})

	decision, err := e.Evaluate(context.Background(), opportunity("SOL/USDC", 10_000, time.Second), Signals{})
	require.NoError(t, err)

	assert.False(t, decision.Execute)
	assert.Equal(t, StageAnalysis, decision.Stage)
	assert.Equal(t, int64(3_000), decision.Bid)
	assert.False(t, decision.Analysis.IsProfitable)
	assert.Nil(t, decision.RiskCheck)
}

func TestEvaluate_PreExecutionRejection(t *testing.T) {
	cfg := riskConfig()
	cfg.MinROI = 5_000
	e := newTestEngine(t, Config{Risk: cfg})

	decision, err := e.Evaluate(context.Background(), opportunity("SOL/USDC", 500_000, time.Second), Signals{})
	require.NoError(t, err)

	assert.False(t, decision.Execute)
	assert.Equal(t, StagePreExecution, decision.Stage)
	assert.Contains(t, decision.Reason, "ROI too low")
	require.NotNil(t, decision.RiskCheck)
	assert.False(t, decision.RiskCheck.Checks.ROI)
}

func TestEvaluate_SignalsRaiseBid(t *testing.T) {
	e := newTestEngine(t, Config{})
	opp := opportunity("SOL/USDC", 500_000, time.Second)

	calm, err := e.Evaluate(context.Background(), opp, Signals{})
	require.NoError(t, err)
	hot, err := e.Evaluate(context.Background(), opp, Signals{Competition: 1, Urgency: 1})
	require.NoError(t, err)

	assert.Equal(t, int64(10_000), calm.Bid)
	assert.Equal(t, int64(150_000), hot.Bid)
	assert.Less(t, hot.Analysis.NetProfit, calm.Analysis.NetProfit)
}

func TestEvaluate_BreakerOpen(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	for i := 0; i < circuit.DefaultMaxConsecutiveFailures; i++ {
		_, err := e.RecordOutcome(ctx, Outcome{TokenPair: "SOL/USDC", Bid: 10_000, Cost: 28_100})
		require.NoError(t, err)
	}
	require.Equal(t, circuit.StateOpen, e.Breaker().Status())

	decision, err := e.Evaluate(ctx, opportunity("SOL/USDC", 500_000, time.Second), Signals{})
	require.NoError(t, err)

	assert.False(t, decision.Execute)
	assert.Equal(t, StageBreaker, decision.Stage)
	assert.Contains(t, decision.Reason, "5m0s cooldown remaining")
}

func TestEvaluate_FallbackRaisesAlert(t *testing.T) {
	alerts := new(MockAlertManager)
	alerts.On("SendAlert", mock.Anything, mock.MatchedBy(func(a *interfaces.Alert) bool {
		return a.Type == interfaces.AlertTypeTipFeed
	})).Return(nil).Once()

	e := newTestEngine(t, Config{}, WithAlerts(alerts))

	_, err := e.Evaluate(context.Background(), opportunity("SOL/USDC", 500_000, time.Second), Signals{})
	require.NoError(t, err)
	alerts.AssertExpectations(t)
}

func TestEvaluate_BorrowsWhenCapitalShort(t *testing.T) {
	e := newTestEngine(t, Config{AvailableCapital: 500_000_000, RiskTolerance: 0.5})

	decision, err := e.Evaluate(context.Background(), opportunity("SOL/USDC", 500_000, time.Second), Signals{})
	require.NoError(t, err)

	assert.True(t, decision.CostConfig.UseFlashLoan)
	assert.Equal(t, int64(1_000_000_000), decision.CostConfig.FlashLoanAmount)
	assert.Equal(t, int64(900_000), decision.Analysis.Costs.FlashLoanFee)
	assert.Equal(t, StageAnalysis, decision.Stage)
	assert.Positive(t, decision.RecommendedAmount)
}

func TestSelectBest(t *testing.T) {
	e := newTestEngine(t, Config{})

	small := opportunity("BONK/SOL", 10_000, time.Second)
	good := opportunity("SOL/USDC", 500_000, time.Second)
	best := opportunity("JUP/SOL", 800_000, time.Second)
	stale := opportunity("WIF/SOL", 5_000_000, 10*time.Second)

	decision, err := e.SelectBest(context.Background(), []*types.ArbitrageOpportunity{small, good, stale, best}, Signals{})
	require.NoError(t, err)

	require.True(t, decision.Execute)
	assert.Equal(t, "JUP/SOL", decision.Opportunity.TokenPair)
	assert.Equal(t, int64(10_000), decision.Bid)
	assert.Equal(t, int64(767_900), decision.Analysis.NetProfit)
}

func TestSelectBest_NoneExecutable(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	decision, err := e.SelectBest(ctx, []*types.ArbitrageOpportunity{
		opportunity("A", 500_000, time.Minute),
		nil,
	}, Signals{})
	require.NoError(t, err)
	assert.False(t, decision.Execute)
	assert.Equal(t, StageValidation, decision.Stage)

	decision, err = e.SelectBest(ctx, []*types.ArbitrageOpportunity{opportunity("B", 10_000, time.Second)}, Signals{})
	require.NoError(t, err)
	assert.False(t, decision.Execute)
	assert.Equal(t, StageAnalysis, decision.Stage)
}

func TestSelectBest_SkipsCandidatesFailingGate(t *testing.T) {
	e := newTestEngine(t, Config{})

	risky := opportunity("RISKY/SOL", 900_000, time.Second)
	risky.EstimatedSlippage = 0.05
	safe := opportunity("SOL/USDC", 500_000, time.Second)

	decision, err := e.SelectBest(context.Background(), []*types.ArbitrageOpportunity{risky, safe}, Signals{})
	require.NoError(t, err)

	require.True(t, decision.Execute)
	assert.Equal(t, "SOL/USDC", decision.Opportunity.TokenPair)
}

func TestSelectBest_PricesFlashLoanPerCandidate(t *testing.T) {
	e := newTestEngine(t, Config{AvailableCapital: 500_000_000, RiskTolerance: 0.5})
	ctx := context.Background()

	borrower := opportunity("SOL/USDC", 500_000, time.Second)

	single, err := e.Evaluate(ctx, borrower, Signals{})
	require.NoError(t, err)
	batch, err := e.SelectBest(ctx, []*types.ArbitrageOpportunity{borrower}, Signals{})
	require.NoError(t, err)

	assert.False(t, batch.Execute)
	assert.Equal(t, single.Stage, batch.Stage)
	assert.Equal(t, StageAnalysis, batch.Stage)
	assert.True(t, batch.CostConfig.UseFlashLoan)
	assert.Equal(t, int64(-430_600), single.Analysis.NetProfit)

	owned := opportunity("JUP/SOL", 400_000, time.Second)
	owned.InputAmount = 100_000_000
	owned.ExpectedOutput = 100_000_000 + 400_000

	decision, err := e.SelectBest(ctx, []*types.ArbitrageOpportunity{borrower, owned}, Signals{})
	require.NoError(t, err)

	require.True(t, decision.Execute)
	assert.Equal(t, "JUP/SOL", decision.Opportunity.TokenPair)
	assert.False(t, decision.CostConfig.UseFlashLoan)
	assert.Zero(t, decision.Analysis.Costs.FlashLoanFee)
}

func TestRecordOutcome(t *testing.T) {
	observer := new(MockObserver)
	observer.On("ObserveBreakerState", "closed", int64(400_000), int64(0)).Once()

	e := newTestEngine(t, Config{}, WithObserver(observer))

	id, err := e.RecordOutcome(context.Background(), Outcome{
		TokenPair: "SOL/USDC",
		Success:   true,
		Bid:       10_000,
		Profit:    400_000,
	})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	stats := e.Bidder().HistoryStats("SOL/USDC")
	assert.Equal(t, 1, stats.TotalBundles)
	assert.Equal(t, 1.0, stats.SuccessRate)

	m := e.Breaker().Metrics()
	assert.Equal(t, 1, m.TotalAttempts)
	assert.Equal(t, int64(400_000), m.HourlyProfit)

	results := e.Bidder().History().Results("SOL/USDC")
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].BundleID)
	assert.Equal(t, fixedNow, results[0].Timestamp)
	observer.AssertExpectations(t)
}

func TestRecordOutcome_KeepsBundleID(t *testing.T) {
	e := newTestEngine(t, Config{})

	id, err := e.RecordOutcome(context.Background(), Outcome{BundleID: "bundle-1", TokenPair: "SOL/USDC", Bid: 5_000, Cost: 20_000})
	require.NoError(t, err)
	assert.Equal(t, "bundle-1", id)
	assert.Equal(t, 1, e.Breaker().Metrics().ConsecutiveFailures)
}

func TestRecordOutcome_Invalid(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := e.RecordOutcome(ctx, Outcome{Bid: 1_000})
	assert.Error(t, err)

	_, err = e.RecordOutcome(ctx, Outcome{TokenPair: "SOL/USDC", Cost: -1})
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.RecordOutcome(cancelled, Outcome{TokenPair: "SOL/USDC"})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, e.Breaker().Metrics().TotalAttempts)
}

func TestSignalsFromMetrics(t *testing.T) {
	s := SignalsFromMetrics(types.CompetitionMetrics{TokenPairVolume: 10_000_000}, 0.4)
	assert.InDelta(t, 0.3, s.Competition, 1e-9)
	assert.Equal(t, 0.4, s.Urgency)
}
