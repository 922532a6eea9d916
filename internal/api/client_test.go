package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-engine/arb-economics/internal/config"
	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/types"
)

func TestClient(t *testing.T) {
	ts := newTestServer(t, nil, config.ServerConfig{})
	httpServer := httptest.NewServer(ts.server.GetRouter())
	defer httpServer.Close()

	client := NewClient(httpServer.URL+"/", time.Second)
	assert.Equal(t, httpServer.URL, client.BaseURL())
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, circuit.StateClosed, health.BreakerState)

	for i := 0; i < 2; i++ {
		resp, err := client.RecordOutcome(ctx, failure("SOL/USDC"))
		require.NoError(t, err)
		assert.NotEmpty(t, resp.BundleID)
	}

	status, err := client.Breaker(ctx)
	require.NoError(t, err)
	assert.Equal(t, circuit.StateOpen, status.State)
	assert.True(t, status.ShouldBreak)

	snapshot, err := client.ExportBreaker(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.Metrics.ConsecutiveFailures)

	status, err = client.ResetBreaker(ctx)
	require.NoError(t, err)
	assert.Equal(t, circuit.StateClosed, status.State)

	tips, err := client.Tips(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, types.SourceFallback, tips.Source)
	assert.Equal(t, int64(36_000), tips.Lamports["p75"])

	summary, err := client.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.BundlesFailed)

	_, err = client.Evaluate(ctx, EvaluateRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opportunity or opportunities is required")

	alerts, err := client.Alerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestClient_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "metrics are disabled")
	}))
	defer server.Close()

	_, err := NewClient(server.URL, time.Second).Summary(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics are disabled")

	server.Close()
	_, err = NewClient(server.URL, time.Second).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach engine")
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient("", 0)
	assert.Equal(t, DefaultBaseURL, client.BaseURL())
	assert.Equal(t, 5*time.Second, client.http.Timeout)
}
