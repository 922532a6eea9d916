package bidding

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mev-engine/arb-economics/pkg/types"
)

// DefaultTipFloorURL is the public landed-tip percentile endpoint
const DefaultTipFloorURL = "https://bundles.jito.wtf/api/v1/bundles/tip_floor"

const maxTipFloorBody = 64 * 1024

// tipFloorEntry mirrors one element of the tip_floor response array
type tipFloorEntry struct {
	Time  string  `json:"time"`
	P25   float64 `json:"landed_tips_25th_percentile"`
	P50   float64 `json:"landed_tips_50th_percentile"`
	P75   float64 `json:"landed_tips_75th_percentile"`
	P95   float64 `json:"landed_tips_95th_percentile"`
	P99   float64 `json:"landed_tips_99th_percentile"`
	EMA50 float64 `json:"ema_landed_tips_50th_percentile"`
}

func (e tipFloorEntry) snapshot() types.TipSnapshot {
	ts, err := time.Parse(time.RFC3339Nano, e.Time)
	if err != nil {
		ts = time.Now()
	}
	return types.TipSnapshot{
		Time:  ts,
		P25:   e.P25,
		P50:   e.P50,
		P75:   e.P75,
		P95:   e.P95,
		P99:   e.P99,
		EMA50: e.EMA50,
	}
}

// HTTPTipFeed polls the tip floor REST endpoint
type HTTPTipFeed struct {
	url    string
	client *http.Client
}

// NewHTTPTipFeed creates a feed for url. A nil client gets a 5s timeout.
func NewHTTPTipFeed(url string, client *http.Client) *HTTPTipFeed {
	if url == "" {
		url = DefaultTipFloorURL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPTipFeed{url: url, client: client}
}

// FetchTipSnapshot implements interfaces.TipFeed
func (f *HTTPTipFeed) FetchTipSnapshot(ctx context.Context) (types.TipSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return types.TipSnapshot{}, fmt.Errorf("failed to build tip floor request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "arb-engine/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return types.TipSnapshot{}, fmt.Errorf("failed to fetch tip floor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.TipSnapshot{}, fmt.Errorf("tip floor returned status %d", resp.StatusCode)
	}

	var entries []tipFloorEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTipFloorBody)).Decode(&entries); err != nil {
		return types.TipSnapshot{}, fmt.Errorf("failed to decode tip floor: %w", err)
	}
	if len(entries) == 0 {
		return types.TipSnapshot{}, fmt.Errorf("%w: empty tip floor response", ErrInvalidSnapshot)
	}

	return entries[0].snapshot(), nil
}
