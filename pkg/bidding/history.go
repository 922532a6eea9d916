package bidding

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mev-engine/arb-economics/pkg/types"
)

// ring is a fixed-capacity circular buffer of bundle results. The oldest
// entry is overwritten once the buffer is full.
type ring struct {
	buf   []types.BundleResult
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]types.BundleResult, capacity)}
}

func (r *ring) push(result types.BundleResult) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = result
		r.size++
		return
	}
	r.buf[r.start] = result
	r.start = (r.start + 1) % len(r.buf)
}

// items returns a copy ordered oldest to newest
func (r *ring) items() []types.BundleResult {
	out := make([]types.BundleResult, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// History stores bundle outcomes per token pair. Each pair keeps at most
// capacity results; at most maxPairs pairs are tracked, least recently
// recorded pairs are dropped first.
type History struct {
	mu       sync.RWMutex
	capacity int
	pairs    *lru.Cache
}

// NewHistory creates a bounded bundle history
func NewHistory(capacity, maxPairs int) (*History, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("history capacity must be >= 1, got %d", capacity)
	}
	pairs, err := lru.New(maxPairs)
	if err != nil {
		return nil, fmt.Errorf("failed to create pair cache: %w", err)
	}
	return &History{capacity: capacity, pairs: pairs}, nil
}

// Record appends a result to its pair's buffer
func (h *History) Record(result types.BundleResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if v, ok := h.pairs.Get(result.TokenPair); ok {
		v.(*ring).push(result)
		return
	}
	r := newRing(h.capacity)
	r.push(result)
	h.pairs.Add(result.TokenPair, r)
}

// Results returns a pair's results oldest first. An empty pair selects every
// tracked pair.
func (h *History) Results(tokenPair string) []types.BundleResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if tokenPair != "" {
		v, ok := h.pairs.Peek(tokenPair)
		if !ok {
			return nil
		}
		return v.(*ring).items()
	}

	var all []types.BundleResult
	for _, key := range h.pairs.Keys() {
		if v, ok := h.pairs.Peek(key); ok {
			all = append(all, v.(*ring).items()...)
		}
	}
	return all
}

// Len returns the number of results stored for a pair
func (h *History) Len(tokenPair string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if v, ok := h.pairs.Peek(tokenPair); ok {
		return v.(*ring).size
	}
	return 0
}

// Pairs returns the tracked token pairs, least recently recorded first
func (h *History) Pairs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := h.pairs.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.(string))
	}
	return out
}

// Clear drops a pair's results, or everything when tokenPair is empty
func (h *History) Clear(tokenPair string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if tokenPair == "" {
		h.pairs.Purge()
		return
	}
	h.pairs.Remove(tokenPair)
}

// Stats aggregates results for a pair, or all pairs when tokenPair is empty
func (h *History) Stats(tokenPair string) types.HistoryStats {
	return computeStats(h.Results(tokenPair))
}

func computeStats(results []types.BundleResult) types.HistoryStats {
	if len(results) == 0 {
		return types.HistoryStats{}
	}

	var total, successTotal, failedTotal float64
	var successes, failures int
	for _, r := range results {
		total += float64(r.Bid)
		if r.Success {
			successes++
			successTotal += float64(r.Bid)
		} else {
			failures++
			failedTotal += float64(r.Bid)
		}
	}

	stats := types.HistoryStats{
		TotalBundles: len(results),
		SuccessRate:  float64(successes) / float64(len(results)),
		AvgBid:       total / float64(len(results)),
	}
	if successes > 0 {
		stats.AvgSuccessBid = successTotal / float64(successes)
	}
	if failures > 0 {
		stats.AvgFailedBid = failedTotal / float64(failures)
	}
	return stats
}
