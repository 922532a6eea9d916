package bidding

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-engine/arb-economics/pkg/types"
)

func TestHistory_EvictsOldest(t *testing.T) {
	h, err := NewHistory(3, 10)
	require.NoError(t, err)

	for bid := int64(1); bid <= 5; bid++ {
		h.Record(types.BundleResult{TokenPair: "SOL/USDC", Bid: bid})
	}

	assert.Equal(t, 3, h.Len("SOL/USDC"))
	results := h.Results("SOL/USDC")
	require.Len(t, results, 3)
	assert.Equal(t, int64(3), results[0].Bid)
	assert.Equal(t, int64(4), results[1].Bid)
	assert.Equal(t, int64(5), results[2].Bid)
}

func TestHistory_BoundsTrackedPairs(t *testing.T) {
	h, err := NewHistory(5, 2)
	require.NoError(t, err)

	h.Record(types.BundleResult{TokenPair: "A", Bid: 1})
	h.Record(types.BundleResult{TokenPair: "B", Bid: 2})
	h.Record(types.BundleResult{TokenPair: "A", Bid: 3})
	h.Record(types.BundleResult{TokenPair: "C", Bid: 4})

	assert.Equal(t, []string{"A", "C"}, h.Pairs())
	assert.Nil(t, h.Results("B"))
	assert.Equal(t, 2, h.Len("A"))
}

func TestHistory_InvalidCapacity(t *testing.T) {
	_, err := NewHistory(0, 10)
	assert.Error(t, err)

	_, err = NewHistory(10, 0)
	assert.Error(t, err)
}

func TestHistory_ResultsAreCopies(t *testing.T) {
	h, err := NewHistory(3, 10)
	require.NoError(t, err)
	h.Record(types.BundleResult{TokenPair: "SOL/USDC", Bid: 1})

	results := h.Results("SOL/USDC")
	results[0].Bid = 99

	assert.Equal(t, int64(1), h.Results("SOL/USDC")[0].Bid)
}

func TestHistory_ConcurrentAccess(t *testing.T) {
	h, err := NewHistory(50, 4)
	require.NoError(t, err)

	pairs := []string{"A", "B", "C", "D"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h.Record(types.BundleResult{TokenPair: pairs[(i+j)%len(pairs)], Bid: int64(j), Success: j%2 == 0})
				_ = h.Stats("")
			}
		}(i)
	}
	wg.Wait()

	for _, p := range pairs {
		assert.Equal(t, 50, h.Len(p))
	}
	assert.Equal(t, 200, h.Stats("").TotalBundles)
}
