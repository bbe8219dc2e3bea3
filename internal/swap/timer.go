package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/chainsquad/swapchain/internal/backend"
)

// DefaultMedianWindow is the number of recent blocks the median block time
// is computed over.
const DefaultMedianWindow = 10

// Timer derives the two timelocks from a target confirmation horizon.
// It is stateless given adapter responses; repeated calls may yield different
// values as the chain moves.
type Timer struct {
	horizon uint32
	window  int
}

// NewTimer creates a timer for a confirmation horizon in Bitcoin blocks.
func NewTimer(horizon uint32) *Timer {
	return &Timer{horizon: horizon, window: DefaultMedianWindow}
}

// ToBTC returns the horizon as a Bitcoin block count.
func (t *Timer) ToBTC() uint32 {
	return t.horizon
}

// ToBTS converts the horizon to seconds using the median interval of the
// last blocks, queried through the Bitcoin chain adapter.
func (t *Timer) ToBTS(ctx context.Context, chain backend.BitcoinChain) (uint32, error) {
	median, err := chain.GetMedianBlockTime(ctx, t.window)
	if err != nil {
		return 0, fmt.Errorf("failed to derive BTS timelock: %w", err)
	}

	seconds := uint32(time.Duration(t.horizon) * median / time.Second)
	if seconds == 0 {
		seconds = 1
	}
	return seconds, nil
}
