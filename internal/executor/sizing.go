package executor

import "math"

// TradeSize computes the number of contracts for one opportunity. The rule
// scales sub-linearly with both available capital and displayed depth, so a
// deep book never draws the full wallet and a flush wallet never sweeps a
// thin book:
//
//	size = floor(sqrt(depth * available))
//
// capped by the displayed depth and the configured per-trade maximum.
func TradeSize(available, depth, maxTradeSize float64) float64 {
	if available <= 0 || depth <= 0 {
		return 0
	}
	size := math.Floor(math.Sqrt(depth * available))
	if size > depth {
		size = math.Floor(depth)
	}
	if maxTradeSize > 0 && size > maxTradeSize {
		size = maxTradeSize
	}
	return size
}
