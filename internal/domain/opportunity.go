package domain

import "time"

// Leg is one side of a two-leg buy-both trade: a single buy order on one
// platform and outcome, at the locked price with the displayed size.
type Leg struct {
	Platform Platform
	Outcome  Outcome
	Price    float64
	Size     float64
}

// ArbitrageOpportunity is the immutable record of a detected buy-both
// opportunity. Created by the monitor, consumed by the executor, never
// mutated.
type ArbitrageOpportunity struct {
	ID           string
	MarketID     string
	BuyYes       Leg
	BuyNo        Leg
	Cost         float64 // BuyYes.Price + BuyNo.Price
	FeeRate      float64 // pairing-level fee rate applied to the cost
	Profit       float64 // 1 - Cost/(1-FeeRate)
	Size         float64 // min of the two legs' displayed size
	DetectedAt   time.Time
	DetectedMono time.Duration
}

// Legs returns both legs in a stable order (YES leg first).
func (o ArbitrageOpportunity) Legs() [2]Leg {
	return [2]Leg{o.BuyYes, o.BuyNo}
}

// OrderRequest is one leg's buy order as submitted to the trade gateway.
type OrderRequest struct {
	OpportunityID string
	ClientOrderID string
	MarketID      string
	Platform      Platform
	Outcome       Outcome
	Side          Side
	Price         float64
	Size          float64
}

// Fill is the gateway's answer for one submitted order.
type Fill struct {
	Filled     bool
	FilledSize float64
	AvgPrice   float64
	OrderID    string
	Err        string
}

// Exposed reports whether any quantity actually filled. A partial taker
// fill leaves real exposure even though Filled is false.
func (f Fill) Exposed() bool { return f.FilledSize > 0 }

// Spend returns the capital actually consumed by the fill, counting
// partial fills.
func (f Fill) Spend() float64 {
	if f.FilledSize <= 0 {
		return 0
	}
	return f.FilledSize * f.AvgPrice
}

// TradeOutcome classifies the result of one opportunity's execution attempt.
type TradeOutcome string

const (
	// TradeFilled: both legs filled at or better than the locked price.
	TradeFilled TradeOutcome = "FILLED"
	// TradePartial: exactly one leg filled. The engine holds one-sided
	// exposure and must unwind or flag the market compromised.
	TradePartial TradeOutcome = "PARTIAL"
	// TradeFailed: neither leg filled.
	TradeFailed TradeOutcome = "FAILED"
	// TradeAborted: execution never started (reservation declined or zero
	// size); no order reached a venue.
	TradeAborted TradeOutcome = "ABORTED"
)

// LegResult pairs a submitted leg with its fill.
type LegResult struct {
	Leg  Leg
	Fill Fill
}

// TradeResult is the final record of one opportunity's execution attempt.
type TradeResult struct {
	OpportunityID string
	MarketID      string
	Outcome       TradeOutcome
	Reason        string
	YesLeg        *LegResult
	NoLeg         *LegResult
	Compromised   bool // true when a PARTIAL fill left unresolved exposure
	CompletedAt   time.Time
}
