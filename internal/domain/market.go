// Package domain defines the value types shared by every component of the
// fletcher engine: platforms and outcomes, orderbook levels, the closed set of
// bus events, arbitrage opportunities, balance views, and lifecycle phases.
package domain

// Platform identifies one of the two prediction-market venues.
type Platform string

const (
	PlatformKalshi     Platform = "kalshi"
	PlatformPolymarket Platform = "polymarket"
)

// Platforms lists the supported venues in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformKalshi, PlatformPolymarket}
}

// Outcome is the logical binary outcome of a market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Opposite returns the other outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Side is the book side an order rests on.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// MarketPair binds one logical market to its venue-specific identifiers: the
// Kalshi ticker and the two Polymarket outcome token IDs. The pair's ID is
// the engine-internal market identifier used on every event.
type MarketPair struct {
	ID             string
	KalshiTicker   string
	PolyYesTokenID string
	PolyNoTokenID  string
}

// OutcomeForPolyToken maps a Polymarket token ID back to its logical outcome.
// The second return is false when the token does not belong to this pair.
func (p MarketPair) OutcomeForPolyToken(tokenID string) (Outcome, bool) {
	switch tokenID {
	case p.PolyYesTokenID:
		return OutcomeYes, true
	case p.PolyNoTokenID:
		return OutcomeNo, true
	}
	return "", false
}

// PolyTokenForOutcome maps a logical outcome to the Polymarket token ID.
func (p MarketPair) PolyTokenForOutcome(o Outcome) string {
	if o == OutcomeYes {
		return p.PolyYesTokenID
	}
	return p.PolyNoTokenID
}
