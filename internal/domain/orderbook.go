package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook ladder.
type PriceLevel struct {
	Price float64
	Size  float64
}

// Quote is one side of a top-of-book: best price and the size resting there.
// A zero Quote (Size == 0) means the side is empty.
type Quote struct {
	Price float64
	Size  float64
}

// Empty reports whether the quote side has no resting liquidity.
func (q Quote) Empty() bool { return q.Size == 0 }

// TopOfBook is the best bid and best ask of one outcome book.
type TopOfBook struct {
	Bid Quote
	Ask Quote
}

// BookView is a read-only copy of one outcome book's top of book plus its
// last-update time, used by the monitor for staleness checks. It is a value
// type; mutating it has no effect on the live book.
type BookView struct {
	Top        TopOfBook
	LastUpdate time.Time
}

// MarketView is a copied, consistent view of one market's books across both
// platforms, handed to readers by the market store. Absent books have a zero
// BookView.
type MarketView struct {
	MarketID string
	Books    map[Platform]map[Outcome]BookView
}

// Book returns the view for one platform+outcome book. The second return is
// false when the market has no such book.
func (v MarketView) Book(p Platform, o Outcome) (BookView, bool) {
	byOutcome, ok := v.Books[p]
	if !ok {
		return BookView{}, false
	}
	bv, ok := byOutcome[o]
	return bv, ok
}

// Ask returns the best ask quote for a platform+outcome, or an empty quote.
func (v MarketView) Ask(p Platform, o Outcome) Quote {
	bv, ok := v.Book(p, o)
	if !ok {
		return Quote{}
	}
	return bv.Top.Ask
}

// Bid returns the best bid quote for a platform+outcome, or an empty quote.
func (v MarketView) Bid(p Platform, o Outcome) Quote {
	bv, ok := v.Book(p, o)
	if !ok {
		return Quote{}
	}
	return bv.Top.Bid
}

// DerivedNoAsk computes the implied cost of buying NO on a platform that
// carries only a YES book: buying NO is equivalent to selling YES, so the
// implied NO ask is 1 minus the YES best bid, sized to the bid's liquidity.
// Returns an empty quote when the YES bid side is empty.
func (v MarketView) DerivedNoAsk(p Platform) Quote {
	bid := v.Bid(p, OutcomeYes)
	if bid.Empty() {
		return Quote{}
	}
	return Quote{Price: 1.0 - bid.Price, Size: bid.Size}
}
