// Package market maintains the live cross-venue state for every tracked
// market pair: sorted orderbook ladders per platform and outcome, snapshot
// and delta application with pre-snapshot buffering, and copied read views
// for the strategy layer.
package market

import (
	"sort"
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// Book is one outcome's orderbook: bids sorted descending, asks ascending.
// A level with size zero is removed, never stored. Book is not safe for
// concurrent use; the Store serializes access.
type Book struct {
	bids       []domain.PriceLevel // descending by price
	asks       []domain.PriceLevel // ascending by price
	hasBase    bool                // a snapshot has been applied
	lastUpdate time.Time
}

// NewBook returns an empty book with no snapshot base.
func NewBook() *Book { return &Book{} }

// HasBase reports whether a snapshot has established the book's causal base.
func (b *Book) HasBase() bool { return b.hasBase }

// LastUpdate returns the time of the most recent mutation.
func (b *Book) LastUpdate() time.Time { return b.lastUpdate }

// ApplySnapshot atomically replaces both sides. Levels with zero size are
// dropped; the rest are sorted into ladder order. A crossed snapshot, best
// bid at or above best ask, is rejected wholesale with ErrCrossedBook and
// the book keeps its previous state: crossed venue data is corrupt and
// would read as phantom edge downstream.
func (b *Book) ApplySnapshot(bids, asks []domain.PriceLevel, at time.Time) error {
	nb := cloneNonZero(bids)
	na := cloneNonZero(asks)
	sort.Slice(nb, func(i, j int) bool { return nb[i].Price > nb[j].Price })
	sort.Slice(na, func(i, j int) bool { return na[i].Price < na[j].Price })
	if len(nb) > 0 && len(na) > 0 && nb[0].Price >= na[0].Price {
		return domain.ErrCrossedBook
	}
	b.bids = nb
	b.asks = na
	b.hasBase = true
	b.lastUpdate = at
	return nil
}

// ApplyDelta upserts or removes a single level. Size is the new final size
// at the price; zero removes. Applying a delta whose content matches the
// existing level is a no-op apart from the update time.
func (b *Book) ApplyDelta(side domain.Side, price, size float64, at time.Time) {
	if side == domain.SideBuy {
		b.bids = upsert(b.bids, price, size, func(a, c float64) bool { return a > c })
	} else {
		b.asks = upsert(b.asks, price, size, func(a, c float64) bool { return a < c })
	}
	b.lastUpdate = at
}

// Clear empties both sides and drops the snapshot base, so subsequent
// deltas are buffered again until a fresh snapshot lands.
func (b *Book) Clear(at time.Time) {
	b.bids = nil
	b.asks = nil
	b.hasBase = false
	b.lastUpdate = at
}

// TopOfBook returns the best bid and ask. An empty side yields a zero Quote.
func (b *Book) TopOfBook() domain.TopOfBook {
	var top domain.TopOfBook
	if len(b.bids) > 0 {
		top.Bid = domain.Quote{Price: b.bids[0].Price, Size: b.bids[0].Size}
	}
	if len(b.asks) > 0 {
		top.Ask = domain.Quote{Price: b.asks[0].Price, Size: b.asks[0].Size}
	}
	return top
}

// Depth returns the number of levels on each side.
func (b *Book) Depth() (bids, asks int) { return len(b.bids), len(b.asks) }

// View returns a copied read-only view of the book's top plus update time.
func (b *Book) View() domain.BookView {
	return domain.BookView{Top: b.TopOfBook(), LastUpdate: b.lastUpdate}
}

// upsert inserts, replaces, or removes the level at price in a ladder kept
// sorted by the before comparator (strict ladder order).
func upsert(ladder []domain.PriceLevel, price, size float64, before func(a, b float64) bool) []domain.PriceLevel {
	idx := sort.Search(len(ladder), func(i int) bool {
		return !before(ladder[i].Price, price)
	})
	exists := idx < len(ladder) && ladder[idx].Price == price

	switch {
	case size == 0 && exists:
		return append(ladder[:idx], ladder[idx+1:]...)
	case size == 0:
		return ladder
	case exists:
		ladder[idx].Size = size
		return ladder
	default:
		ladder = append(ladder, domain.PriceLevel{})
		copy(ladder[idx+1:], ladder[idx:])
		ladder[idx] = domain.PriceLevel{Price: price, Size: size}
		return ladder
	}
}

func cloneNonZero(levels []domain.PriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Size > 0 {
			out = append(out, l)
		}
	}
	return out
}
