package market

import (
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// Outcomes holds the YES and NO books for one platform. Kalshi carries only
// a normalized YES book (its NO side is derived from the YES bid); Polymarket
// carries both.
type Outcomes struct {
	books map[domain.Outcome]*Book
}

func newOutcomes(outcomes ...domain.Outcome) *Outcomes {
	o := &Outcomes{books: make(map[domain.Outcome]*Book, len(outcomes))}
	for _, oc := range outcomes {
		o.books[oc] = NewBook()
	}
	return o
}

// Book returns the book for an outcome, or nil when the platform does not
// carry a direct book for it.
func (o *Outcomes) Book(outcome domain.Outcome) *Book {
	return o.books[outcome]
}

func (o *Outcomes) clear(at time.Time) {
	for _, b := range o.books {
		b.Clear(at)
	}
}

// State is the live state of one market pair across both platforms. It is
// mutated only by the Store on the bus dispatch goroutine.
type State struct {
	pair      domain.MarketPair
	platforms map[domain.Platform]*Outcomes
}

func newState(pair domain.MarketPair) *State {
	return &State{
		pair: pair,
		platforms: map[domain.Platform]*Outcomes{
			domain.PlatformKalshi:     newOutcomes(domain.OutcomeYes),
			domain.PlatformPolymarket: newOutcomes(domain.OutcomeYes, domain.OutcomeNo),
		},
	}
}

// Pair returns the market's venue-identity mapping.
func (s *State) Pair() domain.MarketPair { return s.pair }

// book returns the live book for a platform+outcome, or nil.
func (s *State) book(p domain.Platform, o domain.Outcome) *Book {
	outcomes, ok := s.platforms[p]
	if !ok {
		return nil
	}
	return outcomes.Book(o)
}

func (s *State) reset(at time.Time) {
	for _, outcomes := range s.platforms {
		outcomes.clear(at)
	}
}

// view builds a deep-copied MarketView of every book's top.
func (s *State) view() domain.MarketView {
	v := domain.MarketView{
		MarketID: s.pair.ID,
		Books:    make(map[domain.Platform]map[domain.Outcome]domain.BookView, len(s.platforms)),
	}
	for p, outcomes := range s.platforms {
		byOutcome := make(map[domain.Outcome]domain.BookView, len(outcomes.books))
		for o, b := range outcomes.books {
			byOutcome[o] = b.View()
		}
		v.Books[p] = byOutcome
	}
	return v
}
