package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the closed set of bus events. Dispatch is by kind
// plus an exhaustive type switch on the concrete event; there is no
// reflection-based routing.
type EventKind string

const (
	KindBookSnapshotReceived EventKind = "book_snapshot_received"
	KindBookDeltaReceived    EventKind = "book_delta_received"
	KindMarketBookUpdated    EventKind = "market_book_updated"
	KindOpportunityFound     EventKind = "opportunity_found"
	KindExecuteTrade         EventKind = "execute_trade"
	KindTradeResult          EventKind = "trade_result"
	KindResyncRequested      EventKind = "resync_requested"
	KindPhaseChanged         EventKind = "phase_changed"
	KindHandlerFailed        EventKind = "handler_failed"
)

// monoStart anchors the process-local monotonic clock. Wall and monotonic
// stamps are captured independently: the wall clock may jump under NTP
// adjustment, the monotonic reading never does.
var monoStart = time.Now()

// EventMeta is embedded in every event: a unique ID, a wall-clock timestamp
// for correlation, and a monotonic reading for latency measurement.
type EventMeta struct {
	ID   uuid.UUID
	Wall time.Time
	Mono time.Duration
}

// NewEventMeta captures both clocks at the moment of event creation.
func NewEventMeta() EventMeta {
	return EventMeta{
		ID:   uuid.New(),
		Wall: time.Now().UTC(),
		Mono: time.Since(monoStart),
	}
}

// Meta returns the event metadata; it makes EventMeta satisfy the Event
// interface for every embedding struct.
func (m EventMeta) Meta() EventMeta { return m }

// Event is the sealed interface implemented by every bus message. The
// unexported isEvent method keeps the set closed to this package.
type Event interface {
	Kind() EventKind
	Meta() EventMeta
	isEvent()
}

// BookSnapshotReceived carries a full replacement of one outcome book,
// produced by an ingestion adapter on (re)connect.
type BookSnapshotReceived struct {
	EventMeta
	MarketID   string
	Platform   Platform
	Outcome    Outcome
	Bids       []PriceLevel
	Asks       []PriceLevel
	SourceTime time.Time
}

func (BookSnapshotReceived) Kind() EventKind { return KindBookSnapshotReceived }
func (BookSnapshotReceived) isEvent()        {}

// BookDeltaReceived carries one incremental price-level change. Size is the
// new, final size at the level; zero removes the level.
type BookDeltaReceived struct {
	EventMeta
	MarketID   string
	Platform   Platform
	Outcome    Outcome
	Side       Side
	Price      float64
	Size       float64
	SourceTime time.Time
}

func (BookDeltaReceived) Kind() EventKind { return KindBookDeltaReceived }
func (BookDeltaReceived) isEvent()        {}

// MarketBookUpdated signals that a market's top-of-book changed and it
// should be re-evaluated for arbitrage.
type MarketBookUpdated struct {
	EventMeta
	MarketID string
	Platform Platform
}

func (MarketBookUpdated) Kind() EventKind { return KindMarketBookUpdated }
func (MarketBookUpdated) isEvent()        {}

// OpportunityFound is published by the monitor exactly once per lock
// acquisition.
type OpportunityFound struct {
	EventMeta
	Opportunity ArbitrageOpportunity
}

func (OpportunityFound) Kind() EventKind { return KindOpportunityFound }
func (OpportunityFound) isEvent()        {}

// ExecuteTrade is the command mirrored onto the bus for one leg submitted to
// the trade gateway, so external subscribers can observe execution activity.
type ExecuteTrade struct {
	EventMeta
	Order OrderRequest
}

func (ExecuteTrade) Kind() EventKind { return KindExecuteTrade }
func (ExecuteTrade) isEvent()        {}

// TradeResultEvent reports the final classified outcome of one opportunity's
// execution attempt. Exactly one is published per opportunity.
type TradeResultEvent struct {
	EventMeta
	Result TradeResult
}

func (TradeResultEvent) Kind() EventKind { return KindTradeResult }
func (TradeResultEvent) isEvent()        {}

// ResyncRequested instructs the ingestion adapters to drop their books for a
// market and fetch fresh snapshots. Published by the orchestrator on
// cool-down completion.
type ResyncRequested struct {
	EventMeta
	MarketID string
}

func (ResyncRequested) Kind() EventKind { return KindResyncRequested }
func (ResyncRequested) isEvent()        {}

// PhaseChanged reports a lifecycle transition for one market.
type PhaseChanged struct {
	EventMeta
	MarketID string
	From     MarketPhase
	To       MarketPhase
	Reason   string
}

func (PhaseChanged) Kind() EventKind { return KindPhaseChanged }
func (PhaseChanged) isEvent()        {}

// HandlerFailed is published by the bus when a subscriber returns an error
// or panics, so failures are observable without halting dispatch.
type HandlerFailed struct {
	EventMeta
	FailedKind EventKind
	Err        string
}

func (HandlerFailed) Kind() EventKind { return KindHandlerFailed }
func (HandlerFailed) isEvent()        {}
