package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

type fakeTradeWriter struct {
	recorded []domain.TradeResult
	err      error
}

func (f *fakeTradeWriter) Record(_ context.Context, res domain.TradeResult) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, res)
	return nil
}

type fakeOppWriter struct {
	recorded []domain.ArbitrageOpportunity
}

func (f *fakeOppWriter) Record(_ context.Context, opp domain.ArbitrageOpportunity) error {
	f.recorded = append(f.recorded, opp)
	return nil
}

func TestRecorderPersistsOpportunityAndTrade(t *testing.T) {
	trades := &fakeTradeWriter{}
	opps := &fakeOppWriter{}
	r := NewRecorder(trades, opps, testLogger())

	err := r.HandleEvent(context.Background(), domain.OpportunityFound{
		EventMeta:   domain.NewEventMeta(),
		Opportunity: domain.ArbitrageOpportunity{ID: "opp-1", MarketID: "m1"},
	})
	if err != nil {
		t.Fatalf("HandleEvent opportunity: %v", err)
	}

	err = r.HandleEvent(context.Background(), domain.TradeResultEvent{
		EventMeta: domain.NewEventMeta(),
		Result: domain.TradeResult{
			OpportunityID: "opp-1",
			MarketID:      "m1",
			Outcome:       domain.TradeFilled,
			CompletedAt:   time.Now().UTC(),
		},
	})
	if err != nil {
		t.Fatalf("HandleEvent trade: %v", err)
	}

	if len(opps.recorded) != 1 || opps.recorded[0].ID != "opp-1" {
		t.Fatalf("opportunities recorded = %+v", opps.recorded)
	}
	if len(trades.recorded) != 1 || trades.recorded[0].Outcome != domain.TradeFilled {
		t.Fatalf("trades recorded = %+v", trades.recorded)
	}
}

func TestRecorderIgnoresOtherKinds(t *testing.T) {
	trades := &fakeTradeWriter{}
	opps := &fakeOppWriter{}
	r := NewRecorder(trades, opps, testLogger())

	err := r.HandleEvent(context.Background(), domain.ResyncRequested{
		EventMeta: domain.NewEventMeta(),
		MarketID:  "m1",
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(trades.recorded) != 0 || len(opps.recorded) != 0 {
		t.Fatal("unexpected writes for unrelated event")
	}
}

func TestRecorderPropagatesStoreError(t *testing.T) {
	wantErr := errors.New("db down")
	trades := &fakeTradeWriter{err: wantErr}
	r := NewRecorder(trades, &fakeOppWriter{}, testLogger())

	err := r.HandleEvent(context.Background(), domain.TradeResultEvent{
		EventMeta: domain.NewEventMeta(),
		Result:    domain.TradeResult{OpportunityID: "opp-1"},
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("HandleEvent error = %v, want %v", err, wantErr)
	}
}

type fakeVenues struct {
	truths map[domain.Platform]domain.BalanceTruth
	err    error
}

func (f *fakeVenues) LatestTruth(_ context.Context, p domain.Platform) (domain.BalanceTruth, error) {
	if f.err != nil {
		return domain.BalanceTruth{}, f.err
	}
	return f.truths[p], nil
}

type fakeTruthWriter struct {
	recorded []domain.BalanceTruth
}

func (f *fakeTruthWriter) RecordTruth(_ context.Context, truth domain.BalanceTruth) error {
	f.recorded = append(f.recorded, truth)
	return nil
}

func TestTruthPollerRecordsBothPlatforms(t *testing.T) {
	venues := &fakeVenues{truths: map[domain.Platform]domain.BalanceTruth{
		domain.PlatformKalshi:     {Platform: domain.PlatformKalshi, Available: 1234.56},
		domain.PlatformPolymarket: {Platform: domain.PlatformPolymarket, Available: 250},
	}}
	store := &fakeTruthWriter{}

	p := NewTruthPoller(venues, store, time.Minute, testLogger())
	p.poll(context.Background())

	if len(store.recorded) != 2 {
		t.Fatalf("recorded %d truths, want 2", len(store.recorded))
	}
}

func TestTruthPollerSkipsFailedVenue(t *testing.T) {
	venues := &fakeVenues{err: errors.New("venue down")}
	store := &fakeTruthWriter{}

	p := NewTruthPoller(venues, store, time.Minute, testLogger())
	p.poll(context.Background())

	if len(store.recorded) != 0 {
		t.Fatalf("recorded %d truths, want 0", len(store.recorded))
	}
}
