package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTradeSource struct {
	trades []domain.TradeResult
}

func (f *fakeTradeSource) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.TradeResult, error) {
	var out []domain.TradeResult
	for _, tr := range f.trades {
		if tr.CompletedAt.Before(cutoff) {
			out = append(out, tr)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTradeSource) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []domain.TradeResult
	var deleted int64
	for _, tr := range f.trades {
		if tr.CompletedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, tr)
	}
	f.trades = kept
	return deleted, nil
}

type fakeOppSource struct {
	opps []domain.ArbitrageOpportunity
}

func (f *fakeOppSource) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.ArbitrageOpportunity, error) {
	var out []domain.ArbitrageOpportunity
	for _, opp := range f.opps {
		if opp.DetectedAt.Before(cutoff) {
			out = append(out, opp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeOppSource) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []domain.ArbitrageOpportunity
	var deleted int64
	for _, opp := range f.opps {
		if opp.DetectedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, opp)
	}
	f.opps = kept
	return deleted, nil
}

type fakePruner struct {
	pruned bool
}

func (f *fakePruner) PruneBefore(context.Context, time.Time) error {
	f.pruned = true
	return nil
}

type fakeBlob struct {
	keys  []string
	lines [][][]byte
}

func (f *fakeBlob) PutJSONLines(_ context.Context, key string, lines [][]byte) error {
	f.keys = append(f.keys, key)
	f.lines = append(f.lines, lines)
	return nil
}

func TestArchiverRunDrainsOldRows(t *testing.T) {
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)

	trades := &fakeTradeSource{trades: []domain.TradeResult{
		{OpportunityID: "opp-1", MarketID: "m1", Outcome: domain.TradeFilled, CompletedAt: old},
		{OpportunityID: "opp-2", MarketID: "m1", Outcome: domain.TradeFailed, CompletedAt: recent},
	}}
	opps := &fakeOppSource{opps: []domain.ArbitrageOpportunity{
		{ID: "opp-1", MarketID: "m1", DetectedAt: old},
		{ID: "opp-2", MarketID: "m1", DetectedAt: recent},
	}}
	pruner := &fakePruner{}
	blob := &fakeBlob{}

	a := NewArchiver(trades, opps, pruner, blob, 30, testLogger())
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(trades.trades) != 1 || trades.trades[0].OpportunityID != "opp-2" {
		t.Fatalf("expected only recent trade kept, got %+v", trades.trades)
	}
	if len(opps.opps) != 1 || opps.opps[0].ID != "opp-2" {
		t.Fatalf("expected only recent opportunity kept, got %+v", opps.opps)
	}
	if !pruner.pruned {
		t.Fatal("expected balance truth pruned")
	}

	if len(blob.keys) != 2 {
		t.Fatalf("expected 2 archive objects, got %v", blob.keys)
	}
	wantDate := old.Format("2006/01/02")
	if !strings.HasPrefix(blob.keys[0], "archive/trades/"+wantDate+"/") {
		t.Fatalf("unexpected trade key %q", blob.keys[0])
	}
	if !strings.HasPrefix(blob.keys[1], "archive/opportunities/"+wantDate+"/") {
		t.Fatalf("unexpected opportunity key %q", blob.keys[1])
	}

	var tr domain.TradeResult
	if err := json.Unmarshal(blob.lines[0][0], &tr); err != nil {
		t.Fatalf("unmarshal archived trade: %v", err)
	}
	if tr.OpportunityID != "opp-1" {
		t.Fatalf("archived trade = %q, want opp-1", tr.OpportunityID)
	}
}

func TestArchiverRunNothingToArchive(t *testing.T) {
	trades := &fakeTradeSource{}
	opps := &fakeOppSource{}
	blob := &fakeBlob{}

	a := NewArchiver(trades, opps, &fakePruner{}, blob, 30, testLogger())
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(blob.keys) != 0 {
		t.Fatalf("expected no uploads, got %v", blob.keys)
	}
}

func TestNextCronTime(t *testing.T) {
	base := time.Date(2026, time.March, 10, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{
			name: "every minute",
			expr: "* * * * *",
			want: time.Date(2026, time.March, 10, 14, 31, 0, 0, time.UTC),
		},
		{
			name: "daily at 3am",
			expr: "0 3 * * *",
			want: time.Date(2026, time.March, 11, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "first of month",
			expr: "0 0 1 * *",
			want: time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "comma list of hours",
			expr: "0 6,18 * * *",
			want: time.Date(2026, time.March, 10, 18, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nextCronTime(tt.expr, base)
			if err != nil {
				t.Fatalf("nextCronTime(%q): %v", tt.expr, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("nextCronTime(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseCronRejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "* * * * * *", "x * * * *"} {
		if _, err := parseCron(expr); err == nil {
			t.Fatalf("parseCron(%q) succeeded, want error", expr)
		}
	}
}
