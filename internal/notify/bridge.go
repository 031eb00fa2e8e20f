package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/domain"
)

// Bridge turns engine events into operator alerts. It subscribes to the
// trade and lifecycle kinds and formats each into a title/message pair for
// the Notifier; delivery failures are the Notifier's concern, the bridge
// always returns nil so a dead webhook never shows up as a handler failure.
type Bridge struct {
	notifier *Notifier
}

// NewBridge creates a Bridge over the given Notifier.
func NewBridge(n *Notifier) *Bridge {
	return &Bridge{notifier: n}
}

// Attach subscribes the bridge to the alert-worthy event kinds.
func (br *Bridge) Attach(b *bus.Bus) {
	for _, kind := range []domain.EventKind{
		domain.KindOpportunityFound,
		domain.KindTradeResult,
		domain.KindPhaseChanged,
	} {
		b.Subscribe(kind, "notify_bridge", br.HandleEvent)
	}
}

// HandleEvent formats and forwards one event.
func (br *Bridge) HandleEvent(ctx context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.OpportunityFound:
		o := e.Opportunity
		_ = br.notifier.Notify(ctx, e.Kind(),
			"Opportunity detected",
			fmt.Sprintf("%s\nYES %.2f (%s) + NO %.2f (%s)\nprofit %.2f%% size %.0f",
				o.MarketID,
				o.BuyYes.Price, o.BuyYes.Platform,
				o.BuyNo.Price, o.BuyNo.Platform,
				o.Profit*100, o.Size,
			),
		)
	case domain.TradeResultEvent:
		r := e.Result
		_ = br.notifier.Notify(ctx, e.Kind(),
			fmt.Sprintf("Trade %s", strings.ToLower(string(r.Outcome))),
			formatTradeResult(r),
		)
	case domain.PhaseChanged:
		_ = br.notifier.Notify(ctx, e.Kind(),
			"Market phase changed",
			fmt.Sprintf("%s: %s -> %s (%s)", e.MarketID, e.From, e.To, e.Reason),
		)
	}
	return nil
}

func formatTradeResult(r domain.TradeResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s", r.MarketID)
	if r.Reason != "" {
		fmt.Fprintf(&sb, "\n%s", r.Reason)
	}
	appendLeg(&sb, "YES", r.YesLeg)
	appendLeg(&sb, "NO", r.NoLeg)
	if r.Compromised {
		sb.WriteString("\nmarket compromised, manual intervention required")
	}
	return sb.String()
}

func appendLeg(sb *strings.Builder, label string, lr *domain.LegResult) {
	if lr == nil {
		return
	}
	if lr.Fill.Filled {
		fmt.Fprintf(sb, "\n%s %s: filled %.0f @ %.4f",
			label, lr.Leg.Platform, lr.Fill.FilledSize, lr.Fill.AvgPrice)
		return
	}
	fmt.Fprintf(sb, "\n%s %s: unfilled", label, lr.Leg.Platform)
	if lr.Fill.Err != "" {
		fmt.Fprintf(sb, " (%s)", lr.Fill.Err)
	}
}
