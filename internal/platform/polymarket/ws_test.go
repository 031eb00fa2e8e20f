package polymarket

import (
	"testing"
	"time"
)

func TestHandleMessageRoutesBook(t *testing.T) {
	w := NewWSClient("wss://example.com/ws/market", 0, 0)

	var books []WSBook
	w.OnBook(func(b WSBook, _ time.Time) { books = append(books, b) })

	raw := []byte(`{"event_type":"book","asset_id":"token-yes","market":"0xcond",` +
		`"bids":[{"price":"0.40","size":"120"}],"asks":[{"price":"0.42","size":"80"}],` +
		`"timestamp":"1700000000000","hash":"abc"}`)
	w.handleMessage(raw, time.Now())

	if len(books) != 1 {
		t.Fatalf("got %d book callbacks, want 1", len(books))
	}
	if books[0].AssetID != "token-yes" || len(books[0].Bids) != 1 || len(books[0].Asks) != 1 {
		t.Fatalf("unexpected book: %+v", books[0])
	}
	p, s := books[0].Asks[0].Floats()
	if p != 0.42 || s != 80 {
		t.Fatalf("ask parsed as %f/%f", p, s)
	}
}

func TestHandleMessageRoutesPriceChange(t *testing.T) {
	w := NewWSClient("wss://example.com/ws/market", 0, 0)

	var changes []WSPriceChange
	w.OnPriceChange(func(c WSPriceChange, _ time.Time) { changes = append(changes, c) })

	raw := []byte(`{"event_type":"price_change","asset_id":"token-no","side":"SELL",` +
		`"price":"0.55","size":"0","timestamp":"1700000000000"}`)
	w.handleMessage(raw, time.Now())

	if len(changes) != 1 {
		t.Fatalf("got %d price-change callbacks, want 1", len(changes))
	}
	price, size := changes[0].Floats()
	if price != 0.55 || size != 0 {
		t.Fatalf("parsed %f/%f, want 0.55/0", price, size)
	}
}

func TestHandleMessageBatchedFrames(t *testing.T) {
	w := NewWSClient("wss://example.com/ws/market", 0, 0)

	var books, changes int
	w.OnBook(func(WSBook, time.Time) { books++ })
	w.OnPriceChange(func(WSPriceChange, time.Time) { changes++ })

	raw := []byte(`[` +
		`{"event_type":"book","asset_id":"a","bids":[],"asks":[]},` +
		`{"event_type":"price_change","asset_id":"a","side":"BUY","price":"0.1","size":"5"},` +
		`{"event_type":"last_trade_price","asset_id":"a","price":"0.1"}` +
		`]`)
	w.handleMessage(raw, time.Now())

	if books != 1 || changes != 1 {
		t.Fatalf("books=%d changes=%d, want 1/1 (last_trade_price ignored)", books, changes)
	}
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	w := NewWSClient("wss://example.com/ws/market", 0, 0)
	w.OnBook(func(WSBook, time.Time) { t.Fatal("handler fired for garbage") })

	w.handleMessage([]byte(`not json`), time.Now())
	w.handleMessage([]byte(`{"event_type":"unknown"}`), time.Now())
}

func TestParseWSTimestamp(t *testing.T) {
	got := parseWSTimestamp("1700000000000")
	if got.UnixMilli() != 1700000000000 {
		t.Fatalf("epoch millis parsed as %v", got)
	}

	got = parseWSTimestamp("2026-01-02T15:04:05Z")
	if got.Year() != 2026 {
		t.Fatalf("RFC3339 parsed as %v", got)
	}

	before := time.Now()
	got = parseWSTimestamp("garbage")
	if got.Before(before) {
		t.Fatalf("fallback should be now-ish, got %v", got)
	}
}
