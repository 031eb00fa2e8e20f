package polymarket

import (
	"strconv"
	"time"
)

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// OrderArgs describes one order to place on the CLOB. Price and Size are in
// dollars and contracts; Price 0 requests a marketable limit order.
type OrderArgs struct {
	TokenID string
	Side    string // "BUY" or "SELL"
	Price   float64
	Size    float64
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success      bool     `json:"success"`
	ErrorMsg     string   `json:"errorMsg,omitempty"`
	OrderID      string   `json:"orderID,omitempty"`
	Status       string   `json:"status,omitempty"`
	TakingAmount string   `json:"takingAmount,omitempty"`
	MakingAmount string   `json:"makingAmount,omitempty"`
	TransactIDs  []string `json:"transactionsHashes,omitempty"`
}

// Filled reports whether the order matched on arrival. The CLOB answers
// "matched" for taker fills; anything else means the order is resting or
// was rejected.
func (r *APIOrderResult) Filled() bool {
	return r.Success && r.Status == "matched"
}

// BalanceAllowance is the response from the balance-allowance endpoint.
// Amounts are fixed-point USDC strings (6 decimals).
type BalanceAllowance struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSEnvelope is the outer frame of every message from the CLOB market
// channel. EventType selects which payload fields are populated.
type WSEnvelope struct {
	EventType string `json:"event_type"` // "book", "price_change", "last_trade_price"
	AssetID   string `json:"asset_id,omitempty"`
	Market    string `json:"market,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// WSBook is a full orderbook snapshot for one token.
type WSBook struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceLevel is a single bid or ask level. Prices and sizes arrive as
// decimal strings.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Floats parses the level. Malformed fields parse as zero, which downstream
// book maintenance treats as level removal.
func (l WSPriceLevel) Floats() (price, size float64) {
	price, _ = strconv.ParseFloat(l.Price, 64)
	size, _ = strconv.ParseFloat(l.Size, 64)
	return price, size
}

// WSPriceChange is an incremental level update. Size is the absolute
// remaining quantity at Price; "0" removes the level.
type WSPriceChange struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Side      string `json:"side"` // "BUY" or "SELL"
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// Floats parses the price and size fields.
func (p WSPriceChange) Floats() (price, size float64) {
	price, _ = strconv.ParseFloat(p.Price, 64)
	size, _ = strconv.ParseFloat(p.Size, 64)
	return price, size
}

// WSCommand is the JSON payload sent to subscribe or unsubscribe.
type WSCommand struct {
	Type    string   `json:"type"` // "subscribe" or "unsubscribe"
	Channel string   `json:"channel,omitempty"`
	Assets  []string `json:"assets_ids,omitempty"`
}

// parseWSTimestamp accepts the millisecond epoch strings the market channel
// sends, falling back to now.
func parseWSTimestamp(s string) time.Time {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}
