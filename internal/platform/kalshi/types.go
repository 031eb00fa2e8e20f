package kalshi

import "encoding/json"

// --------------------------------------------------------------------------
// Kalshi API DTOs. Prices are integer cents (1-99) on the wire.
// --------------------------------------------------------------------------

// Balance is the portfolio balance as returned by the Kalshi REST API.
type Balance struct {
	BalanceCents int64 `json:"balance"`
	PayoutCents  int64 `json:"payout"`
}

// PriceLevel is a single price+quantity entry in a Kalshi book.
type PriceLevel struct {
	PriceCents int64
	Quantity   int64
}

// UnmarshalJSON accepts the wire form, a two-element array [price, quantity].
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	l.PriceCents = pair[0]
	l.Quantity = pair[1]
	return nil
}

// Orderbook is the REST orderbook for one market. Both arrays are bids:
// "yes" holds YES bids, "no" holds NO bids (a NO bid at p is a YES ask at
// 100-p).
type Orderbook struct {
	YesBids []PriceLevel `json:"yes"`
	NoBids  []PriceLevel `json:"no"`
}

// Order is an order submitted to the Kalshi exchange.
type Order struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Action        string `json:"action"` // "buy" or "sell"
	Side          string `json:"side"`   // "yes" or "no"
	Type          string `json:"type"`   // "market" or "limit"
	Count         int64  `json:"count"`
	YesPrice      *int64 `json:"yes_price,omitempty"`
	NoPrice       *int64 `json:"no_price,omitempty"`
	BuyMaxCost    *int64 `json:"buy_max_cost,omitempty"`
}

// OrderResponse is the API response after placing an order.
type OrderResponse struct {
	Order struct {
		OrderID        string `json:"order_id"`
		Ticker         string `json:"ticker"`
		Status         string `json:"status"` // "resting", "canceled", "executed", "pending"
		Action         string `json:"action"`
		Side           string `json:"side"`
		YesPrice       int64  `json:"yes_price"`
		NoPrice        int64  `json:"no_price"`
		RemainingCount int64  `json:"remaining_count"`
		TakerFillCount int64  `json:"taker_fill_count"`
		TakerFillCost  int64  `json:"taker_fill_cost"`
	} `json:"order"`
}

// ErrorResponse is a Kalshi API error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Kalshi WebSocket DTOs
// --------------------------------------------------------------------------

// WSMessage is the envelope for Kalshi WebSocket messages.
type WSMessage struct {
	Type string          `json:"type"` // "orderbook_snapshot", "orderbook_delta", ...
	Msg  json.RawMessage `json:"msg"`
	SID  int64           `json:"sid"`
	Seq  int64           `json:"seq"`
}

// WSSnapshot is a full book for one market.
type WSSnapshot struct {
	Ticker  string       `json:"market_ticker"`
	YesBids []PriceLevel `json:"yes"`
	NoBids  []PriceLevel `json:"no"`
}

// WSDelta is one relative book change: Delta contracts added to (or, when
// negative, removed from) the level at PriceCents on Side.
type WSDelta struct {
	Ticker     string `json:"market_ticker"`
	PriceCents int64  `json:"price"`
	Delta      int64  `json:"delta"`
	Side       string `json:"side"` // "yes" or "no"
}

// WSSubscribeCmd is the command sent to subscribe to WebSocket channels.
type WSSubscribeCmd struct {
	ID     int64             `json:"id"`
	Cmd    string            `json:"cmd"` // "subscribe" or "unsubscribe"
	Params WSSubscribeParams `json:"params"`
}

// WSSubscribeParams defines the subscription parameters.
type WSSubscribeParams struct {
	Channels []string `json:"channels"`
	Tickers  []string `json:"market_tickers"`
}
