package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	// marketChannel is the public CLOB market-data channel.
	marketChannel = "market"
)

// BookHandler receives a full book for one token.
type BookHandler func(book WSBook, receivedAt time.Time)

// PriceChangeHandler receives one absolute level update.
type PriceChangeHandler func(change WSPriceChange, receivedAt time.Time)

// DisconnectHandler is called after the feed reconnects; books received
// before the gap are no longer trustworthy and subscribers should await a
// fresh snapshot.
type DisconnectHandler func()

// WSClient is a WebSocket client for real-time Polymarket CLOB market data.
type WSClient struct {
	wsURL      string
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	// Tracked asset subscriptions for reconnection.
	subscribedAssets []string

	handlerMu          sync.RWMutex
	bookHandlers       []BookHandler
	changeHandlers     []PriceChangeHandler
	disconnectHandlers []DisconnectHandler

	done chan struct{}
}

// NewWSClient creates a Polymarket WebSocket client.
//
// wsURL is the market-channel endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string, minBackoff, maxBackoff time.Duration) *WSClient {
	if minBackoff <= 0 {
		minBackoff = 2 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = time.Minute
	}
	return &WSClient{
		wsURL:      wsURL,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		done:       make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: client is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go w.readLoop(conn)
	go w.pingLoop(conn)

	// Re-subscribe to any previously tracked assets. The venue answers
	// every subscription with fresh book snapshots.
	if len(w.subscribedAssets) > 0 {
		if err := w.sendSubscribe(w.subscribedAssets); err != nil {
			return fmt.Errorf("polymarket/ws: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to market data for the given token IDs.
func (w *WSClient) Subscribe(ctx context.Context, assetIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	if err := w.sendSubscribe(assetIDs); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}

	existing := make(map[string]struct{}, len(w.subscribedAssets))
	for _, a := range w.subscribedAssets {
		existing[a] = struct{}{}
	}
	for _, a := range assetIDs {
		if _, ok := existing[a]; !ok {
			w.subscribedAssets = append(w.subscribedAssets, a)
		}
	}

	return nil
}

// OnBook registers a handler for full-book messages.
func (w *WSClient) OnBook(h BookHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.bookHandlers = append(w.bookHandlers, h)
}

// OnPriceChange registers a handler for incremental level updates.
func (w *WSClient) OnPriceChange(h PriceChangeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.changeHandlers = append(w.changeHandlers, h)
}

// OnDisconnect registers a handler called after every reconnect.
func (w *WSClient) OnDisconnect(h DisconnectHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.disconnectHandlers = append(w.disconnectHandlers, h)
}

// Close shuts down the WebSocket connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendSubscribe sends a subscribe command. Caller must hold w.mu.
func (w *WSClient) sendSubscribe(assetIDs []string) error {
	cmd := WSCommand{
		Type:    "subscribe",
		Channel: marketChannel,
		Assets:  assetIDs,
	}

	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from one connection and dispatches
// them to handlers. On disconnect it attempts reconnection.
func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.reconnect()
			return
		}

		w.handleMessage(message, time.Now())
	}
}

// pingLoop sends periodic pings to keep one connection alive.
func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one raw frame and routes it by event type. The market
// channel may batch several events into one JSON array.
func (w *WSClient) handleMessage(raw []byte, receivedAt time.Time) {
	if len(raw) > 0 && raw[0] == '[' {
		var frames []json.RawMessage
		if err := json.Unmarshal(raw, &frames); err != nil {
			return
		}
		for _, f := range frames {
			w.handleEvent(f, receivedAt)
		}
		return
	}
	w.handleEvent(raw, receivedAt)
}

func (w *WSClient) handleEvent(raw []byte, receivedAt time.Time) {
	var envelope WSEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.EventType {
	case "book":
		var book WSBook
		if err := json.Unmarshal(raw, &book); err != nil {
			return
		}
		w.handlerMu.RLock()
		handlers := w.bookHandlers
		w.handlerMu.RUnlock()
		for _, h := range handlers {
			h(book, receivedAt)
		}

	case "price_change":
		var change WSPriceChange
		if err := json.Unmarshal(raw, &change); err != nil {
			return
		}
		w.handlerMu.RLock()
		handlers := w.changeHandlers
		w.handlerMu.RUnlock()
		for _, h := range handlers {
			h(change, receivedAt)
		}
	}
}

// reconnect attempts to re-establish the connection with exponential
// backoff, then notifies disconnect handlers so subscribers can invalidate
// stale books.
func (w *WSClient) reconnect() {
	delay := w.minBackoff

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			w.handlerMu.RLock()
			handlers := w.disconnectHandlers
			w.handlerMu.RUnlock()
			for _, h := range handlers {
				h()
			}
			return
		}

		delay *= 2
		if delay > w.maxBackoff {
			delay = w.maxBackoff
		}
	}
}
