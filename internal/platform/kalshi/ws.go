package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsWriteWait is the time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// wsPongWait is the time allowed to read the next pong message.
	wsPongWait = 30 * time.Second

	// wsPingPeriod sends pings at this interval. Must be less than pongWait.
	wsPingPeriod = (wsPongWait * 9) / 10
)

// SnapshotHandler receives a full book for one market.
type SnapshotHandler func(snap WSSnapshot, receivedAt time.Time)

// DeltaHandler receives one relative book change.
type DeltaHandler func(delta WSDelta, receivedAt time.Time)

// DisconnectHandler is called after the feed reconnects; the books received
// before the gap are no longer trustworthy and subscribers should await a
// fresh snapshot.
type DisconnectHandler func()

// WSClient is a WebSocket client for real-time Kalshi market data.
type WSClient struct {
	wsURL      string
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	// Tracked subscriptions for reconnection.
	subscribedTickers []string
	cmdID             int64

	handlerMu          sync.RWMutex
	snapshotHandlers   []SnapshotHandler
	deltaHandlers      []DeltaHandler
	disconnectHandlers []DisconnectHandler

	// done is closed when the client shuts down.
	done chan struct{}
}

// NewWSClient creates a new Kalshi WebSocket client.
//
// wsURL is the WebSocket endpoint, e.g.
// "wss://api.elections.kalshi.com/trade-api/ws/v2".
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

// Connect establishes a WebSocket connection to the Kalshi WebSocket API.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("kalshi/ws: client is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("kalshi/ws: connect: %w", err)
	}

	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go w.readLoop(conn)
	go w.pingLoop(conn)

	// Re-subscribe to any previously tracked tickers. The venue answers
	// with fresh snapshots.
	if len(w.subscribedTickers) > 0 {
		if err := w.sendSubscribe(w.subscribedTickers); err != nil {
			return fmt.Errorf("kalshi/ws: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to orderbook updates for the given market tickers.
func (w *WSClient) Subscribe(ctx context.Context, tickers []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("kalshi/ws: not connected")
	}

	if err := w.sendSubscribe(tickers); err != nil {
		return fmt.Errorf("kalshi/ws: subscribe: %w", err)
	}

	existing := make(map[string]struct{}, len(w.subscribedTickers))
	for _, t := range w.subscribedTickers {
		existing[t] = struct{}{}
	}
	for _, t := range tickers {
		if _, ok := existing[t]; !ok {
			w.subscribedTickers = append(w.subscribedTickers, t)
		}
	}

	return nil
}

// OnSnapshot registers a handler for full-book messages.
func (w *WSClient) OnSnapshot(h SnapshotHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.snapshotHandlers = append(w.snapshotHandlers, h)
}

// OnDelta registers a handler for incremental book changes.
func (w *WSClient) OnDelta(h DeltaHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.deltaHandlers = append(w.deltaHandlers, h)
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
func (w *WSClient) sendSubscribe(tickers []string) error {
	w.cmdID++

	cmd := WSSubscribeCmd{
		ID:  w.cmdID,
		Cmd: "subscribe",
		Params: WSSubscribeParams{
			Channels: []string{"orderbook_delta"},
			Tickers:  tickers,
		},
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

// handleMessage parses a raw WebSocket message and routes it.
func (w *WSClient) handleMessage(raw []byte, receivedAt time.Time) {
	var envelope WSMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "orderbook_snapshot":
		var snap WSSnapshot
		if err := json.Unmarshal(envelope.Msg, &snap); err != nil {
			return
		}
		w.handlerMu.RLock()
		handlers := w.snapshotHandlers
		w.handlerMu.RUnlock()
		for _, h := range handlers {
			h(snap, receivedAt)
		}

	case "orderbook_delta":
		var delta WSDelta
		if err := json.Unmarshal(envelope.Msg, &delta); err != nil {
			return
		}
		w.handlerMu.RLock()
		handlers := w.deltaHandlers
		w.handlerMu.RUnlock()
		for _, h := range handlers {
			h(delta, receivedAt)
		}
	}
}

// reconnect attempts to re-establish the WebSocket connection with
// exponential backoff, then notifies disconnect handlers so subscribers can
// invalidate stale books.
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
