package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/domain"
)

// streamMaxLen is the approximate maximum length for Redis streams, enforced
// via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

const (
	channelPrefix = "fletcher:events:"
	streamPrefix  = "fletcher:stream:"
)

// mirroredKinds are the engine events worth surfacing outside the process.
// Book traffic stays in-process; it is far too chatty for an operator feed.
var mirroredKinds = []domain.EventKind{
	domain.KindOpportunityFound,
	domain.KindTradeResult,
	domain.KindPhaseChanged,
	domain.KindHandlerFailed,
}

// envelope is the JSON shape written to Redis for every mirrored event.
type envelope struct {
	Kind  domain.EventKind `json:"kind"`
	ID    string           `json:"id"`
	Wall  string           `json:"wall"`
	Event domain.Event     `json:"event"`
}

// EventMirror copies selected engine events onto Redis: Pub/Sub channels for
// live operator consoles and capped streams for short-term replay. A mirror
// failure is logged and swallowed; Redis is an observer, never a dependency
// of the trading path.
type EventMirror struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewEventMirror creates an EventMirror backed by the given Client.
func NewEventMirror(c *Client, logger *slog.Logger) *EventMirror {
	return &EventMirror{
		rdb:    c.Underlying(),
		logger: logger.With(slog.String("component", "redis_mirror")),
	}
}

// Attach subscribes the mirror to every mirrored event kind on the bus.
func (m *EventMirror) Attach(b *bus.Bus) {
	for _, kind := range mirroredKinds {
		b.Subscribe(kind, "redis_mirror", m.HandleEvent)
	}
}

// HandleEvent mirrors one event to its kind's channel and stream. It always
// returns nil so a Redis outage never surfaces as a handler failure (which
// the mirror itself subscribes to).
func (m *EventMirror) HandleEvent(ctx context.Context, ev domain.Event) error {
	meta := ev.Meta()
	payload, err := json.Marshal(envelope{
		Kind:  ev.Kind(),
		ID:    meta.ID.String(),
		Wall:  meta.Wall.Format("2006-01-02T15:04:05.000Z07:00"),
		Event: ev,
	})
	if err != nil {
		m.logger.Error("event marshal failed",
			slog.String("kind", string(ev.Kind())),
			slog.String("error", err.Error()),
		)
		return nil
	}

	name := string(ev.Kind())
	if err := m.publish(ctx, channelPrefix+name, payload); err != nil {
		m.logger.Warn("event mirror publish failed",
			slog.String("kind", name),
			slog.String("error", err.Error()),
		)
	}
	if err := m.streamAppend(ctx, streamPrefix+name, payload); err != nil {
		m.logger.Warn("event mirror stream append failed",
			slog.String("kind", name),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// publish sends a raw byte payload to a Redis Pub/Sub channel.
func (m *EventMirror) publish(ctx context.Context, channel string, payload []byte) error {
	if err := m.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// streamAppend appends a payload to a Redis stream using XADD with an
// approximate MAXLEN for automatic trimming.
func (m *EventMirror) streamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := m.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}
