package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/domain"
)

const bookKeyPrefix = "fletcher:book:"

// BookReader is the market-store surface the cache reads views from.
type BookReader interface {
	View(marketID string) (domain.MarketView, bool)
}

// BookCache mirrors each market's latest top-of-book to Redis so external
// dashboards can read it without touching the engine. Like the event
// mirror, a cache failure is logged and swallowed.
type BookCache struct {
	rdb    *redis.Client
	books  BookReader
	ttl    time.Duration
	logger *slog.Logger
}

// NewBookCache creates a BookCache; ttl <= 0 caches without expiry.
func NewBookCache(c *Client, books BookReader, ttl time.Duration, logger *slog.Logger) *BookCache {
	return &BookCache{
		rdb:    c.Underlying(),
		books:  books,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "book_cache")),
	}
}

// Attach subscribes the cache to top-of-book changes. It must be attached
// after the market store so it reads post-mutation views.
func (bc *BookCache) Attach(b *bus.Bus) {
	b.Subscribe(domain.KindMarketBookUpdated, "book_cache", bc.HandleEvent)
}

// cachedBook is the JSON shape published per market.
type cachedBook struct {
	MarketID  string               `json:"market_id"`
	Books     map[string]cachedTop `json:"books"`
	UpdatedAt string               `json:"updated_at"`
}

type cachedTop struct {
	BidPrice   float64   `json:"bid_price"`
	BidSize    float64   `json:"bid_size"`
	AskPrice   float64   `json:"ask_price"`
	AskSize    float64   `json:"ask_size"`
	LastUpdate time.Time `json:"last_update"`
}

// HandleEvent writes the changed market's current view to Redis. Always
// returns nil; the cache is an observer.
func (bc *BookCache) HandleEvent(ctx context.Context, ev domain.Event) error {
	e, ok := ev.(domain.MarketBookUpdated)
	if !ok {
		return nil
	}

	view, found := bc.books.View(e.MarketID)
	if !found {
		return nil
	}

	out := cachedBook{
		MarketID:  view.MarketID,
		Books:     make(map[string]cachedTop),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	for platform, byOutcome := range view.Books {
		for outcome, bv := range byOutcome {
			out.Books[string(platform)+":"+string(outcome)] = cachedTop{
				BidPrice:   bv.Top.Bid.Price,
				BidSize:    bv.Top.Bid.Size,
				AskPrice:   bv.Top.Ask.Price,
				AskSize:    bv.Top.Ask.Size,
				LastUpdate: bv.LastUpdate,
			}
		}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		bc.logger.Error("book marshal failed",
			slog.String("market_id", e.MarketID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if err := bc.rdb.Set(ctx, bookKeyPrefix+e.MarketID, payload, bc.ttl).Err(); err != nil {
		bc.logger.Warn("book cache write failed",
			slog.String("market_id", e.MarketID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
