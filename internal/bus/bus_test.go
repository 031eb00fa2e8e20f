package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T, size int) (*Bus, context.CancelFunc) {
	t.Helper()
	b := New(size, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	return b, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	b, cancel := startBus(t, 16)
	defer cancel()

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe(domain.KindMarketBookUpdated, name, func(ctx context.Context, ev domain.Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	ev := domain.MarketBookUpdated{EventMeta: domain.NewEventMeta(), MarketID: "m1"}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("delivery order: want %v, got %v", want, order)
		}
	}
}

func TestBus_FailingHandlerDoesNotStopDelivery(t *testing.T) {
	b, cancel := startBus(t, 16)
	defer cancel()

	var mu sync.Mutex
	var delivered int
	var failures int

	b.Subscribe(domain.KindMarketBookUpdated, "boom", func(ctx context.Context, ev domain.Event) error {
		return errors.New("boom")
	})
	b.Subscribe(domain.KindMarketBookUpdated, "panic", func(ctx context.Context, ev domain.Event) error {
		panic("kaboom")
	})
	b.Subscribe(domain.KindMarketBookUpdated, "ok", func(ctx context.Context, ev domain.Event) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	b.Subscribe(domain.KindHandlerFailed, "observer", func(ctx context.Context, ev domain.Event) error {
		mu.Lock()
		failures++
		mu.Unlock()
		return nil
	})

	ev := domain.MarketBookUpdated{EventMeta: domain.NewEventMeta(), MarketID: "m1"}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1 && failures == 2
	})
}

func TestBus_HandlerPublishIntoFullQueueDoesNotBlockDispatch(t *testing.T) {
	b, cancel := startBus(t, 1)
	defer cancel()

	var mu sync.Mutex
	var resyncs int
	b.Subscribe(domain.KindMarketBookUpdated, "republisher", func(ctx context.Context, ev domain.Event) error {
		// Three publishes into a queue of capacity one; at least two must
		// take the overflow path while this handler holds the dispatcher.
		for i := 0; i < 3; i++ {
			if err := b.Publish(ctx, domain.ResyncRequested{EventMeta: domain.NewEventMeta(), MarketID: "m1"}); err != nil {
				return err
			}
		}
		return nil
	})
	b.Subscribe(domain.KindResyncRequested, "counter", func(ctx context.Context, ev domain.Event) error {
		mu.Lock()
		resyncs++
		mu.Unlock()
		return nil
	})

	ev := domain.MarketBookUpdated{EventMeta: domain.NewEventMeta(), MarketID: "m1"}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// All three re-published events are delivered; the dispatcher never
	// deadlocked on its own queue.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resyncs == 3
	})
}

func TestBus_HandlerNotInvokedConcurrentlyWithItself(t *testing.T) {
	b, cancel := startBus(t, 64)
	defer cancel()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	seen := 0

	b.Subscribe(domain.KindMarketBookUpdated, "slow", func(ctx context.Context, ev domain.Event) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight--
		seen++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 20; i++ {
		ev := domain.MarketBookUpdated{EventMeta: domain.NewEventMeta(), MarketID: "m1"}
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 20
	})

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("handler overlap: max in-flight = %d, want 1", maxInFlight)
	}
}

func TestBus_PublishRespectsContext(t *testing.T) {
	// Unstarted bus with a tiny queue: the second publish must block and
	// then fail with the context error.
	b := New(1, testLogger())

	ev := domain.MarketBookUpdated{EventMeta: domain.NewEventMeta(), MarketID: "m1"}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Publish(ctx, ev); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second publish: want deadline exceeded, got %v", err)
	}
}
