package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fletchtrade/fletcher/internal/balance"
	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/cache/redis"
	"github.com/fletchtrade/fletcher/internal/crypto"
	"github.com/fletchtrade/fletcher/internal/domain"
	"github.com/fletchtrade/fletcher/internal/executor"
	"github.com/fletchtrade/fletcher/internal/feed"
	"github.com/fletchtrade/fletcher/internal/gateway"
	"github.com/fletchtrade/fletcher/internal/market"
	"github.com/fletchtrade/fletcher/internal/monitor"
	"github.com/fletchtrade/fletcher/internal/notify"
	"github.com/fletchtrade/fletcher/internal/orchestrator"
	"github.com/fletchtrade/fletcher/internal/pipeline"
	"github.com/fletchtrade/fletcher/internal/platform/kalshi"
	"github.com/fletchtrade/fletcher/internal/platform/polymarket"
)

// core bundles the engine components shared by every mode.
type core struct {
	bus   *bus.Bus
	store *market.Store
	guard *balance.Guard
	orch  *orchestrator.Orchestrator
	mon   *monitor.Monitor
}

// buildCore assembles the bus, market store, balance guard, orchestrator,
// and monitor, registers every configured market, and attaches the handlers
// in dependency order: the store must see book events before the monitor
// re-evaluates. The reconciler is built through a factory because it closes
// over the guard created here.
func (a *App) buildCore(deps *Dependencies, newReconciler func(*balance.Guard) orchestrator.Reconciler) core {
	b := bus.New(a.cfg.Ingest.BusQueueSize, a.logger)
	store := market.NewStore(b, a.cfg.Ingest.DeltaBuffer, a.logger)
	guard := balance.NewGuard(a.cfg.Balance.ShutdownBalance, a.cfg.Balance.MinimumWalletBalance, a.logger)

	orch := orchestrator.New(newReconciler(guard), b, orchestrator.Config{
		Cooldown:             a.cfg.Orchestrator.Cooldown.Duration,
		MaxReconcileAttempts: a.cfg.Orchestrator.MaxReconcileAttempts,
	}, a.logger)

	feeRates := make(map[domain.Platform]float64, len(a.cfg.Arbitrage.FeeRates))
	for name, rate := range a.cfg.Arbitrage.FeeRates {
		feeRates[domain.Platform(name)] = rate
	}
	mon := monitor.New(store, orch, guard, b, monitor.Config{
		MinProfit:   a.cfg.Arbitrage.MinProfit,
		FeeRates:    feeRates,
		MaxQuoteAge: a.cfg.Arbitrage.MaxQuoteAge.Duration,
	}, a.logger)

	for _, pair := range deps.Pairs {
		store.Register(pair)
		orch.Register(pair.ID)
	}

	store.Attach(b)
	mon.Attach(b)
	orch.Attach(b)

	a.attachObservers(b, deps)
	if deps.Redis != nil {
		redis.NewBookCache(deps.Redis, store, 5*time.Minute, a.logger).Attach(b)
	}

	return core{bus: b, store: store, guard: guard, orch: orch, mon: mon}
}

// attachObservers wires the optional persistence and operator surfaces.
func (a *App) attachObservers(b *bus.Bus, deps *Dependencies) {
	if deps.TradeStore != nil {
		pipeline.NewRecorder(deps.TradeStore, deps.OpportunityStore, a.logger).Attach(b)
	}
	if deps.Mirror != nil {
		deps.Mirror.Attach(b)
	}
	notify.NewBridge(deps.Notifier).Attach(b)
}

// buildFeeds creates both venue feeds over fresh WebSocket clients.
func (a *App) buildFeeds(deps *Dependencies, c core) (*feed.KalshiFeed, *feed.PolymarketFeed) {
	minBackoff := a.cfg.Ingest.ReconnectMinBackoff.Duration
	maxBackoff := a.cfg.Ingest.ReconnectMaxBackoff.Duration

	kalshiWS := kalshi.NewWSClient(a.cfg.Kalshi.WsURL, minBackoff, maxBackoff)
	kalshiFeed := feed.NewKalshiFeed(kalshiWS, c.bus, deps.Pairs, a.logger)
	kalshiFeed.Attach(c.bus)

	polyWS := polymarket.NewWSClient(a.cfg.Polymarket.WsHost+"/ws/market", minBackoff, maxBackoff)
	polyFeed := feed.NewPolymarketFeed(polyWS, c.bus, deps.Pairs, a.logger)
	polyFeed.Attach(c.bus)

	return kalshiFeed, polyFeed
}

// runEngine starts the shared goroutines, connects the feeds, and blocks
// until the context is cancelled or a component fails.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, c core, exec *executor.Executor, extras ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.bus.Run(ctx) })
	g.Go(func() error { return c.orch.Run(ctx) })
	if exec != nil {
		g.Go(func() error { return exec.Run(ctx) })
	}
	for _, extra := range extras {
		run := extra
		g.Go(func() error { return run(ctx) })
	}

	kalshiFeed, polyFeed := a.buildFeeds(deps, c)
	if err := kalshiFeed.Start(ctx); err != nil {
		return fmt.Errorf("app: start kalshi feed: %w", err)
	}
	if err := polyFeed.Start(ctx); err != nil {
		return fmt.Errorf("app: start polymarket feed: %w", err)
	}

	a.logger.Info("engine running", slog.Int("markets", len(deps.Pairs)))
	return g.Wait()
}

// TradeMode runs live trading: real venue clients, external balance truth,
// and the full persistence pipeline.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.Info("starting trade mode")

	kc, err := a.buildKalshiClient()
	if err != nil {
		return err
	}
	clob, err := a.buildClobClient(ctx)
	if err != nil {
		return err
	}

	truthSrc := gateway.NewVenueTruthSource(kc, clob)

	var gw executor.TradeGateway = gateway.NewRouter(kc, clob, deps.Pairs, a.logger)
	if a.cfg.Execution.DryRun {
		a.logger.Warn("dry_run enabled, orders go to the simulated gateway")
		gw = gateway.NewPaperGateway(a.logger)
	}

	c := a.buildCore(deps, func(g *balance.Guard) orchestrator.Reconciler {
		return orchestrator.NewBalanceReconciler(deps.BalanceStore, g, a.cfg.Balance.ReconcileTolerance, a.logger)
	})

	// Seed the guard and truth store from live venue balances before any
	// evaluation can fire.
	if err := a.seedBalances(ctx, truthSrc, deps, c.guard); err != nil {
		return err
	}

	unwinder := executor.NewGatewayUnwinder(gw, a.logger)
	exec := executor.New(gw, c.guard, unwinder, c.bus, a.executorConfig(), a.logger)
	exec.Attach(c.bus)

	extras := []func(context.Context) error{
		pipeline.NewTruthPoller(truthSrc, deps.BalanceStore, a.cfg.Balance.TruthPollInterval.Duration, a.logger).Run,
	}
	// Refuse to trade alongside another live instance: two engines draw
	// against the same venue balances.
	if deps.Redis != nil {
		lock := redis.NewEngineLock(deps.Redis, "engine", 30*time.Second)
		if err := lock.Acquire(ctx); err != nil {
			return fmt.Errorf("app: acquire engine lock: %w", err)
		}
		extras = append(extras, lock.Hold)
	}
	if deps.Archiver != nil && a.cfg.S3.ArchiveCron != "" {
		cron := a.cfg.S3.ArchiveCron
		extras = append(extras, func(ctx context.Context) error {
			return deps.Archiver.RunCron(ctx, cron)
		})
	}

	return a.runEngine(ctx, deps, c, exec, extras...)
}

// PaperMode runs live feeds against the simulated gateway. The guard's own
// view doubles as balance truth, seeded from configuration.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.Info("starting paper mode",
		slog.Float64("starting_balance", a.cfg.Execution.PaperStartingBalance),
	)

	c := a.buildCore(deps, func(g *balance.Guard) orchestrator.Reconciler {
		return orchestrator.NewBalanceReconciler(guardTruth{guard: g}, g, a.cfg.Balance.ReconcileTolerance, a.logger)
	})

	for _, p := range domain.Platforms() {
		c.guard.Sync(p, a.cfg.Execution.PaperStartingBalance)
	}

	gw := gateway.NewPaperGateway(a.logger)
	unwinder := executor.NewGatewayUnwinder(gw, a.logger)
	exec := executor.New(gw, c.guard, unwinder, c.bus, a.executorConfig(), a.logger)
	exec.Attach(c.bus)

	var extras []func(context.Context) error
	if deps.BalanceStore != nil {
		extras = append(extras,
			pipeline.NewTruthPoller(guardTruth{guard: c.guard}, deps.BalanceStore, a.cfg.Balance.TruthPollInterval.Duration, a.logger).Run,
		)
	}

	return a.runEngine(ctx, deps, c, exec, extras...)
}

// MonitorMode runs detection only. Opportunities are logged and released
// immediately so the market keeps cycling; nothing is executed or stored.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.Info("starting monitor mode")

	c := a.buildCore(deps, func(g *balance.Guard) orchestrator.Reconciler {
		return orchestrator.NewBalanceReconciler(guardTruth{guard: g}, g, a.cfg.Balance.ReconcileTolerance, a.logger)
	})

	for _, p := range domain.Platforms() {
		c.guard.Sync(p, a.cfg.Execution.PaperStartingBalance)
	}

	rel := &opportunityReleaser{bus: c.bus, logger: a.logger}
	c.bus.Subscribe(domain.KindOpportunityFound, "monitor_releaser", rel.HandleEvent)

	return a.runEngine(ctx, deps, c, nil)
}

// executorConfig maps the execution section onto the executor's Config.
func (a *App) executorConfig() executor.Config {
	return executor.Config{
		LegTimeout:   a.cfg.Execution.LegTimeout.Duration,
		MaxTradeSize: a.cfg.Execution.MaxTradeSize,
		QueueSize:    a.cfg.Execution.QueueSize,
	}
}

// buildKalshiClient creates the signed REST client from configuration.
func (a *App) buildKalshiClient() (*kalshi.Client, error) {
	kc := kalshi.NewClient(a.cfg.Kalshi.BaseURL, a.cfg.Kalshi.ApiKey)
	pemBytes, err := os.ReadFile(a.cfg.Kalshi.RsaPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("app: read kalshi private key: %w", err)
	}
	if err := kc.SetRSAPrivateKey(pemBytes); err != nil {
		return nil, fmt.Errorf("app: load kalshi private key: %w", err)
	}
	return kc, nil
}

// buildClobClient loads the wallet key, builds the signer, and derives the
// CLOB API credentials.
func (a *App) buildClobClient(ctx context.Context) (*polymarket.ClobClient, error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load wallet key: %w", err)
	}
	signer, err := crypto.NewSigner(key, a.cfg.Polymarket.ChainID)
	if err != nil {
		return nil, fmt.Errorf("app: build signer: %w", err)
	}

	clob := polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, signer, a.cfg.Wallet.FunderAddress, a.cfg.Polymarket.SignatureType)
	if err := clob.DeriveAPIKey(ctx); err != nil {
		return nil, fmt.Errorf("app: derive clob api key: %w", err)
	}
	return clob, nil
}

// seedBalances records one truth observation per platform and aligns the
// guard with it, so the first reservation runs against a verified balance.
func (a *App) seedBalances(ctx context.Context, truthSrc *gateway.VenueTruthSource, deps *Dependencies, guard *balance.Guard) error {
	for _, p := range domain.Platforms() {
		truth, err := truthSrc.LatestTruth(ctx, p)
		if err != nil {
			return fmt.Errorf("app: seed balance for %s: %w", p, err)
		}
		if err := deps.BalanceStore.RecordTruth(ctx, truth); err != nil {
			return fmt.Errorf("app: record seed balance for %s: %w", p, err)
		}
		guard.Sync(p, truth.Available)
		a.logger.Info("balance seeded",
			slog.String("platform", string(p)),
			slog.Float64("available", truth.Available),
		)
	}
	return nil
}

// guardTruth presents the guard's own view as external truth for the modes
// with no venue balances to observe.
type guardTruth struct {
	guard *balance.Guard
}

func (g guardTruth) LatestTruth(_ context.Context, platform domain.Platform) (domain.BalanceTruth, error) {
	v := g.guard.View(platform)
	return domain.BalanceTruth{
		Platform:   platform,
		Available:  v.Available,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// opportunityReleaser answers every opportunity with an aborted result so
// the orchestrator releases the lock and resumes monitoring.
type opportunityReleaser struct {
	bus    *bus.Bus
	logger *slog.Logger
}

func (r *opportunityReleaser) HandleEvent(ctx context.Context, ev domain.Event) error {
	o, ok := ev.(domain.OpportunityFound)
	if !ok {
		return fmt.Errorf("app: unexpected event %T", ev)
	}
	opp := o.Opportunity
	r.logger.Info("opportunity observed",
		slog.String("opportunity_id", opp.ID),
		slog.String("market_id", opp.MarketID),
		slog.Float64("profit", opp.Profit),
		slog.Float64("size", opp.Size),
	)
	return r.bus.Publish(ctx, domain.TradeResultEvent{
		EventMeta: domain.NewEventMeta(),
		Result: domain.TradeResult{
			OpportunityID: opp.ID,
			MarketID:      opp.MarketID,
			Outcome:       domain.TradeAborted,
			Reason:        "execution disabled in monitor mode",
			CompletedAt:   time.Now().UTC(),
		},
	})
}
