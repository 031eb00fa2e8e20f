package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/fletchtrade/fletcher/internal/blob/s3"
	"github.com/fletchtrade/fletcher/internal/cache/redis"
	"github.com/fletchtrade/fletcher/internal/config"
	"github.com/fletchtrade/fletcher/internal/domain"
	"github.com/fletchtrade/fletcher/internal/notify"
	"github.com/fletchtrade/fletcher/internal/pipeline"
	"github.com/fletchtrade/fletcher/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes build the engine on.
// Optional pieces (Redis mirror, S3 archiver, Postgres stores) are nil when
// their backing service is disabled or the mode does not need them.
type Dependencies struct {
	Pairs []domain.MarketPair

	TradeStore       *postgres.TradeStore
	OpportunityStore *postgres.OpportunityStore
	BalanceStore     *postgres.BalanceStore

	Redis    *redis.Client
	Mirror   *redis.EventMirror
	Archiver *pipeline.Archiver
	Notifier *notify.Notifier
}

// needsPostgres reports whether a mode persists its activity. Monitor mode
// is read-only against the venues and keeps nothing.
func needsPostgres(mode string) bool {
	switch strings.ToLower(mode) {
	case "trade", "paper":
		return true
	default:
		return false
	}
}

// Wire constructs the infrastructure dependencies from configuration and
// returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	for _, m := range cfg.Markets {
		deps.Pairs = append(deps.Pairs, domain.MarketPair{
			ID:             m.ID,
			KalshiTicker:   m.KalshiTicker,
			PolyYesTokenID: m.PolyYesTokenID,
			PolyNoTokenID:  m.PolyNoTokenID,
		})
	}

	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.OpportunityStore = postgres.NewOpportunityStore(pool)
		deps.BalanceStore = postgres.NewBalanceStore(pool)
	}

	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.Mirror = redis.NewEventMirror(redisClient, logger)
	}

	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         strings.HasPrefix(cfg.S3.Endpoint, "https://"),
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		// The archiver needs both sides: Postgres to drain, S3 to land on.
		if deps.TradeStore != nil {
			deps.Archiver = pipeline.NewArchiver(
				deps.TradeStore,
				deps.OpportunityStore,
				deps.BalanceStore,
				s3blob.NewWriter(s3Client),
				cfg.S3.RetentionDays,
				logger,
			)
		}
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	kinds := make([]domain.EventKind, 0, len(cfg.Notify.Events))
	for _, e := range cfg.Notify.Events {
		kinds = append(kinds, domain.EventKind(strings.TrimSpace(e)))
	}
	deps.Notifier = notify.NewNotifier(senders, kinds, logger)

	return deps, cleanup, nil
}
