// Package config defines the top-level configuration for the fletcher
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by FLETCHER_* environment
// variables.
type Config struct {
	Markets      []MarketConfig     `toml:"markets"`
	Arbitrage    ArbitrageConfig    `toml:"arbitrage"`
	Balance      BalanceConfig      `toml:"balance"`
	Execution    ExecutionConfig    `toml:"execution"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Ingest       IngestConfig       `toml:"ingest"`
	Wallet       WalletConfig       `toml:"wallet"`
	Kalshi       KalshiConfig       `toml:"kalshi"`
	Polymarket   PolymarketConfig   `toml:"polymarket"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// MarketConfig maps one logical market across both venues.
type MarketConfig struct {
	ID             string `toml:"id"`
	KalshiTicker   string `toml:"kalshi_ticker"`
	PolyYesTokenID string `toml:"poly_yes_token_id"`
	PolyNoTokenID  string `toml:"poly_no_token_id"`
}

// ArbitrageConfig holds the opportunity-evaluation parameters.
type ArbitrageConfig struct {
	// MinProfit is the minimum per-contract profit after fees.
	MinProfit float64 `toml:"min_profit"`
	// FeeRates maps platform name to its taker fee rate (e.g. 0.07).
	FeeRates map[string]float64 `toml:"fee_rates"`
	// MaxQuoteAge rejects pairings whose slower book is older than this.
	MaxQuoteAge duration `toml:"max_quote_age"`
}

// BalanceConfig holds the capital-custody thresholds.
type BalanceConfig struct {
	// ShutdownBalance is the floor no single reservation may breach.
	ShutdownBalance float64 `toml:"shutdown_balance"`
	// MinimumWalletBalance halts new opportunity evaluation system-wide
	// when any platform falls below it.
	MinimumWalletBalance float64 `toml:"minimum_wallet_balance"`
	// ReconcileTolerance is the drift, in dollars, beyond which external
	// truth overwrites the local balance view.
	ReconcileTolerance float64 `toml:"reconcile_tolerance"`
	// TruthPollInterval is how often venue balances are observed and
	// recorded as external truth.
	TruthPollInterval duration `toml:"truth_poll_interval"`
}

// ExecutionConfig holds the trade-execution parameters.
type ExecutionConfig struct {
	LegTimeout   duration `toml:"leg_timeout"`
	MaxTradeSize float64  `toml:"max_trade_size"`
	QueueSize    int      `toml:"queue_size"`
	// DryRun routes orders to the simulated gateway instead of the venues.
	DryRun bool `toml:"dry_run"`
	// PaperStartingBalance seeds each platform's balance view in paper and
	// monitor modes, where no venue balance exists.
	PaperStartingBalance float64 `toml:"paper_starting_balance"`
}

// OrchestratorConfig holds the lifecycle parameters.
type OrchestratorConfig struct {
	Cooldown             duration `toml:"cooldown"`
	MaxReconcileAttempts int      `toml:"max_reconcile_attempts"`
}

// IngestConfig holds feed and bus parameters.
type IngestConfig struct {
	// BusQueueSize bounds the event queue between producers and dispatch.
	BusQueueSize int `toml:"bus_queue_size"`
	// DeltaBuffer bounds per-book pre-snapshot delta buffering.
	DeltaBuffer int `toml:"delta_buffer"`
	// ReconnectMinBackoff and ReconnectMaxBackoff bound the feed
	// reconnect backoff.
	ReconnectMinBackoff duration `toml:"reconnect_min_backoff"`
	ReconnectMaxBackoff duration `toml:"reconnect_max_backoff"`
}

// WalletConfig holds the Ethereum wallet used for Polymarket order signing.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	FunderAddress    string `toml:"funder_address"`
}

// KalshiConfig holds Kalshi exchange API credentials.
type KalshiConfig struct {
	ApiKey            string `toml:"api_key"`
	RsaPrivateKeyPath string `toml:"rsa_private_key_path"`
	BaseURL           string `toml:"base_url"`
	WsURL             string `toml:"ws_url"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// ArchiveCron schedules database-to-S3 archive runs (5-field cron).
	ArchiveCron string `toml:"archive_cron"`
	// RetentionDays is how long rows stay in Postgres before archival.
	RetentionDays int `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder accepts strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Arbitrage: ArbitrageConfig{
			MinProfit: 0.01,
			FeeRates: map[string]float64{
				"kalshi":     0.07,
				"polymarket": 0.0,
			},
			MaxQuoteAge: duration{5 * time.Second},
		},
		Balance: BalanceConfig{
			ShutdownBalance:      25.0,
			MinimumWalletBalance: 100.0,
			ReconcileTolerance:   0.50,
			TruthPollInterval:    duration{time.Minute},
		},
		Execution: ExecutionConfig{
			LegTimeout:           duration{5 * time.Second},
			MaxTradeSize:         500,
			QueueSize:            8,
			DryRun:               true,
			PaperStartingBalance: 1000,
		},
		Orchestrator: OrchestratorConfig{
			Cooldown:             duration{30 * time.Second},
			MaxReconcileAttempts: 5,
		},
		Ingest: IngestConfig{
			BusQueueSize:        1024,
			DeltaBuffer:         256,
			ReconnectMinBackoff: duration{time.Second},
			ReconnectMaxBackoff: duration{time.Minute},
		},
		Kalshi: KalshiConfig{
			BaseURL: "https://api.elections.kalshi.com/trade-api/v2",
			WsURL:   "wss://api.elections.kalshi.com/trade-api/ws/v2",
		},
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:       137,
			SignatureType: 2,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fletcher",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "fletcher-data",
			ForcePathStyle: true,
			ArchiveCron:    "0 3 * * *",
			RetentionDays:  30,
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity_found", "trade_result", "phase_changed"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true, // live trading against both venues
	"paper":   true, // live feeds, simulated gateway
	"monitor": true, // feeds and detection only, no execution
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Markets
	if len(c.Markets) == 0 {
		errs = append(errs, "markets: at least one market mapping is required")
	}
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		if m.ID == "" {
			errs = append(errs, fmt.Sprintf("markets[%d]: id must not be empty", i))
		} else if seen[m.ID] {
			errs = append(errs, fmt.Sprintf("markets[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
		if m.KalshiTicker == "" {
			errs = append(errs, fmt.Sprintf("markets[%d]: kalshi_ticker must not be empty", i))
		}
		if m.PolyYesTokenID == "" || m.PolyNoTokenID == "" {
			errs = append(errs, fmt.Sprintf("markets[%d]: both polymarket token ids must be set", i))
		}
	}

	// Arbitrage
	if c.Arbitrage.MinProfit <= 0 {
		errs = append(errs, "arbitrage: min_profit must be > 0")
	}
	for name, rate := range c.Arbitrage.FeeRates {
		if name != "kalshi" && name != "polymarket" {
			errs = append(errs, fmt.Sprintf("arbitrage: unknown platform %q in fee_rates", name))
		}
		if rate < 0 || rate >= 1 {
			errs = append(errs, fmt.Sprintf("arbitrage: fee_rates[%s] must be in [0, 1), got %v", name, rate))
		}
	}

	// Balance
	if c.Balance.ShutdownBalance < 0 {
		errs = append(errs, "balance: shutdown_balance must be >= 0")
	}
	if c.Balance.MinimumWalletBalance < c.Balance.ShutdownBalance {
		errs = append(errs, "balance: minimum_wallet_balance must be >= shutdown_balance")
	}
	if c.Balance.ReconcileTolerance < 0 {
		errs = append(errs, "balance: reconcile_tolerance must be >= 0")
	}

	// Execution
	if c.Execution.LegTimeout.Duration <= 0 {
		errs = append(errs, "execution: leg_timeout must be > 0")
	}
	if c.Execution.MaxTradeSize < 0 {
		errs = append(errs, "execution: max_trade_size must be >= 0")
	}

	// Orchestrator
	if c.Orchestrator.Cooldown.Duration <= 0 {
		errs = append(errs, "orchestrator: cooldown must be > 0")
	}
	if c.Orchestrator.MaxReconcileAttempts < 1 {
		errs = append(errs, "orchestrator: max_reconcile_attempts must be >= 1")
	}

	// Ingest
	if c.Ingest.BusQueueSize < 1 {
		errs = append(errs, "ingest: bus_queue_size must be >= 1")
	}
	if c.Ingest.DeltaBuffer < 1 {
		errs = append(errs, "ingest: delta_buffer must be >= 1")
	}

	// Live trading needs venue credentials.
	if strings.ToLower(c.Mode) == "trade" {
		if c.Kalshi.ApiKey == "" {
			errs = append(errs, "kalshi: api_key is required for trade mode")
		}
		if c.Kalshi.RsaPrivateKeyPath == "" {
			errs = append(errs, "kalshi: rsa_private_key_path is required for trade mode")
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for trade mode")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Kalshi endpoints
	if c.Kalshi.BaseURL == "" {
		errs = append(errs, "kalshi: base_url must not be empty")
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType != 1 && c.Polymarket.SignatureType != 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 1 (EOA) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1 when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
