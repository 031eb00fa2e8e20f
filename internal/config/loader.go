package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FLETCHER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FLETCHER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Arbitrage ──
	setFloat64(&cfg.Arbitrage.MinProfit, "FLETCHER_ARBITRAGE_MIN_PROFIT")
	setDuration(&cfg.Arbitrage.MaxQuoteAge, "FLETCHER_ARBITRAGE_MAX_QUOTE_AGE")

	// ── Balance ──
	setFloat64(&cfg.Balance.ShutdownBalance, "FLETCHER_BALANCE_SHUTDOWN_BALANCE")
	setFloat64(&cfg.Balance.MinimumWalletBalance, "FLETCHER_BALANCE_MINIMUM_WALLET_BALANCE")
	setFloat64(&cfg.Balance.ReconcileTolerance, "FLETCHER_BALANCE_RECONCILE_TOLERANCE")
	setDuration(&cfg.Balance.TruthPollInterval, "FLETCHER_BALANCE_TRUTH_POLL_INTERVAL")

	// ── Execution ──
	setDuration(&cfg.Execution.LegTimeout, "FLETCHER_EXECUTION_LEG_TIMEOUT")
	setFloat64(&cfg.Execution.MaxTradeSize, "FLETCHER_EXECUTION_MAX_TRADE_SIZE")
	setInt(&cfg.Execution.QueueSize, "FLETCHER_EXECUTION_QUEUE_SIZE")
	setBool(&cfg.Execution.DryRun, "FLETCHER_EXECUTION_DRY_RUN")
	setFloat64(&cfg.Execution.PaperStartingBalance, "FLETCHER_EXECUTION_PAPER_STARTING_BALANCE")

	// ── Orchestrator ──
	setDuration(&cfg.Orchestrator.Cooldown, "FLETCHER_ORCHESTRATOR_COOLDOWN")
	setInt(&cfg.Orchestrator.MaxReconcileAttempts, "FLETCHER_ORCHESTRATOR_MAX_RECONCILE_ATTEMPTS")

	// ── Ingest ──
	setInt(&cfg.Ingest.BusQueueSize, "FLETCHER_INGEST_BUS_QUEUE_SIZE")
	setInt(&cfg.Ingest.DeltaBuffer, "FLETCHER_INGEST_DELTA_BUFFER")
	setDuration(&cfg.Ingest.ReconnectMinBackoff, "FLETCHER_INGEST_RECONNECT_MIN_BACKOFF")
	setDuration(&cfg.Ingest.ReconnectMaxBackoff, "FLETCHER_INGEST_RECONNECT_MAX_BACKOFF")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "FLETCHER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "FLETCHER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "FLETCHER_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.FunderAddress, "FLETCHER_WALLET_FUNDER_ADDRESS")

	// ── Kalshi ──
	setStr(&cfg.Kalshi.ApiKey, "FLETCHER_KALSHI_API_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "FLETCHER_KALSHI_RSA_PRIVATE_KEY_PATH")
	setStr(&cfg.Kalshi.BaseURL, "FLETCHER_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.WsURL, "FLETCHER_KALSHI_WS_URL")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "FLETCHER_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "FLETCHER_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "FLETCHER_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "FLETCHER_POLYMARKET_SIGNATURE_TYPE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLETCHER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FLETCHER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLETCHER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLETCHER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLETCHER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLETCHER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLETCHER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLETCHER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLETCHER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLETCHER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "FLETCHER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "FLETCHER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLETCHER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLETCHER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLETCHER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FLETCHER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FLETCHER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FLETCHER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FLETCHER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLETCHER_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLETCHER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLETCHER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLETCHER_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "FLETCHER_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ArchiveCron, "FLETCHER_S3_ARCHIVE_CRON")
	setInt(&cfg.S3.RetentionDays, "FLETCHER_S3_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FLETCHER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLETCHER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLETCHER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLETCHER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FLETCHER_MODE")
	setStr(&cfg.LogLevel, "FLETCHER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
