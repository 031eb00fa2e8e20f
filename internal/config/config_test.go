package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Markets = []MarketConfig{{
		ID:             "FED-25DEC",
		KalshiTicker:   "FED-25DEC-T3.75",
		PolyYesTokenID: "tok-yes",
		PolyNoTokenID:  "tok-no",
	}}
	return cfg
}

func TestDefaultsValidateWithMarkets(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with one market should validate: %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "yolo"
	cfg.Markets = append(cfg.Markets, cfg.Markets[0]) // duplicate id
	cfg.Arbitrage.MinProfit = 0
	cfg.Balance.MinimumWalletBalance = cfg.Balance.ShutdownBalance - 1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"unknown mode", "duplicate id", "min_profit", "minimum_wallet_balance"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateTradeModeRequiresCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("trade mode without credentials should fail")
	}
	if !strings.Contains(err.Error(), "api_key") || !strings.Contains(err.Error(), "wallet") {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Kalshi.ApiKey = "k"
	cfg.Kalshi.RsaPrivateKeyPath = "/keys/kalshi.pem"
	cfg.Wallet.PrivateKey = "0xabc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("trade mode with credentials should validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLETCHER_ARBITRAGE_MIN_PROFIT", "0.05")
	t.Setenv("FLETCHER_ORCHESTRATOR_COOLDOWN", "90s")
	t.Setenv("FLETCHER_MODE", "monitor")
	t.Setenv("FLETCHER_NOTIFY_EVENTS", "trade_result, phase_changed")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Arbitrage.MinProfit != 0.05 {
		t.Errorf("min_profit = %v, want 0.05", cfg.Arbitrage.MinProfit)
	}
	if cfg.Orchestrator.Cooldown.Duration != 90*time.Second {
		t.Errorf("cooldown = %v, want 90s", cfg.Orchestrator.Cooldown.Duration)
	}
	if cfg.Mode != "monitor" {
		t.Errorf("mode = %q, want monitor", cfg.Mode)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[1] != "phase_changed" {
		t.Errorf("notify events = %v", cfg.Notify.Events)
	}
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.Kalshi.ApiKey = "kalshi-key"
	cfg.Postgres.Password = "hunter2"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)
	for name, got := range map[string]string{
		"wallet.private_key": red.Wallet.PrivateKey,
		"kalshi.api_key":     red.Kalshi.ApiKey,
		"postgres.password":  red.Postgres.Password,
		"notify.telegram":    red.Notify.TelegramToken,
	} {
		if got != "***" {
			t.Errorf("%s not redacted: %q", name, got)
		}
	}
	if cfg.Wallet.PrivateKey != "0xdeadbeef" {
		t.Error("redaction mutated the original config")
	}

	// The redacted copy owns its collections.
	red.Markets[0].ID = "mutated"
	if cfg.Markets[0].ID != "FED-25DEC" {
		t.Error("redacted copy shares the markets slice with the original")
	}
}
