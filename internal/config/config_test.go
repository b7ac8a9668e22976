package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		App:     AppConfig{Environment: "test"},
		Trading: TradingConfig{Symbols: []string{"BTC/USDT:USDT"}},
		Exchanges: ExchangesConfig{
			Default: "binance_futures",
			Entries: map[string]ExchangeEntry{
				"binance_futures": {
					APIKey:          "key",
					APISecret:       "secret",
					DefaultLeverage: 5,
					Retry: RetryConfig{
						MaxAttempts: 3,
						MinDelay:    time.Second,
						MaxDelay:    5 * time.Second,
					},
				},
			},
		},
		OpenAI: OpenAIConfig{
			APIKey:  "sk-test",
			Model:   "gpt-4.1",
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:         "data/test.db",
			MaxOpenConns: 4,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Encoding:         "console",
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		},
		Scheduler: SchedulerConfig{
			DecisionInterval: 15 * time.Minute,
			SyncRecentHours:  24,
			ErrorBackoff:     30 * time.Second,
		},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidate_HyperliquidRequiresCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Exchanges.Entries["hyperliquid"] = ExchangeEntry{
		DefaultLeverage: 3,
		Retry: RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Second,
			MaxDelay:    5 * time.Second,
		},
	}

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "wallet_address") {
		t.Fatalf("expected hyperliquid credential error, got %v", err)
	}
}

func TestValidate_CollectsMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Trading.Symbols = nil
	cfg.OpenAI.APIKey = ""
	cfg.Scheduler.DecisionInterval = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	for _, fragment := range []string{"trading.symbols", "openai.api_key", "scheduler.decision_interval"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("expected error to mention %s, got %v", fragment, err)
		}
	}
}

func TestDefaultLeverageFallback(t *testing.T) {
	cfg := validConfig()
	if got := cfg.Exchanges.DefaultLeverage("binance_futures"); got != 5 {
		t.Errorf("expected configured leverage 5, got %d", got)
	}
	if got := cfg.Exchanges.DefaultLeverage("unknown"); got != 1 {
		t.Errorf("expected fallback leverage 1, got %d", got)
	}
}
