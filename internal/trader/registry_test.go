package trader

import (
	"errors"
	"testing"

	"futures-agent/internal/config"
)

func TestNormalizeExchangeName(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"", "binance_futures"},
		{"binance", "binance_futures"},
		{"Binance_Futures", "binance_futures"},
		{"hl", "hyperliquid"},
		{"HYPERLIQUID", "hyperliquid"},
		{"kraken", "kraken"},
	}

	for _, tc := range cases {
		if got := NormalizeExchangeName(tc.input); got != tc.want {
			t.Errorf("NormalizeExchangeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestRegistryGet_MissingEntry(t *testing.T) {
	registry := NewRegistry(config.ExchangesConfig{
		Default: "binance_futures",
		Entries: map[string]config.ExchangeEntry{},
	}, nil)

	if _, err := registry.Get("binance_futures"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for missing entry, got %v", err)
	}
}

func TestRegistryGet_UnsupportedExchange(t *testing.T) {
	registry := NewRegistry(config.ExchangesConfig{
		Default: "binance_futures",
		Entries: map[string]config.ExchangeEntry{
			"kraken": {APIKey: "k", APISecret: "s"},
		},
	}, nil)

	if _, err := registry.Get("kraken"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unsupported exchange, got %v", err)
	}
}

func TestRegistryGet_HyperliquidRequiresWallet(t *testing.T) {
	registry := NewRegistry(config.ExchangesConfig{
		Default: "hyperliquid",
		Entries: map[string]config.ExchangeEntry{
			"hyperliquid": {},
		},
	}, nil)

	if _, err := registry.Get(""); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for hyperliquid without wallet, got %v", err)
	}
}
