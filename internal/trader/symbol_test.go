package trader

import "testing"

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"BTC/USDT:USDT", "BTCUSDT"},
		{"BTCUSDT", "BTCUSDT"},
		{"btc/usdt", "BTCUSDT"},
		{" ETH-USDC ", "ETHUSDC"},
		{"SOL/USDC:USDC", "SOLUSDC"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := NormalizeSymbol(tc.input); got != tc.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSameSymbol(t *testing.T) {
	if !SameSymbol("BTC/USDT:USDT", "BTCUSDT") {
		t.Errorf("expected BTC/USDT:USDT and BTCUSDT to match")
	}
	if SameSymbol("BTCUSDT", "ETHUSDT") {
		t.Errorf("expected BTCUSDT and ETHUSDT not to match")
	}
}

func TestBaseAsset(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"SOL/USDT:USDT", "SOL"},
		{"BTCUSDT", "BTC"},
		{"ETH/USDC", "ETH"},
		{"DOGEUSD", "DOGE"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := BaseAsset(tc.input); got != tc.want {
			t.Errorf("BaseAsset(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
