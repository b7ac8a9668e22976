package trader

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestNormalizeOrderStatus(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"closed", "FILLED"},
		{"open", "PENDING"},
		{"canceled", "CANCELLED"},
		{"cancelled", "CANCELLED"},
		{"rejected", "FAILED"},
		{"expired", "FAILED"},
		{"", "PENDING"},
		{"partially_filled", "PARTIALLY_FILLED"},
	}

	for _, tc := range cases {
		if got := normalizeOrderStatus(tc.input); got != tc.want {
			t.Errorf("normalizeOrderStatus(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestFormatWithPrecision(t *testing.T) {
	digits := 3.0
	step := 0.001
	coarse := 0.0

	cases := []struct {
		name      string
		quantity  float64
		precision *float64
		want      string
	}{
		{"digit count", 0.0123456, &digits, "0.012"},
		{"step size", 0.0123456, &step, "0.012"},
		{"integer precision", 12.7, &coarse, "13"},
		{"nil precision", 0.002, nil, "0.002"},
	}

	for _, tc := range cases {
		if got := formatWithPrecision(tc.quantity, tc.precision); got != tc.want {
			t.Errorf("%s: formatWithPrecision(%v) = %q, want %q", tc.name, tc.quantity, got, tc.want)
		}
	}
}

func TestDeriveLeverage(t *testing.T) {
	logger := zap.NewNop()

	direct := 10.0
	fraction := 0.05
	zero := 0.0

	if got := deriveLeverage(&direct, &fraction, logger, "BTCUSDT"); got != 10 {
		t.Errorf("expected direct leverage 10, got %v", got)
	}
	if got := deriveLeverage(nil, &fraction, logger, "BTCUSDT"); got != 20 {
		t.Errorf("expected leverage 20 from margin fraction 0.05, got %v", got)
	}
	if got := deriveLeverage(nil, nil, logger, "BTCUSDT"); got != 1 {
		t.Errorf("expected fallback leverage 1, got %v", got)
	}
	if got := deriveLeverage(&zero, &zero, logger, "BTCUSDT"); got != 1 {
		t.Errorf("expected fallback leverage 1 for zero inputs, got %v", got)
	}
}

func TestFindPosition(t *testing.T) {
	positions := []Position{
		{Symbol: "BTC/USDT:USDT", Side: SideLong, Size: 0.5},
		{Symbol: "ETH/USDT:USDT", Side: SideShort, Size: 2},
	}

	held, err := findPosition(positions, "BTCUSDT", SideLong)
	if err != nil {
		t.Fatalf("findPosition failed: %v", err)
	}
	if held.Symbol != "BTC/USDT:USDT" || held.Size != 0.5 {
		t.Errorf("unexpected position: %+v", held)
	}

	if _, err := findPosition(positions, "BTCUSDT", SideShort); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound for missing short, got %v", err)
	}
	if _, err := findPosition(positions, "SOLUSDT", SideLong); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound for unknown symbol, got %v", err)
	}
}

func TestResolveCloseQuantity(t *testing.T) {
	held := Position{Symbol: "BTC/USDT:USDT", Side: SideLong, Size: 0.5}

	if got, err := resolveCloseQuantity(held, 0); err != nil || got != 0.5 {
		t.Errorf("zero quantity must close the full position, got %v err %v", got, err)
	}
	if got, err := resolveCloseQuantity(held, 0.2); err != nil || got != 0.2 {
		t.Errorf("partial close must keep the requested quantity, got %v err %v", got, err)
	}
	if _, err := resolveCloseQuantity(held, 0.6); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("over-close must fail with ErrInvalidQuantity, got %v", err)
	}
}
