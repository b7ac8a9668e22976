package decision

import (
	"strings"
	"testing"

	"futures-agent/internal/executor"
	"futures-agent/internal/trader"
)

func testSnapshot(symbols ...string) *Snapshot {
	s := &Snapshot{
		Balance: trader.Balance{TotalBalance: 10000, AvailableBalance: 8000, Currency: "USDT"},
	}
	for _, symbol := range symbols {
		s.Symbols = append(s.Symbols, &SymbolContext{Symbol: symbol, Price: 50000})
	}
	return s
}

func TestParseBatch_ValidDecisions(t *testing.T) {
	content := `根据分析结果如下：
{
  "decisions": [
    {
      "symbol": "BTC/USDT:USDT",
      "action": "open_long",
      "reasoning": "趋势向上",
      "position_size_usd": 100,
      "stop_loss_price": 45000,
      "take_profit_price": 55000
    },
    {
      "symbol": "ETHUSDT",
      "action": "HOLD",
      "reasoning": "信号不明确"
    }
  ]
}`

	batch, err := ParseBatch(content, testSnapshot("BTCUSDT", "ETHUSDT"))
	if err != nil {
		t.Fatalf("ParseBatch failed: %v", err)
	}

	btc, ok := batch["BTCUSDT"]
	if !ok {
		t.Fatalf("expected normalized BTCUSDT key, got %v", batch)
	}
	if btc.Action != executor.ActionOpenLong {
		t.Errorf("expected OPEN_LONG, got %s", btc.Action)
	}
	if btc.PositionSizeUSD != 100 || btc.StopLossPrice != 45000 || btc.TakeProfitPrice != 55000 {
		t.Errorf("unexpected decision fields: %+v", btc)
	}
	if btc.ExecutionStatus != executor.StatusPending {
		t.Errorf("parsed decision must start pending, got %s", btc.ExecutionStatus)
	}

	if eth := batch["ETHUSDT"]; eth == nil || eth.Action != executor.ActionHold {
		t.Errorf("expected ETHUSDT HOLD decision, got %+v", eth)
	}
}

func TestParseBatch_FillsMissingSymbolsWithHold(t *testing.T) {
	content := `{"decisions":[{"symbol":"BTCUSDT","action":"HOLD","reasoning":"wait"}]}`

	batch, err := ParseBatch(content, testSnapshot("BTCUSDT", "ETHUSDT"))
	if err != nil {
		t.Fatalf("ParseBatch failed: %v", err)
	}

	eth, ok := batch["ETHUSDT"]
	if !ok {
		t.Fatalf("expected missing symbol to be filled in, got %v", batch)
	}
	if eth.Action != executor.ActionHold {
		t.Errorf("filled-in decision must be HOLD, got %s", eth.Action)
	}
}

func TestParseBatch_KeepsExchangeSymbol(t *testing.T) {
	content := `{"decisions":[{"symbol":"BTCUSDT","action":"OPEN_LONG","position_size_usd":100}]}`

	batch, err := ParseBatch(content, testSnapshot("BTC/USDT:USDT", "ETH/USDT:USDT"))
	if err != nil {
		t.Fatalf("ParseBatch failed: %v", err)
	}

	btc, ok := batch["BTCUSDT"]
	if !ok {
		t.Fatalf("expected normalized BTCUSDT key, got %v", batch)
	}
	if btc.Symbol != "BTC/USDT:USDT" {
		t.Errorf("decision must carry the snapshot's exchange symbol, got %q", btc.Symbol)
	}

	eth, ok := batch["ETHUSDT"]
	if !ok {
		t.Fatalf("expected filled-in ETHUSDT key, got %v", batch)
	}
	if eth.Symbol != "ETH/USDT:USDT" {
		t.Errorf("filled-in decision must carry the snapshot's exchange symbol, got %q", eth.Symbol)
	}
}

func TestParseBatch_RejectsUnknownSymbol(t *testing.T) {
	content := `{"decisions":[{"symbol":"SOLUSDT","action":"HOLD"}]}`

	if _, err := ParseBatch(content, testSnapshot("BTC/USDT:USDT")); err == nil ||
		!strings.Contains(err.Error(), "快照之外的标的") {
		t.Errorf("expected rejection for symbol outside the snapshot, got %v", err)
	}
}

func TestParseBatch_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no json",
			content: "抱歉，我无法给出决策",
			wantErr: "未找到有效JSON",
		},
		{
			name:    "empty decisions",
			content: `{"decisions":[]}`,
			wantErr: "未返回任何决策",
		},
		{
			name:    "bad action",
			content: `{"decisions":[{"symbol":"BTCUSDT","action":"YOLO"}]}`,
			wantErr: "action 取值非法",
		},
		{
			name:    "open without size",
			content: `{"decisions":[{"symbol":"BTCUSDT","action":"OPEN_LONG","stop_loss_price":1,"take_profit_price":2}]}`,
			wantErr: "position_size_usd",
		},
		{
			name:    "long stop above take",
			content: `{"decisions":[{"symbol":"BTCUSDT","action":"OPEN_LONG","position_size_usd":100,"stop_loss_price":55000,"take_profit_price":45000}]}`,
			wantErr: "止损必须低于止盈",
		},
		{
			name:    "short stop below take",
			content: `{"decisions":[{"symbol":"BTCUSDT","action":"OPEN_SHORT","position_size_usd":100,"stop_loss_price":45000,"take_profit_price":55000}]}`,
			wantErr: "止损必须高于止盈",
		},
		{
			name:    "duplicate symbol",
			content: `{"decisions":[{"symbol":"BTCUSDT","action":"HOLD"},{"symbol":"BTC/USDT:USDT","action":"HOLD"}]}`,
			wantErr: "重复决策",
		},
	}

	for _, tc := range cases {
		if _, err := ParseBatch(tc.content, nil); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	snapshot := testSnapshot("BTCUSDT")
	snapshot.Symbols[0].Position = &trader.Position{
		Symbol: "BTCUSDT",
		Side:   trader.SideLong,
		Size:   0.5,
	}

	prompt, err := BuildPrompt(snapshot)
	if err != nil {
		t.Fatalf("BuildPrompt failed: %v", err)
	}

	for _, fragment := range []string{"BTCUSDT", "10000.00", "OPEN_LONG|OPEN_SHORT|CLOSE_LONG|CLOSE_SHORT|HOLD", "position_size_usd"} {
		if !strings.Contains(prompt, fragment) {
			t.Errorf("prompt missing fragment %q", fragment)
		}
	}
}
