package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"futures-agent/internal/config"
	"futures-agent/internal/trader"
)

type mockTrader struct {
	calls []string

	balance   trader.Balance
	positions []trader.Position
	prices    map[string]float64

	balanceErr error
	openErr    map[string]error
	closeErr   map[string]error
}

func newMockTrader() *mockTrader {
	return &mockTrader{
		balance: trader.Balance{TotalBalance: 10000, AvailableBalance: 8000, Currency: "USDT"},
		prices:  map[string]float64{},
	}
}

func (m *mockTrader) GetBalance(ctx context.Context) (trader.Balance, error) {
	m.calls = append(m.calls, "GetBalance")
	if m.balanceErr != nil {
		return trader.Balance{}, m.balanceErr
	}
	return m.balance, nil
}

func (m *mockTrader) GetPositions(ctx context.Context) ([]trader.Position, error) {
	m.calls = append(m.calls, "GetPositions")
	return m.positions, nil
}

func (m *mockTrader) OpenLong(ctx context.Context, symbol string, quantity float64, leverage int, stopLossPrice, takeProfitPrice float64) (trader.OrderResult, error) {
	m.calls = append(m.calls, "OpenLong:"+symbol)
	if err := m.openErr[symbol]; err != nil {
		return trader.OrderResult{}, err
	}
	return trader.OrderResult{Symbol: symbol, Quantity: quantity, Status: "FILLED"}, nil
}

func (m *mockTrader) OpenShort(ctx context.Context, symbol string, quantity float64, leverage int, stopLossPrice, takeProfitPrice float64) (trader.OrderResult, error) {
	m.calls = append(m.calls, "OpenShort:"+symbol)
	if err := m.openErr[symbol]; err != nil {
		return trader.OrderResult{}, err
	}
	return trader.OrderResult{Symbol: symbol, Quantity: quantity, Status: "FILLED"}, nil
}

func (m *mockTrader) CloseLong(ctx context.Context, symbol string, quantity float64) (trader.OrderResult, error) {
	m.calls = append(m.calls, "CloseLong:"+symbol)
	if err := m.closeErr[symbol]; err != nil {
		return trader.OrderResult{}, err
	}
	return trader.OrderResult{Symbol: symbol, Status: "FILLED"}, nil
}

func (m *mockTrader) CloseShort(ctx context.Context, symbol string, quantity float64) (trader.OrderResult, error) {
	m.calls = append(m.calls, "CloseShort:"+symbol)
	if err := m.closeErr[symbol]; err != nil {
		return trader.OrderResult{}, err
	}
	return trader.OrderResult{Symbol: symbol, Status: "FILLED"}, nil
}

func (m *mockTrader) SetLeverage(ctx context.Context, symbol string, leverage int) bool { return true }
func (m *mockTrader) SetMarginMode(ctx context.Context, symbol string, cross bool) bool { return true }
func (m *mockTrader) CancelAllOrders(ctx context.Context, symbol string) bool           { return true }

func (m *mockTrader) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	m.calls = append(m.calls, "GetMarketPrice:"+symbol)
	price, ok := m.prices[symbol]
	if !ok {
		return 0, trader.ErrSymbolNotFound
	}
	return price, nil
}

func (m *mockTrader) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]trader.Candle, error) {
	return nil, nil
}

func (m *mockTrader) FetchOrderHistory(ctx context.Context, symbol string, since time.Time) ([]trader.Order, error) {
	return nil, nil
}

func (m *mockTrader) FetchTradeHistory(ctx context.Context, symbol string, since time.Time) ([]trader.Trade, error) {
	return nil, nil
}

func (m *mockTrader) FormatQuantity(symbol string, quantity float64) string { return "" }
func (m *mockTrader) ExchangeName() string                                  { return "binance_futures" }

func testExchanges() config.ExchangesConfig {
	return config.ExchangesConfig{
		Default: "binance_futures",
		Entries: map[string]config.ExchangeEntry{
			"binance_futures": {DefaultLeverage: 5},
		},
	}
}

func TestExecute_HoldCompletesImmediately(t *testing.T) {
	mock := newMockTrader()
	exec := New(mock, testExchanges(), nil)

	batch := Batch{
		"BTCUSDT": {Action: ActionHold, ExecutionStatus: StatusPending},
	}

	if err := exec.Execute(context.Background(), batch); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	d := batch["BTCUSDT"]
	if d.ExecutionStatus != StatusCompleted {
		t.Errorf("expected HOLD decision completed, got %s", d.ExecutionStatus)
	}
	if d.ExecutionResult == nil || d.ExecutionResult.Status != "success" {
		t.Errorf("expected success result for HOLD, got %+v", d.ExecutionResult)
	}
	for _, call := range mock.calls {
		if strings.HasPrefix(call, "Open") || strings.HasPrefix(call, "Close") {
			t.Errorf("HOLD must not trigger trading calls, saw %s", call)
		}
	}
}

func TestExecute_ClosesBeforeOpens(t *testing.T) {
	mock := newMockTrader()
	mock.positions = []trader.Position{
		{Symbol: "ETHUSDT", Side: trader.SideLong, Size: 1.5},
	}
	mock.prices["BTCUSDT"] = 50000

	exec := New(mock, testExchanges(), nil)

	batch := Batch{
		"BTCUSDT": {Action: ActionOpenLong, PositionSizeUSD: 100, ExecutionStatus: StatusPending},
		"ETHUSDT": {Action: ActionCloseLong, ExecutionStatus: StatusPending},
	}

	if err := exec.Execute(context.Background(), batch); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	closeIdx, openIdx := -1, -1
	for i, call := range mock.calls {
		if call == "CloseLong:ETHUSDT" {
			closeIdx = i
		}
		if call == "OpenLong:BTCUSDT" {
			openIdx = i
		}
	}
	if closeIdx == -1 || openIdx == -1 {
		t.Fatalf("expected both close and open calls, got %v", mock.calls)
	}
	if closeIdx > openIdx {
		t.Errorf("close must run before open, call order: %v", mock.calls)
	}

	if batch["ETHUSDT"].ExecutionStatus != StatusCompleted {
		t.Errorf("expected close decision completed, got %s", batch["ETHUSDT"].ExecutionStatus)
	}
	if batch["BTCUSDT"].ExecutionStatus != StatusCompleted {
		t.Errorf("expected open decision completed, got %s", batch["BTCUSDT"].ExecutionStatus)
	}
}

func TestExecute_OpenQuantityFromNotional(t *testing.T) {
	mock := newMockTrader()
	mock.prices["BTCUSDT"] = 50000

	exec := New(mock, testExchanges(), nil)

	batch := Batch{
		"BTCUSDT": {Action: ActionOpenLong, PositionSizeUSD: 100, ExecutionStatus: StatusPending},
	}

	if err := exec.Execute(context.Background(), batch); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	result := batch["BTCUSDT"].ExecutionResult
	if result == nil {
		t.Fatalf("expected execution result")
	}
	if diff := result.Quantity - 0.002; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("expected quantity 0.002 from 100/50000, got %v", result.Quantity)
	}
	if result.Leverage != 5 {
		t.Errorf("expected configured leverage 5, got %d", result.Leverage)
	}
	if result.Price != 50000 {
		t.Errorf("expected price 50000, got %v", result.Price)
	}
}

func TestExecute_TradesWithExchangeSymbol(t *testing.T) {
	mock := newMockTrader()
	mock.prices["BTC/USDT:USDT"] = 50000
	mock.positions = []trader.Position{
		{Symbol: "ETH/USDT:USDT", Side: trader.SideLong, Size: 1.5},
	}

	exec := New(mock, testExchanges(), nil)

	// 批次键是归一化符号，下单必须用 Decision.Symbol 里的交易所写法
	batch := Batch{
		"BTCUSDT": {Symbol: "BTC/USDT:USDT", Action: ActionOpenLong, PositionSizeUSD: 100, ExecutionStatus: StatusPending},
		"ETHUSDT": {Symbol: "ETH/USDT:USDT", Action: ActionCloseLong, ExecutionStatus: StatusPending},
	}

	if err := exec.Execute(context.Background(), batch); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	for _, want := range []string{"GetMarketPrice:BTC/USDT:USDT", "OpenLong:BTC/USDT:USDT", "CloseLong:ETH/USDT:USDT"} {
		found := false
		for _, call := range mock.calls {
			if call == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected call %s with the exchange symbol, got %v", want, mock.calls)
		}
	}
	for _, call := range mock.calls {
		if call == "OpenLong:BTCUSDT" || call == "CloseLong:ETHUSDT" || call == "GetMarketPrice:BTCUSDT" {
			t.Errorf("normalized symbol must never reach the exchange, saw %s", call)
		}
	}

	if batch["BTCUSDT"].ExecutionStatus != StatusCompleted {
		t.Errorf("expected open decision completed, got %s", batch["BTCUSDT"].ExecutionStatus)
	}
	if batch["ETHUSDT"].ExecutionStatus != StatusCompleted {
		t.Errorf("expected close decision completed, got %s", batch["ETHUSDT"].ExecutionStatus)
	}
}

func TestExecute_CloseWithoutPositionFails(t *testing.T) {
	mock := newMockTrader()
	exec := New(mock, testExchanges(), nil)

	batch := Batch{
		"BTCUSDT": {Action: ActionCloseLong, ExecutionStatus: StatusPending},
	}

	if err := exec.Execute(context.Background(), batch); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	d := batch["BTCUSDT"]
	if d.ExecutionStatus != StatusFailed {
		t.Errorf("expected failed status, got %s", d.ExecutionStatus)
	}
	if d.ExecutionResult == nil || !strings.Contains(d.ExecutionResult.Error, "no long position") {
		t.Errorf("expected no long position error, got %+v", d.ExecutionResult)
	}
	for _, call := range mock.calls {
		if call == "CloseLong:BTCUSDT" {
			t.Errorf("must not call CloseLong without a held position")
		}
	}
}

func TestExecute_SymbolFailureIsIsolated(t *testing.T) {
	mock := newMockTrader()
	mock.prices["BTCUSDT"] = 50000
	mock.prices["ETHUSDT"] = 3000
	mock.openErr = map[string]error{
		"BTCUSDT": errors.New("exchange rejected order"),
	}

	exec := New(mock, testExchanges(), nil)

	batch := Batch{
		"BTCUSDT": {Action: ActionOpenLong, PositionSizeUSD: 100, ExecutionStatus: StatusPending},
		"ETHUSDT": {Action: ActionOpenShort, PositionSizeUSD: 300, ExecutionStatus: StatusPending},
	}

	if err := exec.Execute(context.Background(), batch); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if batch["BTCUSDT"].ExecutionStatus != StatusFailed {
		t.Errorf("expected BTCUSDT failed, got %s", batch["BTCUSDT"].ExecutionStatus)
	}
	if batch["ETHUSDT"].ExecutionStatus != StatusCompleted {
		t.Errorf("expected ETHUSDT completed despite BTCUSDT failure, got %s", batch["ETHUSDT"].ExecutionStatus)
	}
}

func TestExecute_BalanceFailureAbortsBatch(t *testing.T) {
	mock := newMockTrader()
	mock.balanceErr = errors.New("connection refused")

	exec := New(mock, testExchanges(), nil)

	batch := Batch{
		"BTCUSDT": {Action: ActionOpenLong, PositionSizeUSD: 100, ExecutionStatus: StatusPending},
	}

	if err := exec.Execute(context.Background(), batch); err == nil {
		t.Fatalf("expected error when balance unavailable")
	}
	if batch["BTCUSDT"].ExecutionStatus != StatusPending {
		t.Errorf("decision must stay pending when batch aborts, got %s", batch["BTCUSDT"].ExecutionStatus)
	}
}

func TestExecute_EmptyBatch(t *testing.T) {
	mock := newMockTrader()
	exec := New(mock, testExchanges(), nil)

	if err := exec.Execute(context.Background(), Batch{}); err != nil {
		t.Fatalf("empty batch must be a no-op, got %v", err)
	}
	if len(mock.calls) != 0 {
		t.Errorf("empty batch must not touch the exchange, saw %v", mock.calls)
	}
}
