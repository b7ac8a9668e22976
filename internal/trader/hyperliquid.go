package trader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"futures-agent/internal/config"
)

const hyperliquidExchangeName = "hyperliquid"

const defaultHyperliquidSlippage = 0.05

// Hyperliquid 基于 ccxt Hyperliquid 实现 Trader 契约。
//
// 与 Binance 不同：市价单必须携带参考价格，止损止盈通过下单参数一并提交，
// 平仓使用 reduceOnly 而不是 positionSide。
type Hyperliquid struct {
	cfg      config.ExchangeEntry
	logger   *zap.Logger
	exchange *ccxt.Hyperliquid
	slippage float64

	marketsMu     sync.Mutex
	marketsLoaded bool
	amountDigits  map[string]*float64
}

var _ Trader = (*Hyperliquid)(nil)

// NewHyperliquid 构造 Hyperliquid 交易器，要求配置钱包地址与私钥。
func NewHyperliquid(cfg config.ExchangeEntry, logger *zap.Logger) (*Hyperliquid, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Wallet == "" || cfg.PrivateKey == "" {
		return nil, fmt.Errorf("%w: hyperliquid 配置缺少钱包地址或私钥", ErrConfiguration)
	}

	slippage := cfg.Slippage
	if slippage <= 0 {
		slippage = defaultHyperliquidSlippage
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"walletAddress":   cfg.Wallet,
		"privateKey":      cfg.PrivateKey,
		"options": map[string]interface{}{
			"slippage":        slippage,
			"defaultSlippage": slippage,
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewHyperliquid(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Hyperliquid{
		cfg:          cfg,
		logger:       logger,
		exchange:     ex,
		slippage:     slippage,
		amountDigits: make(map[string]*float64),
	}, nil
}

// ExchangeName 返回交易所标识。
func (h *Hyperliquid) ExchangeName() string {
	return hyperliquidExchangeName
}

// GetBalance 获取账户余额，优先使用 USDC 字段，缺失时回落到 marginSummary。
func (h *Hyperliquid) GetBalance(ctx context.Context) (Balance, error) {
	var raw ccxt.Balances
	err := h.call(ctx, "fetch_balance", func() error {
		balances, err := h.exchange.FetchBalance()
		if err != nil {
			return err
		}
		raw = balances
		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	var total, free float64
	if raw.Total != nil {
		if v, ok := raw.Total["USDC"]; ok && v != nil {
			total = *v
		}
	}
	if raw.Free != nil {
		if v, ok := raw.Free["USDC"]; ok && v != nil {
			free = *v
		}
	}
	if raw.Info != nil {
		if summary, ok := raw.Info["marginSummary"].(map[string]interface{}); ok {
			if total == 0 {
				total = parseNumeric(summary["accountValue"])
			}
		}
		if free == 0 {
			free = parseNumeric(raw.Info["withdrawable"])
		}
	}

	positions, err := h.GetPositions(ctx)
	if err != nil {
		return Balance{}, err
	}
	var unrealized float64
	for _, pos := range positions {
		unrealized += pos.UnrealizedPnl
	}

	return Balance{
		TotalBalance:     total,
		AvailableBalance: free,
		MarginBalance:    total + unrealized,
		UnrealizedPnl:    unrealized,
		Currency:         "USDC",
		Timestamp:        time.Now().UTC(),
	}, nil
}

// GetPositions 返回所有数量大于0的持仓。
func (h *Hyperliquid) GetPositions(ctx context.Context) ([]Position, error) {
	var raw []ccxt.Position
	err := h.call(ctx, "fetch_positions", func() error {
		positions, err := h.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = positions
		return nil
	})
	if err != nil {
		return nil, err
	}

	active := make([]Position, 0, len(raw))
	for _, pos := range raw {
		size := derefFloat(pos.Contracts)
		if size <= 0 {
			continue
		}

		symbol := derefString(pos.Symbol)
		ts := timeFromMillisFloat(pos.Timestamp)
		if ts.IsZero() {
			ts = time.Now().UTC()
		}

		margin := derefFloat(pos.InitialMargin)
		if margin == 0 {
			margin = derefFloat(pos.Collateral)
		}

		leverage := derefFloat(pos.Leverage)
		if leverage <= 0 {
			leverage = float64(h.cfg.DefaultLeverage)
			if leverage <= 0 {
				leverage = 1
			}
		}

		active = append(active, Position{
			Symbol:        symbol,
			Side:          Side(strings.ToUpper(derefString(pos.Side))),
			Size:          size,
			EntryPrice:    derefFloat(pos.EntryPrice),
			MarkPrice:     derefFloat(pos.MarkPrice),
			UnrealizedPnl: derefFloat(pos.UnrealizedPnl),
			PercentagePnl: derefFloat(pos.Percentage),
			Leverage:      leverage,
			Margin:        margin,
			Timestamp:     ts,
			Exchange:      hyperliquidExchangeName,
		})
	}

	return active, nil
}

// OpenLong 开多仓，止损止盈随下单参数一并提交。
func (h *Hyperliquid) OpenLong(ctx context.Context, symbol string, quantity float64, leverage int, stopLossPrice, takeProfitPrice float64) (OrderResult, error) {
	return h.open(ctx, symbol, SideLong, quantity, leverage, stopLossPrice, takeProfitPrice)
}

// OpenShort 开空仓，止损止盈随下单参数一并提交。
func (h *Hyperliquid) OpenShort(ctx context.Context, symbol string, quantity float64, leverage int, stopLossPrice, takeProfitPrice float64) (OrderResult, error) {
	return h.open(ctx, symbol, SideShort, quantity, leverage, stopLossPrice, takeProfitPrice)
}

func (h *Hyperliquid) open(ctx context.Context, symbol string, side Side, quantity float64, leverage int, stopLossPrice, takeProfitPrice float64) (OrderResult, error) {
	if quantity <= 0 {
		return OrderResult{}, fmt.Errorf("%w: 开仓数量必须大于0", ErrInvalidQuantity)
	}

	h.logger.Info("提交开仓订单",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.Int("leverage", leverage),
	)

	h.SetLeverage(ctx, symbol, leverage)

	price, err := h.GetMarketPrice(ctx, symbol)
	if err != nil {
		return OrderResult{}, err
	}

	params := map[string]interface{}{
		"price":    price,
		"slippage": h.slippage,
	}
	if stopLossPrice > 0 {
		params["stopLossPrice"] = stopLossPrice
	}
	if takeProfitPrice > 0 {
		params["takeProfitPrice"] = takeProfitPrice
	}

	orderSide := "buy"
	if side == SideShort {
		orderSide = "sell"
	}

	var raw ccxt.Order
	err = h.call(ctx, "create_order", func() error {
		order, err := h.exchange.CreateOrder(symbol, "market", orderSide, quantity,
			ccxt.WithCreateOrderPrice(price),
			ccxt.WithCreateOrderParams(params),
		)
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}

	result := orderResultFrom(hyperliquidExchangeName, symbol, raw)
	result.Message = fmt.Sprintf("开仓成功: %s %s %s @ $%v", side, symbol, h.FormatQuantity(symbol, quantity), price)
	return result, nil
}

// CloseLong 平多仓，quantity=0 表示全部平仓。
func (h *Hyperliquid) CloseLong(ctx context.Context, symbol string, quantity float64) (OrderResult, error) {
	return h.close(ctx, symbol, SideLong, quantity)
}

// CloseShort 平空仓，quantity=0 表示全部平仓。
func (h *Hyperliquid) CloseShort(ctx context.Context, symbol string, quantity float64) (OrderResult, error) {
	return h.close(ctx, symbol, SideShort, quantity)
}

func (h *Hyperliquid) close(ctx context.Context, symbol string, side Side, quantity float64) (OrderResult, error) {
	positions, err := h.GetPositions(ctx)
	if err != nil {
		return OrderResult{}, err
	}
	held, err := findPosition(positions, symbol, side)
	if err != nil {
		return OrderResult{}, err
	}
	quantity, err = resolveCloseQuantity(held, quantity)
	if err != nil {
		return OrderResult{}, err
	}

	h.logger.Info("提交平仓订单",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
	)

	h.CancelAllOrders(ctx, symbol)

	price, err := h.GetMarketPrice(ctx, symbol)
	if err != nil {
		return OrderResult{}, err
	}

	closeSide := "sell"
	if side == SideShort {
		closeSide = "buy"
	}

	var raw ccxt.Order
	err = h.call(ctx, "create_order", func() error {
		order, err := h.exchange.CreateOrder(symbol, "market", closeSide, quantity,
			ccxt.WithCreateOrderPrice(price),
			ccxt.WithCreateOrderParams(map[string]interface{}{
				"reduceOnly": true,
				"slippage":   h.slippage,
				"price":      price,
			}),
		)
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}

	result := orderResultFrom(hyperliquidExchangeName, symbol, raw)
	result.Message = fmt.Sprintf("平仓成功: %s %s %s", side, symbol, h.FormatQuantity(symbol, quantity))
	return result, nil
}

// SetLeverage 设置杠杆，失败视为非致命并返回 false。
func (h *Hyperliquid) SetLeverage(ctx context.Context, symbol string, leverage int) bool {
	if leverage <= 0 {
		leverage = 1
	}
	err := h.call(ctx, "set_leverage", func() error {
		_, err := h.exchange.SetLeverage(int64(leverage), ccxt.WithSetLeverageSymbol(symbol))
		return err
	})
	if err != nil {
		h.logger.Warn("设置杠杆失败", zap.String("symbol", symbol), zap.Int("leverage", leverage), zap.Error(err))
		return false
	}
	return true
}

// SetMarginMode 设置保证金模式，失败视为非致命并返回 false。
func (h *Hyperliquid) SetMarginMode(ctx context.Context, symbol string, crossMargin bool) bool {
	mode := "isolated"
	if crossMargin {
		mode = "cross"
	}
	err := h.call(ctx, "set_margin_mode", func() error {
		_, err := h.exchange.SetMarginMode(mode,
			ccxt.WithSetMarginModeSymbol(symbol),
			ccxt.WithSetMarginModeParams(map[string]interface{}{"leverage": h.cfg.DefaultLeverage}),
		)
		return err
	})
	if err != nil {
		h.logger.Warn("设置保证金模式失败", zap.String("symbol", symbol), zap.String("mode", mode), zap.Error(err))
		return false
	}
	return true
}

// CancelAllOrders 逐笔取消该交易对的全部挂单，失败视为非致命并返回 false。
func (h *Hyperliquid) CancelAllOrders(ctx context.Context, symbol string) bool {
	err := h.call(ctx, "cancel_all_orders", func() error {
		openOrders, err := h.exchange.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(symbol))
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(openOrders))
		for _, order := range openOrders {
			if id := derefString(order.Id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = h.exchange.CancelOrders(ids, ccxt.WithCancelOrdersSymbol(symbol))
		return err
	})
	if err != nil {
		h.logger.Warn("取消挂单失败", zap.String("symbol", symbol), zap.Error(err))
		return false
	}
	return true
}

// GetMarketPrice 获取最新成交价，无有效报价时返回错误。
func (h *Hyperliquid) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker ccxt.Ticker
	err := h.call(ctx, "fetch_ticker", func() error {
		t, err := h.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}
		ticker = t
		return nil
	})
	if err != nil {
		return 0, err
	}

	price := derefFloat(ticker.Last)
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s 无有效报价", ErrSymbolNotFound, symbol)
	}
	return price, nil
}

// FetchCandles 获取指定周期的K线数据。
func (h *Hyperliquid) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := h.call(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := h.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := h.exchange.FetchOHLCV(symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	return convertCandles(raw), nil
}

// FetchOrderHistory 拉取指定时间之后的历史订单。
func (h *Hyperliquid) FetchOrderHistory(ctx context.Context, symbol string, since time.Time) ([]Order, error) {
	var raw []ccxt.Order
	err := h.call(ctx, "fetch_orders", func() error {
		orders, err := h.exchange.FetchOrders(
			ccxt.WithFetchOrdersSymbol(symbol),
			ccxt.WithFetchOrdersSince(since.UnixMilli()),
		)
		if err != nil {
			return err
		}
		raw = orders
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(raw))
	for _, item := range raw {
		orders = append(orders, convertOrder(hyperliquidExchangeName, item))
	}
	return orders, nil
}

// FetchTradeHistory 拉取指定时间之后的历史成交。
func (h *Hyperliquid) FetchTradeHistory(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	var raw []ccxt.Trade
	err := h.call(ctx, "fetch_my_trades", func() error {
		trades, err := h.exchange.FetchMyTrades(
			ccxt.WithFetchMyTradesSymbol(symbol),
			ccxt.WithFetchMyTradesSince(since.UnixMilli()),
		)
		if err != nil {
			return err
		}
		raw = trades
		return nil
	})
	if err != nil {
		return nil, err
	}

	trades := make([]Trade, 0, len(raw))
	for _, item := range raw {
		trades = append(trades, convertTrade(item))
	}
	return trades, nil
}

// FormatQuantity 按市场精度渲染数量，元数据缺失时回退为原样输出。
func (h *Hyperliquid) FormatQuantity(symbol string, quantity float64) string {
	h.marketsMu.Lock()
	precision, ok := h.amountDigits[symbol]
	h.marketsMu.Unlock()
	if !ok {
		if err := h.ensureMarketsLoaded(context.Background()); err != nil {
			return formatWithPrecision(quantity, nil)
		}
		h.marketsMu.Lock()
		precision = h.amountDigits[symbol]
		h.marketsMu.Unlock()
	}
	return formatWithPrecision(quantity, precision)
}

func (h *Hyperliquid) ensureMarketsLoaded(ctx context.Context) error {
	h.marketsMu.Lock()
	defer h.marketsMu.Unlock()

	if h.marketsLoaded {
		return nil
	}

	loadErr := callWithRetry(ctx, h.logger, h.cfg.Retry, "load_markets", func() error {
		markets, err := h.exchange.LoadMarkets()
		if err != nil {
			return err
		}
		for sym, market := range markets {
			h.amountDigits[sym] = amountPrecisionFromMarket(market)
		}
		return nil
	})
	if loadErr != nil {
		return loadErr
	}

	h.marketsLoaded = true
	h.logger.Info("已完成市场元数据加载", zap.String("exchange", hyperliquidExchangeName))
	return nil
}

func (h *Hyperliquid) call(ctx context.Context, operation string, fn func() error) error {
	return callWithRetry(ctx, h.logger, h.cfg.Retry, operation, fn)
}
