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

const binanceExchangeName = "binance_futures"

// BinanceFutures 基于 ccxt Binance USDⓈ-M 实现 Trader 契约。
type BinanceFutures struct {
	cfg      config.ExchangeEntry
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
	amountDigits  map[string]*float64
}

var _ Trader = (*BinanceFutures)(nil)

// NewBinanceFutures 构造 Binance USDⓈ-M 交易器。
func NewBinanceFutures(cfg config.ExchangeEntry, logger *zap.Logger) (*BinanceFutures, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &BinanceFutures{
		cfg:          cfg,
		logger:       logger,
		exchange:     ex,
		amountDigits: make(map[string]*float64),
	}, nil
}

// ExchangeName 返回交易所标识。
func (b *BinanceFutures) ExchangeName() string {
	return binanceExchangeName
}

// GetBalance 获取合约账户余额。
func (b *BinanceFutures) GetBalance(ctx context.Context) (Balance, error) {
	var raw ccxt.Balances
	err := b.call(ctx, "fetch_balance", func() error {
		balances, err := b.exchange.FetchBalance()
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
		if v, ok := raw.Total["USDT"]; ok && v != nil {
			total = *v
		}
	}
	if raw.Free != nil {
		if v, ok := raw.Free["USDT"]; ok && v != nil {
			free = *v
		}
	}

	positions, err := b.GetPositions(ctx)
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
		Currency:         "USDT",
		Timestamp:        time.Now().UTC(),
	}, nil
}

// GetPositions 返回所有数量大于0的持仓。
func (b *BinanceFutures) GetPositions(ctx context.Context) ([]Position, error) {
	var raw []ccxt.Position
	err := b.call(ctx, "fetch_positions", func() error {
		positions, err := b.exchange.FetchPositions()
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

		active = append(active, Position{
			Symbol:        symbol,
			Side:          Side(strings.ToUpper(derefString(pos.Side))),
			Size:          size,
			EntryPrice:    derefFloat(pos.EntryPrice),
			MarkPrice:     derefFloat(pos.MarkPrice),
			UnrealizedPnl: derefFloat(pos.UnrealizedPnl),
			PercentagePnl: derefFloat(pos.Percentage),
			Leverage:      deriveLeverage(pos.Leverage, pos.InitialMarginPercentage, b.logger, symbol),
			Margin:        derefFloat(pos.InitialMargin),
			Timestamp:     ts,
			Exchange:      binanceExchangeName,
		})
	}

	return active, nil
}

// OpenLong 开多仓，随后尽力挂出止损/止盈保护单。
func (b *BinanceFutures) OpenLong(ctx context.Context, symbol string, quantity float64, leverage int, stopLossPrice, takeProfitPrice float64) (OrderResult, error) {
	return b.open(ctx, symbol, SideLong, quantity, leverage, stopLossPrice, takeProfitPrice)
}

// OpenShort 开空仓，随后尽力挂出止损/止盈保护单。
func (b *BinanceFutures) OpenShort(ctx context.Context, symbol string, quantity float64, leverage int, stopLossPrice, takeProfitPrice float64) (OrderResult, error) {
	return b.open(ctx, symbol, SideShort, quantity, leverage, stopLossPrice, takeProfitPrice)
}

func (b *BinanceFutures) open(ctx context.Context, symbol string, side Side, quantity float64, leverage int, stopLossPrice, takeProfitPrice float64) (OrderResult, error) {
	if quantity <= 0 {
		return OrderResult{}, fmt.Errorf("%w: 开仓数量必须大于0", ErrInvalidQuantity)
	}

	b.logger.Info("提交开仓订单",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.Int("leverage", leverage),
	)

	b.SetLeverage(ctx, symbol, leverage)

	entrySide := "buy"
	protectSide := "sell"
	if side == SideShort {
		entrySide = "sell"
		protectSide = "buy"
	}
	positionSide := string(side)

	var raw ccxt.Order
	err := b.call(ctx, "create_market_order", func() error {
		order, err := b.exchange.CreateMarketOrder(symbol, entrySide, quantity,
			ccxt.WithCreateMarketOrderParams(map[string]interface{}{"positionSide": positionSide}),
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

	result := orderResultFrom(binanceExchangeName, symbol, raw)
	result.Message = fmt.Sprintf("开仓成功: %s %s %s @ 市价", side, symbol, b.FormatQuantity(symbol, quantity))

	// 保护单失败不回滚主订单，只降级记录
	if stopLossPrice > 0 {
		if _, slErr := b.exchange.CreateOrder(symbol, "STOP_MARKET", protectSide, quantity,
			ccxt.WithCreateOrderParams(map[string]interface{}{
				"stopPrice":    stopLossPrice,
				"positionSide": positionSide,
			}),
		); slErr != nil {
			b.logger.Warn("止损单设置失败，仓位暂无保护",
				zap.String("symbol", symbol),
				zap.Float64("stop_loss", stopLossPrice),
				zap.Error(slErr),
			)
			result.Message += "；止损单设置失败"
		} else {
			b.logger.Info("止损单设置成功", zap.String("symbol", symbol), zap.Float64("stop_loss", stopLossPrice))
		}
	}

	if takeProfitPrice > 0 {
		if _, tpErr := b.exchange.CreateOrder(symbol, "limit", protectSide, quantity,
			ccxt.WithCreateOrderPrice(takeProfitPrice),
			ccxt.WithCreateOrderParams(map[string]interface{}{"positionSide": positionSide}),
		); tpErr != nil {
			b.logger.Warn("止盈单设置失败",
				zap.String("symbol", symbol),
				zap.Float64("take_profit", takeProfitPrice),
				zap.Error(tpErr),
			)
			result.Message += "；止盈单设置失败"
		} else {
			b.logger.Info("止盈单设置成功", zap.String("symbol", symbol), zap.Float64("take_profit", takeProfitPrice))
		}
	}

	return result, nil
}

// CloseLong 平多仓，quantity=0 表示全部平仓。
func (b *BinanceFutures) CloseLong(ctx context.Context, symbol string, quantity float64) (OrderResult, error) {
	return b.close(ctx, symbol, SideLong, quantity)
}

// CloseShort 平空仓，quantity=0 表示全部平仓。
func (b *BinanceFutures) CloseShort(ctx context.Context, symbol string, quantity float64) (OrderResult, error) {
	return b.close(ctx, symbol, SideShort, quantity)
}

func (b *BinanceFutures) close(ctx context.Context, symbol string, side Side, quantity float64) (OrderResult, error) {
	positions, err := b.GetPositions(ctx)
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

	b.logger.Info("提交平仓订单",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
	)

	// 先清掉残留的保护性挂单
	b.CancelAllOrders(ctx, symbol)

	closeSide := "sell"
	if side == SideShort {
		closeSide = "buy"
	}

	var raw ccxt.Order
	err = b.call(ctx, "create_market_order", func() error {
		order, err := b.exchange.CreateMarketOrder(symbol, closeSide, quantity,
			ccxt.WithCreateMarketOrderParams(map[string]interface{}{"positionSide": string(side)}),
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

	result := orderResultFrom(binanceExchangeName, symbol, raw)
	result.Message = fmt.Sprintf("平仓成功: %s %s %s", side, symbol, b.FormatQuantity(symbol, quantity))
	return result, nil
}

// SetLeverage 设置杠杆，失败视为非致命并返回 false。
func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) bool {
	if leverage <= 0 {
		leverage = 1
	}
	err := b.call(ctx, "set_leverage", func() error {
		res := <-b.exchange.SetLeverage(int64(leverage), symbol)
		if ccxt.IsError(res) {
			return ccxt.CreateReturnError(res)
		}
		return nil
	})
	if err != nil {
		b.logger.Warn("设置杠杆失败", zap.String("symbol", symbol), zap.Int("leverage", leverage), zap.Error(err))
		return false
	}
	b.logger.Info("设置杠杆成功", zap.String("symbol", symbol), zap.Int("leverage", leverage))
	return true
}

// SetMarginMode 设置保证金模式，失败视为非致命并返回 false。
func (b *BinanceFutures) SetMarginMode(ctx context.Context, symbol string, crossMargin bool) bool {
	mode := "isolated"
	if crossMargin {
		mode = "cross"
	}
	err := b.call(ctx, "set_margin_mode", func() error {
		_, err := b.exchange.SetMarginMode(mode, ccxt.WithSetMarginModeSymbol(symbol))
		return err
	})
	if err != nil {
		b.logger.Warn("设置保证金模式失败", zap.String("symbol", symbol), zap.String("mode", mode), zap.Error(err))
		return false
	}
	return true
}

// CancelAllOrders 取消该交易对的全部挂单，失败视为非致命并返回 false。
func (b *BinanceFutures) CancelAllOrders(ctx context.Context, symbol string) bool {
	err := b.call(ctx, "cancel_all_orders", func() error {
		_, err := b.exchange.CancelAllOrders(ccxt.WithCancelAllOrdersSymbol(symbol))
		return err
	})
	if err != nil {
		b.logger.Warn("取消挂单失败", zap.String("symbol", symbol), zap.Error(err))
		return false
	}
	b.logger.Info("已取消全部挂单", zap.String("symbol", symbol))
	return true
}

// GetMarketPrice 获取最新成交价，无有效报价时返回错误。
func (b *BinanceFutures) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker ccxt.Ticker
	err := b.call(ctx, "fetch_ticker", func() error {
		t, err := b.exchange.FetchTicker(symbol)
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
func (b *BinanceFutures) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := b.call(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := b.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := b.exchange.FetchOHLCV(symbol,
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
func (b *BinanceFutures) FetchOrderHistory(ctx context.Context, symbol string, since time.Time) ([]Order, error) {
	var raw []ccxt.Order
	err := b.call(ctx, "fetch_orders", func() error {
		orders, err := b.exchange.FetchOrders(
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
		orders = append(orders, convertOrder(binanceExchangeName, item))
	}
	return orders, nil
}

// FetchTradeHistory 拉取指定时间之后的历史成交。
func (b *BinanceFutures) FetchTradeHistory(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	var raw []ccxt.Trade
	err := b.call(ctx, "fetch_my_trades", func() error {
		trades, err := b.exchange.FetchMyTrades(
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
func (b *BinanceFutures) FormatQuantity(symbol string, quantity float64) string {
	b.marketsMu.Lock()
	precision, ok := b.amountDigits[symbol]
	b.marketsMu.Unlock()
	if !ok {
		if err := b.ensureMarketsLoaded(context.Background()); err != nil {
			return formatWithPrecision(quantity, nil)
		}
		b.marketsMu.Lock()
		precision = b.amountDigits[symbol]
		b.marketsMu.Unlock()
	}
	return formatWithPrecision(quantity, precision)
}

func (b *BinanceFutures) ensureMarketsLoaded(ctx context.Context) error {
	b.marketsMu.Lock()
	defer b.marketsMu.Unlock()

	if b.marketsLoaded {
		return nil
	}

	loadErr := callWithRetry(ctx, b.logger, b.cfg.Retry, "load_markets", func() error {
		markets, err := b.exchange.LoadMarkets()
		if err != nil {
			return err
		}
		for sym, market := range markets {
			b.amountDigits[sym] = amountPrecisionFromMarket(market)
		}
		return nil
	})
	if loadErr != nil {
		return loadErr
	}

	b.marketsLoaded = true
	b.logger.Info("已完成市场元数据加载", zap.String("exchange", binanceExchangeName))
	return nil
}

func (b *BinanceFutures) call(ctx context.Context, operation string, fn func() error) error {
	return callWithRetry(ctx, b.logger, b.cfg.Retry, operation, fn)
}

