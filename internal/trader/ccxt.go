package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"futures-agent/internal/config"
)

// callWithRetry 按指数退避重试交易所调用，不可重试的错误立即返回。
func callWithRetry(ctx context.Context, logger *zap.Logger, retry config.RetryConfig, operation string, fn func() error) error {
	attempt := 0
	delay := retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retryable := classifyError(err)

		if !retryable || attempt >= maxAttempts {
			logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func timeFromMillis(ts *int64) time.Time {
	if ts == nil || *ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(*ts).UTC()
}

func timeFromMillisFloat(ts *float64) time.Time {
	if ts == nil {
		return time.Time{}
	}
	ms := int64(*ts)
	return timeFromMillis(&ms)
}

func timeFromMillisString(ts *string) time.Time {
	if ts == nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(*ts), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return timeFromMillis(&ms)
}

// feeCurrencyFromInfo 从 ccxt 解析结果中取手续费币种；typed Fee 结构不含该字段。
func feeCurrencyFromInfo(info map[string]interface{}) string {
	if info == nil {
		return ""
	}
	if fee, ok := info["fee"].(map[string]interface{}); ok {
		if currency, ok := fee["currency"].(string); ok {
			return currency
		}
	}
	return ""
}

// amountPrecisionFromMarket 从 ccxt 解析结果中取数量精度；typed MarketInterface 不含 precision 字段。
func amountPrecisionFromMarket(market ccxt.MarketInterface) *float64 {
	precision, ok := market.Info["precision"].(map[string]interface{})
	if !ok {
		return nil
	}
	value, ok := precision["amount"]
	if !ok || value == nil {
		return nil
	}
	amount := parseNumeric(value)
	return &amount
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}

func convertOrder(exchange string, raw ccxt.Order) Order {
	order := Order{
		OrderID:      derefString(raw.Id),
		Exchange:     exchange,
		Symbol:       derefString(raw.Symbol),
		Side:         strings.ToUpper(derefString(raw.Side)),
		Type:         strings.ToUpper(derefString(raw.Type)),
		Amount:       derefFloat(raw.Amount),
		Price:        derefFloat(raw.Price),
		Filled:       derefFloat(raw.Filled),
		Remaining:    derefFloat(raw.Remaining),
		AveragePrice: derefFloat(raw.Average),
		Cost:         derefFloat(raw.Cost),
		Status:       derefString(raw.Status),
		CreatedAt:    timeFromMillis(raw.Timestamp),
		UpdatedAt:    timeFromMillisString(raw.LastTradeTimestamp),
		Raw:          raw.Info,
	}
	if raw.Fee.Cost != nil {
		order.Fee = *raw.Fee.Cost
	}
	if currency := feeCurrencyFromInfo(raw.Info); currency != "" {
		order.FeeCurrency = currency
	}
	// 只有终态订单才记录成交时间
	if order.Status == "closed" && !order.UpdatedAt.IsZero() {
		order.FilledAt = order.UpdatedAt
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	return order
}

func convertTrade(raw ccxt.Trade) Trade {
	trade := Trade{
		TradeID:   derefString(raw.Id),
		OrderID:   derefString(raw.Order),
		Symbol:    derefString(raw.Symbol),
		Side:      strings.ToLower(derefString(raw.Side)),
		Amount:    derefFloat(raw.Amount),
		Price:     derefFloat(raw.Price),
		Cost:      derefFloat(raw.Cost),
		Timestamp: timeFromMillis(raw.Timestamp),
		Raw:       raw.Info,
	}
	if raw.Fee.Cost != nil {
		trade.FeeCost = *raw.Fee.Cost
	}
	if currency := feeCurrencyFromInfo(raw.Info); currency != "" {
		trade.FeeCurrency = currency
	}
	if trade.Timestamp.IsZero() {
		trade.Timestamp = time.Now().UTC()
	}
	return trade
}

func convertCandles(raw []ccxt.OHLCV) []Candle {
	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}
	return candles
}

func orderResultFrom(exchange, symbol string, raw ccxt.Order) OrderResult {
	result := OrderResult{
		Symbol:           symbol,
		OrderID:          derefString(raw.Id),
		Side:             strings.ToUpper(derefString(raw.Side)),
		Type:             strings.ToUpper(derefString(raw.Type)),
		Quantity:         derefFloat(raw.Amount),
		Price:            derefFloat(raw.Price),
		ExecutedQuantity: derefFloat(raw.Filled),
		Status:           normalizeOrderStatus(derefString(raw.Status)),
		Timestamp:        timeFromMillis(raw.Timestamp),
		Exchange:         exchange,
		Raw:              raw.Info,
	}
	if raw.Fee.Cost != nil {
		result.Fees = *raw.Fee.Cost
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	return result
}

func normalizeOrderStatus(status string) string {
	switch strings.ToLower(status) {
	case "closed":
		return "FILLED"
	case "open":
		return "PENDING"
	case "canceled", "cancelled":
		return "CANCELLED"
	case "rejected", "expired":
		return "FAILED"
	case "":
		return "PENDING"
	default:
		return strings.ToUpper(status)
	}
}

// formatWithPrecision 按交易所申报的精度渲染数量。ccxt 的 precision.amount
// 可能是小数位数，也可能是最小步长，两者都要兼容。
func formatWithPrecision(quantity float64, precision *float64) string {
	if precision == nil {
		return strconv.FormatFloat(quantity, 'f', -1, 64)
	}

	p := *precision
	switch {
	case p >= 1 || p == 0:
		return fmt.Sprintf("%.*f", int(p), quantity)
	case p > 0:
		digits := int(math.Round(-math.Log10(p)))
		if digits < 0 {
			digits = 0
		}
		return fmt.Sprintf("%.*f", digits, quantity)
	default:
		return strconv.FormatFloat(quantity, 'f', -1, 64)
	}
}

// deriveLeverage 在交易所未直接给出杠杆时，用初始保证金率反推。
// 该反推是有损的，只作为回退路径并记录告警。
func deriveLeverage(direct *float64, initialMarginFraction *float64, logger *zap.Logger, symbol string) float64 {
	if direct != nil && *direct > 0 {
		return *direct
	}
	if initialMarginFraction != nil && *initialMarginFraction > 0 {
		leverage := math.Round(1 / *initialMarginFraction)
		if leverage >= 1 {
			logger.Warn("杠杆由初始保证金率反推得出，结果可能有损",
				zap.String("symbol", symbol),
				zap.Float64("initial_margin_fraction", *initialMarginFraction),
				zap.Float64("leverage", leverage),
			)
			return leverage
		}
	}
	return 1
}

// findPosition 按归一化符号与方向在持仓列表中定位目标持仓。
func findPosition(positions []Position, symbol string, side Side) (Position, error) {
	for _, pos := range positions {
		if pos.Side == side && SameSymbol(pos.Symbol, symbol) {
			return pos, nil
		}
	}
	if side == SideLong {
		return Position{}, fmt.Errorf("%w: 没有找到 %s 的多头持仓 (no long position)", ErrPositionNotFound, symbol)
	}
	return Position{}, fmt.Errorf("%w: 没有找到 %s 的空头持仓 (no short position)", ErrPositionNotFound, symbol)
}

// resolveCloseQuantity 把请求的平仓数量折算为实际下单数量：
// 0 表示全部平仓；超过持仓数量属于前置条件失败，直接拒绝且不下单。
func resolveCloseQuantity(held Position, requested float64) (float64, error) {
	if requested == 0 {
		return held.Size, nil
	}
	if requested > held.Size {
		return 0, fmt.Errorf("%w: 平仓数量 %v 超过持仓数量 %v", ErrInvalidQuantity, requested, held.Size)
	}
	return requested, nil
}
