package trader

import (
	"context"
	"time"
)

// Side 表示持仓方向。
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Position 表示单个方向的持仓。
type Position struct {
	Symbol        string
	Side          Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
	PercentagePnl float64
	Leverage      float64
	Margin        float64
	Timestamp     time.Time
	Exchange      string
}

// Balance 描述账户余额快照，构造后不可变。
type Balance struct {
	TotalBalance     float64
	AvailableBalance float64
	MarginBalance    float64
	UnrealizedPnl    float64
	Currency         string
	Timestamp        time.Time
}

// OrderResult 为单次交易调用的执行结果。
type OrderResult struct {
	Symbol           string
	OrderID          string
	Side             string
	Type             string
	Quantity         float64
	Price            float64
	ExecutedQuantity float64
	Status           string
	Fees             float64
	Timestamp        time.Time
	Exchange         string
	Message          string
	Raw              map[string]interface{}
}

// Order 为交易所侧的历史订单记录（对账用）。
type Order struct {
	OrderID      string
	Exchange     string
	Symbol       string
	Side         string
	Type         string
	Amount       float64
	Price        float64
	Filled       float64
	Remaining    float64
	AveragePrice float64
	Cost         float64
	Fee          float64
	FeeCurrency  string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FilledAt     time.Time
	Raw          map[string]interface{}
}

// Trade 为交易所侧的历史成交记录，一经产生不再变化。
type Trade struct {
	TradeID     string
	OrderID     string
	Symbol      string
	Side        string
	Amount      float64
	Price       float64
	Cost        float64
	FeeCost     float64
	FeeCurrency string
	Timestamp   time.Time
	Raw         map[string]interface{}
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Trader 为交易所交易能力的统一契约，所有适配器必须实现。
//
// 配置类操作（SetLeverage/SetMarginMode/CancelAllOrders）失败通常不致命，
// 调用被吞掉并返回 false；其余操作按 internal/trader 的错误分类返回。
type Trader interface {
	GetBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)

	OpenLong(ctx context.Context, symbol string, quantity float64, leverage int, stopLossPrice, takeProfitPrice float64) (OrderResult, error)
	OpenShort(ctx context.Context, symbol string, quantity float64, leverage int, stopLossPrice, takeProfitPrice float64) (OrderResult, error)
	// CloseLong/CloseShort 中 quantity=0 表示平掉该方向的全部持仓。
	CloseLong(ctx context.Context, symbol string, quantity float64) (OrderResult, error)
	CloseShort(ctx context.Context, symbol string, quantity float64) (OrderResult, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) bool
	SetMarginMode(ctx context.Context, symbol string, crossMargin bool) bool
	CancelAllOrders(ctx context.Context, symbol string) bool

	GetMarketPrice(ctx context.Context, symbol string) (float64, error)
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error)
	FetchOrderHistory(ctx context.Context, symbol string, since time.Time) ([]Order, error)
	FetchTradeHistory(ctx context.Context, symbol string, since time.Time) ([]Trade, error)

	FormatQuantity(symbol string, quantity float64) string
	ExchangeName() string
}
