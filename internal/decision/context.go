package decision

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"futures-agent/internal/feature"
	"futures-agent/internal/trader"
)

const (
	candleLimit1h int64 = 120
	candleLimit4h int64 = 60
)

// SymbolContext 为单个标的的决策上下文。
type SymbolContext struct {
	Symbol   string             `json:"symbol"`
	Price    float64            `json:"price"`
	Features feature.FeatureSet `json:"features"`
	Position *trader.Position   `json:"position,omitempty"`
}

// Snapshot 为一次决策周期喂给模型的完整账户与市场快照。
type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Balance     trader.Balance   `json:"balance"`
	Symbols     []*SymbolContext `json:"symbols"`
}

// ContextFor 按归一化符号匹配返回快照中指定标的的上下文，未收录时返回 nil。
func (s *Snapshot) ContextFor(symbol string) *SymbolContext {
	for _, sc := range s.Symbols {
		if trader.SameSymbol(sc.Symbol, symbol) {
			return sc
		}
	}
	return nil
}

// PositionFor 返回快照中指定标的的持仓，无持仓时返回 nil。
func (s *Snapshot) PositionFor(symbol string) *trader.Position {
	if sc := s.ContextFor(symbol); sc != nil {
		return sc.Position
	}
	return nil
}

// ContextBuilder 负责拼装决策快照，逐标的的行情拉取并发执行。
type ContextBuilder struct {
	trader    trader.Trader
	extractor *feature.Extractor
	logger    *zap.Logger
}

// NewContextBuilder 创建快照拼装器。
func NewContextBuilder(t trader.Trader, extractor *feature.Extractor, logger *zap.Logger) *ContextBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextBuilder{
		trader:    t,
		extractor: extractor,
		logger:    logger,
	}
}

// Build 拉取账户余额、持仓与各标的的行情特征。
// 任一标的拉取失败会使整个快照失败：缺数据的决策比没有决策更危险。
func (b *ContextBuilder) Build(ctx context.Context, symbols []string) (*Snapshot, error) {
	balance, err := b.trader.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取账户余额失败: %w", err)
	}

	positions, err := b.trader.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取持仓失败: %w", err)
	}

	snapshot := &Snapshot{
		GeneratedAt: time.Now().UTC(),
		Balance:     balance,
		Symbols:     make([]*SymbolContext, len(symbols)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			sc, err := b.buildSymbol(gctx, symbol, positions)
			if err != nil {
				return fmt.Errorf("拼装 %s 决策上下文失败: %w", symbol, err)
			}
			snapshot.Symbols[i] = sc
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.logger.Debug("决策快照拼装完成",
		zap.Int("symbols", len(snapshot.Symbols)),
		zap.Float64("total_balance", balance.TotalBalance),
	)
	return snapshot, nil
}

func (b *ContextBuilder) buildSymbol(ctx context.Context, symbol string, positions []trader.Position) (*SymbolContext, error) {
	price, err := b.trader.GetMarketPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	candles1h, err := b.trader.FetchCandles(ctx, symbol, feature.Timeframe1h, candleLimit1h)
	if err != nil {
		return nil, err
	}
	candles4h, err := b.trader.FetchCandles(ctx, symbol, feature.Timeframe4h, candleLimit4h)
	if err != nil {
		return nil, err
	}

	features, err := b.extractor.Extract(symbol, candles1h, candles4h)
	if err != nil {
		return nil, err
	}

	sc := &SymbolContext{
		Symbol:   symbol,
		Price:    price,
		Features: features,
	}
	for i := range positions {
		if trader.SameSymbol(positions[i].Symbol, symbol) {
			sc.Position = &positions[i]
			break
		}
	}
	return sc, nil
}
