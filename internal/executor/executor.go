package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"futures-agent/internal/config"
	"futures-agent/internal/trader"
)

// Executor 将一批决策转化为正确排序、相互隔离的交易所操作。
//
// 排序约束：所有平仓先于任何开仓执行，中间刷新一次账户状态；
// 隔离约束：单个标的的失败被折叠为该决策的 failed 结果，不影响同批其他标的。
type Executor struct {
	trader    trader.Trader
	exchanges config.ExchangesConfig
	logger    *zap.Logger
}

// New 创建决策执行编排器。
func New(t trader.Trader, exchanges config.ExchangesConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		trader:    t,
		exchanges: exchanges,
		logger:    logger,
	}
}

// Execute 执行一轮决策批次。返回错误仅表示账户状态不可用导致整批无法开始；
// 正常情况下每个决策都会落在 completed 或 failed 终态上。
func (e *Executor) Execute(ctx context.Context, batch Batch) error {
	if len(batch) == 0 {
		return nil
	}

	e.logger.Info("开始执行交易决策批次", zap.Int("decisions", len(batch)))

	balance, err := e.trader.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("获取账户余额失败: %w", err)
	}
	positions, err := e.trader.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("获取持仓失败: %w", err)
	}

	e.logger.Info("账户状态",
		zap.Float64("total_balance", balance.TotalBalance),
		zap.Int("positions", len(positions)),
	)

	// 批次键为归一化符号，仅用于去重与排序；
	// 下单一律使用 Decision.Symbol 中保留的交易所原始写法。
	var closeKeys, openKeys []string
	for key, decision := range batch {
		if decision.Symbol == "" {
			decision.Symbol = key
		}
		switch {
		case decision.Action == ActionHold:
			decision.complete(ExecutionResult{
				Status:    "success",
				Action:    ActionHold,
				Symbol:    decision.Symbol,
				Message:   "持仓观望，无需执行交易",
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
		case decision.Action.IsClose():
			closeKeys = append(closeKeys, key)
		case decision.Action.IsOpen():
			openKeys = append(openKeys, key)
		default:
			decision.complete(failedResult(decision.Action, decision.Symbol,
				fmt.Errorf("不支持的交易操作: %s", decision.Action)))
		}
	}
	sort.Strings(closeKeys)
	sort.Strings(openKeys)

	// 第一阶段：全部平仓
	for _, key := range closeKeys {
		decision := batch[key]
		result := e.executeClose(ctx, decision.Symbol, decision, positions)
		decision.complete(result)
	}

	// 平仓会改变余额与持仓，开仓前刷新一次；刷新失败不阻塞，沿用旧快照
	if len(closeKeys) > 0 {
		if refreshed, err := e.trader.GetBalance(ctx); err != nil {
			e.logger.Warn("平仓后刷新余额失败，沿用旧快照", zap.Error(err))
		} else {
			balance = refreshed
		}
		if refreshed, err := e.trader.GetPositions(ctx); err != nil {
			e.logger.Warn("平仓后刷新持仓失败，沿用旧快照", zap.Error(err))
		} else {
			positions = refreshed
		}
		e.logger.Info("平仓后账户状态",
			zap.Float64("total_balance", balance.TotalBalance),
			zap.Int("positions", len(positions)),
		)
	}

	// 第二阶段：全部开仓
	for _, key := range openKeys {
		decision := batch[key]
		result := e.executeOpen(ctx, decision.Symbol, decision)
		decision.complete(result)
	}

	e.logger.Info("交易决策批次执行完成", zap.Int("decisions", len(batch)))
	return nil
}

func (e *Executor) executeClose(ctx context.Context, symbol string, decision *Decision, positions []trader.Position) ExecutionResult {
	wantSide := trader.SideLong
	if decision.Action == ActionCloseShort {
		wantSide = trader.SideShort
	}

	var held *trader.Position
	for i := range positions {
		if positions[i].Side == wantSide && trader.SameSymbol(positions[i].Symbol, symbol) {
			held = &positions[i]
			break
		}
	}
	if held == nil {
		var err error
		if wantSide == trader.SideLong {
			err = fmt.Errorf("%s 没有多头持仓可平 (no long position)", symbol)
		} else {
			err = fmt.Errorf("%s 没有空头持仓可平 (no short position)", symbol)
		}
		e.logger.Warn("平仓决策无对应持仓", zap.String("symbol", symbol), zap.String("side", string(wantSide)))
		return failedResult(decision.Action, symbol, err)
	}

	var (
		result trader.OrderResult
		err    error
	)
	if decision.Action == ActionCloseLong {
		result, err = e.trader.CloseLong(ctx, symbol, 0)
	} else {
		result, err = e.trader.CloseShort(ctx, symbol, 0)
	}
	if err != nil {
		e.logger.Error("平仓执行失败", zap.String("symbol", symbol), zap.Error(err))
		return failedResult(decision.Action, symbol, err)
	}

	e.logger.Info("平仓执行成功",
		zap.String("symbol", symbol),
		zap.String("action", string(decision.Action)),
		zap.Float64("quantity", held.Size),
	)

	return ExecutionResult{
		Status:    "success",
		Action:    decision.Action,
		Symbol:    symbol,
		Quantity:  held.Size,
		Message:   result.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (e *Executor) executeOpen(ctx context.Context, symbol string, decision *Decision) ExecutionResult {
	price, err := e.trader.GetMarketPrice(ctx, symbol)
	if err != nil {
		return failedResult(decision.Action, symbol, fmt.Errorf("无法获取 %s 的有效价格: %w", symbol, err))
	}
	if price <= 0 {
		return failedResult(decision.Action, symbol, fmt.Errorf("无法获取 %s 的有效价格", symbol))
	}
	if decision.PositionSizeUSD <= 0 {
		return failedResult(decision.Action, symbol, fmt.Errorf("position_size_usd 必须大于0"))
	}

	quantity := decision.PositionSizeUSD / price
	leverage := e.exchanges.DefaultLeverage(e.trader.ExchangeName())

	var result trader.OrderResult
	if decision.Action == ActionOpenLong {
		result, err = e.trader.OpenLong(ctx, symbol, quantity, leverage, decision.StopLossPrice, decision.TakeProfitPrice)
	} else {
		result, err = e.trader.OpenShort(ctx, symbol, quantity, leverage, decision.StopLossPrice, decision.TakeProfitPrice)
	}
	if err != nil {
		e.logger.Error("开仓执行失败", zap.String("symbol", symbol), zap.Error(err))
		return failedResult(decision.Action, symbol, err)
	}

	e.logger.Info("开仓执行成功",
		zap.String("symbol", symbol),
		zap.String("action", string(decision.Action)),
		zap.Float64("quantity", quantity),
		zap.Int("leverage", leverage),
		zap.Float64("price", price),
	)

	return ExecutionResult{
		Status:    "success",
		Action:    decision.Action,
		Symbol:    symbol,
		Quantity:  quantity,
		Leverage:  leverage,
		Price:     price,
		Message:   result.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
