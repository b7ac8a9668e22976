package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"futures-agent/internal/decision"
	"futures-agent/internal/executor"
	"futures-agent/internal/history"
	"futures-agent/internal/record"
)

type cycleDeps struct {
	symbols  []string
	builder  *decision.ContextBuilder
	provider decision.Provider
	executor *executor.Executor
	history  *history.Service
	record   *record.Service
	logger   *zap.Logger
}

// cycleRunner 串起一轮完整的交易周期：
// 余额快照 → 增量对账 → 拼装快照 → 生成决策 → 执行 → 落库。
type cycleRunner struct {
	deps cycleDeps
}

func newCycleRunner(deps cycleDeps) *cycleRunner {
	return &cycleRunner{deps: deps}
}

// RunCycle 执行单轮交易周期。决策与执行失败会中断本轮并上抛，
// 周期头部的对账失败只记日志，下一轮会重新覆盖相同窗口。
func (r *cycleRunner) RunCycle(ctx context.Context) error {
	started := time.Now().UTC()
	d := r.deps

	r.reconcile(ctx)

	snapshot, err := d.builder.Build(ctx, d.symbols)
	if err != nil {
		return fmt.Errorf("拼装决策快照失败: %w", err)
	}

	batch, err := d.provider.Decide(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("生成交易决策失败: %w", err)
	}

	if err := d.executor.Execute(ctx, batch); err != nil {
		// 批次级失败（余额/持仓不可得）时批次未被执行，直接上抛。
		return fmt.Errorf("执行交易决策失败: %w", err)
	}

	d.record.SaveBatch(ctx, batch, started)

	d.logger.Info("交易周期结束",
		zap.Int("decisions", len(batch)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (r *cycleRunner) reconcile(ctx context.Context) {
	d := r.deps

	if err := d.history.RecordBalanceSnapshot(ctx); err != nil {
		d.logger.Warn("记录余额快照失败", zap.Error(err))
	}
	if _, err := d.history.SyncOrders(ctx, false); err != nil {
		d.logger.Warn("增量同步订单失败", zap.Error(err))
	}
	if _, err := d.history.SyncTrades(ctx, false); err != nil {
		d.logger.Warn("增量同步成交失败", zap.Error(err))
	}
}
