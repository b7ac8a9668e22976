package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"futures-agent/internal/config"
	"futures-agent/internal/decision"
	"futures-agent/internal/executor"
	"futures-agent/internal/feature"
	"futures-agent/internal/history"
	"futures-agent/internal/record"
	"futures-agent/internal/scheduler"
	"futures-agent/internal/store"
	"futures-agent/internal/trader"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配各组件并启动调度循环，阻塞至 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchanges.Default),
		zap.Strings("symbols", a.cfg.Trading.Symbols),
	)

	registry := trader.NewRegistry(a.cfg.Exchanges, a.logger)
	t, err := registry.Get("")
	if err != nil {
		return fmt.Errorf("初始化交易适配器失败: %w", err)
	}

	historySvc, err := history.NewService(a.store, t, a.cfg.Trading.Symbols, history.Options{
		RecentHours: a.cfg.Scheduler.SyncRecentHours,
		SymbolDelay: a.cfg.Scheduler.SymbolSyncDelay,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("初始化历史对账服务失败: %w", err)
	}

	if err := historySvc.InitializeIfNeeded(ctx); err != nil {
		return fmt.Errorf("历史数据初始化失败: %w", err)
	}

	recordSvc, err := record.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化决策记录服务失败: %w", err)
	}

	provider, err := decision.NewOpenAIProvider(a.cfg.OpenAI, a.logger)
	if err != nil {
		return fmt.Errorf("初始化决策提供方失败: %w", err)
	}

	runner := newCycleRunner(cycleDeps{
		symbols:  a.cfg.Trading.Symbols,
		builder:  decision.NewContextBuilder(t, feature.NewExtractor(nil, a.logger), a.logger),
		provider: provider,
		executor: executor.New(t, a.cfg.Exchanges, a.logger),
		history:  historySvc,
		record:   recordSvc,
		logger:   a.logger,
	})

	sched := scheduler.New(runner, a.cfg.Scheduler.DecisionInterval, a.cfg.Scheduler.ErrorBackoff, a.logger)
	sched.Start(ctx)

	<-ctx.Done()
	a.logger.Info("系统收到退出信号，正在停止")
	sched.Stop()

	return nil
}
