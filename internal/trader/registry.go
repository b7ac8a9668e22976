package trader

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"futures-agent/internal/config"
)

// Registry 负责按交易所名称构造并缓存 Trader 实例。
// 每个交易所在进程生命周期内只构造一次，之后复用同一实例。
type Registry struct {
	cfg    config.ExchangesConfig
	logger *zap.Logger

	mu      sync.Mutex
	traders map[string]Trader
}

// NewRegistry 创建交易器注册表。
func NewRegistry(cfg config.ExchangesConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		traders: make(map[string]Trader),
	}
}

// Get 返回指定交易所的 Trader，name 为空时使用配置的默认交易所。
// 配置缺失或交易所不受支持时返回 ErrConfiguration。
func (r *Registry) Get(name string) (Trader, error) {
	target := name
	if strings.TrimSpace(target) == "" {
		target = r.cfg.Default
	}
	normalized := NormalizeExchangeName(target)

	r.mu.Lock()
	defer r.mu.Unlock()

	if trader, ok := r.traders[normalized]; ok {
		return trader, nil
	}

	entry, ok := r.cfg.Entry(normalized)
	if !ok {
		return nil, fmt.Errorf("%w: 配置中未提供交易所 %s", ErrConfiguration, normalized)
	}

	var (
		trader Trader
		err    error
	)
	switch normalized {
	case binanceExchangeName:
		trader, err = NewBinanceFutures(entry, r.logger)
	case hyperliquidExchangeName:
		trader, err = NewHyperliquid(entry, r.logger)
	default:
		return nil, fmt.Errorf("%w: 不支持的交易所 %s", ErrConfiguration, name)
	}
	if err != nil {
		return nil, err
	}

	r.traders[normalized] = trader
	r.logger.Info("交易器初始化完成", zap.String("exchange", normalized))
	return trader, nil
}

// NormalizeExchangeName 归一化交易所别名。
func NormalizeExchangeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	switch normalized {
	case "", "binance", "binance_futures":
		return binanceExchangeName
	case "hl", "hyperliquid":
		return hyperliquidExchangeName
	default:
		return normalized
	}
}
