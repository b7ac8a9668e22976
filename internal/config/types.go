package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// TradingConfig 描述交易标的集合。
type TradingConfig struct {
	Symbols []string `mapstructure:"symbols"`
}

// ExchangesConfig 管理交易所路由与各交易所配置条目。
type ExchangesConfig struct {
	Default string                   `mapstructure:"default"`
	Entries map[string]ExchangeEntry `mapstructure:"entries"`
}

// ExchangeEntry 描述单个交易所的连接与交易参数。
type ExchangeEntry struct {
	APIKey          string      `mapstructure:"api_key"`
	APISecret       string      `mapstructure:"api_secret"`
	APIPass         string      `mapstructure:"api_password"`
	Wallet          string      `mapstructure:"wallet_address"`
	PrivateKey      string      `mapstructure:"private_key"`
	UseSandbox      bool        `mapstructure:"use_sandbox"`
	DefaultLeverage int         `mapstructure:"default_leverage"`
	CrossMargin     bool        `mapstructure:"cross_margin"`
	Slippage        float64     `mapstructure:"slippage"`
	Retry           RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	DecisionInterval time.Duration `mapstructure:"decision_interval"`
	SyncRecentHours  int           `mapstructure:"sync_recent_hours"`
	SymbolSyncDelay  time.Duration `mapstructure:"symbol_sync_delay"`
	ErrorBackoff     time.Duration `mapstructure:"error_backoff"`
}

// Entry 按名称返回交易所配置条目，不存在时返回 false。
func (c ExchangesConfig) Entry(name string) (ExchangeEntry, bool) {
	entry, ok := c.Entries[strings.ToLower(strings.TrimSpace(name))]
	return entry, ok
}

// DefaultLeverage 返回指定交易所的默认杠杆，未配置时回落为 1。
func (c ExchangesConfig) DefaultLeverage(name string) int {
	if entry, ok := c.Entry(name); ok && entry.DefaultLeverage > 0 {
		return entry.DefaultLeverage
	}
	return 1
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if len(c.Trading.Symbols) == 0 {
		err = multierr.Append(err, errors.New("trading.symbols 至少包含一个交易对"))
	}
	if c.Exchanges.Default == "" {
		err = multierr.Append(err, errors.New("exchanges.default 不能为空"))
	}
	if len(c.Exchanges.Entries) == 0 {
		err = multierr.Append(err, errors.New("exchanges.entries 至少配置一个交易所"))
	}
	for name, entry := range c.Exchanges.Entries {
		if entry.DefaultLeverage <= 0 {
			err = multierr.Append(err, fmt.Errorf("exchanges.entries.%s.default_leverage 必须大于0", name))
		}
		if entry.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, fmt.Errorf("exchanges.entries.%s.retry.max_attempts 必须大于0", name))
		}
		if entry.Retry.MinDelay <= 0 || entry.Retry.MaxDelay <= 0 {
			err = multierr.Append(err, fmt.Errorf("exchanges.entries.%s.retry.delay 必须为正", name))
		}
		if entry.Retry.MinDelay > entry.Retry.MaxDelay {
			err = multierr.Append(err, fmt.Errorf("exchanges.entries.%s.retry.min_delay 不能大于 max_delay", name))
		}
		if entry.Slippage < 0 || entry.Slippage > 0.2 {
			err = multierr.Append(err, fmt.Errorf("exchanges.entries.%s.slippage 应位于[0,0.2]", name))
		}
		if strings.EqualFold(name, "hyperliquid") {
			if entry.Wallet == "" || entry.PrivateKey == "" {
				err = multierr.Append(err, errors.New("hyperliquid 交易需要配置 wallet_address 与 private_key"))
			}
		}
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.DecisionInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.decision_interval 必须大于0"))
	}
	if c.Scheduler.SyncRecentHours <= 0 {
		err = multierr.Append(err, errors.New("scheduler.sync_recent_hours 必须大于0"))
	}
	if c.Scheduler.SymbolSyncDelay < 0 {
		err = multierr.Append(err, errors.New("scheduler.symbol_sync_delay 不能为负"))
	}
	if c.Scheduler.ErrorBackoff <= 0 {
		err = multierr.Append(err, errors.New("scheduler.error_backoff 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
