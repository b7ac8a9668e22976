package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"futures-agent/internal/store"
	"futures-agent/internal/trader"
)

const initTimeKey = "system_init_time"

// ErrNotInitialized 表示系统尚未设置初始化时间，历史同步无从谈起。
var ErrNotInitialized = errors.New("history: 系统未设置初始化时间")

// Options 控制对账服务的节奏参数。
type Options struct {
	// RecentHours 为增量同步的回看窗口（小时）。
	RecentHours int
	// SymbolDelay 为逐标的拉取之间的间隔，用于尊重交易所限频。
	SymbolDelay time.Duration
}

// Service 负责将交易所侧的订单、成交与余额历史对账进本地存储，
// 并维护系统数据下界（初始化时间）。
type Service struct {
	db      *sql.DB
	trader  trader.Trader
	symbols []string
	opts    Options
	logger  *zap.Logger
}

// NewService 初始化对账服务并建表。
func NewService(st *store.Store, t trader.Trader, symbols []string, opts Options, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("history: store 不能为空")
	}
	if t == nil {
		return nil, errors.New("history: trader 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RecentHours <= 0 {
		opts.RecentHours = 24
	}
	if opts.SymbolDelay < 0 {
		opts.SymbolDelay = 0
	}

	s := &Service{
		db:      st.DB(),
		trader:  t,
		symbols: symbols,
		opts:    opts,
		logger:  logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS balance_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	total_balance REAL NOT NULL,
	available_balance REAL NOT NULL,
	margin_balance REAL NOT NULL,
	unrealized_pnl REAL NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT 'USDT',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_balance_snapshots_ts ON balance_snapshots(timestamp);

CREATE TABLE IF NOT EXISTS order_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id TEXT NOT NULL UNIQUE,
	exchange TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	amount REAL NOT NULL,
	price REAL,
	filled REAL NOT NULL DEFAULT 0,
	remaining REAL NOT NULL DEFAULT 0,
	average_price REAL,
	cost REAL NOT NULL DEFAULT 0,
	fee REAL NOT NULL DEFAULT 0,
	fee_currency TEXT,
	status TEXT NOT NULL,
	created_time TEXT NOT NULL,
	updated_time TEXT,
	filled_time TEXT,
	raw_data TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_records_symbol ON order_records(symbol);
CREATE INDEX IF NOT EXISTS idx_order_records_created ON order_records(created_time);

CREATE TABLE IF NOT EXISTS trade_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id TEXT NOT NULL UNIQUE,
	order_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	amount REAL NOT NULL,
	price REAL NOT NULL,
	cost REAL NOT NULL,
	fee_cost REAL NOT NULL DEFAULT 0,
	fee_currency TEXT,
	trade_time TEXT NOT NULL,
	raw_data TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_records_symbol ON trade_records(symbol);
CREATE INDEX IF NOT EXISTS idx_trade_records_time ON trade_records(trade_time);

CREATE TABLE IF NOT EXISTS system_config (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("history: 初始化表结构失败: %w", err)
	}
	return nil
}

// InitializeIfNeeded 在服务启动时调用：初始化时间缺失则自动初始化。
func (s *Service) InitializeIfNeeded(ctx context.Context) error {
	initTime, ok, err := s.InitTimestamp(ctx)
	if err != nil {
		return err
	}
	if ok {
		s.logger.Info("系统已初始化", zap.Time("init_time", initTime))
		return nil
	}
	s.logger.Info("系统首次启动，开始自动初始化历史数据")
	return s.AutoInitialize(ctx)
}

// AutoInitialize 设置初始化时间为当前时刻，执行全量同步并记录首个余额快照。
func (s *Service) AutoInitialize(ctx context.Context) error {
	if _, err := s.SetInitTimestamp(ctx, time.Time{}); err != nil {
		return err
	}

	orderCount, err := s.SyncOrders(ctx, true)
	if err != nil {
		return err
	}
	tradeCount, err := s.SyncTrades(ctx, true)
	if err != nil {
		return err
	}

	if err := s.RecordBalanceSnapshot(ctx); err != nil {
		return err
	}

	s.logger.Info("系统自动初始化完成",
		zap.Int("synced_orders", orderCount),
		zap.Int("synced_trades", tradeCount),
	)
	return nil
}

// InitTimestamp 读取系统初始化时间；第二个返回值表示是否已设置。
func (s *Service) InitTimestamp(ctx context.Context) (time.Time, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_config WHERE key = ?`, initTimeKey,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("history: 读取初始化时间失败: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("history: 初始化时间格式非法 %q: %w", value, err)
	}
	return ts, true, nil
}

// SetInitTimestamp 写入系统初始化时间，零值表示当前时刻。返回实际写入的时间。
func (s *Service) SetInitTimestamp(ctx context.Context, initTime time.Time) (time.Time, error) {
	if initTime.IsZero() {
		initTime = time.Now().UTC()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		initTimeKey, initTime.Format(time.RFC3339Nano), now,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("history: 写入初始化时间失败: %w", err)
	}

	s.logger.Info("设置系统初始化时间", zap.Time("init_time", initTime))
	return initTime, nil
}

// RecordBalanceSnapshot 拉取当前余额并追加一条快照。
func (s *Service) RecordBalanceSnapshot(ctx context.Context) error {
	balance, err := s.trader.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("history: 获取账户余额失败: %w", err)
	}

	ts := balance.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO balance_snapshots (timestamp, total_balance, available_balance, margin_balance, unrealized_pnl, currency, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano),
		balance.TotalBalance,
		balance.AvailableBalance,
		balance.MarginBalance,
		balance.UnrealizedPnl,
		balance.Currency,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("history: 写入余额快照失败: %w", err)
	}

	s.logger.Info("记录余额快照",
		zap.Float64("total_balance", balance.TotalBalance),
		zap.Float64("unrealized_pnl", balance.UnrealizedPnl),
	)
	return nil
}

// SyncOrders 同步历史订单。full=true 时自初始化时间起全量同步，
// 否则只回看最近 RecentHours 小时。单个标的失败只记日志并跳过。
func (s *Service) SyncOrders(ctx context.Context, full bool) (int, error) {
	since, err := s.syncLowerBound(ctx, full)
	if err != nil {
		return 0, err
	}

	total := 0
	for i, symbol := range s.symbols {
		if i > 0 {
			if err := s.pace(ctx); err != nil {
				return total, err
			}
		}

		orders, err := s.trader.FetchOrderHistory(ctx, symbol, since)
		if err != nil {
			s.logger.Error("同步订单失败，跳过该标的", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		for _, order := range orders {
			if err := s.upsertOrder(ctx, order); err != nil {
				s.logger.Error("保存订单记录失败", zap.String("order_id", order.OrderID), zap.Error(err))
			}
		}

		total += len(orders)
		s.logger.Debug("同步订单", zap.String("symbol", symbol), zap.Int("count", len(orders)))
	}

	if total > 0 {
		s.logger.Info("订单同步完成", zap.Int("count", total), zap.Bool("full", full))
	}
	return total, nil
}

// SyncTrades 同步历史成交，策略与 SyncOrders 相同；成交记录不可变，重复即跳过。
func (s *Service) SyncTrades(ctx context.Context, full bool) (int, error) {
	since, err := s.syncLowerBound(ctx, full)
	if err != nil {
		return 0, err
	}

	total := 0
	for i, symbol := range s.symbols {
		if i > 0 {
			if err := s.pace(ctx); err != nil {
				return total, err
			}
		}

		trades, err := s.trader.FetchTradeHistory(ctx, symbol, since)
		if err != nil {
			s.logger.Error("同步成交失败，跳过该标的", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		for _, tr := range trades {
			if err := s.insertTrade(ctx, tr); err != nil {
				s.logger.Error("保存成交记录失败", zap.String("trade_id", tr.TradeID), zap.Error(err))
			}
		}

		total += len(trades)
		s.logger.Debug("同步成交", zap.String("symbol", symbol), zap.Int("count", len(trades)))
	}

	if total > 0 {
		s.logger.Info("成交同步完成", zap.Int("count", total), zap.Bool("full", full))
	}
	return total, nil
}

// Reset 清空全部历史数据，按给定时间（零值表示当前时刻）重设数据下界，
// 随后重新全量同步并记录新的余额快照。
func (s *Service) Reset(ctx context.Context, newInitTime time.Time) error {
	s.logger.Info("开始重置历史数据系统")

	for _, table := range []string{"balance_snapshots", "order_records", "trade_records"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("history: 清空 %s 失败: %w", table, err)
		}
	}
	s.logger.Info("历史数据清空完成")

	initTime, err := s.SetInitTimestamp(ctx, newInitTime)
	if err != nil {
		return err
	}

	orderCount, err := s.SyncOrders(ctx, true)
	if err != nil {
		return err
	}
	tradeCount, err := s.SyncTrades(ctx, true)
	if err != nil {
		return err
	}

	if err := s.RecordBalanceSnapshot(ctx); err != nil {
		return err
	}

	s.logger.Info("系统重置完成",
		zap.Time("init_time", initTime),
		zap.Int("synced_orders", orderCount),
		zap.Int("synced_trades", tradeCount),
	)
	return nil
}

func (s *Service) syncLowerBound(ctx context.Context, full bool) (time.Time, error) {
	initTime, ok, err := s.InitTimestamp(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, ErrNotInitialized
	}
	if full {
		return initTime, nil
	}

	since := time.Now().UTC().Add(-time.Duration(s.opts.RecentHours) * time.Hour)
	if since.Before(initTime) {
		since = initTime
	}
	return since, nil
}

func (s *Service) pace(ctx context.Context) error {
	if s.opts.SymbolDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.opts.SymbolDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// upsertOrder 按交易所订单ID幂等写入：已存在则原地更新可变字段。
func (s *Service) upsertOrder(ctx context.Context, order trader.Order) error {
	if order.OrderID == "" {
		return errors.New("history: 订单缺少交易所ID")
	}

	raw := marshalRaw(order.Raw)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO order_records (
	order_id, exchange, symbol, side, type, amount, price, filled, remaining,
	average_price, cost, fee, fee_currency, status,
	created_time, updated_time, filled_time, raw_data, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(order_id) DO UPDATE SET
	filled = excluded.filled,
	remaining = excluded.remaining,
	average_price = excluded.average_price,
	cost = excluded.cost,
	fee = excluded.fee,
	fee_currency = excluded.fee_currency,
	status = excluded.status,
	updated_time = excluded.updated_time,
	filled_time = excluded.filled_time,
	raw_data = excluded.raw_data`,
		order.OrderID,
		order.Exchange,
		order.Symbol,
		order.Side,
		order.Type,
		order.Amount,
		nullFloat(order.Price),
		order.Filled,
		order.Remaining,
		nullFloat(order.AveragePrice),
		order.Cost,
		order.Fee,
		nullString(order.FeeCurrency),
		order.Status,
		order.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(order.UpdatedAt),
		nullTime(order.FilledAt),
		raw,
		now,
	)
	if err != nil {
		return fmt.Errorf("history: 写入订单记录失败: %w", err)
	}
	return nil
}

// insertTrade 成交是不可变事实，重复的交易所成交ID直接跳过。
func (s *Service) insertTrade(ctx context.Context, tr trader.Trade) error {
	if tr.TradeID == "" {
		return errors.New("history: 成交缺少交易所ID")
	}

	raw := marshalRaw(tr.Raw)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO trade_records (
	trade_id, order_id, symbol, side, amount, price, cost,
	fee_cost, fee_currency, trade_time, raw_data, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.TradeID,
		tr.OrderID,
		tr.Symbol,
		tr.Side,
		tr.Amount,
		tr.Price,
		tr.Cost,
		tr.FeeCost,
		nullString(tr.FeeCurrency),
		tr.Timestamp.UTC().Format(time.RFC3339Nano),
		raw,
		now,
	)
	if err != nil {
		return fmt.Errorf("history: 写入成交记录失败: %w", err)
	}
	return nil
}

func marshalRaw(raw map[string]interface{}) interface{} {
	if len(raw) == 0 {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return string(data)
}

func nullFloat(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(v time.Time) interface{} {
	if v.IsZero() {
		return nil
	}
	return v.UTC().Format(time.RFC3339Nano)
}
