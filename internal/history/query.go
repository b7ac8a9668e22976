package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Statistics 为一段时间窗口内的交易统计汇总。
type Statistics struct {
	PeriodDays       int     `json:"period_days"`
	TotalTrades      int64   `json:"total_trades"`
	TotalVolume      float64 `json:"total_volume"`
	TotalFees        float64 `json:"total_fees"`
	FilledOrders     int64   `json:"filled_orders"`
	CurrentBalance   float64 `json:"current_balance"`
	InitialBalance   float64 `json:"initial_balance"`
	TotalPnl         float64 `json:"total_pnl"`
	TotalPnlPercent  float64 `json:"total_pnl_percent"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	ActivePositions  int     `json:"active_positions"`
	BalanceSnapshots int64   `json:"balance_snapshots"`
}

// BalancePoint 为余额历史曲线上的一个采样点。
type BalancePoint struct {
	Timestamp        time.Time `json:"timestamp"`
	TotalBalance     float64   `json:"total_balance"`
	AvailableBalance float64   `json:"available_balance"`
	UnrealizedPnl    float64   `json:"unrealized_pnl"`
}

// OrderRecord 为本地存储中的一条订单记录。
type OrderRecord struct {
	OrderID      string    `json:"order_id"`
	Exchange     string    `json:"exchange"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Type         string    `json:"type"`
	Amount       float64   `json:"amount"`
	Price        float64   `json:"price"`
	Filled       float64   `json:"filled"`
	AveragePrice float64   `json:"average_price"`
	Cost         float64   `json:"cost"`
	Fee          float64   `json:"fee"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Statistics 聚合最近 days 天的交易统计。聚合查询彼此独立，并发执行。
func (s *Service) Statistics(ctx context.Context, days int) (*Statistics, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	initTime, initialized, err := s.InitTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	initBound := ""
	if initialized {
		initBound = initTime.UTC().Format(time.RFC3339Nano)
	}

	stats := &Statistics{PeriodDays: days}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.db.QueryRowContext(gctx, `
SELECT COUNT(*), COALESCE(SUM(cost), 0), COALESCE(SUM(fee_cost), 0)
FROM trade_records WHERE trade_time >= ?`, cutoff,
		).Scan(&stats.TotalTrades, &stats.TotalVolume, &stats.TotalFees)
		if err != nil {
			return fmt.Errorf("history: 统计成交失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := s.db.QueryRowContext(gctx, `
SELECT COUNT(*) FROM order_records WHERE status = 'FILLED' AND created_time >= ?`, cutoff,
		).Scan(&stats.FilledOrders)
		if err != nil {
			return fmt.Errorf("history: 统计订单失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := s.db.QueryRowContext(gctx, `
SELECT total_balance, unrealized_pnl FROM balance_snapshots
ORDER BY timestamp DESC LIMIT 1`,
		).Scan(&stats.CurrentBalance, &stats.UnrealizedPnl)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("history: 查询最新余额快照失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// 初始余额取初始化时间之后的第一条快照
		err := s.db.QueryRowContext(gctx, `
SELECT total_balance FROM balance_snapshots WHERE timestamp >= ?
ORDER BY timestamp ASC LIMIT 1`, initBound,
		).Scan(&stats.InitialBalance)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("history: 查询初始余额快照失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := s.db.QueryRowContext(gctx,
			`SELECT COUNT(*) FROM balance_snapshots`,
		).Scan(&stats.BalanceSnapshots)
		if err != nil {
			return fmt.Errorf("history: 统计余额快照失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// 持仓数来自交易所实时接口，失败时按 0 处理，不影响统计结果。
		positions, err := s.trader.GetPositions(gctx)
		if err != nil {
			s.logger.Warn("统计时获取持仓失败", zap.Error(err))
			return nil
		}
		stats.ActivePositions = len(positions)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats.TotalPnl = stats.CurrentBalance - stats.InitialBalance
	if stats.InitialBalance > 0 {
		stats.TotalPnlPercent = stats.TotalPnl / stats.InitialBalance * 100
	}

	return stats, nil
}

// BalanceHistory 返回最近 days 天的余额采样点，按时间升序。
func (s *Service) BalanceHistory(ctx context.Context, days int) ([]BalancePoint, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, `
SELECT timestamp, total_balance, available_balance, unrealized_pnl
FROM balance_snapshots WHERE timestamp >= ?
ORDER BY timestamp ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("history: 查询余额历史失败: %w", err)
	}
	defer rows.Close()

	var points []BalancePoint
	for rows.Next() {
		var (
			p  BalancePoint
			ts string
		)
		if err := rows.Scan(&ts, &p.TotalBalance, &p.AvailableBalance, &p.UnrealizedPnl); err != nil {
			return nil, fmt.Errorf("history: 解析余额历史失败: %w", err)
		}
		if p.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("history: 余额快照时间格式非法 %q: %w", ts, err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// OrderHistory 返回最近的订单记录，symbol 为空表示不过滤标的，按创建时间倒序。
func (s *Service) OrderHistory(ctx context.Context, symbol string, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT order_id, exchange, symbol, side, type, amount, COALESCE(price, 0), filled,
	COALESCE(average_price, 0), cost, fee, status, created_time
FROM order_records`
	args := []interface{}{}
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY created_time DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: 查询订单历史失败: %w", err)
	}
	defer rows.Close()

	var records []OrderRecord
	for rows.Next() {
		var (
			r  OrderRecord
			ts string
		)
		if err := rows.Scan(&r.OrderID, &r.Exchange, &r.Symbol, &r.Side, &r.Type, &r.Amount,
			&r.Price, &r.Filled, &r.AveragePrice, &r.Cost, &r.Fee, &r.Status, &ts); err != nil {
			return nil, fmt.Errorf("history: 解析订单历史失败: %w", err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("history: 订单时间格式非法 %q: %w", ts, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
