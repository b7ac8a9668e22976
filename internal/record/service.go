package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"futures-agent/internal/executor"
	"futures-agent/internal/store"
)

// Analysis 为一条已落库的决策分析记录。
type Analysis struct {
	ID              int64                     `json:"id"`
	Symbol          string                    `json:"symbol"`
	Action          executor.Action           `json:"action"`
	Reasoning       string                    `json:"reasoning,omitempty"`
	PositionSizeUSD float64                   `json:"position_size_usd,omitempty"`
	StopLossPrice   float64                   `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64                   `json:"take_profit_price,omitempty"`
	ExecutionStatus executor.ExecutionStatus  `json:"execution_status"`
	ExecutionResult *executor.ExecutionResult `json:"execution_result,omitempty"`
	CycleAt         time.Time                 `json:"cycle_at"`
}

// Service 负责持久化每轮决策批次及其执行结果。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化记录服务，创建所需表结构。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("record: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     st.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS trading_analyses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	action TEXT NOT NULL,
	reasoning TEXT,
	position_size_usd REAL NOT NULL DEFAULT 0,
	stop_loss_price REAL NOT NULL DEFAULT 0,
	take_profit_price REAL NOT NULL DEFAULT 0,
	execution_status TEXT NOT NULL,
	execution_result TEXT,
	cycle_at TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trading_analyses_symbol ON trading_analyses(symbol);
CREATE INDEX IF NOT EXISTS idx_trading_analyses_cycle ON trading_analyses(cycle_at);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("record: 初始化表失败: %w", err)
	}
	return nil
}

// SaveBatch 落库一轮已执行的决策批次。单条写入失败只记日志，
// 不阻断其余记录。
func (s *Service) SaveBatch(ctx context.Context, batch executor.Batch, cycleAt time.Time) {
	if cycleAt.IsZero() {
		cycleAt = time.Now().UTC()
	}

	for symbol, d := range batch {
		if err := s.save(ctx, d, cycleAt); err != nil {
			s.logger.Warn("记录决策分析失败",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) save(ctx context.Context, d *executor.Decision, cycleAt time.Time) error {
	var resultJSON interface{}
	if d.ExecutionResult != nil {
		data, err := json.Marshal(d.ExecutionResult)
		if err != nil {
			return fmt.Errorf("record: 序列化执行结果失败: %w", err)
		}
		resultJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO trading_analyses (
	symbol, action, reasoning, position_size_usd, stop_loss_price, take_profit_price,
	execution_status, execution_result, cycle_at, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Symbol,
		string(d.Action),
		d.Reasoning,
		d.PositionSizeUSD,
		d.StopLossPrice,
		d.TakeProfitPrice,
		string(d.ExecutionStatus),
		resultJSON,
		cycleAt.Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record: 写入决策分析失败: %w", err)
	}
	return nil
}

// Recent 返回最近的决策分析记录，symbol 为空表示不过滤标的。
func (s *Service) Recent(ctx context.Context, symbol string, limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, symbol, action, COALESCE(reasoning, ''), position_size_usd,
	stop_loss_price, take_profit_price, execution_status,
	COALESCE(execution_result, ''), cycle_at
FROM trading_analyses`
	args := []interface{}{}
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("record: 查询决策分析失败: %w", err)
	}
	defer rows.Close()

	var analyses []Analysis
	for rows.Next() {
		var (
			a          Analysis
			action     string
			status     string
			resultJSON string
			cycleAt    string
		)
		if err := rows.Scan(&a.ID, &a.Symbol, &action, &a.Reasoning, &a.PositionSizeUSD,
			&a.StopLossPrice, &a.TakeProfitPrice, &status, &resultJSON, &cycleAt); err != nil {
			return nil, fmt.Errorf("record: 解析决策分析失败: %w", err)
		}
		a.Action = executor.Action(action)
		a.ExecutionStatus = executor.ExecutionStatus(status)
		if resultJSON != "" {
			var result executor.ExecutionResult
			if err := json.Unmarshal([]byte(resultJSON), &result); err == nil {
				a.ExecutionResult = &result
			}
		}
		if a.CycleAt, err = time.Parse(time.RFC3339Nano, cycleAt); err != nil {
			return nil, fmt.Errorf("record: 决策时间格式非法 %q: %w", cycleAt, err)
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}
