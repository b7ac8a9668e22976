package executor

import "time"

// Action 表示单个标的的交易动作。
type Action string

const (
	ActionOpenLong   Action = "OPEN_LONG"
	ActionOpenShort  Action = "OPEN_SHORT"
	ActionCloseLong  Action = "CLOSE_LONG"
	ActionCloseShort Action = "CLOSE_SHORT"
	ActionHold       Action = "HOLD"
)

// IsClose 判断动作是否为平仓类。
func (a Action) IsClose() bool {
	return a == ActionCloseLong || a == ActionCloseShort
}

// IsOpen 判断动作是否为开仓类。
func (a Action) IsOpen() bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

// ExecutionStatus 表示决策的执行状态机：pending → completed | failed。
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// ExecutionResult 为单个决策的结构化执行结果。
type ExecutionResult struct {
	Status    string  `json:"status"`
	Action    Action  `json:"action"`
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity,omitempty"`
	Leverage  int     `json:"leverage,omitempty"`
	Price     float64 `json:"price,omitempty"`
	Message   string  `json:"message,omitempty"`
	Error     string  `json:"error,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// Decision 为单个标的的交易决策。每轮由决策方生成，
// 执行状态与结果由编排器恰好写入一次，随后交由持久化方读取。
type Decision struct {
	Symbol          string  `json:"symbol"`
	Action          Action  `json:"action"`
	Reasoning       string  `json:"reasoning,omitempty"`
	PositionSizeUSD float64 `json:"position_size_usd,omitempty"`
	StopLossPrice   float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64 `json:"take_profit_price,omitempty"`

	ExecutionStatus ExecutionStatus  `json:"execution_status"`
	ExecutionResult *ExecutionResult `json:"execution_result,omitempty"`
}

// Batch 为一轮决策批次：归一化符号到决策的映射。
// Decision.Symbol 保留交易所侧的原始符号写法，下单时使用该写法。
type Batch map[string]*Decision

func (d *Decision) complete(result ExecutionResult) {
	d.ExecutionResult = &result
	if result.Status == "success" {
		d.ExecutionStatus = StatusCompleted
	} else {
		d.ExecutionStatus = StatusFailed
	}
}

func failedResult(action Action, symbol string, err error) ExecutionResult {
	return ExecutionResult{
		Status:    "failed",
		Action:    action,
		Symbol:    symbol,
		Error:     err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
