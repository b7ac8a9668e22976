package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"futures-agent/internal/config"
	"futures-agent/internal/executor"
	"futures-agent/internal/trader"
)

// Provider 为决策来源的抽象：给定账户与市场快照，产出一批待执行决策。
type Provider interface {
	Decide(ctx context.Context, snapshot *Snapshot) (executor.Batch, error)
}

// OpenAIProvider 通过大模型生成交易决策。
type OpenAIProvider struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewOpenAIProvider 使用给定配置创建决策提供方。
func NewOpenAIProvider(cfg config.OpenAIConfig, logger *zap.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &OpenAIProvider{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(clientCfg),
	}, nil
}

// Decide 渲染提示词、调用模型并解析出一批决策。
// 快照中未被模型提及的标的按 HOLD 补齐。
func (p *OpenAIProvider) Decide(ctx context.Context, snapshot *Snapshot) (executor.Batch, error) {
	prompt, err := BuildPrompt(snapshot)
	if err != nil {
		return nil, err
	}

	response, err := p.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		p.logger.Error("调用OpenAI失败", zap.Error(err))
		return nil, fmt.Errorf("调用OpenAI失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return nil, errors.New("OpenAI 返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return nil, errors.New("OpenAI 返回内容为空")
	}

	batch, err := ParseBatch(rawContent, snapshot)
	if err != nil {
		p.logger.Error("解析模型决策失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return nil, err
	}

	for symbol, d := range batch {
		p.logger.Info("AI 决策生成",
			zap.String("symbol", symbol),
			zap.String("action", string(d.Action)),
			zap.Float64("position_size_usd", d.PositionSizeUSD),
		)
	}

	return batch, nil
}

type envelope struct {
	Decisions []rawDecision `json:"decisions"`
}

type rawDecision struct {
	Symbol          string  `json:"symbol"`
	Action          string  `json:"action"`
	Reasoning       string  `json:"reasoning"`
	PositionSizeUSD float64 `json:"position_size_usd"`
	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPrice float64 `json:"take_profit_price"`
}

var validActions = map[executor.Action]struct{}{
	executor.ActionOpenLong:   {},
	executor.ActionOpenShort:  {},
	executor.ActionCloseLong:  {},
	executor.ActionCloseShort: {},
	executor.ActionHold:       {},
}

// ParseBatch 从模型输出中提取JSON并转换为决策批次。
// 每个决策在加入批次前先经过字段校验；批次键为归一化符号，
// Decision.Symbol 则回写为快照中的交易所符号，保证下单时交易所
// 收到的始终是配置的原始写法。
func ParseBatch(content string, snapshot *Snapshot) (executor.Batch, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("解析决策JSON失败: %w", err)
	}
	if len(env.Decisions) == 0 {
		return nil, errors.New("模型未返回任何决策")
	}

	batch := make(executor.Batch, len(env.Decisions))
	for _, raw := range env.Decisions {
		d, err := raw.toDecision()
		if err != nil {
			return nil, err
		}
		key := trader.NormalizeSymbol(d.Symbol)
		if _, dup := batch[key]; dup {
			return nil, fmt.Errorf("标的 %s 出现重复决策", key)
		}
		// 模型输出的符号写法不可靠，必须落回快照中的交易所符号。
		if snapshot != nil {
			sc := snapshot.ContextFor(d.Symbol)
			if sc == nil {
				return nil, fmt.Errorf("模型返回了快照之外的标的: %s", d.Symbol)
			}
			d.Symbol = sc.Symbol
		}
		batch[key] = d
	}

	// 模型漏掉的标的按观望处理，保证每个标的每轮都有状态。
	if snapshot != nil {
		for _, sc := range snapshot.Symbols {
			key := trader.NormalizeSymbol(sc.Symbol)
			if _, ok := batch[key]; ok {
				continue
			}
			batch[key] = &executor.Decision{
				Symbol:          sc.Symbol,
				Action:          executor.ActionHold,
				Reasoning:       "模型未对该标的给出决策",
				ExecutionStatus: executor.StatusPending,
			}
		}
	}

	return batch, nil
}

func (r rawDecision) toDecision() (*executor.Decision, error) {
	symbol := strings.TrimSpace(r.Symbol)
	if trader.NormalizeSymbol(symbol) == "" {
		return nil, errors.New("决策缺少 symbol 字段")
	}

	action := executor.Action(strings.ToUpper(strings.TrimSpace(r.Action)))
	if _, ok := validActions[action]; !ok {
		return nil, fmt.Errorf("标的 %s 的 action 取值非法: %s", symbol, r.Action)
	}

	if action.IsOpen() {
		if r.PositionSizeUSD <= 0 {
			return nil, fmt.Errorf("标的 %s 开仓决策缺少有效的 position_size_usd: %f", symbol, r.PositionSizeUSD)
		}
		if r.StopLossPrice < 0 || r.TakeProfitPrice < 0 {
			return nil, fmt.Errorf("标的 %s 的止损/止盈价格非法", symbol)
		}
		if r.StopLossPrice > 0 && r.TakeProfitPrice > 0 {
			longOrdered := r.StopLossPrice < r.TakeProfitPrice
			if action == executor.ActionOpenLong && !longOrdered {
				return nil, fmt.Errorf("标的 %s 做多决策的止损必须低于止盈", symbol)
			}
			if action == executor.ActionOpenShort && longOrdered {
				return nil, fmt.Errorf("标的 %s 做空决策的止损必须高于止盈", symbol)
			}
		}
	}

	return &executor.Decision{
		Symbol:          symbol,
		Action:          action,
		Reasoning:       strings.TrimSpace(r.Reasoning),
		PositionSizeUSD: r.PositionSizeUSD,
		StopLossPrice:   r.StopLossPrice,
		TakeProfitPrice: r.TakeProfitPrice,
		ExecutionStatus: executor.StatusPending,
	}, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
