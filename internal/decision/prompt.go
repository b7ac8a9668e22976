package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

const decisionTemplate = `
你是一个专业的加密货币合约量化交易员。你的任务是根据以下账户与市场快照，为每个标的给出本轮的交易决策。

账户状况：
- 总余额: {{ printf "%.2f" .Snapshot.Balance.TotalBalance }} {{ .Snapshot.Balance.Currency }}
- 可用余额: {{ printf "%.2f" .Snapshot.Balance.AvailableBalance }} {{ .Snapshot.Balance.Currency }}
- 未实现盈亏: {{ printf "%.2f" .Snapshot.Balance.UnrealizedPnl }} {{ .Snapshot.Balance.Currency }}

各标的行情与持仓：
{{ .SymbolsJSON }}

制定决策时请遵循：
1. 先判断每个标的的趋势与动量，确认是否存在高胜率方向；
2. 已有持仓的标的，优先评估是否继续持有（HOLD）或平仓；
3. 开仓决策必须给出以计价货币计的仓位规模 position_size_usd，以及止损/止盈价格；
4. 不确定时保持观望，HOLD 永远是合法的选择；
5. 所有标的的合计新开仓位不得超过可用余额。

请严格输出唯一的 JSON 对象，格式如下：
{
  "decisions": [
    {
      "symbol": "BTCUSDT",
      "action": "OPEN_LONG|OPEN_SHORT|CLOSE_LONG|CLOSE_SHORT|HOLD",
      "reasoning": "支撑结论的关键理由",
      "position_size_usd": 0,
      "stop_loss_price": 0,
      "take_profit_price": 0
    }
  ]
}

注意事项：
- 每个标的恰好一条决策，symbol 必须与快照一致；
- position_size_usd 仅在开仓动作时有意义，平仓与观望请填 0；
- 做多时止损必须低于止盈，做空时相反；
- 平仓动作会平掉该方向的全部持仓；
- 不要输出 JSON 以外的任何内容。
`

var tmpl = template.Must(template.New("decision").Parse(decisionTemplate))

type promptContext struct {
	Snapshot    *Snapshot
	SymbolsJSON string
}

// BuildPrompt 将快照渲染成提示词字符串。
func BuildPrompt(snapshot *Snapshot) (string, error) {
	symbolsJSON, err := json.MarshalIndent(snapshot.Symbols, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化标的快照失败: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, promptContext{
		Snapshot:    snapshot,
		SymbolsJSON: string(symbolsJSON),
	}); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}
