package trader

import "strings"

// NormalizeSymbol 去除交易对符号中的分隔符与结算后缀，便于跨交易所比较。
// 例如 "BTC/USDT:USDT"、"BTCUSDT" 均归一化为 "BTCUSDT"。
func NormalizeSymbol(symbol string) string {
	s := strings.TrimSpace(symbol)
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ToUpper(s)
}

// SameSymbol 判断两个符号在归一化后是否指向同一标的。
func SameSymbol(a, b string) bool {
	return NormalizeSymbol(a) == NormalizeSymbol(b)
}

// BaseAsset 提取符号的基础资产部分，例如 "SOL/USDT:USDT" → "SOL"。
func BaseAsset(symbol string) string {
	s := strings.TrimSpace(symbol)
	if s == "" {
		return ""
	}
	if idx := strings.Index(s, "/"); idx > 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, ":"); idx > 0 {
		s = s[:idx]
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(strings.ToUpper(s), quote) && len(s) > len(quote) {
			s = s[:len(s)-len(quote)]
			break
		}
	}
	return strings.ToUpper(s)
}
