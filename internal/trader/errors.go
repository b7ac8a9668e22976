package trader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrConnection 表示网络或交易所可用性故障，当次调用失败但进程可继续。
	ErrConnection = errors.New("trader: 交易所连接失败")
	// ErrAuthentication 表示密钥或签名无效。
	ErrAuthentication = errors.New("trader: 交易所认证失败")
	// ErrInsufficientFunds 表示可用保证金不足。
	ErrInsufficientFunds = errors.New("trader: 可用资金不足")
	// ErrSymbolNotFound 表示交易对不存在或无有效报价。
	ErrSymbolNotFound = errors.New("trader: 交易对无效")
	// ErrPositionNotFound 表示请求方向上不存在持仓。
	ErrPositionNotFound = errors.New("trader: 未找到对应持仓")
	// ErrOrderNotFound 表示订单不存在。
	ErrOrderNotFound = errors.New("trader: 未找到订单")
	// ErrInvalidQuantity 表示数量参数非法，例如平仓数量超过持仓。
	ErrInvalidQuantity = errors.New("trader: 数量参数非法")
	// ErrConfiguration 表示交易所配置缺失或非法，应在构造期立即暴露。
	ErrConfiguration = errors.New("trader: 交易所配置错误")
	// ErrTrading 表示未归类的执行失败。
	ErrTrading = errors.New("trader: 交易执行失败")
)

// classifyError 将底层 ccxt 错误映射到统一错误分类，并给出是否可重试。
func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		message := strings.TrimSpace(ccxtErr.Message)
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType,
			ccxt.OnMaintenanceErrType:
			return fmt.Errorf("%w: %s", ErrConnection, message), true
		case ccxt.AuthenticationErrorErrType,
			ccxt.PermissionDeniedErrType,
			ccxt.AccountSuspendedErrType:
			return fmt.Errorf("%w: %s", ErrAuthentication, message), false
		case ccxt.InsufficientFundsErrType:
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, message), false
		case ccxt.BadSymbolErrType:
			return fmt.Errorf("%w: %s", ErrSymbolNotFound, message), false
		case ccxt.OrderNotFoundErrType:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, message), false
		default:
			return fmt.Errorf("%w: %s", ErrTrading, message), false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrConnection, err), true
	}

	return err, false
}
