// Package errors 定义统一错误码
package errors

import "fmt"

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK           Code = "OK"
	CodeUnknown      Code = "UNKNOWN"
	CodeInvalidParam Code = "INVALID_PARAM"
	CodeNotFound     Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeInternal     Code = "INTERNAL"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"

	// 会话
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeSessionNotRunning Code = "SESSION_NOT_RUNNING"
	CodeSessionStopped    Code = "SESSION_STOPPED"
	CodeSessionError      Code = "SESSION_ERROR"

	// 订单
	CodeOrderNotFound      Code = "ORDER_NOT_FOUND"
	CodeOrderTerminal      Code = "ORDER_TERMINAL"
	CodeInvalidSide        Code = "INVALID_SIDE"
	CodeInvalidOrderType   Code = "INVALID_ORDER_TYPE"
	CodeInvalidTimeInForce Code = "INVALID_TIME_IN_FORCE"
	CodeInvalidPrice       Code = "INVALID_PRICE"
	CodeInvalidQuantity    Code = "INVALID_QUANTITY"

	// 风控
	CodeInsufficientBuyingPower Code = "INSUFFICIENT_BUYING_POWER"
	CodeNakedShortBlocked       Code = "NAKED_SHORT_BLOCKED"
	CodeSymbolHalted            Code = "SYMBOL_HALTED"
	CodeSSRBlocked              Code = "SSR_BLOCKED"
	CodeTIFWindowClosed         Code = "TIF_WINDOW_CLOSED"
	CodeMarginCall              Code = "MARGIN_CALL"

	// 持久化
	CodeWALAppendFailed   Code = "WAL_APPEND_FAILED"
	CodeCheckpointFailed  Code = "CHECKPOINT_FAILED"
	CodeRecoveryCorrupted Code = "RECOVERY_CORRUPTED"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeSymbolHalted:
		return true
	default:
		return false
	}
}

// 预定义错误
var (
	ErrInvalidParam    = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound        = New(CodeNotFound, "not found")
	ErrSessionNotFound = New(CodeSessionNotFound, "session not found")
	ErrOrderNotFound   = New(CodeOrderNotFound, "order not found")
	ErrSessionStopped  = New(CodeSessionStopped, "session stopped")
)

// RejectReason 下单拒绝原因，随空订单号一起返回
type RejectReason string

const (
	RejectNone            RejectReason = ""
	RejectProbabilistic   RejectReason = "PROBABILISTIC"
	RejectTIFWindow       RejectReason = "TIF_WINDOW_CLOSED"
	RejectBuyingPower     RejectReason = "INSUFFICIENT_BUYING_POWER"
	RejectNakedShort      RejectReason = "NAKED_SHORT_BLOCKED"
	RejectHalted          RejectReason = "SYMBOL_HALTED"
	RejectSSR             RejectReason = "SSR_BLOCKED"
	RejectInvalidParam    RejectReason = "INVALID_PARAM"
	RejectSessionInactive RejectReason = "SESSION_INACTIVE"
)
