package xerr

import (
	"errors"
	"fmt"
)

// 常用错误码定义
const (
	OK                 = 200
	RequestParamsError = 400
	RecordNotFound     = 404
	ServerCommonError  = 500
	DbError            = 501

	// 账本（托管钱包）侧
	LedgerPermanent   = 601 // 余额不足、目标地址非法等，重试无意义
	LedgerTransient   = 602 // 5xx、超时、限流，结果未知或可重试
	LedgerUnavailable = 603 // 熔断打开，请求根本没发出去
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	cause error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.cause }

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留原始错误链，errors.Is 仍然可用
func Wrap(code int, msg string, cause error) error {
	return &CodeError{Code: code, Msg: msg, cause: cause}
}

// CodeOf 取错误链上第一个 CodeError 的码，没有则 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

func IsPermanent(err error) bool { return err != nil && CodeOf(err) == LedgerPermanent }

func IsTransient(err error) bool { return err != nil && CodeOf(err) == LedgerTransient }

func IsUnavailable(err error) bool { return err != nil && CodeOf(err) == LedgerUnavailable }

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case LedgerPermanent:
		return "账本拒绝转账"
	case LedgerTransient:
		return "账本暂时不可用"
	case LedgerUnavailable:
		return "账本熔断中"
	default:
		return "未知错误"
	}
}
