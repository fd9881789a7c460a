package common

import (
	"net/http"

	"blinkpay.com/pkg/logger"
	"blinkpay.com/pkg/xerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

func FailLogged(c *gin.Context, httpStatus int, code int, msg string, err error) {
	logger.Warn(c.Request.Context(), "http error",
		zap.String("request_id", c.GetString("request_id")),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.String("message", msg),
		zap.Error(err),
	)
	Fail(c, httpStatus, code, msg)
}

// FailFromErr 对外只回 code + 固定文案，原始错误只进日志
func FailFromErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	FailLogged(c, httpStatusOf(code), code, xerr.MapErrMsg(code), err)
}

func httpStatusOf(code int) int {
	switch code {
	case xerr.RequestParamsError:
		return http.StatusBadRequest
	case xerr.RecordNotFound:
		return http.StatusNotFound
	case xerr.LedgerTransient, xerr.LedgerUnavailable:
		return http.StatusServiceUnavailable
	case xerr.LedgerPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
