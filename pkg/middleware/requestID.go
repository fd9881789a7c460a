package middleware

import (
	"context"

	"blinkpay.com/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-Id"
	ctxKeyRequestID = "request_id"
)

// ReqId 透传或生成请求 ID；同时作为日志的 trace_id（没有 otel span 时生效）
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, rid)
		c.Header(HeaderRequestID, rid)
		ctx := context.WithValue(c.Request.Context(), logger.TraceIdKey, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestID 取 ReqId 写入的请求 ID，没挂中间件时为空
func RequestID(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}
