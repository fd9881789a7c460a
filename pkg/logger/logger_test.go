package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 把输出劫持到 buffer，按 JSON 解析
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	buffer := &bytes.Buffer{}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.MessageKey = "msg"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(buffer), level)
	UseCore(core, "settlement-test")
	t.Cleanup(func() {
		Log = zap.NewNop()
		SetLevel("info")
	})
	return buffer
}

func decodeLine(t *testing.T, b *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(b.Bytes(), &entry), "日志输出必须是合法的 JSON")
	return entry
}

func TestLogger_Info_WithTraceID(t *testing.T) {
	buffer := captureLogs(t)
	ctx := context.WithValue(context.Background(), TraceIdKey, "trace-777")

	Info(ctx, "payment ingested", zap.String("dedup_key", "abc"), zap.Int64("amount", 50000))

	entry := decodeLine(t, buffer)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "payment ingested", entry["msg"])
	assert.Equal(t, "abc", entry["dedup_key"])
	assert.Equal(t, float64(50000), entry["amount"])
	assert.Equal(t, "settlement-test", entry["service"])
	assert.Equal(t, "trace-777", entry["trace_id"])
}

func TestLogger_SpanTraceIDWins(t *testing.T) {
	buffer := captureLogs(t)
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.WithValue(context.Background(), TraceIdKey, "manual"), sc)

	Warn(ctx, "ledger slow")

	entry := decodeLine(t, buffer)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
}

func TestLogger_Error_NoTraceID(t *testing.T) {
	buffer := captureLogs(t)

	Error(context.Background(), "store unavailable", zap.String("db", "mysql"))

	entry := decodeLine(t, buffer)
	_, exists := entry["trace_id"]
	assert.False(t, exists)
	assert.Equal(t, "error", entry["level"])
}

func TestLogger_SetLevel(t *testing.T) {
	buffer := captureLogs(t)

	Debug(context.Background(), "hidden")
	assert.Zero(t, buffer.Len())

	SetLevel("debug")
	assert.Equal(t, zapcore.DebugLevel, Level())
	Debug(context.Background(), "visible")
	assert.Equal(t, "visible", decodeLine(t, buffer)["msg"])

	SetLevel("bogus")
	assert.Equal(t, zapcore.InfoLevel, Level())
}
