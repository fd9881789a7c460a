package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

// TraceIdKey 手动注入的链路 ID；有 otel span 时优先用 span 的 trace id
const TraceIdKey ctxKey = "trace_id"

// Log 全局 Logger，未 Init 前是 Nop，测试里不会空指针
var Log = zap.NewNop()

var level = zap.NewAtomicLevelAt(zap.InfoLevel)

// FileOptions 日志文件滚动配置
type FileOptions struct {
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Init 初始化日志组件，默认写 logs/{serviceName}.log
func Init(serviceName string, lvl string) {
	InitWithFile(serviceName, lvl, FileOptions{})
}

// InitWithFile 控制台 + 滚动文件双写
func InitWithFile(serviceName string, lvl string, file FileOptions) {
	SetLevel(lvl)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	if file.Path == "" {
		file.Path = filepath.Join("logs", serviceName+".log")
	}
	if file.MaxSizeMB <= 0 {
		file.MaxSizeMB = 100
	}
	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   true,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), zapcore.AddSync(rotator)),
		level,
	)
	UseCore(core, serviceName)
}

// UseCore 直接替换底层 core（测试用 buffer core）
func UseCore(core zapcore.Core, serviceName string) {
	// 封装了一层，Skip 1 让行号指向调用方
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if serviceName != "" {
		Log = Log.With(zap.String("service", serviceName))
	}
}

// SetLevel 运行时调整级别，非法值回落到 info
func SetLevel(lvl string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		l = zap.InfoLevel
	}
	level.SetLevel(l)
}

// Level 当前级别
func Level() zapcore.Level {
	return level.Level()
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withTrace(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withTrace(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withTrace(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withTrace(ctx, fields)...)
}

// Fatal 会 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withTrace(ctx, fields)...)
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		return append(fields, zap.String("trace_id", traceID))
	}
	return fields
}

// Sync main 退出前 defer 调用
func Sync() {
	_ = Log.Sync()
}
