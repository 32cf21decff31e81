package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var errEmptyLogPath = errors.New("logger: log file path is empty")

// ZapConfig 基于 zap 与 lumberjack 的日志配置。
type ZapConfig struct {
	// Filepath 日志文件路径，Console 为 true 时可为空。
	Filepath string
	Level    Level
	// MaxSize 单个文件上限，单位 MB，默认 100。
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
	// Console 同时输出到标准错误。宿主进程通常没有可见控制台，默认关闭。
	Console bool
}

// ZapLogger 基于 zap 的 Logger 实现，输出 JSON。
type ZapLogger struct {
	base  *zap.Logger
	group string
}

// NewZapLogger 创建写入滚动文件和（或）标准错误的 Logger。
func NewZapLogger(cfg ZapConfig) (*ZapLogger, error) {
	if cfg.Filepath == "" && !cfg.Console {
		return nil, errEmptyLogPath
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}

	var writers []zapcore.WriteSyncer
	if cfg.Filepath != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filepath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}))
	}
	if cfg.Console {
		writers = append(writers, zapcore.Lock(os.Stderr))
	}
	return newZapLogger(zapcore.NewMultiWriteSyncer(writers...), cfg.Level), nil
}

// NewWriterLogger 创建输出到任意 writer 的 Logger，用于测试与示例。
func NewWriterLogger(w io.Writer, level Level) *ZapLogger {
	return newZapLogger(zapcore.AddSync(w), level)
}

func newZapLogger(writer zapcore.WriteSyncer, level Level) *ZapLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeDuration = zapcore.StringDurationEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), writer, toZapLevel(level))
	return &ZapLogger{base: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))}
}

func (l *ZapLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &ZapLogger{
		base:  l.base.With(toZapFields(l.group, fields)...),
		group: l.group,
	}
}

// WithGroup 为之后的字段名加上 name 前缀，嵌套分组以点号连接。
func (l *ZapLogger) WithGroup(name string) Logger {
	if name == "" {
		return l
	}
	group := name
	if l.group != "" {
		group = l.group + "." + name
	}
	return &ZapLogger{base: l.base, group: group}
}

func (l *ZapLogger) Enabled(_ context.Context, level Level) bool {
	return l.base.Core().Enabled(toZapLevel(level))
}

func (l *ZapLogger) Log(ctx context.Context, level Level, msg string, fields ...Field) {
	l.log(ctx, level, msg, fields)
}

func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.log(context.Background(), LevelDebug, msg, fields)
}

func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.log(context.Background(), LevelInfo, msg, fields)
}

func (l *ZapLogger) Warn(msg string, fields ...Field) {
	l.log(context.Background(), LevelWarn, msg, fields)
}

func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.log(context.Background(), LevelError, msg, fields)
}

func (l *ZapLogger) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelDebug, msg, fields)
}

func (l *ZapLogger) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelInfo, msg, fields)
}

func (l *ZapLogger) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelWarn, msg, fields)
}

func (l *ZapLogger) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelError, msg, fields)
}

func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

// log 是所有输出入口共用的一层，调用深度固定，caller 跳过两层后指向调用方。
func (l *ZapLogger) log(ctx context.Context, level Level, msg string, fields []Field) {
	if !l.Enabled(ctx, level) {
		return
	}
	l.base.Log(toZapLevel(level), msg, toZapFields(l.group, fields)...)
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(group string, fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := field.Key
		if group != "" {
			key = group + "." + key
		}
		switch v := field.Value.(type) {
		case error:
			out = append(out, zap.NamedError(key, v))
		case time.Duration:
			out = append(out, zap.Duration(key, v))
		case fmt.Stringer:
			// mod 状态、动作与报文类型都实现了 Stringer，按名称输出而不是数值。
			out = append(out, zap.Stringer(key, v))
		default:
			out = append(out, zap.Any(key, v))
		}
	}
	return out
}

var _ Logger = (*ZapLogger)(nil)
