// Package logger 提供加载器各组件共用的结构化日志接口与具名日志注册表。
package logger

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

// Level 表示日志等级。
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel 解析配置中的等级名称，空字符串视为 info。
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, errors.Newf("logger: invalid level %q", raw)
	}
}

// Field 表示结构化日志字段。
type Field struct {
	Key   string
	Value any
}

// Logger 统一日志接口，方法集与 slog 保持一致。
type Logger interface {
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(ctx context.Context, level Level) bool
	Log(ctx context.Context, level Level, msg string, fields ...Field)

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)

	// Sync 刷新缓冲。
	Sync() error
}

// Nop 返回丢弃全部输出的 Logger，组件未配置日志时使用。
func Nop() Logger {
	return nop
}

var nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) With(...Field) Logger                           { return nop }
func (nopLogger) WithGroup(string) Logger                        { return nop }
func (nopLogger) Enabled(context.Context, Level) bool            { return false }
func (nopLogger) Log(context.Context, Level, string, ...Field)   {}
func (nopLogger) Debug(string, ...Field)                         {}
func (nopLogger) Info(string, ...Field)                          {}
func (nopLogger) Warn(string, ...Field)                          {}
func (nopLogger) Error(string, ...Field)                         {}
func (nopLogger) DebugContext(context.Context, string, ...Field) {}
func (nopLogger) InfoContext(context.Context, string, ...Field)  {}
func (nopLogger) WarnContext(context.Context, string, ...Field)  {}
func (nopLogger) ErrorContext(context.Context, string, ...Field) {}
func (nopLogger) Sync() error                                    { return nil }
