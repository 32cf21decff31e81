package logger

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Config 日志配置段。
type Config struct {
	Loggers []NamedConfig `yaml:"loggers"`
	// BaseDir 用于解析相对路径，通常为配置文件所在目录，为空时使用可执行文件所在目录。
	BaseDir string `yaml:"-"`
}

// NamedConfig 单个具名日志配置。
type NamedConfig struct {
	Name       string `yaml:"name"`
	Filepath   string `yaml:"filepath"`
	Level      string `yaml:"level"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	EnableEnv  string `yaml:"enable_env"`
	Console    bool   `yaml:"console"`
}

// Validate 校验名称唯一、等级合法，且每个日志至少有一个输出。
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Loggers))
	for _, item := range c.Loggers {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			return errEmptyLoggerName
		}
		if _, ok := seen[name]; ok {
			return errors.Wrapf(errLoggerRegistered, "%q appears twice in config", name)
		}
		seen[name] = struct{}{}
		if _, err := ParseLevel(item.Level); err != nil {
			return errors.Wrapf(err, "logger %q", name)
		}
		if strings.TrimSpace(item.Filepath) == "" && !item.Console {
			return errors.Wrapf(errEmptyLogPath, "logger %q", name)
		}
	}
	return nil
}

// InitFromConfig 根据配置创建具名日志并注册，同名实例会被替换。
//
// 通过 EnableEnv 关闭的日志注册为 Nop。
func InitFromConfig(cfg Config) error {
	for _, item := range cfg.Loggers {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			return errEmptyLoggerName
		}

		if !envEnabled(item.EnableEnv) {
			if err := Replace(name, Nop()); err != nil {
				return err
			}
			continue
		}

		level, err := ParseLevel(item.Level)
		if err != nil {
			return err
		}

		path := resolveFilepath(cfg.BaseDir, item.Filepath)
		if path == "" && !item.Console {
			return errEmptyLogPath
		}

		l, err := NewZapLogger(ZapConfig{
			Filepath:   path,
			Level:      level,
			MaxSize:    item.MaxSize,
			MaxBackups: item.MaxBackups,
			MaxAge:     item.MaxAge,
			Compress:   item.Compress,
			Console:    item.Console,
		})
		if err != nil {
			return err
		}
		if err := Replace(name, l); err != nil {
			return err
		}
	}
	return nil
}

func envEnabled(key string) bool {
	if strings.TrimSpace(key) == "" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func resolveFilepath(base, path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return path
	}
	if base != "" {
		return filepath.Join(base, path)
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
