package logger

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	errEmptyLoggerName  = errors.New("logger: name is empty")
	errNilLogger        = errors.New("logger: logger is nil")
	errLoggerRegistered = errors.New("logger: name already registered")
)

var (
	registryMu     sync.RWMutex
	registryByName = make(map[string]Logger)
)

// Register 注册具名 Logger，名称已存在时返回错误。
func Register(name string, l Logger) error {
	if name == "" {
		return errEmptyLoggerName
	}
	if l == nil {
		return errNilLogger
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registryByName[name]; exists {
		return errors.Wrapf(errLoggerRegistered, "%q", name)
	}
	registryByName[name] = l
	return nil
}

// Replace 注册或替换具名 Logger，被替换的实例会先刷新缓冲。
//
// 同一进程内重新初始化加载器时，配置中的日志会覆盖上一次的实例。
func Replace(name string, l Logger) error {
	if name == "" {
		return errEmptyLoggerName
	}
	if l == nil {
		return errNilLogger
	}
	registryMu.Lock()
	old := registryByName[name]
	registryByName[name] = l
	registryMu.Unlock()
	if old != nil && old != l {
		_ = old.Sync()
	}
	return nil
}

// Get 按名称获取 Logger，若不存在返回 Nop。
func Get(name string) Logger {
	registryMu.RLock()
	l := registryByName[name]
	registryMu.RUnlock()
	if l == nil {
		return Nop()
	}
	return l
}

// Names 返回已注册的名称，按字典序排列。
func Names() []string {
	registryMu.RLock()
	names := make([]string, 0, len(registryByName))
	for name := range registryByName {
		names = append(names, name)
	}
	registryMu.RUnlock()
	sort.Strings(names)
	return names
}

// SyncAll 刷新全部已注册的 Logger。
func SyncAll() error {
	registryMu.RLock()
	loggers := make([]Logger, 0, len(registryByName))
	for _, l := range registryByName {
		loggers = append(loggers, l)
	}
	registryMu.RUnlock()

	var err error
	for _, l := range loggers {
		err = errors.CombineErrors(err, l.Sync())
	}
	return err
}
