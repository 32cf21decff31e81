package modctx

import (
	"context"
	"os"
	"plugin"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/modloader/pkg/module"
)

// 插件模块需要导出的符号名。
const (
	SymbolNewMod  = "NewMod"
	SymbolExports = "Exports"
)

// Unit 是模块的主加载单元。
type Unit struct {
	// Path 为模块路径。
	Path string
	// Factory 创建入口实例。
	Factory module.Factory
	// Exports 为模块导出的原型值，供插件发现使用。
	Exports []any

	handle any
}

// EntryPoint 通过 Factory 创建入口实例。
func (u *Unit) EntryPoint() (module.EntryPoint, error) {
	if u.Factory == nil {
		return nil, errors.Newf("modctx: module %q has no entry point factory", u.Path)
	}
	ep := u.Factory()
	if ep == nil {
		return nil, errors.Newf("modctx: module %q entry point factory returned nil", u.Path)
	}
	return ep, nil
}

// Backend 抽象平台的动态加载能力，卸载语义是建议性的。
type Backend interface {
	// Check 在创建上下文时校验路径。
	Check(path string) error
	// Open 加载路径对应的主加载单元。
	Open(ctx context.Context, path string) (*Unit, error)
	// Close 请求释放加载单元，不保证立即回收。
	Close(unit *Unit) error
}

// PluginBackend 基于 Go plugin 包加载 .so 模块。
//
// Go 运行时无法卸载已经打开的插件，Close 仅断开引用，代码段会一直驻留在进程中。
type PluginBackend struct{}

// Check 要求路径指向一个存在的普通文件。
func (PluginBackend) Check(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return errors.Newf("modctx: %q is not a regular file", path)
	}
	return nil
}

// Open 打开插件并解析 NewMod 与 Exports 符号。
func (PluginBackend) Open(ctx context.Context, path string) (*Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(SymbolNewMod)
	if err != nil {
		return nil, err
	}

	unit := &Unit{Path: path, handle: p}
	switch fn := sym.(type) {
	case func() module.EntryPoint:
		unit.Factory = fn
	case *func() module.EntryPoint:
		unit.Factory = *fn
	case *module.Factory:
		unit.Factory = *fn
	default:
		return nil, errors.Newf("modctx: symbol %s in %q has unexpected type %T", SymbolNewMod, path, sym)
	}

	if exports, err := p.Lookup(SymbolExports); err == nil {
		switch v := exports.(type) {
		case *[]any:
			unit.Exports = append([]any(nil), (*v)...)
		default:
			return nil, errors.Newf("modctx: symbol %s in %q has unexpected type %T", SymbolExports, path, exports)
		}
	}
	return unit, nil
}

// Close 不做任何事，Go 插件无法卸载。
func (PluginBackend) Close(*Unit) error {
	return nil
}

// StaticBackend 从进程内的注册表加载模块，用于内置 mod 与测试。
type StaticBackend struct {
	mu      sync.RWMutex
	entries map[string]staticEntry
	opened  map[string]int
}

type staticEntry struct {
	factory module.Factory
	exports []any
}

// NewStaticBackend 创建空的静态后端。
func NewStaticBackend() *StaticBackend {
	return &StaticBackend{
		entries: make(map[string]staticEntry),
		opened:  make(map[string]int),
	}
}

// Register 以 path 注册一个模块。
func (b *StaticBackend) Register(path string, factory module.Factory, exports ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[path] = staticEntry{factory: factory, exports: exports}
}

// Check 要求 path 已注册。
func (b *StaticBackend) Check(path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.entries[path]; !ok {
		return errors.Newf("modctx: static module %q is not registered", path)
	}
	return nil
}

// Open 返回一个新的加载单元。
func (b *StaticBackend) Open(ctx context.Context, path string) (*Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[path]
	if !ok {
		return nil, errors.Newf("modctx: static module %q is not registered", path)
	}
	b.opened[path]++
	return &Unit{Path: path, Factory: e.factory, Exports: append([]any(nil), e.exports...)}, nil
}

// Close 记录单元已释放。
func (b *StaticBackend) Close(unit *Unit) error {
	if unit == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened[unit.Path] > 0 {
		b.opened[unit.Path]--
	}
	return nil
}

// Opened 返回 path 当前未释放的单元数量。
func (b *StaticBackend) Opened(path string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opened[path]
}
