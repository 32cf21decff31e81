// Package modctx 为每个 mod 提供隔离的模块加载上下文。
//
// 上下文声明一组共享包：这些包中的类型由宿主解析，mod 与宿主看到的是同一类型，跨 mod 的控制器
// 与插件接口必须来自共享包。卸载是协作式的，Dispose 只保证不再调用模块并释放上下文持有的引用，
// 不保证内存立即回收。
package modctx

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/moderr"
	"github.com/lk2023060901/modloader/pkg/module"
	"github.com/lk2023060901/modloader/pkg/service"
)

var (
	errDisposed      = errors.New("modctx: context disposed")
	errUnitNotLoaded = errors.New("modctx: entry unit not loaded")
)

// DefaultSharedPackages 返回始终共享的契约包。
func DefaultSharedPackages() []string {
	return []string{
		reflect.TypeFor[module.EntryPoint]().PkgPath(),
		reflect.TypeFor[service.Registry]().PkgPath(),
		reflect.TypeFor[logger.Logger]().PkgPath(),
	}
}

// Context 是单个 mod 的加载上下文，由 ModInstance 独占。
type Context struct {
	path      string
	revocable bool
	shared    map[string]struct{}
	parent    *Context
	backend   Backend
	reclaimer *Reclaimer
	logger    logger.Logger

	mu       sync.Mutex
	unit     *Unit
	entry    module.EntryPoint
	disposed bool
}

// Option 上下文选项。
type Option func(*Context)

// WithBackend 设置加载后端，默认使用 PluginBackend。
func WithBackend(b Backend) Option {
	return func(c *Context) {
		if b != nil {
			c.backend = b
		}
	}
}

// WithDefault 设置父上下文，共享包集合继承自父上下文。
func WithDefault(parent *Context) Option {
	return func(c *Context) {
		c.parent = parent
	}
}

// WithReclaimer 设置回收观察器，可撤销上下文释放后由其跟踪回收情况。
func WithReclaimer(r *Reclaimer) Option {
	return func(c *Context) {
		c.reclaimer = r
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l logger.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewDefault 创建不对应任何模块的宿主上下文，仅用于承载共享包集合。
func NewDefault(sharedPackages []string) *Context {
	c := &Context{shared: make(map[string]struct{}), logger: logger.Nop(), disposed: true}
	for _, pkg := range DefaultSharedPackages() {
		c.shared[pkg] = struct{}{}
	}
	for _, pkg := range sharedPackages {
		if pkg = strings.TrimSpace(pkg); pkg != "" {
			c.shared[pkg] = struct{}{}
		}
	}
	return c
}

// Create 为 path 创建加载上下文，路径缺失或无效时返回 ErrModuleLoad。
func Create(path string, revocable bool, sharedPackages []string, opts ...Option) (*Context, error) {
	c := &Context{
		path:      path,
		revocable: revocable,
		shared:    make(map[string]struct{}, len(sharedPackages)),
		backend:   PluginBackend{},
		logger:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, pkg := range sharedPackages {
		if pkg = strings.TrimSpace(pkg); pkg != "" {
			c.shared[pkg] = struct{}{}
		}
	}

	if strings.TrimSpace(path) == "" {
		return nil, moderr.ModuleLoad(path, errors.New("module path is empty"))
	}
	if err := c.backend.Check(path); err != nil {
		return nil, moderr.ModuleLoad(path, err)
	}
	return c, nil
}

// Path 返回模块路径。
func (c *Context) Path() string {
	return c.path
}

// Revocable 返回上下文是否可撤销。
func (c *Context) Revocable() bool {
	return c.revocable
}

// Disposed 返回上下文是否已释放。
func (c *Context) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// LoadEntryUnit 加载模块的主加载单元，重复调用返回同一单元。
func (c *Context) LoadEntryUnit(ctx context.Context) (*Unit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, moderr.ModuleLoad(c.path, errDisposed)
	}
	if c.unit != nil {
		return c.unit, nil
	}
	unit, err := c.backend.Open(ctx, c.path)
	if err != nil {
		return nil, moderr.ModuleLoad(c.path, err)
	}
	c.unit = unit
	return unit, nil
}

// EntryPoint 通过已加载单元创建入口实例，重复调用返回同一实例。
func (c *Context) EntryPoint() (module.EntryPoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, moderr.ModuleLoad(c.path, errDisposed)
	}
	if c.entry != nil {
		return c.entry, nil
	}
	if c.unit == nil {
		return nil, moderr.ModuleLoad(c.path, errUnitNotLoaded)
	}
	entry, err := c.unit.EntryPoint()
	if err != nil {
		return nil, moderr.ModuleLoad(c.path, err)
	}
	c.entry = entry
	return entry, nil
}

// Exports 返回已加载单元的导出原型，未加载或已释放时返回 nil。
func (c *Context) Exports() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unit == nil {
		return nil
	}
	return c.unit.Exports
}

// Shares 判断类型 t 是否由宿主解析。
func (c *Context) Shares(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		t = t.Elem()
	}
	pkg := t.PkgPath()
	if pkg == "" {
		return true
	}
	for cur := c; cur != nil; cur = cur.parent {
		if _, ok := cur.shared[pkg]; ok {
			return true
		}
	}
	for _, def := range DefaultSharedPackages() {
		if def == pkg {
			return true
		}
	}
	return false
}

// Dispose 释放上下文，可重复调用。
//
// 可撤销上下文会请求后端释放加载单元，并把入口实例与后端句柄交给回收观察器跟踪；调用方需先
// 释放全部强引用（包括注册表中的条目），否则模块会继续驻留。
func (c *Context) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	unit, entry := c.unit, c.entry
	c.unit, c.entry = nil, nil
	c.mu.Unlock()

	if unit == nil || !c.revocable {
		return nil
	}
	err := c.backend.Close(unit)
	if c.reclaimer != nil {
		c.reclaimer.Track(c.path, entry, unit.handle)
	}
	if err != nil {
		c.logger.Warn("module unload request failed",
			logger.String("path", c.path),
			logger.Err(err),
		)
		return errors.Wrapf(err, "modctx: dispose %q", c.path)
	}
	return nil
}
