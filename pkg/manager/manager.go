// Package manager 持有全部激活 mod，负责加载顺序、生命周期与事件分发。
//
// 所有修改操作由一把写锁串行化，读操作通过原子快照完成，不会阻塞在写锁上。
// 事件处理器与 EntryPoint.Start 在写锁内同步执行，不能再调用 Manager 的修改方法。
package manager

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"github.com/lk2023060901/modloader/pkg/depgraph"
	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/moderr"
	"github.com/lk2023060901/modloader/pkg/modctx"
	"github.com/lk2023060901/modloader/pkg/module"
	"github.com/lk2023060901/modloader/pkg/service"
)

var errUnknownAction = errors.New("manager: unknown action")

// Config 是 Manager 的运行参数。
type Config struct {
	// Version 为加载器版本，透传给 mod。
	Version string
	// App 为当前进程对应的应用配置。
	App module.AppConfig
	// Descriptors 为全部已解析的 mod 描述。
	Descriptors []module.Descriptor
	// EntryPointTimeout 限制单次入口调用的时长，0 表示不限制。
	EntryPointTimeout time.Duration
	// Revocable 表示模块上下文是否可撤销。
	Revocable bool
	// SharedPackages 为额外共享给 mod 的包路径。
	SharedPackages []string
}

// Snapshot 是激活集合在某一时刻的不可变视图。
type Snapshot struct {
	// Mods 按加载顺序排列。
	Mods []module.Info
	// Order 为依赖一致的排序结果。
	Order []string

	sources []service.Source
}

// Option Manager 选项。
type Option func(*Manager)

// WithLogger 设置日志记录器。
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBackend 设置模块加载后端。
func WithBackend(b modctx.Backend) Option {
	return func(m *Manager) {
		if b != nil {
			m.backend = b
		}
	}
}

// WithReclaimer 设置回收观察器。
func WithReclaimer(r *modctx.Reclaimer) Option {
	return func(m *Manager) {
		m.reclaimer = r
	}
}

// WithRegistry 使用外部提供的共享注册表。
func WithRegistry(r *service.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// Manager 独占全部 ModInstance。
type Manager struct {
	cfg        Config
	resolver   *depgraph.Resolver
	registry   *service.Registry
	backend    modctx.Backend
	reclaimer  *modctx.Reclaimer
	defaultCtx *modctx.Context
	logger     logger.Logger

	mu          sync.Mutex
	active      []*instance
	byID        map[string]*instance
	initialized bool

	snapshot atomic.Pointer[Snapshot]
	events   *dispatcher
}

// New 创建 Manager，描述集合在此时固定。
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		backend: modctx.PluginBackend{},
		logger:  logger.Nop(),
		byID:    make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = service.NewRegistry(service.WithLogger(m.logger))
	}
	m.registry.RequireAdmission()
	m.resolver = depgraph.New(cfg.Descriptors)
	m.defaultCtx = modctx.NewDefault(cfg.SharedPackages)
	m.events = newDispatcher(m.logger)
	m.snapshot.Store(&Snapshot{})
	return m
}

// Registry 返回共享注册表。
func (m *Manager) Registry() *service.Registry {
	return m.registry
}

// Resolver 返回依赖解析器。
func (m *Manager) Resolver() *depgraph.Resolver {
	return m.resolver
}

// Snapshot 返回当前快照，调用方不得修改。
func (m *Manager) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

// GetLoadedMods 返回激活的 mod，按加载顺序排列。
func (m *Manager) GetLoadedMods() []module.Info {
	return slices.Clone(m.snapshot.Load().Mods)
}

// GetSortedMods 返回激活 mod 的依赖一致排序。
func (m *Manager) GetSortedMods() []string {
	return slices.Clone(m.snapshot.Load().Order)
}

// IsModLoaded 判断 mod 是否处于激活状态。
func (m *Manager) IsModLoaded(id string) bool {
	for _, info := range m.snapshot.Load().Mods {
		if info.ID == id {
			return true
		}
	}
	return false
}

// PluginSources 返回当前激活 mod 的插件来源。
func (m *Manager) PluginSources() []service.Source {
	return slices.Clone(m.snapshot.Load().sources)
}

// Subscribe 订阅加载器事件。
func (m *Manager) Subscribe(kind module.EventKind, handler module.EventHandler) (unsubscribe func()) {
	return m.events.subscribe(kind, "", handler)
}

// DiscoverPlugins 在全部激活 mod 中发现实现接口 T 的插件。
func DiscoverPlugins[T any](m *Manager) ([]service.Plugin[T], error) {
	return service.DiscoverPlugins[T](m.registry, m.PluginSources())
}

// LoadForCurrentProcess 按应用配置的启用顺序加载全部 mod，依赖会被一并加载。
//
// 中途失败时已加载的 mod 保持加载。首次成功后触发 EventLoaderInitialized。
func (m *Manager) LoadForCurrentProcess(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	enabled := m.cfg.App.EnabledMods
	order, err := m.resolver.Sort(enabled, enabled)
	if err != nil {
		return err
	}
	m.logger.Info("loading mods for current process",
		logger.String("app_id", m.cfg.App.ID),
		logger.Any("order", order),
	)
	for _, id := range order {
		if _, ok := m.byID[id]; ok {
			continue
		}
		if err := m.loadOneLocked(ctx, id); err != nil {
			return err
		}
	}

	if !m.initialized {
		m.initialized = true
		m.events.publish(module.EventLoaderInitialized, module.Info{})
	}
	return nil
}

// LoadMod 加载单个 mod，未激活的硬依赖会先行加载。
func (m *Manager) LoadMod(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.resolver.ResolveLoad(id, m.activeIDsLocked())
	if err != nil {
		return err
	}
	for _, next := range order {
		if err := m.loadOneLocked(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

// UnloadMod 卸载单个 mod。
//
// 依赖它的 mod 不会被连带卸载，只记录警告。
func (m *Manager) UnloadMod(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byID[id]
	if !ok {
		return moderr.NotFound(id)
	}
	return m.unloadLocked(inst)
}

// SuspendMod 暂停 mod。
func (m *Manager) SuspendMod(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byID[id]
	if !ok {
		return moderr.NotFound(id)
	}
	if err := inst.suspend(); err != nil {
		m.logger.Warn("suspend mod failed", logger.ModID(id), logger.Err(err))
		return err
	}
	m.publishSnapshotLocked()
	m.logger.Info("mod suspended", logger.ModID(id))
	return nil
}

// ResumeMod 恢复已暂停的 mod。
func (m *Manager) ResumeMod(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byID[id]
	if !ok {
		return moderr.NotFound(id)
	}
	if err := inst.resume(); err != nil {
		m.logger.Warn("resume mod failed", logger.ModID(id), logger.Err(err))
		return err
	}
	m.publishSnapshotLocked()
	m.logger.Info("mod resumed", logger.ModID(id))
	return nil
}

// SetModState 按动作分派到对应的生命周期方法。
func (m *Manager) SetModState(ctx context.Context, id string, action module.Action) error {
	switch action {
	case module.ActionLoad:
		return m.LoadMod(ctx, id)
	case module.ActionResume:
		return m.ResumeMod(ctx, id)
	case module.ActionSuspend:
		return m.SuspendMod(ctx, id)
	case module.ActionUnload:
		return m.UnloadMod(ctx, id)
	default:
		return errors.Wrapf(errUnknownAction, "%s", action)
	}
}

// Shutdown 按加载顺序的逆序卸载全部可卸载的 mod，返回合并后的错误。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var combined error
	for i := len(m.active) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return errors.CombineErrors(combined, err)
		}
		inst := m.active[i]
		if !inst.canUnload {
			m.logger.Info("mod kept loaded on shutdown", logger.ModID(inst.desc.ID))
			continue
		}
		combined = errors.CombineErrors(combined, m.unloadLocked(inst))
	}
	return combined
}

func (m *Manager) loadOneLocked(ctx context.Context, id string) error {
	desc, ok := m.resolver.Descriptor(id)
	if !ok {
		return moderr.NotFound(id)
	}
	pending := module.Info{
		ID:           desc.ID,
		Name:         desc.Name,
		Version:      desc.Version,
		Dependencies: slices.Clone(desc.DependencyIDs),
	}
	m.events.publish(module.EventModLoading, pending)

	start := time.Now()
	inst, err := m.openLocked(ctx, desc)
	if err != nil {
		m.logger.Error("load mod failed", logger.ModID(id), logger.Err(err))
		return err
	}

	m.active = append(m.active, inst)
	m.byID[id] = inst
	m.publishSnapshotLocked()

	m.logger.Info("mod loaded",
		logger.ModID(id),
		logger.String("version", desc.Version),
		logger.Duration("elapsed", time.Since(start)),
	)
	m.events.publish(module.EventModLoaded, inst.info())
	return nil
}

func (m *Manager) openLocked(ctx context.Context, desc module.Descriptor) (*instance, error) {
	mc, err := modctx.Create(desc.ModulePath, m.cfg.Revocable, m.cfg.SharedPackages,
		modctx.WithBackend(m.backend),
		modctx.WithDefault(m.defaultCtx),
		modctx.WithReclaimer(m.reclaimer),
		modctx.WithLogger(m.logger),
	)
	if err != nil {
		return nil, err
	}

	if _, err := mc.LoadEntryUnit(ctx); err != nil {
		_ = mc.Dispose()
		return nil, err
	}
	entry, err := mc.EntryPoint()
	if err != nil {
		_ = mc.Dispose()
		return nil, err
	}

	inst := newInstance(desc, mc, entry, m.cfg.EntryPointTimeout)
	m.registry.Admit(desc.ID)
	if err := inst.start(m.apiFor(desc.ID)); err != nil {
		m.registry.OnModUnloading(desc.ID)
		m.events.dropOwner(desc.ID)
		_ = mc.Dispose()
		return nil, err
	}
	return inst, nil
}

func (m *Manager) unloadLocked(inst *instance) error {
	id := inst.desc.ID
	if err := inst.checkUnload(); err != nil {
		return err
	}

	if dependents := m.resolver.Dependents(id, m.activeIDsLocked()); len(dependents) > 0 {
		m.logger.Warn("unloading mod with loaded dependents",
			logger.ModID(id),
			logger.Any("dependents", dependents),
		)
	}

	m.events.publish(module.EventModUnloading, inst.info())
	released := m.registry.OnModUnloading(id)

	if err := inst.unload(); err != nil {
		// mod 仍然激活，恢复准入；已失效的条目不会恢复。
		m.registry.Admit(id)
		m.logger.Error("unload mod failed", logger.ModID(id), logger.Err(err))
		return err
	}

	m.active = slices.DeleteFunc(m.active, func(i *instance) bool { return i == inst })
	delete(m.byID, id)
	m.publishSnapshotLocked()

	if err := inst.ctx.Dispose(); err != nil {
		m.logger.Warn("dispose module context failed", logger.ModID(id), logger.Err(err))
	}
	m.logger.Info("mod unloaded", logger.ModID(id), logger.Int("released_entries", released))
	m.events.publish(module.EventModUnloaded, inst.info())
	m.events.dropOwner(id)
	return nil
}

func (m *Manager) activeIDsLocked() []string {
	ids := make([]string, len(m.active))
	for i, inst := range m.active {
		ids[i] = inst.desc.ID
	}
	return ids
}

func (m *Manager) publishSnapshotLocked() {
	ids := m.activeIDsLocked()
	snap := &Snapshot{
		Mods:    make([]module.Info, len(m.active)),
		sources: make([]service.Source, len(m.active)),
	}
	for i, inst := range m.active {
		snap.Mods[i] = inst.info()
		snap.sources[i] = service.Source{
			Owner:   inst.desc.ID,
			Exports: inst.ctx.Exports(),
			Shares:  inst.ctx.Shares,
		}
	}
	order, err := m.resolver.Sort(ids, ids)
	if err != nil {
		m.logger.Warn("sort active mods failed, using load order", logger.Err(err))
		order = ids
	}
	// 已卸载的依赖会被闭包重新带入，只保留激活的 mod。
	snap.Order = slices.DeleteFunc(order, func(id string) bool {
		_, ok := m.byID[id]
		return !ok
	})
	m.snapshot.Store(snap)
}
