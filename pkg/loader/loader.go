// Package loader 是宿主进程使用 mod 加载器的入口。
//
// Loader 负责读取配置、初始化日志、启动 Manager 加载当前应用启用的 mod，并按配置启动远程控制
// 服务与回收观察器。
package loader

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/manager"
	"github.com/lk2023060901/modloader/pkg/modctx"
	"github.com/lk2023060901/modloader/pkg/module"
	"github.com/lk2023060901/modloader/pkg/rpc"
)

var (
	errLoaderStarted = errors.New("loader: already started")
	errNotStarted    = errors.New("loader: not started")
)

// Option Loader 选项。
type Option func(*Loader)

// WithBackend 设置模块加载后端，默认使用 Go plugin。
func WithBackend(b modctx.Backend) Option {
	return func(l *Loader) {
		l.backend = b
	}
}

// WithLogger 设置日志记录器，未设置时使用名为 modloader 的具名日志。
func WithLogger(lg logger.Logger) Option {
	return func(l *Loader) {
		l.logger = lg
	}
}

// OnModLoaderInitialized 在首次批量加载完成后调用 fn。
//
// fn 在 Start 内同步执行，此时 Loader 仍持有锁，不能回调 Loader 的方法。
func OnModLoaderInitialized(fn func()) Option {
	return func(l *Loader) {
		l.onInit = append(l.onInit, fn)
	}
}

// Loader 管理加载器在宿主进程中的生命周期。
type Loader struct {
	cfg     Config
	backend modctx.Backend
	logger  logger.Logger
	onInit  []func()

	mu          sync.RWMutex
	initialized bool
	started     bool
	manager     *manager.Manager
	reclaimer   *modctx.Reclaimer
	host        *rpc.Host

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownErr  error
}

// New 创建 Loader。
func New(cfg Config, opts ...Option) *Loader {
	l := &Loader{
		cfg:        cfg,
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewFromFile 从配置文件创建 Loader。
func NewFromFile(path string, opts ...Option) (*Loader, error) {
	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...), nil
}

// Init 校验配置、初始化日志并创建 Manager。
func (l *Loader) Init(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return nil
	}
	if err := l.cfg.Validate(); err != nil {
		return err
	}
	if len(l.cfg.Loggers) > 0 {
		if err := logger.InitFromConfig(l.cfg.logging()); err != nil {
			return errors.Wrap(err, "loader: init loggers")
		}
	}
	if l.logger == nil {
		l.logger = logger.Get(logger.NameModLoader)
	}

	l.logger.Debug("loggers initialized", logger.Any("names", logger.Names()))

	app, ok := l.cfg.App()
	if !ok {
		l.logger.Warn("no app configuration for current process, nothing enabled",
			logger.String("app_id", l.cfg.Loader.AppID),
		)
	}

	reclaimer, err := modctx.NewReclaimer(l.cfg.Loader.ReclaimSpec,
		modctx.WithReclaimLogger(logger.Get(logger.NameModCtx)),
	)
	if err != nil {
		return err
	}

	opts := []manager.Option{
		manager.WithLogger(l.logger),
		manager.WithReclaimer(reclaimer),
	}
	if l.backend != nil {
		opts = append(opts, manager.WithBackend(l.backend))
	}
	l.reclaimer = reclaimer
	l.manager = manager.New(manager.Config{
		Version:           l.cfg.Loader.Version,
		App:               app,
		Descriptors:       l.cfg.Mods,
		EntryPointTimeout: l.cfg.Loader.EntryPointTimeout,
		Revocable:         l.cfg.Loader.Revocable,
		SharedPackages:    l.cfg.Loader.SharedPackages,
	}, opts...)

	for _, fn := range l.onInit {
		l.manager.Subscribe(module.EventLoaderInitialized, func(module.EventKind, module.Info) { fn() })
	}
	l.initialized = true
	return nil
}

// Start 加载当前应用启用的 mod，并启动回收观察器与远程控制服务。
//
// 加载失败时已加载的 mod 会被卸载。
func (l *Loader) Start(ctx context.Context) error {
	if err := l.Init(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errLoaderStarted
	}

	if err := l.manager.LoadForCurrentProcess(ctx); err != nil {
		_ = l.manager.Shutdown(context.Background())
		return err
	}
	if err := l.reclaimer.Start(); err != nil {
		_ = l.manager.Shutdown(context.Background())
		return err
	}

	if srv := l.cfg.Loader.Server; srv.Enabled {
		host := rpc.NewHost(l.manager,
			rpc.WithHostLogger(logger.Get(logger.NameRPC)),
			rpc.WithAddress(srv.Address()),
			rpc.WithPublish(srv.Publish, 0),
			rpc.WithMaxConnections(srv.MaxConnections),
		)
		if err := host.Start(ctx); err != nil {
			l.reclaimer.Stop()
			_ = l.manager.Shutdown(context.Background())
			return err
		}
		l.host = host
	}

	l.started = true
	l.logger.Info("mod loader started",
		logger.String("version", l.cfg.Loader.Version),
		logger.String("app_id", l.cfg.Loader.AppID),
		logger.Int("mods", len(l.manager.GetLoadedMods())),
		logger.Int("port", l.portLocked()),
	)
	return nil
}

// Run 启动加载器并阻塞运行，直到收到退出信号或上下文取消。
func (l *Loader) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		_ = l.Shutdown(context.Background())
		return ctx.Err()
	case <-sigCh:
		return l.Shutdown(context.Background())
	case <-l.shutdownCh:
		return l.shutdownError()
	}
}

// Shutdown 触发一次性的优雅关闭。
func (l *Loader) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		err := l.Stop(ctx)
		l.mu.Lock()
		l.shutdownErr = err
		l.mu.Unlock()
		close(l.shutdownCh)
	})
	return l.shutdownError()
}

// Stop 依次关闭远程控制服务、卸载 mod、停止回收观察器。
func (l *Loader) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}

	var err error
	if l.host != nil {
		err = errors.CombineErrors(err, l.host.Close())
		l.host = nil
	}
	err = errors.CombineErrors(err, l.manager.Shutdown(ctx))
	l.reclaimer.Stop()
	if resident := l.reclaimer.Sweep(); resident > 0 {
		l.logger.Info("unloaded modules still resident", logger.Int("count", resident))
	}

	l.started = false
	l.logger.Info("mod loader stopped")
	_ = l.logger.Sync()
	_ = logger.SyncAll()
	return err
}

// Manager 返回 Manager，Init 之前为 nil。
func (l *Loader) Manager() *manager.Manager {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manager
}

// Port 返回远程控制服务端口，未启用时为 0。
func (l *Loader) Port() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.portLocked()
}

// LoadMod 加载 mod。
func (l *Loader) LoadMod(ctx context.Context, id string) error {
	m, err := l.running()
	if err != nil {
		return err
	}
	return m.LoadMod(ctx, id)
}

// UnloadMod 卸载 mod。
func (l *Loader) UnloadMod(ctx context.Context, id string) error {
	m, err := l.running()
	if err != nil {
		return err
	}
	return m.UnloadMod(ctx, id)
}

func (l *Loader) running() (*manager.Manager, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.started {
		return nil, errNotStarted
	}
	return l.manager, nil
}

func (l *Loader) portLocked() int {
	if l.host == nil {
		return 0
	}
	return l.host.Port()
}

func (l *Loader) shutdownError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shutdownErr
}
