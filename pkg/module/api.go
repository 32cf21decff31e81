package module

import (
	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/service"
)

// EventKind 表示加载器事件类型。
type EventKind int

const (
	// EventLoaderInitialized 在首次批量加载完成后触发，Info 为空。
	EventLoaderInitialized EventKind = iota
	// EventModLoading 在 mod 加载前触发。
	EventModLoading
	// EventModLoaded 在 mod 启动成功后触发。
	EventModLoaded
	// EventModUnloading 在 mod 卸载前触发。
	EventModUnloading
	// EventModUnloaded 在 mod 从激活集合移除后触发。
	EventModUnloaded
)

func (k EventKind) String() string {
	switch k {
	case EventLoaderInitialized:
		return "loader_initialized"
	case EventModLoading:
		return "mod_loading"
	case EventModLoaded:
		return "mod_loaded"
	case EventModUnloading:
		return "mod_unloading"
	case EventModUnloaded:
		return "mod_unloaded"
	default:
		return "unknown"
	}
}

// EventHandler 处理加载器事件。
type EventHandler func(kind EventKind, info Info)

// LoaderAPI 是加载器传给 EntryPoint.Start 的能力入口，每个 mod 拥有独立视图。
type LoaderAPI interface {
	// ModID 返回当前 mod 的 ID，用作共享对象的所属者。
	ModID() string
	// LoaderVersion 返回加载器版本。
	LoaderVersion() string
	// AppConfig 返回当前应用配置。
	AppConfig() AppConfig
	// ActiveMods 返回当前激活的 mod，按加载顺序排列。
	ActiveMods() []Info
	// SortedMods 返回依赖一致的排序结果。
	SortedMods() []string
	// Registry 返回跨 mod 共享对象注册表。
	Registry() *service.Registry
	// PluginSources 返回当前激活 mod 的插件来源，配合 service.DiscoverPlugins 使用。
	PluginSources() []service.Source
	// Subscribe 订阅加载器事件，返回取消函数。
	Subscribe(kind EventKind, handler EventHandler) (unsubscribe func())
	// Logger 返回带 mod 字段的日志实例。
	Logger() logger.Logger
}
