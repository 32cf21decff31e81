// Package module 定义 mod 与加载器之间的契约。
package module

// EntryPoint 定义 mod 入口需要实现的生命周期。
//
// 所有方法都在加载器的单写者路径上同步调用，返回错误时加载器不会改变 mod 状态。
type EntryPoint interface {
	// Start 在 mod 加载完成后调用，api 为加载器面向该 mod 的能力入口。
	Start(api LoaderAPI) error
	// Suspend 暂停 mod，仅在 CanSuspend 返回 true 时调用。
	Suspend() error
	// Resume 恢复已暂停的 mod。
	Resume() error
	// Unload 在 mod 卸载前调用，mod 需在此释放所有共享引用。
	Unload() error
	// CanSuspend 返回 mod 是否支持暂停，仅在加载时查询一次。
	CanSuspend() bool
	// CanUnload 返回 mod 是否支持卸载，仅在加载时查询一次。
	CanUnload() bool
}

// Factory 创建一个新的入口实例。
type Factory func() EntryPoint
