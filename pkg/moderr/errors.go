// Package moderr 定义加载器各组件共享的错误分类。
//
// 生命周期与依赖相关的错误会原样返回给直接调用方；远程调用时由 Host 按 Code 编码为
// ExceptionResponse，再由 Client 通过 FromCode 还原为同一哨兵错误。
package moderr

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDuplicateMod 表示 mod 已处于激活状态。
	ErrDuplicateMod = errors.New("modloader: mod already loaded")

	// ErrModNotFound 表示 mod 未激活或没有对应描述。
	ErrModNotFound = errors.New("modloader: mod not found")

	// ErrDependencyNotFound 表示硬依赖缺失。
	ErrDependencyNotFound = errors.New("modloader: dependency not found")

	// ErrCyclicDependency 表示依赖图存在环。
	ErrCyclicDependency = errors.New("modloader: cyclic dependency")

	// ErrUnsupportedLifecycleOperation 表示能力标记或当前状态不允许该生命周期操作。
	ErrUnsupportedLifecycleOperation = errors.New("modloader: unsupported lifecycle operation")

	// ErrModuleLoad 表示模块文件无法加载。
	ErrModuleLoad = errors.New("modloader: module load failed")

	// ErrEntryPointTimeout 表示入口调用超时。
	ErrEntryPointTimeout = errors.New("modloader: entry point timeout")

	// ErrStaleHandle 表示共享对象的所属 mod 已卸载。
	ErrStaleHandle = errors.New("modloader: stale handle")

	// ErrRemoteTimeout 表示远程调用在超时前未收到响应。
	ErrRemoteTimeout = errors.New("modloader: remote timeout")

	// ErrRemoteProtocol 表示远程消息不符合协议。
	ErrRemoteProtocol = errors.New("modloader: remote protocol violation")
)

// DependencyNotFoundError 描述缺失的硬依赖。
type DependencyNotFoundError struct {
	Dependent string
	Missing   string
}

func (e *DependencyNotFoundError) Error() string {
	return fmt.Sprintf("modloader: mod %q depends on %q which is not available", e.Dependent, e.Missing)
}

func (e *DependencyNotFoundError) Unwrap() error {
	return ErrDependencyNotFound
}

// CyclicDependencyError 描述依赖环，ModID 为环上的一个 mod。
type CyclicDependencyError struct {
	ModID string
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return fmt.Sprintf("modloader: cyclic dependency involving mod %q", e.ModID)
	}
	return fmt.Sprintf("modloader: cyclic dependency involving mod %q (%s)", e.ModID, strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error {
	return ErrCyclicDependency
}

// LifecycleError 描述被拒绝的生命周期操作。
type LifecycleError struct {
	ModID     string
	Operation string
	Reason    string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("modloader: cannot %s mod %q: %s", e.Operation, e.ModID, e.Reason)
}

func (e *LifecycleError) Unwrap() error {
	return ErrUnsupportedLifecycleOperation
}

// Duplicate 返回指定 mod 的重复加载错误。
func Duplicate(modID string) error {
	return errors.Wrapf(ErrDuplicateMod, "mod %q", modID)
}

// NotFound 返回指定 mod 的未找到错误。
func NotFound(modID string) error {
	return errors.Wrapf(ErrModNotFound, "mod %q", modID)
}

// ModuleLoad 包装模块加载阶段的底层错误。
func ModuleLoad(path string, cause error) error {
	err := errors.Mark(errors.Wrapf(cause, "load module %q", path), ErrModuleLoad)
	return errors.WithHint(err, "check that module_path points to a module built for this host")
}
