package service

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/modloader/pkg/moderr"
)

// Handle 是共享实例的带代数引用。
//
// 句柄不会跨卸载边界保持实例存活，调用方应在每次使用时通过 Get 取值，而不是缓存 Get 的结果。
type Handle[T any] struct {
	registry *Registry
	index    int
	gen      uint64
	owner    string
}

// Owner 返回发布该实例的 mod ID。
func (h Handle[T]) Owner() string {
	return h.owner
}

// Valid 判断句柄当前是否仍然有效。
func (h Handle[T]) Valid() bool {
	_, err := h.Get()
	return err == nil
}

// Get 返回实例，所属 mod 已卸载或条目已移除时返回 ErrStaleHandle。
func (h Handle[T]) Get() (T, error) {
	var zero T
	if h.registry == nil {
		return zero, moderr.ErrStaleHandle
	}
	instance, _, err := h.registry.lookup(h.index, h.gen)
	if err != nil {
		return zero, errors.Wrapf(err, "%s instance owned by mod %q", typeName[T](), h.owner)
	}
	v, ok := instance.(T)
	if !ok {
		return zero, errors.Wrapf(moderr.ErrStaleHandle, "slot no longer holds %s", typeName[T]())
	}
	return v, nil
}

// MustGet 与 Get 相同，但句柄失效时直接 panic。
func (h Handle[T]) MustGet() T {
	v, err := h.Get()
	if err != nil {
		panic(err)
	}
	return v
}

// Release 主动释放该条目，返回是否确实释放。
func (h Handle[T]) Release() bool {
	if h.registry == nil {
		return false
	}
	return h.registry.release(h.index, h.gen)
}

func typeName[T any]() string {
	return fmt.Sprintf("%v", typeFor[T]())
}
