package service

import (
	"reflect"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/modloader/pkg/logger"
)

// Source 描述一个可供插件发现的激活 mod。
type Source struct {
	// Owner 为 mod ID。
	Owner string
	// Exports 为模块导出的原型值，其具体类型是插件候选。
	Exports []any
	// Shares 判断类型是否由宿主共享，为 nil 时视为全部共享。
	Shares func(reflect.Type) bool
}

// Plugin 是一次发现得到的插件实例。
type Plugin[T any] struct {
	Owner  string
	Handle Handle[T]
}

// DiscoverPlugins 在 sources 中查找实现接口 T 的具体类型，为每个类型创建实例并登记到 owner 名下。
//
// 值类型与指针类型都会尝试，优先使用指针接收者。未共享 T 所在包的 mod 会被跳过，
// 因为它看到的 T 与宿主不是同一类型。同一 owner、同一具体类型重复发现时返回已登记的实例，
// 释放句柄后再次发现会创建新实例。未获准入的 owner（正在卸载）被跳过。
func DiscoverPlugins[T any](r *Registry, sources []Source) ([]Plugin[T], error) {
	iface := typeFor[T]()
	if iface.Kind() != reflect.Interface {
		return nil, errNotInterface
	}

	var out []Plugin[T]
	for _, src := range sources {
		if src.Shares != nil && !src.Shares(iface) {
			r.logger.Debug("plugin discovery skipped, type not shared",
				fieldType(iface),
				fieldOwner(src.Owner),
			)
			continue
		}
		seen := make(map[reflect.Type]struct{})
		for _, proto := range src.Exports {
			instance, ok := instantiate(proto, iface)
			if !ok {
				continue
			}
			concrete := reflect.TypeOf(instance)
			if _, dup := seen[concrete]; dup {
				continue
			}
			seen[concrete] = struct{}{}

			index, gen, err := r.add(iface, instance, src.Owner, kindPlugin, true)
			if errors.Is(err, ErrOwnerNotActive) {
				r.logger.Debug("plugin discovery skipped, owner not active",
					fieldType(iface),
					fieldOwner(src.Owner),
				)
				break
			}
			if err != nil {
				return nil, err
			}
			out = append(out, Plugin[T]{
				Owner:  src.Owner,
				Handle: Handle[T]{registry: r, index: index, gen: gen, owner: src.Owner},
			})
		}
	}
	r.logger.Debug("plugins discovered", fieldType(iface), logger.Int("count", len(out)))
	return out, nil
}

func instantiate(proto any, iface reflect.Type) (any, bool) {
	if proto == nil {
		return nil, false
	}
	base := reflect.TypeOf(proto)
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base.Kind() == reflect.Interface {
		return nil, false
	}
	ptr := reflect.New(base)
	if ptr.Type().Implements(iface) {
		return ptr.Interface(), true
	}
	if base.Implements(iface) {
		return ptr.Elem().Interface(), true
	}
	return nil, false
}

func fieldType(t reflect.Type) logger.Field {
	return logger.String("service_type", t.String())
}

func fieldOwner(owner string) logger.Field {
	return logger.String("owner", owner)
}
