package service

import (
	"reflect"

	"github.com/cockroachdb/errors"
)

func typeFor[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// AddController 以类型 T 发布 owner 提供的控制器，同一类型可以存在多个所属者。
func AddController[T any](r *Registry, instance T, owner string) (Handle[T], error) {
	if owner == "" {
		return Handle[T]{}, errEmptyOwner
	}
	if isNil(any(instance)) {
		return Handle[T]{}, errNilInstance
	}
	typ := typeFor[T]()
	index, gen, err := r.add(typ, any(instance), owner, kindController, false)
	if err != nil {
		return Handle[T]{}, err
	}
	r.logger.Debug("controller added",
		fieldType(typ),
		fieldOwner(owner),
	)
	return Handle[T]{registry: r, index: index, gen: gen, owner: owner}, nil
}

// RemoveController 移除以类型 T 发布的指定实例，返回是否找到。
func RemoveController[T any](r *Registry, instance T) bool {
	typ := typeFor[T]()
	target := any(instance)
	if target == nil || !reflect.TypeOf(target).Comparable() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, index := range r.byType[typ] {
		s := r.slots[index]
		if s.kind != kindController || s.instance != target {
			continue
		}
		r.releaseLocked(index)
		r.logger.Debug("controller removed", fieldType(typ), fieldOwner(s.owner))
		return true
	}
	return false
}

// GetController 返回以类型 T 发布的全部控制器句柄，按发布顺序排列。
func GetController[T any](r *Registry) []Handle[T] {
	indexes, gens := r.indexesOf(typeFor[T](), kindController)
	out := make([]Handle[T], 0, len(indexes))
	for i, index := range indexes {
		_, owner, err := r.lookup(index, gens[i])
		if err != nil {
			continue
		}
		out = append(out, Handle[T]{registry: r, index: index, gen: gens[i], owner: owner})
	}
	return out
}

// FirstController 返回第一个有效的 T 控制器。
func FirstController[T any](r *Registry) (T, error) {
	for _, h := range GetController[T](r) {
		if v, err := h.Get(); err == nil {
			return v, nil
		}
	}
	var zero T
	return zero, errors.Newf("service: no controller registered for %v", typeFor[T]())
}
