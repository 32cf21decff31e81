// Package depgraph 将 mod 描述集合解析为依赖一致的加载顺序。
//
// 图的边方向为 依赖 -> 依赖者。排序是稳定的：在不违反依赖约束的前提下，mod 保持调用方给出的
// 偏好顺序（通常是应用配置中的启用顺序），依赖紧挨在依赖者之前插入。
package depgraph

import (
	"github.com/lk2023060901/modloader/pkg/moderr"
	"github.com/lk2023060901/modloader/pkg/module"
)

// Resolver 基于一组不可变的描述进行依赖解析，可并发使用。
type Resolver struct {
	descriptors map[string]module.Descriptor
	order       []string
}

// New 创建解析器，重复 ID 以首次出现为准。
func New(descriptors []module.Descriptor) *Resolver {
	r := &Resolver{descriptors: make(map[string]module.Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.ID == "" {
			continue
		}
		if _, ok := r.descriptors[d.ID]; ok {
			continue
		}
		r.descriptors[d.ID] = d.Normalize()
		r.order = append(r.order, d.ID)
	}
	return r
}

// Descriptor 返回指定 ID 的描述。
func (r *Resolver) Descriptor(id string) (module.Descriptor, bool) {
	d, ok := r.descriptors[id]
	return d, ok
}

// IDs 返回全部描述 ID，按提供顺序排列。
func (r *Resolver) IDs() []string {
	return append([]string(nil), r.order...)
}

// Dependents 返回 candidates 中直接（硬或可选）依赖 id 的 mod，保持 candidates 的顺序。
func (r *Resolver) Dependents(id string, candidates []string) []string {
	var out []string
	for _, c := range candidates {
		d, ok := r.descriptors[c]
		if !ok {
			continue
		}
		if contains(d.DependencyIDs, id) || contains(d.OptionalDependencyIDs, id) {
			out = append(out, c)
		}
	}
	return out
}

// Validate 检查全部描述的硬依赖是否齐全且不存在环。
func (r *Resolver) Validate() error {
	_, err := r.Sort(r.order, nil)
	return err
}

// Sort 计算 requested 及其硬依赖闭包的加载顺序。
//
// preferred 决定无约束 mod 之间的相对顺序；未出现在 preferred 中的 mod 按首次出现的顺序排在其后。
// 可选依赖只在其本身位于闭包内时参与排序，缺失不会导致失败。
func (r *Resolver) Sort(requested, preferred []string) ([]string, error) {
	closure, discovered, err := r.closure(requested)
	if err != nil {
		return nil, err
	}

	roots := make([]string, 0, len(discovered))
	queued := make(map[string]struct{}, len(discovered))
	for _, id := range preferred {
		if _, ok := closure[id]; !ok {
			continue
		}
		if _, ok := queued[id]; ok {
			continue
		}
		queued[id] = struct{}{}
		roots = append(roots, id)
	}
	for _, id := range discovered {
		if _, ok := queued[id]; ok {
			continue
		}
		queued[id] = struct{}{}
		roots = append(roots, id)
	}

	w := newWalker(r, func(id string) bool {
		_, ok := closure[id]
		return ok
	}, nil)
	for _, id := range roots {
		if err := w.visit(id, ""); err != nil {
			return nil, err
		}
	}
	return w.out, nil
}

// ResolveLoad 计算单次加载 id 需要新加载的 mod 序列，依赖在前，id 在最后。
//
// 已激活的 mod 视为已满足，保持其现有位置，不会出现在结果中。
func (r *Resolver) ResolveLoad(id string, active []string) ([]string, error) {
	activeSet := make(map[string]struct{}, len(active))
	for _, a := range active {
		activeSet[a] = struct{}{}
	}
	if _, ok := activeSet[id]; ok {
		return nil, moderr.Duplicate(id)
	}
	if _, ok := r.descriptors[id]; !ok {
		return nil, moderr.NotFound(id)
	}

	closure, _, err := r.closure([]string{id})
	if err != nil {
		return nil, err
	}
	w := newWalker(r, func(dep string) bool {
		_, ok := closure[dep]
		return ok
	}, activeSet)
	if err := w.visit(id, ""); err != nil {
		return nil, err
	}
	return w.out, nil
}

// closure 收集 requested 的硬依赖闭包，返回集合与发现顺序。
func (r *Resolver) closure(requested []string) (map[string]struct{}, []string, error) {
	set := make(map[string]struct{}, len(requested))
	var order []string
	queue := make([]string, 0, len(requested))

	for _, id := range requested {
		if _, ok := r.descriptors[id]; !ok {
			return nil, nil, moderr.NotFound(id)
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		order = append(order, id)
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range r.descriptors[id].DependencyIDs {
			if _, ok := r.descriptors[dep]; !ok {
				return nil, nil, &moderr.DependencyNotFoundError{Dependent: id, Missing: dep}
			}
			if _, ok := set[dep]; ok {
				continue
			}
			set[dep] = struct{}{}
			order = append(order, dep)
			queue = append(queue, dep)
		}
	}
	return set, order, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
