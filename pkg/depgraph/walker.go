package depgraph

import "github.com/lk2023060901/modloader/pkg/moderr"

type mark uint8

const (
	unvisited mark = iota
	visiting
	done
)

// walker 以深度优先后序遍历输出加载顺序，visiting 集合即当前递归栈，用于发现环。
type walker struct {
	r         *Resolver
	inScope   func(id string) bool
	satisfied map[string]struct{}
	marks     map[string]mark
	stack     []string
	out       []string
}

func newWalker(r *Resolver, inScope func(string) bool, satisfied map[string]struct{}) *walker {
	return &walker{
		r:         r,
		inScope:   inScope,
		satisfied: satisfied,
		marks:     make(map[string]mark),
	}
}

func (w *walker) visit(id, dependent string) error {
	if _, ok := w.satisfied[id]; ok {
		return nil
	}
	switch w.marks[id] {
	case done:
		return nil
	case visiting:
		return &moderr.CyclicDependencyError{ModID: id, Cycle: w.cycleFrom(id)}
	}

	d, ok := w.r.descriptors[id]
	if !ok {
		return &moderr.DependencyNotFoundError{Dependent: dependent, Missing: id}
	}

	w.marks[id] = visiting
	w.stack = append(w.stack, id)

	for _, dep := range d.DependencyIDs {
		if err := w.visit(dep, id); err != nil {
			return err
		}
	}
	for _, dep := range d.OptionalDependencyIDs {
		if _, ok := w.satisfied[dep]; ok {
			continue
		}
		if !w.inScope(dep) {
			continue
		}
		if err := w.visit(dep, id); err != nil {
			return err
		}
	}

	w.stack = w.stack[:len(w.stack)-1]
	w.marks[id] = done
	w.out = append(w.out, id)
	return nil
}

func (w *walker) cycleFrom(id string) []string {
	for i, v := range w.stack {
		if v == id {
			cycle := append([]string(nil), w.stack[i:]...)
			return append(cycle, id)
		}
	}
	return []string{id}
}
