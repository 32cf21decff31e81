// Package service 提供跨 mod 共享对象的注册表。
//
// 注册表以 arena + 代数（generation）管理实例：每个实例占用一个槽位，句柄只记录槽位下标与代数，
// 不持有实例本身。所属 mod 卸载时槽位代数递增并清空实例，之前取得的句柄在下一次访问时返回
// ErrStaleHandle，而不是继续操作已经失效的对象。
package service

import (
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/moderr"
)

// ErrOwnerNotActive 表示启用准入后，条目的所属 mod 不在加载中也不在激活状态。
var ErrOwnerNotActive = errors.New("service: owner mod is not loading or active")

var (
	errEmptyOwner   = errors.New("service: owner mod id is empty")
	errNilInstance  = errors.New("service: instance is nil")
	errNotInterface = errors.New("service: plugin type must be an interface")
)

type entryKind uint8

const (
	kindController entryKind = iota + 1
	kindPlugin
)

type slot struct {
	typ      reflect.Type
	instance any
	owner    string
	kind     entryKind
	gen      uint64
}

// Registry 是共享对象注册表，所有写操作串行执行。
type Registry struct {
	mu       sync.RWMutex
	slots    []slot
	free     []int
	byType   map[reflect.Type][]int
	gated    bool
	admitted map[string]struct{}
	logger   logger.Logger
}

// Option 注册表选项。
type Option func(*Registry)

// WithLogger 设置日志记录器。
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry 创建空注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byType:   make(map[reflect.Type][]int),
		admitted: make(map[string]struct{}),
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EntryInfo 是注册表条目的只读视图。
type EntryInfo struct {
	ServiceType reflect.Type
	Owner       string
	Plugin      bool
}

// RequireAdmission 开启所属者准入：之后只有经 Admit 登记的 mod 才能发布条目。
//
// 超时的入口调用仍在后台运行，准入保证它在加载失败或卸载之后发布的条目被拒绝，
// 而不是以失效 mod 的名义留在注册表中。
func (r *Registry) RequireAdmission() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gated = true
}

// Admit 允许 owner 发布条目，直到下一次 OnModUnloading(owner)。
func (r *Registry) Admit(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admitted[owner] = struct{}{}
}

// Admitted 返回 owner 当前是否可以发布条目。
func (r *Registry) Admitted(owner string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admittedLocked(owner)
}

func (r *Registry) admittedLocked(owner string) bool {
	if !r.gated {
		return true
	}
	_, ok := r.admitted[owner]
	return ok
}

// add 登记实例。reuse 为 true 时，若 owner 已以同一类型登记过同一具体类型的实例，
// 直接返回已有槽位。
func (r *Registry) add(typ reflect.Type, instance any, owner string, kind entryKind, reuse bool) (int, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.admittedLocked(owner) {
		return 0, 0, errors.Wrapf(ErrOwnerNotActive, "owner %q", owner)
	}
	if reuse {
		concrete := reflect.TypeOf(instance)
		for _, index := range r.byType[typ] {
			s := r.slots[index]
			if s.kind == kind && s.owner == owner && reflect.TypeOf(s.instance) == concrete {
				return index, s.gen, nil
			}
		}
	}

	var index int
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		index = len(r.slots) - 1
	}
	s := &r.slots[index]
	s.typ = typ
	s.instance = instance
	s.owner = owner
	s.kind = kind
	r.byType[typ] = append(r.byType[typ], index)
	return index, s.gen, nil
}

// releaseLocked 释放槽位并递增代数，调用方必须持有写锁。
func (r *Registry) releaseLocked(index int) {
	s := &r.slots[index]
	if s.instance == nil {
		return
	}
	indexes := r.byType[s.typ]
	for i, v := range indexes {
		if v == index {
			indexes = append(indexes[:i], indexes[i+1:]...)
			break
		}
	}
	if len(indexes) == 0 {
		delete(r.byType, s.typ)
	} else {
		r.byType[s.typ] = indexes
	}
	s.gen++
	s.instance = nil
	s.typ = nil
	s.owner = ""
	s.kind = 0
	r.free = append(r.free, index)
}

func (r *Registry) lookup(index int, gen uint64) (any, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.slots) {
		return nil, "", moderr.ErrStaleHandle
	}
	s := r.slots[index]
	if s.gen != gen || s.instance == nil {
		return nil, "", moderr.ErrStaleHandle
	}
	return s.instance, s.owner, nil
}

func (r *Registry) release(index int, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.slots) || r.slots[index].gen != gen {
		return false
	}
	r.releaseLocked(index)
	return true
}

// OnModUnloading 移除 owner 拥有的全部条目并撤销其准入，返回移除数量。
//
// 调用返回后，任何 owner 的旧句柄都会失效，后续查询也不会再返回这些实例。
func (r *Registry) OnModUnloading(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.admitted, owner)

	removed := 0
	for i := range r.slots {
		if r.slots[i].instance != nil && r.slots[i].owner == owner {
			r.releaseLocked(i)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("registry entries invalidated",
			logger.String("owner", owner),
			logger.Int("count", removed),
		)
	}
	return removed
}

// Count 返回 owner 当前拥有的条目数量，owner 为空时返回总数。
func (r *Registry) Count(owner string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.slots {
		if s.instance == nil {
			continue
		}
		if owner == "" || s.owner == owner {
			n++
		}
	}
	return n
}

// Entries 返回当前全部条目的快照。
func (r *Registry) Entries() []EntryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntryInfo, 0, len(r.slots))
	for _, s := range r.slots {
		if s.instance == nil {
			continue
		}
		out = append(out, EntryInfo{ServiceType: s.typ, Owner: s.owner, Plugin: s.kind == kindPlugin})
	}
	return out
}

func (r *Registry) indexesOf(typ reflect.Type, kind entryKind) ([]int, []uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	indexes := r.byType[typ]
	outIdx := make([]int, 0, len(indexes))
	outGen := make([]uint64, 0, len(indexes))
	for _, index := range indexes {
		if r.slots[index].kind != kind {
			continue
		}
		outIdx = append(outIdx, index)
		outGen = append(outGen, r.slots[index].gen)
	}
	return outIdx, outGen
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
