package modctx

import (
	"reflect"
	"runtime"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"

	"github.com/lk2023060901/modloader/pkg/logger"
)

// DefaultReclaimSpec 默认的回收检查周期。
const DefaultReclaimSpec = "@every 30s"

// Reclaimer 跟踪已释放模块中仍可能把模块留在内存里的对象（入口实例、插件句柄），周期性报告
// 哪些模块仍被强引用持有。
//
// 它只观察，不强制回收。值类型的入口没有可跟踪的身份，不会被报告；包级变量永远不会被回收，
// 引用它们的模块会一直被报告为驻留。
type Reclaimer struct {
	spec   string
	cron   *cron.Cron
	logger logger.Logger

	mu      sync.Mutex
	pending []*residue
	started bool
}

// residue 是一次释放留下的待回收对象，live 为尚未被回收的对象数量。
type residue struct {
	path   string
	live   atomic.Int32
	warned bool
}

// ReclaimerOption 回收观察器选项。
type ReclaimerOption func(*Reclaimer)

// WithReclaimLogger 设置日志记录器。
func WithReclaimLogger(l logger.Logger) ReclaimerOption {
	return func(r *Reclaimer) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReclaimer 以 cron 表达式 spec 创建回收观察器，spec 为空时使用 DefaultReclaimSpec。
func NewReclaimer(spec string, opts ...ReclaimerOption) (*Reclaimer, error) {
	if spec == "" {
		spec = DefaultReclaimSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, errors.Wrapf(err, "modctx: invalid reclaim spec %q", spec)
	}
	r := &Reclaimer{
		spec:   spec,
		cron:   cron.New(),
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Track 开始跟踪 path 释放后留下的对象，非指针或零大小的值会被忽略。
//
// 调用方传入的引用在 Track 返回后即可丢弃，跟踪本身不会让对象保持存活。
func (r *Reclaimer) Track(path string, pins ...any) {
	res := &residue{path: path}
	for _, pin := range pins {
		ptr, ok := pinPointer(pin)
		if !ok {
			continue
		}
		res.live.Inc()
		runtime.AddCleanup(ptr, func(res *residue) { res.live.Dec() }, res)
	}
	if res.live.Load() == 0 {
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, res)
	r.mu.Unlock()
}

// pinPointer 返回指向 v 所在对象的指针，v 不是非空指针或指向零大小类型时返回 false。
func pinPointer(v any) (*byte, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Type().Elem().Size() == 0 {
		return nil, false
	}
	return (*byte)(rv.UnsafePointer()), true
}

// Sweep 移除已被回收的记录，返回仍驻留的记录数量。每个驻留记录只告警一次。
func (r *Reclaimer) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.pending[:0]
	for _, res := range r.pending {
		if res.live.Load() == 0 {
			r.logger.Debug("module reclaimed", logger.String("path", res.path))
			continue
		}
		if !res.warned {
			res.warned = true
			r.logger.Warn("unloaded module still resident",
				logger.String("path", res.path),
				logger.Int("live_objects", int(res.live.Load())),
			)
		}
		kept = append(kept, res)
	}
	clear(r.pending[len(kept):])
	r.pending = kept
	return len(r.pending)
}

// Resident 返回仍驻留的模块路径，去重并按字典序排列。
func (r *Reclaimer) Resident() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for _, res := range r.pending {
		if res.live.Load() > 0 {
			out = append(out, res.path)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Start 启动周期检查，可重复调用。
func (r *Reclaimer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if _, err := r.cron.AddFunc(r.spec, func() { r.Sweep() }); err != nil {
		return errors.Wrap(err, "modctx: schedule reclaim")
	}
	r.cron.Start()
	r.started = true
	return nil
}

// Stop 停止周期检查并等待正在执行的检查结束。
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()
	<-r.cron.Stop().Done()
}
