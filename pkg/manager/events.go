package manager

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/module"
)

type subscription struct {
	id      uint64
	owner   string
	handler module.EventHandler
}

// dispatcher 按订阅顺序同步分发事件。
type dispatcher struct {
	logger logger.Logger
	nextID atomic.Uint64

	mu   sync.RWMutex
	subs map[module.EventKind][]subscription
}

func newDispatcher(l logger.Logger) *dispatcher {
	return &dispatcher{
		logger: l,
		subs:   make(map[module.EventKind][]subscription),
	}
}

// subscribe 登记处理器，owner 非空时随该 mod 卸载自动取消。
func (d *dispatcher) subscribe(kind module.EventKind, owner string, handler module.EventHandler) func() {
	if handler == nil {
		return func() {}
	}
	id := d.nextID.Inc()
	d.mu.Lock()
	d.subs[kind] = append(d.subs[kind], subscription{id: id, owner: owner, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			subs := d.subs[kind]
			for i, s := range subs {
				if s.id == id {
					d.subs[kind] = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (d *dispatcher) dropOwner(owner string) {
	if owner == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for kind, subs := range d.subs {
		kept := subs[:0:0]
		for _, s := range subs {
			if s.owner != owner {
				kept = append(kept, s)
			}
		}
		d.subs[kind] = kept
	}
}

func (d *dispatcher) publish(kind module.EventKind, info module.Info) {
	d.mu.RLock()
	subs := append([]subscription(nil), d.subs[kind]...)
	d.mu.RUnlock()

	for _, s := range subs {
		d.invoke(kind, info, s)
	}
}

func (d *dispatcher) invoke(kind module.EventKind, info module.Info, s subscription) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				logger.Stringer("event", kind),
				logger.ModID(info.ID),
				logger.String("subscriber", s.owner),
				logger.Any("panic", r),
			)
		}
	}()
	s.handler(kind, info)
}
