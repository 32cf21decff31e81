package manager

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/modloader/pkg/conc"
	"github.com/lk2023060901/modloader/pkg/moderr"
	"github.com/lk2023060901/modloader/pkg/modctx"
	"github.com/lk2023060901/modloader/pkg/module"
)

// instance 是一个已激活的 mod，只在 Manager 的写锁内修改。
type instance struct {
	desc       module.Descriptor
	ctx        *modctx.Context
	entry      module.EntryPoint
	state      module.State
	canSuspend bool
	canUnload  bool
	timeout    time.Duration
}

func newInstance(desc module.Descriptor, ctx *modctx.Context, entry module.EntryPoint, timeout time.Duration) *instance {
	return &instance{
		desc:       desc,
		ctx:        ctx,
		entry:      entry,
		state:      module.StateRunning,
		canSuspend: entry.CanSuspend(),
		canUnload:  entry.CanUnload(),
		timeout:    timeout,
	}
}

func (i *instance) info() module.Info {
	return module.Info{
		ID:           i.desc.ID,
		Name:         i.desc.Name,
		Version:      i.desc.Version,
		State:        i.state,
		CanSuspend:   i.canSuspend,
		CanUnload:    i.canUnload,
		Dependencies: append([]string(nil), i.desc.DependencyIDs...),
	}
}

func (i *instance) start(api module.LoaderAPI) error {
	return i.call("start", func() error { return i.entry.Start(api) })
}

func (i *instance) suspend() error {
	if !i.canSuspend {
		return i.reject("suspend", "mod does not support suspend")
	}
	if i.state != module.StateRunning {
		return i.reject("suspend", "mod is "+i.state.String())
	}
	if err := i.call("suspend", i.entry.Suspend); err != nil {
		return err
	}
	i.state = module.StateSuspended
	return nil
}

func (i *instance) resume() error {
	if i.state != module.StateSuspended {
		return i.reject("resume", "mod is "+i.state.String())
	}
	if err := i.call("resume", i.entry.Resume); err != nil {
		return err
	}
	i.state = module.StateRunning
	return nil
}

// checkUnload 在触发任何事件或调用入口之前校验卸载是否允许。
func (i *instance) checkUnload() error {
	if !i.canUnload {
		return i.reject("unload", "mod does not support unload")
	}
	if i.state == module.StateUnloading {
		return i.reject("unload", "mod is already unloading")
	}
	return nil
}

func (i *instance) unload() error {
	if err := i.checkUnload(); err != nil {
		return err
	}
	if err := i.call("unload", i.entry.Unload); err != nil {
		return err
	}
	i.state = module.StateUnloading
	return nil
}

func (i *instance) reject(op, reason string) error {
	return &moderr.LifecycleError{ModID: i.desc.ID, Operation: op, Reason: reason}
}

// call 执行入口方法，恢复 panic，并在设置了超时时限制等待时间。
//
// 超时后入口所在的 goroutine 不会被中断，只是不再等待它。
func (i *instance) call(op string, fn func() error) error {
	future := conc.Go(func() (struct{}, error) {
		return struct{}{}, fn()
	})

	if i.timeout <= 0 {
		if err := future.Err(); err != nil {
			return errors.Wrapf(err, "mod %q %s", i.desc.ID, op)
		}
		return nil
	}

	timer := time.NewTimer(i.timeout)
	defer timer.Stop()
	select {
	case <-future.Done():
		if err := future.Err(); err != nil {
			return errors.Wrapf(err, "mod %q %s", i.desc.ID, op)
		}
		return nil
	case <-timer.C:
		return errors.Wrapf(moderr.ErrEntryPointTimeout, "mod %q %s after %s", i.desc.ID, op, i.timeout)
	}
}
