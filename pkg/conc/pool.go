package conc

import (
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
)

// Pool 是 ants 协程池的泛型封装。
type Pool[T any] struct {
	inner *ants.Pool
}

// NewPool 创建容量为 cap 的协程池，cap <= 0 时使用 GOMAXPROCS。
func NewPool[T any](cap int, opts ...ants.Option) *Pool[T] {
	if cap <= 0 {
		cap = runtime.GOMAXPROCS(0)
	}
	opts = append([]ants.Option{ants.WithPreAlloc(false)}, opts...)
	pool, err := ants.NewPool(cap, opts...)
	if err != nil {
		panic(err)
	}
	return &Pool[T]{inner: pool}
}

// NewDefaultPool 创建容量为 GOMAXPROCS 的协程池。
func NewDefaultPool[T any]() *Pool[T] {
	return NewPool[T](runtime.GOMAXPROCS(0))
}

// Submit 提交任务，池已关闭或非阻塞池已满时 future 立即返回错误。
func (p *Pool[T]) Submit(fn func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := p.inner.Submit(func() {
		var (
			value T
			err   error
		)
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("conc: task panicked: %v", r)
			}
			future.complete(value, err)
		}()
		value, err = fn()
	})
	if err != nil {
		var zero T
		future.complete(zero, errors.Wrap(err, "conc: submit task"))
	}
	return future
}

// Cap 返回池容量。
func (p *Pool[T]) Cap() int {
	return p.inner.Cap()
}

// Running 返回正在执行的任务数。
func (p *Pool[T]) Running() int {
	return p.inner.Running()
}

// Release 关闭协程池，不等待正在执行的任务。
func (p *Pool[T]) Release() {
	p.inner.Release()
}

// ReleaseTimeout 关闭协程池并在 timeout 内等待任务退出。
func (p *Pool[T]) ReleaseTimeout(timeout time.Duration) error {
	return p.inner.ReleaseTimeout(timeout)
}
