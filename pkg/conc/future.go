// Package conc 提供基于 ants 协程池的 Future 风格并发工具。
package conc

import "github.com/cockroachdb/errors"

// Future 表示一个异步执行的结果。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) {
	f.value = value
	f.err = err
	close(f.ch)
}

// Await 阻塞等待结果。
func (f *Future[T]) Await() (T, error) {
	<-f.ch
	return f.value, f.err
}

// Inner 阻塞等待并仅返回值。
func (f *Future[T]) Inner() T {
	<-f.ch
	return f.value
}

// Done 返回任务完成时关闭的 channel。
func (f *Future[T]) Done() <-chan struct{} {
	return f.ch
}

// OK 阻塞等待并返回任务是否成功。
func (f *Future[T]) OK() bool {
	<-f.ch
	return f.err == nil
}

// Err 阻塞等待并返回任务错误。
func (f *Future[T]) Err() error {
	<-f.ch
	return f.err
}

// Go 在独立 goroutine 中执行 fn，不占用协程池。
func Go[T any](fn func() (T, error)) *Future[T] {
	future := newFuture[T]()
	go func() {
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
	}()
	return future
}

// AwaitAll 等待全部 future 完成，返回第一个错误。
func AwaitAll[T any](futures ...*Future[T]) error {
	var first error
	for _, f := range futures {
		if err := f.Err(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BlockOnAll 等待全部 future 完成，返回合并后的错误。
func BlockOnAll[T any](futures ...*Future[T]) error {
	var combined error
	for _, f := range futures {
		combined = errors.CombineErrors(combined, f.Err())
	}
	return combined
}
