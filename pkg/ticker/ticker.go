// Package ticker 提供可取消的固定间隔轮询。
package ticker

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval 间隔无效时使用的默认值。
const DefaultInterval = 100 * time.Millisecond

// Handler 定时回调函数
type Handler func()

// Ticker 按固定间隔执行回调，Start 阻塞直到 ctx 取消或 Stop。
type Ticker struct {
	interval time.Duration
	handler  Handler

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stoppedC chan struct{}
}

// New 创建定时器，interval <= 0 时使用 DefaultInterval。
func New(interval time.Duration, handler Handler) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{interval: interval, handler: handler}
}

// Start 启动定时器并阻塞，ctx 取消时返回 ctx.Err()，Stop 时返回 nil。
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.stoppedC = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		close(t.stoppedC)
		t.mu.Unlock()
	}()

	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-tk.C:
			if t.handler != nil {
				t.handler()
			}
		}
	}
}

// Stop 停止定时器并等待 Start 返回。
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	stopCh, stoppedC := t.stopCh, t.stoppedC
	t.stopCh = nil
	t.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	<-stoppedC
}

// IsRunning 是否正在运行
func (t *Ticker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Interval 获取间隔时间
func (t *Ticker) Interval() time.Duration {
	return t.interval
}

// Until 立即执行一次 probe，之后按 interval 重复，直到 probe 返回 true 或 ctx 结束。
func Until(ctx context.Context, interval time.Duration, probe func() bool) error {
	if probe() {
		return nil
	}
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := false
	tk := New(interval, func() {
		if !found && probe() {
			found = true
			cancel()
		}
	})
	err := tk.Start(pollCtx)
	if found {
		return nil
	}
	return err
}
