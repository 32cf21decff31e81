package rpc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/moderr"
	"github.com/lk2023060901/modloader/pkg/module"
	"github.com/lk2023060901/modloader/pkg/shm"
	"github.com/lk2023060901/modloader/pkg/ticker"
)

// DefaultCallTimeout 默认的单次调用超时。
const DefaultCallTimeout = 5 * time.Second

var (
	errClientClosed     = errors.New("rpc: client closed")
	errUnexpectedAnswer = errors.New("rpc: unexpected response kind")
)

// ExceptionError 是 Host 返回的 ExceptionResponse。
type ExceptionError struct {
	Key     uint32
	Code    string
	Message string
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("rpc: remote exception [%s]: %s", e.Code, e.Message)
}

// Unwrap 返回错误码对应的哨兵错误，使 errors.Is 可以直接匹配 moderr 中的错误。
func (e *ExceptionError) Unwrap() error {
	return moderr.FromCode(e.Code)
}

// ExceptionHandler 处理收到的 ExceptionResponse。
type ExceptionHandler func(exc *ExceptionError)

// ClientOption Client 选项。
type ClientOption func(*Client)

// WithClientLogger 设置日志记录器。
func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client 是远程控制端，一个 Client 对应一条连接，可并发调用。
type Client struct {
	conn   net.Conn
	logger logger.Logger

	nextKey atomic.Uint32
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint32]chan Envelope
	closed   bool
	closeErr error
	done     chan struct{}

	subMu   sync.RWMutex
	subs    map[uint64]ExceptionHandler
	subNext uint64

	excMu    sync.Mutex
	excQueue []*ExceptionError
	excWake  chan struct{}
}

// Dial 连接到 addr。
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rpc: dial %s", addr)
	}
	return NewClient(conn, opts...), nil
}

// DialPID 轮询 pid 发布的端口，发布后连接到 127.0.0.1 上的该端口。
func DialPID(ctx context.Context, pid int, pollInterval time.Duration, opts ...ClientOption) (*Client, error) {
	var port int
	err := ticker.Until(ctx, pollInterval, func() bool {
		p, rerr := shm.Read(pid)
		if rerr != nil {
			return false
		}
		port = p
		return true
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "rpc: pid %d never published a port", pid), shm.ErrNotPublished)
	}
	return Dial(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), opts...)
}

// NewClient 基于已建立的连接创建 Client 并启动读循环。
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger.Nop(),
		pending: make(map[uint32]chan Envelope),
		done:    make(chan struct{}),
		subs:    make(map[uint64]ExceptionHandler),
		excWake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c
}

// OnException 订阅异常事件，返回取消函数。
//
// 处理器在独立的分发协程中按到达顺序依次执行，可以在处理器内发起新的调用；
// 处理器阻塞会推迟之后的异常通知，但不影响响应的读取。
func (c *Client) OnException(fn ExceptionHandler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	c.subMu.Lock()
	c.subNext++
	id := c.subNext
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// PendingCount 返回尚未得到响应的请求数量。
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// GetLoadedMods 查询 Host 的激活 mod，timeout 为 0 时使用 DefaultCallTimeout。
func (c *Client) GetLoadedMods(ctx context.Context, timeout time.Duration) ([]ModEntry, error) {
	resp, err := c.call(ctx, KindGetLoadedMods, nil, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Kind != KindLoadedMods {
		return nil, errors.Wrapf(errUnexpectedAnswer, "%s", resp.Kind)
	}
	return UnmarshalLoadedMods(resp.Payload)
}

// SetModState 请求 Host 变更 mod 状态。
func (c *Client) SetModState(ctx context.Context, id string, action module.Action, timeout time.Duration) error {
	payload := SetModStateRequest{ModID: id, Action: action}.Marshal()
	resp, err := c.call(ctx, KindSetModState, payload, timeout)
	if err != nil {
		return err
	}
	if resp.Kind != KindAcknowledgement {
		return errors.Wrapf(errUnexpectedAnswer, "%s", resp.Kind)
	}
	return nil
}

// LoadMod 请求加载 mod。
func (c *Client) LoadMod(ctx context.Context, id string) error {
	return c.SetModState(ctx, id, module.ActionLoad, 0)
}

// UnloadMod 请求卸载 mod。
func (c *Client) UnloadMod(ctx context.Context, id string) error {
	return c.SetModState(ctx, id, module.ActionUnload, 0)
}

// SuspendMod 请求暂停 mod。
func (c *Client) SuspendMod(ctx context.Context, id string) error {
	return c.SetModState(ctx, id, module.ActionSuspend, 0)
}

// ResumeMod 请求恢复 mod。
func (c *Client) ResumeMod(ctx context.Context, id string) error {
	return c.SetModState(ctx, id, module.ActionResume, 0)
}

// Close 关闭连接，等待中的调用返回错误。
func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(errClientClosed)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) generateKey() uint32 {
	for {
		if key := c.nextKey.Inc(); key != 0 {
			return key
		}
	}
}

func (c *Client) call(ctx context.Context, kind Kind, payload []byte, timeout time.Duration) (Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	key := c.generateKey()
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return Envelope{}, err
	}
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := WriteFrame(c.conn, Envelope{Key: key, Kind: kind, Payload: payload})
	c.writeMu.Unlock()
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "rpc: send %s", kind)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Kind == KindExceptionResponse {
			return Envelope{}, toException(resp)
		}
		return resp, nil
	case <-timer.C:
		return Envelope{}, errors.Wrapf(moderr.ErrRemoteTimeout, "%s after %s", kind, timeout)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return Envelope{}, err
	}
}

func (c *Client) readLoop() {
	for {
		env, err := ReadFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		if env.Kind == KindExceptionResponse {
			c.enqueue(toException(env))
		}

		c.mu.Lock()
		ch, ok := c.pending[env.Key]
		c.mu.Unlock()
		if !ok {
			if env.Key != 0 {
				c.logger.Debug("rpc response without pending request",
					logger.Int("key", int(env.Key)),
					logger.Stringer("kind", env.Kind),
				)
			}
			continue
		}
		select {
		case ch <- env:
		default:
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if errors.Is(err, moderr.ErrRemoteProtocol) || errors.Is(err, errClientClosed) {
		c.closeErr = err
	} else {
		c.closeErr = errors.Wrap(errClientClosed, err.Error())
	}
	close(c.done)
}

func (c *Client) enqueue(exc *ExceptionError) {
	c.excMu.Lock()
	c.excQueue = append(c.excQueue, exc)
	c.excMu.Unlock()
	select {
	case c.excWake <- struct{}{}:
	default:
	}
}

// dispatchLoop 依次把排队的异常交给订阅者，连接关闭后投递完剩余的异常再退出。
func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.excWake:
			c.drain()
		case <-c.done:
			c.drain()
			return
		}
	}
}

func (c *Client) drain() {
	for {
		c.excMu.Lock()
		if len(c.excQueue) == 0 {
			c.excMu.Unlock()
			return
		}
		exc := c.excQueue[0]
		c.excQueue[0] = nil
		c.excQueue = c.excQueue[1:]
		c.excMu.Unlock()
		c.publish(exc)
	}
}

func (c *Client) publish(exc *ExceptionError) {
	c.subMu.RLock()
	handlers := make([]ExceptionHandler, 0, len(c.subs))
	for _, fn := range c.subs {
		handlers = append(handlers, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("exception handler panicked", logger.Any("panic", r))
				}
			}()
			fn(exc)
		}()
	}
}

func toException(env Envelope) *ExceptionError {
	exc, err := UnmarshalException(env.Payload)
	if err != nil {
		return &ExceptionError{Key: env.Key, Code: moderr.CodeRemoteProtocol, Message: err.Error()}
	}
	return &ExceptionError{Key: env.Key, Code: exc.Code, Message: exc.Message}
}
