package rpc

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/modloader/pkg/conc"
	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/moderr"
	"github.com/lk2023060901/modloader/pkg/module"
	"github.com/lk2023060901/modloader/pkg/shm"
)

// DefaultHostAddress 默认监听地址，端口由系统分配。
const DefaultHostAddress = "127.0.0.1:0"

var (
	errHostStarted = errors.New("rpc: host already started")
	errHostClosed  = errors.New("rpc: host closed")
)

// Controller 是 Host 转发请求的目标，通常为 *manager.Manager。
type Controller interface {
	GetLoadedMods() []module.Info
	SetModState(ctx context.Context, id string, action module.Action) error
}

// HostOption Host 选项。
type HostOption func(*Host)

// WithHostLogger 设置日志记录器。
func WithHostLogger(l logger.Logger) HostOption {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithAddress 设置监听地址。
func WithAddress(addr string) HostOption {
	return func(h *Host) {
		if addr != "" {
			h.addr = addr
		}
	}
}

// WithPublish 设置是否通过共享内存段发布端口，pid 为 0 时使用当前进程号。
func WithPublish(enabled bool, pid int) HostOption {
	return func(h *Host) {
		h.publish = enabled
		if pid > 0 {
			h.pid = pid
		}
	}
}

// WithMaxConnections 设置同时服务的连接上限。
func WithMaxConnections(n int) HostOption {
	return func(h *Host) {
		if n > 0 {
			h.maxConns = n
		}
	}
}

// Host 是嵌入宿主进程的远程控制服务端。
type Host struct {
	controller Controller
	addr       string
	pid        int
	publish    bool
	maxConns   int
	session    string
	logger     logger.Logger

	mu       sync.Mutex
	listener net.Listener
	segment  *shm.Segment
	pool     *conc.Pool[struct{}]
	conns    map[string]net.Conn
	cancel   context.CancelFunc
	group    *errgroup.Group
	started  bool
	closed   bool
}

// NewHost 创建 Host。
func NewHost(controller Controller, opts ...HostOption) *Host {
	h := &Host{
		controller: controller,
		addr:       DefaultHostAddress,
		pid:        os.Getpid(),
		publish:    true,
		maxConns:   16,
		session:    uuid.NewString(),
		logger:     logger.Nop(),
		conns:      make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(logger.String("session", h.session))
	return h
}

// Start 绑定监听地址、发布端口并开始接受连接，不阻塞。
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHostClosed
	}
	if h.started {
		return errHostStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.addr)
	if err != nil {
		return errors.Wrapf(err, "rpc: listen %s", h.addr)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if h.publish {
		seg, err := shm.Publish(h.pid, port)
		if err != nil {
			_ = ln.Close()
			return err
		}
		h.segment = seg
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.listener = ln
	h.pool = conc.NewPool[struct{}](h.maxConns)
	h.cancel = cancel
	h.group = &errgroup.Group{}
	h.started = true
	h.group.Go(func() error {
		return h.acceptLoop(runCtx, ln)
	})

	h.logger.Info("rpc host started",
		logger.Stringer("addr", ln.Addr()),
		logger.Int("pid", h.pid),
		logger.Bool("published", h.publish),
	)
	return nil
}

// Addr 返回监听地址，未启动时为 nil。
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Port 返回监听端口，未启动时为 0。
func (h *Host) Port() int {
	if addr, ok := h.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close 停止接受连接，关闭现有连接，撤销端口发布。可重复调用。
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.cancel()
	err := h.listener.Close()
	for _, conn := range h.conns {
		_ = conn.Close()
	}
	group, pool, segment := h.group, h.pool, h.segment
	h.mu.Unlock()

	if werr := group.Wait(); werr != nil {
		err = errors.CombineErrors(err, werr)
	}
	if perr := pool.ReleaseTimeout(5 * time.Second); perr != nil {
		err = errors.CombineErrors(err, perr)
	}
	if serr := segment.Close(); serr != nil {
		err = errors.CombineErrors(err, serr)
	}
	h.logger.Info("rpc host stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (h *Host) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "rpc: accept")
		}
		id := uuid.NewString()
		if !h.track(id, conn) {
			_ = conn.Close()
			return nil
		}
		future := h.pool.Submit(func() (struct{}, error) {
			defer h.untrack(id)
			h.serve(ctx, id, conn)
			return struct{}{}, nil
		})
		select {
		case <-future.Done():
			if err := future.Err(); err != nil {
				h.logger.Warn("rpc connection rejected", logger.String("conn", id), logger.Err(err))
				h.untrack(id)
			}
		default:
		}
	}
}

func (h *Host) track(id string, conn net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[id] = conn
	return true
}

func (h *Host) untrack(id string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// serve 顺序处理一个连接上的请求，协议错误时回复异常并关闭该连接。
func (h *Host) serve(ctx context.Context, id string, conn net.Conn) {
	log := h.logger.With(logger.String("conn", id), logger.Stringer("remote", conn.RemoteAddr()))
	log.Debug("rpc connection accepted")
	defer log.Debug("rpc connection closed")

	for {
		req, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, moderr.ErrRemoteProtocol) {
				log.Warn("rpc protocol violation", logger.Err(err))
				_ = WriteFrame(conn, exceptionEnvelope(0, err))
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("rpc read failed", logger.Err(err))
			}
			return
		}

		resp, violation := h.handle(ctx, req)
		if err := WriteFrame(conn, resp); err != nil {
			log.Debug("rpc write failed", logger.Err(err))
			return
		}
		if violation {
			return
		}
	}
}

// handle 处理单个请求，第二个返回值表示请求违反协议，连接需要关闭。
func (h *Host) handle(ctx context.Context, req Envelope) (Envelope, bool) {
	switch req.Kind {
	case KindGetLoadedMods:
		mods := h.controller.GetLoadedMods()
		entries := make([]ModEntry, len(mods))
		for i, info := range mods {
			entries[i] = EntryFromInfo(info)
		}
		return Envelope{Key: req.Key, Kind: KindLoadedMods, Payload: MarshalLoadedMods(entries)}, false

	case KindSetModState:
		cmd, err := UnmarshalSetModState(req.Payload)
		if err != nil {
			return exceptionEnvelope(req.Key, err), true
		}
		if err := h.controller.SetModState(ctx, cmd.ModID, cmd.Action); err != nil {
			h.logger.Info("rpc set mod state rejected",
				logger.ModID(cmd.ModID),
				logger.Stringer("action", cmd.Action),
				logger.Err(err),
			)
			return exceptionEnvelope(req.Key, err), false
		}
		return Envelope{Key: req.Key, Kind: KindAcknowledgement}, false

	default:
		err := protocolError("unexpected request kind %s", req.Kind)
		return exceptionEnvelope(req.Key, err), true
	}
}

func exceptionEnvelope(key uint32, err error) Envelope {
	exc := Exception{Code: moderr.Code(err), Message: err.Error()}
	return Envelope{Key: key, Kind: KindExceptionResponse, Payload: exc.Marshal()}
}
