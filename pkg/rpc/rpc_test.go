package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/modloader/pkg/manager"
	"github.com/lk2023060901/modloader/pkg/moderr"
	"github.com/lk2023060901/modloader/pkg/modctx"
	"github.com/lk2023060901/modloader/pkg/module"
	"github.com/lk2023060901/modloader/pkg/shm"
)

type stubMod struct {
	canSuspend bool
}

func (stubMod) Start(module.LoaderAPI) error { return nil }
func (stubMod) Suspend() error               { return nil }
func (stubMod) Resume() error                { return nil }
func (stubMod) Unload() error                { return nil }
func (m stubMod) CanSuspend() bool           { return m.canSuspend }
func (stubMod) CanUnload() bool              { return true }

func newTestManager(t *testing.T, enabled ...string) *manager.Manager {
	t.Helper()
	backend := modctx.NewStaticBackend()
	var descs []module.Descriptor
	for _, id := range []string{"A", "B", "C", "D"} {
		path := "static/" + id
		canSuspend := id != "D"
		backend.Register(path, func() module.EntryPoint { return stubMod{canSuspend: canSuspend} })
		descs = append(descs, module.Descriptor{ID: id, Name: "mod " + id, Version: "0.1." + id, ModulePath: path})
	}
	m := manager.New(manager.Config{
		App:         module.AppConfig{ID: "game.exe", EnabledMods: enabled},
		Descriptors: descs,
		Revocable:   true,
	}, manager.WithBackend(backend))
	require.NoError(t, m.LoadForCurrentProcess(context.Background()))
	return m
}

func startHost(t *testing.T, c Controller, opts ...HostOption) *Host {
	t.Helper()
	h := NewHost(c, append([]HostOption{WithPublish(false, 0)}, opts...)...)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetLoadedModsMatchesManager(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "A", "B", "C")
	require.NoError(t, m.SuspendMod(ctx, "B"))
	h := startHost(t, m)
	c := dial(t, h.Addr().String())

	got, err := c.GetLoadedMods(ctx, time.Second)
	require.NoError(t, err)

	local := m.GetLoadedMods()
	require.Len(t, got, len(local))
	for i, info := range local {
		assert.Equal(t, EntryFromInfo(info), got[i])
	}
	assert.Equal(t, module.StateSuspended, got[1].State)
}

func TestSetModStateThroughHost(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "A")
	h := startHost(t, m)
	c := dial(t, h.Addr().String())

	require.NoError(t, c.LoadMod(ctx, "B"))
	require.NoError(t, c.SuspendMod(ctx, "B"))
	require.NoError(t, c.ResumeMod(ctx, "B"))
	require.NoError(t, c.UnloadMod(ctx, "A"))

	mods, err := c.GetLoadedMods(ctx, 0)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "B", mods[0].ID)
	assert.Equal(t, module.StateRunning, mods[0].State)
	assert.False(t, m.IsModLoaded("A"))
}

func TestDuplicateLoadRaisesExceptionOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "A")
	h := startHost(t, m)
	c := dial(t, h.Addr().String())

	seen := make(chan *ExceptionError, 4)
	unsubscribe := c.OnException(func(exc *ExceptionError) {
		seen <- exc
	})

	err := c.LoadMod(ctx, "A")
	require.Error(t, err)
	assert.True(t, errors.Is(err, moderr.ErrDuplicateMod))

	var exc *ExceptionError
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, moderr.CodeDuplicateMod, exc.Code)
	select {
	case got := <-seen:
		assert.Equal(t, exc.Key, got.Key)
	case <-time.After(time.Second):
		t.Fatal("exception handler not called")
	}
	assert.Len(t, m.GetLoadedMods(), 1)

	unsubscribe()
	require.Error(t, c.LoadMod(ctx, "A"))
	assert.Never(t, func() bool { return len(seen) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestExceptionHandlerCanCallClient(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "A")
	h := startHost(t, m)
	c := dial(t, h.Addr().String())

	result := make(chan error, 1)
	c.OnException(func(*ExceptionError) {
		_, err := c.GetLoadedMods(ctx, time.Second)
		result <- err
	})

	require.Error(t, c.LoadMod(ctx, "A"))
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("call from exception handler never finished")
	}
}

func TestLifecycleErrorsCrossTheWire(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "D")
	h := startHost(t, m)
	c := dial(t, h.Addr().String())

	assert.True(t, errors.Is(c.SuspendMod(ctx, "D"), moderr.ErrUnsupportedLifecycleOperation))
	assert.True(t, errors.Is(c.UnloadMod(ctx, "X"), moderr.ErrModNotFound))
	assert.True(t, errors.Is(c.LoadMod(ctx, "X"), moderr.ErrModNotFound))

	mods, err := c.GetLoadedMods(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, module.StateRunning, mods[0].State)
}

// silentServer 接受连接，把每个连接交给 fn 处理。
func silentServer(t *testing.T, fn func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fn(conn)
		}
	}()
	return ln.Addr().String()
}

func TestTimeoutRemovesPendingKey(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	addr := silentServer(t, func(conn net.Conn) {
		defer conn.Close()
		<-done
	})
	c := dial(t, addr)

	for i := 0; i < 5; i++ {
		_, err := c.GetLoadedMods(context.Background(), 10*time.Millisecond)
		assert.True(t, errors.Is(err, moderr.ErrRemoteTimeout), "got %v", err)
		assert.Equal(t, 0, c.PendingCount())
	}
}

func TestContextCancelRemovesPendingKey(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	addr := silentServer(t, func(conn net.Conn) {
		defer conn.Close()
		<-done
	})
	c := dial(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.LoadMod(ctx, "A")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.PendingCount())
}

func TestTruncatedResponseIsProtocolError(t *testing.T) {
	addr := silentServer(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := ReadFrame(conn); err != nil {
			return
		}
		_, _ = conn.Write([]byte{0, 0, 0, 10, 8, 1})
	})
	c := dial(t, addr)

	_, err := c.GetLoadedMods(context.Background(), time.Second)
	assert.True(t, errors.Is(err, moderr.ErrRemoteProtocol), "got %v", err)
	assert.Equal(t, 0, c.PendingCount())

	_, err = c.GetLoadedMods(context.Background(), time.Second)
	assert.Error(t, err)
}

func TestHostClosesConnectionOnProtocolViolation(t *testing.T) {
	m := newTestManager(t, "A")
	h := startHost(t, m)

	conn, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0, 0, 0, 1, 0xff})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	env, err := ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, KindExceptionResponse, env.Kind)
	exc, err := UnmarshalException(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, moderr.CodeRemoteProtocol, exc.Code)

	_, err = ReadFrame(conn)
	assert.Error(t, err)

	c := dial(t, h.Addr().String())
	mods, err := c.GetLoadedMods(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Len(t, mods, 1)
}

func TestHostRejectsUnexpectedKind(t *testing.T) {
	m := newTestManager(t)
	h := startHost(t, m)

	conn, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, WriteFrame(conn, Envelope{Key: 3, Kind: KindAcknowledgement}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	env, err := ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), env.Key)
	assert.Equal(t, KindExceptionResponse, env.Kind)
}

func TestDialPID(t *testing.T) {
	const pid = 1<<22 + 99
	m := newTestManager(t, "A", "B")

	h := NewHost(m, WithPublish(true, pid))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, h.Start(context.Background()))
	}()

	c, err := DialPID(ctx, pid, 5*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	port, err := shm.Read(pid)
	require.NoError(t, err)
	assert.Equal(t, h.Port(), port)

	mods, err := c.GetLoadedMods(ctx, time.Second)
	require.NoError(t, err)
	assert.Len(t, mods, 2)

	require.NoError(t, h.Close())
	_, err = shm.Read(pid)
	assert.True(t, errors.Is(err, shm.ErrNotPublished))
}

func TestDialPIDGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := DialPID(ctx, 1<<22+98, 5*time.Millisecond)
	assert.True(t, errors.Is(err, shm.ErrNotPublished))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHostLifecycle(t *testing.T) {
	m := newTestManager(t)
	h := NewHost(m, WithPublish(false, 0), WithAddress("127.0.0.1:0"), WithMaxConnections(2))
	assert.Equal(t, 0, h.Port())
	require.NoError(t, h.Start(context.Background()))
	assert.Error(t, h.Start(context.Background()))
	assert.NotZero(t, h.Port())
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Error(t, h.Start(context.Background()))
}

func TestClientCloseFailsPendingCalls(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	addr := silentServer(t, func(conn net.Conn) {
		defer conn.Close()
		<-done
	})
	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetLoadedMods(context.Background(), 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending call not released by Close")
	}
	assert.Equal(t, 0, c.PendingCount())
}
