package aio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	c "aiomgr/internal"
	"aiomgr/internal/config"
	"aiomgr/internal/event"
	"aiomgr/internal/fsys"
	"aiomgr/internal/op"

	"github.com/stretchr/testify/assert"
)

// gateFS fills read buffers with the fd number. Reads on fd 3 wait for gate.
type gateFS struct {
	fsys.Provider
	gate	chan struct{}
	started	chan struct{}
	mu		sync.Mutex
	reads	map[fsys.Fd]int
}

func newGateFS() *gateFS {
	return &gateFS{
		gate:		make(chan struct{}),
		started:	make(chan struct{}),
		reads:		map[fsys.Fd]int{},
	}
}

func (g *gateFS) Pread(fd fsys.Fd, buf []byte, off int64) (int, error) {
	g.mu.Lock()
	g.reads[fd]++
	g.mu.Unlock()
	if fd == 3 {
		close(g.started)
		<-g.gate
	}
	if fd == 99 { return 0, c.Collab("pread", errors.New("device gone")) }
	for i := range buf { buf[i] = byte(fd) }
	return len(buf), nil
}

func (g *gateFS) count(fd fsys.Fd) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads[fd]
}

func testManager(t *testing.T, workers int, fsp fsys.Provider) *Manager {
	cfg := config.Default()
	cfg.Workers = workers
	cfg.MaxHandles = 32
	m, err := New(cfg, &op.Env{FS: fsp})
	if err != nil { t.Fatal(err) }
	t.Cleanup(func() { m.Close() })
	return m
}

func mustSubmit(t *testing.T, m *Manager, o op.Op) Handle {
	h, err := m.Submit(o)
	if err != nil { t.Fatal(err) }
	return h
}

func Test_Manager_Complete(t *testing.T) {
	m := testManager(t, 2, newGateFS())
	buf := make([]byte, 16)
	h := mustSubmit(t, m, &op.Pread{Fd: 5, Buf: buf})

	res, err := m.Complete(h)
	assert.NoError(t, err)
	assert.Equal(t, int64(16), res.N)
	assert.Equal(t, byte(5), buf[15])
	assert.Equal(t, 0, m.Live())

	_, err = m.Complete(h)
	assert.ErrorIs(t, err, c.ErrInvalidHandle)
	assert.ErrorIs(t, m.Release(h), c.ErrInvalidHandle)
	assert.ErrorIs(t, m.Cancel(h), c.ErrInvalidHandle)
	_, err = m.State(h)
	assert.ErrorIs(t, err, c.ErrInvalidHandle)
	_, err = m.Complete(Handle(0))
	assert.ErrorIs(t, err, c.ErrInvalidHandle)
}

func Test_Manager_Collaborator_Failure(t *testing.T) {
	m := testManager(t, 1, newGateFS())
	h := mustSubmit(t, m, &op.Pread{Fd: 99, Buf: make([]byte, 4)})
	_, err := m.Complete(h)
	assert.ErrorIs(t, err, c.ErrCollaboratorFailure)
}

func Test_Manager_Submit_Validation(t *testing.T) {
	m := testManager(t, 1, newGateFS())
	_, err := m.Submit(&op.Read{Fd: 3})
	assert.ErrorIs(t, err, c.ErrInvalidArgument)
	_, err = m.Submit(nil)
	assert.ErrorIs(t, err, c.ErrInvalidArgument)
	assert.Equal(t, 0, m.Live())
}

func Test_Manager_Pending_Release(t *testing.T) {
	g := newGateFS()
	m := testManager(t, 1, g)
	h := mustSubmit(t, m, &op.Pread{Fd: 3, Buf: make([]byte, 4)})
	<-g.started

	assert.ErrorIs(t, m.Release(h), c.ErrOperationStillPending)
	_, err := m.TryComplete(h)
	assert.ErrorIs(t, err, c.ErrOperationStillPending)
	st, err := m.State(h)
	assert.NoError(t, err)
	assert.Equal(t, event.Running, st)

	close(g.gate)
	_, err = m.Complete(h)
	assert.NoError(t, err)
}

func Test_Manager_CompleteContext_Keeps_Handle(t *testing.T) {
	g := newGateFS()
	m := testManager(t, 1, g)
	h := mustSubmit(t, m, &op.Pread{Fd: 3, Buf: make([]byte, 4)})

	ctx, cancel := context.WithTimeout(context.Background(), 20 * time.Millisecond)
	defer cancel()
	_, err := m.CompleteContext(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, m.Live())

	close(g.gate)
	res, err := m.Complete(h)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), res.N)
}

func Test_Manager_CompleteMultiple_Bad_Member(t *testing.T) {
	m := testManager(t, 2, newGateFS())
	h1 := mustSubmit(t, m, &op.Pread{Fd: 4, Buf: make([]byte, 8)})
	h3 := mustSubmit(t, m, &op.Pread{Fd: 5, Buf: make([]byte, 8)})
	bad := Handle(0xdead_0000_0001)

	n, out := m.CompleteMultiple([]Handle{h1, bad, h3})
	assert.Equal(t, 2, n)
	assert.NoError(t, out[0].Err)
	assert.ErrorIs(t, out[1].Err, c.ErrInvalidHandle)
	assert.NoError(t, out[2].Err)
	assert.Equal(t, int64(8), out[2].Result.N)
	assert.Equal(t, h3, out[2].Handle)
	assert.Equal(t, 0, m.Live())
}

func Test_Manager_CompleteMultiple_Duplicates(t *testing.T) {
	m := testManager(t, 2, newGateFS())
	h := mustSubmit(t, m, &op.Pread{Fd: 4, Buf: make([]byte, 8)})

	n, out := m.CompleteMultiple([]Handle{h, h})
	assert.Equal(t, 1, n)
	assert.NoError(t, out[0].Err)
	assert.ErrorIs(t, out[1].Err, c.ErrInvalidHandle)
}

// five independent reads on one worker, the third cancelled before it can start
func Test_Manager_Cancel_Third_Of_Five(t *testing.T) {
	g := newGateFS()
	m := testManager(t, 1, g)

	hs := make([]Handle, 5)
	for i := range hs {
		hs[i] = mustSubmit(t, m, &op.Pread{Fd: fsys.Fd(3 + i), Buf: make([]byte, 32)})
	}
	<-g.started
	assert.NoError(t, m.Cancel(hs[2]))
	st, _ := m.State(hs[2])
	assert.Equal(t, event.Cancelled, st)
	close(g.gate)

	n, out := m.CompleteMultiple(hs)
	assert.Equal(t, 5, n)
	completed, cancelled := 0, 0
	for _, o := range out {
		switch {
		case o.Err == nil:
			completed++
		case errors.Is(o.Err, c.ErrCancelled):
			cancelled++
		}
	}
	assert.Equal(t, 4, completed)
	assert.Equal(t, 1, cancelled)
	assert.ErrorIs(t, out[2].Err, c.ErrCancelled)
	assert.Equal(t, 0, g.count(5)) // never reached the provider
}

func Test_Manager_Cancel_Terminal_Is_Noop(t *testing.T) {
	m := testManager(t, 1, newGateFS())
	h := mustSubmit(t, m, &op.Pread{Fd: 4, Buf: make([]byte, 8)})

	for {
		st, _ := m.State(h)
		if st.Terminal() { break }
		time.Sleep(time.Millisecond)
	}
	assert.NoError(t, m.Cancel(h))
	res, err := m.Complete(h)
	assert.NoError(t, err)
	assert.Equal(t, int64(8), res.N)
}

func Test_Manager_Exhausted(t *testing.T) {
	g := newGateFS()
	cfg := config.Default()
	cfg.Workers = 1
	cfg.MaxHandles = 2
	m, err := New(cfg, &op.Env{FS: g})
	assert.NoError(t, err)
	defer m.Close()

	h1 := mustSubmit(t, m, &op.Pread{Fd: 3, Buf: make([]byte, 4)})
	h2 := mustSubmit(t, m, &op.Pread{Fd: 4, Buf: make([]byte, 4)})
	_, err = m.Submit(&op.Pread{Fd: 5, Buf: make([]byte, 4)})
	assert.ErrorIs(t, err, c.ErrResourceExhausted)

	close(g.gate)
	n, _ := m.CompleteMultiple([]Handle{h1, h2})
	assert.Equal(t, 2, n)
	h3 := mustSubmit(t, m, &op.Pread{Fd: 5, Buf: make([]byte, 4)})
	_, err = m.Complete(h3)
	assert.NoError(t, err)
}

func Test_Manager_Close(t *testing.T) {
	g := newGateFS()
	m := testManager(t, 1, g)
	h1 := mustSubmit(t, m, &op.Pread{Fd: 3, Buf: make([]byte, 4)})
	<-g.started
	h2 := mustSubmit(t, m, &op.Pread{Fd: 4, Buf: make([]byte, 4)})

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(g.gate)
	}()
	assert.NoError(t, m.Close())

	// the running read has no checkpoint left, the queued one never starts
	_, err := m.Complete(h1)
	assert.NoError(t, err)
	_, err = m.Complete(h2)
	assert.ErrorIs(t, err, c.ErrCancelled)
	assert.Equal(t, 0, g.count(4))

	_, err = m.Submit(&op.Pread{Fd: 4, Buf: make([]byte, 4)})
	assert.ErrorIs(t, err, c.ErrClosed)
	assert.NoError(t, m.Close())
}

// cancelled handles completed behind a busy worker free their slots, and the next
// Submit must not wait for the worker
func Test_Manager_Submit_Cancel_Release_Churn(t *testing.T) {
	g := newGateFS()
	cfg := config.Default()
	cfg.Workers = 1
	cfg.MaxHandles = 2
	cfg.LaneShards = 1
	m, err := New(cfg, &op.Env{FS: g})
	assert.NoError(t, err)
	defer m.Close()

	busy := mustSubmit(t, m, &op.Pread{Fd: 3, Buf: make([]byte, 4)})
	<-g.started

	for i := range 32 {
		h := mustSubmit(t, m, &op.Pread{Fd: fsys.Fd(10 + i), Buf: make([]byte, 4)})
		assert.NoError(t, m.Cancel(h))
		_, err := m.Complete(h)
		assert.ErrorIs(t, err, c.ErrCancelled)
		assert.Equal(t, 1, m.Live())
	}

	type submitted struct {
		h	Handle
		err	error
	}
	done := make(chan submitted, 1)
	go func() {
		h, err := m.Submit(&op.Pread{Fd: 50, Buf: make([]byte, 4)})
		done <- submitted{h, err}
	}()
	var last submitted
	select {
	case last = <-done:
		assert.NoError(t, last.err)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked behind cancelled handles")
	}
	assert.Equal(t, 2, m.Live())

	close(g.gate)
	n, out := m.CompleteMultiple([]Handle{busy, last.h})
	assert.Equal(t, 2, n)
	assert.NoError(t, out[0].Err)
	assert.NoError(t, out[1].Err)
	assert.Equal(t, int64(4), out[1].Result.N)
	for i := range 32 { assert.Equal(t, 0, g.count(fsys.Fd(10 + i))) }
}

func Test_Manager_Submit_Enqueue_Refused(t *testing.T) {
	m := testManager(t, 1, newGateFS())
	// dispatcher gone while the manager still accepts
	assert.NoError(t, m.disp.Close())

	_, err := m.Submit(&op.Pread{Fd: 4, Buf: make([]byte, 4)})
	assert.ErrorIs(t, err, c.ErrClosed)
	assert.Equal(t, 0, m.Live())
}
