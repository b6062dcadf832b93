// Package aio is the caller-facing side: submit operations, get handles back, and
// complete or cancel them later. Submit and Cancel never block, only the Complete
// family waits.
package aio

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	c "aiomgr/internal"
	"aiomgr/internal/config"
	"aiomgr/internal/dispatch"
	"aiomgr/internal/event"
	"aiomgr/internal/op"

	"github.com/negrel/assert"
)

type Handle = event.Handle

type Manager struct {
	log		*slog.Logger
	reg		*event.Registry
	disp	*dispatch.Dispatcher
	closed	atomic.Bool
}

// Outcome is one slot of a CompleteMultiple result.
type Outcome struct {
	Handle	Handle
	Result	op.Result
	Err		error
}

func New(cfg config.Config, env *op.Env) (*Manager, error) {
	if err := cfg.Validate(); err != nil { return nil, err }
	reg, err := event.NewRegistry(cfg.MaxHandles)
	if err != nil { return nil, err }
	disp, err := dispatch.New(dispatch.Config{
		Workers:	cfg.Workers,
		Shards:		cfg.LaneShards,
	}, env)
	if err != nil { return nil, err }

	return &Manager{
		log:	slog.With("src", "Manager"),
		reg:	reg,
		disp:	disp,
	}, nil
}

// Submit validates o, registers it and queues it. Validation errors come back here,
// execution errors only from Complete. Buffers referenced by o belong to the
// operation until it completes.
func (m *Manager) Submit(o op.Op) (Handle, error) {
	if m.closed.Load() { return 0, c.ErrClosed }
	if o == nil { return 0, c.Invalid("nil operation") }
	if err := o.Validate(); err != nil { return 0, err }

	e, err := m.reg.Insert(o)
	if err != nil { return 0, err }
	if err := m.disp.Enqueue(e); err != nil {
		e.Cancel()
		_, relErr := m.reg.Release(e.Handle())
		assert.NoError(relErr, "cancelled entry did not release")
		return 0, err
	}
	return e.Handle(), nil
}

// Complete waits for h, releases it and returns what the operation produced.
func (m *Manager) Complete(h Handle) (op.Result, error) {
	return m.CompleteContext(context.Background(), h)
}

// CompleteContext is Complete with the wait bounded by ctx. If ctx ends first the
// handle stays live and ctx's error is returned.
func (m *Manager) CompleteContext(ctx context.Context, h Handle) (op.Result, error) {
	e, err := m.reg.Lookup(h)
	if err != nil { return op.Result{}, err }
	select {
	case <-e.Done():
	case <-ctx.Done():
		return op.Result{}, ctx.Err()
	}
	return m.release(h)
}

// TryComplete is Complete without the wait.
func (m *Manager) TryComplete(h Handle) (op.Result, error) {
	return m.release(h)
}

func (m *Manager) release(h Handle) (op.Result, error) {
	e, err := m.reg.Release(h)
	if err != nil { return op.Result{}, err }
	return e.Outcome()
}

// Release drops a terminal handle without looking at its outcome.
func (m *Manager) Release(h Handle) error {
	_, err := m.reg.Release(h)
	return err
}

func (m *Manager) State(h Handle) (event.State, error) {
	e, err := m.reg.Lookup(h)
	if err != nil { return 0, err }
	return e.State(), nil
}

// Cancel asks for h to be abandoned and returns right away. A queued operation never
// starts. A running one stops at its next checkpoint, or completes normally if it
// has none left. Cancelling a finished handle does nothing. Either way the handle
// still has to be completed or released.
func (m *Manager) Cancel(h Handle) error {
	e, err := m.reg.Lookup(h)
	if err != nil { return err }
	prev := e.Cancel()
	m.log.Debug("cancel", "handle", h, "was", prev)
	return nil
}

// CompleteMultiple waits for every valid handle in hs and releases it. Bad handles
// (unknown, released, or repeated within hs) get ErrInvalidHandle in their own slot
// and do not affect the others. n is the number of handles released.
func (m *Manager) CompleteMultiple(hs []Handle) (n int, out []Outcome) {
	return m.CompleteMultipleContext(context.Background(), hs)
}

// CompleteMultipleContext stops waiting when ctx ends. Slots not reached by then
// report ctx's error and keep their handles live.
func (m *Manager) CompleteMultipleContext(ctx context.Context, hs []Handle) (n int, out []Outcome) {
	out = make([]Outcome, len(hs))
	entries := make([]*event.Entry, len(hs))
	seen := make(map[Handle]struct{}, len(hs))
	for i, h := range hs {
		out[i].Handle = h
		if _, dup := seen[h]; dup {
			out[i].Err = c.ErrInvalidHandle
			continue
		}
		seen[h] = struct{}{}
		entries[i], out[i].Err = m.reg.Lookup(h)
	}

	for i, e := range entries {
		if e == nil { continue }
		select {
		case <-e.Done():
		case <-ctx.Done():
			out[i].Err = ctx.Err()
			continue
		}
		out[i].Result, out[i].Err = m.release(hs[i])
		if !errors.Is(out[i].Err, c.ErrInvalidHandle) { n++ }
	}
	return n, out
}

// Live is the number of handles not yet released.
func (m *Manager) Live() int {
	return m.reg.Len()
}

// Close cancels everything still queued or running and stops the workers. Handles
// stay valid afterwards so callers can still collect them, Submit fails with
// ErrClosed.
func (m *Manager) Close() error {
	if m.closed.Swap(true) { return nil }
	err := m.disp.Close()
	if live := m.reg.Len(); live > 0 {
		m.log.Warn("closing with live handles", "live", live)
		m.reg.Range(func(e *event.Entry) bool {
			m.log.Debug("live", "entry", e)
			return true
		})
	}
	return err
}
