package event

import (
	"context"
	"errors"
	"fmt"

	c "aiomgr/internal"
	"aiomgr/internal/op"

	"sync"
)

// Handle packs a registry slot index (high 32 bits) and the slot's generation (low
// 32 bits). Generations start at 1 so the zero Handle is never issued.
type Handle uint64

func mkHandle(idx uint32, gen uint32) Handle {
	return Handle(uint64(idx)<<32 | uint64(gen))
}

func (h Handle) idx() uint32 { return uint32(h >> 32) }
func (h Handle) gen() uint32 { return uint32(h) }

func (h Handle) String() string {
	return fmt.Sprintf("#%d.%d", h.idx(), h.gen())
}

type State uint8
const (
	Queued State = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s State) Terminal() bool {
	return s >= Completed
}

func (s State) String() string {
	switch s {
	case Queued:	return "queued"
	case Running:	return "running"
	case Completed:	return "completed"
	case Cancelled:	return "cancelled"
	case Failed:	return "failed"
	default:		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Entry is one submitted operation. Every state change goes through mu, so a
// completion and a cancel can never both win.
//
//	Queued -> Running -> Completed | Failed
//	Queued -> Cancelled
//	Running -> Cancelled (only if the op stopped at a checkpoint)
type Entry struct {
	mu			sync.Mutex
	handle		Handle
	op			op.Op
	state		State
	res			op.Result
	err			error
	abort		context.CancelFunc
	done		chan struct{}
}

func newEntry(o op.Op) *Entry {
	return &Entry{op: o, state: Queued, done: make(chan struct{})}
}

func (e *Entry) Handle() Handle	{ return e.handle }
func (e *Entry) Op() op.Op		{ return e.op }

func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the entry reaches a terminal state.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Begin moves a queued entry to Running and returns the context the op must run
// under. ok is false if the entry was cancelled while it sat in the queue.
func (e *Entry) Begin(parent context.Context) (ctx context.Context, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Queued { return nil, false }
	ctx, e.abort = context.WithCancel(parent)
	e.state = Running
	return ctx, true
}

// Finish records what the op returned. An op that bailed out at a checkpoint after a
// cancel ends up Cancelled, anything else that errored is Failed.
func (e *Entry) Finish(res op.Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running { return }
	e.abort()
	e.res, e.err = res, err
	switch {
	case err == nil:
		e.state = Completed
	case errors.Is(err, c.ErrCancelled):
		e.state = Cancelled
	default:
		e.state = Failed
	}
	close(e.done)
}

// Cancel never blocks. A queued entry is cancelled on the spot. A running one gets
// its context cancelled and finishes whichever way the op decides. Returns the
// state observed before the request.
func (e *Entry) Cancel() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.state
	switch prev {
	case Queued:
		e.state = Cancelled
		e.err = c.ErrCancelled
		close(e.done)
	case Running:
		e.abort()
	}
	return prev
}

// Outcome is the result of a terminal entry. ErrOperationStillPending otherwise.
func (e *Entry) Outcome() (op.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Queued, Running:
		return op.Result{}, c.ErrOperationStillPending
	case Cancelled:
		return e.res, c.ErrCancelled
	}
	return e.res, e.err
}

func (e *Entry) String() string {
	return fmt.Sprintf("%v %v %v", e.handle, e.op.Kind(), e.State())
}
