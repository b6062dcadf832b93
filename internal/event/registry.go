// Request registry: owns every submitted operation from submit until its handle is
// released. No I/O happens here.
package event

import (
	"fmt"
	"log/slog"
	"sync"

	c "aiomgr/internal"
	"aiomgr/internal/op"
	"aiomgr/internal/util"

	"github.com/negrel/assert"
)

type Registry struct {
	log		*slog.Logger
	mu		sync.Mutex
	slots	util.SlotTable[*Entry]
}

func NewRegistry(capacity int) (*Registry, error) {
	if capacity < 1 || capacity > 1 << 31 { return nil, c.Invalid("registry capacity %d", capacity) }
	return &Registry{
		log:	slog.With("src", "Registry"),
		slots:	util.CreateSlotTable[*Entry](capacity),
	}, nil
}

// Insert registers o as a new Queued entry under a fresh handle.
func (r *Registry) Insert(o op.Op) (*Entry, error) {
	e := newEntry(o)
	r.mu.Lock()
	idx, gen, ok := r.slots.Acq(e)
	if ok { e.handle = mkHandle(idx, gen) }
	live := r.slots.Len()
	r.mu.Unlock()
	assert.LessOrEqual(live, r.slots.Cap(), "more live entries than slots")

	if !ok {
		r.log.Warn("registry full", "cap", r.slots.Cap())
		return nil, fmt.Errorf("%w (%d live)", c.ErrResourceExhausted, live)
	}
	r.log.Debug("insert", "handle", e.handle, "kind", o.Kind(), "live", live)
	return e, nil
}

func (r *Registry) Lookup(h Handle) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots.Get(h.idx(), h.gen())
	if !ok { return nil, c.ErrInvalidHandle }
	return e, nil
}

// Release drops a terminal entry and hands it back so the caller can read its
// outcome. The handle is dead afterwards.
func (r *Registry) Release(h Handle) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.slots.Get(h.idx(), h.gen())
	if !ok { return nil, c.ErrInvalidHandle }
	if !e.State().Terminal() { return nil, c.ErrOperationStillPending }
	r.slots.Rel(h.idx(), h.gen())
	r.log.Debug("release", "handle", h, "live", r.slots.Len())
	return e, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots.Len()
}

func (r *Registry) Cap() int {
	return r.slots.Cap()
}

// Range calls fn on a snapshot of the live entries, without holding the registry lock.
func (r *Registry) Range(fn func(e *Entry) bool) {
	r.mu.Lock()
	entries := make([]*Entry, 0, r.slots.Len())
	r.slots.Range(func(_ uint32, _ uint32, e *Entry) bool {
		entries = append(entries, e)
		return true
	})
	r.mu.Unlock()
	for _, e := range entries {
		if !fn(e) { return }
	}
}
