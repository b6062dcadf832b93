// Worker dispatch. Entries are grouped into lanes by target: a lane sits in the run
// queue at most once and is worked by one worker at a time, so entries on the same
// target run in submission order. Different lanes run concurrently.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	c "aiomgr/internal"
	"aiomgr/internal/event"
	"aiomgr/internal/op"
	"aiomgr/internal/util"

	"github.com/cespare/xxhash"
	"github.com/negrel/assert"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Workers		int
	Shards		int
}

type lane struct {
	key			string
	shard		*shard
	q			util.Queue[*event.Entry]
	scheduled	bool
}

type shard struct {
	mu			sync.Mutex
	lanes		map[string]*lane
}

type Dispatcher struct {
	log			*slog.Logger
	env			*op.Env
	shards		[]shard

	// lanes waiting for a worker. Unbounded, so scheduling never blocks while a
	// shard is locked. Lock order is shard.mu then runMu.
	runMu		sync.Mutex
	runCond		*sync.Cond
	runQ		util.Queue[*lane]
	stopping	bool

	ctx			context.Context // cancelled by Close
	stop		context.CancelFunc
	eg			errgroup.Group

	mu			sync.RWMutex
	closed		bool
}

func New(cfg Config, env *op.Env) (*Dispatcher, error) {
	if cfg.Workers < 1 { return nil, c.Invalid("workers %d", cfg.Workers) }
	if cfg.Shards < 1 { return nil, c.Invalid("lane shards %d", cfg.Shards) }

	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		log:	slog.With("src", "Dispatch"),
		env:	env,
		shards:	make([]shard, cfg.Shards),
		runQ:	util.CreateQueue[*lane](cfg.Shards),
		ctx:	ctx,
		stop:	stop,
	}
	d.runCond = sync.NewCond(&d.runMu)
	for i := range d.shards {
		d.shards[i].lanes = make(map[string]*lane)
	}
	for id := range cfg.Workers {
		d.eg.Go(func() error { return d.worker(id) })
	}
	d.log.Debug("started", "workers", cfg.Workers, "shards", cfg.Shards)
	return d, nil
}

func (d *Dispatcher) shardFor(key string) *shard {
	return &d.shards[xxhash.Sum64([]byte(key)) % uint64(len(d.shards))]
}

// Enqueue never blocks. Entries without a target get a lane of their own.
func (d *Dispatcher) Enqueue(e *event.Entry) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed { return c.ErrClosed }

	key := e.Op().Target()
	if key == "" { key = e.Handle().String() }
	sh := d.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	ln, ok := sh.lanes[key]
	if !ok {
		ln = &lane{key: key, shard: sh, q: util.CreateQueue[*event.Entry](1)}
		sh.lanes[key] = ln
	}
	ln.q.Push(e)
	if !ln.scheduled {
		ln.scheduled = true
		d.schedule(ln)
	}
	return nil
}

// schedule puts a lane on the run queue. Called with the lane's shard locked,
// never blocks.
func (d *Dispatcher) schedule(ln *lane) {
	d.runMu.Lock()
	d.runQ.Push(ln)
	d.runMu.Unlock()
	d.runCond.Signal()
}

// next blocks until a lane is ready. ok is false once the dispatcher is stopping.
func (d *Dispatcher) next() (ln *lane, ok bool) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	for d.runQ.Cnt() == 0 && !d.stopping {
		d.runCond.Wait()
	}
	if d.stopping { return nil, false }
	return d.runQ.Pop(), true
}

func (d *Dispatcher) worker(id int) error {
	log := d.log.With("worker", id)
	log.Debug("worker up")
	for {
		ln, ok := d.next()
		if !ok {
			log.Debug("worker down")
			return nil
		}
		d.runLane(ln)
	}
}

// runLane executes the head of ln, then either hands the lane back to the run queue
// or retires it.
func (d *Dispatcher) runLane(ln *lane) {
	sh := ln.shard
	sh.mu.Lock()
	assert.Less(0, ln.q.Cnt(), "scheduled lane is empty")
	e := ln.q.Pop()
	sh.mu.Unlock()

	d.execute(e)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if ln.q.Cnt() > 0 {
		d.schedule(ln)
		return
	}
	ln.scheduled = false
	delete(sh.lanes, ln.key)
}

func (d *Dispatcher) execute(e *event.Entry) {
	if d.ctx.Err() != nil {
		e.Cancel()
		return
	}
	ctx, ok := e.Begin(d.ctx)
	if !ok {
		d.log.Debug("skip", "handle", e.Handle(), "state", e.State())
		return
	}

	o := e.Op()
	d.log.Debug("exec", "handle", e.Handle(), "kind", o.Kind(), "target", o.Target())
	res, err := o.Exec(ctx, d.env)
	switch {
	case err == nil:
	case errors.Is(err, c.ErrCancelled):
		d.log.Debug("cancelled at checkpoint", "handle", e.Handle(), "kind", o.Kind())
	default:
		d.log.Error("op failed", "handle", e.Handle(), "kind", o.Kind(), "err", err)
	}
	e.Finish(res, err)
}

// Close stops accepting entries, cancels running ops at their next checkpoint,
// cancels everything still queued, and waits for the workers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stop()
	d.runMu.Lock()
	d.stopping = true
	d.runMu.Unlock()
	d.runCond.Broadcast()
	err := d.eg.Wait()

	// lanes the workers never got to
	n := 0
	for {
		d.runMu.Lock()
		if d.runQ.Cnt() == 0 {
			d.runMu.Unlock()
			break
		}
		ln := d.runQ.Pop()
		d.runMu.Unlock()

		ln.shard.mu.Lock()
		for ln.q.Cnt() > 0 {
			ln.q.Pop().Cancel()
			n++
		}
		ln.scheduled = false
		delete(ln.shard.lanes, ln.key)
		ln.shard.mu.Unlock()
	}
	d.log.Debug("closed", "cancelled", n)
	return err
}
