//go:build linux

package iomgr

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"unsafe"

	c "aiomgr/internal"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

// The ring is an optional fast path for the host filesystem provider: positional
// reads/writes and fsync by descriptor get turned into SQEs instead of blocking a
// dispatch worker inside a syscall each.
// PERF:
// 1. register buffers/files would save the GUP + fd table lookups per op, but the
//    buffers here belong to callers and change every op, so we dont.

const OP_Q_SIZE		= 0x100

type IoMgr struct {
	log			*slog.Logger
	ring 		*giouring.Ring
	depthTrg	uint
	affinity	int
	opQueue		chan *Op
	opSem		chan struct{}
	quit		chan struct{}
	exited		chan struct{}
	closed		atomic.Bool
}

// entries is the SQ size, affinity < 0 leaves the ring goroutine unpinned.
func CreateIoMgr(entries uint32, affinity int) (*IoMgr ,error) {
	log := slog.With("src", "IoMgr")
	if entries == 0 { entries = c.RING_ENTRIES }

	ring, err := giouring.CreateRing(entries)
	if err != nil { return nil, err }

	iomgr := IoMgr {
		log: 		log,
		ring: 		ring,
		depthTrg:	uint(min(c.RING_DPTHTRG, entries / 2)),
		affinity:	affinity,
		opQueue: 	make(chan *Op, OP_Q_SIZE),
		opSem: 		make(chan struct{}, entries),
		quit:		make(chan struct{}),
		exited:		make(chan struct{}),
	}

	log.Debug("CreateIoMgr", "entries", entries, "affinity", affinity)
	go iomgr.ringlord()
	return &iomgr, nil
}

// Close waits for the ring goroutine to drain whatever is in flight.
// Ops submitted after Close are never answered.
func (m *IoMgr) Close() {
	if !m.closed.CompareAndSwap(false, true) { return }
	close(m.quit)
	<- m.exited
	m.ring.QueueExit()
}

type OpCode uint16
const (
	OpNop 	OpCode = iota
	OpWrite
	OpRead
	OpSync
)

// an op may have at most 16 linked SQEs (+1 fsync for a synced write)
const OP_MAX_OPS = 16
type Op struct {
	Fd		int
	Bufs	[OP_MAX_OPS]uintptr
	Lens	[OP_MAX_OPS]uint32
	Offs	[OP_MAX_OPS]uint64
	Count   uint16

	seen	uint16
	sqes	uint16
	total	int32

	Ch 		chan struct{}

	Res		int32 // bytes transferred, or -errno of the first failing SQE
	Opcode	OpCode
	done 	bool
	Sync 	bool
}

func NewOp() *Op {
	return &Op{Ch: make(chan struct{}, 1)}
}

// Prepare resets op for reuse against fd.
func (op *Op) Prepare(opcode OpCode, fd int) {
	op.Opcode = opcode
	op.Fd = fd
	op.Count = 0
	op.Sync = false
	op.Res = 0
	drain(op.Ch)
}

// AddSlice appends one linked transfer. False when the op is full or buf is empty.
func (op *Op) AddSlice(buf []byte, off uint64) bool {
	if op.Count >= OP_MAX_OPS || len(buf) == 0 { return false }
	op.Bufs[op.Count] = uintptr(unsafe.Pointer(&buf[0]))
	op.Lens[op.Count] = uint32(len(buf))
	op.Offs[op.Count] = off
	op.Count++
	return true
}

// WARN: op (and every buffer it points at) must stay reachable until op.Ch fires,
// the ring only holds it as a uintptr.
func (m *IoMgr) Submit(op *Op) {
	if op.Ch == nil { op.Ch = make(chan struct{}, 1) }
	n := op.sqeCount()
	for range n {
		m.opSem <- struct{}{}
	}
	m.opQueue <- op
}

// Do submits op and blocks until the ring answers it.
func (m *IoMgr) Do(op *Op) int32 {
	if m.closed.Load() { return -int32(unix.EBADF) }
	m.Submit(op)
	<- op.Ch
	return atomic.LoadInt32(&op.Res)
}

func (op *Op) sqeCount() uint16 {
	switch op.Opcode {
	case OpSync:
		return 1
	case OpWrite:
		if op.Sync { return op.Count + 1 }
	}
	if op.Count == 0 { return 1 }
	return op.Count
}

func (m *IoMgr) prepSQEs(op *Op) uint {
	op.done = false
	op.seen = 0
	op.total = 0
	op.sqes = op.sqeCount()
	ud := uint64(uintptr(unsafe.Pointer(op)))

	switch op.Opcode {
	case OpNop:
		for i := range op.sqes {
			sqe := m.ring.GetSQE()
			sqe.PrepareNop()
			sqe.UserData = ud
			if i < op.sqes - 1 { sqe.Flags |= giouring.SqeIOLink }
		}

	case OpWrite:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareWrite(op.Fd, op.Bufs[i], op.Lens[i], op.Offs[i])
			sqe.UserData = ud
			if op.Sync || i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}
		if op.Sync {
			sqe := m.ring.GetSQE()
			sqe.PrepareFsync(op.Fd, 0)
			sqe.UserData = ud
		}

	case OpRead:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareRead(op.Fd, op.Bufs[i], op.Lens[i], op.Offs[i])
			sqe.UserData = ud
			if i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}

	case OpSync:
		sqe := m.ring.GetSQE()
		sqe.PrepareFsync(op.Fd, 0)
		sqe.UserData = ud

	default:
		m.log.Warn("Invalid opcode", "opcode", op.Opcode)
		for range op.sqes { <- m.opSem }
		atomic.StoreInt32(&op.Res, -int32(unix.EINVAL))
		op.Ch <- struct{}{}
		return 0
	}
	return uint(op.sqes)
}

func drain(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (m *IoMgr) pin() {
	if m.affinity < 0 { return }
	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(m.affinity % runtime.NumCPU())
	err := unix.SchedSetaffinity(0, &cpuSet)
	if err != nil { m.log.Warn("Couldn't set core affinity for ring manager", "err", err) }
}

// One goroutine owns the ring:
// 1. collect ops from opQueue and prep their SQEs
// 2. submit
// 3. reap CQEs, answer an op once all of its SQEs came back
func (m *IoMgr) ringlord() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(m.exited)
	m.pin()

	var queued   uint = 0 // SQEs prepared but not yet submitted
	var inflight uint = 0 // SQEs submitted, CQE not reaped yet
	quitting := false

	for {
		if inflight == 0 && queued == 0 {
			if quitting { return }
			// Nothing to reap, park until there is work
			select {
			case op := <- m.opQueue:
				queued += m.prepSQEs(op)
			case <- m.quit:
				quitting = true
				continue
			}
		}
		COLLECT: for {
			select {
			case op := <- m.opQueue:
				queued += m.prepSQEs(op)
			default:
				break COLLECT
			}
		}

		if queued > 0 {
			var submitted uint
			var err error
			if inflight + queued > m.depthTrg {
				submitted, err = m.ring.SubmitAndWait(1)
			} else {
				submitted, err = m.ring.Submit()
			}
			if err != nil && err != unix.ETIME && err != unix.EINTR {
				m.log.Error("Submit", "err", err)
			}
			queued   -= submitted
			inflight += submitted
		}

		for inflight > 0 {
			cqe, err := m.ring.PeekCQE()
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
				break
			} else if err != nil {
				m.log.Error("Peek cqe fatal error", "err", err)
				panic("Something wrong with your IO_URING!")
			}
			if cqe == nil { break }

			inflight--

			op := (*Op)(unsafe.Pointer(uintptr(cqe.UserData)))
			op.seen++

			if !op.done {
				if cqe.Res < 0 {
					op.done = true
					op.total = cqe.Res
				} else if op.Opcode == OpRead || op.Opcode == OpWrite {
					op.total += cqe.Res
				}
			}
			// linked SQEs behind a failed one still produce (cancelled) CQEs, the op
			// may only go back to its owner after the last one
			if op.seen == op.sqes {
				atomic.StoreInt32(&op.Res, op.total)
				op.Ch <- struct{}{}
			}

			m.ring.CQESeen(cqe)
			<- m.opSem
		}
	}
}
