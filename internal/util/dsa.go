package util

import (
	"github.com/negrel/assert"
)

func mod(a int, b int) int {
	return ((a % b) + b) % b
}

// ring-buffer queue, doubles its backing array when full
type Queue[T any] struct {
	data	[]T
	head	int // next slot to write to
	cnt 	int
}

func CreateQueue[T any](size int) Queue[T] {
	if size < 1 { size = 1 }
	return Queue[T] {
		head: 	0,
		cnt: 	0,
		data: 	make([]T, size),
	}
}

func (q *Queue[T]) Cnt() int {
	return q.cnt
}

func (q *Queue[T]) grow() {
	data := make([]T, len(q.data) * 2)
	for i := range q.cnt {
		data[i] = q.data[mod(q.head - q.cnt + i, len(q.data))]
	}
	q.data = data
	q.head = q.cnt
}

func (q *Queue[T]) Push(val T) {
	if q.cnt == len(q.data) { q.grow() }
	q.data[q.head] = val
	q.head = mod((q.head + 1), len(q.data))
	q.cnt++
}

// will panic if empty.
func (q *Queue[T]) Pop() T {
	if q.cnt == 0 { panic("queue underflow") }
	var zero T
	i := mod((q.head - q.cnt), len(q.data))
	val := q.data[i]
	q.data[i] = zero // dont pin popped values
	q.cnt--
	return val
}

func (q *Queue[T]) Peek() T {
	if q.cnt == 0 { panic("queue underflow") }
	return q.data[mod((q.head - q.cnt), len(q.data))]
}


// SlotTable is a fixed array of slots plus a queue of free slot indexes. Every slot
// carries a generation that is bumped when the slot is freed, so an (index, gen) pair
// handed out once can never name a later occupant of the same slot.
// Not safe for concurrent use, callers hold their own lock.
type SlotTable[T any] struct {
	free		Queue[uint32]
	gens		[]uint32
	used		[]bool
	data		[]T
}

func CreateSlotTable[T any](size int) SlotTable[T] {
	free := CreateQueue[uint32](size)
	gens := make([]uint32, size)
	for i := range size {
		free.Push(uint32(i))
		gens[i] = 1 // gen 0 is never valid, keeps the zero handle invalid
	}

	return SlotTable[T]{
		free: 	free,
		gens: 	gens,
		used:	make([]bool, size),
		data: 	make([]T, size),
	}
}

func (st *SlotTable[T]) Cap() int {
	return len(st.data)
}

func (st *SlotTable[T]) Len() int {
	return len(st.data) - st.free.Cnt()
}

// Acq takes a free slot and stores val in it. ok is false when the table is full.
func (st *SlotTable[T]) Acq(val T) (idx uint32, gen uint32, ok bool) {
	if st.free.Cnt() == 0 { return 0, 0, false }
	idx = st.free.Pop()
	assert.LessOrEqual(int(idx), len(st.data) - 1, "free list handed out an index past the table")
	st.used[idx] = true
	st.data[idx] = val
	return idx, st.gens[idx], true
}

// Get returns the value in slot idx if it is occupied by generation gen.
func (st *SlotTable[T]) Get(idx uint32, gen uint32) (T, bool) {
	var zero T
	if int(idx) >= len(st.data) { return zero, false }
	if !st.used[idx] || st.gens[idx] != gen { return zero, false }
	return st.data[idx], true
}

// Rel frees slot idx if it is occupied by generation gen.
func (st *SlotTable[T]) Rel(idx uint32, gen uint32) bool {
	if _, ok := st.Get(idx, gen); !ok { return false }
	var zero T
	st.data[idx] = zero
	st.used[idx] = false
	st.gens[idx]++
	if st.gens[idx] == 0 { st.gens[idx] = 1 }
	st.free.Push(idx)
	return true
}

// Range calls fn for every occupied slot until fn returns false.
func (st *SlotTable[T]) Range(fn func(idx uint32, gen uint32, val T) bool) {
	for i := range st.data {
		if !st.used[i] { continue }
		if !fn(uint32(i), st.gens[i], st.data[i]) { return }
	}
}
