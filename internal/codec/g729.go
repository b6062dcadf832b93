package codec

import (
	"fmt"
	"sync"

	c "aiomgr/internal"
	"aiomgr/internal/system"
	"aiomgr/internal/util"

	"github.com/negrel/assert"
)

type EncodeMode int
const (
	ModeG729D	EncodeMode = iota // 6.4kbps, Annex D
	ModeG729	// 8.0kbps
	ModeG729E	// 11.8kbps, Annex E
)

type DTXMode int
const (
	DTXDisable	DTXMode = iota
	DTXEnable	// SID and 0kbps frames may be produced
)

// Rate is the size of one 10ms frame in bits.
type Rate int
const (
	Rate0		Rate = 0	// DTX eliminated frame
	RateSID		Rate = 15
	Rate6400	Rate = 64
	Rate8000	Rate = 80
	Rate11800	Rate = 118
)

type FrameState int
const (
	FrameActive	FrameState = iota
	FrameErased
)

// 10ms of 8kHz 16 bit PCM
const FRAME_SAMPLES	= 80
const FRAME_BYTES	= FRAME_SAMPLES * c.LEN_U16

func (r Rate) Valid() bool {
	switch r {
	case Rate0, RateSID, Rate6400, Rate8000, Rate11800:
		return true
	}
	return false
}

// Bytes is how much bitstream a frame of this rate occupies.
func (r Rate) Bytes() int {
	return (int(r) + 7) / 8
}

func (m EncodeMode) maxRate() Rate {
	switch m {
	case ModeG729D:
		return Rate6400
	case ModeG729:
		return Rate8000
	}
	return Rate11800
}

func (m EncodeMode) String() string {
	switch m {
	case ModeG729D:
		return "G729D"
	case ModeG729:
		return "G729"
	case ModeG729E:
		return "G729E"
	}
	return fmt.Sprintf("EncodeMode(%d)", int(m))
}

// G729Engine is the speech codec itself. ctx is engine private state of the size the
// engine asked for, always 4 byte aligned. speech is FRAME_BYTES of little endian PCM.
type G729Engine interface {
	EncodeContextSize() int
	EncodeInit(ctx []byte, mode EncodeMode, dtx DTXMode) error
	EncodeReset(ctx []byte) error
	Encode(ctx []byte, speech []byte, bitstream []byte) (Rate, error)

	DecodeContextSize() int
	DecodeInit(ctx []byte) error
	DecodeReset(ctx []byte) error
	Decode(ctx []byte, rate Rate, state FrameState, bitstream []byte, speech []byte) error
}

func allocCtx(size int) (*system.Slab, error) {
	if size <= 0 { return nil, c.Invalid("context size %d", size) }
	mem, err := system.NewSlab(size)
	if err != nil { return nil, err }
	assert.LessOrEqual(util.Addr(mem.Bytes()) % c.CTX_ALIGN, uintptr(0), "context memory misaligned")
	return mem, nil
}

type G729Encoder struct {
	mu		sync.Mutex
	eng		G729Engine
	mem		*system.Slab
	mode	EncodeMode
	dtx		DTXMode
}

// NewG729Encoder allocates and initializes an encode context.
func NewG729Encoder(eng G729Engine, mode EncodeMode, dtx DTXMode) (*G729Encoder, error) {
	if eng == nil { return nil, c.Invalid("nil engine") }
	if mode < ModeG729D || mode > ModeG729E { return nil, c.Invalid("encode mode %d", int(mode)) }
	if dtx != DTXDisable && dtx != DTXEnable { return nil, c.Invalid("dtx mode %d", int(dtx)) }

	mem, err := allocCtx(eng.EncodeContextSize())
	if err != nil { return nil, err }
	if err := eng.EncodeInit(mem.Bytes(), mode, dtx); err != nil {
		mem.Free()
		return nil, c.Collab("g729 encode init", err)
	}
	return &G729Encoder{eng: eng, mem: mem, mode: mode, dtx: dtx}, nil
}

// WithG729Encoder runs fn with a fresh encoder and always closes it afterwards.
func WithG729Encoder(eng G729Engine, mode EncodeMode, dtx DTXMode, fn func(*G729Encoder) error) error {
	enc, err := NewG729Encoder(eng, mode, dtx)
	if err != nil { return err }
	defer enc.Close()
	return fn(enc)
}

func (e *G729Encoder) ID() string {
	return ctxID("g729enc", e)
}

func (e *G729Encoder) Mode() EncodeMode {
	return e.mode
}

// MaxBitstream is the largest frame this encoder can produce.
func (e *G729Encoder) MaxBitstream() int {
	return e.mode.maxRate().Bytes()
}

// Check validates buffers without touching the context.
func (e *G729Encoder) Check(speech []byte, bitstream []byte) error {
	if e == nil { return c.Invalid("nil encoder") }
	if err := checkBuf("speech", speech, FRAME_BYTES); err != nil { return err }
	return checkBuf("bitstream", bitstream, e.MaxBitstream())
}

func (e *G729Encoder) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mem.Freed() { return c.ErrContextNotInitialized }
	return c.Collab("g729 encode reset", e.eng.EncodeReset(e.mem.Bytes()))
}

// Encode compresses one frame. Returns the rate of the frame written to bitstream.
func (e *G729Encoder) Encode(speech []byte, bitstream []byte) (Rate, error) {
	if err := e.Check(speech, bitstream); err != nil { return Rate0, err }
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mem.Freed() { return Rate0, c.ErrContextNotInitialized }

	rate, err := e.eng.Encode(e.mem.Bytes(), speech[:FRAME_BYTES], bitstream)
	if err != nil { return Rate0, c.Collab("g729 encode", err) }
	if !rate.Valid() || rate > e.mode.maxRate() {
		return Rate0, c.Collab("g729 encode", fmt.Errorf("engine produced rate %d in mode %v", int(rate), e.mode))
	}
	if rate == RateSID && e.dtx == DTXDisable {
		return Rate0, c.Collab("g729 encode", fmt.Errorf("SID frame with DTX disabled"))
	}
	return rate, nil
}

func (e *G729Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem.Free()
}

type G729Decoder struct {
	mu		sync.Mutex
	eng		G729Engine
	mem		*system.Slab
}

func NewG729Decoder(eng G729Engine) (*G729Decoder, error) {
	if eng == nil { return nil, c.Invalid("nil engine") }
	mem, err := allocCtx(eng.DecodeContextSize())
	if err != nil { return nil, err }
	if err := eng.DecodeInit(mem.Bytes()); err != nil {
		mem.Free()
		return nil, c.Collab("g729 decode init", err)
	}
	return &G729Decoder{eng: eng, mem: mem}, nil
}

func WithG729Decoder(eng G729Engine, fn func(*G729Decoder) error) error {
	dec, err := NewG729Decoder(eng)
	if err != nil { return err }
	defer dec.Close()
	return fn(dec)
}

func (d *G729Decoder) ID() string {
	return ctxID("g729dec", d)
}

func (d *G729Decoder) Check(rate Rate, state FrameState, bitstream []byte, speech []byte) error {
	if d == nil { return c.Invalid("nil decoder") }
	if !rate.Valid() { return c.Invalid("rate %d", int(rate)) }
	if state != FrameActive && state != FrameErased { return c.Invalid("frame state %d", int(state)) }
	if err := checkBuf("speech", speech, FRAME_BYTES); err != nil { return err }
	// erased and DTX frames carry no bits
	if state == FrameActive && rate != Rate0 {
		return checkBuf("bitstream", bitstream, rate.Bytes())
	}
	return nil
}

func (d *G729Decoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem.Freed() { return c.ErrContextNotInitialized }
	return c.Collab("g729 decode reset", d.eng.DecodeReset(d.mem.Bytes()))
}

// Decode expands one frame into FRAME_BYTES of PCM.
func (d *G729Decoder) Decode(rate Rate, state FrameState, bitstream []byte, speech []byte) error {
	if err := d.Check(rate, state, bitstream, speech); err != nil { return err }
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem.Freed() { return c.ErrContextNotInitialized }
	return c.Collab("g729 decode", d.eng.Decode(d.mem.Bytes(), rate, state, bitstream, speech[:FRAME_BYTES]))
}

func (d *G729Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mem.Free()
}
