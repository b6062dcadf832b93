// Fixed-function codec collaborators. Each context is an owned resource: constructing
// it initializes it, Close terminates it, and processing after Close fails with
// ErrContextNotInitialized.
package codec

import (
	"fmt"

	c "aiomgr/internal"
	"aiomgr/internal/system"
	"aiomgr/internal/util"
)

// Buffer is 8 byte aligned memory for codec input/output. The backing slab is page
// aligned so the alignment holds for the whole lifetime of the buffer.
type Buffer struct {
	slab	*system.Slab
}

func NewBuffer(size int) (*Buffer, error) {
	slab, err := system.NewSlab(size)
	if err != nil { return nil, err }
	return &Buffer{slab: slab}, nil
}

// Bytes is nil after Close.
func (b *Buffer) Bytes() []byte {
	return b.slab.Bytes()
}

func (b *Buffer) Len() int {
	return b.slab.Len
}

func (b *Buffer) Close() error {
	return b.slab.Free()
}

func checkBuf(name string, buf []byte, min int) error {
	if len(buf) == 0 { return c.Invalid("%s: nil buffer", name) }
	if !util.IsAligned(buf, c.BUF_ALIGN) {
		return c.Invalid("%s: buffer @0x%x not %d byte aligned", name, util.Addr(buf), c.BUF_ALIGN)
	}
	if len(buf) < min { return c.Invalid("%s: buffer %d bytes, need %d", name, len(buf), min) }
	return nil
}

// PutSamples packs 16 bit PCM samples into dst. dst must hold 2*len(s) bytes.
func PutSamples(dst []byte, s []int16) {
	for i, v := range s {
		c.Bin.PutUint16(dst[i*c.LEN_U16:], uint16(v))
	}
}

// Samples unpacks 16 bit PCM samples from src.
func Samples(src []byte) []int16 {
	out := make([]int16, len(src) / c.LEN_U16)
	for i := range out {
		out[i] = int16(c.Bin.Uint16(src[i*c.LEN_U16:]))
	}
	return out
}

func ctxID(kind string, p any) string {
	return fmt.Sprintf("%s:%p", kind, p)
}
