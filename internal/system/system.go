// Platform abstracted memory for codec contexts and buffers
package system

import (
	c "aiomgr/internal"
	"aiomgr/internal/util"
)

// Slab is a page aligned, page rounded chunk of anonymous memory. Len is what the
// caller asked for, the mapping behind it may be longer.
type Slab struct {
	raw		[]byte
	Len		int
}

// Bytes is the usable part of the slab. nil once freed.
func (s *Slab) Bytes() []byte {
	if s.raw == nil { return nil }
	return s.raw[:s.Len]
}

func (s *Slab) Freed() bool {
	return s.raw == nil
}

func NewSlab(size int) (*Slab, error) {
	if size <= 0 { return nil, c.Invalid("slab size %d", size) }
	raw, err := AllocSlab(util.AlignUp(size, c.PAGE_SIZE))
	if err != nil { return nil, err }
	return &Slab{raw: raw, Len: size}, nil
}

// Free is idempotent.
func (s *Slab) Free() error {
	if s.raw == nil { return nil }
	err := DeallocSlab(s.raw)
	s.raw = nil
	return err
}
