// Constants
package internal

import (
	"encoding/binary"
)

const LEN_U16 	= 0x02
const LEN_U32 	= 0x04
const LEN_U64 	= 0x08

const PAGE_SIZE 		= 0x1000

// Codec contexts must sit on a 4 byte boundary, codec input/output buffers on 8.
// Slabs come out of mmap so they are always PAGE_SIZE aligned, which covers both.
const CTX_ALIGN			= LEN_U32
const BUF_ALIGN			= LEN_U64

// Defaults. internal/config overrides these at runtime.
const WORKERS			= 0x04
const MAX_HANDLES		= 0x400 // registry slots, also bounds the dispatch run queue
const LANE_SHARDS		= 0x10
const RING_ENTRIES		= 0x80
const RING_DPTHTRG		= 0x40
const RING_AFFINITY		= -1 // no pinning
const DEFAULT_DEVICE	= "host0:"

// Reads are split into chunks of this size, cancellation is checked between chunks.
const READ_CHUNK		= 0x10000

// First descriptor handed out by the filesystem provider (0-2 look like stdio).
const FD_BASE			= 3

// Single place to pick endianness for packed sample data (PCM frames are little endian).
var Bin = binary.LittleEndian
