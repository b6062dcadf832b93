package util

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"
)

// IsAligned reports whether the first byte of buf sits on an align boundary.
// An empty slice has no address and is never aligned.
func IsAligned(buf []byte, align uintptr) bool {
	if len(buf) == 0 { return false }
	return uintptr(unsafe.Pointer(&buf[0])) % align == 0
}

func AlignUp(n int, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Addr is only for logging.
func Addr(buf []byte) uintptr {
	if len(buf) == 0 { return 0 }
	return uintptr(unsafe.Pointer(&buf[0]))
}

// HexDump renders up to limit bytes as rows of u16 chunks, for debug output.
func HexDump(data []byte, limit int) string {
	if limit > len(data) {
		limit = len(data)
	}

	const bytesPerRow = 32
	var b strings.Builder
	for i := 0; i < limit; i += bytesPerRow {
		fmt.Fprintf(&b, "0x%04x | ", i)
		for j := 0; j < bytesPerRow; j += 2 {
			if i+j+1 < limit {
				val := binary.BigEndian.Uint16(data[i+j : i+j+2])
				fmt.Fprintf(&b, "%04x ", val)
			} else if i+j < limit {
				fmt.Fprintf(&b, "%02x   ", data[i+j])
			}
			// Space every 8 bytes to keep your eyes from crossing
			if (j+2)%8 == 0 {
				b.WriteString(" ")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
