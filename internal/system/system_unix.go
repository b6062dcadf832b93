//go:build unix

package system

import (
	"golang.org/x/sys/unix"
)

// Allocation will be aligned to the system page size, which covers every
// alignment the codecs ask for.
func AllocSlab(size int) ([]byte, error) {
	raw, err := unix.Mmap(-1,
		0, int(size),
		unix.PROT_READ | unix.PROT_WRITE,
		unix.MAP_ANON  | unix.MAP_PRIVATE,
	)

	return raw, err
}

func DeallocSlab(ptr []byte) error {
	err := unix.Munmap(ptr)
	return err
}
