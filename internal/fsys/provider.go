// Synchronous filesystem collaborator. Everything here blocks; the async core wraps
// these calls, it never implements them.
package fsys

import (
	"io/fs"
	"time"
)

// Fd names an open file or directory stream inside a Provider. It is not a host
// file descriptor.
type Fd int32

type OpenFlag uint32
const (
	ORdonly	OpenFlag = 0x0001
	OWronly	OpenFlag = 0x0002
	ORdwr	OpenFlag = ORdonly | OWronly
	OAppend	OpenFlag = 0x0100
	OCreat	OpenFlag = 0x0200
	OTrunc	OpenFlag = 0x0400
	OExcl	OpenFlag = 0x0800
)

// ChBits selects which Stat fields Chstat/ChstatByFd apply.
type ChBits uint32
const (
	ChMode	ChBits = 0x01
	ChSize	ChBits = 0x04
	ChAtime	ChBits = 0x10
	ChMtime	ChBits = 0x20
	ChAll	= ChMode | ChSize | ChAtime | ChMtime
)

type Stat struct {
	Mode	fs.FileMode
	Size	int64
	Ctime	time.Time
	Atime	time.Time
	Mtime	time.Time
}

func (s *Stat) IsDir() bool {
	return s.Mode.IsDir()
}

type Dirent struct {
	Name	string
	Stat	Stat
}

// Provider is the blocking filesystem the async core delegates to. Paths may carry
// a device prefix ("host0:/a/b"); device-less paths go to the default device.
// Read/Pread return 0, nil at end of file. Dread returns io.EOF at end of stream.
type Provider interface {
	Open(path string, flags OpenFlag, mode fs.FileMode) (Fd, error)
	Close(fd Fd) error
	Read(fd Fd, buf []byte) (int, error)
	Pread(fd Fd, buf []byte, off int64) (int, error)
	Write(fd Fd, buf []byte) (int, error)
	Pwrite(fd Fd, buf []byte, off int64) (int, error)
	Lseek(fd Fd, off int64, whence int) (int64, error)
	Remove(path string) error
	Rename(oldpath string, newpath string) error
	Sync(device string, flag uint32) error
	SyncByFd(fd Fd, flag uint32) error
	Mkdir(path string, mode fs.FileMode) error
	Rmdir(path string) error
	Getstat(path string) (Stat, error)
	GetstatByFd(fd Fd) (Stat, error)
	Chstat(path string, st Stat, bits ChBits) error
	ChstatByFd(fd Fd, st Stat, bits ChBits) error
	Dopen(path string) (Fd, error)
	Dread(fd Fd) (Dirent, error)
	Dclose(fd Fd) error
}
