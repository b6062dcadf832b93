// Operation descriptors. Each one is a snapshot of the caller's parameters, knows
// how to validate itself, which target it serializes on, and how to run against the
// synchronous collaborators.
package op

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	c "aiomgr/internal"
	"aiomgr/internal/codec"
	"aiomgr/internal/fsys"
)

var ErrNoProvider = errors.New("no filesystem provider")

type Kind uint16
const (
	KindOpen Kind = iota + 1
	KindClose
	KindRead
	KindPread
	KindWrite
	KindPwrite
	KindLseek
	KindRemove
	KindRename
	KindSync
	KindSyncByFd
	KindMkdir
	KindRmdir
	KindGetstat
	KindGetstatByFd
	KindChstat
	KindChstatByFd
	KindDopen
	KindDread
	KindDclose
	KindG729Encode
	KindG729Decode
	KindJpegEncode
)

var kindNames = [...]string{
	KindOpen:			"open",
	KindClose:			"close",
	KindRead:			"read",
	KindPread:			"pread",
	KindWrite:			"write",
	KindPwrite:			"pwrite",
	KindLseek:			"lseek",
	KindRemove:			"remove",
	KindRename:			"rename",
	KindSync:			"sync",
	KindSyncByFd:		"syncbyfd",
	KindMkdir:			"mkdir",
	KindRmdir:			"rmdir",
	KindGetstat:		"getstat",
	KindGetstatByFd:	"getstatbyfd",
	KindChstat:			"chstat",
	KindChstatByFd:		"chstatbyfd",
	KindDopen:			"dopen",
	KindDread:			"dread",
	KindDclose:			"dclose",
	KindG729Encode:		"g729encode",
	KindG729Decode:		"g729decode",
	KindJpegEncode:		"jpegencode",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" { return kindNames[k] }
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// Env is what an op runs against.
type Env struct {
	FS		fsys.Provider
}

// Result carries whatever the op produced; which fields are set depends on Kind.
type Result struct {
	N		int64	// bytes moved, new offset, or encoded size
	Fd		fsys.Fd	// open, dopen
	Stat	fsys.Stat
	Dirent	fsys.Dirent
	EOF		bool	// dread hit the end of the stream
	Rate	codec.Rate
}

type Op interface {
	Kind() Kind
	// Target names what the op serializes on. Ops with the same target run in
	// submission order, "" means no ordering constraint.
	Target() string
	// Validate runs at submission time and must not touch any collaborator.
	Validate() error
	// Exec runs the op. ctx is cancelled when the caller cancels the handle; ops
	// only look at it at their own checkpoints.
	Exec(ctx context.Context, env *Env) (Result, error)
}

func fdTarget(fd fsys.Fd) string {
	return "fd:" + strconv.Itoa(int(fd))
}

func pathTarget(p string) string {
	return "path:" + p
}

// Checkpoint is a cancellation point: ErrCancelled once ctx is done.
func Checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return c.ErrCancelled
	default:
		return nil
	}
}

func checkFd(fd fsys.Fd) error {
	if fd < 0 { return c.Invalid("fd %d", fd) }
	return nil
}

func checkPath(name string, p string) error {
	if p == "" { return c.Invalid("%s: empty path", name) }
	return nil
}

// start is the checkpoint every filesystem op passes before its collaborator call.
func start(ctx context.Context, env *Env) (fsys.Provider, error) {
	if err := Checkpoint(ctx); err != nil { return nil, err }
	if env == nil || env.FS == nil { return nil, c.Collab("fs", ErrNoProvider) }
	return env.FS, nil
}
