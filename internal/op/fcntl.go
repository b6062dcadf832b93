package op

import (
	"context"
	"io"
	"io/fs"

	c "aiomgr/internal"
	"aiomgr/internal/fsys"
)

type Open struct {
	Path	string
	Flags	fsys.OpenFlag
	Mode	fs.FileMode
}

func (o *Open) Kind() Kind		{ return KindOpen }
func (o *Open) Target() string	{ return pathTarget(o.Path) }

func (o *Open) Validate() error {
	if err := checkPath("open", o.Path); err != nil { return err }
	if o.Mode & ^fs.ModePerm != 0 { return c.Invalid("open: mode %v has non permission bits", o.Mode) }
	return nil
}

func (o *Open) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	fd, err := fsp.Open(o.Path, o.Flags, o.Mode)
	if err != nil { return Result{}, err }
	return Result{Fd: fd, N: int64(fd)}, nil
}

type Close struct {
	Fd		fsys.Fd
}

func (o *Close) Kind() Kind		{ return KindClose }
func (o *Close) Target() string	{ return fdTarget(o.Fd) }
func (o *Close) Validate() error	{ return checkFd(o.Fd) }

func (o *Close) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	return Result{}, fsp.Close(o.Fd)
}

// readChunks fills buf through fn READ_CHUNK bytes at a time, checking for
// cancellation between chunks. A short chunk means end of file.
func readChunks(ctx context.Context, buf []byte, fn func(b []byte, off int64) (int, error)) (int, error) {
	var done int
	for done < len(buf) {
		if done > 0 {
			if err := Checkpoint(ctx); err != nil { return done, err }
		}
		want := min(c.READ_CHUNK, len(buf) - done)
		n, err := fn(buf[done:done + want], int64(done))
		done += n
		if err != nil { return done, err }
		if n < want { break }
	}
	return done, nil
}

// Read reads up to len(Buf) bytes at the descriptor's current offset.
type Read struct {
	Fd		fsys.Fd
	Buf		[]byte
}

func (o *Read) Kind() Kind		{ return KindRead }
func (o *Read) Target() string	{ return fdTarget(o.Fd) }

func (o *Read) Validate() error {
	if len(o.Buf) == 0 { return c.Invalid("read: empty buffer") }
	return checkFd(o.Fd)
}

func (o *Read) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	n, err := readChunks(ctx, o.Buf, func(b []byte, _ int64) (int, error) {
		return fsp.Read(o.Fd, b)
	})
	return Result{N: int64(n)}, err
}

type Pread struct {
	Fd		fsys.Fd
	Buf		[]byte
	Off		int64
}

func (o *Pread) Kind() Kind		{ return KindPread }
func (o *Pread) Target() string	{ return fdTarget(o.Fd) }

func (o *Pread) Validate() error {
	if len(o.Buf) == 0 { return c.Invalid("pread: empty buffer") }
	if o.Off < 0 { return c.Invalid("pread: offset %d", o.Off) }
	return checkFd(o.Fd)
}

func (o *Pread) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	n, err := readChunks(ctx, o.Buf, func(b []byte, rel int64) (int, error) {
		return fsp.Pread(o.Fd, b, o.Off + rel)
	})
	return Result{N: int64(n)}, err
}

// Write has no cancellation point once started, a buffer is never half written
// because of a cancel.
type Write struct {
	Fd		fsys.Fd
	Data	[]byte
}

func (o *Write) Kind() Kind		{ return KindWrite }
func (o *Write) Target() string	{ return fdTarget(o.Fd) }

func (o *Write) Validate() error {
	if len(o.Data) == 0 { return c.Invalid("write: empty buffer") }
	return checkFd(o.Fd)
}

func (o *Write) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	n, err := fsp.Write(o.Fd, o.Data)
	return Result{N: int64(n)}, err
}

type Pwrite struct {
	Fd		fsys.Fd
	Data	[]byte
	Off		int64
}

func (o *Pwrite) Kind() Kind		{ return KindPwrite }
func (o *Pwrite) Target() string	{ return fdTarget(o.Fd) }

func (o *Pwrite) Validate() error {
	if len(o.Data) == 0 { return c.Invalid("pwrite: empty buffer") }
	if o.Off < 0 { return c.Invalid("pwrite: offset %d", o.Off) }
	return checkFd(o.Fd)
}

func (o *Pwrite) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	n, err := fsp.Pwrite(o.Fd, o.Data, o.Off)
	return Result{N: int64(n)}, err
}

// Lseek uses io.SeekStart/SeekCurrent/SeekEnd for Whence.
type Lseek struct {
	Fd		fsys.Fd
	Offset	int64
	Whence	int
}

func (o *Lseek) Kind() Kind		{ return KindLseek }
func (o *Lseek) Target() string	{ return fdTarget(o.Fd) }

func (o *Lseek) Validate() error {
	switch o.Whence {
	case io.SeekStart, io.SeekCurrent, io.SeekEnd:
	default:
		return c.Invalid("lseek: whence %d", o.Whence)
	}
	return checkFd(o.Fd)
}

func (o *Lseek) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	pos, err := fsp.Lseek(o.Fd, o.Offset, o.Whence)
	return Result{N: pos}, err
}

type Remove struct {
	Path	string
}

func (o *Remove) Kind() Kind		{ return KindRemove }
func (o *Remove) Target() string	{ return pathTarget(o.Path) }
func (o *Remove) Validate() error	{ return checkPath("remove", o.Path) }

func (o *Remove) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	return Result{}, fsp.Remove(o.Path)
}

// Rename serializes on the old name.
type Rename struct {
	Old		string
	New		string
}

func (o *Rename) Kind() Kind		{ return KindRename }
func (o *Rename) Target() string	{ return pathTarget(o.Old) }

func (o *Rename) Validate() error {
	if err := checkPath("rename", o.Old); err != nil { return err }
	return checkPath("rename", o.New)
}

func (o *Rename) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	return Result{}, fsp.Rename(o.Old, o.New)
}

// Sync flushes a whole device ("host0:"), "" is the default device.
type Sync struct {
	Device	string
	Flag	uint32
}

func (o *Sync) Kind() Kind		{ return KindSync }
func (o *Sync) Target() string	{ return "dev:" + o.Device }
func (o *Sync) Validate() error	{ return nil }

func (o *Sync) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	return Result{}, fsp.Sync(o.Device, o.Flag)
}

type SyncByFd struct {
	Fd		fsys.Fd
	Flag	uint32
}

func (o *SyncByFd) Kind() Kind		{ return KindSyncByFd }
func (o *SyncByFd) Target() string	{ return fdTarget(o.Fd) }
func (o *SyncByFd) Validate() error	{ return checkFd(o.Fd) }

func (o *SyncByFd) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	return Result{}, fsp.SyncByFd(o.Fd, o.Flag)
}
