package op

import (
	"context"
	"errors"
	"io"
	"io/fs"

	c "aiomgr/internal"
	"aiomgr/internal/fsys"
)

type Mkdir struct {
	Path	string
	Mode	fs.FileMode
}

func (o *Mkdir) Kind() Kind		{ return KindMkdir }
func (o *Mkdir) Target() string	{ return pathTarget(o.Path) }

func (o *Mkdir) Validate() error {
	if o.Mode & ^fs.ModePerm != 0 { return c.Invalid("mkdir: mode %v has non permission bits", o.Mode) }
	return checkPath("mkdir", o.Path)
}

func (o *Mkdir) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	return Result{}, fsp.Mkdir(o.Path, o.Mode)
}

type Rmdir struct {
	Path	string
}

func (o *Rmdir) Kind() Kind		{ return KindRmdir }
func (o *Rmdir) Target() string	{ return pathTarget(o.Path) }
func (o *Rmdir) Validate() error	{ return checkPath("rmdir", o.Path) }

func (o *Rmdir) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	return Result{}, fsp.Rmdir(o.Path)
}

type Getstat struct {
	Path	string
}

func (o *Getstat) Kind() Kind		{ return KindGetstat }
func (o *Getstat) Target() string	{ return pathTarget(o.Path) }
func (o *Getstat) Validate() error	{ return checkPath("getstat", o.Path) }

func (o *Getstat) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	st, err := fsp.Getstat(o.Path)
	return Result{Stat: st, N: st.Size}, err
}

type GetstatByFd struct {
	Fd		fsys.Fd
}

func (o *GetstatByFd) Kind() Kind		{ return KindGetstatByFd }
func (o *GetstatByFd) Target() string	{ return fdTarget(o.Fd) }
func (o *GetstatByFd) Validate() error	{ return checkFd(o.Fd) }

func (o *GetstatByFd) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	st, err := fsp.GetstatByFd(o.Fd)
	return Result{Stat: st, N: st.Size}, err
}

func checkBits(name string, bits fsys.ChBits) error {
	if bits == 0 || bits & ^fsys.ChAll != 0 { return c.Invalid("%s: bits 0x%x", name, uint32(bits)) }
	return nil
}

// Chstat applies the fields of Stat selected by Bits.
type Chstat struct {
	Path	string
	Stat	fsys.Stat
	Bits	fsys.ChBits
}

func (o *Chstat) Kind() Kind		{ return KindChstat }
func (o *Chstat) Target() string	{ return pathTarget(o.Path) }

func (o *Chstat) Validate() error {
	if err := checkBits("chstat", o.Bits); err != nil { return err }
	if o.Bits & fsys.ChSize != 0 && o.Stat.Size < 0 { return c.Invalid("chstat: size %d", o.Stat.Size) }
	return checkPath("chstat", o.Path)
}

func (o *Chstat) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	return Result{}, fsp.Chstat(o.Path, o.Stat, o.Bits)
}

type ChstatByFd struct {
	Fd		fsys.Fd
	Stat	fsys.Stat
	Bits	fsys.ChBits
}

func (o *ChstatByFd) Kind() Kind		{ return KindChstatByFd }
func (o *ChstatByFd) Target() string	{ return fdTarget(o.Fd) }

func (o *ChstatByFd) Validate() error {
	if err := checkBits("chstatbyfd", o.Bits); err != nil { return err }
	if o.Bits & fsys.ChSize != 0 && o.Stat.Size < 0 { return c.Invalid("chstatbyfd: size %d", o.Stat.Size) }
	return checkFd(o.Fd)
}

func (o *ChstatByFd) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	return Result{}, fsp.ChstatByFd(o.Fd, o.Stat, o.Bits)
}

type Dopen struct {
	Path	string
}

func (o *Dopen) Kind() Kind		{ return KindDopen }
func (o *Dopen) Target() string	{ return pathTarget(o.Path) }
func (o *Dopen) Validate() error	{ return checkPath("dopen", o.Path) }

func (o *Dopen) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	fd, err := fsp.Dopen(o.Path)
	if err != nil { return Result{}, err }
	return Result{Fd: fd, N: int64(fd)}, nil
}

// Dread yields one entry per call. End of stream is not an error: N is 0 and
// EOF is set.
type Dread struct {
	Fd		fsys.Fd
}

func (o *Dread) Kind() Kind		{ return KindDread }
func (o *Dread) Target() string	{ return fdTarget(o.Fd) }
func (o *Dread) Validate() error	{ return checkFd(o.Fd) }

func (o *Dread) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	ent, err := fsp.Dread(o.Fd)
	if errors.Is(err, io.EOF) { return Result{EOF: true}, nil }
	if err != nil { return Result{}, err }
	return Result{Dirent: ent, Stat: ent.Stat, N: 1}, nil
}

type Dclose struct {
	Fd		fsys.Fd
}

func (o *Dclose) Kind() Kind		{ return KindDclose }
func (o *Dclose) Target() string	{ return fdTarget(o.Fd) }
func (o *Dclose) Validate() error	{ return checkFd(o.Fd) }

func (o *Dclose) Exec(ctx context.Context, env *Env) (Result, error) {
	fsp, err := start(ctx, env)
	if err != nil { return Result{}, err }
	return Result{}, fsp.Dclose(o.Fd)
}
