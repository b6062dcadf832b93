//go:build linux

package fsys

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	c "aiomgr/internal"
	"aiomgr/internal/iomgr"

	"golang.org/x/sys/unix"
)

const DIRENT_BUF = 0x2000

type HostConfig struct {
	// device prefix ("host0:") -> directory on the host
	Mounts			map[string]string
	DefaultDevice	string
	// optional, positional io and fsync go through the ring when set
	Ring			*iomgr.IoMgr
}

// Host is a Provider backed by real directories on the host. Safe for concurrent use;
// ops against one descriptor are expected to be serialized by the caller.
type Host struct {
	log			*slog.Logger
	mounts		map[string]string
	defDev		string
	ring		*iomgr.IoMgr

	mu			sync.Mutex
	files		map[Fd]*hostFile
	next		Fd
}

type hostFile struct {
	fd			int
	dir			bool
	path		string // host path at open time

	// directory streams only
	mu			sync.Mutex
	dbuf		[]byte
	names		[]string
	eof			bool
}

var _ Provider = (*Host)(nil)

func NewHost(cfg HostConfig) (*Host, error) {
	log := slog.With("src", "HostFS")
	if len(cfg.Mounts) == 0 { return nil, c.Invalid("no mounts") }

	mounts := make(map[string]string, len(cfg.Mounts))
	for dev, dir := range cfg.Mounts {
		if !isDevice(dev) { return nil, c.Invalid("bad device name %q", dev) }
		abs, err := filepath.Abs(dir)
		if err != nil { return nil, err }
		fi, err := os.Stat(abs)
		if err != nil { return nil, fmt.Errorf("mount %s: %w", dev, err) }
		if !fi.IsDir() { return nil, c.Invalid("mount %s: %s is not a directory", dev, abs) }
		mounts[dev] = abs
	}

	defDev := cfg.DefaultDevice
	if defDev == "" { defDev = c.DEFAULT_DEVICE }
	if _, ok := mounts[defDev]; !ok { return nil, c.Invalid("default device %q not mounted", defDev) }

	log.Debug("NewHost", "mounts", mounts, "default", defDev, "ring", cfg.Ring != nil)
	return &Host{
		log:	log,
		mounts:	mounts,
		defDev:	defDev,
		ring:	cfg.Ring,
		files:	make(map[Fd]*hostFile),
		next:	c.FD_BASE,
	}, nil
}

// Shutdown drops every descriptor still open.
func (h *Host) Shutdown() error {
	h.mu.Lock()
	files := h.files
	h.files = make(map[Fd]*hostFile)
	h.mu.Unlock()

	var errs []error
	for fd, f := range files {
		h.log.Debug("closing leaked descriptor", "fd", fd, "path", f.path)
		if err := unix.Close(f.fd); err != nil { errs = append(errs, err) }
	}
	return errors.Join(errs...)
}

func isDevice(dev string) bool {
	return len(dev) > 1 && strings.IndexByte(dev, ':') == len(dev) - 1 && !strings.Contains(dev, "/")
}

// splitDevice returns the device prefix (including ':') and the rest. A colon only
// counts as a device separator if it comes before the first '/'.
func splitDevice(p string) (string, string) {
	i := strings.IndexByte(p, ':')
	if i <= 0 { return "", p }
	if j := strings.IndexByte(p, '/'); j >= 0 && j < i { return "", p }
	return p[:i+1], p[i+1:]
}

func (h *Host) resolve(p string) (string, error) {
	if p == "" { return "", c.Invalid("empty path") }
	dev, rest := splitDevice(p)
	if dev == "" { dev = h.defDev }
	root, ok := h.mounts[dev]
	if !ok { return "", c.Invalid("unknown device %q", dev) }
	// rooting before Clean means ".." can never climb out of the mount
	return filepath.Join(root, path.Clean("/" + rest)), nil
}

func (h *Host) add(f *hostFile) Fd {
	h.mu.Lock()
	defer h.mu.Unlock()
	fd := h.next
	for {
		if _, used := h.files[fd]; !used { break }
		fd++
		if fd < c.FD_BASE { fd = c.FD_BASE }
	}
	h.next = fd + 1
	if h.next < c.FD_BASE { h.next = c.FD_BASE }
	h.files[fd] = f
	return fd
}

func (h *Host) get(fd Fd, dir bool) (*hostFile, error) {
	h.mu.Lock()
	f, ok := h.files[fd]
	h.mu.Unlock()
	if !ok || f.dir != dir { return nil, unix.EBADF }
	return f, nil
}

func (h *Host) take(fd Fd, dir bool) (*hostFile, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[fd]
	if !ok || f.dir != dir { return nil, unix.EBADF }
	delete(h.files, fd)
	return f, nil
}

func openFlags(flags OpenFlag) int {
	var out int
	switch flags & ORdwr {
	case ORdwr:
		out = unix.O_RDWR
	case OWronly:
		out = unix.O_WRONLY
	default:
		out = unix.O_RDONLY
	}
	if flags & OAppend != 0	{ out |= unix.O_APPEND }
	if flags & OCreat != 0	{ out |= unix.O_CREAT }
	if flags & OTrunc != 0	{ out |= unix.O_TRUNC }
	if flags & OExcl != 0	{ out |= unix.O_EXCL }
	return out | unix.O_CLOEXEC
}

func (h *Host) Open(p string, flags OpenFlag, mode fs.FileMode) (Fd, error) {
	hp, err := h.resolve(p)
	if err != nil { return -1, err }
	hfd, err := unix.Open(hp, openFlags(flags), uint32(mode.Perm()))
	if err != nil { return -1, c.Collab("open " + p, err) }

	var st unix.Stat_t
	if err := unix.Fstat(hfd, &st); err == nil && st.Mode & unix.S_IFMT == unix.S_IFDIR {
		unix.Close(hfd)
		return -1, c.Collab("open " + p, unix.EISDIR)
	}

	fd := h.add(&hostFile{fd: hfd, path: hp})
	h.log.Debug("Open", "path", p, "fd", fd)
	return fd, nil
}

func (h *Host) Close(fd Fd) error {
	f, err := h.take(fd, false)
	if err != nil { return c.Collab("close", err) }
	return c.Collab("close", unix.Close(f.fd))
}

func (h *Host) Read(fd Fd, buf []byte) (int, error) {
	f, err := h.get(fd, false)
	if err != nil { return 0, c.Collab("read", err) }
	n, err := ignoringEINTR(func() (int, error) { return unix.Read(f.fd, buf) })
	if n < 0 { n = 0 }
	return n, c.Collab("read", err)
}

func (h *Host) Pread(fd Fd, buf []byte, off int64) (int, error) {
	f, err := h.get(fd, false)
	if err != nil { return 0, c.Collab("pread", err) }
	if h.ring != nil {
		n, err := h.ringIO(iomgr.OpRead, f.fd, buf, off)
		return n, c.Collab("pread", err)
	}
	n, err := ignoringEINTR(func() (int, error) { return unix.Pread(f.fd, buf, off) })
	if n < 0 { n = 0 }
	return n, c.Collab("pread", err)
}

func (h *Host) Write(fd Fd, buf []byte) (int, error) {
	f, err := h.get(fd, false)
	if err != nil { return 0, c.Collab("write", err) }
	var done int
	for done < len(buf) {
		n, err := ignoringEINTR(func() (int, error) { return unix.Write(f.fd, buf[done:]) })
		if err != nil { return done, c.Collab("write", err) }
		if n == 0 { return done, c.Collab("write", io.ErrShortWrite) }
		done += n
	}
	return done, nil
}

func (h *Host) Pwrite(fd Fd, buf []byte, off int64) (int, error) {
	f, err := h.get(fd, false)
	if err != nil { return 0, c.Collab("pwrite", err) }
	var done int
	for done < len(buf) {
		var n int
		if h.ring != nil {
			n, err = h.ringIO(iomgr.OpWrite, f.fd, buf[done:], off + int64(done))
		} else {
			n, err = ignoringEINTR(func() (int, error) { return unix.Pwrite(f.fd, buf[done:], off + int64(done)) })
		}
		if err != nil { return done, c.Collab("pwrite", err) }
		if n == 0 { return done, c.Collab("pwrite", io.ErrShortWrite) }
		done += n
	}
	return done, nil
}

func (h *Host) Lseek(fd Fd, off int64, whence int) (int64, error) {
	f, err := h.get(fd, false)
	if err != nil { return 0, c.Collab("lseek", err) }
	pos, err := unix.Seek(f.fd, off, whence)
	return pos, c.Collab("lseek", err)
}

func (h *Host) Remove(p string) error {
	hp, err := h.resolve(p)
	if err != nil { return err }
	return c.Collab("remove " + p, unix.Unlink(hp))
}

func (h *Host) Rename(oldpath string, newpath string) error {
	ho, err := h.resolve(oldpath)
	if err != nil { return err }
	hn, err := h.resolve(newpath)
	if err != nil { return err }
	return c.Collab("rename " + oldpath, unix.Rename(ho, hn))
}

// Sync flushes the filesystem holding the device's mount. flag is accepted and ignored.
func (h *Host) Sync(device string, flag uint32) error {
	if device == "" { device = h.defDev }
	root, ok := h.mounts[device]
	if !ok { return c.Invalid("unknown device %q", device) }
	dfd, err := unix.Open(root, unix.O_RDONLY | unix.O_DIRECTORY | unix.O_CLOEXEC, 0)
	if err != nil { return c.Collab("sync " + device, err) }
	defer unix.Close(dfd)
	return c.Collab("sync " + device, unix.Syncfs(dfd))
}

func (h *Host) SyncByFd(fd Fd, flag uint32) error {
	f, err := h.get(fd, false)
	if err != nil { return c.Collab("syncbyfd", err) }
	if h.ring != nil {
		op := iomgr.NewOp()
		op.Prepare(iomgr.OpSync, f.fd)
		if res := h.ring.Do(op); res < 0 { return c.Collab("syncbyfd", unix.Errno(-res)) }
		return nil
	}
	return c.Collab("syncbyfd", unix.Fsync(f.fd))
}

func (h *Host) Mkdir(p string, mode fs.FileMode) error {
	hp, err := h.resolve(p)
	if err != nil { return err }
	return c.Collab("mkdir " + p, unix.Mkdir(hp, uint32(mode.Perm())))
}

func (h *Host) Rmdir(p string) error {
	hp, err := h.resolve(p)
	if err != nil { return err }
	return c.Collab("rmdir " + p, unix.Rmdir(hp))
}

func (h *Host) Getstat(p string) (Stat, error) {
	hp, err := h.resolve(p)
	if err != nil { return Stat{}, err }
	var st unix.Stat_t
	if err := unix.Stat(hp, &st); err != nil { return Stat{}, c.Collab("getstat " + p, err) }
	return fromUnix(&st), nil
}

func (h *Host) GetstatByFd(fd Fd) (Stat, error) {
	h.mu.Lock()
	f, ok := h.files[fd]
	h.mu.Unlock()
	if !ok { return Stat{}, c.Collab("getstatbyfd", unix.EBADF) }
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil { return Stat{}, c.Collab("getstatbyfd", err) }
	return fromUnix(&st), nil
}

func (h *Host) Chstat(p string, st Stat, bits ChBits) error {
	hp, err := h.resolve(p)
	if err != nil { return err }
	return c.Collab("chstat " + p, chstat(hp, -1, st, bits))
}

func (h *Host) ChstatByFd(fd Fd, st Stat, bits ChBits) error {
	f, err := h.get(fd, false)
	if err != nil { return c.Collab("chstatbyfd", err) }
	return c.Collab("chstatbyfd", chstat(f.path, f.fd, st, bits))
}

// hfd >= 0 means use the descriptor where the syscall has an f* variant.
func chstat(hp string, hfd int, st Stat, bits ChBits) error {
	if bits & ^ChAll != 0 { return c.Invalid("chstat bits 0x%x", uint32(bits)) }
	if bits & ChMode != 0 {
		var err error
		if hfd >= 0 {
			err = unix.Fchmod(hfd, uint32(st.Mode.Perm()))
		} else {
			err = unix.Chmod(hp, uint32(st.Mode.Perm()))
		}
		if err != nil { return err }
	}
	if bits & ChSize != 0 {
		var err error
		if hfd >= 0 {
			err = unix.Ftruncate(hfd, st.Size)
		} else {
			err = unix.Truncate(hp, st.Size)
		}
		if err != nil { return err }
	}
	if bits & (ChAtime | ChMtime) != 0 {
		ts := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Nsec: unix.UTIME_OMIT},
		}
		if bits & ChAtime != 0 { ts[0] = unix.NsecToTimespec(st.Atime.UnixNano()) }
		if bits & ChMtime != 0 { ts[1] = unix.NsecToTimespec(st.Mtime.UnixNano()) }
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, hp, ts, 0); err != nil { return err }
	}
	return nil
}

func (h *Host) Dopen(p string) (Fd, error) {
	hp, err := h.resolve(p)
	if err != nil { return -1, err }
	hfd, err := unix.Open(hp, unix.O_RDONLY | unix.O_DIRECTORY | unix.O_CLOEXEC, 0)
	if err != nil { return -1, c.Collab("dopen " + p, err) }
	fd := h.add(&hostFile{fd: hfd, dir: true, path: hp, dbuf: make([]byte, DIRENT_BUF)})
	h.log.Debug("Dopen", "path", p, "fd", fd)
	return fd, nil
}

func (h *Host) Dread(fd Fd) (Dirent, error) {
	f, err := h.get(fd, true)
	if err != nil { return Dirent{}, c.Collab("dread", err) }

	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.names) == 0 {
		if f.eof { return Dirent{}, io.EOF }
		n, err := ignoringEINTR(func() (int, error) { return unix.Getdents(f.fd, f.dbuf) })
		if err != nil { return Dirent{}, c.Collab("dread", err) }
		if n <= 0 {
			f.eof = true
			continue
		}
		// ParseDirent already skips "." and ".."
		_, _, f.names = unix.ParseDirent(f.dbuf[:n], -1, f.names)
	}

	name := f.names[0]
	f.names = f.names[1:]

	var st unix.Stat_t
	if err := unix.Fstatat(f.fd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return Dirent{}, c.Collab("dread " + name, err)
	}
	return Dirent{Name: name, Stat: fromUnix(&st)}, nil
}

func (h *Host) Dclose(fd Fd) error {
	f, err := h.take(fd, true)
	if err != nil { return c.Collab("dclose", err) }
	return c.Collab("dclose", unix.Close(f.fd))
}

// ringIO pushes one positional transfer through the ring.
func (h *Host) ringIO(opc iomgr.OpCode, hfd int, buf []byte, off int64) (int, error) {
	if len(buf) == 0 { return 0, nil }
	if len(buf) > 1 << 30 { buf = buf[:1 << 30] }
	op := iomgr.NewOp()
	op.Prepare(opc, hfd)
	op.AddSlice(buf, uint64(off))
	res := h.ring.Do(op)
	runtime.KeepAlive(buf)
	if res < 0 { return 0, unix.Errno(-res) }
	return int(res), nil
}

func ignoringEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR { return n, err }
	}
}

func fromUnix(st *unix.Stat_t) Stat {
	mode := fs.FileMode(st.Mode & 0o777)
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= fs.ModeDir
	case unix.S_IFLNK:
		mode |= fs.ModeSymlink
	case unix.S_IFIFO:
		mode |= fs.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= fs.ModeSocket
	case unix.S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case unix.S_IFBLK:
		mode |= fs.ModeDevice
	}
	return Stat{
		Mode:	mode,
		Size:	st.Size,
		Ctime:	time.Unix(st.Ctim.Unix()),
		Atime:	time.Unix(st.Atim.Unix()),
		Mtime:	time.Unix(st.Mtim.Unix()),
	}
}
