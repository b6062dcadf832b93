//go:build linux

package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	c "aiomgr/internal"
	"aiomgr/internal/aio"
	"aiomgr/internal/config"
	"aiomgr/internal/fsys"
	"aiomgr/internal/iomgr"
	"aiomgr/internal/op"
	"aiomgr/internal/util"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jessevdk/go-flags"
	"github.com/lmittmann/tint"
)

type Options struct {
	Config	string	`short:"c" long:"config" description:"toml config file"`
	Root	string	`short:"r" long:"root" description:"directory mounted as the default device"`
	Workers	int		`short:"w" long:"workers" description:"dispatch workers (overrides config)"`
	Ring	bool	`long:"ring" description:"route positional io through io_uring"`
	Files	int		`short:"n" long:"files" default:"8" description:"files in the demo workload"`
	Debug	bool	`short:"d" long:"debug" description:"debug logging"`
}

func main() {
	opts := &Options{}
	if _, err := flags.Parse(opts); err != nil {
		if flags.WroteHelp(err) { return }
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		slog.Error("aiomgr", "err", err)
		os.Exit(1)
	}
}

func loadConfig(opts *Options) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil { return cfg, err }
	}
	if opts.Workers > 0 { cfg.Workers = opts.Workers }
	if opts.Ring { cfg.Ring.Enable = true }
	if opts.Debug { cfg.LogLevel = "debug" }
	if opts.Root != "" { cfg.Mounts[cfg.DefaultDevice] = opts.Root }
	if len(cfg.Mounts) == 0 {
		dir, err := os.MkdirTemp("", "aiomgr")
		if err != nil { return cfg, err }
		cfg.Mounts[cfg.DefaultDevice] = dir
	}
	return cfg, cfg.Validate()
}

func run(opts *Options) error {
	cfg, err := loadConfig(opts)
	lvl := cfg.Level()
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:		lvl,
		TimeFormat:	time.TimeOnly,
		AddSource:	lvl <= slog.LevelDebug,
	})))
	if err != nil { return err }

	var ring *iomgr.IoMgr
	if cfg.Ring.Enable {
		ring, err = iomgr.CreateIoMgr(cfg.Ring.Entries, cfg.Ring.Affinity)
		if err != nil { return fmt.Errorf("io_uring: %w", err) }
		defer ring.Close()
	}

	host, err := fsys.NewHost(fsys.HostConfig{Mounts: cfg.Mounts, DefaultDevice: cfg.DefaultDevice, Ring: ring})
	if err != nil { return err }
	defer host.Shutdown()

	mgr, err := aio.New(cfg, &op.Env{FS: host})
	if err != nil { return err }
	defer mgr.Close()

	slog.Info("aiomgr", "mounts", cfg.Mounts, "workers", cfg.Workers, "ring", ring != nil)
	return demo(mgr, cfg.DefaultDevice, opts.Files)
}

func complete(mgr *aio.Manager, o op.Op) (op.Result, error) {
	h, err := mgr.Submit(o)
	if err != nil { return op.Result{}, err }
	return mgr.Complete(h)
}

// demo writes a batch of files, reads them back in one CompleteMultiple, cancels one
// read along the way and lists what it wrote.
func demo(mgr *aio.Manager, dev string, files int) error {
	fk := gofakeit.NewFaker(rand.NewChaCha8([32]byte{}), true)
	dir := dev + "/" + fk.LetterN(8)
	if _, err := complete(mgr, &op.Mkdir{Path: dir, Mode: 0o755}); err != nil { return err }

	start := time.Now()
	payloads := make([][]byte, files)
	bufs := make([][]byte, files)
	fds := make([]fsys.Fd, files)
	var hs []aio.Handle
	for i := range files {
		res, err := complete(mgr, &op.Open{Path: fmt.Sprintf("%s/%03d.dat", dir, i), Flags: fsys.ORdwr | fsys.OCreat | fsys.OTrunc, Mode: 0o644})
		if err != nil { return err }
		fds[i] = res.Fd
		payloads[i] = []byte(fk.LetterN(uint(c.READ_CHUNK / 2 + fk.IntN(4 * c.READ_CHUNK))))
		bufs[i] = make([]byte, len(payloads[i]))

		// same fd, so the read is ordered after the write
		hw, err := mgr.Submit(&op.Pwrite{Fd: res.Fd, Data: payloads[i]})
		if err != nil { return err }
		hr, err := mgr.Submit(&op.Pread{Fd: res.Fd, Buf: bufs[i]})
		if err != nil { return err }
		hs = append(hs, hw, hr)
	}
	if files > 2 { mgr.Cancel(hs[5]) }

	n, out := mgr.CompleteMultiple(hs)
	var bytesIn, cancelled int64
	for i, o := range out {
		switch {
		case errors.Is(o.Err, c.ErrCancelled):
			cancelled++
		case o.Err != nil:
			return fmt.Errorf("%v: %w", o.Handle, o.Err)
		case i % 2 == 1:
			if got := bufs[i/2][:o.Result.N]; !bytes.Equal(payloads[i/2], got) {
				slog.Error("mismatch", "file", i/2, "want", "\n" + util.HexDump(payloads[i/2], 64), "got", "\n" + util.HexDump(got, 64))
				return fmt.Errorf("file %d read back different bytes", i/2)
			}
			bytesIn += o.Result.N
		}
	}
	slog.Info("batch", "released", n, "read", bytesIn, "cancelled", cancelled, "took", time.Since(start))

	for _, fd := range fds {
		if _, err := complete(mgr, &op.Close{Fd: fd}); err != nil { return err }
	}

	res, err := complete(mgr, &op.Dopen{Path: dir})
	if err != nil { return err }
	for {
		ent, err := complete(mgr, &op.Dread{Fd: res.Fd})
		if err != nil { return err }
		if ent.EOF { break }
		slog.Debug("dirent", "name", ent.Dirent.Name, "size", ent.Stat.Size, "mode", ent.Stat.Mode)
	}
	_, err = complete(mgr, &op.Dclose{Fd: res.Fd})
	if err != nil { return err }

	_, err = complete(mgr, &op.Sync{Device: dev})
	return err
}
