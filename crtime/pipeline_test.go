package crtime

import (
	"context"
	"os"
	"testing"

	"emperror.dev/errors"
	. "github.com/franela/goblin"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/pterodactyl/crtime/internal/device"
	"github.com/pterodactyl/crtime/internal/extfs"
	"github.com/pterodactyl/crtime/internal/extfs/extfstest"
	"github.com/pterodactyl/crtime/internal/locator"
)

type fakeResolver struct {
	dev   string
	err   error
	calls int
}

func (r *fakeResolver) Resolve(_ context.Context, path string) (string, error) {
	r.calls++
	return r.dev, r.err
}

var _ device.Resolver = (*fakeResolver)(nil)

// countingOpener wraps a real opener and tracks how many handles were opened,
// closed and read from.
type countingOpener struct {
	opener extfs.Opener
	err    error

	opens  int
	closes int
	reads  int
}

func (o *countingOpener) Open(dev string) (extfs.Filesystem, error) {
	if o.err != nil {
		return nil, o.err
	}
	fs, err := o.opener.Open(dev)
	if err != nil {
		return nil, err
	}
	o.opens++
	return &countingFs{Filesystem: fs, o: o}, nil
}

type countingFs struct {
	extfs.Filesystem
	o *countingOpener
}

func (fs *countingFs) ReadInode(ino extfs.Ino, buf extfs.Record) error {
	fs.o.reads++
	return fs.Filesystem.ReadInode(ino, buf)
}

func (fs *countingFs) Close() error {
	fs.o.closes++
	return fs.Filesystem.Close()
}

type countingAllocator struct {
	extfs.Allocator
	gets int
	puts int
}

func (a *countingAllocator) Get(size int) (extfs.Record, error) {
	r, err := a.Allocator.Get(size)
	if err == nil {
		a.gets++
	}
	return r, err
}

func (a *countingAllocator) Put(r extfs.Record) {
	a.puts++
	a.Allocator.Put(r)
}

type harness struct {
	fs        afero.Fs
	stat      uint64
	statErr   error
	statCalls int
	resolver  *fakeResolver
	opener    *countingOpener
	allocator *countingAllocator
	pipeline  *Pipeline
}

func newHarness(img *extfstest.Image) *harness {
	h := &harness{
		fs:        afero.NewMemMapFs(),
		stat:      12,
		resolver:  &fakeResolver{dev: "/dev/loop0"},
		allocator: &countingAllocator{Allocator: extfs.NewLimitAllocator(DefaultMaxInodeSize)},
	}
	if img != nil {
		if err := img.Write(h.fs, "/dev/loop0"); err != nil {
			panic(err)
		}
	}
	h.opener = &countingOpener{opener: extfs.FsOpener{Fs: h.fs}}
	l := locator.New(locator.WithStat(func(path string, st *unix.Stat_t) error {
		h.statCalls++
		if h.statErr != nil {
			return h.statErr
		}
		st.Ino = h.stat
		return nil
	}))
	h.pipeline = New(WithLocator(l), WithResolver(h.resolver), WithOpener(h.opener), WithAllocator(h.allocator))
	return h
}

func (h *harness) balanced() bool {
	return h.opener.opens == h.opener.closes && h.allocator.gets == h.allocator.puts
}

func inodeImage(size int, extra uint16, crtime uint32) *extfstest.Image {
	return extfstest.New(size).SetInode(12, extfstest.LargeInode(size, extra, crtime, 0))
}

func TestPipeline_Run(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("Pipeline#Run", func() {
		g.It("returns the creation time of a file", func() {
			h := newHarness(inodeImage(256, 32, 1700000000))
			res, err := h.pipeline.Run(ctx, Request{Path: "/home/user/file.txt"})

			g.Assert(err).IsNil()
			g.Assert(res.Available).IsTrue()
			g.Assert(res.Crtime.Sec).Equal(uint32(1700000000))
			g.Assert(res.Ino).Equal(extfs.Ino(12))
			g.Assert(res.Device).Equal("/dev/loop0")
			g.Assert(res.InodeSize).Equal(256)
			g.Assert(res.ExtraIsize).Equal(uint16(32))
			g.Assert(res.Reason()).Equal("")
			g.Assert(h.resolver.calls).Equal(1)
			g.Assert(h.opener.reads).Equal(1)
			g.Assert(h.balanced()).IsTrue()
		})

		g.It("uses the device it was given instead of resolving one", func() {
			h := newHarness(nil)
			g.Assert(inodeImage(256, 32, 1700000000).Write(h.fs, "/images/root.img")).IsNil()

			res, err := h.pipeline.Run(ctx, Request{Path: "/file", Device: "/images/root.img"})
			g.Assert(err).IsNil()
			g.Assert(res.Available).IsTrue()
			g.Assert(res.Device).Equal("/images/root.img")
			g.Assert(h.resolver.calls).Equal(0)
			g.Assert(h.balanced()).IsTrue()
		})

		g.It("uses an inode number it was given instead of stat", func() {
			h := newHarness(inodeImage(256, 32, 1700000000))
			res, err := h.pipeline.Run(ctx, Request{Device: "/dev/loop0", Inode: "12"})

			g.Assert(err).IsNil()
			g.Assert(res.Crtime.Sec).Equal(uint32(1700000000))
			g.Assert(h.statCalls).Equal(0)
			g.Assert(h.resolver.calls).Equal(0)
		})

		g.It("returns identical results when run twice", func() {
			h := newHarness(inodeImage(256, 32, 1700000000))
			a, err := h.pipeline.Run(ctx, Request{Path: "/file"})
			g.Assert(err).IsNil()
			b, err := h.pipeline.Run(ctx, Request{Path: "/file"})
			g.Assert(err).IsNil()
			g.Assert(*a).Equal(*b)
			g.Assert(h.balanced()).IsTrue()
		})

		g.It("reports legacy inodes as unavailable", func() {
			h := newHarness(inodeImage(128, 0, 0))
			res, err := h.pipeline.Run(ctx, Request{Path: "/file"})

			g.Assert(err).IsNil()
			g.Assert(res.Available).IsFalse()
			g.Assert(res.Crtime).Equal(extfs.Crtime{})
			g.Assert(res.Reason()).Equal("filesystem uses 128 byte inodes without an extended region")
			g.Assert(h.balanced()).IsTrue()
		})

		g.It("reports a short extended region as unavailable", func() {
			h := newHarness(inodeImage(256, 16, 1700000000))
			res, err := h.pipeline.Run(ctx, Request{Path: "/file"})

			g.Assert(err).IsNil()
			g.Assert(res.Available).IsFalse()
			g.Assert(res.ExtraIsize).Equal(uint16(16))
			g.Assert(res.Reason()).Equal("inode extra size is 16, at least 24 is needed")
			g.Assert(h.balanced()).IsTrue()
		})

		g.It("fails before any device I/O when the inode is too large", func() {
			h := newHarness(inodeImage(256, 32, 1700000000))
			h.stat = 1 << 40
			_, err := h.pipeline.Run(ctx, Request{Path: "/file"})

			g.Assert(IsKind(err, KindInodeTooLarge)).IsTrue()
			g.Assert(AsError(err).Kind.Category()).Equal(CategoryInput)
			g.Assert(errors.Is(err, locator.ErrInodeTooLarge)).IsTrue()
			g.Assert(h.resolver.calls).Equal(0)
			g.Assert(h.opener.opens).Equal(0)
			g.Assert(h.allocator.gets).Equal(0)
		})

		g.It("fails without opening anything when the path does not exist", func() {
			h := newHarness(inodeImage(256, 32, 1700000000))
			h.statErr = unix.ENOENT
			_, err := h.pipeline.Run(ctx, Request{Path: "/missing"})

			g.Assert(IsKind(err, KindStatFailed)).IsTrue()
			g.Assert(AsError(err).Stage).Equal(StageLocate)
			g.Assert(AsError(err).Kind.Category()).Equal(CategoryResolution)
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
			g.Assert(h.resolver.calls).Equal(0)
			g.Assert(h.opener.opens).Equal(0)
		})

		g.It("fails when the device cannot be resolved", func() {
			h := newHarness(inodeImage(256, 32, 1700000000))
			h.resolver.err = device.ErrNoDevice
			_, err := h.pipeline.Run(ctx, Request{Path: "/file"})

			g.Assert(IsKind(err, KindDeviceResolutionFailed)).IsTrue()
			g.Assert(errors.Is(err, device.ErrNoDevice)).IsTrue()
			g.Assert(h.opener.opens).Equal(0)
		})

		g.It("never reads from a device that is not an ext filesystem", func() {
			h := newHarness(nil)
			g.Assert(afero.WriteFile(h.fs, "/dev/loop0", make([]byte, 8192), 0o600)).IsNil()
			_, err := h.pipeline.Run(ctx, Request{Path: "/file"})

			g.Assert(IsKind(err, KindFilesystemOpenFailed)).IsTrue()
			g.Assert(AsError(err).Kind.Category()).Equal(CategoryFilesystem)
			g.Assert(errors.Is(err, extfs.ErrBadMagic)).IsTrue()
			g.Assert(h.opener.reads).Equal(0)
			g.Assert(h.allocator.gets).Equal(0)
			g.Assert(h.balanced()).IsTrue()
		})

		g.It("fails when the device does not exist", func() {
			h := newHarness(nil)
			_, err := h.pipeline.Run(ctx, Request{Path: "/file"})

			g.Assert(IsKind(err, KindFilesystemOpenFailed)).IsTrue()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
			g.Assert(h.balanced()).IsTrue()
		})

		g.It("releases the handle and buffer when the inode cannot be read", func() {
			h := newHarness(inodeImage(256, 32, 1700000000))
			_, err := h.pipeline.Run(ctx, Request{Device: "/dev/loop0", Inode: "9999"})

			g.Assert(IsKind(err, KindInodeReadFailed)).IsTrue()
			g.Assert(AsError(err).Kind.Category()).Equal(CategoryIO)
			g.Assert(errors.Is(err, extfs.ErrInodeOutOfRange)).IsTrue()
			g.Assert(h.opener.opens).Equal(1)
			g.Assert(h.allocator.gets).Equal(1)
			g.Assert(h.balanced()).IsTrue()
		})

		g.It("releases the handle when the record cannot be allocated", func() {
			h := newHarness(inodeImage(256, 32, 1700000000))
			h.allocator.Allocator = extfs.NewLimitAllocator(128)
			_, err := h.pipeline.Run(ctx, Request{Path: "/file"})

			g.Assert(IsKind(err, KindOutOfMemory)).IsTrue()
			g.Assert(AsError(err).Kind.Category()).Equal(CategoryResource)
			g.Assert(h.opener.opens).Equal(1)
			g.Assert(h.opener.closes).Equal(1)
			g.Assert(h.allocator.gets).Equal(0)
			g.Assert(h.allocator.puts).Equal(0)
		})

		g.It("rejects malformed inode arguments", func() {
			h := newHarness(inodeImage(256, 32, 1700000000))
			for _, in := range []string{"abc", "0", "-4", "12x"} {
				_, err := h.pipeline.Run(ctx, Request{Device: "/dev/loop0", Inode: in})
				g.Assert(IsKind(err, KindInvalidInodeArgument)).IsTrue()
			}
			_, err := h.pipeline.Run(ctx, Request{Device: "/dev/loop0", Inode: "4294967296"})
			g.Assert(IsKind(err, KindInodeTooLarge)).IsTrue()
			g.Assert(h.opener.opens).Equal(0)
		})

		g.It("rejects requests without enough information", func() {
			h := newHarness(inodeImage(256, 32, 1700000000))
			for _, req := range []Request{{}, {Inode: "12"}, {Device: "/dev/loop0"}} {
				_, err := h.pipeline.Run(ctx, req)
				g.Assert(IsKind(err, KindInvalidArguments)).IsTrue()
			}
			g.Assert(h.opener.opens).Equal(0)
		})
	})
}

func TestError(t *testing.T) {
	g := Goblin(t)

	g.Describe("Error", func() {
		g.It("includes the stage, kind and cause in its message", func() {
			err := newError(KindInodeReadFailed, StageRead, errors.New("boom"))
			g.Assert(err.Error()).Equal("crtime: read inode: InodeReadFailed: boom")
		})

		g.It("includes a stack trace", func() {
			err := newError(KindStatFailed, StageLocate, nil)
			_, ok := err.(interface{ StackTrace() errors.StackTrace })
			g.Assert(ok).IsTrue()
			g.Assert(AsError(err)).IsNotNil()
		})

		g.It("maps every kind to a distinct exit code", func() {
			seen := map[int]Kind{ExitCrtimeUnavailable: 0, ExitConfiguration: 0, ExitSuccess: 0}
			for k := KindInvalidArguments; k <= KindOutOfMemory; k++ {
				code := k.ExitCode()
				_, dup := seen[code]
				g.Assert(dup).IsFalse()
				seen[code] = k
			}
		})

		g.It("maps errors to exit codes", func() {
			g.Assert(ExitCode(nil)).Equal(ExitSuccess)
			g.Assert(ExitCode(newError(KindInodeTooLarge, StageLocate, nil))).Equal(ExitInodeTooLarge)
			g.Assert(ExitCode(errors.WithMessage(newError(KindFilesystemOpenFailed, StageOpen, nil), "wrapped"))).Equal(ExitFilesystemOpenFailed)
			g.Assert(ExitCode(errors.New("other"))).Equal(ExitUnknown)
		})
	})
}
