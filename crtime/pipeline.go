// Package crtime reads the creation time of a file on an ext2/3/4 filesystem
// straight from its on-disk inode record.
//
// A run locates the inode, resolves and opens the backing device read-only,
// reads the raw record and decodes i_crtime from the extended inode region.
// Every stage fails closed and the filesystem handle and record buffer are
// released on every path out of Run.
package crtime

import (
	"context"
	"fmt"

	"emperror.dev/errors"
	"github.com/apex/log"

	"github.com/pterodactyl/crtime/internal/device"
	"github.com/pterodactyl/crtime/internal/extfs"
	"github.com/pterodactyl/crtime/internal/locator"
)

// DefaultMaxInodeSize bounds the size of the record buffer allocated for a
// single inode. s_inode_size is a 16-bit field so no valid filesystem exceeds it.
const DefaultMaxInodeSize = 1 << 16

// Locator returns the inode number of the file at a path.
type Locator interface {
	Locate(path string) (extfs.Ino, error)
}

// Request describes a single lookup. Path is the file whose inode is looked
// up, unless Inode is set. Device is the filesystem to read; when empty it is
// resolved from Path.
type Request struct {
	Path   string
	Device string
	Inode  string
}

// Result is the outcome of a successful run. When Available is false the
// inode exists but its record has no creation time.
type Result struct {
	Device     string
	Ino        extfs.Ino
	InodeSize  int
	ExtraIsize uint16
	Available  bool
	Crtime     extfs.Crtime
}

// Reason explains why the creation time is unavailable.
func (r *Result) Reason() string {
	switch {
	case r.Available:
		return ""
	case r.InodeSize <= extfs.GoodOldInodeSize:
		return fmt.Sprintf("filesystem uses %d byte inodes without an extended region", r.InodeSize)
	default:
		return fmt.Sprintf("inode extra size is %d, at least %d is needed", r.ExtraIsize, extfs.MinCrtimeExtraIsize)
	}
}

// Pipeline wires the stages of a lookup together.
type Pipeline struct {
	locator   Locator
	resolver  device.Resolver
	opener    extfs.Opener
	allocator extfs.Allocator
}

type Option func(*Pipeline)

func WithLocator(l Locator) Option {
	return func(p *Pipeline) {
		p.locator = l
	}
}

func WithResolver(r device.Resolver) Option {
	return func(p *Pipeline) {
		p.resolver = r
	}
}

func WithOpener(o extfs.Opener) Option {
	return func(p *Pipeline) {
		p.opener = o
	}
}

func WithAllocator(a extfs.Allocator) Option {
	return func(p *Pipeline) {
		p.allocator = a
	}
}

// New returns a pipeline that stats files on the host, resolves devices with
// df and reads devices from the host filesystem.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		locator:   locator.New(),
		resolver:  device.New(),
		opener:    extfs.FsOpener{},
		allocator: extfs.NewLimitAllocator(DefaultMaxInodeSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run performs a single lookup. An error is only returned when a stage fails;
// a record without a creation time is reported through Result.Available.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Device == "" && req.Path == "" {
		return nil, newError(KindInvalidArguments, StageArguments, errors.New("a device or a file path is required"))
	}
	ino, err := p.inode(req)
	if err != nil {
		return nil, err
	}

	dev := req.Device
	if dev == "" {
		if dev, err = p.resolver.Resolve(ctx, req.Path); err != nil {
			return nil, newError(KindDeviceResolutionFailed, StageResolve, err)
		}
	}

	fs, err := p.opener.Open(dev)
	if err != nil {
		return nil, newError(KindFilesystemOpenFailed, StageOpen, err)
	}
	defer func() {
		// Close errors do not change the result.
		if err := fs.Close(); err != nil {
			log.WithField("device", dev).WithField("error", err).Warn("failed to close filesystem")
		}
	}()

	size := fs.InodeSize()
	buf, err := p.allocator.Get(size)
	if err != nil {
		return nil, newError(KindOutOfMemory, StageAllocate, err)
	}
	defer p.allocator.Put(buf)

	if err := fs.ReadInode(ino, buf); err != nil {
		return nil, newError(KindInodeReadFailed, StageRead, err)
	}

	res := &Result{Device: dev, Ino: ino, InodeSize: size}
	if size > extfs.GoodOldInodeSize {
		res.ExtraIsize, _ = buf.ExtraIsize()
	}
	res.Crtime, res.Available = extfs.Extract(buf, size)

	log.WithFields(log.Fields{
		"device":      dev,
		"inode":       ino,
		"inode_size":  size,
		"extra_isize": res.ExtraIsize,
		"available":   res.Available,
	}).Debug("decoded inode record")
	return res, nil
}

func (p *Pipeline) inode(req Request) (extfs.Ino, error) {
	if req.Inode != "" {
		ino, err := locator.ParseIno(req.Inode)
		if err != nil {
			if errors.Is(err, locator.ErrInodeTooLarge) {
				return 0, newError(KindInodeTooLarge, StageArguments, err)
			}
			return 0, newError(KindInvalidInodeArgument, StageArguments, err)
		}
		return ino, nil
	}
	if req.Path == "" {
		return 0, newError(KindInvalidArguments, StageArguments, errors.New("a file path or an inode number is required"))
	}
	ino, err := p.locator.Locate(req.Path)
	if err != nil {
		if errors.Is(err, locator.ErrInodeTooLarge) {
			return 0, newError(KindInodeTooLarge, StageLocate, err)
		}
		return 0, newError(KindStatFailed, StageLocate, err)
	}
	return ino, nil
}
