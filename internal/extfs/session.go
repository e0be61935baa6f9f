// Package extfs implements the minimal read path needed to pull a single raw
// inode record off an ext2, ext3 or ext4 filesystem image or block device.
// Nothing in this package ever writes to the underlying device.
package extfs

import (
	"io"
	"os"
	"sync"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/spf13/afero"
)

// Filesystem is an opened filesystem that inode records can be read from.
type Filesystem interface {
	// InodeSize returns the configured on-disk size of one inode record.
	InodeSize() int
	// ReadInode fills buf with the raw record for ino. buf must be exactly
	// InodeSize bytes long.
	ReadInode(ino Ino, buf Record) error
	Close() error
}

// Opener opens a device or image path as a Filesystem.
type Opener interface {
	Open(device string) (Filesystem, error)
}

// Session is a read-only handle on an opened ext2/3/4 filesystem.
type Session struct {
	mu     sync.Mutex
	device string
	f      afero.File
	sb     *Superblock
	closed bool
}

var _ Filesystem = (*Session)(nil)

// Open opens the device or image at the given path through fs, which is always
// wrapped read-only, and parses its superblock. If the superblock cannot be
// read or does not describe an ext2/3/4 filesystem the file is closed before
// returning.
func Open(fs afero.Fs, device string) (*Session, error) {
	ro := afero.NewReadOnlyFs(fs)
	f, err := ro.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "extfs: failed to open device")
	}
	s := &Session{device: device, f: f}

	b := make([]byte, superblockSize)
	if err := s.readAt(b, superblockOffset); err != nil {
		_ = f.Close()
		return nil, errors.WrapIf(err, "extfs: failed to read superblock")
	}
	sb, err := parseSuperblock(b)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s.sb = sb

	log.WithFields(log.Fields{
		"device":           device,
		"block_size":       sb.BlockSize(),
		"inode_size":       sb.InodeSize(),
		"inodes_count":     sb.InodesCount,
		"inodes_per_group": sb.InodesPerGroup,
		"groups":           sb.GroupCount(),
	}).Debug("opened filesystem")
	return s, nil
}

// Superblock returns the parsed superblock of the opened filesystem.
func (s *Session) Superblock() *Superblock {
	return s.sb
}

func (s *Session) InodeSize() int {
	return s.sb.InodeSize()
}

// ReadInode reads the raw record for ino into buf.
func (s *Session) ReadInode(ino Ino, buf Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WithStack(ErrSessionClosed)
	}
	if ino == 0 || uint32(ino) > s.sb.InodesCount {
		return errors.Wrapf(ErrInodeOutOfRange, "inode %d (filesystem has %d)", ino, s.sb.InodesCount)
	}
	size := s.sb.InodeSize()
	if len(buf) != size {
		return errors.Wrapf(ErrBufferSize, "got %d bytes, want %d", len(buf), size)
	}

	group := uint64(ino-1) / uint64(s.sb.InodesPerGroup)
	index := int64(uint64(ino-1) % uint64(s.sb.InodesPerGroup))
	if group >= s.sb.GroupCount() {
		return errors.Wrapf(ErrInodeOutOfRange, "inode %d is in group %d (filesystem has %d)", ino, group, s.sb.GroupCount())
	}
	table, err := s.inodeTable(group)
	if err != nil {
		return err
	}
	off := int64(table)*s.sb.BlockSize() + index*int64(size)

	log.WithFields(log.Fields{
		"device":      s.device,
		"inode":       ino,
		"group":       group,
		"inode_table": table,
		"offset":      off,
	}).Debug("reading inode record")

	if err := s.readAt(buf, off); err != nil {
		return errors.WrapIff(err, "extfs: failed to read inode %d", ino)
	}
	return nil
}

// Close releases the underlying file. Only the first call touches the file,
// later calls return ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WithStack(ErrSessionClosed)
	}
	s.closed = true
	return errors.WithStackIf(s.f.Close())
}

// readAt fills b from the given offset. A short read is an error, an io.EOF
// returned alongside a complete read is not.
func (s *Session) readAt(b []byte, off int64) error {
	n, err := s.f.ReadAt(b, off)
	if n == len(b) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.WithStack(err)
}

// FsOpener opens sessions through an afero filesystem. The zero value uses the
// host operating system.
type FsOpener struct {
	Fs afero.Fs
}

var _ Opener = FsOpener{}

func (o FsOpener) Open(device string) (Filesystem, error) {
	fs := o.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	s, err := Open(fs, device)
	if err != nil {
		return nil, err
	}
	return s, nil
}
