//go:build unix

// Package locator resolves the inode number of a file on the host, or parses
// one supplied directly, into the 32-bit inode numbers used on ext2/3/4.
package locator

import (
	"math"
	"os"
	"strconv"

	"emperror.dev/errors"
	"github.com/apex/log"
	"golang.org/x/sys/unix"

	"github.com/pterodactyl/crtime/internal/extfs"
)

var (
	ErrInodeTooLarge = errors.Sentinel("locator: inode number does not fit in 32 bits")
	ErrInvalidInode  = errors.Sentinel("locator: invalid inode number")
)

// StatFunc fills st with the metadata of the file at path.
type StatFunc func(path string, st *unix.Stat_t) error

// Locator turns paths into inode numbers using stat(2).
type Locator struct {
	stat StatFunc
}

type Option func(*Locator)

// WithStat overrides the function used to stat paths.
func WithStat(fn StatFunc) Option {
	return func(l *Locator) {
		l.stat = fn
	}
}

// New returns a Locator that follows symlinks, like stat(1) does.
func New(opts ...Option) *Locator {
	l := &Locator{stat: unix.Stat}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate returns the inode number of the file at path. Inode numbers that do
// not fit in 32 bits are rejected instead of truncated, since a truncated
// number names a different inode.
func (l *Locator) Locate(path string) (extfs.Ino, error) {
	var st unix.Stat_t
	if err := l.stat(path, &st); err != nil {
		return 0, errors.WithStack(&os.PathError{Op: "stat", Path: path, Err: err})
	}
	// Do not remove this "redundant" conversion, Ino is not a uint64 everywhere.
	ino := uint64(st.Ino)
	if ino > math.MaxUint32 {
		return 0, errors.Wrapf(ErrInodeTooLarge, "%s has inode %d", path, ino)
	}
	log.WithFields(log.Fields{"path": path, "inode": ino}).Debug("located inode for path")
	return extfs.Ino(ino), nil
}

// ParseIno parses a base 10 inode number. Zero is never a valid inode.
func ParseIno(s string) (extfs.Ino, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		var nerr *strconv.NumError
		if errors.As(err, &nerr) && errors.Is(nerr.Err, strconv.ErrRange) {
			return 0, errors.Wrapf(ErrInodeTooLarge, "inode %q", s)
		}
		return 0, errors.Wrapf(ErrInvalidInode, "%q is not a decimal number", s)
	}
	if v == 0 {
		return 0, errors.Wrap(ErrInvalidInode, "inode numbers start at 1")
	}
	return extfs.Ino(v), nil
}
