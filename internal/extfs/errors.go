package extfs

import (
	"emperror.dev/errors"
)

var (
	ErrShortSuperblock   = errors.Sentinel("extfs: superblock is truncated")
	ErrBadMagic          = errors.Sentinel("extfs: bad magic number in superblock")
	ErrCorruptSuperblock = errors.Sentinel("extfs: corrupt superblock")
	ErrCorruptDescriptor = errors.Sentinel("extfs: corrupt group descriptor")
	ErrInodeOutOfRange   = errors.Sentinel("extfs: inode number out of range")
	ErrBufferSize        = errors.Sentinel("extfs: buffer does not match inode size")
	ErrSessionClosed     = errors.Sentinel("extfs: session is closed")
	ErrAllocationLimit   = errors.Sentinel("extfs: allocation exceeds configured limit")
)
