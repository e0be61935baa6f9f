package extfs

import (
	"encoding/binary"

	"emperror.dev/errors"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024

	superMagic = 0xEF53

	// Revision 0 filesystems have a fixed 128 byte inode and no s_inode_size.
	goodOldRev = 0

	maxBlockLog = 6
)

// Byte offsets of the superblock fields read by this package.
const (
	sbInodesCount     = 0x00
	sbBlocksCountLo   = 0x04
	sbFirstDataBlock  = 0x14
	sbLogBlockSize    = 0x18
	sbBlocksPerGroup  = 0x20
	sbInodesPerGroup  = 0x28
	sbMagic           = 0x38
	sbRevLevel        = 0x4C
	sbInodeSize       = 0x58
	sbFeatureCompat   = 0x5C
	sbFeatureIncompat = 0x60
	sbFeatureROCompat = 0x64
	sbDescSize        = 0xFE
	sbFirstMetaBg     = 0x104
	sbBlocksCountHi   = 0x150
	sbBackupBgs       = 0x24C
)

const (
	featureCompatSparseSuper2 = 0x0200

	featureIncompatMetaBg = 0x0010
	featureIncompat64Bit  = 0x0080

	featureROCompatSparseSuper = 0x0001

	descSizeMin   = 32
	descSizeMin64 = 64
	descSizeMax   = 1024
)

// Superblock holds the subset of the ext2/3/4 superblock needed to find an
// inode record on disk.
type Superblock struct {
	InodesCount     uint32
	BlocksCount     uint64
	FirstDataBlock  uint32
	LogBlockSize    uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	Magic           uint16
	RevLevel        uint32
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	FirstMetaBg     uint32

	// BackupBgs names the only groups holding superblock backups when
	// sparse_super2 is set.
	BackupBgs [2]uint32

	inodeSize uint16
	descSize  uint16
}

// BlockSize returns the filesystem block size in bytes.
func (sb *Superblock) BlockSize() int64 {
	return 1024 << sb.LogBlockSize
}

// InodeSize returns the on-disk size of a single inode record. This mirrors
// EXT2_INODE_SIZE in e2fsprogs: revision 0 filesystems always use the legacy
// 128 byte layout regardless of what the superblock field contains.
func (sb *Superblock) InodeSize() int {
	if sb.RevLevel == goodOldRev {
		return GoodOldInodeSize
	}
	return int(sb.inodeSize)
}

// DescSize returns the size of a single block group descriptor.
func (sb *Superblock) DescSize() int64 {
	if sb.Has64Bit() {
		return int64(sb.descSize)
	}
	return descSizeMin
}

// GroupCount returns the number of block groups on the filesystem.
func (sb *Superblock) GroupCount() uint64 {
	data := sb.BlocksCount - uint64(sb.FirstDataBlock)
	return (data + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup)
}

func (sb *Superblock) Has64Bit() bool {
	return sb.FeatureIncompat&featureIncompat64Bit != 0
}

func (sb *Superblock) HasMetaBg() bool {
	return sb.FeatureIncompat&featureIncompatMetaBg != 0
}

func (sb *Superblock) HasSparseSuper() bool {
	return sb.FeatureROCompat&featureROCompatSparseSuper != 0
}

func (sb *Superblock) HasSparseSuper2() bool {
	return sb.FeatureCompat&featureCompatSparseSuper2 != 0
}

// parseSuperblock decodes and validates the raw superblock bytes. Anything that
// would make the inode location arithmetic meaningless is rejected here so the
// reader never has to second-guess these values.
func parseSuperblock(b []byte) (*Superblock, error) {
	if len(b) < superblockSize {
		return nil, errors.WithStack(ErrShortSuperblock)
	}
	le := binary.LittleEndian
	sb := &Superblock{
		InodesCount:     le.Uint32(b[sbInodesCount:]),
		BlocksCount:     uint64(le.Uint32(b[sbBlocksCountLo:])),
		FirstDataBlock:  le.Uint32(b[sbFirstDataBlock:]),
		LogBlockSize:    le.Uint32(b[sbLogBlockSize:]),
		BlocksPerGroup:  le.Uint32(b[sbBlocksPerGroup:]),
		InodesPerGroup:  le.Uint32(b[sbInodesPerGroup:]),
		Magic:           le.Uint16(b[sbMagic:]),
		RevLevel:        le.Uint32(b[sbRevLevel:]),
		FeatureCompat:   le.Uint32(b[sbFeatureCompat:]),
		FeatureIncompat: le.Uint32(b[sbFeatureIncompat:]),
		FeatureROCompat: le.Uint32(b[sbFeatureROCompat:]),
		FirstMetaBg:     le.Uint32(b[sbFirstMetaBg:]),
		BackupBgs:       [2]uint32{le.Uint32(b[sbBackupBgs:]), le.Uint32(b[sbBackupBgs+4:])},
		inodeSize:       le.Uint16(b[sbInodeSize:]),
		descSize:        le.Uint16(b[sbDescSize:]),
	}
	if sb.Magic != superMagic {
		return nil, errors.WithStack(ErrBadMagic)
	}
	if sb.Has64Bit() {
		sb.BlocksCount |= uint64(le.Uint32(b[sbBlocksCountHi:])) << 32
	}
	if sb.LogBlockSize > maxBlockLog {
		return nil, errors.Wrapf(ErrCorruptSuperblock, "s_log_block_size %d out of range", sb.LogBlockSize)
	}
	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 || sb.InodesCount == 0 {
		return nil, errors.Wrap(ErrCorruptSuperblock, "zero inode or group geometry")
	}
	if sb.BlocksCount <= uint64(sb.FirstDataBlock) {
		return nil, errors.Wrapf(ErrCorruptSuperblock, "s_blocks_count %d does not cover s_first_data_block", sb.BlocksCount)
	}
	size := sb.InodeSize()
	if size < GoodOldInodeSize || size&(size-1) != 0 || int64(size) > sb.BlockSize() {
		return nil, errors.Wrapf(ErrCorruptSuperblock, "invalid s_inode_size %d", size)
	}
	if sb.Has64Bit() {
		if sb.descSize < descSizeMin64 || sb.descSize > descSizeMax || sb.descSize&(sb.descSize-1) != 0 {
			return nil, errors.Wrapf(ErrCorruptSuperblock, "invalid s_desc_size %d", sb.descSize)
		}
	}
	return sb, nil
}
