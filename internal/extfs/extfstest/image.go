// Package extfstest builds small synthetic ext2/3/4 images for tests. The
// images contain only what is needed to locate inode records: a superblock,
// group descriptors and inode tables.
package extfstest

import (
	"encoding/binary"

	"github.com/spf13/afero"
)

const (
	defaultBlockSize = 1024

	// Blocks at the start of every group reserved for the superblock backup
	// and descriptor table. Inode tables start right after them.
	reservedBlocks = 8

	compatSparseSuper2  = 0x0200
	incompatMetaBg      = 0x0010
	incompat64Bit       = 0x0080
	roCompatSparseSuper = 0x0001

	defaultInodesPerGroup = 16
)

// Image describes a synthetic filesystem image.
type Image struct {
	// BlockSize defaults to 1024. Larger block sizes start the first group at
	// block 0 with the superblock inside it, as mke2fs does.
	BlockSize int
	// InodeSize is written to s_inode_size.
	InodeSize int
	// RevLevel is written to s_rev_level. Revision 0 implies 128 byte inodes.
	RevLevel uint32
	// Groups is the number of block groups.
	Groups int
	// InodesPerGroup defaults to 16.
	InodesPerGroup int
	// Bit64 enables the 64bit feature with 64 byte group descriptors.
	Bit64 bool
	// MetaBg enables meta_bg with s_first_meta_bg set to FirstMetaBg.
	MetaBg      bool
	FirstMetaBg uint32
	// SparseSuper sets the sparse_super read-only compatible feature.
	SparseSuper bool
	// SparseSuper2 sets the sparse_super2 compatible feature. Only group 0 and
	// the groups in BackupBgs then hold a superblock backup.
	SparseSuper2 bool
	BackupBgs    [2]uint32
	// Magic overrides the superblock magic when non-zero.
	Magic uint16

	inodes map[uint32][]byte
}

// New returns an image with a single group and the given inode size.
func New(inodeSize int) *Image {
	return &Image{
		InodeSize: inodeSize,
		RevLevel:  1,
		Groups:    1,
	}
}

func (img *Image) blockSize() int {
	if img.BlockSize > 0 {
		return img.BlockSize
	}
	return defaultBlockSize
}

// firstDataBlock mirrors s_first_data_block: 1 for 1K blocks, 0 otherwise.
func (img *Image) firstDataBlock() int {
	if img.blockSize() == 1024 {
		return 1
	}
	return 0
}

func (img *Image) logBlockSize() uint32 {
	var n uint32
	for bs := img.blockSize(); bs > 1024; bs >>= 1 {
		n++
	}
	return n
}

func (img *Image) ipg() int {
	if img.InodesPerGroup > 0 {
		return img.InodesPerGroup
	}
	return defaultInodesPerGroup
}

func (img *Image) inodeSize() int {
	if img.RevLevel == 0 {
		return 128
	}
	return img.InodeSize
}

func (img *Image) descSize() int {
	if img.Bit64 {
		return 64
	}
	return 32
}

func (img *Image) blocksPerGroup() int {
	bs := img.blockSize()
	tableBlocks := (img.ipg()*img.inodeSize() + bs - 1) / bs
	return reservedBlocks + tableBlocks + 8
}

// SetInode stores a raw record for the given inode number. The record is
// truncated or zero padded to the inode size when the image is built.
func (img *Image) SetInode(ino uint32, rec []byte) *Image {
	if img.inodes == nil {
		img.inodes = make(map[uint32][]byte)
	}
	img.inodes[ino] = rec
	return img
}

func (img *Image) hasSuper(group int) bool {
	if group == 0 {
		return true
	}
	if img.SparseSuper2 {
		return group == int(img.BackupBgs[0]) || group == int(img.BackupBgs[1])
	}
	if group == 1 || !img.SparseSuper {
		return true
	}
	for _, base := range []int{3, 5, 7} {
		for n := base; n <= group; n *= base {
			if n == group {
				return true
			}
		}
	}
	return false
}

// descriptorBlock returns the block holding the descriptor for group, along
// with the descriptor's index inside that block.
func (img *Image) descriptorBlock(group int) (int, int) {
	perBlock := img.blockSize() / img.descSize()
	meta := group / perBlock
	if !img.MetaBg || meta < int(img.FirstMetaBg) {
		return img.firstDataBlock() + 1 + meta, group % perBlock
	}
	first := meta * perBlock
	b := img.firstDataBlock() + first*img.blocksPerGroup()
	if img.hasSuper(first) {
		b++
	}
	return b, group % perBlock
}

func (img *Image) inodeTable(group int) int {
	return img.firstDataBlock() + group*img.blocksPerGroup() + reservedBlocks
}

// Bytes renders the image.
func (img *Image) Bytes() []byte {
	le := binary.LittleEndian
	bs := img.blockSize()
	bpg := img.blocksPerGroup()
	blocks := img.firstDataBlock() + img.Groups*bpg
	b := make([]byte, blocks*bs)

	sb := b[1024:2048]
	le.PutUint32(sb[0x00:], uint32(img.Groups*img.ipg()))
	le.PutUint32(sb[0x04:], uint32(blocks))
	le.PutUint32(sb[0x14:], uint32(img.firstDataBlock()))
	le.PutUint32(sb[0x18:], img.logBlockSize())
	le.PutUint32(sb[0x20:], uint32(bpg))
	le.PutUint32(sb[0x28:], uint32(img.ipg()))
	magic := img.Magic
	if magic == 0 {
		magic = 0xEF53
	}
	le.PutUint16(sb[0x38:], magic)
	le.PutUint32(sb[0x4C:], img.RevLevel)
	le.PutUint16(sb[0x58:], uint16(img.InodeSize))
	var compat, incompat, roCompat uint32
	if img.SparseSuper2 {
		compat |= compatSparseSuper2
		le.PutUint32(sb[0x24C:], img.BackupBgs[0])
		le.PutUint32(sb[0x250:], img.BackupBgs[1])
	}
	if img.MetaBg {
		incompat |= incompatMetaBg
		le.PutUint32(sb[0x104:], img.FirstMetaBg)
	}
	if img.Bit64 {
		incompat |= incompat64Bit
		le.PutUint16(sb[0xFE:], uint16(img.descSize()))
	}
	if img.SparseSuper {
		roCompat |= roCompatSparseSuper
	}
	le.PutUint32(sb[0x5C:], compat)
	le.PutUint32(sb[0x60:], incompat)
	le.PutUint32(sb[0x64:], roCompat)

	for g := 0; g < img.Groups; g++ {
		blk, idx := img.descriptorBlock(g)
		d := b[blk*bs+idx*img.descSize():]
		le.PutUint32(d[0x08:], uint32(img.inodeTable(g)))
	}

	size := img.inodeSize()
	for ino, rec := range img.inodes {
		g := int(ino-1) / img.ipg()
		i := int(ino-1) % img.ipg()
		off := img.inodeTable(g)*bs + i*size
		copy(b[off:off+size], rec)
	}
	return b
}

// Write writes the rendered image to path on fs.
func (img *Image) Write(fs afero.Fs, path string) error {
	return afero.WriteFile(fs, path, img.Bytes(), 0o600)
}

// LargeInode returns an inode record of the given size with i_extra_isize,
// i_crtime and i_crtime_extra set. Fields beyond size are dropped.
func LargeInode(size int, extraIsize uint16, crtime, crtimeExtra uint32) []byte {
	rec := make([]byte, 160)
	le := binary.LittleEndian
	le.PutUint16(rec[0:], 0o100644)
	le.PutUint16(rec[128:], extraIsize)
	le.PutUint32(rec[144:], crtime)
	le.PutUint32(rec[148:], crtimeExtra)
	if size < len(rec) {
		return rec[:size]
	}
	out := make([]byte, size)
	copy(out, rec)
	return out
}
