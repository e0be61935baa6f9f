package extfs

import (
	"encoding/binary"

	"emperror.dev/errors"
)

const (
	bgInodeTableLo = 0x08
	bgInodeTableHi = 0x28
)

// groupFirstBlock returns the first block belonging to the given group.
func (sb *Superblock) groupFirstBlock(group uint64) uint64 {
	return uint64(sb.FirstDataBlock) + group*uint64(sb.BlocksPerGroup)
}

// groupHasSuper reports whether a group carries a superblock backup. Group 0
// always does. With sparse_super2 only the two groups named in s_backup_bgs
// do. Otherwise every group does without sparse_super, and with it only groups
// 1 and powers of 3, 5 and 7 do.
func (sb *Superblock) groupHasSuper(group uint64) bool {
	if group == 0 {
		return true
	}
	if sb.HasSparseSuper2() {
		return group == uint64(sb.BackupBgs[0]) || group == uint64(sb.BackupBgs[1])
	}
	if group == 1 || !sb.HasSparseSuper() {
		return true
	}
	if group&1 == 0 {
		return false
	}
	for _, base := range []uint64{3, 5, 7} {
		n := base
		for n < group {
			n *= base
		}
		if n == group {
			return true
		}
	}
	return false
}

// descriptorOffset returns the byte offset of the descriptor for the given
// group. Without meta_bg the descriptor table immediately follows the primary
// superblock. With meta_bg, descriptors past s_first_meta_bg live in the first
// group of each meta group, after that group's superblock backup if it has one.
func (sb *Superblock) descriptorOffset(group uint64) int64 {
	bs := sb.BlockSize()
	ds := sb.DescSize()
	perBlock := uint64(bs / ds)
	metaGroup := group / perBlock
	index := int64(group % perBlock)

	var block uint64
	if !sb.HasMetaBg() || metaGroup < uint64(sb.FirstMetaBg) {
		block = uint64(sb.FirstDataBlock) + 1 + metaGroup
	} else {
		first := metaGroup * perBlock
		block = sb.groupFirstBlock(first)
		if sb.groupHasSuper(first) {
			block++
		}
	}
	return int64(block)*bs + index*ds
}

// inodeTable reads the group descriptor for the group and returns the block
// number of its inode table.
func (s *Session) inodeTable(group uint64) (uint64, error) {
	desc := make([]byte, s.sb.DescSize())
	off := s.sb.descriptorOffset(group)
	if err := s.readAt(desc, off); err != nil {
		return 0, errors.WrapIff(err, "extfs: failed to read descriptor for group %d", group)
	}
	le := binary.LittleEndian
	table := uint64(le.Uint32(desc[bgInodeTableLo:]))
	if s.sb.Has64Bit() && len(desc) >= descSizeMin64 {
		table |= uint64(le.Uint32(desc[bgInodeTableHi:])) << 32
	}
	if table == 0 || table >= s.sb.BlocksCount {
		return 0, errors.Wrapf(ErrCorruptDescriptor, "group %d inode table at block %d", group, table)
	}
	return table, nil
}
