package extfs

import (
	"encoding/binary"
)

// Ino is an inode number on an ext2/3/4 filesystem. Inode numbers start at 1.
type Ino uint32

// GoodOldInodeSize is the size of the legacy fixed inode layout. Anything past
// this offset belongs to the extended region.
const GoodOldInodeSize = 128

// Offsets into a raw inode record, named after their ext4_inode_large fields.
const (
	offExtraIsize  = GoodOldInodeSize + 0x00 // __le16 i_extra_isize
	offCrtime      = GoodOldInodeSize + 0x10 // __le32 i_crtime
	offCrtimeExtra = GoodOldInodeSize + 0x14 // __le32 i_crtime_extra

	// MinCrtimeExtraIsize is the smallest i_extra_isize that covers both
	// i_crtime and i_crtime_extra.
	MinCrtimeExtraIsize = offCrtimeExtra + 4 - GoodOldInodeSize
)

// Record is a typed view over the raw bytes of a single on-disk inode. It is
// always exactly as long as the filesystem's configured inode size.
type Record []byte

// ExtraIsize returns i_extra_isize, the number of populated bytes in the
// extended region. The second value is false if the record has no extended
// region at all.
func (r Record) ExtraIsize() (uint16, bool) {
	if len(r) < offExtraIsize+2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(r[offExtraIsize:]), true
}

// Crtime is a decoded creation time. Sec is i_crtime exactly as stored on disk.
// Extra is i_crtime_extra: the low two bits extend the epoch and the upper 30
// bits hold nanoseconds.
type Crtime struct {
	Sec   uint32
	Extra uint32
}

// Nsec returns the nanosecond part stored in i_crtime_extra.
func (c Crtime) Nsec() uint32 {
	return c.Extra >> 2
}

// EpochBits returns the two epoch extension bits stored in i_crtime_extra.
func (c Crtime) EpochBits() uint32 {
	return c.Extra & 0x3
}

// Extract returns the creation time held in the record, if any. inodeSize is
// the filesystem's configured inode size. No validation of the value itself is
// performed.
func Extract(r Record, inodeSize int) (Crtime, bool) {
	if inodeSize <= GoodOldInodeSize {
		return Crtime{}, false
	}
	extra, ok := r.ExtraIsize()
	if !ok || extra < MinCrtimeExtraIsize {
		return Crtime{}, false
	}
	// A corrupt i_extra_isize may claim more than the buffer holds.
	if len(r) < offCrtimeExtra+4 {
		return Crtime{}, false
	}
	return Crtime{
		Sec:   binary.LittleEndian.Uint32(r[offCrtime:]),
		Extra: binary.LittleEndian.Uint32(r[offCrtimeExtra:]),
	}, true
}
