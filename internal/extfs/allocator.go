package extfs

import (
	"sync/atomic"

	"emperror.dev/errors"
)

// Allocator hands out inode record buffers. Every buffer obtained from Get must
// be handed back through Put once the caller is done with it.
type Allocator interface {
	Get(size int) (Record, error)
	Put(r Record)
}

// LimitAllocator allocates buffers on the heap and refuses any request larger
// than its limit. Outstanding reports the number of buffers not yet returned.
type LimitAllocator struct {
	limit       int
	outstanding atomic.Int64
}

var _ Allocator = (*LimitAllocator)(nil)

// NewLimitAllocator returns an allocator that will not hand out buffers larger
// than limit bytes. A limit below the legacy inode size is raised to it.
func NewLimitAllocator(limit int) *LimitAllocator {
	if limit < GoodOldInodeSize {
		limit = GoodOldInodeSize
	}
	return &LimitAllocator{limit: limit}
}

func (a *LimitAllocator) Get(size int) (Record, error) {
	if size <= 0 || size > a.limit {
		return nil, errors.Wrapf(ErrAllocationLimit, "requested %d bytes, limit is %d", size, a.limit)
	}
	a.outstanding.Add(1)
	return make(Record, size), nil
}

func (a *LimitAllocator) Put(r Record) {
	if r == nil {
		return
	}
	// Zero the record so a stale inode never leaks into a later read.
	clear(r)
	a.outstanding.Add(-1)
}

// Outstanding returns the number of buffers handed out and not yet returned.
func (a *LimitAllocator) Outstanding() int64 {
	return a.outstanding.Load()
}
