package extfs

import (
	"testing"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitAllocator(t *testing.T) {
	t.Run("allocates buffers of exactly the requested size", func(t *testing.T) {
		a := NewLimitAllocator(1024)
		r, err := a.Get(256)
		require.NoError(t, err)
		assert.Len(t, r, 256)
		assert.Equal(t, int64(1), a.Outstanding())

		a.Put(r)
		assert.Equal(t, int64(0), a.Outstanding())
	})

	t.Run("refuses requests over the limit", func(t *testing.T) {
		a := NewLimitAllocator(256)
		r, err := a.Get(512)
		assert.Nil(t, r)
		assert.True(t, errors.Is(err, ErrAllocationLimit))
		assert.Equal(t, int64(0), a.Outstanding())
	})

	t.Run("limit never drops below the legacy inode size", func(t *testing.T) {
		a := NewLimitAllocator(0)
		r, err := a.Get(GoodOldInodeSize)
		require.NoError(t, err)
		a.Put(r)
	})

	t.Run("returned buffers are zeroed", func(t *testing.T) {
		a := NewLimitAllocator(256)
		r, err := a.Get(128)
		require.NoError(t, err)
		r[0] = 0xff
		a.Put(r)
		assert.Equal(t, byte(0), r[0])
	})
}
