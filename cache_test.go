package aeternus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockCachePutGet(t *testing.T) {
	c := newBlockCache(4)
	c.put(1, 0, []byte("block-a"))
	c.put(1, 4096, []byte("block-b"))

	v, ok := c.get(1, 0)
	assert.True(t, ok)
	assert.Equal(t, []byte("block-a"), v)

	_, ok = c.get(2, 0)
	assert.False(t, ok)
}

func TestBlockCacheEviction(t *testing.T) {
	c := newBlockCache(2)
	c.put(1, 0, []byte("a"))
	c.put(1, 1, []byte("b"))

	// Touch the first entry so the second becomes the eviction victim.
	_, ok := c.get(1, 0)
	assert.True(t, ok)

	c.put(1, 2, []byte("c"))

	_, ok = c.get(1, 1)
	assert.False(t, ok)
	_, ok = c.get(1, 0)
	assert.True(t, ok)
	_, ok = c.get(1, 2)
	assert.True(t, ok)
}

func TestBlockCacheInvalidateTable(t *testing.T) {
	c := newBlockCache(8)
	c.put(1, 0, []byte("a"))
	c.put(1, 1, []byte("b"))
	c.put(2, 0, []byte("other"))

	c.invalidateTable(1)

	_, ok := c.get(1, 0)
	assert.False(t, ok)
	_, ok = c.get(1, 1)
	assert.False(t, ok)
	_, ok = c.get(2, 0)
	assert.True(t, ok)
}

func TestBlockCacheOverwrite(t *testing.T) {
	c := newBlockCache(2)
	c.put(1, 0, []byte("old"))
	c.put(1, 0, []byte("new"))

	v, ok := c.get(1, 0)
	assert.True(t, ok)
	assert.Equal(t, []byte("new"), v)
}
