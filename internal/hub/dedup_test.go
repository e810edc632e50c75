package hub

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupCache_CheckAndRecord(t *testing.T) {
	c := NewDedupCache()

	assert.False(t, c.Check("a.example", "POSTS_UPDATE", `{"posts":[]}`))

	c.Record("a.example", "POSTS_UPDATE", `{"posts":[]}`)
	assert.True(t, c.Check("a.example", "POSTS_UPDATE", `{"posts":[]}`))
	assert.False(t, c.Check("a.example", "POSTS_UPDATE", `{"posts":[{"id":1}]}`))

	// Same type on another domain is a separate key.
	assert.False(t, c.Check("b.example", "POSTS_UPDATE", `{"posts":[]}`))
	// Same domain, other type.
	assert.False(t, c.Check("a.example", "MEDIA_UPDATE", `{"posts":[]}`))
}

func TestDedupCache_OverwriteReplacesPayload(t *testing.T) {
	c := NewDedupCache()

	c.Record("a.example", "POSTS_UPDATE", "v1")
	c.Record("a.example", "POSTS_UPDATE", "v2")

	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Check("a.example", "POSTS_UPDATE", "v1"))
	assert.True(t, c.Check("a.example", "POSTS_UPDATE", "v2"))
}

func TestDedupCache_EvictsToNewestHundred(t *testing.T) {
	c := NewDedupCache()

	evicted := 0
	for i := range 1001 {
		evicted += c.Record(fmt.Sprintf("d%04d.example", i), "POSTS_UPDATE", "p")
	}

	assert.Equal(t, 901, evicted)
	assert.Equal(t, 100, c.Len())

	for i := range 901 {
		assert.False(t, c.Contains(fmt.Sprintf("d%04d.example", i), "POSTS_UPDATE"), "key %d should be evicted", i)
	}
	for i := 901; i < 1001; i++ {
		assert.True(t, c.Contains(fmt.Sprintf("d%04d.example", i), "POSTS_UPDATE"), "key %d should survive", i)
	}
}

func TestDedupCache_NoEvictionAtLimit(t *testing.T) {
	c := NewDedupCache()

	for i := range 1000 {
		assert.Zero(t, c.Record(fmt.Sprintf("d%04d.example", i), "T", "p"))
	}
	assert.Equal(t, 1000, c.Len())
}

func TestDedupCache_OverwriteKeepsInsertionPosition(t *testing.T) {
	c := newDedupCache(3, 1)

	c.Record("a", "T", "1")
	c.Record("b", "T", "1")
	c.Record("c", "T", "1")
	// Rewriting the oldest key must not refresh it.
	c.Record("a", "T", "2")
	c.Record("d", "T", "1")

	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Contains("a", "T"))
	assert.True(t, c.Contains("d", "T"))
}
