package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache(t *testing.T) {
	t.Run("returns a stored value before expiry", func(t *testing.T) {
		c := New(time.Hour)
		c.Set("k", 42)
		v, ok := c.Get("k")
		assert.True(t, ok)
		assert.Equal(t, 42, v)
	})

	t.Run("expires a value after its ttl", func(t *testing.T) {
		c := New(10 * time.Millisecond)
		c.Set("k", "v")
		time.Sleep(30 * time.Millisecond)
		_, ok := c.Get("k")
		assert.False(t, ok)
	})

	t.Run("InvalidateAll clears every entry", func(t *testing.T) {
		c := New(time.Hour)
		c.Set("a", 1)
		c.Set("b", 2)
		c.InvalidateAll()
		_, ok := c.Get("a")
		assert.False(t, ok)
		_, ok = c.Get("b")
		assert.False(t, ok)
	})

	t.Run("missing key is a clean miss", func(t *testing.T) {
		c := New(time.Hour)
		_, ok := c.Get("nope")
		assert.False(t, ok)
	})
}
