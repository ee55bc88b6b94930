package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllow(t *testing.T) {
	t.Run("allows up to the burst then rejects", func(t *testing.T) {
		l := New(60, time.Minute)

		allowed := 0
		for i := 0; i < 70; i++ {
			if l.Allow("1.2.3.4") {
				allowed++
			}
		}
		assert.Equal(t, 60, allowed)
	})

	t.Run("tracks separate buckets per IP", func(t *testing.T) {
		l := New(1, time.Minute)

		assert.True(t, l.Allow("1.1.1.1"))
		assert.False(t, l.Allow("1.1.1.1"))
		assert.True(t, l.Allow("2.2.2.2"))
	})

	t.Run("evicts visitors idle past the ttl", func(t *testing.T) {
		l := New(1, 10*time.Millisecond)
		l.Allow("1.1.1.1")
		time.Sleep(30 * time.Millisecond)
		l.Allow("2.2.2.2") // triggers eviction sweep

		l.mu.Lock()
		_, stillPresent := l.visitors["1.1.1.1"]
		l.mu.Unlock()
		assert.False(t, stillPresent)
	})
}
