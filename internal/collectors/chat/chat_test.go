package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkMessage(t *testing.T) {
	t.Run("returns the text unchanged when under the limit", func(t *testing.T) {
		chunks := chunkMessage("short message", 100)
		assert.Equal(t, []string{"short message"}, chunks)
	})

	t.Run("splits long text on a word boundary", func(t *testing.T) {
		text := strings.Repeat("word ", 50)
		chunks := chunkMessage(text, 20)
		assert.Greater(t, len(chunks), 1)
		for _, c := range chunks {
			assert.LessOrEqual(t, len([]rune(c)), 20)
		}
		assert.Equal(t, text, strings.Join(chunks, ""))
	})

	t.Run("falls back to a hard cut when there is no boundary", func(t *testing.T) {
		text := strings.Repeat("x", 45)
		chunks := chunkMessage(text, 20)
		assert.Equal(t, []string{strings.Repeat("x", 20), strings.Repeat("x", 20), "xxxxx"}, chunks)
	})
}
