package scrub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	t.Run("redacts a credit card shaped digit run", func(t *testing.T) {
		out := Redact("card is 4111 1111 1111 1111 expiring soon")
		assert.Contains(t, out, "[CREDIT_CARD]")
		assert.NotContains(t, out, "4111")
	})

	t.Run("redacts an email address", func(t *testing.T) {
		out := Redact("contact trader@example.com for details")
		assert.Equal(t, "contact [EMAIL] for details", out)
	})

	t.Run("leaves ordinary text untouched", func(t *testing.T) {
		in := "NVDA beat estimates by 12% this quarter"
		assert.Equal(t, in, Redact(in))
	})

	t.Run("is idempotent", func(t *testing.T) {
		once := Redact("reach me at trader@example.com or 4111 1111 1111 1111")
		twice := Redact(once)
		assert.Equal(t, once, twice)
	})
}
