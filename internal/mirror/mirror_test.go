package mirror

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinery-io/refinery/internal/model"
)

type stubSender struct {
	mu    sync.Mutex
	calls []string
	fails int
}

func (s *stubSender) Send(_ context.Context, channelID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, channelID+"|"+text)
	if s.fails > 0 {
		s.fails--
		return errors.New("transient send failure")
	}
	return nil
}

func TestRoute(t *testing.T) {
	t.Run("primary tier routes to the primary channel", func(t *testing.T) {
		sender := &stubSender{}
		m := New(sender, "primary", "secondary", 80, 60)
		m.backoffBase = time.Millisecond

		err := m.Route(context.Background(), model.Signal{Summary: "big move", RelevanceScore: 90})
		require.NoError(t, err)
		require.Len(t, sender.calls, 1)
		assert.True(t, strings.HasPrefix(sender.calls[0], "primary|"))
	})

	t.Run("secondary tier routes to the secondary channel", func(t *testing.T) {
		sender := &stubSender{}
		m := New(sender, "primary", "secondary", 80, 60)
		m.backoffBase = time.Millisecond

		err := m.Route(context.Background(), model.Signal{Summary: "mild move", RelevanceScore: 65})
		require.NoError(t, err)
		require.Len(t, sender.calls, 1)
		assert.True(t, strings.HasPrefix(sender.calls[0], "secondary|"))
	})

	t.Run("secondary tier drops silently when no secondary channel is configured", func(t *testing.T) {
		sender := &stubSender{}
		m := New(sender, "primary", "", 80, 60)

		err := m.Route(context.Background(), model.Signal{RelevanceScore: 65})
		require.NoError(t, err)
		assert.Empty(t, sender.calls)
	})

	t.Run("below secondary threshold is dropped", func(t *testing.T) {
		sender := &stubSender{}
		m := New(sender, "primary", "secondary", 80, 60)

		err := m.Route(context.Background(), model.Signal{RelevanceScore: 10})
		require.NoError(t, err)
		assert.Empty(t, sender.calls)
	})

	t.Run("retries transient failures and eventually succeeds", func(t *testing.T) {
		sender := &stubSender{fails: 2}
		m := New(sender, "primary", "secondary", 80, 60)
		m.backoffBase = time.Millisecond

		err := m.Route(context.Background(), model.Signal{RelevanceScore: 90})
		require.NoError(t, err)
		assert.Len(t, sender.calls, 3)
	})

	t.Run("gives up after exhausting attempts", func(t *testing.T) {
		sender := &stubSender{fails: 99}
		m := New(sender, "primary", "secondary", 80, 60)
		m.backoffBase = time.Millisecond

		err := m.Route(context.Background(), model.Signal{RelevanceScore: 90})
		assert.Error(t, err)
		assert.Len(t, sender.calls, 3)
	})
}

func TestFormatSignalCard(t *testing.T) {
	t.Run("escapes html-significant characters", func(t *testing.T) {
		card := FormatSignalCard(model.Signal{Summary: "<script>alert(1)</script>", RelevanceScore: 90})
		assert.NotContains(t, card, "<script>")
		assert.Contains(t, card, "&lt;script&gt;")
	})

	t.Run("prefixes urgent signals with a banner", func(t *testing.T) {
		card := FormatSignalCard(model.Signal{Summary: "flash crash", Urgent: true, RelevanceScore: 95})
		assert.True(t, strings.HasPrefix(card, "🚨 URGENT"))
	})
}

func TestTruncateWordBoundary(t *testing.T) {
	t.Run("leaves short text untouched", func(t *testing.T) {
		assert.Equal(t, "short", TruncateWordBoundary("short", 100))
	})

	t.Run("truncates at a word boundary under the limit", func(t *testing.T) {
		s := strings.Repeat("word ", 1000)
		out := TruncateWordBoundary(s, 50)
		assert.LessOrEqual(t, len([]rune(out)), 50)
		assert.True(t, strings.HasSuffix(out, "…"))
	})
}
