package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinery-io/refinery/internal/analyzer"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "refinery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+":"+text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestCoordinator(t *testing.T, sender Sender) (*Coordinator, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	pipeline := ingest.New(st, ingest.Enrichers{}, nil, time.Hour.Milliseconds())
	az := analyzer.New(st, nil, nil, 10, 5, 40, time.Hour.Milliseconds())

	c, err := NewBuilder().
		WithStore(st).
		WithPipeline(pipeline).
		WithAnalyzer(az).
		WithSender(sender).
		WithConfig(Config{
			BaseHeartbeat: time.Hour,
			MinHeartbeat:  time.Minute,
			MaxHeartbeat:  time.Hour,
		}).
		Build()
	require.NoError(t, err)
	return c, st
}

func TestBuildRequiresCoreDependencies(t *testing.T) {
	t.Run("fails without a store", func(t *testing.T) {
		_, err := NewBuilder().Build()
		assert.Error(t, err)
	})

	t.Run("fails without a pipeline", func(t *testing.T) {
		st := newTestStore(t)
		_, err := NewBuilder().WithStore(st).Build()
		assert.Error(t, err)
	})
}

func TestOnWebhookRoutesByPrefix(t *testing.T) {
	sender := &fakeSender{}
	c, st := newTestCoordinator(t, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	t.Run("slash-prefixed text dispatches a command instead of ingest", func(t *testing.T) {
		c.OnWebhook(ctx, ingest.Record{ChatID: "chat-1", Text: "/help"})
		msgs := sender.messages()
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0], "Available commands")

		stats := st.Stats(ctx)
		assert.Equal(t, 0, stats.Items)
	})

	t.Run("CALLBACK-prefixed text dispatches a callback", func(t *testing.T) {
		c.OnWebhook(ctx, ingest.Record{ChatID: "chat-1", Text: "CALLBACK:unknown:some-id"})
		msgs := sender.messages()
		assert.Contains(t, msgs[len(msgs)-1], "unknown callback kind")
	})

	t.Run("plain text runs the ingest pipeline", func(t *testing.T) {
		c.OnWebhook(ctx, ingest.Record{ChatID: "chat-2", Text: "some article body"})
		stats := st.Stats(ctx)
		assert.Equal(t, 1, stats.Items)
	})
}

func TestIngestDirectInsertsItem(t *testing.T) {
	c, st := newTestCoordinator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	itemID, err := c.IngestDirect(ctx, ingest.Record{ChatID: "src", Text: "hello world"}, "src", "Source", false)
	require.NoError(t, err)
	assert.NotEmpty(t, itemID)

	stats := st.Stats(ctx)
	assert.Equal(t, 1, stats.Items)
}

func TestDispatchCommands(t *testing.T) {
	sender := &fakeSender{}
	c, _ := newTestCoordinator(t, sender)
	ctx := context.Background()

	t.Run("/status reports counters", func(t *testing.T) {
		c.dispatchCommand(ctx, "chat", "/status")
		assert.Contains(t, sender.messages()[len(sender.messages())-1], "items=")
	})

	t.Run("/add registers a feed channel", func(t *testing.T) {
		c.dispatchCommand(ctx, "chat", "/add myfeed https://example.com/rss")
		msg := sender.messages()[len(sender.messages())-1]
		assert.Contains(t, msg, "registered feed")
		assert.Contains(t, msg, "myfeed")
	})

	t.Run("/add without enough args reports usage", func(t *testing.T) {
		c.dispatchCommand(ctx, "chat", "/add onlyname")
		assert.Contains(t, sender.messages()[len(sender.messages())-1], "usage:")
	})

	t.Run("/ignore on an unknown id reports not found", func(t *testing.T) {
		c.dispatchCommand(ctx, "chat", "/ignore nope")
		assert.Equal(t, "channel not found", sender.messages()[len(sender.messages())-1])
	})

	t.Run("unknown command replies accordingly", func(t *testing.T) {
		c.dispatchCommand(ctx, "chat", "/bogus")
		assert.Equal(t, "unknown command", sender.messages()[len(sender.messages())-1])
	})
}

func TestDispatchCallbackUnknownItem(t *testing.T) {
	sender := &fakeSender{}
	c, _ := newTestCoordinator(t, sender)
	ctx := context.Background()

	c.dispatchCallback(ctx, "chat", "CALLBACK:chk:does-not-exist")
	assert.Equal(t, "signal not found or expired", sender.messages()[len(sender.messages())-1])
}

func TestOnShutdownDrainsQueue(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	_, err := c.IngestDirect(ctx, ingest.Record{ChatID: "x", Text: "y"}, "x", "x", false)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.OnShutdown(2 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("OnShutdown did not return")
	}
}

func TestNewFeedChannelIDIsUnique(t *testing.T) {
	a := NewFeedChannelID()
	b := NewFeedChannelID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
