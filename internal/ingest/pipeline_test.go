package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinery-io/refinery/internal/model"
	"github.com/refinery-io/refinery/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "refinery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIngestOutputLoopGuard(t *testing.T) {
	st := newTestStore(t)
	p := New(st, Enrichers{}, []string{"refinery-bot"}, 0)

	res, err := p.Ingest(context.Background(), Record{ChatID: "c1", Title: "refinery-bot", Text: "mirrored echo"}, "c1", "room", false, 1)
	require.NoError(t, err)
	assert.Empty(t, res.ItemID)

	stats := st.Stats(context.Background())
	assert.Equal(t, 0, stats.Items, "an outbound-labeled echo must never be re-ingested")
}

func TestIngestEmptyContentGuard(t *testing.T) {
	st := newTestStore(t)
	p := New(st, Enrichers{}, nil, 0)

	_, err := p.Ingest(context.Background(), Record{ChatID: "c1", Text: "   "}, "c1", "room", false, 1)
	assert.ErrorIs(t, err, ErrNoContent)
}

func TestIngestDedupe(t *testing.T) {
	st := newTestStore(t)
	p := New(st, Enrichers{}, nil, 0)
	ctx := context.Background()

	first, err := p.Ingest(ctx, Record{ChatID: "c1", Text: "breaking: markets move"}, "c1", "room", false, 1)
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	second, err := p.Ingest(ctx, Record{ChatID: "c1", Text: "breaking: markets move"}, "c1", "room", false, 2)
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.ItemID, second.ItemID)
}

func TestIngestAnalysisReuse(t *testing.T) {
	st := newTestStore(t)
	p := New(st, Enrichers{}, nil, 60_000)
	ctx := context.Background()

	res, err := p.Ingest(ctx, Record{ChatID: "c1", Text: "fresh content"}, "c1", "room", false, 1000)
	require.NoError(t, err)
	require.NoError(t, st.WriteAnalysis(ctx, res.ItemID, `[{"summary":"cached analysis"}]`, model.SignalPending, 1000))

	reused, err := p.Ingest(ctx, Record{ChatID: "c1", Text: "fresh content"}, "c1", "room", false, 2000)
	require.NoError(t, err)
	assert.Equal(t, res.ItemID, reused.ReusedFrom)
	assert.Contains(t, reused.ProcessedJSON, "cached analysis")
}

func TestIngestScrubsBeforeFingerprinting(t *testing.T) {
	st := newTestStore(t)
	p := New(st, Enrichers{}, nil, 0)
	ctx := context.Background()

	res, err := p.Ingest(ctx, Record{ChatID: "c1", Text: "reach trader@example.com for details"}, "c1", "room", false, 1)
	require.NoError(t, err)

	item, found, err := st.FindContentItem(ctx, res.ItemID)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, item.RawText, "trader@example.com")
	assert.Contains(t, item.RawText, "[EMAIL]")
}
