package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinery-io/refinery/internal/analyzer"
	"github.com/refinery-io/refinery/internal/cache"
	"github.com/refinery-io/refinery/internal/coordinator"
	"github.com/refinery-io/refinery/internal/events"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/ratelimit"
	"github.com/refinery-io/refinery/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "refinery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pipeline := ingest.New(st, ingest.Enrichers{}, nil, time.Hour.Milliseconds())
	az := analyzer.New(st, nil, nil, 10, 5, 40, time.Hour.Milliseconds())

	coord, err := coordinator.NewBuilder().
		WithStore(st).
		WithPipeline(pipeline).
		WithAnalyzer(az).
		WithConfig(coordinator.Config{BaseHeartbeat: time.Hour, MinHeartbeat: time.Minute, MaxHeartbeat: time.Hour}).
		Build()
	require.NoError(t, err)

	coord.Start(t.Context())

	s := New(coord, ratelimit.New(2, time.Minute), cache.New(time.Minute), events.New())
	return s, st
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandleWebhookChat(t *testing.T) {
	s, st := newTestServer(t)

	body := strings.NewReader(`{"chat_id":"c1","title":"t","text":"breaking news happened"}`)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/chat", body))

	assert.Equal(t, http.StatusOK, rec.Code)
	stats := st.Stats(t.Context())
	assert.Equal(t, 1, stats.Items)

	t.Run("rejects non-POST", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/chat", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("malformed body is acknowledged without erroring", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/chat", strings.NewReader("not json")))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandleWebhookGenericChallenges(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("slack url_verification echoes the challenge", func(t *testing.T) {
		rec := httptest.NewRecorder()
		body := strings.NewReader(`{"type":"url_verification","challenge":"abc"}`)
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/slack", body))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"challenge":"abc"}`, rec.Body.String())
	})

	t.Run("discord ping echoes the ack", func(t *testing.T) {
		rec := httptest.NewRecorder()
		body := strings.NewReader(`{"type":1}`)
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/discord", body))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"type":1}`, rec.Body.String())
	})
}

func TestHandleIngest(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"chat_id":"c1","title":"t","text":"some content to ingest"}`)
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest", body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"`)

	t.Run("empty content yields an empty id, not an error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		body := strings.NewReader(`{"chat_id":"c1","text":""}`)
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest", body))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"id":""}`, rec.Body.String())
	})
}

func TestHandleSignalsAndSources(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/signals", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"signals"`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/signals/sources", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sources"`)

	t.Run("export defaults to json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/signals/export", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("export as csv sets the csv content type and header row", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/signals/export?format=csv", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "id,summary,sentiment")
	})
}

func TestHandleStats(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items"`)
}

func TestHandleSourcesFeedLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"name":"Example","url":"https://example.com/rss"}`)
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sources/feed", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sources/feed", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Example")

	t.Run("DELETE with an unknown id reports ok:false", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sources/feed?id=nope", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"ok":false`)
	})
}

func TestRateLimitEnforcedOnQueryEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/stats", nil)
		r.RemoteAddr = "9.9.9.9:1234"
		return r
	}

	var lastCode int
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req())
		lastCode = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, lastCode)
}

func TestWebsocketRouteMountedWhenHubProvided(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	// A plain GET without the websocket upgrade headers is rejected by
	// gorilla, but the route must exist (not a 404).
	assert.NotEqual(t, http.StatusNotFound, resp.StatusCode)
}
