package llmclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze(t *testing.T) {
	t.Run("parses a JSON array response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"[{\"summary\":\"s1\",\"relevance_score\":90}]"}]}}]}`))
		}))
		defer srv.Close()

		c := New(srv.URL, "key", time.Second)
		entries, err := c.Analyze(context.Background(), "batch text", "prompt", 0.2)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "s1", entries[0].Summary)
	})

	t.Run("tolerates a bare single object response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"summary\":\"solo\",\"relevance_score\":50}"}]}}]}`))
		}))
		defer srv.Close()

		c := New(srv.URL, "key", time.Second)
		entries, err := c.Analyze(context.Background(), "batch", "prompt", 0.2)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "solo", entries[0].Summary)
	})

	t.Run("empty array response is valid and yields no entries", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"[]"}]}}]}`))
		}))
		defer srv.Close()

		c := New(srv.URL, "key", time.Second)
		entries, err := c.Analyze(context.Background(), "batch", "prompt", 0.2)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("5xx is classified as transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := New(srv.URL, "key", time.Second)
		_, err := c.Analyze(context.Background(), "batch", "prompt", 0.2)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("429 is classified as transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		c := New(srv.URL, "key", time.Second)
		_, err := c.Analyze(context.Background(), "batch", "prompt", 0.2)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("400 is not transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		c := New(srv.URL, "key", time.Second)
		_, err := c.Analyze(context.Background(), "batch", "prompt", 0.2)
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})

	t.Run("malformed text payload is reported distinctly", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"not json at all"}]}}]}`))
		}))
		defer srv.Close()

		c := New(srv.URL, "key", time.Second)
		_, err := c.Analyze(context.Background(), "batch", "prompt", 0.2)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}
