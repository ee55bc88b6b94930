// Package server implements the refinery's inbound HTTP surface: the
// chat/generic webhook endpoints, the direct ingest endpoint, and the
// read-only query API backing the dashboard.
package server

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/refinery-io/refinery/internal/cache"
	"github.com/refinery-io/refinery/internal/collectors/webhook"
	"github.com/refinery-io/refinery/internal/coordinator"
	"github.com/refinery-io/refinery/internal/events"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/media"
	"github.com/refinery-io/refinery/internal/model"
	"github.com/refinery-io/refinery/internal/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server wires the Coordinator to net/http.
type Server struct {
	coord   *coordinator.Coordinator
	limiter *ratelimit.Limiter
	cache   *cache.TTLCache
	hub     *events.Hub
	mux     *http.ServeMux
}

// New builds a Server and registers all routes. hub may be nil, in which
// case /ws is not mounted.
func New(coord *coordinator.Coordinator, limiter *ratelimit.Limiter, pageCache *cache.TTLCache, hub *events.Hub) *Server {
	s := &Server{coord: coord, limiter: limiter, cache: pageCache, hub: hub, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the server's http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleHealth)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/webhook/chat", s.withRateLimitExempt(s.handleWebhookChat))
	s.mux.HandleFunc("/webhook/", s.withRateLimitExempt(s.handleWebhookGeneric))
	s.mux.HandleFunc("/ingest", s.withRateLimitExempt(s.handleIngest))
	s.mux.HandleFunc("/signals", s.withRateLimit(s.handleSignals))
	s.mux.HandleFunc("/signals/export", s.withRateLimit(s.handleSignalsExport))
	s.mux.HandleFunc("/signals/sources", s.withRateLimit(s.handleSignalSources))
	s.mux.HandleFunc("/stats", s.withRateLimit(s.handleStats))
	s.mux.HandleFunc("/sources/feed", s.withRateLimit(s.handleSourcesFeed))
	if s.hub != nil {
		s.mux.HandleFunc("/ws", s.hub.ServeHTTP)
	}
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if s.limiter != nil && !s.limiter.Allow(ip) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// withRateLimitExempt marks the ingest/webhook surface as trusted,
// per §5: "ingest is not rate-limited (webhooks are trusted)".
func (s *Server) withRateLimitExempt(next http.HandlerFunc) http.HandlerFunc {
	return next
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "ok")
}

func (s *Server) handleWebhookChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "Error")
		return
	}

	var payload struct {
		ChatID string `json:"chat_id"`
		Title  string `json:"title"`
		Text   string `json:"text"`
		Media  *media.Ref `json:"media,omitempty"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("webhook/chat body malformed", "error", err)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
		return
	}

	rec := ingest.Record{ChatID: payload.ChatID, Title: payload.Title, Text: payload.Text, Media: payload.Media}
	s.coord.OnWebhook(r.Context(), rec)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleWebhookGeneric(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kind := strings.TrimPrefix(r.URL.Path, "/webhook/")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	normalized, challenge, err := webhook.Normalize(kind, body)
	if err != nil {
		slog.Warn("webhook normalize failed", "kind", kind, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if challenge != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(challenge.Body)
		return
	}

	if normalized != nil {
		rec := ingest.Record{ChatID: kind, Title: normalized.Title, Text: normalized.Text}
		if _, err := s.coord.IngestDirect(r.Context(), rec, "webhook:"+kind, normalized.Title, false); err != nil {
			slog.Warn("generic webhook ingest failed", "error", err)
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		ChatID string     `json:"chat_id"`
		Title  string     `json:"title"`
		Text   string     `json:"text"`
		Media  *media.Ref `json:"media,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	rec := ingest.Record{ChatID: payload.ChatID, Title: payload.Title, Text: payload.Text, Media: payload.Media}
	id, err := s.coord.IngestDirect(r.Context(), rec, payload.ChatID, payload.Title, false)
	if err != nil {
		if err == ingest.ErrNoContent {
			writeJSON(w, http.StatusOK, map[string]string{"id": ""})
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filters := model.SignalFilters{
		Source:    q.Get("source"),
		Sentiment: model.Sentiment(q.Get("sentiment")),
		Query:     q.Get("q"),
	}
	if v := q.Get("urgent"); v != "" {
		b := v == "true" || v == "1"
		filters.Urgent = &b
	}
	if v := q.Get("from"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filters.From = n
		}
	}
	if v := q.Get("to"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filters.To = n
		}
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	cacheKey := ""
	useCache := s.cache != nil && filters == model.SignalFilters{} && offset == 0
	if useCache {
		cacheKey = fmt.Sprintf("signals:%d", limit)
		if cached, ok := s.cache.Get(cacheKey); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	signals, total, err := s.coord.Store().ListSignals(r.Context(), filters, limit, offset)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"signals": signals, "total": total, "limit": limit, "offset": offset}
	if useCache {
		s.cache.Set(cacheKey, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSignalsExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	signals, _, err := s.coord.Store().ListSignals(r.Context(), model.SignalFilters{}, 1000, 0)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		cw.Write([]string{"id", "summary", "sentiment", "relevance_score", "urgent", "created_at"})
		for _, sig := range signals {
			cw.Write([]string{
				sig.ID, sig.Summary, string(sig.Sentiment),
				strconv.Itoa(sig.RelevanceScore), strconv.FormatBool(sig.Urgent), strconv.FormatInt(sig.CreatedAt, 10),
			})
		}
		cw.Flush()
	default:
		writeJSON(w, http.StatusOK, signals)
	}
}

func (s *Server) handleSignalSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.coord.Store().ListSignalSources(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.coord.Store().Stats(r.Context())
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSourcesFeed(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		channels, err := s.coord.Store().ListChannels(r.Context(), model.ChannelFeed)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feeds": channels})

	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ch, err := s.coord.Store().UpsertChannel(r.Context(), model.Channel{
			Name: payload.Name, Type: model.ChannelFeed, FeedURL: payload.URL, Status: model.ChannelActive,
		})
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": ch.ID})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if err := s.coord.Store().DeleteChannel(r.Context(), id); err != nil {
			writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListenAndServe builds the bare http.Server wrapping the Server's mux, matching the
// teacher's bootstrap idiom of a goroutine running ListenAndServe.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return srv
}
