// Package store implements the refinery's single durable ContentStore:
// content items, signals, channels and internal logs backed by SQLite,
// with lazily-materialized O(1) counters.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	jsoniter "github.com/json-iterator/go"

	"github.com/refinery-io/refinery/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is the refinery's durable ContentStore. All methods are safe for
// concurrent use; the Coordinator is the only caller that issues writes,
// per the single-writer discipline, but Store itself enforces nothing
// beyond what database/sql's connection pool guarantees.
type Store struct {
	db *sql.DB

	countersOnce sync.Once
	itemCount    int64
	signalCount  int64
	channelCount int64
}

// Open opens (creating if absent) the SQLite database at path and runs
// idempotent schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: one writer connection avoids SQLITE_BUSY under our pool

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS content_items (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			source_name TEXT NOT NULL DEFAULT '',
			raw_text TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			processed_json TEXT,
			is_signal INTEGER NOT NULL DEFAULT 0,
			last_analyzed_at INTEGER,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_content_items_hash ON content_items(content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_content_items_created_at ON content_items(created_at)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			source_item_ids TEXT NOT NULL,
			summary TEXT NOT NULL,
			analysis TEXT NOT NULL DEFAULT '',
			fact_check TEXT NOT NULL DEFAULT '',
			sentiment TEXT NOT NULL DEFAULT 'neutral',
			relevance_score INTEGER NOT NULL DEFAULT 0,
			urgent INTEGER NOT NULL DEFAULT 0,
			tickers TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_created_at ON signals(created_at)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			feed_url TEXT NOT NULL DEFAULT '',
			last_polled_at INTEGER,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS internal_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at INTEGER NOT NULL,
			module TEXT NOT NULL,
			message TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_internal_logs_created_at ON internal_logs(created_at)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// Hash returns the SHA-256 hex digest of text, the ContentItem dedup key.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (s *Store) materializeCounters(ctx context.Context) {
	s.countersOnce.Do(func() {
		var items, signals, channels int64
		s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_items`).Scan(&items)
		s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_items WHERE is_signal = 1`).Scan(&signals)
		s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels`).Scan(&channels)
		atomic.StoreInt64(&s.itemCount, items)
		atomic.StoreInt64(&s.signalCount, signals)
		atomic.StoreInt64(&s.channelCount, channels)
	})
}

// Stats returns the O(1) in-memory counters snapshot, materializing them
// from the durable tables on first call.
func (s *Store) Stats(ctx context.Context) model.Stats {
	s.materializeCounters(ctx)
	return model.Stats{
		Items:    int(atomic.LoadInt64(&s.itemCount)),
		Signals:  int(atomic.LoadInt64(&s.signalCount)),
		Channels: int(atomic.LoadInt64(&s.channelCount)),
	}
}

// UpsertResult is the outcome of UpsertContentItem.
type UpsertResult struct {
	ID       string
	Inserted bool
}

// UpsertContentItem dedupes on content_hash: if a row with that hash
// already exists, its id is returned and no write occurs. Otherwise a
// new row is inserted with is_signal=0, processed_json=NULL.
func (s *Store) UpsertContentItem(ctx context.Context, item model.ContentItem) (UpsertResult, error) {
	s.materializeCounters(ctx)

	if existing, ok, err := s.existsByHash(ctx, item.ContentHash); err != nil {
		return UpsertResult{}, err
	} else if ok {
		return UpsertResult{ID: existing, Inserted: false}, nil
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (id, source_id, source_name, raw_text, content_hash, created_at, processed_json, is_signal, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, NULL, 0, 0)`,
		item.ID, item.SourceID, item.SourceName, item.RawText, item.ContentHash, item.CreatedAt)
	if err != nil {
		if isUniqueConstraint(err) {
			if existing, ok, err2 := s.existsByHash(ctx, item.ContentHash); err2 == nil && ok {
				return UpsertResult{ID: existing, Inserted: false}, nil
			}
		}
		return UpsertResult{}, fmt.Errorf("insert content item: %w", err)
	}

	atomic.AddInt64(&s.itemCount, 1)
	return UpsertResult{ID: item.ID, Inserted: true}, nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) existsByHash(ctx context.Context, hash string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM content_items WHERE content_hash = ?`, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// FindContentItem fetches a ContentItem by id, used by the callback
// dispatcher to look up the raw text of a deep-dive target.
func (s *Store) FindContentItem(ctx context.Context, id string) (model.ContentItem, bool, error) {
	var it model.ContentItem
	var processedJSON sql.NullString
	var lastAnalyzed sql.NullInt64

	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, source_name, raw_text, content_hash, created_at, processed_json, is_signal, last_analyzed_at, retry_count, last_error
		FROM content_items WHERE id = ?`, id)

	err := row.Scan(&it.ID, &it.SourceID, &it.SourceName, &it.RawText, &it.ContentHash, &it.CreatedAt,
		&processedJSON, &it.IsSignal, &lastAnalyzed, &it.RetryCount, &it.LastError)
	if err == sql.ErrNoRows {
		return model.ContentItem{}, false, nil
	}
	if err != nil {
		return model.ContentItem{}, false, err
	}

	it.ProcessedJSON = processedJSON.String
	it.LastAnalyzedAt = lastAnalyzed.Int64
	return it, true, nil
}

// ExistsByHash returns the existing ContentItem id for hash, if any.
func (s *Store) ExistsByHash(ctx context.Context, hash string) (string, bool, error) {
	return s.existsByHash(ctx, hash)
}

// RecentAnalysisByHash returns the most recent processed_json for hash
// whose last_analyzed_at is within withinMs of now, and the id of that
// ContentItem, if such a row exists.
func (s *Store) RecentAnalysisByHash(ctx context.Context, hash string, withinMs int64, now int64) (itemID, processedJSON string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, processed_json FROM content_items
		WHERE content_hash = ? AND processed_json IS NOT NULL AND last_analyzed_at IS NOT NULL
		AND last_analyzed_at >= ?
		ORDER BY last_analyzed_at DESC LIMIT 1`,
		hash, now-withinMs)

	var id string
	var pj sql.NullString
	if scanErr := row.Scan(&id, &pj); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, scanErr
	}
	return id, pj.String, true, nil
}

// TakePendingBatch returns up to limit ContentItems with processed_json
// IS NULL AND retry_count < maxRetries, ordered by created_at ascending.
// Non-destructive: the caller writes results back via WriteAnalysis or
// BumpRetry.
func (s *Store) TakePendingBatch(ctx context.Context, limit, maxRetries int) ([]model.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, source_name, raw_text, content_hash, created_at, retry_count
		FROM content_items
		WHERE processed_json IS NULL AND retry_count < ?
		ORDER BY created_at ASC LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ContentItem
	for rows.Next() {
		var it model.ContentItem
		if err := rows.Scan(&it.ID, &it.SourceID, &it.SourceName, &it.RawText, &it.ContentHash, &it.CreatedAt, &it.RetryCount); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListUnsignaledSince returns up to limit ContentItems created at or
// after sinceMs that have not been promoted to a Signal, regardless of
// whether they have already been through an individual analysis pass
// (processed_json may be set or still NULL) — the digest's candidate
// pool per §4.6 step 3, distinct from TakePendingBatch's "never
// analyzed yet" pool.
func (s *Store) ListUnsignaledSince(ctx context.Context, sinceMs int64, limit int) ([]model.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, source_name, raw_text, content_hash, created_at, retry_count
		FROM content_items
		WHERE is_signal = 0 AND created_at >= ?
		ORDER BY created_at ASC LIMIT ?`, sinceMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ContentItem
	for rows.Next() {
		var it model.ContentItem
		if err := rows.Scan(&it.ID, &it.SourceID, &it.SourceName, &it.RawText, &it.ContentHash, &it.CreatedAt, &it.RetryCount); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// WriteAnalysis attaches the LLM result to a ContentItem and marks its
// promotion state.
func (s *Store) WriteAnalysis(ctx context.Context, itemID, processedJSON string, isSignal model.SignalState, lastAnalyzedAt int64) error {
	wasSignal, err := s.isAlreadySignal(ctx, itemID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE content_items SET processed_json = ?, is_signal = ?, last_analyzed_at = ?
		WHERE id = ?`, processedJSON, int(isSignal), lastAnalyzedAt, itemID)
	if err != nil {
		return fmt.Errorf("write analysis: %w", err)
	}

	if isSignal == model.SignalPromoted && !wasSignal {
		atomic.AddInt64(&s.signalCount, 1)
	}
	return nil
}

func (s *Store) isAlreadySignal(ctx context.Context, itemID string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT is_signal FROM content_items WHERE id = ?`, itemID).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == int(model.SignalPromoted), nil
}

// BumpRetry increments retry_count and records the error, returning the
// new retry_count so the caller can decide whether the cap was reached.
func (s *Store) BumpRetry(ctx context.Context, itemID string, cause error, maxRetries int) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE content_items SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?`, msg, itemID)
	if err != nil {
		return 0, fmt.Errorf("bump retry: %w", err)
	}

	var retryCount int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM content_items WHERE id = ?`, itemID).Scan(&retryCount); err != nil {
		return 0, err
	}

	if retryCount >= maxRetries {
		if _, err := s.db.ExecContext(ctx, `UPDATE content_items SET is_signal = ? WHERE id = ?`, int(model.SignalFailed), itemID); err != nil {
			return retryCount, err
		}
	}
	return retryCount, nil
}

// SaveSignal persists a Signal row, generating an id if absent.
func (s *Store) SaveSignal(ctx context.Context, sig model.Signal) (model.Signal, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	srcIDs, _ := json.Marshal(sig.SourceItemIDs)
	tickers, _ := json.Marshal(sig.Tickers)
	tags, _ := json.Marshal(sig.Tags)

	urgent := 0
	if sig.Urgent {
		urgent = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (id, source_item_ids, summary, analysis, fact_check, sentiment, relevance_score, urgent, tickers, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, string(srcIDs), sig.Summary, sig.Analysis, sig.FactCheck, string(sig.Sentiment), sig.RelevanceScore, urgent, string(tickers), string(tags), sig.CreatedAt)
	if err != nil {
		return model.Signal{}, fmt.Errorf("save signal: %w", err)
	}
	return sig, nil
}

// RecentSignalExists reports whether a Signal with the given summary was
// created within withinMs of now — the duplicate-promotion suppression
// window. Only the summary is compared; source_item_ids are not.
func (s *Store) RecentSignalExists(ctx context.Context, summary string, withinMs, now int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM signals WHERE summary = ? AND created_at >= ?`,
		summary, now-withinMs).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListSignals returns signals matching filters, newest first, with total
// count ignoring limit/offset.
func (s *Store) ListSignals(ctx context.Context, filters model.SignalFilters, limit, offset int) ([]model.Signal, int, error) {
	where := []string{"1=1"}
	args := []any{}

	if filters.Source != "" {
		where = append(where, `EXISTS (
			SELECT 1 FROM content_items ci, json_each(signals.source_item_ids) sid
			WHERE ci.id = sid.value AND ci.source_name = ?)`)
		args = append(args, filters.Source)
	}
	if filters.Sentiment != "" {
		where = append(where, "sentiment = ?")
		args = append(args, string(filters.Sentiment))
	}
	if filters.Urgent != nil {
		where = append(where, "urgent = ?")
		if *filters.Urgent {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if filters.From > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, filters.From)
	}
	if filters.To > 0 {
		where = append(where, "created_at <= ?")
		args = append(args, filters.To)
	}
	if filters.Query != "" {
		where = append(where, "(summary LIKE ? OR analysis LIKE ?)")
		like := "%" + filters.Query + "%"
		args = append(args, like, like)
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countArgs := append([]any{}, args...)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals WHERE `+whereClause, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	queryArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_item_ids, summary, analysis, fact_check, sentiment, relevance_score, urgent, tickers, tags, created_at
		FROM signals WHERE `+whereClause+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, queryArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var sig model.Signal
		var srcIDs, tickers, tags string
		var urgent int
		if err := rows.Scan(&sig.ID, &srcIDs, &sig.Summary, &sig.Analysis, &sig.FactCheck, &sig.Sentiment, &sig.RelevanceScore, &urgent, &tickers, &tags, &sig.CreatedAt); err != nil {
			return nil, 0, err
		}
		sig.Urgent = urgent != 0
		json.UnmarshalFromString(srcIDs, &sig.SourceItemIDs)
		json.UnmarshalFromString(tickers, &sig.Tickers)
		json.UnmarshalFromString(tags, &sig.Tags)
		out = append(out, sig)
	}
	return out, total, rows.Err()
}

// ListSignalSources returns distinct source_name values from ContentItems
// that produced at least one Signal.
func (s *Store) ListSignalSources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT source_name FROM content_items
		WHERE source_name != '' AND EXISTS (
			SELECT 1 FROM signals, json_each(signals.source_item_ids) sid
			WHERE sid.value = content_items.id)
		ORDER BY source_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// UpsertChannel inserts or updates a Channel by id.
func (s *Store) UpsertChannel(ctx context.Context, ch model.Channel) (model.Channel, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}

	var count int
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE id = ?`, ch.ID).Scan(&count)

	if count == 0 {
		if ch.Status == "" {
			ch.Status = model.ChannelActive
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channels (id, name, type, feed_url, success_count, failure_count, status)
			VALUES (?, ?, ?, ?, 0, 0, ?)`, ch.ID, ch.Name, ch.Type, ch.FeedURL, ch.Status)
		if err != nil {
			return model.Channel{}, fmt.Errorf("insert channel: %w", err)
		}
		atomic.AddInt64(&s.channelCount, 1)
		return ch, nil
	}

	_, err := s.db.ExecContext(ctx, `UPDATE channels SET name = ?, feed_url = ? WHERE id = ?`, ch.Name, ch.FeedURL, ch.ID)
	return ch, err
}

// ListChannels returns channels of the given type, or all types if t=="".
func (s *Store) ListChannels(ctx context.Context, t model.ChannelType) ([]model.Channel, error) {
	query := `SELECT id, name, type, feed_url, last_polled_at, success_count, failure_count, status FROM channels`
	args := []any{}
	if t != "" {
		query += ` WHERE type = ?`
		args = append(args, string(t))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		var ch model.Channel
		var lastPolled sql.NullInt64
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &ch.FeedURL, &lastPolled, &ch.SuccessCount, &ch.FailureCount, &ch.Status); err != nil {
			return nil, err
		}
		ch.LastPolledAt = lastPolled.Int64
		out = append(out, ch)
	}
	return out, rows.Err()
}

// TouchChannel adjusts success/failure counters and last_polled_at.
func (s *Store) TouchChannel(ctx context.Context, id string, successDelta, failureDelta int, lastPolledAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channels SET success_count = success_count + ?, failure_count = failure_count + ?, last_polled_at = ?
		WHERE id = ?`, successDelta, failureDelta, lastPolledAt, id)
	return err
}

// SetChannelStatus sets a channel's status (active/ignored).
func (s *Store) SetChannelStatus(ctx context.Context, id string, status model.ChannelStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("channel %q not found", id)
	}
	return nil
}

// DeleteChannel removes a channel registration (e.g. a feed) by id.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("channel %q not found", id)
	}
	atomic.AddInt64(&s.channelCount, -1)
	return nil
}

// LogState appends a diagnostic entry to internal_logs.
func (s *Store) LogState(ctx context.Context, module, message string, context string, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO internal_logs (created_at, module, message, context) VALUES (?, ?, ?, ?)`,
		now, module, message, context)
	return err
}

// PruneInternalLogsOlderThan deletes internal_logs rows with created_at
// older than ts, returning the number of rows removed.
func (s *Store) PruneInternalLogsOlderThan(ctx context.Context, ts int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM internal_logs WHERE created_at < ?`, ts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SettingGet/SettingSet persist the heartbeat's durable next_interval_ms
// and similar small key/value state in the settings table.
func (s *Store) SettingGet(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SettingSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Now returns the current epoch millisecond timestamp. Extracted as a
// package-level function so call sites read uniformly; not itself
// persisted state.
func Now() int64 {
	return time.Now().UnixMilli()
}
