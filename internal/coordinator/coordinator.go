// Package coordinator implements the refinery's singleton entry point:
// it owns the store, schedules the heartbeat, routes inbound requests,
// and runs ingest and heartbeat work through a single writer goroutine.
// The /add and /ignore commands, heartbeat interval persistence and the
// server's feed-channel endpoints write the store directly, outside that
// writer.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/refinery-io/refinery/internal/analyzer"
	"github.com/refinery-io/refinery/internal/collectors/feed"
	"github.com/refinery-io/refinery/internal/heartbeat"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/mirror"
	"github.com/refinery-io/refinery/internal/model"
	"github.com/refinery-io/refinery/internal/store"
)

// Sender is the outbound chat-send capability used for command/callback
// replies (the chat collector implements this).
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// writeCommand is one unit of work submitted to the single writer loop.
type writeCommand struct {
	run  func(ctx context.Context)
	done chan struct{}
}

// Coordinator is the refinery's single entry point.
type Coordinator struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	analyzer *analyzer.Analyzer
	mirror   *mirror.Mirror
	sender   Sender
	feedPoll *feed.Poller

	scheduler *heartbeat.Scheduler

	adminChannelID string

	feedStalenessMs int64
	digestCadenceMs int64
	janitorCadenceMs int64
	logRetentionMs  int64

	lastDigestAt  int64
	lastJanitorAt int64

	queue           chan writeCommand
	onSignalWritten func()
}

// Config bundles the Coordinator's tunable parameters.
type Config struct {
	AdminChannelID    string
	FeedStalenessMs   int64
	DigestCadenceMs   int64
	JanitorCadenceMs  int64
	LogRetentionMs    int64
	BaseHeartbeat     time.Duration
	MinHeartbeat      time.Duration
	MaxHeartbeat      time.Duration
	InitialIntervalMs int64
}

// Builder assembles a Coordinator from its dependencies, fluent-style,
// mirroring how the core's components are independently constructed and
// then wired together in one place.
type Builder struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	analyzer *analyzer.Analyzer
	mirror   *mirror.Mirror
	sender   Sender
	feedPoll *feed.Poller
	cfg      Config
	onSignal func()
}

// NewBuilder starts a Builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) WithStore(s *store.Store) *Builder          { b.store = s; return b }
func (b *Builder) WithPipeline(p *ingest.Pipeline) *Builder    { b.pipeline = p; return b }
func (b *Builder) WithAnalyzer(a *analyzer.Analyzer) *Builder  { b.analyzer = a; return b }
func (b *Builder) WithMirror(m *mirror.Mirror) *Builder        { b.mirror = m; return b }
func (b *Builder) WithSender(s Sender) *Builder                { b.sender = s; return b }
func (b *Builder) WithFeedPoller(p *feed.Poller) *Builder      { b.feedPoll = p; return b }
func (b *Builder) WithConfig(cfg Config) *Builder              { b.cfg = cfg; return b }
func (b *Builder) WithSignalCallback(fn func()) *Builder       { b.onSignal = fn; return b }

// Build validates dependencies and returns a Coordinator that is not yet
// running. The caller must call Start to begin the writer loop and heartbeat.
func (b *Builder) Build() (*Coordinator, error) {
	if b.store == nil {
		return nil, fmt.Errorf("coordinator: store is required")
	}
	if b.pipeline == nil {
		return nil, fmt.Errorf("coordinator: pipeline is required")
	}
	if b.analyzer == nil {
		return nil, fmt.Errorf("coordinator: analyzer is required")
	}

	c := &Coordinator{
		store:            b.store,
		pipeline:         b.pipeline,
		analyzer:         b.analyzer,
		mirror:           b.mirror,
		sender:           b.sender,
		feedPoll:         b.feedPoll,
		adminChannelID:   b.cfg.AdminChannelID,
		feedStalenessMs:  b.cfg.FeedStalenessMs,
		digestCadenceMs:  b.cfg.DigestCadenceMs,
		janitorCadenceMs: b.cfg.JanitorCadenceMs,
		logRetentionMs:   b.cfg.LogRetentionMs,
		queue:            make(chan writeCommand, 256),
		onSignalWritten:  b.onSignal,
	}

	c.scheduler = heartbeat.New(b.cfg.BaseHeartbeat, b.cfg.MinHeartbeat, b.cfg.MaxHeartbeat, b.cfg.InitialIntervalMs,
		c.heartbeatTick, c.persistInterval)

	return c, nil
}

// Start launches the single-writer loop and the heartbeat scheduler.
func (c *Coordinator) Start(ctx context.Context) {
	go c.writerLoop(ctx)
	c.scheduler.Start(ctx)
}

func (c *Coordinator) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.queue:
			cmd.run(ctx)
			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

// submit enqueues a write command and blocks until it has run, bounding
// the wait so OnShutdown's drain timeout is meaningful.
func (c *Coordinator) submit(ctx context.Context, run func(ctx context.Context)) error {
	done := make(chan struct{})
	select {
	case c.queue <- writeCommand{run: run, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) persistInterval(ms int64) {
	ctx := context.Background()
	if err := c.store.SettingSet(ctx, "next_interval_ms", strconv.FormatInt(ms, 10)); err != nil {
		slog.Error("persist heartbeat interval failed", "error", err)
	}
}

// OnWebhook routes one inbound chat message per §4.1's ordering rules.
func (c *Coordinator) OnWebhook(ctx context.Context, rec ingest.Record) {
	trimmed := strings.TrimSpace(rec.Text)

	switch {
	case strings.HasPrefix(trimmed, "/"):
		c.dispatchCommand(ctx, rec.ChatID, trimmed)
	case strings.HasPrefix(trimmed, "CALLBACK:"):
		c.dispatchCallback(ctx, rec.ChatID, trimmed)
	default:
		c.runIngest(ctx, rec, rec.ChatID, rec.ChatID, false)
	}
}

// IngestDirect handles POST /ingest and feed-sourced records.
func (c *Coordinator) IngestDirect(ctx context.Context, rec ingest.Record, sourceID, sourceName string, skipLoopGuard bool) (string, error) {
	var res ingest.Result
	var ingestErr error

	err := c.submit(ctx, func(ctx context.Context) {
		res, ingestErr = c.pipeline.Ingest(ctx, rec, sourceID, sourceName, skipLoopGuard, store.Now())
	})
	if err != nil {
		return "", err
	}
	if ingestErr != nil {
		return "", ingestErr
	}

	if res.ReusedFrom != "" {
		// The reuse path ends in an outbound mirror send; submit it as
		// its own follow-up write command instead of holding this
		// ingest's slot on the writer queue across that network call.
		reusedFrom, processedJSON := res.ReusedFrom, res.ProcessedJSON
		if err := c.submit(ctx, func(ctx context.Context) {
			emitted, err := c.analyzer.PromoteFromCache(ctx, reusedFrom, processedJSON, store.Now())
			if err != nil {
				slog.Error("promote from cache failed", "item_id", reusedFrom, "error", err)
				return
			}
			if emitted && c.onSignalWritten != nil {
				c.onSignalWritten()
			}
		}); err != nil {
			slog.Warn("promote from cache submit failed", "error", err)
		}
	} else if res.Inserted {
		c.scheduler.Preempt(ctx)
	}

	return res.ItemID, nil
}

func (c *Coordinator) runIngest(ctx context.Context, rec ingest.Record, sourceID, sourceName string, skipLoopGuard bool) {
	if _, err := c.IngestDirect(ctx, rec, sourceID, sourceName, skipLoopGuard); err != nil {
		slog.Warn("ingest failed", "error", err)
		c.logState(ctx, "ingest", fmt.Sprintf("ingest failed: %v", err))
	}
}

// OnHeartbeat runs one heartbeat tick synchronously, outside the
// scheduler's own timer.
func (c *Coordinator) OnHeartbeat(ctx context.Context) {
	c.heartbeatTick(ctx, time.Now())
}

// heartbeatTick is the scheduler's Tick callback. The actual work runs as
// one submitted write command, so the writer goroutine is held for the
// whole tick, including its feed fetches, LLM calls and mirror sends.
func (c *Coordinator) heartbeatTick(ctx context.Context, now time.Time) bool {
	var active bool
	if err := c.submit(ctx, func(ctx context.Context) {
		active = c.runHeartbeatWork(ctx, now)
	}); err != nil {
		slog.Error("heartbeat submit failed", "error", err)
		return false
	}
	return active
}

func (c *Coordinator) runHeartbeatWork(ctx context.Context, now time.Time) bool {
	nowMs := now.UnixMilli()
	active := false

	if c.pollFeeds(ctx, nowMs) {
		active = true
	}

	outcome, err := c.analyzer.Run(ctx, nowMs)
	if err != nil {
		slog.Error("analyzer run failed", "error", err)
		c.logState(ctx, "analyzer", fmt.Sprintf("run failed: %v", err))
	}
	if outcome.SignalsEmitted > 0 {
		active = true
		if c.onSignalWritten != nil {
			c.onSignalWritten()
		}
	}
	if outcome.HasMorePending {
		c.scheduler.TickleSoon(ctx, 2*time.Second)
	}

	if c.runDigestIfDue(ctx, nowMs) {
		active = true
	}
	c.runJanitorIfDue(ctx, nowMs)

	return active
}

func (c *Coordinator) pollFeeds(ctx context.Context, nowMs int64) bool {
	if c.feedPoll == nil {
		return false
	}

	channels, err := c.store.ListChannels(ctx, model.ChannelFeed)
	if err != nil {
		slog.Error("list feed channels failed", "error", err)
		return false
	}

	ingestedAny := false
	for _, ch := range channels {
		if ch.Status != model.ChannelActive {
			continue
		}
		if nowMs-ch.LastPolledAt < c.feedStalenessMs {
			continue
		}

		entries, err := c.feedPoll.Fetch(ctx, ch.FeedURL)
		if err != nil {
			slog.Warn("feed fetch failed", "channel", ch.Name, "error", err)
			c.store.TouchChannel(ctx, ch.ID, 0, 1, nowMs)
			continue
		}

		for _, entry := range entries {
			rec := ingest.Record{ChatID: ch.ID, Title: entry.Title, Text: entry.RawText, MessageID: entry.GUID}
			res, err := c.pipeline.Ingest(ctx, rec, ch.ID, ch.Name, true, nowMs)
			if err != nil {
				continue
			}
			if res.Inserted {
				ingestedAny = true
			}
			if res.ReusedFrom != "" {
				emitted, err := c.analyzer.PromoteFromCache(ctx, res.ReusedFrom, res.ProcessedJSON, nowMs)
				if err != nil {
					slog.Error("promote from cache failed", "item_id", res.ReusedFrom, "error", err)
				} else if emitted && c.onSignalWritten != nil {
					c.onSignalWritten()
				}
			}
		}

		c.store.TouchChannel(ctx, ch.ID, 1, 0, nowMs)
	}

	return ingestedAny
}

// digestWindowMs is the lookback for the periodic digest synthesis pass
// (§4.6 step 3): "the last 24 hours" is a fixed part of that behavior,
// not an operator-tunable cadence like digestCadenceMs.
const digestWindowMs int64 = 24 * 60 * 60 * 1000

func (c *Coordinator) runDigestIfDue(ctx context.Context, nowMs int64) bool {
	if nowMs-c.lastDigestAt < c.digestCadenceMs {
		return false
	}
	c.lastDigestAt = nowMs

	outcome, err := c.analyzer.RunDigest(ctx, nowMs, digestWindowMs)
	if err != nil {
		slog.Error("digest run failed", "error", err)
		return false
	}
	if outcome.SignalsEmitted > 0 {
		if c.onSignalWritten != nil {
			c.onSignalWritten()
		}
		return true
	}
	return false
}

func (c *Coordinator) runJanitorIfDue(ctx context.Context, nowMs int64) {
	if nowMs-c.lastJanitorAt < c.janitorCadenceMs {
		return
	}
	c.lastJanitorAt = nowMs

	if _, err := c.store.PruneInternalLogsOlderThan(ctx, nowMs-c.logRetentionMs); err != nil {
		slog.Error("janitor prune failed", "error", err)
	}
}

// Store returns the underlying store handle; callers use it directly,
// without going through the writer queue.
func (c *Coordinator) Store() *store.Store { return c.store }

func (c *Coordinator) logState(ctx context.Context, module, message string) {
	if err := c.store.LogState(ctx, module, message, "", store.Now()); err != nil {
		slog.Error("log state failed", "error", err)
	}
}

// OnShutdown drains the writer queue up to grace, then returns.
func (c *Coordinator) OnShutdown(grace time.Duration) {
	deadline := time.After(grace)
	for {
		select {
		case <-deadline:
			return
		default:
		}
		if len(c.queue) == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// NewFeedChannelID is a small helper for the command dispatcher and the
// /sources/feed endpoint to mint a new Channel id consistently.
func NewFeedChannelID() string { return uuid.NewString() }
