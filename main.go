package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/refinery-io/refinery/internal/analyzer"
	"github.com/refinery-io/refinery/internal/cache"
	"github.com/refinery-io/refinery/internal/collectors/chat"
	"github.com/refinery-io/refinery/internal/collectors/feed"
	"github.com/refinery-io/refinery/internal/config"
	"github.com/refinery-io/refinery/internal/coordinator"
	"github.com/refinery-io/refinery/internal/events"
	"github.com/refinery-io/refinery/internal/ingest"
	"github.com/refinery-io/refinery/internal/llmclient"
	"github.com/refinery-io/refinery/internal/media"
	"github.com/refinery-io/refinery/internal/mirror"
	"github.com/refinery-io/refinery/internal/obslog"
	"github.com/refinery-io/refinery/internal/ratelimit"
	"github.com/refinery-io/refinery/internal/server"
	"github.com/refinery-io/refinery/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, sysCfg, err := config.Load(); err == nil {
		obslog.Setup(sysCfg.LogLevel)
	}

	reloadCh := config.WatchConfig(ctx, "config.json", "system.json")

	for {
		err := runRefinery(ctx, reloadCh)

		if err != nil {
			slog.Error("refinery crashed or failed to start", "error", err)
			slog.Info("waiting 5 seconds before retrying")
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				slog.Info("configuration change detected while waiting, retrying immediately")
			case <-time.After(5 * time.Second):
			}
		} else {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Info("==== configuration reloaded ====")
			}
		}
	}
}

// runRefinery executes a single lifecycle of the coordinator: build every
// component from configuration, start it, and block until shutdown or a
// config-reload signal fires.
func runRefinery(ctx context.Context, reloadCh <-chan struct{}) error {
	cfg, sysCfg, err := config.Load()
	if err != nil {
		obslog.Banner()
		obslog.Setup("info")
		return fmt.Errorf("load configuration: %w", err)
	}

	obslog.Setup(sysCfg.LogLevel)
	obslog.Banner()
	slog.Info("==========================================")

	st, err := store.Open(sysCfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	initialIntervalMs := sysCfg.BaseHeartbeatMs
	if raw, ok, _ := st.SettingGet(ctx, "next_interval_ms"); ok {
		fmt.Sscanf(raw, "%d", &initialIntervalMs)
	}

	downloader, err := media.NewDownloader("data/attachments", time.Duration(sysCfg.FeedTimeoutMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("init media downloader: %w", err)
	}

	pipeline := ingest.New(st, ingest.Enrichers{
		Downloader:  downloader,
		OCR:         media.StubOCR{},
		Transcriber: media.StubTranscriber{},
	}, cfg.OutboundLabels, sysCfg.AnalysisReuseWindowMs)

	llmClient := llmclient.New(cfg.LLMEndpoint, cfg.LLMAPIKey, time.Duration(sysCfg.LLMTimeoutMs)*time.Millisecond)

	var chatCollector *chat.Collector
	if cfg.TelegramToken != "" {
		chatCollector, err = chat.New(cfg.TelegramToken, 4000)
		if err != nil {
			return fmt.Errorf("init chat collector: %w", err)
		}
	}

	var mir *mirror.Mirror
	if chatCollector != nil {
		mir = mirror.New(chatCollector, cfg.PrimaryChannelID, cfg.SecondaryChannelID,
			sysCfg.RelevancePrimaryThreshold, sysCfg.RelevanceSecondaryThreshold)
	}

	az := analyzer.New(st, llmClient, analyzerSenderOrNil(mir), sysCfg.BatchMax, sysCfg.MaxRetries,
		40, sysCfg.DuplicateSuppressMs)

	feedPoller := feed.New(time.Duration(sysCfg.FeedTimeoutMs) * time.Millisecond)

	pageCache := cache.New(30 * time.Second)
	hub := events.New()

	coord, err := coordinator.NewBuilder().
		WithStore(st).
		WithPipeline(pipeline).
		WithAnalyzer(az).
		WithMirror(mir).
		WithSender(chatCollector).
		WithFeedPoller(feedPoller).
		WithConfig(coordinator.Config{
			AdminChannelID:    cfg.AdminChannelID,
			FeedStalenessMs:   15 * 60 * 1000,
			DigestCadenceMs:   sysCfg.DigestCadenceMs,
			JanitorCadenceMs:  sysCfg.JanitorCadenceMs,
			LogRetentionMs:    sysCfg.LogRetentionMs,
			BaseHeartbeat:     time.Duration(sysCfg.BaseHeartbeatMs) * time.Millisecond,
			MinHeartbeat:      time.Duration(sysCfg.MinHeartbeatMs) * time.Millisecond,
			MaxHeartbeat:      time.Duration(sysCfg.MaxHeartbeatMs) * time.Millisecond,
			InitialIntervalMs: initialIntervalMs,
		}).
		WithSignalCallback(func() {
			pageCache.InvalidateAll()
			hub.SignalsUpdated()
		}).
		Build()
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	coord.Start(runCtx)

	if chatCollector != nil {
		chatCollector.Start(runCtx, func(handlerCtx context.Context, u chat.Update) {
			coord.OnWebhook(handlerCtx, ingest.Record{ChatID: u.ChatID, MessageID: u.MessageID, Text: u.Text, Media: u.Media})
		})
	}

	limiter := ratelimit.New(sysCfg.RateLimitPerMinute, 10*time.Minute)
	srv := server.New(coord, limiter, pageCache, hub)
	server.ListenAndServe(runCtx, ":8080", srv.Handler())

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining in-flight work")
		coord.OnShutdown(time.Duration(sysCfg.ShutdownGraceMs) * time.Millisecond)
		if chatCollector != nil {
			chatCollector.Stop()
		}
		slog.Info("bye")
		return nil

	case <-reloadCh:
		slog.Info("configuration change detected, stopping services")
		cancelRun()
		coord.OnShutdown(time.Duration(sysCfg.ShutdownGraceMs) * time.Millisecond)
		if chatCollector != nil {
			chatCollector.Stop()
		}
		time.Sleep(time.Second)
		return nil
	}
}

// analyzerSenderOrNil adapts a possibly-nil *mirror.Mirror to the
// analyzer.Sender interface without passing a typed-nil interface value
// that would compare non-nil to callers checking `mirror != nil`.
func analyzerSenderOrNil(m *mirror.Mirror) analyzer.Sender {
	if m == nil {
		return nil
	}
	return m
}
