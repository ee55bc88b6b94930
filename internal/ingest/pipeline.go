// Package ingest implements the normalize → scrub → hash → dedupe →
// enqueue pipeline that turns an IngestRecord into a stored ContentItem.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/refinery-io/refinery/internal/media"
	"github.com/refinery-io/refinery/internal/model"
	"github.com/refinery-io/refinery/internal/scrub"
	"github.com/refinery-io/refinery/internal/store"
)

// Record is a normalized inbound message, the Collector's output shape.
type Record struct {
	ChatID    string
	MessageID string
	Title     string
	Text      string
	Media     *media.Ref
}

// ErrNoContent is returned when the final scrubbed/enriched text is empty.
var ErrNoContent = fmt.Errorf("no_content")

// Result describes what the pipeline did with a Record.
type Result struct {
	ItemID        string
	Inserted      bool
	ReusedFrom    string // non-empty when bound to a cached analysis
	ProcessedJSON string // the cached analysis body, set iff ReusedFrom != ""
	TickleSoon    bool
}

// Enrichers bundles the media-enrichment strategies the pipeline uses.
type Enrichers struct {
	Downloader   *media.Downloader
	OCR          media.Enricher
	Transcriber  media.Enricher
}

// Pipeline runs the ingest steps described in the component design:
// output-loop guard, scrub, media enrichment, fingerprint, dedupe.
type Pipeline struct {
	store          *store.Store
	enrichers      Enrichers
	outboundLabels map[string]struct{}
	reuseWindowMs  int64
}

// New builds a Pipeline. outboundLabels are matched case-insensitively
// against Record.Title to drop the mirror's own echoes.
func New(st *store.Store, enrichers Enrichers, outboundLabels []string, reuseWindowMs int64) *Pipeline {
	labels := make(map[string]struct{}, len(outboundLabels))
	for _, l := range outboundLabels {
		labels[strings.ToLower(l)] = struct{}{}
	}
	return &Pipeline{store: st, enrichers: enrichers, outboundLabels: labels, reuseWindowMs: reuseWindowMs}
}

// Ingest runs one Record through the full pipeline. skipLoopGuard is set
// by the feed poller, whose titles never match an outbound label anyway.
func (p *Pipeline) Ingest(ctx context.Context, rec Record, sourceID, sourceName string, skipLoopGuard bool, now int64) (Result, error) {
	if !skipLoopGuard {
		if _, dropped := p.outboundLabels[strings.ToLower(rec.Title)]; dropped {
			return Result{}, nil
		}
	}

	text := scrub.Redact(rec.Text)

	if rec.Media != nil {
		enriched, err := p.enrichMedia(ctx, rec)
		if err != nil {
			return Result{}, fmt.Errorf("media enrichment: %w", err)
		}
		if enriched != "" {
			text = strings.TrimSpace(text + " " + scrub.Redact(enriched))
		}
	}

	if strings.TrimSpace(text) == "" {
		return Result{}, ErrNoContent
	}

	hash := store.Hash(text)

	if reusedItemID, processedJSON, ok, err := p.store.RecentAnalysisByHash(ctx, hash, p.reuseWindowMs, now); err != nil {
		return Result{}, fmt.Errorf("check analysis reuse: %w", err)
	} else if ok {
		return Result{ItemID: reusedItemID, ReusedFrom: reusedItemID, ProcessedJSON: processedJSON}, nil
	}

	res, err := p.store.UpsertContentItem(ctx, model.ContentItem{
		SourceID:    sourceID,
		SourceName:  sourceName,
		RawText:     text,
		ContentHash: hash,
		CreatedAt:   now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("upsert content item: %w", err)
	}

	return Result{ItemID: res.ID, Inserted: res.Inserted, TickleSoon: res.Inserted}, nil
}

func (p *Pipeline) enrichMedia(ctx context.Context, rec Record) (string, error) {
	if p.enrichers.Downloader == nil {
		return "", nil
	}

	kind := media.ClassifyKind(*rec.Media)
	if kind == media.KindPDF {
		return media.PDFSentinel, nil
	}

	key := rec.MessageID
	if key == "" {
		key = store.Hash(rec.Media.URL)
	}

	path, err := p.enrichers.Downloader.Download(ctx, key, *rec.Media)
	if err != nil {
		return "", err
	}

	if kind == media.KindOther {
		kind = media.SniffKind(path)
	}

	switch kind {
	case media.KindImage:
		if p.enrichers.OCR == nil {
			return "", nil
		}
		return p.enrichers.OCR.Extract(ctx, path)
	case media.KindAudio:
		if p.enrichers.Transcriber == nil {
			return "", nil
		}
		return p.enrichers.Transcriber.Extract(ctx, path)
	default:
		return "", nil
	}
}
