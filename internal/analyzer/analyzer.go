// Package analyzer implements the batched LLM call that converts pending
// ContentItems into Signals.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/refinery-io/refinery/internal/llmclient"
	"github.com/refinery-io/refinery/internal/model"
	"github.com/refinery-io/refinery/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSystemPrompt is the fixed instruction sent with every batch
// analysis call.
const DefaultSystemPrompt = `You are a financial signal extraction engine. For each input item tagged
[ID: <uuid>], decide whether it is a financially relevant, high-conviction
signal. Respond with a JSON array of objects, one per relevant item, each
shaped as:
{"summary": string, "analysis": string, "fact_check": string,
 "relevance_score": integer 0-100, "sentiment": "bullish"|"bearish"|"neutral",
 "tickers": [string], "tags": [string], "source_ids": [string], "is_urgent": bool}
Omit items that are not worth surfacing. Respond with only the JSON array.`

// DigestSystemPrompt is used for the periodic digest synthesis pass,
// which looks across many unrelated items for a thematic round-up
// instead of one signal per item.
const DigestSystemPrompt = `You are a financial digest synthesizer. Given a set of items tagged
[ID: <uuid>] from the last 24 hours, identify the handful of themes worth
a reader's attention and respond with a JSON array of objects in the same
shape as single-item analysis, each referencing every supporting item id
in "source_ids". Respond with only the JSON array.`

// Sender emits a promoted Signal to the outbound Mirror. Kept as a narrow
// interface so the Analyzer does not depend on the Mirror's HTTP details.
type Sender interface {
	Route(ctx context.Context, sig model.Signal) error
}

// Analyzer batches pending ContentItems, calls the LLM, and promotes
// qualifying entries to Signals.
type Analyzer struct {
	store      *store.Store
	llm        *llmclient.Client
	mirror     Sender
	batchMax   int
	maxRetries int

	promoteThreshold   int
	dupSuppressWindowMs int64
}

// New builds an Analyzer.
func New(st *store.Store, llm *llmclient.Client, mirror Sender, batchMax, maxRetries, promoteThreshold int, dupSuppressWindowMs int64) *Analyzer {
	return &Analyzer{
		store:               st,
		llm:                 llm,
		mirror:              mirror,
		batchMax:            batchMax,
		maxRetries:          maxRetries,
		promoteThreshold:    promoteThreshold,
		dupSuppressWindowMs: dupSuppressWindowMs,
	}
}

// Outcome summarizes one Run invocation for the heartbeat's activity
// detection and backoff scheduling.
type Outcome struct {
	SignalsEmitted int
	HasMorePending bool
}

// Run executes one Analyzer invocation per §4.4's algorithm: take a
// batch, group by source_id, call the LLM per group, write back results.
func (a *Analyzer) Run(ctx context.Context, now int64) (Outcome, error) {
	items, err := a.store.TakePendingBatch(ctx, a.batchMax, a.maxRetries)
	if err != nil {
		return Outcome{}, fmt.Errorf("take pending batch: %w", err)
	}
	if len(items) == 0 {
		return Outcome{}, nil
	}

	groups := groupBySource(items)

	var out Outcome
	for _, group := range groups {
		emitted, err := a.runGroup(ctx, group, DefaultSystemPrompt, now)
		if err != nil {
			slog.Warn("analyzer group failed", "source_id", group[0].SourceID, "error", err)
			continue
		}
		out.SignalsEmitted += emitted
	}

	remaining, err := a.store.TakePendingBatch(ctx, 1, a.maxRetries)
	if err != nil {
		return out, fmt.Errorf("check remaining pending: %w", err)
	}
	out.HasMorePending = len(remaining) > 0

	return out, nil
}

func groupBySource(items []model.ContentItem) [][]model.ContentItem {
	bySource := make(map[string][]model.ContentItem)
	var order []string
	for _, it := range items {
		if _, seen := bySource[it.SourceID]; !seen {
			order = append(order, it.SourceID)
		}
		bySource[it.SourceID] = append(bySource[it.SourceID], it)
	}

	groups := make([][]model.ContentItem, 0, len(order))
	for _, src := range order {
		group := bySource[src]
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt < group[j].CreatedAt })
		groups = append(groups, group)
	}
	return groups
}

// synthesisOptions tunes how synthesize reacts to the two places it is
// used: the ordinary per-group pass (§4.4) and the periodic digest pass
// (§4.6 step 3), which differ in whether a failed LLM call should cost
// an item one of its retries and whether an item the response didn't
// reference should be left exactly as it was found.
type synthesisOptions struct {
	bumpRetryOnFailure      bool
	markUnreferencedPending bool
}

// runGroup handles one source_id group independently: a failure here
// bumps retries for every item in the group but never aborts other
// groups in the same invocation.
func (a *Analyzer) runGroup(ctx context.Context, group []model.ContentItem, systemPrompt string, now int64) (int, error) {
	return a.synthesize(ctx, group, systemPrompt, now, synthesisOptions{bumpRetryOnFailure: true, markUnreferencedPending: true})
}

// synthesize runs one batch of items through the LLM under systemPrompt
// and writes back whatever the response promotes to Signals.
func (a *Analyzer) synthesize(ctx context.Context, items []model.ContentItem, systemPrompt string, now int64, opts synthesisOptions) (int, error) {
	batchText := buildBatchText(items)

	entries, err := a.llm.Analyze(ctx, batchText, systemPrompt, 0.2)
	if err != nil {
		if opts.bumpRetryOnFailure {
			for _, it := range items {
				if _, bumpErr := a.store.BumpRetry(ctx, it.ID, err, a.maxRetries); bumpErr != nil {
					slog.Error("bump retry failed", "item_id", it.ID, "error", bumpErr)
				}
			}
		}
		a.logState(ctx, "analyzer", fmt.Sprintf("synthesis failed: %v", err), now)
		return 0, nil
	}

	processedJSON, err := json.MarshalToString(entries)
	if err != nil {
		return 0, fmt.Errorf("marshal processed_json: %w", err)
	}

	emitted := 0
	referencedSet := map[string]struct{}{}
	for _, entry := range entries {
		promoted := entry.RelevanceScore > a.promoteThreshold
		referenced := resolveSourceIDs(entry.SourceIDs, items)
		for _, id := range referenced {
			referencedSet[id] = struct{}{}
		}

		for _, id := range referenced {
			state := model.SignalPending
			if promoted {
				state = model.SignalPromoted
			}
			if err := a.store.WriteAnalysis(ctx, id, processedJSON, state, now); err != nil {
				slog.Error("write analysis failed", "item_id", id, "error", err)
			}
		}

		if !promoted || len(referenced) == 0 {
			continue
		}

		dup, err := a.store.RecentSignalExists(ctx, entry.Summary, a.dupSuppressWindowMs, now)
		if err != nil {
			slog.Error("duplicate signal check failed", "error", err)
		}
		if dup {
			continue
		}

		sig := model.Signal{
			SourceItemIDs:  referenced,
			Summary:        entry.Summary,
			Analysis:       entry.Analysis,
			FactCheck:      entry.FactCheck,
			Sentiment:      model.Sentiment(normalizeSentiment(entry.Sentiment)),
			RelevanceScore: entry.RelevanceScore,
			Urgent:         entry.IsUrgent,
			Tickers:        upperAll(entry.Tickers),
			Tags:           entry.Tags,
			CreatedAt:      now,
		}

		saved, err := a.store.SaveSignal(ctx, sig)
		if err != nil {
			slog.Error("save signal failed", "error", err)
			continue
		}

		if a.mirror != nil {
			if err := a.mirror.Route(ctx, saved); err != nil {
				slog.Warn("mirror route failed", "signal_id", saved.ID, "error", err)
			}
		}

		emitted++
	}

	if opts.markUnreferencedPending {
		// Any item not referenced by any entry is still marked analyzed
		// with no promotion, per the "LLM returns []" boundary behavior.
		for _, it := range items {
			if _, ok := referencedSet[it.ID]; ok {
				continue
			}
			if err := a.store.WriteAnalysis(ctx, it.ID, processedJSON, model.SignalPending, now); err != nil {
				slog.Error("write analysis (unreferenced) failed", "item_id", it.ID, "error", err)
			}
		}
	}

	return emitted, nil
}

// RunDigest implements §4.6 step 3's periodic thematic synthesis: items
// from the last windowMs that have not been promoted to a Signal
// (whether or not they already went through an individual analysis
// pass) are re-read together under DigestSystemPrompt, looking for
// cross-item themes a single-item pass would miss. A digest failure
// never costs an item a retry — these items already cleared, or are
// still waiting on, their own analysis pass, and the digest is an
// additional look, not their primary one.
func (a *Analyzer) RunDigest(ctx context.Context, now, windowMs int64) (Outcome, error) {
	items, err := a.store.ListUnsignaledSince(ctx, now-windowMs, a.batchMax)
	if err != nil {
		return Outcome{}, fmt.Errorf("list digest candidates: %w", err)
	}
	if len(items) == 0 {
		return Outcome{}, nil
	}

	emitted, err := a.synthesize(ctx, items, DigestSystemPrompt, now, synthesisOptions{bumpRetryOnFailure: false, markUnreferencedPending: false})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{SignalsEmitted: emitted}, nil
}

func resolveSourceIDs(ids []string, group []model.ContentItem) []string {
	if len(ids) > 0 {
		return ids
	}
	if len(group) == 1 {
		return []string{group[0].ID}
	}
	return nil
}

func normalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bullish":
		return "bullish"
	case "bearish":
		return "bearish"
	default:
		return "neutral"
	}
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func buildBatchText(group []model.ContentItem) string {
	parts := make([]string, len(group))
	for i, it := range group {
		parts[i] = fmt.Sprintf("[ID: %s] %s", it.ID, it.RawText)
	}
	return strings.Join(parts, "\n---\n")
}

// AnalyzeRaw performs a single ad-hoc LLM call over rawText under prompt,
// used by the callback dispatcher's fact-check/synthesis/deep-dive
// requests (§4.8). It returns a human-readable reply rather than writing
// anything to the store, since callbacks are not part of the ingest
// lifecycle.
func (a *Analyzer) AnalyzeRaw(ctx context.Context, rawText, prompt string) (string, error) {
	entries, err := a.llm.Analyze(ctx, rawText, prompt, 0.2)
	if err != nil {
		return "", fmt.Errorf("callback analysis: %w", err)
	}
	if len(entries) == 0 {
		return "no result", nil
	}

	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(e.Summary)
		if e.Analysis != "" {
			sb.WriteString("\n")
			sb.WriteString(e.Analysis)
		}
		if e.FactCheck != "" {
			sb.WriteString("\nFact check: ")
			sb.WriteString(e.FactCheck)
		}
	}
	return sb.String(), nil
}

// PromoteFromCache re-derives a Signal for itemID from a previously
// cached processed_json blob, without any new LLM call (§4.2 step 6:
// analysis reuse). It still applies the promotion threshold and routes
// to the Mirror if the cached analysis qualifies. Unlike the ordinary
// analysis path, this intentionally skips the duplicate-summary
// suppression window: re-ingesting the same content is its own new
// event, and always yields a new Signal row (referencing the original
// item id, which the reuse path hands back) rather than being silently
// absorbed into the original.
// The bool return reports whether a Signal was actually saved, so callers
// can fire their own "signals changed" notification (cache invalidation,
// websocket push) the same way they do for the ordinary batch pass.
func (a *Analyzer) PromoteFromCache(ctx context.Context, itemID, processedJSON string, now int64) (bool, error) {
	var entries []llmclient.Entry
	if err := json.UnmarshalFromString(processedJSON, &entries); err != nil {
		return false, fmt.Errorf("parse cached analysis: %w", err)
	}

	emitted := false
	for _, entry := range entries {
		if entry.RelevanceScore <= a.promoteThreshold {
			continue
		}

		sig := model.Signal{
			SourceItemIDs:  []string{itemID},
			Summary:        entry.Summary,
			Analysis:       entry.Analysis,
			FactCheck:      entry.FactCheck,
			Sentiment:      model.Sentiment(normalizeSentiment(entry.Sentiment)),
			RelevanceScore: entry.RelevanceScore,
			Urgent:         entry.IsUrgent,
			Tickers:        upperAll(entry.Tickers),
			Tags:           entry.Tags,
			CreatedAt:      now,
		}

		saved, err := a.store.SaveSignal(ctx, sig)
		if err != nil {
			return emitted, fmt.Errorf("save reused signal: %w", err)
		}
		emitted = true

		if err := a.store.WriteAnalysis(ctx, itemID, processedJSON, model.SignalPromoted, now); err != nil {
			slog.Error("write analysis (reuse) failed", "item_id", itemID, "error", err)
		}

		if a.mirror != nil {
			if err := a.mirror.Route(ctx, saved); err != nil {
				slog.Warn("mirror route failed", "signal_id", saved.ID, "error", err)
			}
		}
	}

	return emitted, nil
}

func (a *Analyzer) logState(ctx context.Context, module, message string, now int64) {
	if err := a.store.LogState(ctx, module, message, "", now); err != nil {
		slog.Error("log state failed", "error", err)
	}
}
