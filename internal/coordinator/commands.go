package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/refinery-io/refinery/internal/model"
)

const helpText = `Available commands:
/status - show item/signal/channel counters
/add <name> <url> - register a new feed channel
/ignore <id> - mark a channel ignored
/help - show this listing`

// dispatchCommand handles §4.7's text commands. Commands never reach the
// ingest pipeline.
func (c *Coordinator) dispatchCommand(ctx context.Context, chatID, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}

	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	var reply string
	switch cmd {
	case "/status":
		stats := c.store.Stats(ctx)
		reply = fmt.Sprintf("items=%d signals=%d channels=%d", stats.Items, stats.Signals, stats.Channels)

	case "/add":
		reply = c.handleAddFeed(ctx, args)

	case "/ignore":
		reply = c.handleIgnore(ctx, args)

	case "/help":
		reply = helpText

	default:
		reply = "unknown command"
	}

	c.reply(ctx, chatID, reply)
}

func (c *Coordinator) handleAddFeed(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "usage: /add <name> <url>"
	}
	name := args[0]
	url := args[1]

	ch, err := c.store.UpsertChannel(ctx, model.Channel{
		Name:    name,
		Type:    model.ChannelFeed,
		FeedURL: url,
		Status:  model.ChannelActive,
	})
	if err != nil {
		slog.Error("add feed channel failed", "error", err)
		return "failed to register feed"
	}
	return fmt.Sprintf("registered feed %q (id=%s)", ch.Name, ch.ID)
}

func (c *Coordinator) handleIgnore(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "usage: /ignore <id>"
	}
	if err := c.store.SetChannelStatus(ctx, args[0], model.ChannelIgnored); err != nil {
		return "channel not found"
	}
	return fmt.Sprintf("channel %s ignored", args[0])
}

// dispatchCallback handles §4.8's "CALLBACK:<kind>:<item_id>" deep-dive
// requests.
func (c *Coordinator) dispatchCallback(ctx context.Context, chatID, text string) {
	parts := strings.SplitN(text, ":", 3)
	if len(parts) != 3 {
		c.reply(ctx, chatID, "malformed callback")
		return
	}
	kind, itemID := parts[1], parts[2]

	prompt, ok := callbackPrompts[kind]
	if !ok {
		c.reply(ctx, chatID, "unknown callback kind")
		return
	}

	item, found, err := c.store.FindContentItem(ctx, itemID)
	if err != nil {
		slog.Error("callback lookup failed", "error", err)
		c.reply(ctx, chatID, "signal not found or expired")
		return
	}
	if !found {
		c.reply(ctx, chatID, "signal not found or expired")
		return
	}

	c.reply(ctx, chatID, "working on it…")

	llmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	reply, err := c.analyzer.AnalyzeRaw(llmCtx, item.RawText, prompt)
	if err != nil {
		slog.Warn("callback analysis failed", "kind", kind, "item_id", itemID, "error", err)
		c.reply(ctx, chatID, "sorry, that request failed")
		return
	}

	c.reply(ctx, chatID, reply)
}

var callbackPrompts = map[string]string{
	"chk": "Fact-check the following content. Respond as a JSON array with one object containing summary, analysis, fact_check, relevance_score, sentiment.",
	"syn": "Synthesize the key takeaway of the following content. Respond as a JSON array with one object containing summary, analysis, relevance_score, sentiment.",
	"div": "Provide a deep-dive analysis of the following content, covering context and implications. Respond as a JSON array with one object containing summary, analysis, relevance_score, sentiment.",
}

func (c *Coordinator) reply(ctx context.Context, chatID, text string) {
	if c.sender == nil {
		return
	}
	if err := c.sender.Send(ctx, chatID, text); err != nil {
		slog.Warn("reply send failed", "chat_id", chatID, "error", err)
	}
}
