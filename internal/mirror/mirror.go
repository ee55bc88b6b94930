// Package mirror implements tiered outbound delivery of Signals to chat
// channels, with word-boundary truncation and exponential-backoff retry.
package mirror

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/refinery-io/refinery/internal/model"
)

const maxBodyLength = 4000

// Sender performs one outbound send to a channel; implemented by the
// chat collector (for Telegram) and usable by any other transport.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// Mirror routes Signals to primary/secondary outbound channels by
// relevance score.
type Mirror struct {
	sender             Sender
	primaryChannelID   string
	secondaryChannelID string
	primaryThreshold   int
	secondaryThreshold int
	attempts           int
	backoffBase        time.Duration
}

// New builds a Mirror. secondaryChannelID may be empty, in which case
// secondary-tier signals are dropped.
func New(sender Sender, primaryChannelID, secondaryChannelID string, primaryThreshold, secondaryThreshold int) *Mirror {
	return &Mirror{
		sender:             sender,
		primaryChannelID:   primaryChannelID,
		secondaryChannelID: secondaryChannelID,
		primaryThreshold:   primaryThreshold,
		secondaryThreshold: secondaryThreshold,
		attempts:           3,
		backoffBase:        time.Second,
	}
}

// Route sends sig to the appropriate tier, or drops it silently if below
// the secondary threshold or the secondary channel is unconfigured.
func (m *Mirror) Route(ctx context.Context, sig model.Signal) error {
	var channelID string
	switch {
	case sig.RelevanceScore >= m.primaryThreshold:
		channelID = m.primaryChannelID
	case sig.RelevanceScore >= m.secondaryThreshold:
		if m.secondaryChannelID == "" {
			return nil
		}
		channelID = m.secondaryChannelID
	default:
		return nil
	}

	body := FormatSignalCard(sig)
	return m.sendWithRetry(ctx, channelID, body)
}

func (m *Mirror) sendWithRetry(ctx context.Context, channelID, text string) error {
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.backoffBase * time.Duration(1<<(attempt-2))):
			}
		}

		err := m.sender.Send(ctx, channelID, text)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("mirror send failed after %d attempts: %w", m.attempts, lastErr)
}

// FormatSignalCard renders a Signal as the outbound "signal card" text,
// truncated to maxBodyLength at a word boundary.
func FormatSignalCard(sig model.Signal) string {
	var sb strings.Builder

	urgent := ""
	if sig.Urgent {
		urgent = "🚨 URGENT\n"
	}

	fmt.Fprintf(&sb, "%s<b>%s</b>\n\n", urgent, html.EscapeString(sig.Summary))
	if sig.Analysis != "" {
		fmt.Fprintf(&sb, "%s\n\n", html.EscapeString(sig.Analysis))
	}
	if sig.FactCheck != "" {
		fmt.Fprintf(&sb, "<i>Fact check:</i> %s\n\n", html.EscapeString(sig.FactCheck))
	}
	fmt.Fprintf(&sb, "Sentiment: %s | Relevance: %d\n", sig.Sentiment, sig.RelevanceScore)
	if len(sig.Tickers) > 0 {
		fmt.Fprintf(&sb, "Tickers: %s\n", strings.Join(sig.Tickers, ", "))
	}
	if len(sig.Tags) > 0 {
		fmt.Fprintf(&sb, "Tags: %s\n", strings.Join(sig.Tags, ", "))
	}

	return TruncateWordBoundary(sb.String(), maxBodyLength)
}

// TruncateWordBoundary truncates s to at most max characters, backing up
// to the previous whitespace boundary and appending an ellipsis.
func TruncateWordBoundary(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}

	cut := max - 1 // leave room for the ellipsis character
	for cut > 0 && !isSpace(runes[cut]) {
		cut--
	}
	if cut == 0 {
		cut = max - 1
	}

	return strings.TrimRight(string(runes[:cut]), " \t\n") + "…"
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}
