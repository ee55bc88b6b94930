// Package feed implements the syndication-feed collector: polling RSS
// and Atom sources and normalizing entries into ingest records.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Entry is one normalized feed item.
type Entry struct {
	GUID      string
	Title     string
	Link      string
	RawText   string
	Published time.Time
}

// Poller fetches and parses RSS/Atom feeds.
type Poller struct {
	parser  *gofeed.Parser
	timeout time.Duration
}

// New builds a Poller bounding each fetch to timeout.
func New(timeout time.Duration) *Poller {
	return &Poller{parser: gofeed.NewParser(), timeout: timeout}
}

// Fetch retrieves feedURL and normalizes its entries, concatenating
// "title\n\ndescription\n\nlink" as RawText per the feed-format contract.
func (p *Poller) Fetch(ctx context.Context, feedURL string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	parsed, err := p.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feedURL, err)
	}

	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		description := item.Description
		if description == "" {
			description = item.Content
		}

		rawText := strings.Join(filterEmpty([]string{item.Title, description, item.Link}), "\n\n")

		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}

		var published time.Time
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else {
			published = time.Now()
		}

		entries = append(entries, Entry{
			GUID:      guid,
			Title:     item.Title,
			Link:      item.Link,
			RawText:   rawText,
			Published: published,
		})
	}

	return entries, nil
}

func filterEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
