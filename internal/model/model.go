// Package model defines the durable data shapes shared across the
// refinery core: ContentItem, Signal, Channel and InternalLog.
package model

// SignalState is the tri-valued promotion state of a ContentItem.
type SignalState int

const (
	// SignalPending means the item has not been promoted to a Signal; it
	// may or may not have been analyzed already.
	SignalPending SignalState = 0
	// SignalPromoted means the item produced at least one Signal.
	SignalPromoted SignalState = 1
	// SignalFailed means the item exhausted its retry budget.
	SignalFailed SignalState = -1
)

// ContentItem is one ingested, scrubbed unit of raw text.
type ContentItem struct {
	ID             string
	SourceID       string
	SourceName     string
	RawText        string
	ContentHash    string
	CreatedAt      int64
	ProcessedJSON  string // empty string means null
	IsSignal       SignalState
	LastAnalyzedAt int64 // 0 means null
	RetryCount     int
	LastError      string
}

// Sentiment is the fixed set of sentiment tags a Signal may carry.
type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

// Signal is a derived synthesis referencing one or more ContentItems.
type Signal struct {
	ID             string
	SourceItemIDs  []string
	Summary        string
	Analysis       string
	FactCheck      string
	Sentiment      Sentiment
	RelevanceScore int
	Urgent         bool
	Tickers        []string
	Tags           []string
	CreatedAt      int64
}

// ChannelType enumerates the known upstream source kinds.
type ChannelType string

const (
	ChannelChat     ChannelType = "chat"
	ChannelFeed     ChannelType = "feed"
	ChannelWebhook  ChannelType = "webhook"
)

// ChannelStatus is whether a Channel is actively polled/considered.
type ChannelStatus string

const (
	ChannelActive  ChannelStatus = "active"
	ChannelIgnored ChannelStatus = "ignored"
)

// Channel is a known upstream source (chat/feed/webhook).
type Channel struct {
	ID            string
	Name          string
	Type          ChannelType
	FeedURL       string
	LastPolledAt  int64
	SuccessCount  int
	FailureCount  int
	Status        ChannelStatus
}

// InternalLog is a time-stamped diagnostic entry, pruned by the janitor.
type InternalLog struct {
	ID        int64
	CreatedAt int64
	Module    string
	Message   string
	Context   string // opaque JSON
}

// Stats is the O(1) counters snapshot returned by ContentStore.Stats.
type Stats struct {
	Items    int
	Signals  int
	Channels int
}

// SignalFilters narrows a ListSignals query; zero values mean "no filter".
type SignalFilters struct {
	Source    string
	Sentiment Sentiment
	Urgent    *bool
	From      int64
	To        int64
	Query     string
}
