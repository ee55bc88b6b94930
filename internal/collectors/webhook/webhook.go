// Package webhook normalizes generic/Discord/Slack webhook deliveries
// into ingest records, and answers URL-verification challenges.
package webhook

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Normalized is one inbound webhook delivery reduced to ingest shape.
type Normalized struct {
	Title string
	Text  string
}

// ChallengeResponse is non-nil when the delivery was a URL-verification
// handshake; the caller should echo it back as the JSON response body
// instead of running ingest.
type ChallengeResponse struct {
	Body []byte
}

// Normalize interprets a webhook body according to kind ("generic",
// "discord", "slack"), returning either a Normalized record or a
// ChallengeResponse to echo back.
func Normalize(kind string, body []byte) (*Normalized, *ChallengeResponse, error) {
	switch kind {
	case "slack":
		return normalizeSlack(body)
	case "discord":
		return normalizeDiscord(body)
	default:
		return normalizeGeneric(body)
	}
}

func normalizeSlack(body []byte) (*Normalized, *ChallengeResponse, error) {
	var payload struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Event     struct {
			Text string `json:"text"`
			User string `json:"user"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, err
	}

	if payload.Type == "url_verification" {
		echo, _ := json.Marshal(map[string]string{"challenge": payload.Challenge})
		return nil, &ChallengeResponse{Body: echo}, nil
	}

	return &Normalized{Title: "slack:" + payload.Event.User, Text: payload.Event.Text}, nil, nil
}

func normalizeDiscord(body []byte) (*Normalized, *ChallengeResponse, error) {
	var payload struct {
		Type    int    `json:"type"`
		Content string `json:"content"`
		Author  struct {
			Username string `json:"username"`
		} `json:"author"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, err
	}

	const discordPing = 1
	if payload.Type == discordPing {
		echo, _ := json.Marshal(map[string]int{"type": discordPing})
		return nil, &ChallengeResponse{Body: echo}, nil
	}

	return &Normalized{Title: "discord:" + payload.Author.Username, Text: payload.Content}, nil, nil
}

func normalizeGeneric(body []byte) (*Normalized, *ChallengeResponse, error) {
	var payload struct {
		Challenge string `json:"challenge"`
		Title     string `json:"title"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, err
	}

	if payload.Challenge != "" {
		echo, _ := json.Marshal(map[string]string{"challenge": payload.Challenge})
		return nil, &ChallengeResponse{Body: echo}, nil
	}

	return &Normalized{Title: payload.Title, Text: payload.Text}, nil, nil
}
