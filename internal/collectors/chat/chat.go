// Package chat implements the chat-platform collector: long-polling
// inbound updates and sending outbound messages, adapted from a
// Telegram long-polling client.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/refinery-io/refinery/internal/media"
)

// Update is one normalized inbound chat message.
type Update struct {
	ChatID    string
	MessageID string
	Text      string
	Media     *media.Ref
}

// Handler is invoked for every inbound Update.
type Handler func(ctx context.Context, u Update)

// Collector is a long-polling Telegram client doubling as the Mirror's
// outbound Sender. A dedicated http.Client with a context-aware
// DialContext lets Stop force-abort an in-flight long-poll so a restart
// does not race the old connection for Telegram's update offset.
type Collector struct {
	bot          *tgbotapi.BotAPI
	messageLimit int

	mu      sync.Mutex
	stopCtx context.Context
	cancel  context.CancelFunc
}

// New authenticates against the Telegram Bot API using token.
func New(token string, messageLimit int) (*Collector, error) {
	ctx, cancel := context.WithCancel(context.Background())

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
				merged, mergedCancel := context.WithCancel(dialCtx)
				go func() {
					select {
					case <-ctx.Done():
						mergedCancel()
					case <-merged.Done():
					}
				}()
				return dialer.DialContext(merged, network, addr)
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("authenticate chat collector: %w", err)
	}

	if messageLimit <= 0 {
		messageLimit = 4000
	}

	return &Collector{
		bot:          bot,
		messageLimit: messageLimit,
		stopCtx:      ctx,
		cancel:       cancel,
	}, nil
}

// Start begins the long-polling loop, invoking handler for each inbound
// message, until ctx is cancelled.
func (c *Collector) Start(ctx context.Context, handler Handler) {
	offset := 0

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		c.cancel()
		c.mu.Unlock()
	}()

	go func() {
		for {
			select {
			case <-c.stopCtx.Done():
				return
			default:
			}

			reqConfig := tgbotapi.NewUpdate(offset)
			reqConfig.Timeout = 60

			updates, err := c.bot.GetUpdates(reqConfig)
			if err != nil {
				select {
				case <-c.stopCtx.Done():
					return
				default:
					slog.Debug("chat collector poll failed", "error", err)
					time.Sleep(3 * time.Second)
					continue
				}
			}

			for _, u := range updates {
				if u.UpdateID < offset {
					continue
				}
				offset = u.UpdateID + 1

				if u.Message == nil {
					continue
				}

				text := u.Message.Text
				if text == "" {
					text = u.Message.Caption
				}

				update := Update{
					ChatID:    strconv.FormatInt(u.Message.Chat.ID, 10),
					MessageID: strconv.Itoa(u.Message.MessageID),
					Text:      text,
				}

				if len(u.Message.Photo) > 0 {
					fileID := u.Message.Photo[len(u.Message.Photo)-1].FileID
					if ref, err := c.photoRef(fileID); err == nil {
						update.Media = ref
					} else {
						slog.Warn("chat collector photo lookup failed", "error", err)
					}
				}

				handler(ctx, update)
			}
		}
	}()
}

// photoRef resolves a Telegram file id to a downloadable media.Ref.
func (c *Collector) photoRef(fileID string) (*media.Ref, error) {
	info, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, err
	}
	return &media.Ref{
		URL:      info.Link(c.bot.Token),
		Filename: info.FilePath,
	}, nil
}

// Send implements mirror.Sender and coordinator.Sender (command/callback replies):
// a chunked, word-boundary-safe send to chatID.
func (c *Collector) Send(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}

	for _, chunk := range chunkMessage(text, c.messageLimit) {
		msg := tgbotapi.NewMessage(id, chunk)
		msg.ParseMode = "HTML"
		if _, err := c.bot.Send(msg); err != nil {
			return fmt.Errorf("send chat message: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// chunkMessage splits text into pieces no longer than limit runes,
// preferring to break on a newline or space near the limit.
func chunkMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}

		cut := limit
		for cut > 0 && !strings.ContainsRune(" \n", runes[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}

		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// Stop aborts the in-flight long-poll request immediately.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel()
}
