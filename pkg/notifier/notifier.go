// Package notifier fans incident events out to configured channels:
// the process log, an optional webhook, and an optional Telegram bot.
// A composite notifier isolates per-channel failures so one broken
// channel never blocks the others or the caller.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Event is one incident-lifecycle notification.
type Event struct {
	TargetID *int64    `json:"target_id,omitempty"`
	Level    string    `json:"level"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	TS       time.Time `json:"ts"`
}

// Notifier delivers a single event. Implementations must enforce their
// own bounded I/O timeout; send is expected to never block the caller
// indefinitely.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// Composite forwards to every channel in order, discarding per-channel
// errors so one bad channel never sinks the others.
type Composite struct {
	channels []Notifier
}

// NewComposite builds a fan-out notifier over channels.
func NewComposite(channels ...Notifier) *Composite {
	return &Composite{channels: channels}
}

func (c *Composite) Send(ctx context.Context, event Event) error {
	for _, ch := range c.channels {
		if err := ch.Send(ctx, event); err != nil {
			log.Printf("notifier: channel delivery failed, continuing: %v", err)
		}
	}
	return nil
}

// Log writes events to the process log. It is always included.
type Log struct{}

func NewLog() *Log { return &Log{} }

func (l *Log) Send(_ context.Context, event Event) error {
	target := "-"
	if event.TargetID != nil {
		target = fmt.Sprintf("%d", *event.TargetID)
	}
	log.Printf("[%s] %s: %s (target=%s ts=%s)", event.Level, event.Title, event.Message, target, event.TS.Format(time.RFC3339))
	return nil
}

const defaultChannelTimeout = 8 * time.Second

// Webhook POSTs the event as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: defaultChannelTimeout}}
}

func (w *Webhook) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultChannelTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

const telegramMaxMessageLen = 4096

// Telegram posts the event as a plain-text message via the Bot API.
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
	apiBase  string
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: defaultChannelTimeout},
		apiBase:  "https://api.telegram.org",
	}
}

type telegramPayload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (t *Telegram) Send(ctx context.Context, event Event) error {
	targetID := "-"
	if event.TargetID != nil {
		targetID = fmt.Sprintf("%d", *event.TargetID)
	}
	text := fmt.Sprintf("%s\n%s\ntarget_id=%s ts=%s", event.Title, event.Message, targetID, event.TS.Format(time.RFC3339))
	if len(text) > telegramMaxMessageLen {
		text = text[:telegramMaxMessageLen]
	}

	body, err := json.Marshal(telegramPayload{ChatID: t.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultChannelTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: post: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// FromEnv builds the composite notifier the same way the source's
// build_notifier_from_env does: log is always present; webhook and
// Telegram channels are added only when fully configured.
func FromEnv(telegramBotToken, telegramChatID, webhookURL string) *Composite {
	channels := []Notifier{NewLog()}
	if telegramBotToken != "" && telegramChatID != "" {
		channels = append(channels, NewTelegram(telegramBotToken, telegramChatID))
	}
	if webhookURL != "" {
		channels = append(channels, NewWebhook(webhookURL))
	}
	return NewComposite(channels...)
}
