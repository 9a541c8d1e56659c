package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// Telegram rejects messages over 4096 chars; stay under with headroom.
	telegramChunkLimit = 4000
	// Minimum gap between consecutive sendMessage calls to avoid 429s.
	telegramSendGap = 400 * time.Millisecond
)

type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
	baseURL  string

	chunkLimit int
	sendGap    time.Duration

	mu       sync.Mutex
	lastSend time.Time
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken:   botToken,
		chatID:     chatID,
		client:     &http.Client{Timeout: 10 * time.Second},
		baseURL:    "https://api.telegram.org",
		chunkLimit: telegramChunkLimit,
		sendGap:    telegramSendGap,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Enabled reports whether credentials are configured. A disabled channel
// swallows sends so callers never need to branch.
func (t *TelegramChannel) Enabled() bool {
	return t.botToken != "" && t.chatID != ""
}

// Send formats an alert payload and delivers it as plain text.
func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] %s\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		sb.WriteString("\n")
		for k, v := range alert.Fields {
			fmt.Fprintf(&sb, "\n- %s: %s", k, v)
		}
	}

	return t.SendText(ctx, sb.String())
}

// SendText delivers arbitrary text, splitting it into chunks that fit the
// Telegram message limit and pacing consecutive calls.
func (t *TelegramChannel) SendText(ctx context.Context, text string) error {
	if !t.Enabled() {
		return nil
	}

	for _, chunk := range splitMessage(text, t.chunkLimit) {
		if err := t.postChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *TelegramChannel) postChunk(ctx context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if wait := t.sendGap - time.Since(t.lastSend); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	payload := map[string]interface{}{
		"chat_id":                  t.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	t.lastSend = time.Now()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api failed with status: %d", resp.StatusCode)
	}

	return nil
}

// splitMessage breaks text into chunks of at most limit runes, preferring
// line boundaries. A single line longer than the limit is hard-split.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	var chunks []string
	var current []rune

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, string(current))
			current = current[:0]
		}
	}

	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)

		// Hard-split oversized lines.
		for len(runes) > limit {
			flush()
			chunks = append(chunks, string(runes[:limit]))
			runes = runes[limit:]
		}

		need := len(runes)
		if len(current) > 0 {
			need++ // newline separator
		}
		if len(current)+need > limit {
			flush()
		}
		if len(current) > 0 {
			current = append(current, '\n')
		}
		current = append(current, runes...)
	}
	flush()

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}
