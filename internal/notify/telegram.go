package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "studycal/internal/log"
)

// telegramLimit is the Bot API's per-message character cap.
const telegramLimit = 4096

// Telegram posts to the Bot API sendMessage method.
type Telegram struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

// NewTelegram returns a channel for chatID. apiBase defaults to the public
// Bot API; a nil client uses a 15 second timeout.
func NewTelegram(token, chatID, apiBase string, client *http.Client) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if chatID == "" {
		return nil, errors.New("notify: telegram chat id is empty")
	}
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  client,
	}, nil
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers text, split on line boundaries when it exceeds the API cap.
// A failure after at least one part went out wraps ErrPartialDelivery.
func (t *Telegram) Send(ctx context.Context, text string) error {
	parts := splitMessage(text, telegramLimit)
	for i, part := range parts {
		if err := t.sendOne(ctx, part); err != nil {
			if i > 0 {
				return fmt.Errorf("%w: part %d of %d: %w", ErrPartialDelivery, i+1, len(parts), err)
			}
			return err
		}
	}
	return nil
}

func (t *Telegram) sendOne(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return err
	}
	endpoint := t.apiBase + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL embeds the token; never surface it.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("notify: telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("notify: telegram status %d: %s", resp.StatusCode, out.Description)
	}
	appLog.Debug("notify: telegram message sent", "chars", len([]rune(text)))
	return nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// line breaks. A single overlong line is hard-split.
func splitMessage(text string, limit int) []string {
	if len([]rune(text)) <= limit {
		return []string{text}
	}
	var (
		parts []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, strings.TrimRight(string(cur), "\n"))
			cur = cur[:0]
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		r := []rune(line)
		if len(cur)+len(r) > limit {
			flush()
		}
		for len(r) > limit {
			parts = append(parts, string(r[:limit]))
			r = r[limit:]
		}
		cur = append(cur, r...)
	}
	flush()
	return parts
}
