package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TelegramSender posts messages through the Bot API.
type TelegramSender struct {
	token  string
	apiURL string
	http   *http.Client
}

func NewTelegramSender(token, apiURL string) *TelegramSender {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	return &TelegramSender{
		token:  token,
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessageBody struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Send delivers text to a private chat. Telegram chat ids of private chats
// equal the user id.
func (s *TelegramSender) Send(ctx context.Context, chatID, text string) error {
	if s.token == "" {
		return fmt.Errorf("telegram not configured: set TELEGRAM_BOT_TOKEN")
	}
	b, err := json.Marshal(sendMessageBody{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(body) > 0 {
			return fmt.Errorf("telegram send failed: status=%d body=%s", resp.StatusCode, body)
		}
		return fmt.Errorf("telegram send failed: status=%d", resp.StatusCode)
	}
	return nil
}
