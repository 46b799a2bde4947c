// Package telegram отправляет пользователям сообщения через Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Notifier доставляет уведомления пользователю бота. Отправка выполняется
// по принципу best-effort: сбой доставки никогда не влияет на состояние леджера.
type Notifier struct {
	apiBase    string
	token      string
	httpClient *http.Client
}

// NewNotifier создаёт Notifier с токеном бота. apiBase переопределяется в тестах.
func NewNotifier(apiBase, token string) *Notifier {
	return &Notifier{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// Notify отправляет текстовое сообщение в чат. Временные сбои повторяются
// ограниченное число раз.
func (n *Notifier) Notify(ctx context.Context, chatID int64, text string) error {
	if n == nil || n.token == "" {
		return fmt.Errorf("telegram notifier not configured")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.token)

	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	backoff := retry.WithMaxRetries(2, retry.NewConstant(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("send message: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(fmt.Errorf("send message: HTTP %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("send message: HTTP %d", resp.StatusCode)
		}

		return nil
	})
}
