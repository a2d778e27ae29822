package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

// WebhookChannel POSTs each notification as JSON to a fixed URL.
type WebhookChannel struct {
	url  string
	http *http.Client
}

func NewWebhookChannel(url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &WebhookChannel{url: url, http: client}
}

func (c *WebhookChannel) Send(ctx context.Context, userID string, ev crnwatch.ChangeEvent) error {
	return c.post(ctx, NewNotification(userID, ev))
}

// A rejected request (4xx other than 408 and 429) wraps
// crnwatch.ErrPermanentDelivery; anything else is worth retrying.
func (c *WebhookChannel) post(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("error encoding notification: %s", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %s: %w", err, crnwatch.ErrPermanentDelivery)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.IdempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error posting notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("webhook rejected notification with %d: %w", resp.StatusCode, crnwatch.ErrPermanentDelivery)
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}
